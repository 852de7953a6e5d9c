package server

import (
	"io"
	"log"
	"os"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// EnableDebugLogging turns on verbose per-package logging
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
	s.debug.Store(true)
}

// DisableDebugLogging silences debug output again
func (s *Server) DisableDebugLogging() {
	debugLog.SetOutput(io.Discard)
	s.debug.Store(false)
}

// DebugEnabled reports whether debug logging is on
func (s *Server) DebugEnabled() bool {
	return s.debug.Load()
}
