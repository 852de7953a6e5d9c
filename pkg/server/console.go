package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/aeolun/securechat/pkg/protocol"
)

// ErrShutdownRequested is returned by RunConsole when the operator types exit
var ErrShutdownRequested = errors.New("shutdown requested from console")

const consoleHelp = `Commands:
  exit             close every connection and stop the server
  pardon <ip>      clear the connection attempts recorded for an address
  debug on|off     toggle debug logging
  clearall         clear the screen of every client
  rooms            list rooms and their members
  help             show this help
`

// RunConsole reads operator commands from r until exit or end of input. It returns
// ErrShutdownRequested on exit and nil when r runs dry.
func (s *Server) RunConsole(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := s.ExecuteCommand(scanner.Text(), w); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ExecuteCommand runs one console command line
func (s *Server) ExecuteCommand(line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "exit", "quit":
		log.Printf("Shutdown requested from console")
		return ErrShutdownRequested

	case "pardon":
		if len(args) != 1 {
			fmt.Fprintln(w, "usage: pardon <ip>")
			return nil
		}
		if s.limiter.Forget(args[0]) {
			log.Printf("Pardoned %s", args[0])
			fmt.Fprintf(w, "Pardoned %s\n", args[0])
		} else {
			fmt.Fprintf(w, "%s has no recorded connection attempts\n", args[0])
		}

	case "debug":
		switch {
		case len(args) == 1 && strings.EqualFold(args[0], "on"):
			s.EnableDebugLogging()
		case len(args) == 1 && strings.EqualFold(args[0], "off"):
			s.DisableDebugLogging()
		case len(args) != 0:
			fmt.Fprintln(w, "usage: debug on|off")
			return nil
		}
		state := "off"
		if s.DebugEnabled() {
			state = "on"
		}
		fmt.Fprintf(w, "Debug logging is %s\n", state)

	case "clearall":
		n := s.registry.Broadcast(&protocol.ClearAll{})
		fmt.Fprintf(w, "Cleared the screen of %d client(s)\n", n)

	case "rooms":
		for _, room := range s.registry.Rooms() {
			admin := "-"
			if p, ok := s.registry.Participant(room.Admin); ok {
				admin = p.Nickname()
			}
			nicks := make([]string, 0, len(room.Members))
			for _, id := range room.Members {
				if p, ok := s.registry.Participant(id); ok {
					nicks = append(nicks, p.Nickname())
				}
			}
			fmt.Fprintf(w, "%s (admin: %s, %d member(s)): %s\n", room.Name, admin, len(nicks), strings.Join(nicks, ", "))
		}

	case "help", "?":
		fmt.Fprint(w, consoleHelp)

	default:
		fmt.Fprintf(w, "Unknown command %q, type help for a list\n", cmd)
	}
	return nil
}
