package server

import "github.com/aeolun/securechat/pkg/protocol"

// Sender delivers packages to one client connection in the order Send was called.
// The registry only talks to connections through this interface, which keeps it
// testable without sockets.
type Sender interface {
	// Send queues p without blocking; false means the connection is gone
	Send(p protocol.Package) bool

	// Close drops the connection
	Close()
}
