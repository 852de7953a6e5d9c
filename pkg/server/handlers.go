package server

import (
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

// messageLoop reads packages from an admitted participant until the connection fails,
// then runs the disconnect cleanup exactly once
func (s *Server) messageLoop(p *Participant, conn net.Conn) {
	defer s.disconnect(p)

	for {
		pkg, err := protocol.Read(conn, protocol.ToServer, s.config.MaxPackageSize)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				debugLog.Printf("%s ← malformed %s: %v", p.ID, de.Type, err)
				p.Send(&protocol.Warning{Text: fmt.Sprintf("Malformed %s package", de.Type)})
				continue
			}
			if protocol.IsTransportError(err) {
				debugLog.Printf("%s disconnected: %v", p.ID, err)
			} else {
				log.Printf("%s protocol error, closing: %v", p.ID, err)
			}
			return
		}

		debugLog.Printf("%s ← RECV: %s", p.ID, pkg.Type())
		s.metrics.RecordPackageReceived(pkg.Type())

		if err := s.handlePackage(p, pkg); err != nil {
			var ce *CommandError
			if errors.As(err, &ce) {
				debugLog.Printf("%s %s: %v", p.ID, pkg.Type(), err)
				p.Send(&protocol.Warning{Text: ce.Message})
				continue
			}
			errorLog.Printf("%s %s: %v", p.ID, pkg.Type(), err)
			return
		}
	}
}

// handlePackage dispatches one client package
func (s *Server) handlePackage(p *Participant, pkg protocol.Package) error {
	switch m := pkg.(type) {
	case *protocol.SendMessage:
		_, err := s.registry.RelayMessage(p.ID, m)
		return err
	case *protocol.SendWhisper:
		return s.registry.RelayWhisper(p.ID, m)
	case *protocol.SendFile:
		_, err := s.registry.RelayFile(p.ID, m, s.config.MaxFileSize)
		return err
	case *protocol.AckFile:
		return s.registry.AckFile(p.ID, m)
	case *protocol.CreateRoom:
		return s.registry.CreateRoom(p.ID, m.Name)
	case *protocol.JoinRoom:
		return s.registry.JoinRoom(p.ID, m.Room)
	case *protocol.LeaveRoom:
		return s.registry.Leave(p.ID)
	case *protocol.InviteUser:
		return s.registry.Invite(p.ID, m.ID, m.Room)
	case *protocol.AcceptRequest:
		return s.registry.Accept(p.ID, m.ID)
	case *protocol.DeclineRequest:
		return s.registry.Decline(p.ID, m.ID)
	case *protocol.KickUser:
		return s.registry.Kick(p.ID, m.ID)
	case *protocol.ChangeNick:
		return s.handleChangeNick(p, m)
	case *protocol.ClientKey, *protocol.ClientInfo:
		return validationError("Already authenticated")
	case *protocol.Unrecognized:
		return validationError("Unsupported package type %q", m.Tag)
	default:
		return validationError("Unsupported package type %q", pkg.Type())
	}
}

func (s *Server) handleChangeNick(p *Participant, m *protocol.ChangeNick) error {
	nick, err := crypto.Decrypt(s.key, m.Nickname)
	if err != nil {
		return validationError("Could not decrypt nickname")
	}
	old := p.Nickname()
	if err := s.registry.ChangeNickname(p.ID, string(nick)); err != nil {
		return err
	}
	log.Printf("%s renamed %s to %s", p.ID, old, p.Nickname())
	return nil
}

// disconnect removes p from the registry and closes its connection. Safe to call
// from several goroutines; only the first call does anything.
func (s *Server) disconnect(p *Participant) {
	p.leaveOnce.Do(func() {
		p.Close()
		if s.registry.Remove(p.ID) {
			s.metrics.RecordDisconnected()
			log.Printf("%s (%s) disconnected from %s", p.ID, p.Nickname(), p.Addr)
		}
	})
}
