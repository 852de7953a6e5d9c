package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

// Reasons sent in the error package of a rejected handshake
const (
	reasonRefused       = "[-] Connection refused"
	reasonVersion       = "[-] Please update your client"
	reasonOTP           = "[-] Invalid 2FA key"
	reasonNickname      = "[-] Too many invalid nicknames"
	reasonUnexpected    = "[-] Unexpected package during handshake"
	reasonUndecryptable = "[-] Could not decrypt client info"
	reasonMalformed     = "[-] Malformed package"
)

// maxHandshakePackage caps frames from unauthenticated peers. A PEM public key and the
// OAEP-encrypted client info stay far below it.
const maxHandshakePackage = 64 * 1024

// handshake drives a fresh connection from the server key to admission. Nothing is
// registered unless it succeeds; on success the participant is live in the default
// room and its outbox writer is running.
func (s *Server) handshake(conn net.Conn, addr string) (*Participant, error) {
	if s.config.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}

	if err := protocol.Write(conn, &protocol.ServerAuth{PublicKey: s.keyPEM}); err != nil {
		return nil, err
	}

	keyPkg, err := s.readHandshake(conn)
	if err != nil {
		return nil, err
	}
	clientKey, ok := keyPkg.(*protocol.ClientKey)
	if !ok {
		return nil, reject(fmt.Errorf("%w: got %s, want key", ErrAuthentication, keyPkg.Type()), reasonUnexpected)
	}
	pub, err := crypto.ParsePublicKey(clientKey.PublicKey)
	if err != nil {
		return nil, reject(fmt.Errorf("%w: %v", ErrAuthentication, err), reasonRefused)
	}
	debugLog.Printf("%s: received client key", addr)

	var nick string
	for attempt := 1; ; attempt++ {
		info, err := s.requestInfo(conn)
		if err != nil {
			return nil, err
		}

		if info.Version != s.config.ProtocolVersion {
			return nil, reject(fmt.Errorf("%w: client version %q, server %q", ErrAuthentication, info.Version, s.config.ProtocolVersion), reasonVersion)
		}

		nickBytes, err := crypto.Decrypt(s.key, info.Nickname)
		if err != nil {
			return nil, reject(fmt.Errorf("%w: nickname: %v", ErrAuthentication, err), reasonUndecryptable)
		}
		code, err := crypto.Decrypt(s.key, info.OneTimeCode)
		if err != nil {
			return nil, reject(fmt.Errorf("%w: one-time code: %v", ErrAuthentication, err), reasonUndecryptable)
		}

		nick = string(nickBytes)
		verr := s.registry.ValidateNickname(CanonicalNickname(nick))
		if verr == nil {
			if err := s.checkOneTimeCode(strings.TrimSpace(string(code)), addr); err != nil {
				return nil, err
			}
			break
		}

		if attempt >= s.config.MaxNicknameAttempts {
			return nil, reject(fmt.Errorf("%w: %v", ErrAuthentication, verr), reasonNickname)
		}
		var ce *CommandError
		if errors.As(verr, &ce) {
			if err := protocol.Write(conn, &protocol.Warning{Text: ce.Message}); err != nil {
				return nil, err
			}
		}
	}

	// The handshake deadline must not outlive the handshake
	conn.SetDeadline(time.Time{})

	out := newOutbox(conn, s.config.OutboxSize, s.config.WriteTimeout, addr, s.metrics)
	p := NewParticipant(addr, pub, clientKey.PublicKey, out)
	go out.run()

	adm := s.registry.Admit(p, nick)
	s.limiter.Forget(remoteIP(addr))
	s.metrics.RecordAdmitted()

	if adm.Collided {
		log.Printf("%s: nickname %q taken, admitted %s as %s", addr, CanonicalNickname(nick), p.ID, adm.Nickname)
	} else {
		log.Printf("%s: admitted %s as %s", addr, p.ID, adm.Nickname)
	}
	return p, nil
}

// requestInfo sends an info request and waits for the client's answer
func (s *Server) requestInfo(conn net.Conn) (*protocol.ClientInfo, error) {
	if err := protocol.Write(conn, &protocol.InfoRequest{}); err != nil {
		return nil, err
	}
	pkg, err := s.readHandshake(conn)
	if err != nil {
		return nil, err
	}
	info, ok := pkg.(*protocol.ClientInfo)
	if !ok {
		return nil, reject(fmt.Errorf("%w: got %s, want info", ErrAuthentication, pkg.Type()), reasonUnexpected)
	}
	return info, nil
}

func (s *Server) readHandshake(conn net.Conn) (protocol.Package, error) {
	limit := uint64(maxHandshakePackage)
	if s.config.MaxPackageSize > 0 && s.config.MaxPackageSize < limit {
		limit = s.config.MaxPackageSize
	}

	pkg, err := protocol.Read(conn, protocol.ToServer, limit)
	if err != nil {
		var de *protocol.DecodeError
		switch {
		case errors.As(err, &de):
			return nil, reject(fmt.Errorf("%w: %v", ErrAuthentication, err), reasonUnexpected)
		case errors.Is(err, protocol.ErrProtocol):
			return nil, reject(fmt.Errorf("%w: %v", ErrAuthentication, err), reasonMalformed)
		}
		return nil, err
	}
	s.metrics.RecordPackageReceived(pkg.Type())
	return pkg, nil
}

func (s *Server) checkOneTimeCode(code, addr string) error {
	if s.config.InsecureSkipOTP {
		log.Printf("WARNING: %s: one-time code NOT checked (insecure_skip_otp is enabled)", addr)
		return nil
	}
	if !totp.Validate(code, s.config.OTPSecret) {
		return reject(fmt.Errorf("%w: invalid one-time code", ErrAuthentication), reasonOTP)
	}
	return nil
}

// rejectHandshake reports a failed handshake to the client where possible. Transport
// failures are never reported over the broken connection.
func (s *Server) rejectHandshake(conn net.Conn, addr string, err error) {
	var re *RejectError
	if errors.As(err, &re) {
		s.metrics.RecordHandshakeRejected(re.Reason)
		log.Printf("%s: handshake rejected: %v", addr, err)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if werr := protocol.Write(conn, &protocol.Error{Reason: re.Reason}); werr != nil {
			debugLog.Printf("%s: could not send rejection: %v", addr, werr)
		}
		return
	}

	s.metrics.RecordHandshakeRejected("transport")
	if protocol.IsTransportError(err) {
		debugLog.Printf("%s: disconnected during handshake: %v", addr, err)
		return
	}
	log.Printf("%s: handshake failed: %v", addr, err)
}
