package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

// Server represents the SecureChat relay
type Server struct {
	config     Config
	configPath string
	key        *rsa.PrivateKey
	keyPEM     string

	registry   *Registry
	limiter    *RateLimiter
	metrics    *Metrics
	supervisor *Supervisor

	listener     net.Listener
	sshListener  net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	sshConfig    *ssh.ServerConfig

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	connWG sync.WaitGroup

	debug     atomic.Bool
	startTime time.Time
}

// NewServer creates a server that authenticates clients with key
func NewServer(config Config, key *rsa.PrivateKey, configPath string) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	keyPEM, err := crypto.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode server key: %w", err)
	}

	metrics := NewMetrics()
	return &Server{
		config:     config,
		configPath: configPath,
		key:        key,
		keyPEM:     keyPEM,
		registry:   NewRegistry(config.MaxNicknameLength, metrics),
		limiter:    NewRateLimiter(config.RateLimitAttempts, config.RateLimitWindow),
		metrics:    metrics,
		supervisor: NewSupervisor(),
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Start opens the listeners and starts the background tasks. Fatal task failures are
// delivered on Errors.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startTime = time.Now()

	if s.config.InsecureSkipOTP {
		log.Printf("WARNING: one-time-code validation is DISABLED (insecure_skip_otp). Never run like this in production.")
	}

	addr := listenAddr(s.config.Host, s.config.TCPPort)
	listener, err := listen(s.ctx, addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	if err := s.startSSHServer(); err != nil {
		s.closeListeners()
		s.cancel()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		s.closeListeners()
		s.cancel()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.supervisor.Go(s.ctx, Task{Name: "accept", Run: func(ctx context.Context) error {
		return s.acceptLoop(ctx, s.listener, s.serveConn)
	}})
	s.supervisor.Go(s.ctx, Task{Name: "sweep", Run: s.sweepLoop})
	s.supervisor.Go(s.ctx, Task{Name: "listen-monitor", Run: monitorListenOverflows})

	return nil
}

// Errors delivers fatal failures of background tasks, such as the accept loop
// giving up. The server should be stopped when one arrives.
func (s *Server) Errors() <-chan error {
	return s.supervisor.Errors()
}

// Addr returns the address of the TCP listener
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the address of the SSH listener, or nil when SSH is disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// HTTPAddr returns the address of the HTTP listener, or nil when HTTP is disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// PublicKeyPEM returns the server public key sent to every client
func (s *Server) PublicKeyPEM() string {
	return s.keyPEM
}

// Registry exposes the room registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics exposes the server metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Stop closes every listener and connection and waits for the background tasks
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.closeListeners()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Printf("HTTP server shutdown: %v", err)
			}
			cancel()
		}

		s.registry.CloseAll()
		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()

		s.supervisor.Wait()
		s.connWG.Wait()
		log.Printf("Server stopped")
	})
	return nil
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.httpListener != nil {
		s.httpListener.Close()
	}
}

// acceptLoop accepts connections until the listener closes. More than
// MaxAcceptFailures consecutive failures end it with a fatal error.
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, serve func(net.Conn)) error {
	failures := 0
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			failures++
			errorLog.Printf("Accept error (%d consecutive): %v", failures, err)
			if failures > s.config.MaxAcceptFailures {
				return fmt.Errorf("%w: %w: %v", ErrFatal, ErrAcceptFailures, err)
			}
			continue
		}
		failures = 0

		go serve(conn)
	}
}

// serveConn gates a connection through the rate limiter, runs the handshake and then
// the message loop. It returns once the connection is gone.
func (s *Server) serveConn(conn net.Conn) {
	if !s.trackConn(conn) {
		conn.Close()
		return
	}
	defer s.untrackConn(conn)
	defer conn.Close()

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	addr := conn.RemoteAddr().String()
	if !s.limiter.Allow(remoteIP(addr)) {
		s.metrics.RecordRateLimited()
		log.Printf("%s: too many connection attempts, refusing", addr)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		protocol.Write(conn, &protocol.Error{Reason: reasonRefused})
		return
	}
	debugLog.Printf("New connection from %s", addr)

	p, err := s.handshake(conn, addr)
	if err != nil {
		s.rejectHandshake(conn, addr, err)
		return
	}

	s.messageLoop(p, conn)
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.ctx != nil && s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	s.connWG.Done()
}

// sweepLoop runs the periodic maintenance pass
func (s *Server) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.maintain(ctx)
		}
	}
}

// maintain deletes empty rooms, forgets idle rate limiter entries and restarts
// background tasks that stopped
func (s *Server) maintain(ctx context.Context) {
	if removed := s.registry.Sweep(); len(removed) > 0 {
		log.Printf("Swept %d empty room(s): %v", len(removed), removed)
	}
	if n := s.limiter.Prune(); n > 0 {
		debugLog.Printf("Forgot %d idle address(es)", n)
	}
	if revived := s.supervisor.Revive(ctx); len(revived) > 0 {
		log.Printf("Restarted stopped task(s): %v", revived)
	}
	debugLog.Printf("Running tasks: %v", s.supervisor.Running())
}
