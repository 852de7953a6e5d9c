package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// startHTTPServer serves metrics, health and the WebSocket transport
func (s *Server) startHTTPServer() error {
	if s.config.HTTPPort < 0 {
		log.Printf("HTTP server disabled (http_port=%d)", s.config.HTTPPort)
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/ws", s.HandleWebSocket)

	addr := listenAddr(s.config.Host, s.config.HTTPPort)
	listener, err := listen(s.ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("HTTP server listening on %s (/metrics, /health, /ws)", listener.Addr())

	s.supervisor.Go(s.ctx, Task{Name: "http", Run: func(ctx context.Context) error {
		err := s.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%w: http server: %v", ErrFatal, err)
	}})
	return nil
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	}

	health["participants"] = s.registry.ParticipantCount()
	health["rooms"] = len(s.registry.Rooms())
	health["tasks"] = s.supervisor.Running()
	health["protocol_version"] = s.config.ProtocolVersion
	health["otp_required"] = !s.config.InsecureSkipOTP

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}
