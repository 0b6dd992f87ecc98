// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/hubgate/broker"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Session is the part of the broker session the probes read.
type Session interface {
	State() broker.State
	Clients() []broker.Client
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	session  Session
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, s Session, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	srv := &Server{
		config:  cfg,
		session: s,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/ready", srv.handleReady)
	mux.HandleFunc("/clients", srv.handleClients)

	srv.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return srv
}

// Addr returns the listener's network address.
// Returns empty string if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Clients int    `json:"clients"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK only while the session is Ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.session == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "session not initialized",
		})
		return
	}

	state := s.session.State()
	if state != broker.Ready {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status: "not_ready",
			State:  state.String(),
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{
		Status:  "ready",
		State:   state.String(),
		Clients: len(s.session.Clients()),
	})
}

// ClientResponse describes one connected client.
type ClientResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	Listener    string    `json:"listener,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ClientsResponse is the live roster.
type ClientsResponse struct {
	Count   int              `json:"count"`
	Clients []ClientResponse `json:"clients"`
}

// handleClients returns the connected clients.
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := ClientsResponse{Clients: []ClientResponse{}}
	if s.session != nil {
		for _, c := range s.session.Clients() {
			resp.Clients = append(resp.Clients, ClientResponse{
				ID:          c.ID,
				Username:    c.Username,
				RemoteAddr:  c.RemoteAddr,
				Listener:    c.Listener,
				ConnectedAt: c.ConnectedAt,
			})
		}
	}
	resp.Count = len(resp.Clients)

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
