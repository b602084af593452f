// Package server binds the messaging server listener and serves the
// websocket endpoint around a Hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyStarted is returned by Start on a server that is already serving.
var ErrAlreadyStarted = errors.New("messaging server already started")

const hubShutdownTimeout = 5 * time.Second

// Server is the messaging server. It is created with New, bound with Start,
// and stopped with Shutdown.
type Server struct {
	cfg        Config
	hub        *Hub
	origins    *originPolicy
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	started  bool
}

// New creates a Server from cfg. Nothing is bound until Start.
func New(cfg Config) *Server {
	cfg = cfg.sanitize()
	s := &Server{
		cfg:     cfg,
		hub:     NewHub(cfg.HistoryLimit),
		origins: newOriginPolicy(cfg.AllowedOrigins),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start binds the configured address and begins serving in the background.
// A bind failure is returned to the caller and leaves the server unstarted.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.started = true

	go s.hub.Run()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("Messaging server stopped unexpectedly")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Strs("origins", s.cfg.AllowedOrigins).Msg("Messaging server listening")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Config returns the sanitized configuration the server was created with.
func (s *Server) Config() Config {
	return s.cfg
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Shutdown stops accepting connections, then closes every live connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	httpErr := s.httpServer.Shutdown(ctx)

	timeout := hubShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	hubErr := s.hub.Shutdown(timeout)

	return errors.Join(httpErr, hubErr)
}
