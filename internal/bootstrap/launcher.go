// Package bootstrap owns the process-wide messaging server handle. The first
// caller of EnsureStarted creates and binds the server; every later or
// concurrent caller gets the same instance.
package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/taskchat/internal/server"
)

const startKey = "messaging-server"

// Launcher lazily starts at most one messaging server.
type Launcher struct {
	group singleflight.Group

	mu  sync.Mutex
	cfg server.Config
	srv *server.Server
}

// NewLauncher returns a Launcher that will start servers with cfg.
func NewLauncher(cfg server.Config) *Launcher {
	return &Launcher{cfg: cfg}
}

// Default is the process-wide launcher used by the web application.
var Default = NewLauncher(server.NewConfig())

// EnsureStarted starts the Default launcher's server if needed.
func EnsureStarted(ctx context.Context) (*server.Server, error) {
	return Default.EnsureStarted(ctx)
}

// Current returns the Default launcher's server, or nil before it has started.
func Current() *server.Server {
	return Default.Current()
}

// Configure replaces the config used for the next start. It fails once a
// server is running.
func (l *Launcher) Configure(cfg server.Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.srv != nil {
		return server.ErrAlreadyStarted
	}
	l.cfg = cfg
	return nil
}

// Current returns the running server, or nil.
func (l *Launcher) Current() *server.Server {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.srv
}

// EnsureStarted returns the running server, starting one if there is none.
// Concurrent first calls share a single start attempt. The handle is only
// stored after a successful bind, so a failed start can be retried.
func (l *Launcher) EnsureStarted(ctx context.Context) (*server.Server, error) {
	if srv := l.Current(); srv != nil {
		return srv, nil
	}

	ch := l.group.DoChan(startKey, func() (any, error) {
		l.mu.Lock()
		defer l.mu.Unlock()

		if l.srv != nil {
			return l.srv, nil
		}

		srv := server.New(l.cfg)
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Str("addr", l.cfg.Addr).Msg("Failed to start messaging server")
			return nil, err
		}
		l.srv = srv
		return srv, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("start messaging server: %w", res.Err)
		}
		return res.Val.(*server.Server), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the running server, if any, and clears the handle.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	srv := l.srv
	l.srv = nil
	l.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
