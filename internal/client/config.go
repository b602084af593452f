// Package client is the browser-side half of the chat: it bootstraps the
// messaging server, keeps one shared websocket per runtime, and feeds
// per-room message views to mounted subscriptions.
package client

import "time"

// Config controls where the adapter connects and how it recovers.
type Config struct {
	// BootstrapURL is POSTed before the first dial. Empty skips bootstrap.
	BootstrapURL string
	SocketURL    string
	// Origin is sent on the websocket handshake and must be on the server's allow-list.
	Origin           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Reconnect  bool
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultConfig matches the server's default addresses.
func DefaultConfig() Config {
	return Config{
		BootstrapURL:     "http://localhost:3000/api/socket",
		SocketURL:        "ws://localhost:3001/ws",
		Origin:           "http://localhost:3000",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		Reconnect:        true,
		BackoffMin:       500 * time.Millisecond,
		BackoffMax:       30 * time.Second,
	}
}

func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.SocketURL == "" {
		c.SocketURL = def.SocketURL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = def.BackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
	return c
}

// Identity is the signed-in user as the chat sees it.
type Identity struct {
	ID          string
	DisplayName string
}

// IdentityProvider yields the current user, or nil for an anonymous session.
type IdentityProvider interface {
	CurrentUser() *Identity
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func() *Identity

// CurrentUser calls f.
func (f IdentityFunc) CurrentUser() *Identity {
	return f()
}
