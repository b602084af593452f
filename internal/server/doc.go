// Package server implements the messaging server behind the workspace chat.
//
// A single Hub goroutine owns the room registry and the per-room message
// logs and processes connection events (connect, join, leave, send,
// disconnect) one at a time in arrival order. Each connection runs a read
// pump that decodes event envelopes and a write pump that drains its send
// buffer. Server binds the listener and wires the websocket endpoint, origin
// checks, and rate limiting around the hub.
package server
