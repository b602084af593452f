// Package server manages individual websocket connections, handling read/write
// pumps, frame decoding, rate limiting, and lifecycle control.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/taskchat/internal/chat"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

var errUnknownEvent = errors.New("unknown event")

// Client is one websocket connection. room and inRoom are owned by the hub
// loop and read under the hub mutex.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	room           string
	inRoom         bool
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimitConfig
	now            func() time.Time
}

// NewClient creates a Client for conn using the limits in cfg. A nil conn is
// allowed; the hub then tracks the client without starting its pumps.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg Config) *Client {
	cfg = cfg.sanitize()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		now:            time.Now,
	}
}

// ID returns the connection identifier assigned at accept time.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's outbound queue.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Warn().Err(err).Str("addr", c.addr).Msg("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Warn().Err(err).Str("addr", c.addr).Msg("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs err according to its kind. Every read error ends the loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warn().Str("addr", c.addr).Int64("limit", c.maxMessageSize).Msg("Frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		log.Debug().Err(err).Str("addr", c.addr).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Debug().Err(err).Str("addr", c.addr).Msg("Client connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseMessageTooBig):
		log.Warn().Err(err).Str("addr", c.addr).Msg("Unexpected websocket close")
	default:
		log.Warn().Err(err).Str("addr", c.addr).Msg("Websocket read error")
	}
}

// newLimiter returns a token bucket holding cfg.Burst tokens that refills
// completely once per cfg.RefillInterval.
func newLimiter(cfg RateLimitConfig) *rate.Limiter {
	return rate.NewLimiter(rate.Every(cfg.RefillInterval/time.Duration(cfg.Burst)), cfg.Burst)
}

func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.AllowN(c.now(), 1) {
		incDropped(dropReasonRate)
		log.Warn().Str("addr", c.addr).Int("burst", c.rateLimit.Burst).Dur("interval", c.rateLimit.RefillInterval).
			Msg("Rate limit exceeded; discarding frame")
		return false
	}
	return true
}

// decodeFrame turns one raw frame into an event for the hub.
func (c *Client) decodeFrame(raw []byte) (inboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return inboundEvent{}, fmt.Errorf("decode envelope: %w", err)
	}

	ev := inboundEvent{client: c}
	switch env.Event {
	case EventSendMessage:
		ev.kind = eventSend
		if err := json.Unmarshal(env.Data, &ev.submission); err != nil {
			return inboundEvent{}, fmt.Errorf("decode %s: %w", env.Event, err)
		}
	case EventJoinRoom, EventLeaveRoom:
		ev.kind = eventJoin
		if env.Event == EventLeaveRoom {
			ev.kind = eventLeave
		}
		room, err := decodeRoom(env.Data)
		if err != nil {
			return inboundEvent{}, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		ev.room = room
	default:
		return inboundEvent{}, fmt.Errorf("%w %q", errUnknownEvent, env.Event)
	}
	return ev, nil
}

// decodeRoom reads a room id payload. A missing payload names the default room.
func decodeRoom(data json.RawMessage) (string, error) {
	if len(data) == 0 || string(data) == "null" {
		return chat.DefaultRoom, nil
	}
	var room string
	if err := json.Unmarshal(data, &room); err != nil {
		return "", err
	}
	return room, nil
}

// processFrame decodes raw and hands it to the hub. It returns false when the
// frame was dropped or the hub has stopped. Only chat sends spend rate limit
// tokens; room changes always reach the hub.
func (c *Client) processFrame(raw []byte) bool {
	ev, err := c.decodeFrame(raw)
	if err != nil {
		incDropped(dropReasonMalformed)
		log.Debug().Err(err).Str("conn", c.id).Msg("Dropping frame")
		return false
	}
	if ev.kind == eventSend && !c.checkRateLimit() {
		return false
	}
	return c.hub.dispatch(ev)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.enqueueUnregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Warn().Err(err).Msg("Error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.Warn().Err(err).Msg("Error closing connection in writePump")
	}
}

// handleMessage writes one envelope per frame. A closed queue sends a close frame.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Warn().Err(err).Str("addr", c.addr).Msg("Error setting write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			log.Warn().Err(err).Str("addr", c.addr).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			log.Warn().Err(err).Str("addr", c.addr).Msg("Error writing message")
		}
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Warn().Err(err).Str("addr", c.addr).Msg("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.Warn().Err(err).Str("addr", c.addr).Msg("Error writing ping")
		return false
	}
	return true
}
