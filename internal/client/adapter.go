package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/taskchat/internal/chat"
	"github.com/Tyrowin/taskchat/internal/server"
)

var (
	// ErrEmptyMessage is returned by SendMessage for blank text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoIdentity is returned by SendMessage when no user is signed in.
	ErrNoIdentity = errors.New("no signed-in user")
	// ErrNotConnected is returned when there is no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrNoRoom is returned by SendMessage after the connection left its room
	// and no mounted view names another one.
	ErrNoRoom = errors.New("not in a room")
	// ErrClosed is returned by Mount after Close.
	ErrClosed = errors.New("adapter closed")
)

// State is the adapter's connection state.
type State int

// Connection states.
const (
	StateUninitialized State = iota
	StateInitializing
	StateConnected
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Adapter owns the single websocket connection of a client runtime and fans
// incoming frames out to mounted subscriptions.
type Adapter struct {
	cfg        Config
	identity   IdentityProvider
	httpClient *http.Client
	dialer     *websocket.Dialer

	// connectMu serializes bootstrap and dial so concurrent mounts share one connect.
	connectMu sync.Mutex
	// writeMu orders frames on the wire together with room bookkeeping.
	writeMu sync.Mutex

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	// room is the room the server has this connection in; joined is false
	// after a leaveRoom with no follow-up join.
	room         string
	joined       bool
	subs         map[*Subscription]struct{}
	closed       bool
	closeCh      chan struct{}
	reconnecting bool
}

// NewAdapter returns an adapter that has not connected yet. identity may be
// nil, in which case SendMessage always fails with ErrNoIdentity.
func NewAdapter(cfg Config, identity IdentityProvider) *Adapter {
	cfg = cfg.sanitize()
	return &Adapter{
		cfg:        cfg,
		identity:   identity,
		httpClient: &http.Client{Timeout: cfg.HandshakeTimeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		subs:       make(map[*Subscription]struct{}),
		closeCh:    make(chan struct{}),
	}
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Mount connects if needed, registers a subscription for room, and asks the
// server for the room. onUpdate receives a copy of the view after every change.
func (a *Adapter) Mount(ctx context.Context, room string, onUpdate func([]chat.Message)) (*Subscription, error) {
	if err := a.connect(ctx); err != nil {
		return nil, err
	}

	sub := &Subscription{adapter: a, onUpdate: onUpdate, room: room, active: true}
	a.mu.Lock()
	a.subs[sub] = struct{}{}
	a.mu.Unlock()

	if err := a.join(room); err != nil {
		sub.Unmount()
		return nil, err
	}
	return sub, nil
}

// SendMessage emits text to the connection's current room as the current user.
// The message shows up in views only once the server broadcasts it back.
func (a *Adapter) SendMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	var user *Identity
	if a.identity != nil {
		user = a.identity.CurrentUser()
	}
	if user == nil {
		return ErrNoIdentity
	}

	a.mu.Lock()
	room, joined, connected := a.room, a.joined, a.conn != nil
	a.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if !joined {
		return ErrNoRoom
	}

	return a.emit(server.EventSendMessage, chat.Submission{
		UserID:    user.ID,
		Username:  user.DisplayName,
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
		RoomID:    room,
	})
}

// Close tears the connection down and stops reconnecting.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.closeCh)
	conn := a.conn
	a.conn = nil
	a.state = StateDisconnected
	a.mu.Unlock()

	if conn == nil {
		return nil
	}

	a.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	a.writeMu.Unlock()
	return conn.Close()
}

func (a *Adapter) connect(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	a.state = StateInitializing
	a.mu.Unlock()

	conn, err := a.dial(ctx)
	if err != nil {
		a.mu.Lock()
		a.state = StateDisconnected
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	a.conn = conn
	a.state = StateConnected
	// The server puts every new connection in the default room.
	a.room = chat.DefaultRoom
	a.joined = true
	a.mu.Unlock()

	log.Info().Str("url", a.cfg.SocketURL).Msg("Connected to messaging server")
	go a.readLoop(conn)
	return nil
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	if err := a.bootstrap(ctx); err != nil {
		return nil, err
	}

	header := http.Header{}
	if a.cfg.Origin != "" {
		header.Set("Origin", a.cfg.Origin)
	}
	conn, resp, err := a.dialer.DialContext(ctx, a.cfg.SocketURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.cfg.SocketURL, err)
	}
	return conn, nil
}

// bootstrap asks the web application to start the messaging server.
func (a *Adapter) bootstrap(ctx context.Context) error {
	if a.cfg.BootstrapURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BootstrapURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("bootstrap request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", a.cfg.BootstrapURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("bootstrap %s: status %d: %w", a.cfg.BootstrapURL, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !body.Success {
		return fmt.Errorf("bootstrap %s: status %d: %s", a.cfg.BootstrapURL, resp.StatusCode, body.Error)
	}
	return nil
}

// join emits joinRoom and records room as the connection's current room.
func (a *Adapter) join(room string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return ErrNotConnected
	}
	a.room = room
	a.joined = true
	a.state = StateJoined
	a.mu.Unlock()

	return a.writeLocked(conn, server.EventJoinRoom, room)
}

func (a *Adapter) leave(room string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return ErrNotConnected
	}
	if a.room == room {
		a.joined = false
	}
	a.mu.Unlock()

	return a.writeLocked(conn, server.EventLeaveRoom, room)
}

func (a *Adapter) emit(event string, payload any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return a.writeLocked(conn, event, payload)
}

// writeLocked sends one envelope. Callers hold writeMu.
func (a *Adapter) writeLocked(conn *websocket.Conn, event string, payload any) error {
	frame, err := server.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// roomsLocked returns the distinct rooms of the active subscriptions in
// sorted order. Callers hold a.mu.
func (a *Adapter) roomsLocked() []string {
	rooms := make([]string, 0, len(a.subs))
	for sub := range a.subs {
		if !slices.Contains(rooms, sub.room) {
			rooms = append(rooms, sub.room)
		}
	}
	slices.Sort(rooms)
	return rooms
}

// detach drops sub. When the connection's room loses its last view, the
// connection follows one of the remaining views, or leaves the room when
// none are left.
func (a *Adapter) detach(sub *Subscription) {
	a.mu.Lock()
	if _, ok := a.subs[sub]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.subs, sub)
	current, joined, connected := a.room, a.joined, a.conn != nil
	remaining := a.roomsLocked()
	if connected && len(remaining) == 0 {
		a.state = StateConnected
	}
	a.mu.Unlock()

	if !connected {
		return
	}
	switch {
	case len(remaining) > 0 && (!joined || !slices.Contains(remaining, current)):
		if err := a.join(remaining[0]); err != nil {
			log.Debug().Err(err).Str("room", remaining[0]).Msg("Failed to follow remaining view")
		}
	case len(remaining) == 0 && joined && current != chat.DefaultRoom:
		if err := a.leave(current); err != nil {
			log.Debug().Err(err).Str("room", current).Msg("Failed to leave room")
		}
	}
}

// moveSubscription points sub at room. joinRoom moves the connection out of
// its previous room on the server, so no leaveRoom is sent.
func (a *Adapter) moveSubscription(sub *Subscription, room string) error {
	a.mu.Lock()
	if sub.room == room {
		a.mu.Unlock()
		return nil
	}
	sub.room = room
	a.mu.Unlock()

	return a.join(room)
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			a.handleDisconnect(conn, err)
			return
		}
		a.dispatch(frame)
	}
}

func (a *Adapter) dispatch(frame []byte) {
	var env server.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		log.Debug().Err(err).Msg("Ignoring malformed frame")
		return
	}

	switch env.Event {
	case server.EventChatMessages:
		var history []chat.Message
		if err := json.Unmarshal(env.Data, &history); err != nil {
			log.Debug().Err(err).Msg("Ignoring malformed history")
			return
		}
		a.mu.Lock()
		room := a.room
		if env.Room != nil {
			room = *env.Room
		}
		subs := a.subscribersLocked(room)
		a.mu.Unlock()

		for _, sub := range subs {
			sub.replace(history)
		}

	case server.EventNewMessage:
		var msg chat.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			log.Debug().Err(err).Msg("Ignoring malformed message")
			return
		}
		a.mu.Lock()
		subs := a.subscribersLocked(msg.RoomID)
		a.mu.Unlock()

		for _, sub := range subs {
			sub.append(msg)
		}

	default:
		log.Debug().Str("event", env.Event).Msg("Ignoring unknown event")
	}
}

func (a *Adapter) subscribersLocked(room string) []*Subscription {
	subs := make([]*Subscription, 0, len(a.subs))
	for sub := range a.subs {
		if sub.room == room {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (a *Adapter) handleDisconnect(conn *websocket.Conn, err error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.joined = false
	a.state = StateDisconnected
	retry := a.cfg.Reconnect && !a.closed && !a.reconnecting
	if retry {
		a.reconnecting = true
	}
	a.mu.Unlock()

	_ = conn.Close()
	log.Warn().Err(err).Bool("reconnect", retry).Msg("Lost connection to messaging server")

	if retry {
		go a.reconnectLoop()
	}
}

// reconnectLoop redials with exponential backoff and rejoins the rooms of
// the active subscriptions.
func (a *Adapter) reconnectLoop() {
	defer func() {
		a.mu.Lock()
		a.reconnecting = false
		a.mu.Unlock()
	}()

	backoff := a.cfg.BackoffMin
	for {
		select {
		case <-a.closeCh:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HandshakeTimeout)
		err := a.connect(ctx)
		cancel()
		if errors.Is(err, ErrClosed) {
			return
		}
		if err == nil {
			a.rejoin()
			return
		}

		log.Debug().Err(err).Dur("backoff", backoff).Msg("Reconnect attempt failed")
		backoff *= 2
		if backoff > a.cfg.BackoffMax {
			backoff = a.cfg.BackoffMax
		}
	}
}

func (a *Adapter) rejoin() {
	a.mu.Lock()
	rooms := a.roomsLocked()
	a.mu.Unlock()

	for _, room := range rooms {
		if err := a.join(room); err != nil {
			log.Warn().Err(err).Str("room", room).Msg("Failed to rejoin room")
			return
		}
	}
	log.Info().Strs("rooms", rooms).Msg("Reconnected to messaging server")
}
