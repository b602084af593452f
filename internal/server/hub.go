// Package server coordinates connection registration, room membership,
// message history, and broadcast for the messaging server via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/taskchat/internal/chat"
)

type eventKind int

const (
	eventSend eventKind = iota
	eventJoin
	eventLeave
)

func (k eventKind) String() string {
	switch k {
	case eventSend:
		return EventSendMessage
	case eventJoin:
		return EventJoinRoom
	case eventLeave:
		return EventLeaveRoom
	default:
		return "unknown"
	}
}

// inboundEvent is a decoded client frame waiting for the hub loop.
type inboundEvent struct {
	client     *Client
	kind       eventKind
	room       string
	submission chat.Submission
}

// Hub owns the room registry and the per-room message logs. All mutations
// happen on the Run goroutine in arrival order; the mutex only guards the
// maps against the read-only query methods.
type Hub struct {
	clients    map[*Client]bool
	rooms      map[string]map[*Client]struct{}
	logs       map[string]*chat.Log
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
	ids        *chat.IDGenerator
	history    int
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub whose rooms keep at most historyLimit messages each.
func NewHub(historyLimit int) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]struct{}),
		logs:       make(map[string]*chat.Log),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundEvent),
		ids:        chat.MustIDGenerator(),
		history:    historyLimit,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case ev := <-h.inbound:
			h.handleEvent(ev)
		}
	}
}

// enqueueRegister hands a new connection to the loop. It returns false once
// the hub is shutting down.
func (h *Hub) enqueueRegister(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) enqueueUnregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

func (h *Hub) dispatch(ev inboundEvent) bool {
	select {
	case h.inbound <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		log.Warn().Msg("Received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	h.joinLocked(client, chat.DefaultRoom)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	incConnections()
	log.Info().Str("conn", client.id).Str("addr", client.addr).Int("clients", clientCount).Msg("Client registered")

	h.sendHistory(client, chat.DefaultRoom)

	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	h.leaveLocked(client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	decConnections()
	log.Info().Str("conn", client.id).Str("addr", client.addr).Int("clients", clientCount).Msg("Client unregistered")
}

func (h *Hub) handleEvent(ev inboundEvent) {
	h.mutex.RLock()
	_, registered := h.clients[ev.client]
	h.mutex.RUnlock()
	if !registered {
		log.Debug().Stringer("event", ev.kind).Msg("Dropping event from unregistered client")
		return
	}

	switch ev.kind {
	case eventJoin:
		h.handleJoin(ev.client, ev.room)
	case eventLeave:
		h.handleLeave(ev.client, ev.room)
	case eventSend:
		h.handleSend(ev.client, ev.submission)
	}
}

func (h *Hub) handleJoin(client *Client, room string) {
	h.mutex.Lock()
	previous, wasMember := client.room, client.inRoom
	h.joinLocked(client, room)
	h.mutex.Unlock()

	entry := log.Info().Str("conn", client.id).Str("room", room)
	if wasMember && previous != room {
		entry = entry.Str("previous", previous)
	}
	entry.Msg("Client joined room")

	h.sendHistory(client, room)
}

func (h *Hub) handleLeave(client *Client, room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !client.inRoom || client.room != room {
		return
	}
	h.leaveLocked(client)
	log.Info().Str("conn", client.id).Str("room", room).Msg("Client left room")
}

func (h *Hub) handleSend(client *Client, sub chat.Submission) {
	if err := sub.Validate(); err != nil {
		incDropped(dropReasonInvalid)
		log.Debug().Str("conn", client.id).Err(err).Msg("Dropping invalid submission")
		return
	}

	h.mutex.RLock()
	room, inRoom := client.room, client.inRoom
	h.mutex.RUnlock()
	if !inRoom {
		incDropped(dropReasonNoRoom)
		log.Debug().Str("conn", client.id).Msg("Dropping submission from client outside any room")
		return
	}

	msg := h.ids.NewMessage(sub, room)
	h.logFor(room).Append(msg)
	messagesAccepted.Inc()

	payload, err := EncodeEnvelope(EventNewMessage, msg)
	if err != nil {
		log.Error().Err(err).Str("id", msg.ID).Msg("Failed to encode message")
		return
	}

	delivered := h.broadcastToRoom(room, payload)
	log.Debug().Str("id", msg.ID).Str("room", room).Int("delivered", delivered).Msg("Broadcast message")
}

// joinLocked moves client into room, leaving any previous room first.
// Callers hold h.mutex.
func (h *Hub) joinLocked(client *Client, room string) {
	h.leaveLocked(client)

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.room = room
	client.inRoom = true
	setRooms(len(h.rooms))
}

// leaveLocked removes client from its current room, if any. Callers hold h.mutex.
func (h *Hub) leaveLocked(client *Client) {
	if !client.inRoom {
		return
	}
	if members, ok := h.rooms[client.room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, client.room)
		}
	}
	client.room = ""
	client.inRoom = false
	setRooms(len(h.rooms))
}

func (h *Hub) logFor(room string) *chat.Log {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	l, ok := h.logs[room]
	if !ok {
		l = chat.NewLog(h.history)
		h.logs[room] = l
	}
	return l
}

func (h *Hub) sendHistory(client *Client, room string) {
	payload, err := EncodeHistory(room, h.History(room))
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("Failed to encode history")
		return
	}
	if !h.safeSend(client, payload) {
		h.removeFailedClients([]*Client{client})
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic in safeSend")
		}
	}()

	// Hold the lock during the entire send so the channel cannot be closed underneath us.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// broadcastToRoom queues payload to every member of room, including the
// sender, and returns the number of successful deliveries.
func (h *Hub) broadcastToRoom(room string, payload []byte) int {
	members := h.roomSnapshot(room)

	var failed []*Client
	delivered := 0
	for _, client := range members {
		if h.safeSend(client, payload) {
			delivered++
			continue
		}
		failed = append(failed, client)
	}

	h.removeFailedClients(failed)
	if delivered > 0 {
		addDelivered(delivered)
	}
	return delivered
}

func (h *Hub) roomSnapshot(room string) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	members := h.rooms[room]
	clients := make([]*Client, 0, len(members))
	for client := range members {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients drops clients whose send buffer is full and closes their channels.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			h.leaveLocked(client)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			decConnections()
			log.Warn().Str("conn", client.id).Str("addr", client.addr).Msg("Client removed due to full send buffer")
		}
	}
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
}

// History returns a copy of room's message log in insertion order. It never
// returns nil, so an empty room encodes as [].
func (h *Hub) History(room string) []chat.Message {
	h.mutex.RLock()
	l, ok := h.logs[room]
	h.mutex.RUnlock()
	if !ok {
		return []chat.Message{}
	}
	return l.Snapshot()
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// RoomMemberCount returns the number of connections currently in room.
func (h *Hub) RoomMemberCount(room string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[room])
}

// shutdownClients closes every connection and send channel.
func (h *Hub) shutdownClients() {
	log.Info().Msg("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	var channelsToClose []chan []byte
	for client := range h.clients {
		clients = append(clients, client)
		if !client.closed {
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
		}
		decConnections()
	}
	h.clients = make(map[*Client]bool)
	h.rooms = make(map[string]map[*Client]struct{})
	setRooms(0)
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Warn().Err(err).Str("addr", client.addr).Msg("Error closing client connection")
		}
	}

	log.Info().Int("clients", len(clients)).Msg("Closed client connections")
}

// Shutdown stops the loop and waits for every pump goroutine to finish or
// for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Info().Msg("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
