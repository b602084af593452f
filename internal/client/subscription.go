package client

import (
	"sync"

	"github.com/Tyrowin/taskchat/internal/chat"
)

// Subscription is one mounted view of a room. Its message list is the latest
// history snapshot followed by every new message for the room, in arrival
// order.
type Subscription struct {
	adapter  *Adapter
	onUpdate func([]chat.Message)

	// room is guarded by adapter.mu.
	room string

	mu       sync.Mutex
	active   bool
	messages []chat.Message
}

// Room returns the room the subscription currently follows.
func (s *Subscription) Room() string {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	return s.room
}

// Messages returns a copy of the current view.
func (s *Subscription) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages...)
}

// SetRoom switches the subscription to room.
func (s *Subscription) SetRoom(room string) error {
	return s.adapter.moveSubscription(s, room)
}

// Unmount detaches the subscription. No update callback runs after it
// returns. Calling it again is a no-op. onUpdate must not call Unmount.
func (s *Subscription) Unmount() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.messages = nil
	s.mu.Unlock()

	s.adapter.detach(s)
}

func (s *Subscription) replace(history []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.messages = append([]chat.Message(nil), history...)
	s.notifyLocked()
}

func (s *Subscription) append(msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.messages = append(s.messages, msg)
	s.notifyLocked()
}

func (s *Subscription) notifyLocked() {
	if s.onUpdate == nil {
		return
	}
	s.onUpdate(append([]chat.Message(nil), s.messages...))
}
