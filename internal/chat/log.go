package chat

import "sync"

// DefaultHistoryLimit is the number of messages kept per room.
const DefaultHistoryLimit = 100

// Log is an insertion-ordered, capacity-bounded message history. When full,
// appending evicts the oldest entry; surviving entries keep their order.
type Log struct {
	mu      sync.RWMutex
	entries []Message
	limit   int
}

// NewLog creates a log holding at most limit messages. A non-positive limit
// falls back to DefaultHistoryLimit.
func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Log{
		entries: make([]Message, 0, limit),
		limit:   limit,
	}
}

// Append adds msg to the end of the log and returns the evicted message, if any.
func (l *Log) Append(msg Message) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		evicted Message
		dropped bool
	)
	if len(l.entries) == l.limit {
		evicted = l.entries[0]
		dropped = true
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, msg)
	return evicted, dropped
}

// Snapshot returns a copy of the log contents in insertion order.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of messages currently held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Cap returns the configured bound.
func (l *Log) Cap() int {
	return l.limit
}
