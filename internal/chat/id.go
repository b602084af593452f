package chat

import (
	"fmt"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	idAlphabet     = "0123456789abcdefghijklmnopqrstuvwxyz"
	idSuffixLength = 7
)

// IDGenerator produces message ids of the form msg-<unix-ms>-<suffix>.
type IDGenerator struct {
	suffix func() string
	now    func() time.Time
}

// NewIDGenerator builds a generator backed by a base36 nanoid suffix.
func NewIDGenerator() (*IDGenerator, error) {
	suffix, err := nanoid.CustomASCII(idAlphabet, idSuffixLength)
	if err != nil {
		return nil, fmt.Errorf("chat: build id generator: %w", err)
	}
	return &IDGenerator{suffix: suffix, now: time.Now}, nil
}

// MustIDGenerator is like NewIDGenerator but panics on error. The alphabet and
// length are constants, so an error here is a programming mistake.
func MustIDGenerator() *IDGenerator {
	gen, err := NewIDGenerator()
	if err != nil {
		panic(err)
	}
	return gen
}

// Next returns a fresh message id.
func (g *IDGenerator) Next() string {
	return g.format(g.now())
}

func (g *IDGenerator) format(t time.Time) string {
	return fmt.Sprintf("msg-%d-%s", t.UnixMilli(), g.suffix())
}

// NewMessage turns a validated submission into a Message with a fresh id and
// a server timestamp, scoped to roomID.
func (g *IDGenerator) NewMessage(sub Submission, roomID string) Message {
	now := g.now()
	return Message{
		ID:        g.format(now),
		Content:   sub.Body(),
		UserID:    sub.UserID,
		Username:  sub.DisplayName(),
		Timestamp: now.UnixMilli(),
		RoomID:    roomID,
	}
}
