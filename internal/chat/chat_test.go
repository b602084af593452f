package chat

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNeverExceedsBound(t *testing.T) {
	log := NewLog(100)
	gen := MustIDGenerator()

	for i := 0; i < 250; i++ {
		log.Append(gen.NewMessage(Submission{Content: fmt.Sprintf("m%d", i), UserID: "u1", Username: "Alice"}, "r1"))
		require.LessOrEqual(t, log.Len(), 100)
	}
	assert.Equal(t, 100, log.Len())
}

func TestLogKeepsLastHundredInSendOrder(t *testing.T) {
	log := NewLog(100)
	gen := MustIDGenerator()

	for i := 0; i < 101; i++ {
		log.Append(gen.NewMessage(Submission{Content: fmt.Sprintf("m%d", i), UserID: "u1", Username: "Alice"}, "r1"))
	}

	snapshot := log.Snapshot()
	require.Len(t, snapshot, 100)
	for i, msg := range snapshot {
		assert.Equal(t, fmt.Sprintf("m%d", i+1), msg.Content)
	}
}

func TestLogAppendReportsEviction(t *testing.T) {
	log := NewLog(2)

	_, dropped := log.Append(Message{ID: "a"})
	assert.False(t, dropped)
	_, dropped = log.Append(Message{ID: "b"})
	assert.False(t, dropped)

	evicted, dropped := log.Append(Message{ID: "c"})
	require.True(t, dropped)
	assert.Equal(t, "a", evicted.ID)
	assert.Equal(t, []Message{{ID: "b"}, {ID: "c"}}, log.Snapshot())
}

func TestLogSnapshotIsACopy(t *testing.T) {
	log := NewLog(3)
	log.Append(Message{ID: "a"})

	snapshot := log.Snapshot()
	snapshot[0].ID = "mutated"

	assert.Equal(t, "a", log.Snapshot()[0].ID)
}

func TestNewLogDefaultsLimit(t *testing.T) {
	assert.Equal(t, DefaultHistoryLimit, NewLog(0).Cap())
	assert.Equal(t, DefaultHistoryLimit, NewLog(-5).Cap())
}

func TestIDsAreUniqueInLog(t *testing.T) {
	log := NewLog(100)
	gen := MustIDGenerator()
	for i := 0; i < 100; i++ {
		log.Append(gen.NewMessage(Submission{Content: "same", UserID: "u1", Username: "Alice"}, DefaultRoom))
	}

	seen := make(map[string]struct{})
	for _, msg := range log.Snapshot() {
		require.True(t, strings.HasPrefix(msg.ID, "msg-"), msg.ID)
		_, dup := seen[msg.ID]
		require.False(t, dup, "duplicate id %s", msg.ID)
		seen[msg.ID] = struct{}{}
	}
}

func TestNewMessageCopiesSubmission(t *testing.T) {
	gen := MustIDGenerator()
	msg := gen.NewMessage(Submission{Text: "hello", UserID: "u1", UserName: "Alice", RoomID: "ignored", Timestamp: 42}, "r1")

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "u1", msg.UserID)
	assert.Equal(t, "Alice", msg.Username)
	assert.Equal(t, "r1", msg.RoomID)
	assert.NotEqual(t, int64(42), msg.Timestamp)
}

func TestSubmissionValidate(t *testing.T) {
	tests := []struct {
		name string
		sub  Submission
		want error
	}{
		{"valid content", Submission{Content: "hi", UserID: "u1", Username: "Alice"}, nil},
		{"valid text alias", Submission{Text: "hi", UserID: "u1", UserName: "Alice"}, nil},
		{"empty", Submission{UserID: "u1", Username: "Alice"}, ErrContentEmpty},
		{"whitespace", Submission{Content: " \t\n", UserID: "u1", Username: "Alice"}, ErrContentEmpty},
		{"missing user", Submission{Content: "hi", Username: "Alice"}, ErrUserIDMissing},
		{"missing name", Submission{Content: "hi", UserID: "u1"}, ErrUsernameMissing},
		{"too long", Submission{Content: strings.Repeat("a", MaxContentLength+1), UserID: "u1", Username: "Alice"}, ErrContentTooLong},
		{"invalid utf8", Submission{Content: "\xff\xfe", UserID: "u1", Username: "Alice"}, ErrContentInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.sub.Validate(), tt.want)
		})
	}
}
