// Package chat defines the chat message model shared by the messaging server
// and the client adapter: stored messages, incoming submissions, validation,
// id generation, and the bounded message log.
package chat

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// DefaultRoom is the unnamed room every connection starts in. A deployment
// that never joins a named room behaves as a single global broadcast channel.
const DefaultRoom = ""

// MaxContentLength is the maximum number of runes accepted in a message body.
const MaxContentLength = 5000

// Validation errors returned by Submission.Validate.
var (
	ErrContentEmpty    = errors.New("message content cannot be empty")
	ErrContentTooLong  = errors.New("message content exceeds maximum length")
	ErrContentInvalid  = errors.New("message content is not valid UTF-8")
	ErrUserIDMissing   = errors.New("message user id is required")
	ErrUsernameMissing = errors.New("message username is required")
)

// Message is a chat entry accepted by the server. The ID and Timestamp are
// assigned by the server exactly once; clients never supply them.
type Message struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
	RoomID    string `json:"roomId,omitempty"`
}

// Submission is the payload of a send-message event. It intentionally has no
// ID field so a client cannot forge one.
type Submission struct {
	Content   string `json:"content,omitempty"`
	Text      string `json:"text,omitempty"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

// Body returns the message text, preferring content over the text alias.
func (s Submission) Body() string {
	if s.Content != "" {
		return s.Content
	}
	return s.Text
}

// DisplayName returns the sender name, accepting the userName alias.
func (s Submission) DisplayName() string {
	if s.Username != "" {
		return s.Username
	}
	return s.UserName
}

// Validate reports why a submission cannot become a Message, or nil.
func (s Submission) Validate() error {
	body := s.Body()
	if strings.TrimSpace(body) == "" {
		return ErrContentEmpty
	}
	if !utf8.ValidString(body) {
		return ErrContentInvalid
	}
	if utf8.RuneCountInString(body) > MaxContentLength {
		return ErrContentTooLong
	}
	if strings.TrimSpace(s.UserID) == "" {
		return ErrUserIDMissing
	}
	if strings.TrimSpace(s.DisplayName()) == "" {
		return ErrUsernameMissing
	}
	return nil
}
