package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"

	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
)

var (
	ErrDuplicateSession = errors.New("session already exists")
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrAppendConflict   = errors.New("concurrent appends kept conflicting")
)

// MaxSessionIDLength bounds client supplied identifiers.
const MaxSessionIDLength = 128

// maxAppendAttempts bounds optimistic append retries on backends without
// multi-key transactions.
const maxAppendAttempts = 16

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store persists chat sessions. Every call maps to a single document
// operation on the backing database; nothing is retried.
type Store interface {
	CreateSession(ctx context.Context, sessionID string) (chat.Session, error)
	// AppendMessage stores msg at the end of the transcript and returns it
	// with its final timestamp.
	AppendMessage(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, error)
	// ListSessions yields summaries newest first. Ranging over the sequence
	// again issues a fresh query.
	ListSessions(ctx context.Context) iter.Seq2[chat.Summary, error]
	LoadSession(ctx context.Context, sessionID string) (chat.Session, error)
	// DeleteSession succeeds when the session is already gone.
	DeleteSession(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ValidateID checks the shape of a session identifier.
func ValidateID(sessionID string) error {
	if sessionID == "" || len(sessionID) > MaxSessionIDLength || !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return nil
}

func validateMessage(msg chat.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	return nil
}

// Collect drains seq into a slice, stopping after limit items when limit > 0.
func Collect(seq iter.Seq2[chat.Summary, error], limit int) ([]chat.Summary, error) {
	items := make([]chat.Summary, 0)
	for summary, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, summary)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}
