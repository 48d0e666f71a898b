package store

import (
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
)

// MemoryStore keeps sessions in process memory. Transcripts are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]chat.Session),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sessionID string) (chat.Session, error) {
	if err := ValidateID(sessionID); err != nil {
		return chat.Session{}, err
	}

	now := chat.NormalizeTime(s.now())
	session := chat.Session{
		ID:        sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]chat.Message, 0, 16),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		return chat.Session{}, ErrDuplicateSession
	}
	s.sessions[sessionID] = session

	return copySession(session), nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg chat.Message) (chat.Message, error) {
	if err := validateMessage(msg); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Message{}, ErrSessionNotFound
	}

	msg = chat.Stamp(msg, session.LastTimestamp(), s.now())
	session.Messages = append(session.Messages, msg)
	session.Title = chat.TitleAfter(session.Title, msg)
	session.UpdatedAt = chat.NormalizeTime(s.now())
	s.sessions[sessionID] = session

	return msg, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) iter.Seq2[chat.Summary, error] {
	return func(yield func(chat.Summary, error) bool) {
		s.mu.RLock()
		summaries := make([]chat.Summary, 0, len(s.sessions))
		for _, session := range s.sessions {
			summaries = append(summaries, session.Summary())
		}
		s.mu.RUnlock()

		slices.SortFunc(summaries, func(a, b chat.Summary) int {
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})

		for _, summary := range summaries {
			if !yield(summary, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) LoadSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return copySession(session), nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close(context.Context) error { return nil }

func copySession(session chat.Session) chat.Session {
	copied := session
	copied.Messages = make([]chat.Message, len(session.Messages))
	copy(copied.Messages, session.Messages)
	return copied
}
