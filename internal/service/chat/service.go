package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
	"github.com/zhouzirui/ollama-chat/backend/internal/store"
)

var (
	ErrEmptyPrompt     = errors.New("prompt is required")
	ErrInferenceFailed = errors.New("inference failed")
)

// Generator is the language model side of an exchange.
type Generator interface {
	DefaultModel() string
	ListModels(ctx context.Context) ([]string, error)
	Stream(ctx context.Context, modelName string, history []chat.Message) (*schema.StreamReader[*schema.Message], error)
}

// Catalog is what the model picker shows.
type Catalog struct {
	Models   []string `json:"models"`
	Selected string   `json:"selected"`
}

// Service runs prompt/reply exchanges against a session transcript.
// The session id is passed explicitly on every call.
type Service struct {
	store     store.Store
	gen       Generator
	listLimit int
}

// NewService wires the session store and generator. gen may be nil when no
// inference backend is configured; exchanges then fail with ErrInferenceFailed.
func NewService(st store.Store, gen Generator, listLimit int) *Service {
	return &Service{store: st, gen: gen, listLimit: listLimit}
}

// Models lists installed models and picks the one to preselect. When the
// provider cannot be reached the catalog still carries the default model.
func (s *Service) Models(ctx context.Context, preferred string) (Catalog, error) {
	if s.gen == nil {
		return Catalog{Models: []string{}, Selected: preferred}, fmt.Errorf("%w: no inference provider configured", ErrInferenceFailed)
	}

	if preferred == "" {
		preferred = s.gen.DefaultModel()
	}

	models, err := s.gen.ListModels(ctx)
	if err != nil {
		return Catalog{Models: []string{}, Selected: preferred}, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}

	selected := preferred
	if len(models) > 0 && !slices.Contains(models, preferred) {
		selected = models[0]
	}
	return Catalog{Models: models, Selected: selected}, nil
}

// CreateSession starts a session. An empty id gets a generated one.
func (s *Service) CreateSession(ctx context.Context, sessionID string) (chat.Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return s.store.CreateSession(ctx, sessionID)
}

// LoadSession returns the full transcript.
func (s *Service) LoadSession(ctx context.Context, sessionID string) (chat.Session, error) {
	return s.store.LoadSession(ctx, sessionID)
}

// DeleteSession removes a session; missing sessions are not an error.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.store.DeleteSession(ctx, sessionID)
}

// AppendMessage stores a message without contacting the model.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, error) {
	return s.store.AppendMessage(ctx, sessionID, msg)
}

// ListSessions returns up to limit summaries, newest first. A non-positive
// limit or one above the configured cap uses the cap.
func (s *Service) ListSessions(ctx context.Context, limit int) ([]chat.Summary, error) {
	if limit <= 0 || (s.listLimit > 0 && limit > s.listLimit) {
		limit = s.listLimit
	}
	return store.Collect(s.store.ListSessions(ctx), limit)
}

// Exchange appends prompt to the session, streams the model's reply through
// onDelta and stores the reply. The session is created on its first message.
// A failed generation leaves the prompt stored.
func (s *Service) Exchange(ctx context.Context, sessionID, modelName, prompt string, onDelta func(string) error) (chat.Message, error) {
	if strings.TrimSpace(prompt) == "" {
		return chat.Message{}, ErrEmptyPrompt
	}
	if s.gen == nil {
		return chat.Message{}, fmt.Errorf("%w: no inference provider configured", ErrInferenceFailed)
	}
	if modelName == "" {
		modelName = s.gen.DefaultModel()
	}

	session, err := s.ensureSession(ctx, sessionID)
	if err != nil {
		return chat.Message{}, err
	}

	userMsg, err := s.store.AppendMessage(ctx, sessionID, chat.Message{Role: chat.RoleUser, Content: prompt})
	if err != nil {
		return chat.Message{}, fmt.Errorf("save prompt: %w", err)
	}
	history := append(session.Messages, userMsg)

	reply, err := s.generate(ctx, modelName, history, onDelta)
	if err != nil {
		return chat.Message{}, err
	}

	assistantMsg, err := s.store.AppendMessage(ctx, sessionID, chat.Message{
		Role:    chat.RoleAssistant,
		Content: reply,
		Model:   modelName,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("save reply: %w", err)
	}

	slog.Info("exchange completed", "sessionId", sessionID, "model", modelName, "length", len(reply))
	return assistantMsg, nil
}

func (s *Service) ensureSession(ctx context.Context, sessionID string) (chat.Session, error) {
	session, err := s.store.LoadSession(ctx, sessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return chat.Session{}, err
	}

	session, err = s.store.CreateSession(ctx, sessionID)
	if errors.Is(err, store.ErrDuplicateSession) {
		// created by a concurrent request between load and create
		return s.store.LoadSession(ctx, sessionID)
	}
	return session, err
}

func (s *Service) generate(ctx context.Context, modelName string, history []chat.Message, onDelta func(string) error) (string, error) {
	stream, err := s.gen.Stream(ctx, modelName, history)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", fmt.Errorf("%w: %w", ErrInferenceFailed, recvErr)
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" && onDelta != nil {
			if err := onDelta(chunk.Content); err != nil {
				return "", fmt.Errorf("deliver reply chunk: %w", err)
			}
		}
	}

	if len(chunks) == 0 {
		return "", nil
	}

	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}
	return response.Content, nil
}
