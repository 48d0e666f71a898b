package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/ollama-chat/backend/internal/service/chat"
	"github.com/zhouzirui/ollama-chat/backend/internal/store"
)

type fakeGenerator struct {
	models     []string
	listErr    error
	streamErr  error
	reply      []string
	gotModel   string
	gotHistory []chat.Message
}

func (f *fakeGenerator) DefaultModel() string { return "llama3.2:1b" }

func (f *fakeGenerator) ListModels(context.Context) ([]string, error) {
	return f.models, f.listErr
}

func (f *fakeGenerator) Stream(_ context.Context, modelName string, history []chat.Message) (*schema.StreamReader[*schema.Message], error) {
	f.gotModel = modelName
	f.gotHistory = history
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	chunks := make([]*schema.Message, 0, len(f.reply))
	for _, part := range f.reply {
		chunks = append(chunks, schema.AssistantMessage(part, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func TestExchangeCreatesSessionAndStoresBothTurns(t *testing.T) {
	st := store.NewMemoryStore()
	gen := &fakeGenerator{reply: []string{"hel", "lo"}}
	svc := chatservice.NewService(st, gen, 20)
	ctx := context.Background()

	var deltas []string
	reply, err := svc.Exchange(ctx, "abc123", "", "hi", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Exchange err: %v", err)
	}

	if reply.Content != "hello" || reply.Role != chat.RoleAssistant || reply.Model != "llama3.2:1b" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if strings.Join(deltas, "|") != "hel|lo" {
		t.Fatalf("unexpected deltas: %v", deltas)
	}

	session, err := svc.LoadSession(ctx, "abc123")
	if err != nil {
		t.Fatalf("LoadSession err: %v", err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(session.Messages))
	}
	if session.Messages[0].Role != chat.RoleUser || session.Messages[0].Content != "hi" {
		t.Fatalf("unexpected first message: %+v", session.Messages[0])
	}
	if session.Messages[1].Role != chat.RoleAssistant || session.Messages[1].Content != "hello" {
		t.Fatalf("unexpected second message: %+v", session.Messages[1])
	}
}

func TestExchangeSendsFullHistory(t *testing.T) {
	st := store.NewMemoryStore()
	gen := &fakeGenerator{reply: []string{"ok"}}
	svc := chatservice.NewService(st, gen, 20)
	ctx := context.Background()

	if _, err := svc.Exchange(ctx, "history", "qwen2:7b", "first", nil); err != nil {
		t.Fatalf("first Exchange err: %v", err)
	}
	if _, err := svc.Exchange(ctx, "history", "qwen2:7b", "second", nil); err != nil {
		t.Fatalf("second Exchange err: %v", err)
	}

	if gen.gotModel != "qwen2:7b" {
		t.Fatalf("expected requested model, got %q", gen.gotModel)
	}
	want := []string{"first", "ok", "second"}
	if len(gen.gotHistory) != len(want) {
		t.Fatalf("expected %d history messages, got %d", len(want), len(gen.gotHistory))
	}
	for i, msg := range gen.gotHistory {
		if msg.Content != want[i] {
			t.Fatalf("history %d: got %q want %q", i, msg.Content, want[i])
		}
	}
}

func TestExchangeEmptyPrompt(t *testing.T) {
	svc := chatservice.NewService(store.NewMemoryStore(), &fakeGenerator{}, 20)

	if _, err := svc.Exchange(context.Background(), "abc", "", "   ", nil); !errors.Is(err, chatservice.ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestExchangeProviderFailureKeepsPrompt(t *testing.T) {
	st := store.NewMemoryStore()
	gen := &fakeGenerator{streamErr: errors.New("connection refused")}
	svc := chatservice.NewService(st, gen, 20)
	ctx := context.Background()

	_, err := svc.Exchange(ctx, "down", "", "anyone there?", nil)
	if !errors.Is(err, chatservice.ErrInferenceFailed) {
		t.Fatalf("expected ErrInferenceFailed, got %v", err)
	}

	session, err := svc.LoadSession(ctx, "down")
	if err != nil {
		t.Fatalf("LoadSession err: %v", err)
	}
	if len(session.Messages) != 1 || session.Messages[0].Content != "anyone there?" {
		t.Fatalf("expected prompt to stay stored, got %+v", session.Messages)
	}
}

func TestExchangeWithoutGenerator(t *testing.T) {
	svc := chatservice.NewService(store.NewMemoryStore(), nil, 20)

	if _, err := svc.Exchange(context.Background(), "abc", "", "hi", nil); !errors.Is(err, chatservice.ErrInferenceFailed) {
		t.Fatalf("expected ErrInferenceFailed, got %v", err)
	}
}

func TestExchangeDeltaErrorStops(t *testing.T) {
	st := store.NewMemoryStore()
	svc := chatservice.NewService(st, &fakeGenerator{reply: []string{"a", "b"}}, 20)
	ctx := context.Background()

	clientGone := errors.New("client went away")
	_, err := svc.Exchange(ctx, "gone", "", "hi", func(string) error { return clientGone })
	if !errors.Is(err, clientGone) {
		t.Fatalf("expected delta error, got %v", err)
	}

	session, err := svc.LoadSession(ctx, "gone")
	if err != nil {
		t.Fatalf("LoadSession err: %v", err)
	}
	if len(session.Messages) != 1 {
		t.Fatalf("expected only the prompt stored, got %d messages", len(session.Messages))
	}
}

func TestModelsSelection(t *testing.T) {
	cases := []struct {
		name      string
		models    []string
		preferred string
		want      string
	}{
		{"default installed", []string{"qwen2:7b", "llama3.2:1b"}, "", "llama3.2:1b"},
		{"preferred installed", []string{"qwen2:7b", "llama3.2:1b"}, "qwen2:7b", "qwen2:7b"},
		{"preferred missing", []string{"qwen2:7b"}, "mistral", "qwen2:7b"},
		{"nothing installed", []string{}, "", "llama3.2:1b"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := chatservice.NewService(store.NewMemoryStore(), &fakeGenerator{models: tc.models}, 20)
			catalog, err := svc.Models(context.Background(), tc.preferred)
			if err != nil {
				t.Fatalf("Models err: %v", err)
			}
			if catalog.Selected != tc.want {
				t.Fatalf("selected %q, want %q", catalog.Selected, tc.want)
			}
		})
	}
}

func TestModelsProviderDown(t *testing.T) {
	svc := chatservice.NewService(store.NewMemoryStore(), &fakeGenerator{listErr: errors.New("dial tcp: refused")}, 20)

	catalog, err := svc.Models(context.Background(), "")
	if !errors.Is(err, chatservice.ErrInferenceFailed) {
		t.Fatalf("expected ErrInferenceFailed, got %v", err)
	}
	if catalog.Selected != "llama3.2:1b" || len(catalog.Models) != 0 {
		t.Fatalf("expected default-only catalog, got %+v", catalog)
	}
}

func TestCreateSessionGeneratesID(t *testing.T) {
	svc := chatservice.NewService(store.NewMemoryStore(), nil, 20)

	session, err := svc.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected generated session id")
	}
}

func TestListSessionsCapsLimit(t *testing.T) {
	st := store.NewMemoryStore()
	svc := chatservice.NewService(st, nil, 2)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := svc.CreateSession(ctx, id); err != nil {
			t.Fatalf("CreateSession err: %v", err)
		}
	}

	got, err := svc.ListSessions(ctx, 50)
	if err != nil {
		t.Fatalf("ListSessions err: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(got))
	}

	got, err = svc.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("ListSessions err: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1, got %d", len(got))
	}
}
