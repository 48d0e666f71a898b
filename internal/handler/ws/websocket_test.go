package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/ollama-chat/backend/internal/service/chat"
	"github.com/zhouzirui/ollama-chat/backend/internal/store"
)

type fakeGenerator struct {
	reply    []string
	err      error
	delay    time.Duration
	gotModel string
}

func (f *fakeGenerator) DefaultModel() string { return "llama3.2:1b" }

func (f *fakeGenerator) ListModels(context.Context) ([]string, error) {
	return []string{"llama3.2:1b"}, nil
}

func (f *fakeGenerator) Stream(_ context.Context, modelName string, _ []chat.Message) (*schema.StreamReader[*schema.Message], error) {
	f.gotModel = modelName
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	chunks := make([]*schema.Message, 0, len(f.reply))
	for _, part := range f.reply {
		chunks = append(chunks, schema.AssistantMessage(part, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

type received struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data"`
}

func dial(t *testing.T, gen *fakeGenerator, sessionID string) (*websocket.Conn, store.Store) {
	t.Helper()

	st := store.NewMemoryStore()
	r := chi.NewRouter()
	New(chatservice.NewService(st, gen, 20)).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + sessionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn, st
}

func readUntil(t *testing.T, conn *websocket.Conn, final ...string) []received {
	t.Helper()

	var msgs []received
	for {
		var msg received
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read err: %v", err)
		}
		msgs = append(msgs, msg)
		for _, f := range final {
			if msg.Type == f {
				return msgs
			}
		}
	}
}

func TestPromptStreamsReply(t *testing.T) {
	gen := &fakeGenerator{reply: []string{"hel", "lo"}}
	conn, st := dial(t, gen, "abc123")

	err := conn.WriteJSON(map[string]any{
		"type": "prompt",
		"data": map[string]string{"text": "hi", "model": "mistral"},
	})
	if err != nil {
		t.Fatalf("write err: %v", err)
	}

	msgs := readUntil(t, conn, "message", "error")
	if len(msgs) != 3 {
		t.Fatalf("expected 2 deltas and a message, got %+v", msgs)
	}
	if msgs[0].Type != "delta" || msgs[0].Data["content"] != "hel" {
		t.Fatalf("unexpected first delta: %+v", msgs[0])
	}
	last := msgs[2]
	if last.Type != "message" || last.Data["content"] != "hello" || last.Data["model"] != "mistral" {
		t.Fatalf("unexpected reply: %+v", last)
	}
	if last.SessionID != "abc123" {
		t.Fatalf("unexpected session id %q", last.SessionID)
	}
	if gen.gotModel != "mistral" {
		t.Fatalf("expected model mistral, got %q", gen.gotModel)
	}

	session, err := st.LoadSession(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(session.Messages))
	}
}

func TestPromptErrors(t *testing.T) {
	tests := []struct {
		name    string
		gen     *fakeGenerator
		payload map[string]any
		want    string
	}{
		{
			name:    "empty prompt",
			gen:     &fakeGenerator{},
			payload: map[string]any{"type": "prompt", "data": map[string]string{"text": " "}},
			want:    "prompt is required",
		},
		{
			name:    "unknown type",
			gen:     &fakeGenerator{},
			payload: map[string]any{"type": "audio"},
			want:    "unsupported message type",
		},
		{
			name:    "provider down",
			gen:     &fakeGenerator{err: errors.New("connection refused")},
			payload: map[string]any{"type": "prompt", "data": map[string]string{"text": "hi"}},
			want:    "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _ := dial(t, tt.gen, "abc123")

			if err := conn.WriteJSON(tt.payload); err != nil {
				t.Fatalf("write err: %v", err)
			}

			msgs := readUntil(t, conn, "error")
			message, _ := msgs[len(msgs)-1].Data["message"].(string)
			if !strings.Contains(message, tt.want) {
				t.Fatalf("expected error containing %q, got %q", tt.want, message)
			}
		})
	}
}

func TestRejectsInvalidSessionID(t *testing.T) {
	st := store.NewMemoryStore()
	r := chi.NewRouter()
	New(chatservice.NewService(st, &fakeGenerator{}, 20)).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/bad.id/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400 response, got %+v", resp)
	}
}

func TestSlowReplyKeepsConnection(t *testing.T) {
	prevRead, prevPing := readTimeout, pingInterval
	readTimeout, pingInterval = 200*time.Millisecond, 100*time.Millisecond
	t.Cleanup(func() { readTimeout, pingInterval = prevRead, prevPing })

	gen := &fakeGenerator{reply: []string{"slow"}, delay: 3 * readTimeout}
	conn, st := dial(t, gen, "abc123")

	for i := 0; i < 2; i++ {
		err := conn.WriteJSON(map[string]any{
			"type": "prompt",
			"data": map[string]string{"text": "hi"},
		})
		if err != nil {
			t.Fatalf("write %d err: %v", i, err)
		}

		msgs := readUntil(t, conn, "message", "error")
		if last := msgs[len(msgs)-1]; last.Type != "message" {
			t.Fatalf("reply %d: expected message, got %+v", i, last)
		}
	}

	session, err := st.LoadSession(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if len(session.Messages) != 4 {
		t.Fatalf("expected 4 stored messages, got %d", len(session.Messages))
	}
}
