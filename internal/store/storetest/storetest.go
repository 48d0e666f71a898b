// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
	"github.com/zhouzirui/ollama-chat/backend/internal/store"
)

// Factory returns a fresh, empty store. Cleanup belongs to the factory.
type Factory func(t *testing.T) store.Store

// Run exercises s against the session store contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateThenLoadIsEmpty", testCreateThenLoad},
		{"CreateDuplicate", testCreateDuplicate},
		{"CreateInvalidID", testCreateInvalidID},
		{"AppendKeepsOrder", testAppendKeepsOrder},
		{"ConcurrentAppendsStayOrdered", testConcurrentAppends},
		{"AppendClampsTimestamps", testAppendClampsTimestamps},
		{"AppendMissingSession", testAppendMissingSession},
		{"AppendInvalidRole", testAppendInvalidRole},
		{"TitleFromFirstPrompt", testTitleFromFirstPrompt},
		{"DeleteThenLoad", testDeleteThenLoad},
		{"DeleteMissing", testDeleteMissing},
		{"ListNewestFirst", testListNewestFirst},
		{"ListRestartable", testListRestartable},
		{"ListStopsEarly", testListStopsEarly},
		{"ExampleExchange", testExampleExchange},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func newID(t *testing.T) string {
	t.Helper()
	return "t-" + uuid.NewString()
}

func testCreateThenLoad(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID(t)

	created, err := s.CreateSession(ctx, id)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if created.ID != id {
		t.Fatalf("unexpected id: got %s want %s", created.ID, id)
	}

	loaded, err := s.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("LoadSession err: %v", err)
	}
	if len(loaded.Messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(loaded.Messages))
	}
	if loaded.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
	if !loaded.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created_at changed: got %s want %s", loaded.CreatedAt, created.CreatedAt)
	}
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID(t)

	if _, err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if _, err := s.CreateSession(ctx, id); !errors.Is(err, store.ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}

func testCreateInvalidID(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, id := range []string{"", "has space", "slash/id"} {
		if _, err := s.CreateSession(ctx, id); !errors.Is(err, store.ErrInvalidSessionID) {
			t.Fatalf("id %q: expected ErrInvalidSessionID, got %v", id, err)
		}
	}
}

func testAppendKeepsOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID(t)
	if _, err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	const n = 7
	for i := 0; i < n; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		msg := chat.Message{Role: role, Content: fmt.Sprintf("message %d", i)}
		if _, err := s.AppendMessage(ctx, id, msg); err != nil {
			t.Fatalf("AppendMessage %d err: %v", i, err)
		}
	}

	loaded, err := s.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("LoadSession err: %v", err)
	}
	if len(loaded.Messages) != n {
		t.Fatalf("expected %d messages, got %d", n, len(loaded.Messages))
	}
	for i, msg := range loaded.Messages {
		if want := fmt.Sprintf("message %d", i); msg.Content != want {
			t.Fatalf("message %d: got %q want %q", i, msg.Content, want)
		}
		if i > 0 && !msg.Timestamp.After(loaded.Messages[i-1].Timestamp) {
			t.Fatalf("message %d timestamp %s not after %s", i, msg.Timestamp, loaded.Messages[i-1].Timestamp)
		}
	}
}

func testConcurrentAppends(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID(t)
	if _, err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	// every writer uses the same timestamp so each append has to clamp
	// against whatever landed before it
	const writers, perWriter = 4, 5
	at := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := chat.Message{Role: chat.RoleUser, Content: fmt.Sprintf("w%d-%d", w, i), Timestamp: at}
				if _, err := s.AppendMessage(ctx, id, msg); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("AppendMessage err: %v", err)
	}

	loaded, err := s.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("LoadSession err: %v", err)
	}
	if len(loaded.Messages) != writers*perWriter {
		t.Fatalf("expected %d messages, got %d", writers*perWriter, len(loaded.Messages))
	}
	for i := 1; i < len(loaded.Messages); i++ {
		if !loaded.Messages[i].Timestamp.After(loaded.Messages[i-1].Timestamp) {
			t.Fatalf("message %d timestamp %s not after %s", i, loaded.Messages[i].Timestamp, loaded.Messages[i-1].Timestamp)
		}
	}
}

func testAppendClampsTimestamps(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID(t)
	if _, err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	future := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	first, err := s.AppendMessage(ctx, id, chat.Message{Role: chat.RoleUser, Content: "first", Timestamp: future})
	if err != nil {
		t.Fatalf("AppendMessage err: %v", err)
	}
	if !first.Timestamp.Equal(future) {
		t.Fatalf("explicit timestamp not kept: got %s want %s", first.Timestamp, future)
	}

	second, err := s.AppendMessage(ctx, id, chat.Message{Role: chat.RoleAssistant, Content: "second", Timestamp: future.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("AppendMessage err: %v", err)
	}
	if !second.Timestamp.After(first.Timestamp) {
		t.Fatalf("expected %s after %s", second.Timestamp, first.Timestamp)
	}

	loaded, err := s.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("LoadSession err: %v", err)
	}
	if !loaded.Messages[1].Timestamp.Equal(second.Timestamp) {
		t.Fatalf("stored timestamp differs from returned: got %s want %s", loaded.Messages[1].Timestamp, second.Timestamp)
	}
}

func testAppendMissingSession(t *testing.T, s store.Store) {
	_, err := s.AppendMessage(context.Background(), newID(t), chat.Message{Role: chat.RoleUser, Content: "hi"})
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testAppendInvalidRole(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID(t)
	if _, err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	_, err := s.AppendMessage(ctx, id, chat.Message{Role: "system", Content: "nope"})
	if !errors.Is(err, store.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func testTitleFromFirstPrompt(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID(t)
	if _, err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	for _, msg := range []chat.Message{
		{Role: chat.RoleUser, Content: "what is the capital of France?"},
		{Role: chat.RoleAssistant, Content: "Paris."},
		{Role: chat.RoleUser, Content: "and Spain?"},
	} {
		if _, err := s.AppendMessage(ctx, id, msg); err != nil {
			t.Fatalf("AppendMessage err: %v", err)
		}
	}

	loaded, err := s.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("LoadSession err: %v", err)
	}
	if loaded.Title != "what is the capital of France?" {
		t.Fatalf("unexpected title: %q", loaded.Title)
	}
}

func testDeleteThenLoad(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID(t)
	if _, err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if _, err := s.AppendMessage(ctx, id, chat.Message{Role: chat.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage err: %v", err)
	}

	if err := s.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}
	if _, err := s.LoadSession(ctx, id); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	// the id is free again and starts with an empty transcript
	if _, err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("re-create err: %v", err)
	}
	loaded, err := s.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("LoadSession err: %v", err)
	}
	if len(loaded.Messages) != 0 {
		t.Fatalf("expected empty transcript after re-create, got %d", len(loaded.Messages))
	}
}

func testDeleteMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := newID(t)
	if err := s.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession on missing session err: %v", err)
	}
	if err := s.DeleteSession(ctx, id); err != nil {
		t.Fatalf("second DeleteSession err: %v", err)
	}
}

func createSpaced(t *testing.T, s store.Store, n int) []string {
	t.Helper()
	ctx := context.Background()

	ids := make([]string, n)
	for i := range ids {
		ids[i] = newID(t)
		if _, err := s.CreateSession(ctx, ids[i]); err != nil {
			t.Fatalf("CreateSession err: %v", err)
		}
		// distinct created_at values at millisecond precision
		time.Sleep(3 * time.Millisecond)
	}
	return ids
}

func testListNewestFirst(t *testing.T, s store.Store) {
	ids := createSpaced(t, s, 3)

	got, err := store.Collect(s.ListSessions(context.Background()), 0)
	if err != nil {
		t.Fatalf("ListSessions err: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("expected %d summaries, got %d", len(ids), len(got))
	}
	for i, summary := range got {
		if want := ids[len(ids)-1-i]; summary.ID != want {
			t.Fatalf("position %d: got %s want %s", i, summary.ID, want)
		}
		if summary.CreatedAt.IsZero() {
			t.Fatalf("position %d: missing created_at", i)
		}
	}
}

func testListRestartable(t *testing.T, s store.Store) {
	createSpaced(t, s, 2)
	seq := s.ListSessions(context.Background())

	first, err := store.Collect(seq, 0)
	if err != nil {
		t.Fatalf("first pass err: %v", err)
	}
	second, err := store.Collect(seq, 0)
	if err != nil {
		t.Fatalf("second pass err: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected both passes to yield 2 items, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("passes disagree at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func testListStopsEarly(t *testing.T, s store.Store) {
	createSpaced(t, s, 3)

	got, err := store.Collect(s.ListSessions(context.Background()), 2)
	if err != nil {
		t.Fatalf("ListSessions err: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(got))
	}
}

func testExampleExchange(t *testing.T, s store.Store) {
	ctx := context.Background()
	const id = "abc123"

	if _, err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if _, err := s.AppendMessage(ctx, id, chat.Message{Role: chat.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append user err: %v", err)
	}
	if _, err := s.AppendMessage(ctx, id, chat.Message{Role: chat.RoleAssistant, Content: "hello", Model: "llama3.2:1b"}); err != nil {
		t.Fatalf("append assistant err: %v", err)
	}

	loaded, err := s.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("LoadSession err: %v", err)
	}
	want := []chat.Message{
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: "hello", Model: "llama3.2:1b"},
	}
	if len(loaded.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(loaded.Messages))
	}
	for i, msg := range loaded.Messages {
		if msg.Role != want[i].Role || msg.Content != want[i].Content || msg.Model != want[i].Model {
			t.Fatalf("message %d: got %+v want %+v", i, msg, want[i])
		}
	}
}
