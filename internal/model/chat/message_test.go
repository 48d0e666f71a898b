package chat

import (
	"strings"
	"testing"
	"time"
)

func TestStampFillsZeroTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)

	got := Stamp(Message{Role: RoleUser, Content: "hi"}, time.Time{}, now)

	want := time.Date(2024, 5, 1, 10, 0, 0, 123000000, time.UTC)
	if !got.Timestamp.Equal(want) {
		t.Fatalf("unexpected timestamp: got %s want %s", got.Timestamp, want)
	}
}

func TestStampKeepsStrictOrder(t *testing.T) {
	last := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	same := Stamp(Message{Timestamp: last}, last, last)
	if !same.Timestamp.After(last) {
		t.Fatalf("expected timestamp after %s, got %s", last, same.Timestamp)
	}

	earlier := Stamp(Message{Timestamp: last.Add(-time.Hour)}, last, last)
	if !earlier.Timestamp.Equal(last.Add(time.Millisecond)) {
		t.Fatalf("expected clamp to last+1ms, got %s", earlier.Timestamp)
	}

	later := last.Add(time.Minute)
	kept := Stamp(Message{Timestamp: later}, last, last)
	if !kept.Timestamp.Equal(later) {
		t.Fatalf("expected timestamp to be kept, got %s", kept.Timestamp)
	}
}

func TestStampNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	ts := time.Date(2024, 5, 1, 18, 0, 0, 0, loc)

	got := Stamp(Message{Timestamp: ts}, time.Time{}, time.Now())
	if got.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %s", got.Timestamp.Location())
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("instant changed: got %s want %s", got.Timestamp, ts)
	}
}

func TestRoleValid(t *testing.T) {
	if !RoleUser.Valid() || !RoleAssistant.Valid() {
		t.Fatal("expected user and assistant to be valid")
	}
	if Role("system").Valid() {
		t.Fatal("system role must be rejected")
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("  short prompt "); got != "short prompt" {
		t.Fatalf("unexpected preview: %q", got)
	}

	long := strings.Repeat("é", PreviewLength+5)
	got := Preview(long)
	if got != strings.Repeat("é", PreviewLength)+"..." {
		t.Fatalf("unexpected truncated preview: %q", got)
	}
}

func TestTitleAfter(t *testing.T) {
	if got := TitleAfter("", Message{Role: RoleAssistant, Content: "hello"}); got != "" {
		t.Fatalf("assistant message must not name a session, got %q", got)
	}
	if got := TitleAfter("", Message{Role: RoleUser, Content: "hi"}); got != "hi" {
		t.Fatalf("expected title from first prompt, got %q", got)
	}
	if got := TitleAfter("hi", Message{Role: RoleUser, Content: "again"}); got != "hi" {
		t.Fatalf("title must not change after first prompt, got %q", got)
	}
}
