package store_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/zhouzirui/ollama-chat/backend/internal/store"
)

func TestValidateID(t *testing.T) {
	valid := []string{"abc123", "0b6f5c6e-3f0e-4d8b-9a51-2b8e4d1f7c11", "under_score"}
	for _, id := range valid {
		if err := store.ValidateID(id); err != nil {
			t.Fatalf("expected %q to be valid, got %v", id, err)
		}
	}

	invalid := []string{"", "white space", "semi;colon", strings.Repeat("a", store.MaxSessionIDLength+1)}
	for _, id := range invalid {
		if err := store.ValidateID(id); !errors.Is(err, store.ErrInvalidSessionID) {
			t.Fatalf("expected %q to be rejected, got %v", id, err)
		}
	}
}
