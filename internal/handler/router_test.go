package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	chatService "github.com/zhouzirui/ollama-chat/backend/internal/service/chat"
	"github.com/zhouzirui/ollama-chat/backend/internal/store"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	up := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name     string
		provider Pinger
		want     int
		detail   string
	}{
		{name: "all up", provider: up, want: http.StatusOK, detail: "ok"},
		{name: "provider down", provider: down, want: http.StatusServiceUnavailable, detail: "connection refused"},
		{name: "no provider", provider: nil, want: http.StatusServiceUnavailable, detail: "unconfigured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			router := NewRouter(chatService.NewService(st, nil, 20), st, tt.provider)

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			if resp.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.Code)
			}

			var body healthResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode err: %v", err)
			}
			if body.Store != "ok" || body.Provider != tt.detail {
				t.Fatalf("unexpected health body: %+v", body)
			}
		})
	}
}

func TestRoutesMounted(t *testing.T) {
	st := store.NewMemoryStore()
	router := NewRouter(chatService.NewService(st, nil, 20), st, nil)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/api/sessions", http.StatusOK},
		{http.MethodGet, "/api/sessions/missing", http.StatusNotFound},
		{http.MethodDelete, "/api/sessions/missing", http.StatusNoContent},
		{http.MethodGet, "/api/models", http.StatusBadGateway},
		{http.MethodOptions, "/api/sessions", http.StatusNoContent},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, resp.Code)
		}
	}
}
