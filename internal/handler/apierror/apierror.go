// Package apierror maps domain errors onto HTTP responses.
package apierror

import (
	"errors"
	"log/slog"
	"net/http"

	chatservice "github.com/zhouzirui/ollama-chat/backend/internal/service/chat"
	"github.com/zhouzirui/ollama-chat/backend/internal/store"
	"github.com/zhouzirui/ollama-chat/backend/pkg/utils"
)

// Status picks the HTTP status for err.
func Status(err error) int {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateSession),
		errors.Is(err, store.ErrAppendConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidSessionID),
		errors.Is(err, store.ErrInvalidMessage),
		errors.Is(err, chatservice.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, chatservice.ErrInferenceFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON error body.
func Respond(w http.ResponseWriter, err error) {
	status := Status(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	utils.RespondError(w, status, err.Error())
}
