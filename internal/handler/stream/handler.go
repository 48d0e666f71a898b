package stream

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/ollama-chat/backend/internal/handler/apierror"
	"github.com/zhouzirui/ollama-chat/backend/internal/logger"
	chatService "github.com/zhouzirui/ollama-chat/backend/internal/service/chat"
	"github.com/zhouzirui/ollama-chat/backend/internal/store"
	"github.com/zhouzirui/ollama-chat/backend/pkg/utils"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Handler streams model replies via Server-Sent Events
type Handler struct {
	chatSvc *chatService.Service
}

// New creates a new stream handler
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes mounts the SSE exchange endpoint
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/stream", h.handleStream)
}

// StreamResponse is the payload of every SSE event
type StreamResponse struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content,omitempty"`
	Model     string `json:"model,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	prompt := r.URL.Query().Get("message")
	modelName := r.URL.Query().Get("model")

	if err := store.ValidateID(sessionID); err != nil {
		apierror.Respond(w, err)
		return
	}
	if strings.TrimSpace(prompt) == "" {
		apierror.Respond(w, chatService.ErrEmptyPrompt)
		return
	}

	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log := logger.ForSession(middleware.GetReqID(r.Context()), sessionID)

	if err := sse.Send("start", StreamResponse{SessionID: sessionID, Model: modelName}); err != nil {
		log.Warn("stream closed before start", "error", err)
		return
	}

	reply, err := h.chatSvc.Exchange(r.Context(), sessionID, modelName, prompt, func(delta string) error {
		return sse.Send("delta", StreamResponse{SessionID: sessionID, Content: delta})
	})
	if err != nil {
		log.Error("exchange failed", "error", err)
		_ = sse.Send("error", StreamResponse{SessionID: sessionID, Error: err.Error()})
		return
	}

	if err := sse.Send("message", StreamResponse{
		SessionID: sessionID,
		Content:   reply.Content,
		Model:     reply.Model,
		Timestamp: reply.Timestamp.Format(timestampLayout),
	}); err != nil {
		log.Warn("stream closed before reply", "error", err)
		return
	}
	_ = sse.Send("end", StreamResponse{SessionID: sessionID, Finished: true})

	log.Debug("stream completed", "length", len(reply.Content))
}
