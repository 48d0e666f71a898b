package chat

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/ollama-chat/backend/internal/handler/apierror"
	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/ollama-chat/backend/internal/service/chat"
	"github.com/zhouzirui/ollama-chat/backend/pkg/utils"
)

// Handler 会话管理的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建会话处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.handleLoadSession)
	r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
	r.Post("/sessions/{sessionID}/messages", h.handleAppendMessage)
}

// handleListSessions 历史会话列表，最新的在前
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	sessions, err := h.chatSvc.ListSessions(r.Context(), limit)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleCreateSession 创建会话，id 可由客户端提供
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}

	if err := utils.DecodeJSON(r, &payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.chatSvc.CreateSession(r.Context(), payload.ID)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, session)
}

// handleLoadSession 读取完整会话
func (h *Handler) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.LoadSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, session)
}

// handleDeleteSession 删除会话，重复删除不报错
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		apierror.Respond(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleAppendMessage 直接追加一条消息，不触发模型
func (h *Handler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Role    chat.Role `json:"role"`
		Content string    `json:"content"`
		Model   string    `json:"model"`
	}

	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message, err := h.chatSvc.AppendMessage(r.Context(), chi.URLParam(r, "sessionID"), chat.Message{
		Role:    payload.Role,
		Content: payload.Content,
		Model:   payload.Model,
	})
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, message)
}
