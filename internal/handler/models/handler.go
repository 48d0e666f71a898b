package models

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	chatService "github.com/zhouzirui/ollama-chat/backend/internal/service/chat"
	"github.com/zhouzirui/ollama-chat/backend/pkg/utils"
)

// Handler 模型列表的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建模型处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册模型相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/models", h.handleListModels)
}

type modelsResponse struct {
	chatService.Catalog
	Error string `json:"error,omitempty"`
}

// handleListModels 列出本地已安装的模型；服务不可达时仍返回默认模型
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.chatSvc.Models(r.Context(), r.URL.Query().Get("model"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chatService.ErrInferenceFailed) {
			status = http.StatusBadGateway
		}
		slog.Warn("list models failed", "error", err)
		utils.RespondJSON(w, status, modelsResponse{Catalog: catalog, Error: err.Error()})
		return
	}

	utils.RespondJSON(w, http.StatusOK, modelsResponse{Catalog: catalog})
}
