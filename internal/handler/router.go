package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/ollama-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/ollama-chat/backend/internal/handler/models"
	"github.com/zhouzirui/ollama-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/ollama-chat/backend/internal/handler/web"
	"github.com/zhouzirui/ollama-chat/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/ollama-chat/backend/internal/middleware"
	chatService "github.com/zhouzirui/ollama-chat/backend/internal/service/chat"
	"github.com/zhouzirui/ollama-chat/backend/pkg/utils"
)

const healthTimeout = 3 * time.Second

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter wires HTTP routes to core services. provider may be nil when no
// inference backend could be initialised.
func NewRouter(chatSvc *chatService.Service, sessions Pinger, provider Pinger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", handleHealth(sessions, provider))

	r.Route("/api", func(api chi.Router) {
		models.New(chatSvc).RegisterRoutes(api)
		chat.New(chatSvc).RegisterRoutes(api)
		stream.New(chatSvc).RegisterRoutes(api)
		ws.New(chatSvc).RegisterRoutes(api)
	})

	r.Handle("/*", web.Handler())

	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Store    string `json:"store"`
	Provider string `json:"provider"`
}

// handleHealth 检查存储与推理服务的连通性
func handleHealth(sessions, provider Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{
			Status:   "ok",
			Store:    probe(ctx, sessions),
			Provider: probe(ctx, provider),
		}

		status := http.StatusOK
		if resp.Store != "ok" || resp.Provider != "ok" {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		utils.RespondJSON(w, status, resp)
	}
}

func probe(ctx context.Context, p Pinger) string {
	if p == nil {
		return "unconfigured"
	}
	if err := p.Ping(ctx); err != nil {
		return err.Error()
	}
	return "ok"
}
