package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/ollama-chat/backend/internal/handler/apierror"
	"github.com/zhouzirui/ollama-chat/backend/internal/logger"
	chatservice "github.com/zhouzirui/ollama-chat/backend/internal/service/chat"
	"github.com/zhouzirui/ollama-chat/backend/internal/store"
)

const writeTimeout = 10 * time.Second

var (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Handler WebSocket对话处理器
type Handler struct {
	chatSvc  *chatservice.Service
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(chatSvc *chatservice.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PromptMessage 用户输入
type PromptMessage struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// conn 串行化写操作，ping 与回复写入来自不同 goroutine
type conn struct {
	ws        *websocket.Conn
	sessionID string
	log       *slog.Logger
	mu        sync.Mutex
}

func (c *conn) send(msgType string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(outgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (c *conn) sendError(message string) {
	if err := c.send("error", map[string]string{"message": message}); err != nil {
		c.log.Warn("write error failed", "error", err)
	}
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := store.ValidateID(sessionID); err != nil {
		apierror.Respond(w, err)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer wsConn.Close()

	c := &conn{
		ws:        wsConn,
		sessionID: sessionID,
		log:       logger.ForSession(middleware.GetReqID(r.Context()), sessionID),
	}
	c.log.Info("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = wsConn.SetReadDeadline(time.Now().Add(readTimeout))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go pingLoop(ctx, c)

	for {
		var msg inboundMessage
		if err := wsConn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}

		// no reads happen while a reply is generated, so pongs cannot extend the deadline
		_ = wsConn.SetReadDeadline(time.Time{})
		h.handleMessage(ctx, c, &msg)
		_ = wsConn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

func (h *Handler) handleMessage(ctx context.Context, c *conn, msg *inboundMessage) {
	switch msg.Type {
	case "prompt":
		var prompt PromptMessage
		if err := json.Unmarshal(msg.Data, &prompt); err != nil {
			c.sendError("invalid prompt payload")
			return
		}
		h.handlePrompt(ctx, c, prompt)
	case "ping":
		_ = c.send("pong", nil)
	default:
		c.sendError("unsupported message type: " + msg.Type)
	}
}

func (h *Handler) handlePrompt(ctx context.Context, c *conn, prompt PromptMessage) {
	if strings.TrimSpace(prompt.Text) == "" {
		c.sendError(chatservice.ErrEmptyPrompt.Error())
		return
	}

	reply, err := h.chatSvc.Exchange(ctx, c.sessionID, prompt.Model, prompt.Text, func(delta string) error {
		return c.send("delta", map[string]string{"content": delta})
	})
	if err != nil {
		c.log.Error("exchange failed", "error", err)
		c.sendError(err.Error())
		return
	}

	if err := c.send("message", reply); err != nil {
		c.log.Warn("write reply failed", "error", err)
	}
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
