package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"
	"github.com/ollama/ollama/api"

	"github.com/zhouzirui/ollama-chat/backend/internal/config"
)

func newOllamaChatModel(ctx context.Context, cfg config.InferenceConfig) (model.BaseChatModel, error) {
	chatModel, err := einoollama.NewChatModel(ctx, &einoollama.ChatModelConfig{
		BaseURL: cfg.Ollama.URL,
		Timeout: cfg.RequestTimeout,
		Model:   cfg.DefaultModel,
	})
	if err != nil {
		return nil, err
	}
	return chatModel, nil
}

// ollamaLister reads the daemon's local model registry.
type ollamaLister struct {
	client *api.Client
}

func newOllamaLister(cfg config.InferenceConfig) (*ollamaLister, error) {
	base, err := url.Parse(cfg.Ollama.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_URL %q: %w", cfg.Ollama.URL, err)
	}

	httpClient := &http.Client{Timeout: cfg.ListTimeout}
	return &ollamaLister{client: api.NewClient(base, httpClient)}, nil
}

func (l *ollamaLister) ListModels(ctx context.Context) ([]string, error) {
	resp, err := l.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ollama models: %w", err)
	}

	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (l *ollamaLister) Ping(ctx context.Context) error {
	if err := l.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama heartbeat: %w", err)
	}
	return nil
}
