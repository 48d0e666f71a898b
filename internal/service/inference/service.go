package inference

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/ollama-chat/backend/internal/config"
	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
)

// ModelLister reports which models the provider can serve.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// Service sends conversations to the configured language model.
type Service struct {
	chatModel model.BaseChatModel
	lister    ModelLister
	cfg       config.InferenceConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService builds the provider selected in cfg.
func NewService(ctx context.Context, cfg config.InferenceConfig) (*Service, error) {
	switch cfg.Provider {
	case config.ProviderArk:
		chatModel, err := cfg.Ark.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create ark chat model: %w", err)
		}
		return NewServiceWithModel(ctx, cfg, chatModel, staticLister{models: []string{cfg.Ark.Model}})
	default:
		chatModel, err := newOllamaChatModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama chat model: %w", err)
		}
		lister, err := newOllamaLister(cfg)
		if err != nil {
			return nil, err
		}
		return NewServiceWithModel(ctx, cfg, chatModel, lister)
	}
}

// NewServiceWithModel wires an existing chat model and lister into the chain.
func NewServiceWithModel(ctx context.Context, cfg config.InferenceConfig, chatModel model.BaseChatModel, lister ModelLister) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		lister:    lister,
		cfg:       cfg,
		chain:     runnable,
	}, nil
}

// DefaultModel is the model used when a request does not name one.
func (s *Service) DefaultModel() string {
	return s.cfg.DefaultModel
}

// ListModels asks the provider for its installed models.
func (s *Service) ListModels(ctx context.Context) ([]string, error) {
	return s.lister.ListModels(ctx)
}

// Ping checks that the provider is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.lister.Ping(ctx)
}

// Generate returns the complete reply for history.
func (s *Service) Generate(ctx context.Context, modelName string, history []chat.Message) (*schema.Message, error) {
	modelName = s.resolveModel(modelName)

	response, err := s.chain.Invoke(ctx, s.buildChainInput(history), s.modelOption(modelName))
	if err != nil {
		return nil, fmt.Errorf("failed to run chat chain: %w", err)
	}

	slog.Debug("generated response", "model", modelName, "length", len(response.Content))
	return response, nil
}

// Stream returns the reply for history chunk by chunk. The caller closes the reader.
func (s *Service) Stream(ctx context.Context, modelName string, history []chat.Message) (*schema.StreamReader[*schema.Message], error) {
	modelName = s.resolveModel(modelName)

	stream, err := s.chain.Stream(ctx, s.buildChainInput(history), s.modelOption(modelName))
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat chain output: %w", err)
	}
	return stream, nil
}

func (s *Service) resolveModel(name string) string {
	if name == "" {
		return s.cfg.DefaultModel
	}
	return name
}

func (s *Service) modelOption(name string) compose.Option {
	return compose.WithChatModelOption(model.WithModel(name))
}

func (s *Service) buildChainInput(history []chat.Message) map[string]any {
	return map[string]any{
		"history": s.buildHistoryMessages(history),
	}
}

func (s *Service) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	startIdx := 0
	if limit := s.cfg.HistoryLimit; limit > 0 && len(messages) > limit {
		startIdx = len(messages) - limit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx+1)
	if s.cfg.SystemPrompt != "" {
		history = append(history, schema.SystemMessage(s.cfg.SystemPrompt))
	}

	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}

type staticLister struct {
	models []string
}

func (l staticLister) ListModels(context.Context) ([]string, error) {
	out := make([]string, 0, len(l.models))
	for _, m := range l.models {
		if m != "" {
			out = append(out, m)
		}
	}
	return out, nil
}

func (l staticLister) Ping(context.Context) error { return nil }
