package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Inference InferenceConfig
	Store     StoreConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	inference, err := loadInferenceConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Inference: inference, Store: store}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// Inference providers.
const (
	ProviderOllama = "ollama"
	ProviderArk    = "ark"
)

// InferenceConfig 描述推理服务配置。
type InferenceConfig struct {
	Provider       string
	DefaultModel   string
	SystemPrompt   string
	HistoryLimit   int
	RequestTimeout time.Duration
	ListTimeout    time.Duration
	Ollama         OllamaConfig
	Ark            ArkConfig
}

// OllamaConfig 描述本地 Ollama 守护进程。
type OllamaConfig struct {
	URL string
}

// ArkConfig 描述 Ark 大模型凭证。
type ArkConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c ArkConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadInferenceConfig() (InferenceConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("INFERENCE_PROVIDER", ProviderOllama))
	if provider != ProviderOllama && provider != ProviderArk {
		return InferenceConfig{}, fmt.Errorf("invalid INFERENCE_PROVIDER value %q: want %s or %s", provider, ProviderOllama, ProviderArk)
	}

	requestTimeout, err := parseSecondsEnv("OLLAMA_TIMEOUT", 120*time.Second)
	if err != nil {
		return InferenceConfig{}, err
	}

	listTimeout, err := parseSecondsEnv("LIST_TIMEOUT", 5*time.Second)
	if err != nil {
		return InferenceConfig{}, err
	}

	historyLimit := 0
	if limit, err := parseOptionalIntEnv("HISTORY_LIMIT"); err != nil {
		return InferenceConfig{}, err
	} else if limit != nil && *limit > 0 {
		historyLimit = *limit
	}

	ark, err := loadArkConfig()
	if err != nil {
		return InferenceConfig{}, err
	}

	defaultModel := getEnvOrDefault("DEFAULT_MODEL", "llama3.2:1b")
	if provider == ProviderArk && ark.Model != "" {
		defaultModel = ark.Model
	}

	return InferenceConfig{
		Provider:       provider,
		DefaultModel:   defaultModel,
		SystemPrompt:   strings.TrimSpace(os.Getenv("SYSTEM_PROMPT")),
		HistoryLimit:   historyLimit,
		RequestTimeout: requestTimeout,
		ListTimeout:    listTimeout,
		Ollama: OllamaConfig{
			URL: strings.TrimRight(getEnvOrDefault("OLLAMA_URL", "http://localhost:11434"), "/"),
		},
		Ark: ark,
	}, nil
}

func loadArkConfig() (ArkConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return ArkConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return ArkConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return ArkConfig{}, err
	}

	return ArkConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// Session store backends.
const (
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// StoreConfig 描述会话存储配置。
type StoreConfig struct {
	Backend         string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	RedisURL        string
	RedisPrefix     string
	SQLitePath      string
	ListLimit       int
}

func loadStoreConfig() (StoreConfig, error) {
	mongoURI := strings.TrimSpace(os.Getenv("MONGODB_URI"))

	// 未显式指定时，有 MONGODB_URI 就用 MongoDB，否则退回内存存储。
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("SESSION_STORE")))
	if backend == "" {
		backend = StoreMemory
		if mongoURI != "" {
			backend = StoreMongo
		}
	}

	cfg := StoreConfig{
		Backend:         backend,
		MongoURI:        mongoURI,
		MongoDatabase:   getEnvOrDefault("MONGODB_DATABASE", "llm_chat_app"),
		MongoCollection: getEnvOrDefault("MONGODB_COLLECTION", "conversations"),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		RedisPrefix:     getEnvOrDefault("REDIS_PREFIX", "llmchat:"),
		SQLitePath:      getEnvOrDefault("SQLITE_PATH", "llmchat.db"),
		ListLimit:       20,
	}

	if limit, err := parseOptionalIntEnv("SESSION_LIST_LIMIT"); err != nil {
		return StoreConfig{}, err
	} else if limit != nil {
		if *limit < 1 {
			cfg.ListLimit = 1
		} else {
			cfg.ListLimit = *limit
		}
	}

	switch backend {
	case StoreMongo:
		if cfg.MongoURI == "" {
			return StoreConfig{}, fmt.Errorf("SESSION_STORE=%s requires MONGODB_URI", backend)
		}
	case StoreRedis:
		if cfg.RedisURL == "" {
			return StoreConfig{}, fmt.Errorf("SESSION_STORE=%s requires REDIS_URL", backend)
		}
	case StoreSQLite, StoreMemory:
	default:
		return StoreConfig{}, fmt.Errorf("invalid SESSION_STORE value %q", backend)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseSecondsEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	seconds, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if seconds == nil {
		return defaultValue, nil
	}
	if *seconds <= 0 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *seconds)
	}
	return time.Duration(*seconds) * time.Second, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
