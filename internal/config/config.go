package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config - вся конфигурационная поверхность. Перечислена целиком:
// никаких неявных настроек за пределами этого списка.
type Config struct {
	LLM       LLMConfig
	Server    ServerConfig
	Pipeline  PipelineConfig
	Telemetry TelemetryConfig
}

type LLMConfig struct {
	// Общие настройки
	Provider string // "gemini" или "generic"
	ApiKey   string

	// Модели для разных вызовов (обе обязательны)
	LLMModelFast  string // быстрая модель для генерации контрактов
	LLMModelSmart string // умная модель для augmentation

	// Для Generic провайдера
	BaseURL string // базовый URL OpenAI-совместимого API
}

type ServerConfig struct {
	Port            string
	RateLimitCalls  int
	RateLimitWindow time.Duration
}

type PipelineConfig struct {
	AugmenterEnabled    bool
	AnchorValidation    bool
	ConfidenceThreshold float64
	MaxCandidates       int
	MinPatternInstances int
	DOMTraversalLimit   int
	MaxAnchorSamples    int

	// Бюджеты стадий в миллисекундах; 0 = стадия всегда abstain'ится
	ContractBudgetMs      int
	AugmentationBudgetMs  int
	ValidationBudgetMs    int
	NegotiationBudgetMs   int
	DeterministicBudgetMs int

	IdempotencyTTL time.Duration
}

type TelemetryConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	RedactPII     bool
	CacheSampling float64 // sampling rate для cache_event
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return v, nil
}

func getFloatOrDefault(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a float, got %q", key, raw)
	}
	return v, nil
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	return raw == "true" || raw == "1"
}

// Load читает конфигурацию из окружения (.env поддерживается)
func Load() (*Config, error) {
	// .env опционален: в проде переменные приходят из окружения
	_ = godotenv.Load()

	llmModelFast := os.Getenv("LLM_MODEL_FAST")
	llmModelSmart := os.Getenv("LLM_MODEL_SMART")
	augmenterEnabled := getBoolOrDefault("AUGMENTER_ENABLED", true)

	// Validate required fields
	if augmenterEnabled {
		if llmModelFast == "" {
			return nil, errors.New("LLM_MODEL_FAST environment variable is required but not set")
		}
		if llmModelSmart == "" {
			return nil, errors.New("LLM_MODEL_SMART environment variable is required but not set")
		}
	}

	cfg := &Config{
		LLM: LLMConfig{
			Provider:      getEnvOrDefault("LLM_PROVIDER", "gemini"),
			ApiKey:        os.Getenv("API_KEY"),
			LLMModelFast:  llmModelFast,
			LLMModelSmart: llmModelSmart,
			BaseURL:       os.Getenv("LLM_BASE_URL"),
		},
		Server: ServerConfig{
			Port: getEnvOrDefault("PORT", "8080"),
		},
		Pipeline: PipelineConfig{
			AugmenterEnabled: augmenterEnabled,
			AnchorValidation: getBoolOrDefault("ANCHOR_VALIDATION", true),
		},
		Telemetry: TelemetryConfig{
			RedactPII: getBoolOrDefault("TELEMETRY_REDACT_PII", true),
		},
	}

	var err error
	if cfg.Pipeline.ConfidenceThreshold, err = getFloatOrDefault("CONFIDENCE_THRESHOLD", 0.6); err != nil {
		return nil, err
	}
	if cfg.Telemetry.CacheSampling, err = getFloatOrDefault("TELEMETRY_CACHE_SAMPLING", 1.0); err != nil {
		return nil, err
	}

	if cfg.Server.RateLimitCalls, err = getIntOrDefault("RATE_LIMIT_CALLS", 60); err != nil {
		return nil, err
	}
	if cfg.Pipeline.MaxCandidates, err = getIntOrDefault("MAX_CANDIDATES", 10); err != nil {
		return nil, err
	}
	if cfg.Pipeline.MinPatternInstances, err = getIntOrDefault("MIN_PATTERN_INSTANCES", 3); err != nil {
		return nil, err
	}
	if cfg.Pipeline.DOMTraversalLimit, err = getIntOrDefault("DOM_TRAVERSAL_LIMIT", 5000); err != nil {
		return nil, err
	}
	if cfg.Pipeline.MaxAnchorSamples, err = getIntOrDefault("MAX_ANCHOR_SAMPLES", 5); err != nil {
		return nil, err
	}
	if cfg.Pipeline.ContractBudgetMs, err = getIntOrDefault("CONTRACT_BUDGET_MS", 800); err != nil {
		return nil, err
	}
	if cfg.Pipeline.AugmentationBudgetMs, err = getIntOrDefault("AUGMENTATION_BUDGET_MS", 1200); err != nil {
		return nil, err
	}
	if cfg.Pipeline.ValidationBudgetMs, err = getIntOrDefault("VALIDATION_BUDGET_MS", 600); err != nil {
		return nil, err
	}
	if cfg.Pipeline.NegotiationBudgetMs, err = getIntOrDefault("NEGOTIATION_BUDGET_MS", 1000); err != nil {
		return nil, err
	}
	if cfg.Pipeline.DeterministicBudgetMs, err = getIntOrDefault("DETERMINISTIC_BUDGET_MS", 500); err != nil {
		return nil, err
	}
	if cfg.Telemetry.BatchSize, err = getIntOrDefault("TELEMETRY_BATCH_SIZE", 20); err != nil {
		return nil, err
	}

	rateWindowSec, err := getIntOrDefault("RATE_LIMIT_WINDOW_SEC", 60)
	if err != nil {
		return nil, err
	}
	cfg.Server.RateLimitWindow = time.Duration(rateWindowSec) * time.Second

	ttlSec, err := getIntOrDefault("IDEMPOTENCY_TTL_SEC", 300)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline.IdempotencyTTL = time.Duration(ttlSec) * time.Second

	flushMs, err := getIntOrDefault("TELEMETRY_FLUSH_INTERVAL_MS", 2000)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.FlushInterval = time.Duration(flushMs) * time.Millisecond

	return cfg, nil
}
