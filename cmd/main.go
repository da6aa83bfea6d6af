package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/BetterCallFirewall/Extracton/internal/config"
	"github.com/BetterCallFirewall/Extracton/internal/driven"
	"github.com/BetterCallFirewall/Extracton/internal/guard"
	"github.com/BetterCallFirewall/Extracton/internal/hashing"
	"github.com/BetterCallFirewall/Extracton/internal/limits"
	"github.com/BetterCallFirewall/Extracton/internal/llm"
	"github.com/BetterCallFirewall/Extracton/internal/models"
	"github.com/BetterCallFirewall/Extracton/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// LLM провайдер; без моделей пайплайн живёт на шаблонах
	var provider llm.Provider
	if cfg.Pipeline.AugmenterEnabled {
		switch cfg.LLM.Provider {
		case "generic":
			provider = llm.NewGenericProvider(cfg.LLM.BaseURL, cfg.LLM.ApiKey, cfg.LLM.LLMModelFast, cfg.LLM.LLMModelSmart)
		default:
			genkitApp := genkit.Init(
				ctx,
				genkit.WithPlugins(
					&googlegenai.GoogleAI{
						APIKey: cfg.LLM.ApiKey,
					},
				),
				genkit.WithDefaultModel("googleai/"+cfg.LLM.LLMModelFast),
			)
			provider = llm.NewGenkitProvider(genkitApp, "googleai/"+cfg.LLM.LLMModelFast, "googleai/"+cfg.LLM.LLMModelSmart)
		}
	}

	// Телеметрия: hub + эмиттер с батчингом и редакцией PII
	hub := telemetry.NewHub()
	hub.OnStateChange(func(connected bool) {
		if connected {
			log.Printf("📡 Telemetry collector online")
		} else {
			log.Printf("📡 Telemetry collector offline, batching to replay ring")
		}
	})

	emitter := telemetry.NewEmitter(hub, &telemetry.EmitterOptions{
		BatchSize:     cfg.Telemetry.BatchSize,
		FlushInterval: cfg.Telemetry.FlushInterval,
		RedactPII:     cfg.Telemetry.RedactPII,
		SamplingRates: map[telemetry.EventType]float64{
			telemetry.EventCache: cfg.Telemetry.CacheSampling,
		},
	})
	defer emitter.Stop()

	// Stage guard с бюджетами из конфигурации
	budgets := map[guard.Stage]guard.Budget{
		guard.StageContractGeneration: {Tokens: 500, WallClock: time.Duration(cfg.Pipeline.ContractBudgetMs) * time.Millisecond},
		guard.StageAugmentation:       {Tokens: 400, WallClock: time.Duration(cfg.Pipeline.AugmentationBudgetMs) * time.Millisecond},
		guard.StageValidation:         {Tokens: 100, WallClock: time.Duration(cfg.Pipeline.ValidationBudgetMs) * time.Millisecond},
		guard.StageNegotiation:        {Tokens: 300, WallClock: time.Duration(cfg.Pipeline.NegotiationBudgetMs) * time.Millisecond},
		guard.StageDeterministic:      {Tokens: 0, WallClock: time.Duration(cfg.Pipeline.DeterministicBudgetMs) * time.Millisecond},
	}
	stageGuard := guard.NewWithBudgets(budgets)
	breaker := limits.NewCircuitBreaker(nil)
	go stageGuard.AdjustLoop(ctx, time.Minute, guard.NewHealthEvaluator(breaker, stageGuard))

	limiter := limits.NewExtractionLimiter(&limits.ExtractionLimits{
		MaxCandidatesPerField: cfg.Pipeline.MaxCandidates,
		MinPatternInstances:   cfg.Pipeline.MinPatternInstances,
		DOMTraversalLimit:     cfg.Pipeline.DOMTraversalLimit,
		ConfidenceThreshold:   cfg.Pipeline.ConfidenceThreshold,
		MaxAnchorSamples:      cfg.Pipeline.MaxAnchorSamples,
	})
	if err := limiter.ValidateLimits(); err != nil {
		log.Fatalf("Invalid extraction limits: %v", err)
	}

	hasher := hashing.NewHasher(nil)
	hasher.StartSweeper(ctx, 5*time.Minute)

	store := hashing.NewIdempotencyStore(&hashing.IdempotencyStoreOptions{
		DefaultTTL: cfg.Pipeline.IdempotencyTTL,
		MaxRecords: 1000,
	})

	pipeline := driven.NewPipeline(driven.PipelineOptions{
		Provider:         provider,
		Guard:            stageGuard,
		Emitter:          emitter,
		Limiter:          limiter,
		RateLimiter:      limits.NewRateLimiter(cfg.Server.RateLimitCalls, cfg.Server.RateLimitWindow),
		Breaker:          breaker,
		Hasher:           hasher,
		Store:            store,
		AugmenterEnabled: cfg.Pipeline.AugmenterEnabled,
		AnchorValidation: cfg.Pipeline.AnchorValidation,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/extract", handleExtract(pipeline))
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"telemetry":   hub.Stats(),
			"guard":       stageGuard.GetStats(),
			"hash_cache":  hasher.Stats(),
			"idempotency": store.Stats(),
		})
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: mux,
	}

	go func() {
		log.Printf("Starting Extracton server on :%s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

// handleExtract принимает {url, query, html} и возвращает негоциированный
// набор записей либо структурированную ошибку
func handleExtract(pipeline *driven.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req models.ExtractionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, &models.ExtractionError{Reason: "input_malformed: " + err.Error()})
			return
		}

		if req.CallerID == "" {
			req.CallerID = r.RemoteAddr
		}

		result, err := pipeline.Process(r.Context(), req)
		if err != nil {
			var extractionErr *models.ExtractionError
			switch {
			case errors.Is(err, limits.ErrExceeded):
				writeJSONError(w, http.StatusTooManyRequests, &models.ExtractionError{Reason: "rate_limit_exceeded"})
			case errors.As(err, &extractionErr):
				writeJSONError(w, http.StatusUnprocessableEntity, extractionErr)
			default:
				log.Printf("❌ Extraction failed: %v", err)
				writeJSONError(w, http.StatusInternalServerError, &models.ExtractionError{Reason: "internal_error"})
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Printf("Failed to encode response: %v", err)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, extractionErr *models.ExtractionError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": extractionErr})
}
