package driven

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BetterCallFirewall/Extracton/internal/anchor"
	"github.com/BetterCallFirewall/Extracton/internal/extract"
	"github.com/BetterCallFirewall/Extracton/internal/guard"
	"github.com/BetterCallFirewall/Extracton/internal/hashing"
	"github.com/BetterCallFirewall/Extracton/internal/limits"
	"github.com/BetterCallFirewall/Extracton/internal/llm"
	"github.com/BetterCallFirewall/Extracton/internal/models"
	"github.com/BetterCallFirewall/Extracton/internal/negotiate"
	"github.com/BetterCallFirewall/Extracton/internal/telemetry"
	"github.com/BetterCallFirewall/Extracton/internal/utils"
)

// contentSampleLimit - сколько текста страницы видит генератор контрактов
const contentSampleLimit = 1500

// PipelineOptions - зависимости и флаги пайплайна
type PipelineOptions struct {
	Provider         llm.Provider
	Guard            *guard.Guard
	Emitter          *telemetry.Emitter
	Limiter          *limits.ExtractionLimiter
	RateLimiter      *limits.RateLimiter
	Breaker          *limits.CircuitBreaker
	Hasher           *hashing.Hasher
	Store            *hashing.IdempotencyStore
	AugmenterEnabled bool
	AnchorValidation bool
}

// Pipeline - синхронный конвейер одного запроса: hasher -> contract ->
// anchor index -> Track A -> Track B -> negotiator -> записи.
// Между запросами разделяются только idempotency store, кэш хешей
// и история stage guard'а.
type Pipeline struct {
	provider    llm.Provider
	guard       *guard.Guard
	emitter     *telemetry.Emitter
	limiter     *limits.ExtractionLimiter
	rateLim     *limits.RateLimiter
	breaker     *limits.CircuitBreaker
	hasher      *hashing.Hasher
	store       *hashing.IdempotencyStore
	normalizer  *utils.URLNormalizer
	tracker     *extract.Tracker
	negotiator  *negotiate.Negotiator
	augmenter   *Augmenter
	checkIndex  bool
}

// NewPipeline создаёт пайплайн и регистрирует fallback'и стадий
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Guard == nil {
		opts.Guard = guard.New()
	}
	if opts.Limiter == nil {
		opts.Limiter = limits.NewExtractionLimiter(nil)
	}
	if opts.Hasher == nil {
		opts.Hasher = hashing.NewHasher(nil)
	}
	if opts.Store == nil {
		opts.Store = hashing.NewIdempotencyStore(nil)
	}
	if opts.Breaker == nil {
		opts.Breaker = limits.NewCircuitBreaker(nil)
	}

	p := &Pipeline{
		provider:   opts.Provider,
		guard:      opts.Guard,
		emitter:    opts.Emitter,
		limiter:    opts.Limiter,
		rateLim:    opts.RateLimiter,
		breaker:    opts.Breaker,
		hasher:     opts.Hasher,
		store:      opts.Store,
		normalizer: utils.NewURLNormalizer(),
		tracker:    extract.NewTracker(opts.Limiter),
		negotiator: negotiate.New(),
		augmenter:  NewAugmenter(opts.Provider, opts.Breaker, opts.Limiter, opts.AugmenterEnabled, opts.AnchorValidation),
		checkIndex: opts.AnchorValidation,
	}

	// Fallback генерации контракта: nil ответ = библиотека шаблонов
	p.guard.RegisterFallback(guard.StageContractGeneration, func() any {
		return (*llm.ContractResponse)(nil)
	})

	// Fallback Track B: nil ответ модели = пустая augmentation,
	// пайплайн продолжается на Track A
	p.guard.RegisterFallback(guard.StageAugmentation, func() any {
		return (*llm.AugmentationResponse)(nil)
	})

	// Fallback round-trip валидации: не успели проверить - не приняли ничего
	p.guard.RegisterFallback(guard.StageValidation, func() any {
		return &models.AugmentationResult{}
	})

	// Budget события идут в телеметрию
	p.guard.OnEvent(func(stage guard.Stage, kind, reason string) {
		if kind == "fallback_taken" {
			p.emit(telemetry.EventFallbackTaken, "", map[string]string{"stage": string(stage), "reason": reason})
		} else {
			p.emit(telemetry.EventBudget, "", map[string]string{"stage": string(stage), "reason": reason})
		}
	})

	return p
}

// Process обрабатывает один запрос с координацией идемпотентности:
// повторный вызов с тем же (URL, query, fingerprint) внутри TTL возвращает
// сохранённый результат без повторного исполнения.
func (p *Pipeline) Process(ctx context.Context, req models.ExtractionRequest) (*models.ExtractionResult, error) {
	if p.rateLim != nil {
		if err := p.rateLim.Allow(req.CallerID); err != nil {
			return nil, err
		}
	}

	canonicalURL, err := p.normalizer.Canonicalize(req.URL)
	if err != nil {
		return nil, &models.ExtractionError{Reason: "input_malformed: " + err.Error()}
	}

	if strings.TrimSpace(req.HTML) == "" {
		return nil, &models.ExtractionError{Reason: "input_malformed: empty document"}
	}

	normalizedQuery := p.normalizer.NormalizeQuery(req.Query)

	fingerprint, err := p.hasher.Fingerprint(req.HTML)
	if err != nil {
		return nil, &models.ExtractionError{Reason: "input_malformed: " + err.Error()}
	}

	key := hashing.IdempotencyKey(canonicalURL, normalizedQuery, fingerprint)

	handle, err := p.store.Handle(key, func() (any, error) {
		return p.execute(ctx, req, canonicalURL, fingerprint)
	})
	if err != nil {
		return nil, err
	}

	result, ok := handle.Data.(*models.ExtractionResult)
	if !ok {
		return nil, fmt.Errorf("idempotency store returned unexpected payload %T", handle.Data)
	}

	if handle.IsReplay {
		p.emit(telemetry.EventCache, result.Metadata.RequestID, map[string]string{"action": "hit", "key": key[:16]})
		replay := *result
		replay.Metadata.IsReplay = true
		return &replay, nil
	}

	p.emit(telemetry.EventCache, result.Metadata.RequestID, map[string]string{"action": "miss", "key": key[:16]})
	return result, nil
}

// execute - один полный прогон пайплайна (без идемпотентности)
func (p *Pipeline) execute(
	ctx context.Context,
	req models.ExtractionRequest,
	canonicalURL, fingerprint string,
) (*models.ExtractionResult, error) {
	requestID := uuid.New().String()
	timings := make(map[string]int64)
	var abstentions []models.StageAbstention
	usage := models.TokenUsage{}

	log.Printf("🔍 Extraction request %s: %s (query: %s)", requestID, canonicalURL, llm.TruncateString(req.Query, 80))

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(req.HTML))
	if err != nil {
		return nil, &models.ExtractionError{Reason: "input_malformed: " + err.Error()}
	}

	// Индексация анкеров и генерация контракта логически конкурентны:
	// индекс не зависит от контракта, контракт - от индекса
	var idx *anchor.Index
	var contractResp *llm.ContractResponse
	var contractOutcome guard.Outcome

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		buildStart := time.Now()
		idx = anchor.Build(doc, canonicalURL)
		timings["anchor_index"] = time.Since(buildStart).Milliseconds()

		// Самопроверка инвариантов индекса: цитатам анкеров ниже по
		// конвейеру можно верить только на здоровом индексе
		if p.checkIndex {
			if violations := idx.Validate(); len(violations) > 0 {
				for _, v := range violations {
					log.Printf("⚠️ Anchor index invariant violated: %s", v)
				}
				p.emit(telemetry.EventBudget, requestID, map[string]string{
					"stage":  "anchor_index",
					"reason": fmt.Sprintf("index_invariants_violated:%d", len(violations)),
				})
			}
		}
		return nil
	})

	g.Go(func() error {
		resp, outcome, err := guard.Execute(gctx, p.guard, guard.StageContractGeneration,
			func(c context.Context) (*llm.ContractResponse, int, error) {
				return p.callContractGeneration(c, req.Query, doc)
			})
		if err != nil {
			return err
		}
		contractResp = resp
		contractOutcome = outcome
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	timings[string(guard.StageContractGeneration)] = contractOutcome.Duration.Milliseconds()
	usage.ContractGeneration = contractOutcome.TokensUsed
	if contractOutcome.Abstained {
		abstentions = append(abstentions, models.StageAbstention{
			Stage:  string(guard.StageContractGeneration),
			Reason: contractOutcome.Reason,
		})
	}

	contract := contractFromResponse(contractResp, req.Query)
	p.emit(telemetry.EventContractGenerated, requestID, map[string]string{
		"contract_id": contract.ID,
		"entity":      contract.EntityName,
		"fields":      fmt.Sprintf("%d", len(contract.Fields)),
		"template":    fmt.Sprintf("%t", contract.FromTemplate),
	})

	// Track A: детерминированный проход под своим wall-clock бюджетом
	trackStart := time.Now()
	trackBudget := p.guard.Budget(guard.StageDeterministic).WallClock
	findings := p.tracker.Process(ctx, doc, contract, idx, trackBudget)
	timings[string(guard.StageDeterministic)] = time.Since(trackStart).Milliseconds()

	p.emit(telemetry.EventDeterministicPass, requestID, map[string]string{
		"hits":       fmt.Sprintf("%d", len(findings.Hits)),
		"misses":     fmt.Sprintf("%d", len(findings.Misses)),
		"candidates": fmt.Sprintf("%d", len(findings.Candidates)),
	})

	// Track B: вызов модели под guard'ом; таймаут - не ошибка
	augResp, augOutcome, err := guard.Execute(ctx, p.guard, guard.StageAugmentation,
		func(c context.Context) (*llm.AugmentationResponse, int, error) {
			resp, tokens := p.augmenter.Call(c, contract, findings, idx)
			return resp, tokens, nil
		})
	if err != nil {
		augResp = nil
	}

	timings[string(guard.StageAugmentation)] = augOutcome.Duration.Milliseconds()
	usage.Augmentation = augOutcome.TokensUsed
	if augOutcome.Abstained {
		abstentions = append(abstentions, models.StageAbstention{
			Stage:  string(guard.StageAugmentation),
			Reason: augOutcome.Reason,
		})
	}

	// Round-trip валидация предложений - отдельная guarded стадия
	var rtReport *RoundTripReport
	augmentation, valOutcome, err := guard.Execute(ctx, p.guard, guard.StageValidation,
		func(c context.Context) (*models.AugmentationResult, int, error) {
			result, report := p.augmenter.ValidateWithReport(augResp, contract, idx)
			rtReport = report
			return result, 0, nil
		})
	if err != nil {
		augmentation = &models.AugmentationResult{}
	}

	timings[string(guard.StageValidation)] = valOutcome.Duration.Milliseconds()
	if valOutcome.Abstained {
		abstentions = append(abstentions, models.StageAbstention{
			Stage:  string(guard.StageValidation),
			Reason: valOutcome.Reason,
		})
	}

	p.emit(telemetry.EventLLMAugmentation, requestID, map[string]string{
		"completions":   fmt.Sprintf("%d", len(augmentation.Completions)),
		"new_fields":    fmt.Sprintf("%d", len(augmentation.NewFields)),
		"rejected":      fmt.Sprintf("%d", augmentation.Rejected),
		"fallback_used": fmt.Sprintf("%t", augOutcome.Abstained || augmentation.Rejected > 0 && augmentation.Empty()),
	})

	if rtReport != nil && (rtReport.Accepted > 0 || rtReport.Rejected > 0) {
		p.emit(telemetry.EventContractValidation, requestID, map[string]string{
			"accepted_proposals": fmt.Sprintf("%d", rtReport.Accepted),
			"rejected_proposals": fmt.Sprintf("%d", rtReport.Rejected),
		})
	}

	// Негоциация: финальное решение
	negotiationStart := time.Now()
	negotiation := p.negotiator.Negotiate(contract, findings, augmentation)
	timings[string(guard.StageNegotiation)] = time.Since(negotiationStart).Milliseconds()

	// Пост-проверка собственных инвариантов негоциатора
	for _, violation := range negotiate.CheckInvariants(contract, negotiation, findings) {
		log.Printf("⚠️ Negotiation invariant violated: %s", violation)
	}
	for _, line := range negotiate.Explain(negotiation) {
		log.Printf("📋 Negotiation: %s", line)
	}

	for _, added := range negotiation.Changes.Added {
		p.emit(telemetry.EventPromotionDecision, requestID, map[string]string{
			"field":   added.Field,
			"support": fmt.Sprintf("%d", added.Support),
			"source":  string(added.Source),
		})
	}

	if negotiation.Status == models.NegotiationError {
		if contract.Mode == models.ModeStrict {
			p.emit(telemetry.EventStrictModeAction, requestID, map[string]string{
				"action": "abort",
				"field":  negotiation.MissingField,
			})
		}
		return nil, &models.ExtractionError{
			Reason:         negotiation.Reason,
			MissingField:   negotiation.MissingField,
			SelectorsTried: negotiation.SelectorsTried,
		}
	}

	records := assembleRecords(idx, negotiation, findings, augmentation, contract.Mode)

	usage.Total = usage.ContractGeneration + usage.Augmentation

	schema := make([]string, 0, len(negotiation.FinalFields))
	for _, f := range negotiation.FinalFields {
		schema = append(schema, f.Name)
	}

	log.Printf("✅ Extraction complete %s: %d records, %d fields, reliability %.2f",
		requestID, len(records), len(schema), negotiation.Evidence.Reliability)

	return &models.ExtractionResult{
		Records:  records,
		Schema:   schema,
		Changes:  negotiation.Changes,
		Evidence: negotiation.Evidence,
		Metadata: models.ResultMetadata{
			RequestID:    requestID,
			ContractID:   contract.ID,
			Mode:         contract.Mode,
			Fingerprint:  fingerprint,
			TokenUsage:   usage,
			StageTimings: timings,
			Abstentions:  abstentions,
		},
	}, nil
}

// callContractGeneration зовёт провайдера через circuit breaker.
// Отказ провайдера - не ошибка запроса: nil ответ уводит в шаблоны.
func (p *Pipeline) callContractGeneration(ctx context.Context, query string, doc *goquery.Document) (*llm.ContractResponse, int, error) {
	if p.provider == nil {
		return nil, 0, nil
	}

	if p.breaker != nil {
		if err := p.breaker.Allow(); err != nil {
			log.Printf("⚪️ Contract generation skipped: %v", err)
			return nil, 0, nil
		}
	}

	resp, err := p.provider.GenerateContract(ctx, &llm.ContractRequest{
		Query:                         query,
		ContentSample:                 contentSample(doc),
		AbstainOnInsufficientEvidence: true,
	})
	if err != nil {
		if p.breaker != nil {
			p.breaker.RecordFailure()
		}
		log.Printf("⚠️ Contract generation failed, falling back to templates: %v", err)
		return nil, 0, nil
	}

	if p.breaker != nil {
		p.breaker.RecordSuccess()
	}
	return resp, resp.TokensUsed, nil
}

// contentSample - текст body без скриптов и стилей, обрезанный для модели
func contentSample(doc *goquery.Document) string {
	clone := doc.Selection.Find("body").Clone()
	clone.Find("script, style, noscript").Remove()
	return llm.TruncateString(utils.CollapseWhitespace(clone.Text()), contentSampleLimit)
}

// emit отправляет телеметрийное событие, если эмиттер подключен
func (p *Pipeline) emit(eventType telemetry.EventType, requestID string, data map[string]string) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(telemetry.NewEvent(eventType, requestID, data))
}
