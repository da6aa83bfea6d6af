package driven

import (
	"context"
	"log"
	"strings"

	"github.com/BetterCallFirewall/Extracton/internal/anchor"
	"github.com/BetterCallFirewall/Extracton/internal/limits"
	"github.com/BetterCallFirewall/Extracton/internal/llm"
	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// Потолки уверенности предложений модели
const (
	completionConfidenceCap = 0.95
	newFieldConfidenceCap   = 0.90
)

// previewLimitForLLM - сколько символов preview видит модель
const previewLimitForLLM = 100

// Augmenter - Track B: просит модель дозаполнить пробелы Track A и
// round-trip валидирует каждое предложение против индекса анкеров.
// Доказуемо не галлюцинирует: всё, что не перечитывается по anchor'у
// стратегией его типа, отбрасывается.
type Augmenter struct {
	provider llm.Provider
	breaker  *limits.CircuitBreaker
	limiter  *limits.ExtractionLimiter
	verifier *roundTripVerifier
	enabled  bool
}

// NewAugmenter создаёт Track B
func NewAugmenter(provider llm.Provider, breaker *limits.CircuitBreaker, limiter *limits.ExtractionLimiter, enabled, validate bool) *Augmenter {
	if limiter == nil {
		limiter = limits.NewExtractionLimiter(nil)
	}
	return &Augmenter{
		provider: provider,
		breaker:  breaker,
		limiter:  limiter,
		verifier: &roundTripVerifier{validate: validate},
		enabled:  enabled,
	}
}

// Augment возвращает провалидированный результат Track B и потраченные токены.
// Ошибки модели, схемы и таймауты дают пустой результат - пайплайн
// продолжается на одном Track A.
func (a *Augmenter) Augment(
	ctx context.Context,
	contract *models.Contract,
	findings *models.Findings,
	idx *anchor.Index,
) (*models.AugmentationResult, int) {
	resp, tokens := a.Call(ctx, contract, findings, idx)
	result, _ := a.ValidateWithReport(resp, contract, idx)
	return result, tokens
}

// Call выполняет вызов модели без валидации. nil ответ означает
// отключённый augmenter, открытый breaker или отказ модели.
func (a *Augmenter) Call(
	ctx context.Context,
	contract *models.Contract,
	findings *models.Findings,
	idx *anchor.Index,
) (*llm.AugmentationResponse, int) {
	if !a.enabled || a.provider == nil {
		return nil, 0
	}

	if a.breaker != nil {
		if err := a.breaker.Allow(); err != nil {
			log.Printf("⚪️ Augmentation skipped: %v", err)
			return nil, 0
		}
	}

	req := &llm.AugmentationRequest{
		EntityName:     contract.EntityName,
		FindingSummary: summarizeFindings(contract, findings),
		AnchorSamples:  a.sampleWithContext(idx),
		MinSupport:     contract.Governance.MinSupportThreshold,
	}

	resp, err := a.provider.GenerateAugmentation(ctx, req)
	if err != nil {
		if a.breaker != nil {
			a.breaker.RecordFailure()
		}
		log.Printf("⚠️ Augmentation failed (non-critical): %v", err)
		return nil, 0
	}
	if a.breaker != nil {
		a.breaker.RecordSuccess()
	}

	return resp, resp.TokensUsed
}

// sampleWithContext строит выборку анкеров для модели, дополняя каждый
// текстом соседнего лейбла: "Room 101" без лейбла "Office" бесполезен
func (a *Augmenter) sampleWithContext(idx *anchor.Index) []models.AnchorSample {
	samples := idx.Sample(a.limiter.GetLimits().MaxAnchorSamples, previewLimitForLLM)
	for i := range samples {
		anchorCtx := idx.ContextOf(samples[i].AnchorID)
		samples[i].Label = anchorCtx.PrecedingLabel
	}
	return samples
}

// summarizeFindings - сводка Track A для модели: поле, вид, поддержка, причина
// промаха. Без селекторов.
func summarizeFindings(contract *models.Contract, findings *models.Findings) []llm.FindingSummaryEntry {
	var out []llm.FindingSummaryEntry
	for _, spec := range contract.Fields {
		if spec.Kind == models.FieldDiscoverable {
			continue
		}

		entry := llm.FindingSummaryEntry{
			Field:   spec.Name,
			Kind:    string(spec.Kind),
			Support: findings.Support[spec.Name],
		}
		if entry.Support == 0 {
			entry.Missing = true
			if miss, ok := findings.MissFor(spec.Name); ok {
				entry.Reason = miss.Reason
			}
		}
		out = append(out, entry)
	}
	return out
}

// Validate применяет anchor-дисциплину и round-trip проверку к ответу модели.
// nil ответ даёт пустой результат.
func (a *Augmenter) Validate(resp *llm.AugmentationResponse, contract *models.Contract, idx *anchor.Index) *models.AugmentationResult {
	result, _ := a.ValidateWithReport(resp, contract, idx)
	return result
}

// ValidateWithReport - Validate плюс по-предложению отчёт round-trip прохода
func (a *Augmenter) ValidateWithReport(
	resp *llm.AugmentationResponse,
	contract *models.Contract,
	idx *anchor.Index,
) (*models.AugmentationResult, *RoundTripReport) {
	report := &RoundTripReport{}

	if resp == nil {
		return &models.AugmentationResult{}, report
	}

	result := &models.AugmentationResult{}

	a.validateCompletions(resp, contract, idx, result, report)
	a.validateNewFields(resp, contract, idx, result, report)
	a.validateNormalizations(resp, result)

	log.Printf("🔬 Augmentation validated: %d completions, %d new fields, %d rejected",
		len(result.Completions), len(result.NewFields), result.Rejected)
	return result, report
}

// validateCompletions: каждый completion обязан цитировать anchor из
// индекса, и значение обязано перечитываться по нему стратегией типа поля
func (a *Augmenter) validateCompletions(
	resp *llm.AugmentationResponse,
	contract *models.Contract,
	idx *anchor.Index,
	result *models.AugmentationResult,
	report *RoundTripReport,
) {
	accepted := make(map[string]bool)

	for _, c := range resp.Completions {
		// Два completion'а на одно поле: принимается первый прошедший,
		// остальные - дубликаты
		if accepted[c.Field] {
			result.Rejected++
			report.add(RoundTripOutcome{
				Kind: "completion", Field: c.Field, AnchorID: c.Evidence.AnchorID,
				Reason: "duplicate_completion",
			})
			continue
		}

		if c.Field == "" || c.Value == "" || c.Evidence.AnchorID == "" {
			result.Rejected++
			report.add(RoundTripOutcome{
				Kind: "completion", Field: c.Field, AnchorID: c.Evidence.AnchorID,
				Reason: "incomplete_proposal",
			})
			continue
		}

		anchorRef, ok := idx.ByID(c.Evidence.AnchorID)
		if !ok {
			result.Rejected++
			report.add(RoundTripOutcome{
				Kind: "completion", Field: c.Field, AnchorID: c.Evidence.AnchorID,
				Reason: "anchor_not_in_index",
			})
			log.Printf("🔴 Completion for %q cites unknown anchor %s, dropped", c.Field, c.Evidence.AnchorID)
			continue
		}

		fieldType := models.TypeString
		if spec, found := contract.Field(c.Field); found {
			fieldType = spec.Type
		}

		outcome := a.verifier.verifyValue("completion", c.Field, c.Value, fieldType, anchorRef, idx)
		report.add(outcome)

		if !outcome.Accepted {
			result.Rejected++
			log.Printf("🔴 Completion for %q failed round-trip (%s): claimed %q",
				c.Field, outcome.Reason, llm.TruncateString(c.Value, 60))
			continue
		}

		confidence := c.Confidence
		if confidence > completionConfidenceCap {
			confidence = completionConfidenceCap
		}

		accepted[c.Field] = true
		result.Completions = append(result.Completions, models.Completion{
			Field:      c.Field,
			Value:      c.Value,
			Evidence:   models.CompletionEvidence{AnchorID: c.Evidence.AnchorID},
			Confidence: confidence,
		})
	}
}

// validateNewFields: предложение живо, пока min_support_threshold различных
// процитированных анкеров перечитываются с валидным образцом значения
func (a *Augmenter) validateNewFields(
	resp *llm.AugmentationResponse,
	contract *models.Contract,
	idx *anchor.Index,
	result *models.AugmentationResult,
	report *RoundTripReport,
) {
	for _, nf := range resp.NewFields {
		fieldType := models.FieldType(strings.ToLower(nf.Type))
		if !validFieldType(fieldType) {
			fieldType = models.TypeString
		}

		verified := a.verifiedAnchors(nf, fieldType, idx, report)
		if len(verified) < contract.Governance.MinSupportThreshold {
			result.Rejected++
			continue
		}

		confidence := nf.Confidence
		if confidence > newFieldConfidenceCap {
			confidence = newFieldConfidenceCap
		}

		result.NewFields = append(result.NewFields, models.NewFieldProposal{
			Name:       fieldSlugName(nf.Name),
			Type:       fieldType,
			Support:    len(verified),
			DOMAnchors: verified,
			Confidence: confidence,
			Reasoning:  nf.Reasoning,
		})
	}
}

// validateNormalizations: нормализации не требуют anchor evidence,
// но обязаны быть well-formed
func (a *Augmenter) validateNormalizations(resp *llm.AugmentationResponse, result *models.AugmentationResult) {
	for _, norm := range resp.Normalizations {
		if norm.From == "" || norm.To == "" {
			result.Rejected++
			continue
		}
		result.Normalizations = append(result.Normalizations, models.Normalization{
			From:      norm.From,
			To:        norm.To,
			Reasoning: norm.Reasoning,
		})
	}
}

// verifiedAnchors возвращает различные процитированные анкеры предложения,
// прошедшие round-trip против образца значения
func (a *Augmenter) verifiedAnchors(
	nf llm.NewFieldPayload,
	fieldType models.FieldType,
	idx *anchor.Index,
	report *RoundTripReport,
) []string {
	seen := make(map[string]bool)
	var verified []string

	for _, id := range nf.DOMAnchors {
		if seen[id] {
			continue
		}
		seen[id] = true

		anchorRef, ok := idx.ByID(id)
		if !ok {
			report.add(RoundTripOutcome{
				Kind: "new_field_anchor", Field: nf.Name, AnchorID: id,
				Reason: "anchor_not_in_index",
			})
			continue
		}

		outcome := a.verifier.verifySample(nf.Name, fieldType, anchorRef, idx)
		report.add(outcome)
		if outcome.Accepted {
			verified = append(verified, id)
		}
	}

	return verified
}

// fieldSlugName приводит имя предлагаемого поля к snake_case
func fieldSlugName(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "_")
	slug = strings.ReplaceAll(slug, "-", "_")
	return slug
}
