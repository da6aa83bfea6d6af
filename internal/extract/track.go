package extract

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/BetterCallFirewall/Extracton/internal/anchor"
	"github.com/BetterCallFirewall/Extracton/internal/limits"
	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// Веса комбинированной уверенности кандидата
const (
	detectorWeight  = 0.4
	extractorWeight = 0.4
	validatorWeight = 0.2
)

// timeoutShare - доля бюджета, после которой оставшиеся поля записываются
// как misses с reason processing_timeout
const timeoutShare = 0.8

// Tracker - детерминированный экстрактор (Track A). Без LLM:
// только детекторы, экстракторы и валидаторы над DOM.
type Tracker struct {
	limiter *limits.ExtractionLimiter
}

// NewTracker создает Track A процессор
func NewTracker(limiter *limits.ExtractionLimiter) *Tracker {
	if limiter == nil {
		limiter = limits.NewExtractionLimiter(nil)
	}
	return &Tracker{limiter: limiter}
}

// Process заполняет support map и выдаёт hits/misses с anchor-цитатами.
// Работает в пределах budget; на 80% бюджета оставшиеся поля записываются
// как misses и фаза возвращает то, что успела.
func (t *Tracker) Process(
	ctx context.Context,
	doc *goquery.Document,
	contract *models.Contract,
	idx *anchor.Index,
	budget time.Duration,
) (findings *models.Findings) {
	findings = models.NewFindings()
	start := time.Now()
	cutoff := time.Duration(float64(budget) * timeoutShare)

	// Глобальный сбой фазы превращается в синтетический _system_error miss
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Deterministic track panic: %v", r)
			findings.AddMiss(models.Miss{
				Field:  "_system_error",
				Reason: fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	if doc == nil || contract == nil {
		return findings
	}

	for i, spec := range contract.Fields {
		if spec.Kind == models.FieldDiscoverable {
			continue
		}

		if budget > 0 && time.Since(start) > cutoff {
			log.Printf("⚠️ Deterministic track at %.0f%% of budget, recording remaining fields as misses", timeoutShare*100)
			for _, rest := range contract.Fields[i:] {
				if rest.Kind == models.FieldDiscoverable {
					continue
				}
				findings.AddMiss(models.Miss{Field: rest.Name, Reason: "processing_timeout"})
			}
			break
		}

		select {
		case <-ctx.Done():
			findings.AddMiss(models.Miss{Field: spec.Name, Reason: "processing_timeout"})
			continue
		default:
		}

		t.processField(doc, spec, idx, findings)
	}

	if contract.Governance.AllowNewFields && (budget <= 0 || time.Since(start) < cutoff) {
		findings.Candidates = t.Discover(doc, idx)
	}

	return findings
}

// processField прогоняет одно поле: детектор -> экстрактор -> валидаторы.
// Локальные сбои поля фиксируются как miss, не роняя фазу.
func (t *Tracker) processField(
	doc *goquery.Document,
	spec models.FieldSpec,
	idx *anchor.Index,
	findings *models.Findings,
) {
	defer func() {
		if r := recover(); r != nil {
			findings.AddMiss(models.Miss{
				Field:  spec.Name,
				Reason: fmt.Sprintf("field_panic: %v", r),
			})
		}
	}()

	lim := t.limiter.GetLimits()

	var detector Detector
	if len(spec.AnchorHints) > 0 {
		detector = NewHintDetector(t.hintSelectors(spec.AnchorHints, idx))
	} else {
		detector = DetectorFor(spec)
	}

	extractor := ExtractorFor(spec.Type)
	validators := ValidatorsFor(spec.Type)

	candidates := detector.Detect(doc)

	var selectorsTried []string
	lastReason := "no_candidates_found"
	accepted := 0

	for _, cand := range candidates {
		if accepted >= lim.MaxCandidatesPerField {
			break
		}

		if !containsStr(selectorsTried, cand.Selector) {
			selectorsTried = append(selectorsTried, cand.Selector)
		}

		value, extractConf, meta := extractor.Extract(cand.Selection)
		if value == "" {
			lastReason = "empty_extraction"
			continue
		}

		validatorConf, reason := runValidators(validators, value)
		if reason != "" {
			lastReason = "validation_failed: " + reason
			continue
		}

		combined := detectorWeight*cand.Confidence + extractorWeight*extractConf + validatorWeight*validatorConf
		if combined < lim.ConfidenceThreshold {
			lastReason = "below_confidence_threshold"
			continue
		}

		// Evidence-first: значение без анкера не существует
		a, ok := idx.ByElement(cand.Selection)
		if !ok {
			lastReason = "no_anchor_for_element"
			continue
		}

		findings.AddHit(models.Hit{
			Field:      spec.Name,
			Value:      value,
			AnchorID:   a.ID,
			Confidence: combined,
			Validated:  true,
			Meta:       meta,
		})
		accepted++
	}

	if accepted == 0 {
		findings.AddMiss(models.Miss{
			Field:          spec.Name,
			Reason:         lastReason,
			SelectorsTried: selectorsTried,
		})
	}
}

// hintSelectors достаёт селекторы процитированных анкеров discovery-поля
func (t *Tracker) hintSelectors(hints []string, idx *anchor.Index) []string {
	var out []string
	for _, id := range hints {
		if a, ok := idx.ByID(id); ok {
			out = append(out, a.PrimarySelector)
		}
	}
	return out
}

// runValidators прогоняет цепочку; первый отказ убивает кандидата
func runValidators(validators []Validator, value string) (meanConfidence float64, failReason string) {
	if len(validators) == 0 {
		return 0.9, ""
	}

	total := 0.0
	for _, v := range validators {
		ok, conf, reason := v.Validate(value)
		if !ok {
			return 0, v.Name() + ":" + reason
		}
		total += conf
	}
	return total / float64(len(validators)), ""
}

func containsStr(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
