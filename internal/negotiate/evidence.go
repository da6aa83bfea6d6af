package negotiate

import (
	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// Сводка доказательной базы: negotiator выдаёт не только схему, но и
// по-полевую картину того, на чём она держится. Downstream потребители
// решают по ней, чему верить.

// Веса полей в итоговой оценке надёжности
var kindWeights = map[models.FieldKind]float64{
	models.FieldRequired:     3.0,
	models.FieldExpected:     2.0,
	models.FieldOptional:     1.0,
	models.FieldDiscoverable: 0.5,
}

// reliabilitySupportCeiling - поддержка, при которой per-field надёжность
// достигает единицы
const reliabilitySupportCeiling = 10.0

// requiredSupportBonus - бонус required полю с ненулевой поддержкой
const requiredSupportBonus = 0.2

// evidenceCollector накапливает по-полевую доказательную базу по ходу
// переговоров
type evidenceCollector struct {
	fields map[string]*models.FieldEvidence
}

func newEvidenceCollector() *evidenceCollector {
	return &evidenceCollector{fields: make(map[string]*models.FieldEvidence)}
}

// observe фиксирует доказательства поля из обоих треков
func (c *evidenceCollector) observe(
	name string,
	kind models.FieldKind,
	findings *models.Findings,
	augmentation *models.AugmentationResult,
) {
	detail := &models.FieldEvidence{Kind: kind}

	anchors := make(map[string]bool)
	for _, hit := range findings.HitsFor(name) {
		detail.Support++
		detail.FromTrackA = true
		anchors[hit.AnchorID] = true
		if hit.Confidence > detail.BestConfidence {
			detail.BestConfidence = hit.Confidence
		}
	}

	if completion, ok := augmentation.CompletionFor(name); ok {
		detail.FromTrackB = true
		anchors[completion.Evidence.AnchorID] = true
		if detail.Support == 0 {
			detail.Support = 1
		}
		if completion.Confidence > detail.BestConfidence {
			detail.BestConfidence = completion.Confidence
		}
	}

	detail.DistinctAnchors = len(anchors)
	c.fields[name] = detail
}

// observeDiscovery фиксирует доказательства продвинутого discovery-поля
func (c *evidenceCollector) observeDiscovery(name string, proposal models.NewFieldProposal) {
	anchors := make(map[string]bool)
	for _, id := range proposal.DOMAnchors {
		anchors[id] = true
	}

	c.fields[name] = &models.FieldEvidence{
		Kind:            models.FieldOptional,
		Support:         proposal.Support,
		DistinctAnchors: len(anchors),
		BestConfidence:  proposal.Confidence,
		FromTrackB:      proposal.Reasoning != "" && !isPatternReasoning(proposal.Reasoning),
		FromTrackA:      isPatternReasoning(proposal.Reasoning),
	}
}

// rename переносит доказательства при нормализации имени
func (c *evidenceCollector) rename(from, to string) {
	if detail, ok := c.fields[from]; ok {
		c.fields[to] = detail
		delete(c.fields, from)
	}
}

// setKind обновляет вид поля после demotion/reinstatement
func (c *evidenceCollector) setKind(name string, kind models.FieldKind) {
	if detail, ok := c.fields[name]; ok {
		detail.Kind = kind
	}
}

// summarize считает сводку по финальному списку полей:
// суммарная поддержка, покрытие, per-field и per-kind надёжность,
// взвешенное среднее как итог
func (c *evidenceCollector) summarize(fields []models.FieldSpec) models.EvidenceSummary {
	summary := models.EvidenceSummary{
		Coverage: make(map[string]int, len(fields)),
		PerKind:  make(map[models.FieldKind]float64),
		Details:  make(map[string]models.FieldEvidence, len(fields)),
	}

	totalWeight := 0.0
	weightedSum := 0.0
	kindWeightTotals := make(map[models.FieldKind]float64)
	kindWeightedSums := make(map[models.FieldKind]float64)

	for _, spec := range fields {
		detail := c.fields[spec.Name]
		if detail == nil {
			detail = &models.FieldEvidence{Kind: spec.Kind}
		}
		detail.Kind = spec.Kind

		fieldReliability := fieldReliability(spec.Kind, detail.Support)
		detail.Reliability = fieldReliability

		summary.Coverage[spec.Name] = detail.Support
		summary.TotalSupport += detail.Support
		summary.Details[spec.Name] = *detail

		weight := kindWeights[spec.Kind]
		if weight == 0 {
			weight = 1.0
		}

		weightedSum += weight * fieldReliability
		totalWeight += weight
		kindWeightedSums[spec.Kind] += weight * fieldReliability
		kindWeightTotals[spec.Kind] += weight
	}

	if totalWeight > 0 {
		summary.Reliability = weightedSum / totalWeight
	}
	for kind, total := range kindWeightTotals {
		if total > 0 {
			summary.PerKind[kind] = kindWeightedSums[kind] / total
		}
	}

	if len(summary.PerKind) == 0 {
		summary.PerKind = nil
	}
	if len(summary.Details) == 0 {
		summary.Details = nil
	}
	return summary
}

// fieldReliability - per-field надёжность: min(support/ceiling, 1)
// плюс бонус required полю с поддержкой, потолок 1.0
func fieldReliability(kind models.FieldKind, support int) float64 {
	reliability := float64(support) / reliabilitySupportCeiling
	if reliability > 1.0 {
		reliability = 1.0
	}
	if kind == models.FieldRequired && support > 0 {
		reliability += requiredSupportBonus
	}
	if reliability > 1.0 {
		reliability = 1.0
	}
	return reliability
}

// isPatternReasoning отличает Track A кандидата от предложения модели
func isPatternReasoning(reasoning string) bool {
	return len(reasoning) > 8 && reasoning[:8] == "pattern:"
}
