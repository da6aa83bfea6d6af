package negotiate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// Discovery promotion: new-field предложения обоих треков сводятся,
// дедуплицируются и продвигаются в схему под governance контрактa.
// Политика strict ужесточает порог и режет слоты - новые поля при
// строгой политике должны быть бесспорными.

// promoteDiscoveries продвигает предложения в схему.
// Источники: Track B proposals и Track A pattern candidates; дедупликация
// по имени с предпочтением большей поддержки.
func (n *Negotiator) promoteDiscoveries(st *negotiationState) {
	governance := st.contract.Governance
	if !governance.AllowNewFields {
		return
	}

	proposals := mergeProposals(st.augmentation.NewFields, st.findings.Candidates)
	if len(proposals) == 0 {
		return
	}

	threshold := governance.MinSupportThreshold
	slots := governance.MaxDiscoverable

	if governance.Policy == models.PolicyStrict {
		threshold *= n.opts.StrictThresholdFactor
		slots = slots / 2
		if slots < 1 {
			slots = 1
		}
		st.result.Changes.Notes = append(st.result.Changes.Notes,
			fmt.Sprintf("strict_policy: promotion threshold raised to %d, slots capped at %d", threshold, slots))
	}

	sort.SliceStable(proposals, func(i, j int) bool {
		if proposals[i].Support != proposals[j].Support {
			return proposals[i].Support > proposals[j].Support
		}
		return proposals[i].Confidence > proposals[j].Confidence
	})

	for _, p := range proposals {
		if slots <= 0 {
			break
		}

		distinctAnchors := distinct(p.DOMAnchors)
		if p.Support < threshold || len(distinctAnchors) < threshold {
			continue
		}
		if hasField(st.finalFields, p.Name) {
			continue
		}
		if n.opts.MinPromotionConfidence > 0 && p.Confidence < n.opts.MinPromotionConfidence {
			st.result.Changes.Notes = append(st.result.Changes.Notes,
				fmt.Sprintf("promotion_skipped: %s confidence %.2f below %.2f", p.Name, p.Confidence, n.opts.MinPromotionConfidence))
			continue
		}

		st.finalFields = append(st.finalFields, models.FieldSpec{
			Name:        p.Name,
			Kind:        models.FieldOptional,
			Type:        p.Type,
			Detector:    models.DetectorGeneric,
			MinSupport:  threshold,
			AnchorHints: distinctAnchors,
		})
		st.evidence.observeDiscovery(p.Name, p)
		st.result.Changes.Added = append(st.result.Changes.Added, models.AddedField{
			Field:   p.Name,
			Support: p.Support,
			Source:  models.SourceDiscovery,
		})
		slots--
	}
}

// mergeProposals объединяет Track B предложения с Track A кандидатами.
// Коллизия имён решается большей поддержкой; при равенстве предпочтение
// Track A - его кандидаты уже заякорены детерминированно.
func mergeProposals(fromModel []models.NewFieldProposal, candidates []models.PatternCandidate) []models.NewFieldProposal {
	byName := make(map[string]models.NewFieldProposal)
	var order []string

	keyOf := func(name string) string { return strings.ToLower(name) }

	for _, c := range candidates {
		key := keyOf(c.SuggestedField)
		converted := models.NewFieldProposal{
			Name:       c.SuggestedField,
			Type:       c.SuggestedType,
			Support:    c.Instances,
			DOMAnchors: c.SampleAnchors,
			Confidence: c.Confidence,
			Reasoning:  "pattern: " + c.Pattern,
		}

		if existing, ok := byName[key]; ok {
			if converted.Support > existing.Support {
				byName[key] = converted
			}
			continue
		}
		byName[key] = converted
		order = append(order, key)
	}

	for _, p := range fromModel {
		key := keyOf(p.Name)
		if existing, ok := byName[key]; ok {
			if p.Support > existing.Support {
				byName[key] = p
			}
			continue
		}
		byName[key] = p
		order = append(order, key)
	}

	out := make([]models.NewFieldProposal, 0, len(order))
	for _, key := range order {
		out = append(out, byName[key])
	}
	return out
}

// applyNormalizations переименовывает поля. Коллизии не разрешаются:
// если to уже существует, нормализация отбрасывается с предупреждением.
// Политика strict отбрасывает нормализации целиком.
func (n *Negotiator) applyNormalizations(st *negotiationState) {
	if len(st.augmentation.Normalizations) == 0 {
		return
	}

	if st.contract.Governance.Policy == models.PolicyStrict {
		st.result.Changes.Notes = append(st.result.Changes.Notes,
			fmt.Sprintf("strict_policy: %d normalization(s) dropped", len(st.augmentation.Normalizations)))
		return
	}

	for _, norm := range st.augmentation.Normalizations {
		if norm.From == "" || norm.To == "" || norm.From == norm.To {
			continue
		}

		if hasField(st.finalFields, norm.To) {
			st.result.Changes.Notes = append(st.result.Changes.Notes,
				fmt.Sprintf("normalization_conflict: %s->%s dropped, target exists", norm.From, norm.To))
			continue
		}

		for i := range st.finalFields {
			if st.finalFields[i].Name != norm.From {
				continue
			}

			st.finalFields[i].Name = norm.To
			st.evidence.rename(norm.From, norm.To)
			st.result.Changes.Renamed = append(st.result.Changes.Renamed, models.RenamedField{From: norm.From, To: norm.To})
			fixupChanges(&st.result.Changes, norm.From, norm.To)
			break
		}
	}
}

// fixupChanges обновляет бухгалтерию изменений после переименования
func fixupChanges(changes *models.SchemaChanges, from, to string) {
	for i := range changes.Added {
		if changes.Added[i].Field == from {
			changes.Added[i].Field = to
		}
	}
	for i := range changes.Demoted {
		if changes.Demoted[i].Field == from {
			changes.Demoted[i].Field = to
		}
	}
	for i := range changes.Pruned {
		if changes.Pruned[i].Field == from {
			changes.Pruned[i].Field = to
		}
	}
}

func hasField(fields []models.FieldSpec, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func distinct(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}
