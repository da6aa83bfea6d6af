package driven

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/BetterCallFirewall/Extracton/internal/anchor"
	"github.com/BetterCallFirewall/Extracton/internal/extract"
	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// assembleRecords собирает строго типизированный набор записей по финальной
// схеме. Повторяющиеся сущности группируются по контейнеру primary-поля:
// одна сущность - одна запись. Ключи записи - строго имена финальных полей.
func assembleRecords(
	idx *anchor.Index,
	negotiation *models.NegotiationResult,
	findings *models.Findings,
	augmentation *models.AugmentationResult,
	mode models.ContractMode,
) []models.Record {
	if len(negotiation.FinalFields) == 0 {
		return []models.Record{}
	}

	sourceName := sourceNames(negotiation)
	fieldHits := collectFieldHits(idx, negotiation, findings, augmentation, sourceName)

	primary := primaryField(negotiation.FinalFields)
	primaryHits := fieldHits[primary.Name]

	if len(primaryHits) == 0 {
		return []models.Record{}
	}

	if len(primaryHits) == 1 {
		record, ok := buildRecord(negotiation.FinalFields, fieldHits, nil, idx, mode)
		if !ok {
			return []models.Record{}
		}
		return []models.Record{record}
	}

	// Мульти-сущностная страница: контейнер на каждый primary hit
	primaryNodes := anchorNodes(idx, primaryHits)

	var records []models.Record
	for _, hit := range primaryHits {
		node := nodeOf(idx, hit.AnchorID)
		if node == nil {
			continue
		}

		container := containerFor(node, primaryNodes)
		record, ok := buildRecord(negotiation.FinalFields, fieldHits, container, idx, mode)
		if !ok {
			continue
		}
		records = append(records, record)
	}

	if records == nil {
		records = []models.Record{}
	}
	return records
}

// sourceNames строит отображение финального имени поля в исходное
// (до нормализаций)
func sourceNames(negotiation *models.NegotiationResult) map[string]string {
	out := make(map[string]string)
	for _, f := range negotiation.FinalFields {
		out[f.Name] = f.Name
	}
	for _, r := range negotiation.Changes.Renamed {
		out[r.To] = r.From
	}
	return out
}

// collectFieldHits собирает hits по каждому финальному полю:
// находки Track A, completions Track B и ре-экстракция hint-анкеров
// discovery-полей
func collectFieldHits(
	idx *anchor.Index,
	negotiation *models.NegotiationResult,
	findings *models.Findings,
	augmentation *models.AugmentationResult,
	sourceName map[string]string,
) map[string][]models.Hit {
	out := make(map[string][]models.Hit)

	for _, spec := range negotiation.FinalFields {
		source := sourceName[spec.Name]
		hits := findings.HitsFor(source)

		// Completion добавляется как дополнительный hit со своим anchor'ом
		if augmentation != nil {
			if c, ok := augmentation.CompletionFor(source); ok {
				hits = append(hits, models.Hit{
					Field:      spec.Name,
					Value:      c.Value,
					AnchorID:   c.Evidence.AnchorID,
					Confidence: c.Confidence,
					Validated:  true,
				})
			}
		}

		// Discovery-поле без находок: ре-экстракция по hint-анкерам
		if len(hits) == 0 && len(spec.AnchorHints) > 0 {
			hits = reextractHints(idx, spec)
		}

		out[spec.Name] = hits
	}

	return out
}

// reextractHints извлекает значения discovery-поля по его hint-анкерам
func reextractHints(idx *anchor.Index, spec models.FieldSpec) []models.Hit {
	extractor := extract.ExtractorFor(spec.Type)

	var hits []models.Hit
	for _, id := range spec.AnchorHints {
		a, ok := idx.ByID(id)
		if !ok {
			continue
		}

		value, confidence, meta := extractor.Extract(a.Element())
		if value == "" {
			continue
		}

		hits = append(hits, models.Hit{
			Field:      spec.Name,
			Value:      value,
			AnchorID:   id,
			Confidence: confidence,
			Validated:  true,
			Meta:       meta,
		})
	}
	return hits
}

// primaryField - поле, определяющее границы сущностей: первое required,
// иначе первое поле схемы
func primaryField(fields []models.FieldSpec) models.FieldSpec {
	for _, f := range fields {
		if f.Kind == models.FieldRequired {
			return f
		}
	}
	return fields[0]
}

// buildRecord заполняет одну запись. container = nil означает всю страницу.
// Strict: отсутствие required значения отбрасывает запись целиком.
// Soft: отсутствующее поле просто не попадает в запись.
func buildRecord(
	fields []models.FieldSpec,
	fieldHits map[string][]models.Hit,
	container *html.Node,
	idx *anchor.Index,
	mode models.ContractMode,
) (models.Record, bool) {
	record := models.Record{}

	for _, spec := range fields {
		hit, found := bestHitIn(fieldHits[spec.Name], container, idx)
		if !found {
			if spec.Kind == models.FieldRequired && mode == models.ModeStrict {
				return nil, false
			}
			continue
		}

		record[spec.Name] = coerceValue(hit.Value, spec.Type)
	}

	if len(record) == 0 {
		return nil, false
	}

	// Запись без primary значения бесполезна в любом режиме
	primary := primaryField(fields)
	if _, ok := record[primary.Name]; !ok {
		return nil, false
	}

	return record, true
}

// bestHitIn выбирает hit с наибольшей уверенностью внутри контейнера
func bestHitIn(hits []models.Hit, container *html.Node, idx *anchor.Index) (models.Hit, bool) {
	var best models.Hit
	found := false

	for _, hit := range hits {
		if container != nil {
			node := nodeOf(idx, hit.AnchorID)
			if node == nil || !isWithin(node, container) {
				continue
			}
		}
		if !found || hit.Confidence > best.Confidence {
			best = hit
			found = true
		}
	}

	return best, found
}

// anchorNodes - DOM узлы анкеров списка hits
func anchorNodes(idx *anchor.Index, hits []models.Hit) []*html.Node {
	var out []*html.Node
	for _, hit := range hits {
		if node := nodeOf(idx, hit.AnchorID); node != nil {
			out = append(out, node)
		}
	}
	return out
}

// nodeOf - DOM узел анкера по ID
func nodeOf(idx *anchor.Index, anchorID string) *html.Node {
	a, ok := idx.ByID(anchorID)
	if !ok {
		return nil
	}
	sel := a.Element()
	if sel == nil || len(sel.Nodes) == 0 {
		return nil
	}
	return sel.Nodes[0]
}

// containerFor поднимается от узла вверх, пока предок содержит ровно один
// primary узел. Последний такой предок - контейнер сущности.
func containerFor(node *html.Node, primaryNodes []*html.Node) *html.Node {
	cur := node
	for parent := cur.Parent; parent != nil; parent = parent.Parent {
		if countWithin(parent, primaryNodes) > 1 {
			break
		}
		cur = parent
	}
	return cur
}

// countWithin - сколько узлов списка лежит внутри контейнера
func countWithin(container *html.Node, nodes []*html.Node) int {
	count := 0
	for _, n := range nodes {
		if isWithin(n, container) {
			count++
		}
	}
	return count
}

// isWithin проверяет, что node лежит в поддереве container (включительно)
func isWithin(node, container *html.Node) bool {
	for cur := node; cur != nil; cur = cur.Parent {
		if cur == container {
			return true
		}
	}
	return false
}

// coerceValue приводит строковое значение к типу поля
func coerceValue(value string, fieldType models.FieldType) any {
	switch fieldType {
	case models.TypeNumber:
		cleaned := strings.NewReplacer(",", "", " ", "").Replace(strings.TrimSpace(value))
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return f
		}
		return value
	case models.TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "yes", "да":
			return true
		case "false", "no", "нет":
			return false
		}
		return value
	default:
		return value
	}
}
