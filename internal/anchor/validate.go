package anchor

import "fmt"

// Самопроверка инвариантов индекса. Дешёвая страховка на границе запроса:
// нарушение любого из них означает, что downstream цитаты анкеров
// не заслуживают доверия, и лучше узнать об этом сразу.

// maxResolveSpotChecks - сколько анкеров перечитывается при проверке
const maxResolveSpotChecks = 10

// Validate проверяет инварианты построенного индекса и возвращает список
// нарушений; пустой список - индекс здоров.
//
// Проверяются: (a) обратное отображение primary селектора на анкер,
// (b) инъективность anchor ID -> узел, (c) границы preview,
// (d) выборочная ре-резолюция. Порядок документа отдельно не проверяется.
func (idx *Index) Validate() []string {
	var violations []string

	violations = append(violations, idx.checkReverseMapping()...)
	violations = append(violations, idx.checkInjectivity()...)
	violations = append(violations, idx.checkPreviewBounds()...)
	violations = append(violations, idx.checkResolveSample()...)

	return violations
}

// checkReverseMapping: каждый анкер достижим по своему primary селектору
func (idx *Index) checkReverseMapping() []string {
	var out []string
	for _, id := range idx.order {
		a := idx.anchors[id]
		found := false
		for _, mapped := range idx.bySelector[a.PrimarySelector] {
			if mapped == id {
				found = true
				break
			}
		}
		if !found {
			out = append(out, fmt.Sprintf("anchor %s not reachable via its primary selector %q", id, a.PrimarySelector))
		}
	}
	return out
}

// checkInjectivity: два анкера не делят один DOM узел
func (idx *Index) checkInjectivity() []string {
	var out []string

	seenIDs := make(map[string]bool, len(idx.order))
	for _, id := range idx.order {
		if seenIDs[id] {
			out = append(out, fmt.Sprintf("duplicate anchor ID %s in document order", id))
		}
		seenIDs[id] = true
	}

	for node, id := range idx.byNode {
		a, ok := idx.anchors[id]
		if !ok {
			out = append(out, fmt.Sprintf("node map cites unknown anchor %s", id))
			continue
		}
		owned := false
		for _, n := range a.Element().Nodes {
			if n == node {
				owned = true
				break
			}
		}
		if !owned {
			out = append(out, fmt.Sprintf("anchor %s does not own its mapped node", id))
		}
	}

	return out
}

// checkPreviewBounds: preview не длиннее лимита и согласован с текст-хешем
func (idx *Index) checkPreviewBounds() []string {
	var out []string
	for _, id := range idx.order {
		a := idx.anchors[id]
		if len(a.TextPreview) > maxPreviewLen {
			out = append(out, fmt.Sprintf("anchor %s preview exceeds %d chars", id, maxPreviewLen))
		}
		if a.TextPreview == "" {
			continue
		}

		found := false
		for _, mapped := range idx.byTextHash[textHash(a.TextPreview)] {
			if mapped == id {
				found = true
				break
			}
		}
		if !found {
			out = append(out, fmt.Sprintf("anchor %s missing from the text-hash map", id))
		}
	}
	return out
}

// checkResolveSample: выборка анкеров обязана перечитываться на том же DOM
func (idx *Index) checkResolveSample() []string {
	var out []string

	checked := 0
	for _, id := range idx.order {
		if checked >= maxResolveSpotChecks {
			break
		}

		a := idx.anchors[id]
		if a.TextPreview == "" {
			continue
		}
		checked++

		resolved := idx.Resolve(id)
		if resolved == nil {
			out = append(out, fmt.Sprintf("anchor %s failed to re-resolve via its selector list", id))
			continue
		}
		if collapsePreview(resolved.Text()) != a.TextPreview {
			out = append(out, fmt.Sprintf("anchor %s re-resolved to different content", id))
		}
	}
	return out
}
