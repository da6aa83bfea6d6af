package anchor

import (
	"fmt"
	"hash/fnv"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/BetterCallFirewall/Extracton/internal/models"
	"github.com/BetterCallFirewall/Extracton/internal/utils"
)

// Теги, не несущие контента - пропускаются при обходе
var skippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"head":     true,
	"meta":     true,
	"link":     true,
	"noscript": true,
	"html":     true,
	"body":     true,
	"title":    true,
	"base":     true,
}

// maxPreviewLen - предел длины text preview анкера
const maxPreviewLen = 200

// Position - позиция элемента в документе
type Position struct {
	SiblingIndex int `json:"sibling_index"`
	Depth        int `json:"depth"`
}

// Anchor - opaque привязка к DOM узлу. Живёт в пределах одного запроса,
// наружу из ядра не выходит, модели селекторы не показываются.
type Anchor struct {
	ID              string
	PrimarySelector string
	Selectors       []string
	Stability       float64
	TextPreview     string
	Position        Position
	ElementType     string
	XPath           string

	stability StabilityBreakdown
	selection *goquery.Selection
}

// Element возвращает ссылку на DOM узел анкера
func (a *Anchor) Element() *goquery.Selection {
	return a.selection
}

// StabilityDetail возвращает разложение оценки устойчивости по признакам
func (a *Anchor) StabilityDetail() StabilityBreakdown {
	return a.stability
}

// Sample возвращает представление анкера для LLM: только ID, preview и тип элемента
func (a *Anchor) Sample(previewLimit int) models.AnchorSample {
	preview := a.TextPreview
	if previewLimit > 0 && len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}
	return models.AnchorSample{
		AnchorID:    a.ID,
		TextPreview: preview,
		ElementType: a.ElementType,
	}
}

// Index - неизменяемая карта anchor ID -> узел плюс три инвертированные карты.
// Порядок итерации - порядок документа. Anchor ID -> элемент инъективно
// в пределах запроса.
type Index struct {
	anchors    map[string]*Anchor
	order      []string
	bySelector map[string][]string
	byTextHash map[uint32][]string
	byXPath    map[string][]string
	byNode     map[*html.Node]string
	doc        *goquery.Document
	url        string
}

// Build строит индекс по распарсенному документу. Ошибок нет:
// пустой или малоформенный документ даёт пустой индекс.
func Build(doc *goquery.Document, url string) *Index {
	idx := &Index{
		anchors:    make(map[string]*Anchor),
		bySelector: make(map[string][]string),
		byTextHash: make(map[uint32][]string),
		byXPath:    make(map[string][]string),
		byNode:     make(map[*html.Node]string),
		doc:        doc,
		url:        url,
	}

	if doc == nil {
		return idx
	}

	position := 0
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		if skippedTags[tag] {
			return
		}

		text := utils.CollapseWhitespace(s.Text())
		if !isContentBearing(tag, text, s) {
			return
		}

		a := buildAnchor(doc, s, tag, text, position)
		idx.insert(a)
		position++
	})

	return idx
}

// insert добавляет анкер, разрешая коллизии ID позиционным суффиксом
func (idx *Index) insert(a *Anchor) {
	if _, exists := idx.anchors[a.ID]; exists {
		a.ID = fmt.Sprintf("%s_%d", a.ID, len(idx.order))
	}

	idx.anchors[a.ID] = a
	idx.order = append(idx.order, a.ID)

	idx.bySelector[a.PrimarySelector] = append(idx.bySelector[a.PrimarySelector], a.ID)
	if a.TextPreview != "" {
		h := textHash(a.TextPreview)
		idx.byTextHash[h] = append(idx.byTextHash[h], a.ID)
	}
	idx.byXPath[a.XPath] = append(idx.byXPath[a.XPath], a.ID)
	for _, node := range a.selection.Nodes {
		idx.byNode[node] = a.ID
	}
}

// ByID возвращает анкер по opaque ID
func (idx *Index) ByID(id string) (*Anchor, bool) {
	a, ok := idx.anchors[id]
	return a, ok
}

// Contains проверяет наличие anchor ID в индексе
func (idx *Index) Contains(id string) bool {
	_, ok := idx.anchors[id]
	return ok
}

// ByElement возвращает анкер для DOM узла выборки (по идентичности узла)
func (idx *Index) ByElement(s *goquery.Selection) (*Anchor, bool) {
	for _, node := range s.Nodes {
		if id, ok := idx.byNode[node]; ok {
			return idx.anchors[id], true
		}
	}
	return nil, false
}

// BySelector возвращает anchor ID для primary селектора
func (idx *Index) BySelector(selector string) []string {
	return idx.bySelector[selector]
}

// ByText возвращает anchor ID по точному (нормализованному) тексту
func (idx *Index) ByText(text string) []string {
	normalized := utils.CollapseWhitespace(text)
	if normalized == "" {
		return nil
	}
	return idx.byTextHash[textHash(normalized)]
}

// ByXPath возвращает anchor ID по позиционному xpath
func (idx *Index) ByXPath(xpath string) []string {
	return idx.byXPath[xpath]
}

// Len возвращает количество анкеров
func (idx *Index) Len() int {
	return len(idx.anchors)
}

// URL возвращает URL документа, по которому строился индекс
func (idx *Index) URL() string {
	return idx.url
}

// Each обходит анкеры в порядке документа
func (idx *Index) Each(fn func(*Anchor) bool) {
	for _, id := range idx.order {
		if !fn(idx.anchors[id]) {
			return
		}
	}
}

// IndexStats - сводка по индексу для диагностики и телеметрии
type IndexStats struct {
	Anchors       int            `json:"anchors"`
	WithID        int            `json:"with_id"`
	WithClasses   int            `json:"with_classes"`
	WithText      int            `json:"with_text"`
	MeanStability float64        `json:"mean_stability"`
	ByElementType map[string]int `json:"by_element_type"`
}

// Stats собирает сводку по индексу
func (idx *Index) Stats() IndexStats {
	stats := IndexStats{ByElementType: make(map[string]int)}

	total := 0.0
	for _, id := range idx.order {
		a := idx.anchors[id]
		stats.Anchors++
		stats.ByElementType[a.ElementType]++
		total += a.Stability

		detail := a.StabilityDetail()
		if detail.HasID {
			stats.WithID++
		}
		if detail.StableClasses > 0 {
			stats.WithClasses++
		}
		if detail.HasText {
			stats.WithText++
		}
	}

	if stats.Anchors > 0 {
		stats.MeanStability = total / float64(stats.Anchors)
	}
	return stats
}

// ═══════════════════════════════════════════════════════════════════════════════
// Выборка анкеров для LLM
// ═══════════════════════════════════════════════════════════════════════════════

// Sample возвращает до n анкеров для модели. Выборка двухслойная:
// сначала по одному представителю на тип элемента (разнообразие структуры),
// затем равномерный шаг по анкерам, отсортированным по длине текста
// (покрытие и заголовков, и длинных блоков).
func (idx *Index) Sample(n, previewLimit int) []models.AnchorSample {
	if n <= 0 || len(idx.order) == 0 {
		return nil
	}

	ordered := make([]*Anchor, 0, len(idx.order))
	for _, id := range idx.order {
		ordered = append(ordered, idx.anchors[id])
	}

	if n >= len(ordered) {
		samples := make([]models.AnchorSample, 0, len(ordered))
		for _, a := range ordered {
			samples = append(samples, a.Sample(previewLimit))
		}
		return samples
	}

	picked := make([]*Anchor, 0, n)
	taken := make(map[string]bool)

	// Слой 1: разнообразие типов элементов, до половины выборки
	seenTypes := make(map[string]bool)
	for _, a := range ordered {
		if len(picked) >= n/2 {
			break
		}
		if a.TextPreview == "" || seenTypes[a.ElementType] {
			continue
		}
		seenTypes[a.ElementType] = true
		picked = append(picked, a)
		taken[a.ID] = true
	}

	// Слой 2: стратификация по длине текста с равномерным шагом
	remaining := make([]*Anchor, 0, len(ordered))
	for _, a := range ordered {
		if !taken[a.ID] {
			remaining = append(remaining, a)
		}
	}
	sortByPreviewLen(remaining)

	slots := n - len(picked)
	if slots > 0 && len(remaining) > 0 {
		step := float64(len(remaining)) / float64(slots)
		if step < 1 {
			step = 1
		}
		for i := 0; i < slots && int(float64(i)*step) < len(remaining); i++ {
			picked = append(picked, remaining[int(float64(i)*step)])
		}
	}

	samples := make([]models.AnchorSample, 0, len(picked))
	for _, a := range picked {
		samples = append(samples, a.Sample(previewLimit))
	}
	return samples
}

// sortByPreviewLen - стабильная сортировка вставками по длине текста:
// выборки маленькие, стабильность важнее асимптотики
func sortByPreviewLen(anchors []*Anchor) {
	for i := 1; i < len(anchors); i++ {
		for j := i; j > 0 && len(anchors[j].TextPreview) < len(anchors[j-1].TextPreview); j-- {
			anchors[j], anchors[j-1] = anchors[j-1], anchors[j]
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// Построение анкера
// ═══════════════════════════════════════════════════════════════════════════════

// isContentBearing определяет, заслуживает ли элемент анкера
func isContentBearing(tag, text string, s *goquery.Selection) bool {
	if text != "" {
		return true
	}

	// Пустые, но значимые для извлечения элементы
	switch tag {
	case "img":
		return s.AttrOr("src", "") != ""
	case "a":
		return s.AttrOr("href", "") != ""
	case "input":
		return s.AttrOr("value", "") != "" || s.AttrOr("name", "") != ""
	}

	return false
}

// buildAnchor собирает анкер для принятого элемента
func buildAnchor(doc *goquery.Document, s *goquery.Selection, tag, text string, position int) *Anchor {
	preview := text
	if len(preview) > maxPreviewLen {
		preview = preview[:maxPreviewLen]
	}

	selectors := selectorCandidates(doc, s, tag)
	xpath := buildXPath(s)

	a := &Anchor{
		ID:              assignID(s, preview, tag, position),
		PrimarySelector: selectors[0],
		Selectors:       selectors,
		TextPreview:     preview,
		Position:        Position{SiblingIndex: s.Index(), Depth: s.Parents().Length()},
		ElementType:     tag,
		XPath:           xpath,
		selection:       s,
	}

	a.stability = scoreStability(s, text)
	a.Stability = a.stability.Score

	return a
}

// assignID назначает anchor ID по правилу приоритета:
// стабильный атрибут (id|data-testid|name) > текст ⊕ структурная сигнатура > позиция
func assignID(s *goquery.Selection, preview, tag string, position int) string {
	if key := stableAttr(s); key != "" {
		return fmt.Sprintf("n_%d", textHash(key)%100000)
	}

	if preview != "" {
		return fmt.Sprintf("n_%d", textHash(preview+"|"+structuralSignature(s, tag))%100000)
	}

	return fmt.Sprintf("n_p%d", position)
}

// stableAttr возвращает первый из стабильных атрибутов элемента
func stableAttr(s *goquery.Selection) string {
	for _, attr := range []string{"id", "data-testid", "name"} {
		if v := s.AttrOr(attr, ""); v != "" {
			return attr + "=" + v
		}
	}
	return ""
}

// structuralSignature - тег + тег родителя + стабильные классы
func structuralSignature(s *goquery.Selection, tag string) string {
	parent := goquery.NodeName(s.Parent())
	classes := stableClasses(s)
	sig := tag + "<" + parent
	for _, c := range classes {
		sig += "." + c
	}
	return sig
}

// collapsePreview нормализует текст до формы, в которой он хешировался
func collapsePreview(text string) string {
	out := utils.CollapseWhitespace(text)
	if len(out) > maxPreviewLen {
		out = out[:maxPreviewLen]
	}
	return out
}

// textHash - 32-битный FNV-1a хеш нормализованного текста (до 200 символов)
func textHash(text string) uint32 {
	if len(text) > maxPreviewLen {
		text = text[:maxPreviewLen]
	}
	h := fnv.New32a()
	h.Write([]byte(text))
	return h.Sum32()
}
