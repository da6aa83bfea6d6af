package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/BetterCallFirewall/Extracton/internal/anchor"
	"github.com/BetterCallFirewall/Extracton/internal/models"
	"github.com/BetterCallFirewall/Extracton/internal/utils"
)

// Пакет-уровневые паттерны для оптимизации hot path
// Компилируются один раз при запуске программы
var (
	emailSweepPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneSweepPattern    = regexp.MustCompile(`\+?[0-9][0-9\s\-().]{6,18}[0-9]`)
	currencySweepPattern = regexp.MustCompile(`[$€£₽]\s?\d[\d,.]*|\d[\d,.]*\s?(USD|EUR|RUB|руб)`)
	percentSweepPattern  = regexp.MustCompile(`\d{1,3}(\.\d+)?\s?%`)
	dateSweepPattern     = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4}`)

	// fieldSlugPattern - недопустимые символы в имени предлагаемого поля
	fieldSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)
)

// semanticSweep - тип + паттерн + бонус уверенности
var semanticSweeps = []struct {
	field     string
	fieldType models.FieldType
	pattern   *regexp.Regexp
	typeBonus float64
}{
	{"email", models.TypeEmail, emailSweepPattern, 0.15},
	{"phone", models.TypePhone, phoneSweepPattern, 0.15},
	{"price", models.TypeString, currencySweepPattern, 0.10},
	{"percentage", models.TypeString, percentSweepPattern, 0.10},
	{"date", models.TypeDate, dateSweepPattern, 0.15},
}

// maxPatternConfidence - потолок уверенности pattern discovery
const maxPatternConfidence = 0.95

// minSampleAnchors - минимум образцов-анкеров на кандидата
const minSampleAnchors = 3

// Discover ищет кандидатов в новые поля пятью стратегиями:
// (a) пары label/value (dt/dd, strong/label),
// (b) повторяющиеся классовые паттерны со сходной длиной контента,
// (c) семантический regex-проход (email/phone/currency/percent/date),
// (d) колонки таблиц по заголовкам, (e) microdata itemprop.
// Вызывается только когда контракт разрешает новые поля.
func (t *Tracker) Discover(doc *goquery.Document, idx *anchor.Index) []models.PatternCandidate {
	if doc == nil || idx == nil {
		return nil
	}

	lim := t.limiter.GetLimits()
	var out []models.PatternCandidate

	out = append(out, t.discoverLabelValue(doc, idx, lim.MinPatternInstances)...)
	out = append(out, t.discoverRepeatedClasses(idx, lim.MinPatternInstances)...)
	out = append(out, t.discoverSemantic(idx, lim.MinPatternInstances)...)
	out = append(out, t.discoverTableColumns(doc, idx, lim.MinPatternInstances)...)
	out = append(out, t.discoverItemprops(idx, lim.MinPatternInstances)...)

	return out
}

// discoverItemprops - стратегия (e): microdata разметка. Авторы страницы
// сами именуют поля через itemprop - это самый надёжный из паттернов.
func (t *Tracker) discoverItemprops(idx *anchor.Index, minInstances int) []models.PatternCandidate {
	groups := make(map[string]*labelGroup)

	idx.Each(func(a *anchor.Anchor) bool {
		el := a.Element()
		if el == nil || a.TextPreview == "" {
			return true
		}

		prop := el.AttrOr("itemprop", "")
		if prop == "" {
			return true
		}

		slug := fieldSlug(prop)
		if slug == "" {
			return true
		}

		g := groups[slug]
		if g == nil {
			g = &labelGroup{}
			groups[slug] = g
		}
		g.anchors = append(g.anchors, a.ID)
		g.lengths = append(g.lengths, len(a.TextPreview))
		return true
	})

	var out []models.PatternCandidate
	for slug, g := range groups {
		if len(g.anchors) < minInstances || len(g.anchors) < minSampleAnchors {
			continue
		}

		out = append(out, models.PatternCandidate{
			Pattern:        "itemprop:" + slug,
			Instances:      len(g.anchors),
			SampleAnchors:  sampleAnchors(g.anchors),
			SuggestedField: slug,
			SuggestedType:  models.TypeString,
			Confidence:     patternConfidence(0.15, len(g.anchors), lengthConsistency(g.lengths)),
		})
	}
	return out
}

// labelGroup аккумулирует значения одного лейбла
type labelGroup struct {
	anchors []string
	lengths []int
}

// discoverLabelValue - стратегия (a): dt/dd и strong/label пары
func (t *Tracker) discoverLabelValue(doc *goquery.Document, idx *anchor.Index, minInstances int) []models.PatternCandidate {
	groups := make(map[string]*labelGroup)
	lim := t.limiter.GetLimits()
	visited := 0

	appendPair := func(label string, value *goquery.Selection) {
		slug := fieldSlug(label)
		if slug == "" {
			return
		}

		a, ok := idx.ByElement(value)
		if !ok {
			return
		}

		g := groups[slug]
		if g == nil {
			g = &labelGroup{}
			groups[slug] = g
		}
		g.anchors = append(g.anchors, a.ID)
		g.lengths = append(g.lengths, len(utils.CollapseWhitespace(value.Text())))
	}

	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		if visited++; visited > lim.DOMTraversalLimit {
			return
		}
		dd := dt.Next()
		if goquery.NodeName(dd) == "dd" {
			appendPair(dt.Text(), dd)
		}
	})

	doc.Find("strong, b, label, .label").Each(func(_ int, labelSel *goquery.Selection) {
		if visited++; visited > lim.DOMTraversalLimit {
			return
		}

		label := utils.CollapseWhitespace(labelSel.Text())
		if label == "" || len(label) > 40 || !strings.HasSuffix(label, ":") {
			return
		}

		value := labelSel.Next()
		if value.Length() == 0 {
			return
		}
		appendPair(strings.TrimSuffix(label, ":"), value)
	})

	var out []models.PatternCandidate
	for slug, g := range groups {
		if len(g.anchors) < minInstances || len(g.anchors) < minSampleAnchors {
			continue
		}

		out = append(out, models.PatternCandidate{
			Pattern:        "label-value:" + slug,
			Instances:      len(g.anchors),
			SampleAnchors:  sampleAnchors(g.anchors),
			SuggestedField: slug,
			SuggestedType:  models.TypeString,
			Confidence:     patternConfidence(0.10, len(g.anchors), lengthConsistency(g.lengths)),
		})
	}
	return out
}

// discoverRepeatedClasses - стратегия (b): анкеры с одинаковым классовым
// селектором и сходной длиной текста
func (t *Tracker) discoverRepeatedClasses(idx *anchor.Index, minInstances int) []models.PatternCandidate {
	groups := make(map[string]*labelGroup)

	idx.Each(func(a *anchor.Anchor) bool {
		sel := a.PrimarySelector
		// Интересны только классовые селекторы (повторяющиеся блоки)
		if !strings.Contains(sel, ".") || strings.HasPrefix(sel, "#") || strings.Contains(sel, "nth-of-type") {
			return true
		}
		if a.TextPreview == "" {
			return true
		}
		// Контейнеры с вложенными элементами - не значения, а границы сущностей
		if a.Element() != nil && a.Element().Children().Length() > 0 {
			return true
		}

		g := groups[sel]
		if g == nil {
			g = &labelGroup{}
			groups[sel] = g
		}
		g.anchors = append(g.anchors, a.ID)
		g.lengths = append(g.lengths, len(a.TextPreview))
		return true
	})

	var out []models.PatternCandidate
	for sel, g := range groups {
		if len(g.anchors) < minInstances || len(g.anchors) < minSampleAnchors {
			continue
		}

		consistency := lengthConsistency(g.lengths)
		if consistency <= 0.5 {
			continue
		}

		slug := fieldSlug(classPart(sel))
		if slug == "" {
			continue
		}

		out = append(out, models.PatternCandidate{
			Pattern:        "repeated-class:" + sel,
			Instances:      len(g.anchors),
			SampleAnchors:  sampleAnchors(g.anchors),
			SuggestedField: slug,
			SuggestedType:  models.TypeString,
			Confidence:     patternConfidence(0.05, len(g.anchors), consistency),
		})
	}
	return out
}

// discoverSemantic - стратегия (c): семантический проход regex'ами по тексту анкеров
func (t *Tracker) discoverSemantic(idx *anchor.Index, minInstances int) []models.PatternCandidate {
	type hitGroup struct {
		anchors map[string]bool
		lengths []int
	}

	groups := make(map[string]*hitGroup)

	idx.Each(func(a *anchor.Anchor) bool {
		if a.TextPreview == "" {
			return true
		}
		for _, sweep := range semanticSweeps {
			if match := sweep.pattern.FindString(a.TextPreview); match != "" {
				g := groups[sweep.field]
				if g == nil {
					g = &hitGroup{anchors: make(map[string]bool)}
					groups[sweep.field] = g
				}
				g.anchors[a.ID] = true
				g.lengths = append(g.lengths, len(match))
			}
		}
		return true
	})

	var out []models.PatternCandidate
	for _, sweep := range semanticSweeps {
		g, ok := groups[sweep.field]
		if !ok || len(g.anchors) < minInstances || len(g.anchors) < minSampleAnchors {
			continue
		}

		anchors := make([]string, 0, len(g.anchors))
		for id := range g.anchors {
			anchors = append(anchors, id)
		}

		out = append(out, models.PatternCandidate{
			Pattern:        "semantic:" + sweep.field,
			Instances:      len(g.anchors),
			SampleAnchors:  sampleAnchors(anchors),
			SuggestedField: sweep.field,
			SuggestedType:  sweep.fieldType,
			Confidence:     patternConfidence(sweep.typeBonus, len(g.anchors), lengthConsistency(g.lengths)),
		})
	}
	return out
}

// patternConfidence: база 0.5 + бонус типа + бонус количества + бонус
// консистентности, с потолком 0.95
func patternConfidence(typeBonus float64, instances int, consistency float64) float64 {
	confidence := 0.5 + typeBonus

	instanceBonus := float64(instances) * 0.02
	if instanceBonus > 0.2 {
		instanceBonus = 0.2
	}
	confidence += instanceBonus

	if consistency > 0.7 {
		confidence += 0.1
	}

	if confidence > maxPatternConfidence {
		confidence = maxPatternConfidence
	}
	return confidence
}

// lengthConsistency - сходство длин контента в группе: minLen/maxLen
func lengthConsistency(lengths []int) float64 {
	if len(lengths) == 0 {
		return 0
	}

	minLen, maxLen := lengths[0], lengths[0]
	for _, n := range lengths[1:] {
		if n < minLen {
			minLen = n
		}
		if n > maxLen {
			maxLen = n
		}
	}

	if maxLen == 0 {
		return 0
	}
	return float64(minLen) / float64(maxLen)
}

// sampleAnchors возвращает до 5 образцов (минимум гарантируют вызывающие)
func sampleAnchors(anchors []string) []string {
	if len(anchors) <= 5 {
		return anchors
	}
	return anchors[:5]
}

// fieldSlug приводит лейбл к имени поля: "Research Area" -> "research_area"
func fieldSlug(label string) string {
	slug := strings.ToLower(utils.CollapseWhitespace(label))
	slug = fieldSlugPattern.ReplaceAllString(slug, "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}

// classPart достаёт первый класс из селектора "div.research-area" -> "research-area"
func classPart(selector string) string {
	i := strings.Index(selector, ".")
	if i < 0 {
		return selector
	}
	rest := selector[i+1:]
	if j := strings.Index(rest, "."); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
