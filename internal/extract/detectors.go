package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/BetterCallFirewall/Extracton/internal/models"
	"github.com/BetterCallFirewall/Extracton/internal/utils"
)

// Candidate - элемент-кандидат для поля с предварительной уверенностью детектора
type Candidate struct {
	Selection  *goquery.Selection
	Selector   string
	Confidence float64
}

// Detector предлагает кандидатов для именованного поля.
// Детекторы чистые над DOM: не мутируют документ и не держат состояния.
type Detector interface {
	Detect(doc *goquery.Document) []Candidate
}

// Пакет-уровневые паттерны для оптимизации hot path
// Компилируются один раз при запуске программы
var (
	// negativePattern - контейнеры, из которых значения почти всегда мусор
	negativePattern = regexp.MustCompile(`(?i)(nav|menu|breadcrumb|footer|sidebar|cookie|banner)`)

	// titleNamePattern - имена полей, которые ведут себя как заголовок
	titleNamePattern = regexp.MustCompile(`(?i)(title|name|heading|label)`)

	// descriptionNamePattern - имена описательных полей
	descriptionNamePattern = regexp.MustCompile(`(?i)(desc|summary|bio|about|overview|text)`)

	// linkNamePattern - имена ссылочных полей
	linkNamePattern = regexp.MustCompile(`(?i)(url|link|website|site|homepage|href)`)
)

// Бонусы тегов при ранжировании кандидатов
var tagBias = map[string]float64{
	"h1":     0.20,
	"h2":     0.18,
	"h3":     0.15,
	"h4":     0.08,
	"strong": 0.10,
	"b":      0.08,
	"a":      0.10,
	"dd":     0.08,
	"td":     0.05,
}

// DetectorFor строит детектор по имени и типу поля.
// AnchorHints здесь не учитываются: детектор по hint-селекторам
// (NewHintDetector) выбирает Tracker.
func DetectorFor(spec models.FieldSpec) Detector {
	switch {
	case spec.Type == models.TypeEmail:
		return &compositeDetector{parts: []Detector{
			&linkDetector{field: spec.Name, scheme: "mailto:"},
			NewLabelSiblingDetector(spec.Name),
		}}
	case spec.Type == models.TypePhone:
		return &compositeDetector{parts: []Detector{
			&linkDetector{field: spec.Name, scheme: "tel:"},
			NewLabelSiblingDetector(spec.Name),
		}}
	case spec.Type == models.TypeImage:
		return &imageDetector{field: spec.Name}
	case spec.Type == models.TypeURL || linkNamePattern.MatchString(spec.Name):
		return &linkDetector{field: spec.Name}
	case spec.Detector == models.DetectorTitleLike || titleNamePattern.MatchString(spec.Name):
		return &titleDetector{field: spec.Name}
	case spec.Detector == models.DetectorDescriptionLike || descriptionNamePattern.MatchString(spec.Name):
		return &descriptionDetector{field: spec.Name}
	default:
		return &compositeDetector{parts: []Detector{
			&genericDetector{field: spec.Name},
			NewLabelSiblingDetector(spec.Name),
			NewTableColumnDetector(spec.Name),
		}}
	}
}

// compositeDetector объединяет кандидатов нескольких детекторов,
// дедуплицируя по узлу с сохранением лучшей уверенности
type compositeDetector struct {
	parts []Detector
}

func (d *compositeDetector) Detect(doc *goquery.Document) []Candidate {
	best := make(map[*html.Node]Candidate)
	var order []*html.Node

	for _, part := range d.parts {
		for _, cand := range part.Detect(doc) {
			if len(cand.Selection.Nodes) == 0 {
				continue
			}
			node := cand.Selection.Nodes[0]
			if existing, ok := best[node]; ok {
				if cand.Confidence > existing.Confidence {
					best[node] = cand
				}
				continue
			}
			best[node] = cand
			order = append(order, node)
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, node := range order {
		out = append(out, best[node])
	}
	sortCandidates(out)
	return out
}

// imageDetector ищет картинки: по alt/классу с именем поля, затем любые
type imageDetector struct {
	field string
}

func (d *imageDetector) Detect(doc *goquery.Document) []Candidate {
	token := classToken(d.field)
	selectors := []string{
		`img[alt*="` + token + `"]`,
		`figure img`,
		classContains(d.field) + " img",
		"img[src]",
	}
	return collect(doc, selectors, 0, 300, 30)
}

// KindFor возвращает вид детектора, который DetectorFor выберет для поля
func KindFor(name string, fieldType models.FieldType) models.DetectorKind {
	switch {
	case fieldType == models.TypeEmail || fieldType == models.TypePhone ||
		fieldType == models.TypeURL || fieldType == models.TypeImage || linkNamePattern.MatchString(name):
		return models.DetectorLinkLike
	case titleNamePattern.MatchString(name):
		return models.DetectorTitleLike
	case descriptionNamePattern.MatchString(name):
		return models.DetectorDescriptionLike
	default:
		return models.DetectorGeneric
	}
}

// rank считает уверенность кандидата: приоритет селектора + бонус тега +
// окно длины контента + штраф за негативные контейнеры
func rank(s *goquery.Selection, selectorPriority float64, minLen, maxLen int) float64 {
	confidence := selectorPriority

	tag := goquery.NodeName(s)
	confidence += tagBias[tag]

	text := utils.CollapseWhitespace(s.Text())
	if len(text) >= minLen && len(text) <= maxLen {
		confidence += 0.1
	} else if len(text) > maxLen*4 {
		confidence -= 0.2
	}

	if inNegativeContainer(s) {
		confidence -= 0.4
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// inNegativeContainer проверяет, лежит ли элемент в nav/menu/breadcrumb и т.п.
func inNegativeContainer(s *goquery.Selection) bool {
	bad := false
	s.ParentsFiltered("nav, aside, footer").Each(func(_ int, _ *goquery.Selection) {
		bad = true
	})
	if bad {
		return true
	}

	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		tag := goquery.NodeName(cur)
		if tag == "body" || tag == "html" {
			break
		}
		if negativePattern.MatchString(cur.AttrOr("class", "")) || negativePattern.MatchString(cur.AttrOr("id", "")) {
			return true
		}
	}
	return false
}

// collect прогоняет набор селекторов по документу, убывающий приоритет
// по позиции селектора в списке
func collect(doc *goquery.Document, selectors []string, minLen, maxLen, cap int) []Candidate {
	var out []Candidate
	seen := make(map[*html.Node]bool)

	for i, sel := range selectors {
		priority := 0.8 - 0.1*float64(i)
		if priority < 0.3 {
			priority = 0.3
		}

		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if len(out) >= cap || len(s.Nodes) == 0 || seen[s.Nodes[0]] {
				return
			}
			seen[s.Nodes[0]] = true
			out = append(out, Candidate{
				Selection:  s,
				Selector:   sel,
				Confidence: rank(s, priority, minLen, maxLen),
			})
		})

		if len(out) >= cap {
			break
		}
	}

	sortCandidates(out)
	return out
}

// sortCandidates сортирует по убыванию уверенности, стабильно
func sortCandidates(cands []Candidate) {
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].Confidence > cands[j-1].Confidence; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
}

// titleDetector ищет заголовкоподобные элементы
type titleDetector struct {
	field string
}

func (d *titleDetector) Detect(doc *goquery.Document) []Candidate {
	selectors := []string{
		"[itemprop=\"name\"]",
		classContains(d.field),
		"h1", "h2", "h3",
		"strong", "b",
	}
	return collect(doc, selectors, 2, 120, 30)
}

// descriptionDetector ищет описательные блоки
type descriptionDetector struct {
	field string
}

func (d *descriptionDetector) Detect(doc *goquery.Document) []Candidate {
	selectors := []string{
		"[itemprop=\"description\"]",
		classContains(d.field),
		".description", ".summary", ".bio", ".about",
		"p",
	}
	return collect(doc, selectors, 20, 2000, 30)
}

// linkDetector ищет ссылки; scheme сужает до mailto:/tel:
type linkDetector struct {
	field  string
	scheme string
}

func (d *linkDetector) Detect(doc *goquery.Document) []Candidate {
	var selectors []string
	if d.scheme != "" {
		selectors = []string{"a[href^=\"" + d.scheme + "\"]"}
	} else {
		selectors = []string{
			classContains(d.field) + " a[href]",
			"a" + classContains(d.field),
			"img[src]",
			"a[href]",
		}
	}
	return collect(doc, selectors, 0, 300, 30)
}

// genericDetector ищет по имени поля: классы, id, data-атрибуты, dt/dd пары
type genericDetector struct {
	field string
}

func (d *genericDetector) Detect(doc *goquery.Document) []Candidate {
	token := classToken(d.field)

	selectors := []string{
		"[itemprop=\"" + token + "\"]",
		classContains(d.field),
		"[id*=\"" + token + "\"]",
		"[data-field=\"" + token + "\"]",
	}

	return collect(doc, selectors, 1, 500, 30)
}

// hintDetector строится из anchor hints discovery-поля:
// кандидаты собираются по селекторам процитированных анкеров
type hintDetector struct {
	selectors []string
}

// NewHintDetector создает детектор по списку селекторов анкеров
func NewHintDetector(selectors []string) Detector {
	return &hintDetector{selectors: selectors}
}

func (d *hintDetector) Detect(doc *goquery.Document) []Candidate {
	return collect(doc, d.selectors, 0, 2000, 30)
}

// classContains строит селектор подстроки класса по имени поля
func classContains(field string) string {
	return "[class*=\"" + classToken(field) + "\"]"
}

// classToken приводит имя поля к виду, пригодному для селектора
func classToken(field string) string {
	token := strings.ToLower(strings.TrimSpace(field))
	token = strings.ReplaceAll(token, "_", "-")
	token = strings.ReplaceAll(token, " ", "-")
	return token
}
