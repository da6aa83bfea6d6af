package anchor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Мульти-стратегийный список селекторов: каждый анкер несёт несколько
// способов добраться до своего элемента, упорядоченных по устойчивости.
// Порядок фиксирован: id > стабильный атрибут > комбинация классов >
// позиционный nth-of-type путь. Позиционный путь строится всегда -
// это последний, гарантированный кандидат.

// Пакет-уровневые паттерны для оптимизации hot path
// Компилируются один раз при запуске программы
var (
	// volatileClassPattern - классы, сгенерированные сборщиками (css-in-js, хеши),
	// нестабильные между рендерами
	volatileClassPattern = regexp.MustCompile(`(?i)^(css|jsx|sc|svelte|emotion)-|[0-9a-f]{6,}$|\d{4,}$`)

	// safeClassPattern - классы, пригодные для CSS-селектора без экранирования
	safeClassPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

	// safeAttrValuePattern - значения атрибутов, пригодные для селектора
	safeAttrValuePattern = regexp.MustCompile(`^[a-zA-Z0-9_. -]+$`)
)

// maxClassesPerSelector - сколько стабильных классов входит в селектор
const maxClassesPerSelector = 3

// maxClassSelectorMatches - классовый селектор полезен и без уникальности
// (повторяющиеся блоки), но совсем общие комбинации отбрасываются
const maxClassSelectorMatches = 50

// selectorStrategy - один способ построить селектор для элемента
type selectorStrategy interface {
	// Name - имя стратегии для диагностики
	Name() string
	// Build возвращает селектор или "" если стратегия неприменима.
	Build(doc *goquery.Document, s *goquery.Selection, tag string) (selector string, ok bool)
}

// selectorStrategies - реестр в порядке убывания устойчивости
var selectorStrategies = []selectorStrategy{
	idStrategy{},
	stableAttrStrategy{attr: "data-testid"},
	stableAttrStrategy{attr: "name"},
	stableAttrStrategy{attr: "itemprop"},
	classComboStrategy{},
	nthOfTypeStrategy{},
}

// idStrategy - #id, только при уникальности в документе
type idStrategy struct{}

func (idStrategy) Name() string { return "id" }

func (idStrategy) Build(doc *goquery.Document, s *goquery.Selection, _ string) (string, bool) {
	id := s.AttrOr("id", "")
	if id == "" || !safeAttrValuePattern.MatchString(id) {
		return "", false
	}

	sel := "#" + id
	if doc.Find(sel).Length() != 1 {
		return "", false
	}
	return sel, true
}

// stableAttrStrategy - tag[attr="value"], только при уникальности
type stableAttrStrategy struct {
	attr string
}

func (st stableAttrStrategy) Name() string { return "attr:" + st.attr }

func (st stableAttrStrategy) Build(doc *goquery.Document, s *goquery.Selection, tag string) (string, bool) {
	v := s.AttrOr(st.attr, "")
	if v == "" || !safeAttrValuePattern.MatchString(v) {
		return "", false
	}

	sel := fmt.Sprintf(`%s[%s="%s"]`, tag, st.attr, v)
	if doc.Find(sel).Length() != 1 {
		return "", false
	}
	return sel, true
}

// classComboStrategy - tag.class1.class2 из стабильных классов
type classComboStrategy struct{}

func (classComboStrategy) Name() string { return "class" }

func (classComboStrategy) Build(doc *goquery.Document, s *goquery.Selection, tag string) (string, bool) {
	classes := stableClasses(s)
	if len(classes) == 0 {
		return "", false
	}

	sel := tag + "." + strings.Join(classes, ".")
	n := doc.Find(sel).Length()
	if n < 1 || n > maxClassSelectorMatches {
		return "", false
	}
	return sel, true
}

// nthOfTypeStrategy - позиционный путь от body; применим всегда
type nthOfTypeStrategy struct{}

func (nthOfTypeStrategy) Name() string { return "nth-of-type" }

func (nthOfTypeStrategy) Build(_ *goquery.Document, s *goquery.Selection, _ string) (string, bool) {
	return nthOfTypePath(s), true
}

// selectorCandidates строит список селекторов элемента по реестру стратегий
func selectorCandidates(doc *goquery.Document, s *goquery.Selection, tag string) []string {
	var candidates []string
	for _, strategy := range selectorStrategies {
		if sel, ok := strategy.Build(doc, s, tag); ok {
			candidates = append(candidates, sel)
		}
	}
	return candidates
}

// stableClasses возвращает классы элемента без volatile-сгенерированных
func stableClasses(s *goquery.Selection) []string {
	raw := s.AttrOr("class", "")
	if raw == "" {
		return nil
	}

	var out []string
	for _, c := range strings.Fields(raw) {
		if !safeClassPattern.MatchString(c) || volatileClassPattern.MatchString(c) {
			continue
		}
		out = append(out, c)
		if len(out) == maxClassesPerSelector {
			break
		}
	}
	return out
}

// nthOfTypePath строит однозначный путь tag:nth-of-type от body
func nthOfTypePath(s *goquery.Selection) string {
	var parts []string

	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		tag := goquery.NodeName(cur)
		if tag == "body" || tag == "html" || tag == "#document" || tag == "" {
			break
		}

		nth := cur.PrevAll().Filter(tag).Length() + 1
		parts = append([]string{fmt.Sprintf("%s:nth-of-type(%d)", tag, nth)}, parts...)
	}

	if len(parts) == 0 {
		return "body"
	}
	return "body > " + strings.Join(parts, " > ")
}

// buildXPath строит позиционный xpath элемента
func buildXPath(s *goquery.Selection) string {
	var parts []string

	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		tag := goquery.NodeName(cur)
		if tag == "#document" || tag == "" {
			break
		}

		nth := cur.PrevAll().Filter(tag).Length() + 1
		parts = append([]string{fmt.Sprintf("%s[%d]", tag, nth)}, parts...)

		if tag == "html" {
			break
		}
	}

	return "/" + strings.Join(parts, "/")
}

// ═══════════════════════════════════════════════════════════════════════════════
// Ре-резолюция анкера по его селекторам
// ═══════════════════════════════════════════════════════════════════════════════

// Resolve заново находит элемент анкера на том же DOM, спускаясь по списку
// селекторов: primary первым, дальше по убыванию устойчивости. Найденный
// кандидат верифицируется текст-хешем, когда анкер несёт текст.
// Возвращает nil, если ни один селектор не подтвердился.
func (idx *Index) Resolve(anchorID string) *goquery.Selection {
	a, ok := idx.anchors[anchorID]
	if !ok || idx.doc == nil {
		return nil
	}

	for _, sel := range a.Selectors {
		found := idx.doc.Find(sel)
		if found.Length() == 0 {
			continue
		}

		// Уникальное совпадение с верным текстом - лучший исход
		if matched := idx.verifyResolved(a, found); matched != nil {
			return matched
		}
	}

	return nil
}

// verifyResolved выбирает из совпавших элементов тот, что соответствует
// анкеру: сначала по идентичности узла, затем по текст-хешу
func (idx *Index) verifyResolved(a *Anchor, found *goquery.Selection) *goquery.Selection {
	var byText *goquery.Selection

	expectedHash := uint32(0)
	if a.TextPreview != "" {
		expectedHash = textHash(a.TextPreview)
	}

	for i := 0; i < found.Length(); i++ {
		candidate := found.Eq(i)

		// Идентичный узел - тот же самый элемент
		if original := a.Element(); original != nil && len(original.Nodes) > 0 && len(candidate.Nodes) > 0 {
			if original.Nodes[0] == candidate.Nodes[0] {
				return candidate
			}
		}

		if expectedHash != 0 && byText == nil {
			text := collapsePreview(candidate.Text())
			if textHash(text) == expectedHash {
				byText = candidate
			}
		}
	}

	if byText != nil {
		return byText
	}

	// Анкер без текста (img, пустой input): единственное совпадение принимается
	if expectedHash == 0 && found.Length() == 1 {
		return found.Eq(0)
	}

	return nil
}
