package anchor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Оценка устойчивости привязки: насколько вероятно, что элемент удастся
// найти снова после ре-рендера страницы. База 0.5, аддитивные бонусы
// за стабильные признаки, потолок 1.0.

// Бонусы признаков устойчивости
const (
	stabilityBase       = 0.5
	stabilityIDBonus    = 0.3
	stabilityClassBonus = 0.2
	stabilityDataBonus  = 0.2
	stabilityTextBonus  = 0.1
)

// StabilityBreakdown раскладывает итоговую оценку по признакам;
// полезно в диагностике, в сериализацию наружу не входит
type StabilityBreakdown struct {
	Base          float64
	HasID         bool
	StableClasses int
	HasDataAttrs  bool
	HasText       bool
	Score         float64
}

// scoreStability считает оценку и её разложение для элемента
func scoreStability(s *goquery.Selection, text string) StabilityBreakdown {
	b := StabilityBreakdown{Base: stabilityBase, Score: stabilityBase}

	if s == nil {
		return b
	}

	if s.AttrOr("id", "") != "" {
		b.HasID = true
		b.Score += stabilityIDBonus
	}

	if classes := stableClasses(s); len(classes) > 0 {
		b.StableClasses = len(classes)
		b.Score += stabilityClassBonus
	}

	if hasDataAttr(s) {
		b.HasDataAttrs = true
		b.Score += stabilityDataBonus
	}

	if text != "" {
		b.HasText = true
		b.Score += stabilityTextBonus
	}

	if b.Score > 1.0 {
		b.Score = 1.0
	}
	return b
}

// hasDataAttr проверяет наличие data-* атрибутов
func hasDataAttr(s *goquery.Selection) bool {
	for _, node := range s.Nodes {
		for _, attr := range node.Attr {
			if strings.HasPrefix(attr.Key, "data-") {
				return true
			}
		}
	}
	return false
}
