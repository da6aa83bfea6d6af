package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/BetterCallFirewall/Extracton/internal/utils"
)

// Лейбл-ориентированный поиск: "Office: Room 101", dt/dd, th/td в
// вертикальных таблицах. Лейбл именует поле, значение лежит рядом.

// maxLabelLen - длиннее этого текст лейблом не считается
const maxLabelLen = 40

// labelSiblingDetector находит значение по лейблу-соседу:
// dt -> dd, th -> td, strong/b/label -> следующий элемент или хвост текста
type labelSiblingDetector struct {
	field string
}

// NewLabelSiblingDetector создает детектор лейбл/значение пар
func NewLabelSiblingDetector(field string) Detector {
	return &labelSiblingDetector{field: field}
}

func (d *labelSiblingDetector) Detect(doc *goquery.Document) []Candidate {
	var out []Candidate
	fieldNorm := utils.NormalizeForComparison(strings.NewReplacer("_", " ", "-", " ").Replace(d.field))

	// dt -> dd
	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		if len(out) >= 30 || !labelMatches(dt.Text(), fieldNorm) {
			return
		}
		dd := dt.Next()
		if goquery.NodeName(dd) != "dd" {
			return
		}
		out = append(out, Candidate{
			Selection:  dd,
			Selector:   "dt+dd",
			Confidence: rank(dd, 0.75, 1, 500),
		})
	})

	// Вертикальная таблица: th лейбл, td значение в той же строке
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if len(out) >= 30 {
			return
		}
		th := row.Find("th").First()
		if th.Length() == 0 || !labelMatches(th.Text(), fieldNorm) {
			return
		}
		td := row.Find("td").First()
		if td.Length() == 0 {
			return
		}
		out = append(out, Candidate{
			Selection:  td,
			Selector:   "tr th+td",
			Confidence: rank(td, 0.7, 1, 500),
		})
	})

	// strong/b/label с двоеточием -> следующий элемент
	doc.Find("strong, b, label").Each(func(_ int, labelSel *goquery.Selection) {
		if len(out) >= 30 {
			return
		}

		raw := utils.CollapseWhitespace(labelSel.Text())
		if !strings.HasSuffix(raw, ":") || !labelMatches(strings.TrimSuffix(raw, ":"), fieldNorm) {
			return
		}

		value := labelSel.Next()
		if value.Length() == 0 {
			return
		}
		out = append(out, Candidate{
			Selection:  value,
			Selector:   "label+*",
			Confidence: rank(value, 0.65, 1, 500),
		})
	})

	sortCandidates(out)
	return out
}

// labelMatches сверяет текст лейбла с именем поля в обе стороны
func labelMatches(label, fieldNorm string) bool {
	norm := utils.NormalizeForComparison(strings.TrimSuffix(utils.CollapseWhitespace(label), ":"))
	if norm == "" || len(norm) > maxLabelLen {
		return false
	}
	return norm == fieldNorm || strings.Contains(norm, fieldNorm) || strings.Contains(fieldNorm, norm)
}
