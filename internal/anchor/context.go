package anchor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/BetterCallFirewall/Extracton/internal/utils"
)

// Контекст анкера: что окружает узел в документе. Для модели соседний
// лейбл ("Office:", "Email") часто важнее самого текста узла - без него
// "Room 101" неотличим от номера дома.

// maxContextLabelLen - предел длины лейбла в контексте
const maxContextLabelLen = 60

// Теги, чей текст обычно является лейблом значения
var labelTags = map[string]bool{
	"dt":     true,
	"th":     true,
	"label":  true,
	"strong": true,
	"b":      true,
}

// AnchorContext - окружение узла; селекторов не содержит
type AnchorContext struct {
	ParentType     string `json:"parent_type,omitempty"`
	PrecedingLabel string `json:"preceding_label,omitempty"`
	SiblingCount   int    `json:"sibling_count,omitempty"`
}

// ContextOf собирает окружение анкера: тег родителя, ближайший
// предшествующий лейбл и число элементов-соседей
func (idx *Index) ContextOf(anchorID string) AnchorContext {
	a, ok := idx.anchors[anchorID]
	if !ok || a.selection == nil {
		return AnchorContext{}
	}

	ctx := AnchorContext{}

	parent := a.selection.Parent()
	if parent.Length() > 0 {
		ctx.ParentType = goquery.NodeName(parent)
		ctx.SiblingCount = parent.Children().Length() - 1
		if ctx.SiblingCount < 0 {
			ctx.SiblingCount = 0
		}
	}

	ctx.PrecedingLabel = precedingLabel(a.selection)
	return ctx
}

// precedingLabel ищет лейбл значения: предыдущий sibling-лейбл,
// затем первый лейбл внутри родителя
func precedingLabel(s *goquery.Selection) string {
	prev := s.Prev()
	if prev.Length() > 0 && labelTags[goquery.NodeName(prev)] {
		if label := labelText(prev); label != "" {
			return label
		}
	}

	parent := s.Parent()
	if parent.Length() == 0 {
		return ""
	}

	found := ""
	parent.Children().EachWithBreak(func(_ int, child *goquery.Selection) bool {
		// Ищем только до самого узла: лейбл предшествует значению
		if len(child.Nodes) > 0 && len(s.Nodes) > 0 && child.Nodes[0] == s.Nodes[0] {
			return false
		}
		if labelTags[goquery.NodeName(child)] {
			if label := labelText(child); label != "" {
				found = label
			}
		}
		return true
	})

	return found
}

// labelText нормализует текст лейбла: без завершающего двоеточия,
// с ограничением длины
func labelText(s *goquery.Selection) string {
	label := utils.CollapseWhitespace(s.Text())
	label = strings.TrimSuffix(label, ":")
	label = strings.TrimSpace(label)

	if len(label) > maxContextLabelLen {
		return ""
	}
	return label
}
