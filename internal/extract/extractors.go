package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/BetterCallFirewall/Extracton/internal/models"
	"github.com/BetterCallFirewall/Extracton/internal/utils"
)

// Extractor превращает один элемент в значение. Чистый над элементом.
type Extractor interface {
	Extract(s *goquery.Selection) (value string, confidence float64, meta map[string]string)
}

// Блочные теги, на границах которых rich text сохраняет перенос
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "br": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"dt": true, "dd": true, "blockquote": true, "section": true, "article": true,
}

// ExtractorFor строит экстрактор по типу поля
func ExtractorFor(fieldType models.FieldType) Extractor {
	switch fieldType {
	case models.TypeRichText:
		return &richTextExtractor{}
	case models.TypeURL:
		return &urlExtractor{attr: "href"}
	case models.TypeImage:
		return &imageExtractor{}
	case models.TypeEmail:
		return &schemeExtractor{scheme: "mailto:"}
	case models.TypePhone:
		return &schemeExtractor{scheme: "tel:"}
	case models.TypeNumber:
		return &numberExtractor{}
	case models.TypeDate:
		return &dateExtractor{}
	case models.TypeArray:
		return &arrayExtractor{}
	case models.TypeBoolean:
		return &booleanExtractor{}
	default:
		return &textExtractor{}
	}
}

// textExtractor - нормализованный textContent элемента
type textExtractor struct{}

func (e *textExtractor) Extract(s *goquery.Selection) (string, float64, map[string]string) {
	text := utils.CollapseWhitespace(s.Text())
	if text == "" {
		// input несёт значение в атрибуте, не в тексте
		if v := strings.TrimSpace(s.AttrOr("value", "")); v != "" {
			return v, 0.85, nil
		}
		return "", 0, nil
	}
	return text, 0.9, nil
}

// richTextExtractor сохраняет переносы на границах блочных элементов
type richTextExtractor struct{}

func (e *richTextExtractor) Extract(s *goquery.Selection) (string, float64, map[string]string) {
	var b strings.Builder
	renderRich(s, &b)

	lines := strings.Split(b.String(), "\n")
	var kept []string
	for _, line := range lines {
		if trimmed := utils.CollapseWhitespace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}

	text := strings.Join(kept, "\n")
	if text == "" {
		return "", 0, nil
	}
	return text, 0.85, nil
}

// renderRich рекурсивно собирает текст, вставляя переносы вокруг блоков
func renderRich(s *goquery.Selection, b *strings.Builder) {
	s.Contents().Each(func(_ int, child *goquery.Selection) {
		tag := goquery.NodeName(child)
		switch {
		case tag == "#text":
			b.WriteString(child.Text())
		case tag == "br":
			b.WriteByte('\n')
		case blockTags[tag]:
			b.WriteByte('\n')
			renderRich(child, b)
			b.WriteByte('\n')
		default:
			renderRich(child, b)
		}
	})
}

// urlExtractor достаёт URL из атрибута с нормализацией протокола.
// Относительные URL принимаются с уверенностью 0.8 и помечаются в meta.
type urlExtractor struct {
	attr string
}

func (e *urlExtractor) Extract(s *goquery.Selection) (string, float64, map[string]string) {
	raw := strings.TrimSpace(s.AttrOr(e.attr, ""))
	if raw == "" {
		// Элемент может сам содержать URL текстом
		raw = utils.CollapseWhitespace(s.Text())
	}
	if raw == "" {
		return "", 0, nil
	}

	// Протокольно-относительные URL получают https
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw, 0.9, nil
	}

	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return raw, 0.95, nil
	}

	if strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "#") {
		return "", 0, nil
	}

	// Относительный URL: принимаем, но помечаем
	return raw, 0.8, map[string]string{"relative": "true"}
}

// imageExtractor достаёт src картинки; сам элемент может быть контейнером
type imageExtractor struct{}

func (e *imageExtractor) Extract(s *goquery.Selection) (string, float64, map[string]string) {
	target := s
	if goquery.NodeName(s) != "img" {
		img := s.Find("img").First()
		if img.Length() == 0 {
			return "", 0, nil
		}
		target = img
	}

	// Лениво загружаемые картинки несут URL в data-src
	src := strings.TrimSpace(target.AttrOr("src", ""))
	if src == "" {
		src = strings.TrimSpace(target.AttrOr("data-src", ""))
	}
	if src == "" {
		return "", 0, nil
	}

	value, confidence, meta := (&urlExtractor{attr: ""}).normalize(src)
	if meta == nil {
		meta = map[string]string{}
	}
	if alt := utils.CollapseWhitespace(target.AttrOr("alt", "")); alt != "" {
		meta["alt"] = alt
	}
	if len(meta) == 0 {
		meta = nil
	}
	return value, confidence, meta
}

// normalize применяет URL-нормализацию к готовой строке
func (e *urlExtractor) normalize(raw string) (string, float64, map[string]string) {
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw, 0.9, nil
	}

	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return raw, 0.95, nil
	}

	if strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "data:") {
		return "", 0, nil
	}

	return raw, 0.8, map[string]string{"relative": "true"}
}

// schemeExtractor достаёт значение из href со схемой (mailto:, tel:)
// или из текста элемента
type schemeExtractor struct {
	scheme string
}

func (e *schemeExtractor) Extract(s *goquery.Selection) (string, float64, map[string]string) {
	href := strings.TrimSpace(s.AttrOr("href", ""))
	if href == "" {
		// Ссылка может лежать внутри контейнера
		if nested := s.Find(`a[href^="` + e.scheme + `"]`).First(); nested.Length() > 0 {
			href = strings.TrimSpace(nested.AttrOr("href", ""))
		}
	}

	if strings.HasPrefix(strings.ToLower(href), e.scheme) {
		value := strings.TrimPrefix(href, e.scheme)
		// mailto может нести query-параметры (subject и т.п.)
		if i := strings.IndexByte(value, '?'); i >= 0 {
			value = value[:i]
		}
		value = strings.TrimSpace(value)
		if value != "" {
			return value, 0.95, nil
		}
	}

	text := utils.CollapseWhitespace(s.Text())
	if text == "" {
		return "", 0, nil
	}
	return text, 0.7, nil
}

// numberExtractor достаёт первое число из текста элемента
type numberExtractor struct{}

func (e *numberExtractor) Extract(s *goquery.Selection) (string, float64, map[string]string) {
	text := utils.CollapseWhitespace(s.Text())
	if text == "" {
		text = strings.TrimSpace(s.AttrOr("value", ""))
	}
	if text == "" {
		return "", 0, nil
	}

	num, ok := utils.ExtractNumber(text)
	if !ok {
		return "", 0, nil
	}

	// Число без окружающего текста надёжнее вырезанного из предложения
	confidence := 0.75
	if bareNumberPattern.MatchString(text) {
		confidence = 0.9
	}

	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", num), "0"), "."), confidence, nil
}

// bareNumberPattern - текст, являющийся числом целиком
var bareNumberPattern = regexp.MustCompile(`^-?[0-9][0-9\s,.]*$`)

// dateExtractor парсит дату и нормализует её к ISO форме
type dateExtractor struct{}

var extractorDateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"01/02/2006",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

func (e *dateExtractor) Extract(s *goquery.Selection) (string, float64, map[string]string) {
	// time элемент несёт машинную дату в datetime
	if dt := strings.TrimSpace(s.AttrOr("datetime", "")); dt != "" {
		if iso, ok := toISODate(dt); ok {
			return iso, 0.95, nil
		}
	}

	text := utils.CollapseWhitespace(s.Text())
	if text == "" {
		return "", 0, nil
	}

	if iso, ok := toISODate(text); ok {
		return iso, 0.9, map[string]string{"original": text}
	}

	// Дата может быть частью предложения ("Published on Jan 2, 2006")
	for _, token := range splitDateCandidates(text) {
		if iso, ok := toISODate(token); ok {
			return iso, 0.75, map[string]string{"original": text}
		}
	}

	return "", 0, nil
}

// toISODate пытается распарсить строку любым известным форматом
func toISODate(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range extractorDateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// splitDateCandidates режет предложение на фрагменты, похожие на дату
func splitDateCandidates(text string) []string {
	words := strings.Fields(text)
	var out []string

	// Окна из 1-3 слов: "2006-01-02", "Jan 2, 2006", "2 January 2006"
	for size := 1; size <= 3; size++ {
		for i := 0; i+size <= len(words) && len(out) < 12; i++ {
			out = append(out, strings.Join(words[i:i+size], " "))
		}
	}
	return out
}

// arrayExtractor собирает элементы списка в JSON-массивное представление
type arrayExtractor struct{}

func (e *arrayExtractor) Extract(s *goquery.Selection) (string, float64, map[string]string) {
	var items []string

	s.Find("li").Each(func(_ int, li *goquery.Selection) {
		if item := utils.CollapseWhitespace(li.Text()); item != "" {
			items = append(items, item)
		}
	})

	// Не список: пробуем запятую как разделитель
	if len(items) == 0 {
		text := utils.CollapseWhitespace(s.Text())
		if text == "" || !strings.Contains(text, ",") {
			return "", 0, nil
		}
		for _, part := range strings.Split(text, ",") {
			if item := strings.TrimSpace(part); item != "" {
				items = append(items, item)
			}
		}
		if len(items) < 2 {
			return "", 0, nil
		}
		return strings.Join(items, "; "), 0.7, map[string]string{"delimiter": "comma"}
	}

	return strings.Join(items, "; "), 0.85, map[string]string{"items": fmt.Sprintf("%d", len(items))}
}

// booleanExtractor распознаёт булевы маркеры: чекбоксы, yes/no текст
type booleanExtractor struct{}

func (e *booleanExtractor) Extract(s *goquery.Selection) (string, float64, map[string]string) {
	if goquery.NodeName(s) == "input" && s.AttrOr("type", "") == "checkbox" {
		if _, checked := s.Attr("checked"); checked {
			return "true", 0.95, nil
		}
		return "false", 0.95, nil
	}

	switch strings.ToLower(utils.CollapseWhitespace(s.Text())) {
	case "true", "yes", "да", "✓":
		return "true", 0.85, nil
	case "false", "no", "нет", "✗":
		return "false", 0.85, nil
	}

	return "", 0, nil
}
