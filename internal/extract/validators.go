package extract

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// Validator принимает или отклоняет значение по правилам типа/формата.
// Чистый над значением. Первый отказавший валидатор цепочки убивает
// кандидата и записывает причину.
type Validator interface {
	Name() string
	Validate(value string) (ok bool, confidence float64, reason string)
}

// Пакет-уровневые паттерны для оптимизации hot path
// Компилируются один раз при запуске программы
var (
	// emailPattern - RFC-образная проверка адреса
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	// phonePattern - телефоноподобные последовательности с разделителями
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\s\-().]{5,19}$`)

	// numberPattern - целые и десятичные числа с необязательными разделителями
	numberPattern = regexp.MustCompile(`^-?[0-9][0-9,. ]*$`)

	// markupPattern - остатки разметки в извлечённом значении
	markupPattern = regexp.MustCompile(`<[a-zA-Z/][^>]*>|&[a-z]+;`)

	// tldPattern - хвост хоста похож на TLD
	tldPattern = regexp.MustCompile(`\.[a-zA-Z]{2,}$`)

	// imageExtPattern - расширения файлов картинок
	imageExtPattern = regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp|svg|avif|bmp|ico)([?#].*)?$`)
)

// Форматы дат, которые принимает dateValidator
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"01/02/2006",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// ValidatorsFor строит цепочку валидаторов по типу поля
func ValidatorsFor(fieldType models.FieldType) []Validator {
	switch fieldType {
	case models.TypeURL:
		return []Validator{
			&lengthValidator{min: 4, max: 2048},
			&controlCharValidator{},
			&urlValidator{},
		}
	case models.TypeImage:
		return []Validator{
			&lengthValidator{min: 4, max: 2048},
			&controlCharValidator{},
			&urlValidator{},
			&imageExtensionValidator{},
		}
	case models.TypeEmail:
		return []Validator{
			&lengthValidator{min: 6, max: 254},
			&emailValidator{},
			&emailDomainValidator{},
		}
	case models.TypePhone:
		return []Validator{
			&phoneValidator{},
			&phoneDigitCountValidator{min: 7, max: 15},
		}
	case models.TypeNumber:
		return []Validator{&numberValidator{}}
	case models.TypeDate:
		return []Validator{
			&dateValidator{},
			&dateYearValidator{minYear: 1900, maxYear: 2100},
		}
	case models.TypeRichText:
		return []Validator{
			&lengthValidator{min: 10, max: 20000},
			&markupValidator{},
		}
	case models.TypeArray:
		return []Validator{
			&lengthValidator{min: 1, max: 10000},
			&arrayItemsValidator{minItems: 1, maxItems: 200},
		}
	case models.TypeEnum:
		return []Validator{
			&lengthValidator{min: 1, max: 120},
			&controlCharValidator{},
		}
	case models.TypeBoolean:
		return []Validator{&booleanValidator{}}
	default:
		return []Validator{
			&lengthValidator{min: 1, max: 1000},
			&controlCharValidator{},
			&markupValidator{},
			&utf8Validator{},
		}
	}
}

// lengthValidator проверяет границы длины
type lengthValidator struct {
	min, max int
}

func (v *lengthValidator) Name() string { return "length" }

func (v *lengthValidator) Validate(value string) (bool, float64, string) {
	n := len(value)
	if n < v.min {
		return false, 0, "too_short"
	}
	if n > v.max {
		return false, 0, "too_long"
	}
	return true, 0.9, ""
}

// controlCharValidator отклоняет значения с управляющими символами:
// чистый извлечённый текст их содержать не может
type controlCharValidator struct{}

func (v *controlCharValidator) Name() string { return "control-chars" }

func (v *controlCharValidator) Validate(value string) (bool, float64, string) {
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return false, 0, "control_characters"
		}
	}
	return true, 0.95, ""
}

// utf8Validator отклоняет битые байтовые последовательности
type utf8Validator struct{}

func (v *utf8Validator) Name() string { return "utf8" }

func (v *utf8Validator) Validate(value string) (bool, float64, string) {
	if !utf8.ValidString(value) {
		return false, 0, "invalid_utf8"
	}
	return true, 0.95, ""
}

// markupValidator отклоняет значения с остатками HTML разметки:
// экстрактор обязан был её снять
type markupValidator struct{}

func (v *markupValidator) Name() string { return "markup" }

func (v *markupValidator) Validate(value string) (bool, float64, string) {
	if markupPattern.MatchString(value) {
		return false, 0, "residual_markup"
	}
	return true, 0.9, ""
}

// urlValidator проверяет well-formedness URL; относительные пути допустимы
type urlValidator struct{}

func (v *urlValidator) Name() string { return "url" }

func (v *urlValidator) Validate(value string) (bool, float64, string) {
	parsed, err := url.Parse(value)
	if err != nil {
		return false, 0, "unparseable_url"
	}

	if parsed.Scheme != "" {
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return false, 0, "unsupported_scheme"
		}
		if parsed.Host == "" {
			return false, 0, "missing_host"
		}
		if !tldPattern.MatchString(parsed.Hostname()) && parsed.Hostname() != "localhost" {
			return false, 0, "implausible_host"
		}
		return true, 0.95, ""
	}

	// Относительный URL: принимается с пониженной уверенностью
	if strings.HasPrefix(value, "/") || strings.HasPrefix(value, "./") || strings.HasPrefix(value, "../") {
		return true, 0.8, ""
	}
	return false, 0, "not_a_url"
}

// imageExtensionValidator требует похожего на картинку пути.
// Пути без расширения (CDN ресайзеры) проходят с пониженной уверенностью.
type imageExtensionValidator struct{}

func (v *imageExtensionValidator) Name() string { return "image-ext" }

func (v *imageExtensionValidator) Validate(value string) (bool, float64, string) {
	if imageExtPattern.MatchString(value) {
		return true, 0.95, ""
	}

	// CDN URL без расширения: /image/resize?id=... допустим
	lower := strings.ToLower(value)
	if strings.Contains(lower, "image") || strings.Contains(lower, "img") || strings.Contains(lower, "photo") {
		return true, 0.7, ""
	}

	return false, 0, "not_an_image_path"
}

// emailValidator - RFC-образная проверка
type emailValidator struct{}

func (v *emailValidator) Name() string { return "email" }

func (v *emailValidator) Validate(value string) (bool, float64, string) {
	if !emailPattern.MatchString(value) {
		return false, 0, "invalid_email"
	}
	return true, 0.95, ""
}

// emailDomainValidator отбраковывает мусорные домены, проходящие
// общую регулярку: точки подряд, дефис на краю сегмента
type emailDomainValidator struct{}

func (v *emailDomainValidator) Name() string { return "email-domain" }

func (v *emailDomainValidator) Validate(value string) (bool, float64, string) {
	at := strings.LastIndexByte(value, '@')
	if at < 0 {
		return false, 0, "invalid_email"
	}
	domain := value[at+1:]

	if strings.Contains(domain, "..") {
		return false, 0, "consecutive_dots"
	}

	for _, segment := range strings.Split(domain, ".") {
		if segment == "" || strings.HasPrefix(segment, "-") || strings.HasSuffix(segment, "-") {
			return false, 0, "malformed_domain_segment"
		}
	}

	// example.invalid, *.test и подобные зоны - заглушки
	lower := strings.ToLower(domain)
	if strings.HasSuffix(lower, ".invalid") || strings.HasSuffix(lower, ".test") || strings.HasSuffix(lower, ".localhost") {
		return false, 0, "placeholder_domain"
	}

	return true, 0.9, ""
}

// phoneValidator - проверка телефоноподобности
type phoneValidator struct{}

func (v *phoneValidator) Name() string { return "phone" }

func (v *phoneValidator) Validate(value string) (bool, float64, string) {
	if !phonePattern.MatchString(strings.TrimSpace(value)) {
		return false, 0, "invalid_phone"
	}
	return true, 0.85, ""
}

// phoneDigitCountValidator - значимых цифр должно быть как в телефоне
type phoneDigitCountValidator struct {
	min, max int
}

func (v *phoneDigitCountValidator) Name() string { return "phone-digits" }

func (v *phoneDigitCountValidator) Validate(value string) (bool, float64, string) {
	digits := 0
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits++
		}
	}

	if digits < v.min {
		return false, 0, "too_few_digits"
	}
	if digits > v.max {
		return false, 0, "too_many_digits"
	}
	return true, 0.9, ""
}

// numberValidator - коэрция в число
type numberValidator struct{}

func (v *numberValidator) Name() string { return "number" }

func (v *numberValidator) Validate(value string) (bool, float64, string) {
	trimmed := strings.TrimSpace(value)
	if !numberPattern.MatchString(trimmed) {
		return false, 0, "not_a_number"
	}

	cleaned := strings.NewReplacer(",", "", " ", "").Replace(trimmed)
	if _, err := strconv.ParseFloat(cleaned, 64); err != nil {
		return false, 0, "number_coercion_failed"
	}
	return true, 0.9, ""
}

// dateValidator принимает распространённые форматы дат
type dateValidator struct{}

func (v *dateValidator) Name() string { return "date" }

func (v *dateValidator) Validate(value string) (bool, float64, string) {
	if _, ok := parseDateValue(value); !ok {
		return false, 0, "unrecognized_date"
	}
	return true, 0.9, ""
}

// dateYearValidator отбраковывает даты вне правдоподобного окна:
// регулярка пропустит "0003-01-01", смысла в такой дате нет
type dateYearValidator struct {
	minYear, maxYear int
}

func (v *dateYearValidator) Name() string { return "date-year" }

func (v *dateYearValidator) Validate(value string) (bool, float64, string) {
	t, ok := parseDateValue(value)
	if !ok {
		return false, 0, "unrecognized_date"
	}

	year := t.Year()
	if year < v.minYear || year > v.maxYear {
		return false, 0, "implausible_year"
	}
	return true, 0.9, ""
}

// parseDateValue парсит строку известными форматами
func parseDateValue(value string) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// arrayItemsValidator проверяет число элементов сериализованного массива
type arrayItemsValidator struct {
	minItems, maxItems int
}

func (v *arrayItemsValidator) Name() string { return "array-items" }

func (v *arrayItemsValidator) Validate(value string) (bool, float64, string) {
	items := 0
	for _, part := range strings.Split(value, ";") {
		if strings.TrimSpace(part) != "" {
			items++
		}
	}

	if items < v.minItems {
		return false, 0, "too_few_items"
	}
	if items > v.maxItems {
		return false, 0, "too_many_items"
	}
	return true, 0.85, ""
}

// booleanValidator - коэрция булевых значений
type booleanValidator struct{}

func (v *booleanValidator) Name() string { return "boolean" }

func (v *booleanValidator) Validate(value string) (bool, float64, string) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "false", "yes", "no", "да", "нет":
		return true, 0.9, ""
	}
	return false, 0, "not_a_boolean"
}
