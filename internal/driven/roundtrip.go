package driven

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BetterCallFirewall/Extracton/internal/anchor"
	"github.com/BetterCallFirewall/Extracton/internal/extract"
	"github.com/BetterCallFirewall/Extracton/internal/models"
	"github.com/BetterCallFirewall/Extracton/internal/utils"
)

// Round-trip валидация: заявленное моделью значение перечитывается по
// процитированному anchor'у и сверяется стратегией, подходящей типу поля.
// Посимвольное сходство - правильная мера для строк, но не для URL
// (схема и trailing slash не значимы), не для телефонов (разделители
// не значимы) и не для rich-text (значим состав слов, не их позиция).

// roundTripStrategy - один способ сверки заявленного значения с перечитанным
type roundTripStrategy interface {
	Name() string
	// Check возвращает (прошло, score). Score - мера сходства в [0,1],
	// сохраняется в отчёте даже при отказе.
	Check(claimed, reextracted string) (bool, float64)
}

// ═══════════════════════════════════════════════════════════════════════════════
// Универсальные стратегии
// ═══════════════════════════════════════════════════════════════════════════════

// exactStrategy - точное совпадение после нормализации регистра и пробелов
type exactStrategy struct{}

func (exactStrategy) Name() string { return "exact" }

func (exactStrategy) Check(claimed, reextracted string) (bool, float64) {
	if utils.NormalizeForComparison(claimed) == utils.NormalizeForComparison(reextracted) {
		return true, 1.0
	}
	return false, 0.0
}

// substringStrategy - заявленное значение содержится в перечитанном тексте
// (или наоборот): узел часто несёт значение плюс соседнюю разметку
type substringStrategy struct{}

func (substringStrategy) Name() string { return "substring" }

func (substringStrategy) Check(claimed, reextracted string) (bool, float64) {
	c := utils.NormalizeForComparison(claimed)
	r := utils.NormalizeForComparison(reextracted)

	if c == "" || r == "" {
		return false, 0.0
	}
	if strings.Contains(r, c) || strings.Contains(c, r) {
		return true, 0.9
	}
	return false, 0.0
}

// levenshteinStrategy - нормализованное расстояние редактирования с порогом
type levenshteinStrategy struct {
	threshold float64
}

func (levenshteinStrategy) Name() string { return "levenshtein" }

func (s levenshteinStrategy) Check(claimed, reextracted string) (bool, float64) {
	score := utils.Similarity(claimed, reextracted)
	return score >= s.threshold, score
}

// tokenOverlapStrategy - пословное сходство для длинных блоков
type tokenOverlapStrategy struct {
	minJaccard     float64
	minContainment float64
}

func (tokenOverlapStrategy) Name() string { return "token-overlap" }

func (s tokenOverlapStrategy) Check(claimed, reextracted string) (bool, float64) {
	jaccard := utils.TokenJaccard(claimed, reextracted)
	if jaccard >= s.minJaccard {
		return true, jaccard
	}

	// Заявлен фрагмент большого блока: достаточно вхождения токенов
	containment := utils.TokenContainment(claimed, reextracted)
	if containment >= s.minContainment {
		return true, containment
	}

	if containment > jaccard {
		return false, containment
	}
	return false, jaccard
}

// ═══════════════════════════════════════════════════════════════════════════════
// Типо-специфичные стратегии
// ═══════════════════════════════════════════════════════════════════════════════

// emailStrategy сравнивает адреса регистронезависимо; перечитанный текст
// может содержать адрес среди прочего ("Email: smith@example.edu")
type emailStrategy struct{}

func (emailStrategy) Name() string { return "email" }

func (emailStrategy) Check(claimed, reextracted string) (bool, float64) {
	claimedAddr := utils.ExtractEmail(claimed)
	if claimedAddr == "" {
		return false, 0.0
	}

	foundAddr := utils.ExtractEmail(reextracted)
	if foundAddr == "" {
		return false, 0.0
	}

	if claimedAddr == foundAddr {
		return true, 1.0
	}

	// Почти совпавший адрес - типичная галлюцинация (другой TLD,
	// переставленные сегменты). Принимать нельзя, но score сохраняем.
	return false, utils.Similarity(claimedAddr, foundAddr) * 0.5
}

// phoneStrategy сравнивает телефоны по цифрам: форматирование не значимо
type phoneStrategy struct{}

func (phoneStrategy) Name() string { return "phone" }

func (phoneStrategy) Check(claimed, reextracted string) (bool, float64) {
	claimedDigits := utils.DigitsOnly(claimed)
	foundDigits := utils.DigitsOnly(reextracted)

	if len(claimedDigits) < 7 || len(foundDigits) < 7 {
		return false, 0.0
	}

	if claimedDigits == foundDigits {
		return true, 1.0
	}

	// Код страны мог быть опущен одной из сторон
	if strings.HasSuffix(claimedDigits, foundDigits) || strings.HasSuffix(foundDigits, claimedDigits) {
		return true, 0.9
	}

	return false, 0.0
}

// urlStrategy сравнивает URL без схемы и trailing slash; относительный
// заявленный путь сверяется с хвостом перечитанного
type urlStrategy struct{}

func (urlStrategy) Name() string { return "url" }

func (urlStrategy) Check(claimed, reextracted string) (bool, float64) {
	c := utils.NormalizeURLForComparison(claimed)
	r := utils.NormalizeURLForComparison(reextracted)

	if c == "" || r == "" {
		return false, 0.0
	}

	if c == r {
		return true, 1.0
	}

	// Относительный путь против абсолютного URL того же документа
	if strings.HasSuffix(r, c) || strings.HasSuffix(c, r) {
		return true, 0.9
	}

	return false, utils.Similarity(c, r) * 0.5
}

// numberStrategy сравнивает числовые значения с допуском на представление
type numberStrategy struct{}

func (numberStrategy) Name() string { return "number" }

func (numberStrategy) Check(claimed, reextracted string) (bool, float64) {
	claimedNum, ok := utils.ExtractNumber(claimed)
	if !ok {
		return false, 0.0
	}

	foundNum, ok := utils.ExtractNumber(reextracted)
	if !ok {
		return false, 0.0
	}

	if claimedNum == foundNum {
		return true, 1.0
	}

	// "1,200" против "1200.00": расхождение в пределах полупроцента -
	// представление, больше - другое число
	denom := math.Max(math.Abs(claimedNum), math.Abs(foundNum))
	if denom == 0 {
		return false, 0.0
	}
	diff := math.Abs(claimedNum-foundNum) / denom
	if diff < 0.005 {
		return true, 0.95
	}

	return false, 0.0
}

// dateStrategy парсит обе стороны и сравнивает календарные дни
type dateStrategy struct{}

func (dateStrategy) Name() string { return "date" }

var roundTripDateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"01/02/2006",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

func (dateStrategy) Check(claimed, reextracted string) (bool, float64) {
	claimedDay, ok := parseAnyDate(claimed)
	if !ok {
		return false, 0.0
	}

	foundDay, ok := parseAnyDate(reextracted)
	if !ok {
		return false, 0.0
	}

	if claimedDay.Equal(foundDay) {
		return true, 1.0
	}
	return false, 0.0
}

func parseAnyDate(s string) (time.Time, bool) {
	trimmed := utils.CollapseWhitespace(s)
	for _, layout := range roundTripDateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Truncate(24 * time.Hour), true
		}
	}
	return time.Time{}, false
}

// booleanStrategy сравнивает булевы значения после коэрции
type booleanStrategy struct{}

func (booleanStrategy) Name() string { return "boolean" }

func (booleanStrategy) Check(claimed, reextracted string) (bool, float64) {
	claimedBool, ok := coerceBool(claimed)
	if !ok {
		return false, 0.0
	}

	foundBool, ok := coerceBool(reextracted)
	if !ok {
		return false, 0.0
	}

	if claimedBool == foundBool {
		return true, 1.0
	}
	return false, 0.0
}

func coerceBool(s string) (bool, bool) {
	switch strings.ToLower(utils.CollapseWhitespace(s)) {
	case "true", "yes", "да", "✓", "check", "checked":
		return true, true
	case "false", "no", "нет", "✗", "-", "unchecked":
		return false, true
	}
	return false, false
}

// ═══════════════════════════════════════════════════════════════════════════════
// Цепочки стратегий по типу поля
// ═══════════════════════════════════════════════════════════════════════════════

// strategyChainFor возвращает упорядоченную цепочку: первая прошедшая
// стратегия принимает значение, лучший score отказов идёт в отчёт
func strategyChainFor(fieldType models.FieldType) []roundTripStrategy {
	switch fieldType {
	case models.TypeEmail:
		return []roundTripStrategy{emailStrategy{}}
	case models.TypePhone:
		return []roundTripStrategy{phoneStrategy{}}
	case models.TypeURL, models.TypeImage:
		return []roundTripStrategy{urlStrategy{}}
	case models.TypeNumber:
		return []roundTripStrategy{numberStrategy{}, exactStrategy{}}
	case models.TypeDate:
		return []roundTripStrategy{dateStrategy{}, substringStrategy{}}
	case models.TypeBoolean:
		return []roundTripStrategy{booleanStrategy{}}
	case models.TypeRichText:
		return []roundTripStrategy{
			exactStrategy{},
			tokenOverlapStrategy{minJaccard: 0.6, minContainment: 0.85},
		}
	case models.TypeArray:
		return []roundTripStrategy{
			exactStrategy{},
			tokenOverlapStrategy{minJaccard: 0.7, minContainment: 0.9},
		}
	default:
		return []roundTripStrategy{
			exactStrategy{},
			substringStrategy{},
			levenshteinStrategy{threshold: utils.RoundTripThreshold},
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// Верификатор
// ═══════════════════════════════════════════════════════════════════════════════

// RoundTripOutcome - исход проверки одного предложения, идёт в отчёт
type RoundTripOutcome struct {
	Kind       string  `json:"kind"` // "completion" | "new_field_anchor"
	Field      string  `json:"field"`
	AnchorID   string  `json:"anchor_id"`
	Strategy   string  `json:"strategy,omitempty"`
	Score      float64 `json:"score"`
	Accepted   bool    `json:"accepted"`
	Reason     string  `json:"reason,omitempty"`
	Reextracts int     `json:"reextracts,omitempty"`
}

// RoundTripReport - сводка валидационного прохода для телеметрии.
// Anchor ID из отчёта наружу ядра не выходят: отчёт живёт до границы
// llm_augmentation события, в payload попадают только счётчики.
type RoundTripReport struct {
	Accepted int
	Rejected int
	Outcomes []RoundTripOutcome
}

// add фиксирует исход
func (r *RoundTripReport) add(o RoundTripOutcome) {
	if o.Accepted {
		r.Accepted++
	} else {
		r.Rejected++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// roundTripVerifier перечитывает anchor'ы теми же стратегиями, что Track A,
// и сверяет значения типо-специфичными цепочками
type roundTripVerifier struct {
	validate bool
}

// reextract перечитывает значение anchor'а экстрактором данного типа.
// Приоритет источников: primary selector на том же DOM > прямая ссылка
// на элемент > сохранённый preview.
func (v *roundTripVerifier) reextract(a *anchor.Anchor, idx *anchor.Index, fieldType models.FieldType) (string, int) {
	attempts := 0

	if el := idx.Resolve(a.ID); el != nil {
		attempts++
		if value, _, _ := extract.ExtractorFor(fieldType).Extract(el); value != "" {
			return value, attempts
		}
	}

	if el := a.Element(); el != nil {
		attempts++
		if value, _, _ := extract.ExtractorFor(fieldType).Extract(el); value != "" {
			return value, attempts
		}
		// Типовой экстрактор мог не найти значение (нет href у не-ссылки) -
		// текст узла остаётся последним свидетельством
		if value, _, _ := extract.ExtractorFor(models.TypeString).Extract(el); value != "" {
			return value, attempts
		}
	}

	attempts++
	return a.TextPreview, attempts
}

// verifyValue прогоняет значение через цепочку стратегий типа
func (v *roundTripVerifier) verifyValue(
	kind, field, claimed string,
	fieldType models.FieldType,
	a *anchor.Anchor,
	idx *anchor.Index,
) RoundTripOutcome {
	outcome := RoundTripOutcome{Kind: kind, Field: field, AnchorID: a.ID}

	if !v.validate {
		outcome.Accepted = true
		outcome.Strategy = "validation_disabled"
		outcome.Score = 1.0
		return outcome
	}

	reextracted, attempts := v.reextract(a, idx, fieldType)
	outcome.Reextracts = attempts

	if reextracted == "" {
		outcome.Reason = "anchor_has_no_content"
		return outcome
	}

	bestScore := 0.0
	for _, strategy := range strategyChainFor(fieldType) {
		ok, score := strategy.Check(claimed, reextracted)
		if score > bestScore {
			bestScore = score
		}
		if ok {
			outcome.Accepted = true
			outcome.Strategy = strategy.Name()
			outcome.Score = score
			return outcome
		}
	}

	outcome.Score = bestScore
	outcome.Reason = fmt.Sprintf("similarity %.2f below acceptance for %s", bestScore, fieldType)
	return outcome
}

// verifySample проверяет один anchor new-field предложения: перечитанное
// значение должно существовать и проходить валидаторы типа
func (v *roundTripVerifier) verifySample(
	field string,
	fieldType models.FieldType,
	a *anchor.Anchor,
	idx *anchor.Index,
) RoundTripOutcome {
	outcome := RoundTripOutcome{Kind: "new_field_anchor", Field: field, AnchorID: a.ID}

	if !v.validate {
		outcome.Accepted = true
		outcome.Strategy = "validation_disabled"
		outcome.Score = 1.0
		return outcome
	}

	sample, attempts := v.reextract(a, idx, fieldType)
	outcome.Reextracts = attempts

	if sample == "" {
		outcome.Reason = "anchor_has_no_content"
		return outcome
	}

	for _, validator := range extract.ValidatorsFor(fieldType) {
		ok, _, reason := validator.Validate(sample)
		if !ok {
			outcome.Reason = validator.Name() + ":" + reason
			return outcome
		}
	}

	outcome.Accepted = true
	outcome.Strategy = "sample_validators"
	outcome.Score = 1.0
	return outcome
}
