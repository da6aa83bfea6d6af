package utils

import (
	"regexp"
	"strconv"
	"strings"
)

// Пакет-уровневые паттерны для оптимизации hot path
// Компилируются один раз при запуске программы
var (
	// whitespaceRegex - паттерн для замены множественных пробелов на один
	whitespaceRegex = regexp.MustCompile(`\s+`)

	// tokenSplitRegex - границы токенов для пословного сравнения
	tokenSplitRegex = regexp.MustCompile(`[^\p{L}\p{N}]+`)

	// digitsRegex - всё, кроме цифр
	digitsRegex = regexp.MustCompile(`[^0-9]`)

	// embeddedEmailRegex - адрес внутри произвольного текста
	embeddedEmailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	// embeddedNumberRegex - первое число внутри произвольного текста
	embeddedNumberRegex = regexp.MustCompile(`-?\d[\d\s,.]*`)
)

// RoundTripThreshold - минимальное сходство между заявленным значением
// и текстом, перечитанным по anchor'у, чтобы evidence считался подтверждённым
const RoundTripThreshold = 0.8

// CollapseWhitespace заменяет любые последовательности пробельных символов
// на один пробел и обрезает края
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}

// NormalizeForComparison приводит строку к канонической форме для сравнения:
// нижний регистр + схлопнутые пробелы
func NormalizeForComparison(s string) string {
	return strings.ToLower(CollapseWhitespace(s))
}

// Similarity вычисляет сходство строк (0.0 - 1.0).
// Порядок проверок: exact > substring > нормализованный Levenshtein.
func Similarity(s1, s2 string) float64 {
	// Early return: exact match
	if s1 == s2 {
		return 1.0
	}

	n1 := NormalizeForComparison(s1)
	n2 := NormalizeForComparison(s2)

	if n1 == n2 {
		return 1.0
	}

	// Early return: one is empty
	if len(n1) == 0 || len(n2) == 0 {
		return 0.0
	}

	// Подстрока считается сильным совпадением: перечитанный текст узла
	// часто содержит значение плюс соседнюю разметку
	if strings.Contains(n1, n2) || strings.Contains(n2, n1) {
		return 0.9
	}

	dist := levenshtein(n1, n2)
	maxLen := len(n1)
	if len(n2) > maxLen {
		maxLen = len(n2)
	}

	return 1.0 - float64(dist)/float64(maxLen)
}

// levenshtein вычисляет расстояние редактирования по рунам
func levenshtein(s1, s2 string) int {
	r1 := []rune(s1)
	r2 := []rune(s2)

	if len(r1) == 0 {
		return len(r2)
	}
	if len(r2) == 0 {
		return len(r1)
	}

	prev := make([]int, len(r2)+1)
	curr := make([]int, len(r2)+1)

	for j := 0; j <= len(r2); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(r1); i++ {
		curr[0] = i
		for j := 1; j <= len(r2); j++ {
			cost := 1
			if r1[i-1] == r2[j-1] {
				cost = 0
			}

			curr[j] = min3(
				curr[j-1]+1,    // insertion
				prev[j]+1,      // deletion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(r2)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// Tokens разбивает строку на нормализованные токены (слова и числа)
func Tokens(s string) []string {
	var out []string
	for _, tok := range tokenSplitRegex.Split(NormalizeForComparison(s), -1) {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// TokenJaccard - пословное сходство Жаккара (0.0 - 1.0).
// Для длинных rich-text блоков устойчивее посимвольного Levenshtein:
// перестановка абзацев не должна обнулять сходство.
func TokenJaccard(s1, s2 string) float64 {
	t1 := Tokens(s1)
	t2 := Tokens(s2)

	if len(t1) == 0 && len(t2) == 0 {
		return 1.0
	}
	if len(t1) == 0 || len(t2) == 0 {
		return 0.0
	}

	set1 := make(map[string]bool, len(t1))
	for _, tok := range t1 {
		set1[tok] = true
	}

	set2 := make(map[string]bool, len(t2))
	for _, tok := range t2 {
		set2[tok] = true
	}

	intersection := 0
	for tok := range set1 {
		if set2[tok] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// TokenContainment - доля токенов s1, присутствующих в s2.
// Используется, когда заявленное значение - фрагмент большого блока.
func TokenContainment(s1, s2 string) float64 {
	t1 := Tokens(s1)
	if len(t1) == 0 {
		return 0.0
	}

	set2 := make(map[string]bool)
	for _, tok := range Tokens(s2) {
		set2[tok] = true
	}

	contained := 0
	for _, tok := range t1 {
		if set2[tok] {
			contained++
		}
	}
	return float64(contained) / float64(len(t1))
}

// DigitsOnly оставляет в строке только цифры. Телефоны сравниваются
// именно так: "+1 (555) 010-0100" и "15550100100" - одно значение.
func DigitsOnly(s string) string {
	return digitsRegex.ReplaceAllString(s, "")
}

// NormalizeEmail приводит адрес к канонической форме для сравнения
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ExtractEmail достаёт первый почтовый адрес из произвольного текста
func ExtractEmail(s string) string {
	return NormalizeEmail(embeddedEmailRegex.FindString(s))
}

// ExtractNumber достаёт первое число из произвольного текста.
// Возвращает (0, false), если числа нет или оно не парсится.
func ExtractNumber(s string) (float64, bool) {
	raw := embeddedNumberRegex.FindString(s)
	if raw == "" {
		return 0, false
	}

	cleaned := strings.NewReplacer(",", "", " ", "").Replace(strings.TrimSpace(raw))
	cleaned = strings.TrimSuffix(cleaned, ".")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// NormalizeURLForComparison грубо канонизирует URL для сравнения значений:
// без схемы, без trailing slash, нижний регистр хоста
func NormalizeURLForComparison(s string) string {
	out := strings.TrimSpace(s)
	lower := strings.ToLower(out)

	for _, prefix := range []string{"https://", "http://", "//"} {
		if strings.HasPrefix(lower, prefix) {
			out = out[len(prefix):]
			break
		}
	}

	out = strings.TrimSuffix(out, "/")

	// Хост - до первого слеша - регистронезависим, путь нет
	if i := strings.IndexByte(out, '/'); i >= 0 {
		return strings.ToLower(out[:i]) + out[i:]
	}
	return strings.ToLower(out)
}
