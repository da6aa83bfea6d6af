package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Пакет-уровневые паттерны для оптимизации hot path
// Эти паттерны компилируются один раз при запуске программы,
// а не при каждом вызове функции.
var (
	// trackingParamPattern - параметры трекинга, не влияющие на содержимое страницы
	trackingParamPattern = regexp.MustCompile(`^(utm_[a-z]+|fbclid|gclid|yclid|mc_[a-z]+|ref|source)$`)

	// sessionParamPattern - параметры сессии, меняющиеся между запросами
	sessionParamPattern = regexp.MustCompile(`^(sessionid|session_id|sid|phpsessid|jsessionid|csrf_token|_token)$`)

	// defaultPortPattern - стандартные порты, которые можно убрать из host
	defaultPortPattern = regexp.MustCompile(`^(.*):(80|443)$`)
)

// URLNormalizer отвечает за каноникализацию URL для ключей идемпотентности.
// Два URL, указывающие на одну и ту же страницу, должны давать один ключ.
type URLNormalizer struct{}

// NewURLNormalizer создает новый нормализатор URL
func NewURLNormalizer() *URLNormalizer {
	return &URLNormalizer{}
}

// Canonicalize приводит URL к канонической форме:
// нижний регистр scheme/host, без fragment, без default портов,
// без трекинговых и сессионных параметров, query отсортирован.
// Инвариант: Canonicalize(Canonicalize(x)) = Canonicalize(x).
func (n *URLNormalizer) Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("URL %q must be absolute", raw)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	// Убираем стандартный порт (:80 для http, :443 для https)
	if m := defaultPortPattern.FindStringSubmatch(parsed.Host); m != nil {
		if (parsed.Scheme == "http" && m[2] == "80") || (parsed.Scheme == "https" && m[2] == "443") {
			parsed.Host = m[1]
		}
	}

	// Фильтруем и сортируем query параметры
	query := parsed.Query()
	kept := url.Values{}
	for key, values := range query {
		lower := strings.ToLower(key)
		if trackingParamPattern.MatchString(lower) || sessionParamPattern.MatchString(lower) {
			continue
		}
		for _, v := range values {
			kept.Add(key, v)
		}
	}
	parsed.RawQuery = encodeSorted(kept)

	// Пустой путь эквивалентен "/"
	if parsed.Path == "" {
		parsed.Path = "/"
	}

	// Убираем trailing slash везде кроме корня
	if len(parsed.Path) > 1 {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}

	return parsed.String(), nil
}

// NormalizeQuery приводит пользовательский запрос к канонической форме:
// нижний регистр, схлопнутые пробелы. Идемпотентна.
func (n *URLNormalizer) NormalizeQuery(query string) string {
	return NormalizeForComparison(query)
}

// encodeSorted кодирует query с детерминированным порядком ключей и значений
func encodeSorted(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
