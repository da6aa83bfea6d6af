package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/BetterCallFirewall/Extracton/internal/utils"
)

// ErrMalformedInput возвращается на пустой или нечитаемый вход
var ErrMalformedInput = errors.New("malformed input")

// Пакет-уровневые паттерны для оптимизации hot path
// Компилируются один раз при запуске программы
var (
	// commentPattern - HTML комментарии, выбрасываются до парсинга
	commentPattern = regexp.MustCompile(`<!--[\s\S]*?-->`)

	// dynamicIDSuffixPattern - динамические суффиксы в id ("item-48213" -> "item")
	dynamicIDSuffixPattern = regexp.MustCompile(`^(.*?)[-_]\d{3,}$`)

	// timestampValuePattern - значения, похожие на timestamp (epoch или ISO дата)
	timestampValuePattern = regexp.MustCompile(`^(\d{10,13}|\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2})?)?.*)$`)

	// whitespaceRunPattern - схлопывание пробелов в нормализованной разметке
	whitespaceRunPattern = regexp.MustCompile(`\s+`)
)

// Атрибуты, меняющиеся между загрузками страницы - в отпечаток не входят
var volatileAttrs = map[string]bool{
	"nonce":           true,
	"datetime":        true,
	"data-timestamp":  true,
	"data-time":       true,
	"data-ts":         true,
	"data-reactid":    true,
	"data-request-id": true,
	"data-render-id":  true,
}

// ContentType - вспомогательные метаданные, на хеш не влияют
type ContentType string

const (
	ContentHTML   ContentType = "html"
	ContentJSON   ContentType = "json"
	ContentText   ContentType = "text"
	ContentBinary ContentType = "binary"
)

// HashRecord - запись кэша хешей
type HashRecord struct {
	Fingerprint string      `json:"fingerprint"`
	ContentType ContentType `json:"content_type"`
	CreatedAt   time.Time   `json:"created_at"`
	lastAccess  time.Time
}

// HasherOptions - параметры кэша хешей
type HasherOptions struct {
	CacheCap int
	CacheTTL time.Duration
}

// DefaultHasherOptions возвращает параметры по умолчанию
func DefaultHasherOptions() *HasherOptions {
	return &HasherOptions{
		CacheCap: 500,
		CacheTTL: 10 * time.Minute,
	}
}

// CacheStats - счётчики кэша хешей
type CacheStats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Swept     int64 `json:"swept"`
}

// Hasher считает детерминированные отпечатки контента.
// Кэш: fingerprint-key -> hash record, LRU вытеснение при переполнении,
// expiry-sweep при обращении.
type Hasher struct {
	mu    sync.Mutex
	opts  *HasherOptions
	cache map[uint64]*HashRecord
	stats CacheStats
	now   func() time.Time
}

// NewHasher создает hasher с кэшем
func NewHasher(opts *HasherOptions) *Hasher {
	if opts == nil {
		opts = DefaultHasherOptions()
	}
	return &Hasher{
		opts:  opts,
		cache: make(map[uint64]*HashRecord),
		now:   time.Now,
	}
}

// Fingerprint возвращает SHA-256 отпечаток нормализованного контента.
// Инвариант: Fingerprint(c) = Fingerprint(Normalize(c)) - timestamps и
// динамические id на отпечаток не влияют.
func (h *Hasher) Fingerprint(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformedInput)
	}

	key := cacheKey(content)

	h.mu.Lock()
	h.sweepLocked()
	if rec, ok := h.cache[key]; ok {
		rec.lastAccess = h.now()
		h.stats.Hits++
		fp := rec.Fingerprint
		h.mu.Unlock()
		return fp, nil
	}
	h.stats.Misses++
	h.mu.Unlock()

	normalized := Normalize(content)
	sum := sha256.Sum256([]byte(normalized))
	fp := fmt.Sprintf("%x", sum)

	h.mu.Lock()
	h.evictLocked()
	h.cache[key] = &HashRecord{
		Fingerprint: fp,
		ContentType: DetectContentType(content),
		CreatedAt:   h.now(),
		lastAccess:  h.now(),
	}
	h.mu.Unlock()

	return fp, nil
}

// Record возвращает кэшированную запись для контента, если она есть
func (h *Hasher) Record(content string) (*HashRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.cache[cacheKey(content)]
	return rec, ok
}

// CacheSize возвращает текущий размер кэша
func (h *Hasher) CacheSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cache)
}

// sweepLocked удаляет записи с истёкшим TTL
func (h *Hasher) sweepLocked() {
	cutoff := h.now().Add(-h.opts.CacheTTL)
	for key, rec := range h.cache {
		if rec.lastAccess.Before(cutoff) {
			delete(h.cache, key)
			h.stats.Swept++
		}
	}
}

// Stats возвращает счётчики кэша
func (h *Hasher) Stats() CacheStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.stats
	out.Size = len(h.cache)
	return out
}

// StartSweeper запускает периодическую очистку кэша; останавливается
// с контекстом
func (h *Hasher) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.mu.Lock()
				h.sweepLocked()
				h.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// evictLocked вытесняет наименее недавно использованную запись при переполнении
func (h *Hasher) evictLocked() {
	if len(h.cache) < h.opts.CacheCap {
		return
	}

	var oldestKey uint64
	var oldestTime time.Time
	first := true
	for key, rec := range h.cache {
		if first || rec.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = rec.lastAccess
			first = false
		}
	}
	delete(h.cache, oldestKey)
	h.stats.Evictions++
}

// IdempotencyKey строит ключ идемпотентности:
// SHA-256 над (canonical URL ⊕ normalized query ⊕ content fingerprint)
func IdempotencyKey(canonicalURL, normalizedQuery, fingerprint string) string {
	sum := sha256.Sum256([]byte(canonicalURL + "\x00" + normalizedQuery + "\x00" + fingerprint))
	return fmt.Sprintf("%x", sum)
}

// Normalize приводит контент к канонической форме для хеширования:
// без script/style/комментариев, без volatile атрибутов, без динамических
// суффиксов id, со схлопнутыми пробелами. Идемпотентна.
func Normalize(content string) string {
	if DetectContentType(content) != ContentHTML {
		return utils.CollapseWhitespace(content)
	}

	stripped := commentPattern.ReplaceAllString(content, "")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(stripped))
	if err != nil {
		return utils.CollapseWhitespace(stripped)
	}

	doc.Find("script, style, noscript").Remove()

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, node := range s.Nodes {
			kept := node.Attr[:0]
			for _, attr := range node.Attr {
				if volatileAttrs[attr.Key] || timestampValuePattern.MatchString(attr.Val) {
					continue
				}
				if attr.Key == "id" {
					if m := dynamicIDSuffixPattern.FindStringSubmatch(attr.Val); m != nil {
						attr.Val = m[1]
					}
				}
				kept = append(kept, attr)
			}
			// Детерминированный порядок атрибутов: серверные рендеры
			// перетасовывают их между ответами
			sort.Slice(kept, func(i, j int) bool { return kept[i].Key < kept[j].Key })
			node.Attr = kept
		}
	})

	rendered, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(rendered) == "" {
		rendered = utils.CollapseWhitespace(doc.Text())
	}

	return strings.TrimSpace(whitespaceRunPattern.ReplaceAllString(rendered, " "))
}

// DetectContentType определяет тип контента (метаданные, на хеш не влияет)
func DetectContentType(content string) ContentType {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ContentText
	}

	if !utf8.ValidString(trimmed) {
		return ContentBinary
	}

	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") ||
		strings.Contains(lower, "<body") || strings.Contains(lower, "<div") {
		return ContentHTML
	}

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if json.Valid([]byte(trimmed)) {
			return ContentJSON
		}
	}

	return ContentText
}

// cacheKey - быстрый 64-битный ключ кэша по сырому контенту
func cacheKey(content string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(content))
	return h.Sum64()
}
