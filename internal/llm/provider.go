package llm

import (
	"context"

	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// Provider - узкий порт языковой модели. Ядро не привязано к вендору:
// обе операции - prompt + строгая схема ответа + дедлайн из контекста.
type Provider interface {
	// GenerateContract переводит запрос пользователя и образец контента
	// в предложение контракта
	GenerateContract(ctx context.Context, req *ContractRequest) (*ContractResponse, error)

	// GenerateAugmentation просит модель заполнить пробелы Track A,
	// цитируя только anchor ID из выборки
	GenerateAugmentation(ctx context.Context, req *AugmentationRequest) (*AugmentationResponse, error)
}

// ContractRequest - вход генерации контракта. Опции перечислены целиком:
// предпочитаемая модель, многословность, лимит токенов, abstain-политика.
type ContractRequest struct {
	Query          string `json:"query"`
	ContentSample  string `json:"content_sample"`
	PreferredModel string `json:"preferred_model,omitempty"`
	Verbosity      string `json:"verbosity,omitempty"` // "brief" или "detailed"
	MaxTokens      int    `json:"max_tokens,omitempty"`

	// AbstainOnInsufficientEvidence просит модель вернуть abstain=true
	// вместо слабого контракта
	AbstainOnInsufficientEvidence bool `json:"abstain_on_insufficient_evidence,omitempty"`
}

// ProposedField - поле контракта в ответе модели
type ProposedField struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Kind string `json:"kind"`
}

// ContractResponse - предложение контракта от модели
type ContractResponse struct {
	EntityName     string          `json:"entity_name"`
	Fields         []ProposedField `json:"fields"`
	AllowNewFields bool            `json:"allow_new_fields"`
	Abstain        bool            `json:"abstain,omitempty"`

	// TokensUsed заполняется провайдером после вызова, в схему ответа не входит
	TokensUsed int `json:"-"`
}

// FindingSummaryEntry - сводка Track A по одному полю, без селекторов
type FindingSummaryEntry struct {
	Field   string `json:"field"`
	Kind    string `json:"kind"`
	Support int    `json:"support"`
	Missing bool   `json:"missing"`
	Reason  string `json:"reason,omitempty"`
}

// AugmentationRequest - вход Track B. Модель видит только сводку контракта,
// сводку находок и выборку анкеров {id -> preview, element_type}.
type AugmentationRequest struct {
	EntityName     string                `json:"entity_name"`
	FindingSummary []FindingSummaryEntry `json:"finding_summary"`
	AnchorSamples  []models.AnchorSample `json:"anchor_samples"`
	MinSupport     int                   `json:"min_support"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
}

// completionEvidence - обязательная ссылка completion'а на anchor
type completionEvidence struct {
	AnchorID string `json:"anchor_id" jsonschema:"required"`
}

// CompletionPayload - completion в строгой схеме ответа
type CompletionPayload struct {
	Field      string             `json:"field"`
	Value      string             `json:"value"`
	Evidence   completionEvidence `json:"evidence"`
	Confidence float64            `json:"confidence"`
}

// NewFieldPayload - предложение нового поля в строгой схеме ответа
type NewFieldPayload struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Support    int      `json:"support"`
	DOMAnchors []string `json:"dom_anchors" jsonschema:"minItems=1"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// NormalizationPayload - переименование поля
type NormalizationPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Reasoning string `json:"reasoning,omitempty"`
}

// AugmentationResponse - строгая схема ответа Track B: ровно три массива,
// ничего сверх них
type AugmentationResponse struct {
	Completions    []CompletionPayload    `json:"completions"`
	NewFields      []NewFieldPayload      `json:"new_fields"`
	Normalizations []NormalizationPayload `json:"normalizations"`

	// TokensUsed заполняется провайдером после вызова, в схему ответа не входит
	TokensUsed int `json:"-"`
}

// TruncateString обрезает строку до указанной длины
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
