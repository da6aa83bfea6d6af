package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// GenericProvider говорит с любым OpenAI-совместимым API напрямую:
// узкий вызов prompt + response_schema + max_tokens + дедлайн из контекста.
// Используется, когда LLM_PROVIDER=generic (self-hosted модели, прокси).
type GenericProvider struct {
	baseURL    string
	apiKey     string
	modelFast  string
	modelSmart string
	client     *http.Client
}

// genericRequestTimeout - потолок одного HTTP вызова; дедлайн стадии
// приходит через контекст и обычно короче
const genericRequestTimeout = 60 * time.Second

// NewGenericProvider создаёт провайдер для OpenAI-совместимого API
func NewGenericProvider(baseURL, apiKey, modelFast, modelSmart string) *GenericProvider {
	return &GenericProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		modelFast:  modelFast,
		modelSmart: modelSmart,
		client:     &http.Client{Timeout: genericRequestTimeout},
	}
}

// chatRequest - тело запроса chat/completions
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse - тело ответа chat/completions
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// call - узкий порт: prompt + схема ответа + лимит токенов, дедлайн
// приходит контекстом. Возвращает сырой JSON ответа и потраченные токены.
func (p *GenericProvider) call(
	ctx context.Context,
	model, prompt string,
	schema map[string]any,
	maxTokens int,
) (json.RawMessage, int, error) {
	payload := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		MaxTokens: maxTokens,
		ResponseFormat: map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"strict": true,
				"schema": schema,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("LLM call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("LLM call returned %d: %s", resp.StatusCode, TruncateString(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, 0, fmt.Errorf("parse response envelope: %w", err)
	}
	if parsed.Error != nil {
		return nil, 0, fmt.Errorf("LLM error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, parsed.Usage.TotalTokens, fmt.Errorf("LLM returned no choices")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	content = stripCodeFence(content)

	return json.RawMessage(content), parsed.Usage.TotalTokens, nil
}

// GenerateContract переводит запрос в предложение контракта
func (p *GenericProvider) GenerateContract(ctx context.Context, req *ContractRequest) (*ContractResponse, error) {
	model := p.modelFast
	if req.PreferredModel != "" {
		model = req.PreferredModel
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	raw, tokens, err := p.call(ctx, model, BuildContractPrompt(req), ContractResponseSchema(), maxTokens)
	if err != nil {
		return nil, fmt.Errorf("contract generation failed: %w", err)
	}

	result, err := DecodeStrict[ContractResponse](raw)
	if err != nil {
		return nil, err
	}

	result.TokensUsed = tokens
	log.Printf("✅ Contract proposal (generic): entity=%s, fields=%d, tokens=%d",
		result.EntityName, len(result.Fields), tokens)
	return result, nil
}

// GenerateAugmentation просит модель дозаполнить пробелы Track A
func (p *GenericProvider) GenerateAugmentation(ctx context.Context, req *AugmentationRequest) (*AugmentationResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}

	raw, tokens, err := p.call(ctx, p.modelSmart, BuildAugmentationPrompt(req), AugmentationResponseSchema(), maxTokens)
	if err != nil {
		return nil, fmt.Errorf("augmentation failed: %w", err)
	}

	result, err := DecodeStrict[AugmentationResponse](raw)
	if err != nil {
		return nil, err
	}

	result.TokensUsed = tokens
	log.Printf("✅ Augmentation (generic): completions=%d, new_fields=%d, tokens=%d",
		len(result.Completions), len(result.NewFields), tokens)
	return result, nil
}

// stripCodeFence снимает markdown ограждение, если модель его добавила
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
