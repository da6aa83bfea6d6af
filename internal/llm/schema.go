package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Фиксированные схемы ответов узкого порта. Схема augmentation жёсткая:
// ровно три верхнеуровневых массива, additionalProperties и
// unevaluatedProperties запрещены, evidence.anchor_id обязателен,
// dom_anchors не пуст. Провайдеры передают схему модели как
// response_format и декодируют ответ строго.

// fieldTypeEnum - допустимые типы полей в ответах модели
var fieldTypeEnum = []any{
	"string", "richtext", "url", "email", "phone",
	"number", "date", "enum", "array", "image", "boolean",
}

// AugmentationResponseSchema возвращает строгую схему ответа Track B
func AugmentationResponseSchema() map[string]any {
	return map[string]any{
		"type":                  "object",
		"additionalProperties":  false,
		"unevaluatedProperties": false,
		"required":              []any{"completions", "new_fields", "normalizations"},
		"properties": map[string]any{
			"completions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []any{"field", "value", "evidence", "confidence"},
					"properties": map[string]any{
						"field":      map[string]any{"type": "string"},
						"value":      map[string]any{"type": "string"},
						"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
						"evidence": map[string]any{
							"type":                 "object",
							"additionalProperties": false,
							"required":             []any{"anchor_id"},
							"properties": map[string]any{
								"anchor_id": map[string]any{"type": "string"},
							},
						},
					},
				},
			},
			"new_fields": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []any{"name", "type", "support", "dom_anchors", "confidence"},
					"properties": map[string]any{
						"name":       map[string]any{"type": "string"},
						"type":       map[string]any{"type": "string", "enum": fieldTypeEnum},
						"support":    map[string]any{"type": "integer", "minimum": 0},
						"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
						"reasoning":  map[string]any{"type": "string"},
						"dom_anchors": map[string]any{
							"type":     "array",
							"minItems": 1,
							"items":    map[string]any{"type": "string"},
						},
					},
				},
			},
			"normalizations": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []any{"from", "to"},
					"properties": map[string]any{
						"from":      map[string]any{"type": "string"},
						"to":        map[string]any{"type": "string"},
						"reasoning": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

// ContractResponseSchema возвращает схему предложения контракта
func ContractResponseSchema() map[string]any {
	return map[string]any{
		"type":                  "object",
		"additionalProperties":  false,
		"unevaluatedProperties": false,
		"required":              []any{"entity_name", "fields", "allow_new_fields"},
		"properties": map[string]any{
			"entity_name":      map[string]any{"type": "string"},
			"allow_new_fields": map[string]any{"type": "boolean"},
			"abstain":          map[string]any{"type": "boolean"},
			"fields": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []any{"name", "type", "kind"},
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
						"type": map[string]any{"type": "string", "enum": fieldTypeEnum},
						"kind": map[string]any{
							"type": "string",
							"enum": []any{"required", "expected", "optional"},
						},
					},
				},
			},
		},
	}
}

// DecodeStrict декодирует JSON ответа модели, отклоняя неизвестные поля:
// схема запрещает additionalProperties, декодер обязан это проверить
func DecodeStrict[T any](raw []byte) (*T, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	var out T
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("response violates schema: %w", err)
	}

	// Хвост после первого значения - тоже нарушение схемы
	if decoder.More() {
		return nil, fmt.Errorf("response violates schema: trailing content")
	}
	return &out, nil
}
