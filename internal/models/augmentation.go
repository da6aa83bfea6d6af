package models

// CompletionEvidence - обязательная ссылка на anchor, без неё completion отбрасывается
type CompletionEvidence struct {
	AnchorID string `json:"anchor_id"`
}

// Completion - значение, предложенное моделью для пропущенного поля
type Completion struct {
	Field      string             `json:"field"`
	Value      string             `json:"value"`
	Evidence   CompletionEvidence `json:"evidence"`
	Confidence float64            `json:"confidence"`
}

// NewFieldProposal - предложение нового поля от модели.
// DOMAnchors должен содержать минимум min_support_threshold различных anchor ID.
type NewFieldProposal struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	Support    int       `json:"support"`
	DOMAnchors []string  `json:"dom_anchors"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
}

// Normalization - переименование поля; evidence не требуется
type Normalization struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Reasoning string `json:"reasoning,omitempty"`
}

// AugmentationResult - результат Track B. Пустой результат - валидный ответ:
// таймаут или ошибка модели не считаются ошибкой пайплайна.
type AugmentationResult struct {
	Completions    []Completion       `json:"completions"`
	NewFields      []NewFieldProposal `json:"new_fields"`
	Normalizations []Normalization    `json:"normalizations"`

	// Rejected считает предложения, не прошедшие round-trip валидацию
	Rejected int `json:"rejected,omitempty"`
}

// Empty возвращает true если augmentation ничего не добавляет
func (a *AugmentationResult) Empty() bool {
	return len(a.Completions) == 0 && len(a.NewFields) == 0 && len(a.Normalizations) == 0
}

// CompletionFor возвращает completion для поля, если модель его предложила
func (a *AugmentationResult) CompletionFor(field string) (Completion, bool) {
	for _, c := range a.Completions {
		if c.Field == field {
			return c, true
		}
	}
	return Completion{}, false
}

// AnchorSample - то единственное, что модель видит про DOM:
// opaque anchor ID, короткий текст, тип элемента и текст соседнего
// лейбла. Никаких селекторов.
type AnchorSample struct {
	AnchorID    string `json:"anchor_id"`
	TextPreview string `json:"text_preview"`
	ElementType string `json:"element_type"`
	Label       string `json:"label,omitempty"`
}
