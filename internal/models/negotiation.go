package models

// NegotiationStatus - итог переговоров схемы
type NegotiationStatus string

const (
	NegotiationSuccess NegotiationStatus = "success"
	NegotiationError   NegotiationStatus = "error"
)

// AdditionSource - откуда пришло добавленное поле
type AdditionSource string

const (
	SourceDiscovery  AdditionSource = "discovery"
	SourceCompletion AdditionSource = "completion"
)

// PrunedField - поле, убранное из схемы с причиной
type PrunedField struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// AddedField - поле, добавленное в схему
type AddedField struct {
	Field   string         `json:"field"`
	Support int            `json:"support"`
	Source  AdditionSource `json:"source"`
}

// DemotedField - поле, пониженное в kind из-за слабой поддержки
type DemotedField struct {
	Field  string    `json:"field"`
	From   FieldKind `json:"from"`
	To     FieldKind `json:"to"`
	Reason string    `json:"reason"`
}

// RenamedField - применённая нормализация имени
type RenamedField struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SchemaChanges - бухгалтерия решений негоциатора
type SchemaChanges struct {
	Pruned  []PrunedField  `json:"pruned,omitempty"`
	Added   []AddedField   `json:"added,omitempty"`
	Demoted []DemotedField `json:"demoted,omitempty"`
	Renamed []RenamedField `json:"renamed,omitempty"`

	// Notes - предупреждения, не влияющие на схему (например normalization_conflict)
	Notes []string `json:"notes,omitempty"`
}

// FieldEvidence - доказательная база одного поля итоговой схемы.
// Только счётчики и оценки: ни anchor ID, ни селекторов.
type FieldEvidence struct {
	Kind            FieldKind `json:"kind"`
	Support         int       `json:"support"`
	DistinctAnchors int       `json:"distinct_anchors"`
	BestConfidence  float64   `json:"best_confidence"`
	FromTrackA      bool      `json:"from_track_a"`
	FromTrackB      bool      `json:"from_track_b"`
	Reliability     float64   `json:"reliability"`
}

// EvidenceSummary - сводка по доказательной базе итоговой схемы
type EvidenceSummary struct {
	TotalSupport int                      `json:"total_support"`
	Coverage     map[string]int           `json:"per_field_coverage"`
	Reliability  float64                  `json:"reliability"`
	PerKind      map[FieldKind]float64    `json:"per_kind_reliability,omitempty"`
	Details      map[string]FieldEvidence `json:"details,omitempty"`
}

// NegotiationResult - финальное решение: схема плюс бухгалтерия.
// Status = error только если required поле осталось без поддержки в обоих треках.
type NegotiationResult struct {
	Status       NegotiationStatus `json:"status"`
	FinalFields  []FieldSpec       `json:"final_fields,omitempty"`
	Changes      SchemaChanges     `json:"changes"`
	Evidence     EvidenceSummary   `json:"evidence"`
	Reason       string            `json:"reason,omitempty"`
	MissingField string            `json:"missing_field,omitempty"`

	// SelectorsTried заполняется при required-field ошибке для диагностики
	SelectorsTried []string `json:"selectors_tried,omitempty"`
}
