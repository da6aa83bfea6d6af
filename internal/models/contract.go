package models

// FieldKind определяет, как отсутствие значения влияет на итоговую запись
type FieldKind string

const (
	FieldRequired     FieldKind = "required"
	FieldExpected     FieldKind = "expected"
	FieldOptional     FieldKind = "optional"
	FieldDiscoverable FieldKind = "discoverable"
)

// FieldType - тип значения поля
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeRichText FieldType = "richtext"
	TypeURL      FieldType = "url"
	TypeEmail    FieldType = "email"
	TypePhone    FieldType = "phone"
	TypeNumber   FieldType = "number"
	TypeDate     FieldType = "date"
	TypeEnum     FieldType = "enum"
	TypeArray    FieldType = "array"
	TypeImage    FieldType = "image"
	TypeBoolean  FieldType = "boolean"
)

// GovernancePolicy управляет тем, как принимаются новые поля
type GovernancePolicy string

const (
	PolicyEvidenceFirst GovernancePolicy = "evidence-first"
	PolicyStrict        GovernancePolicy = "strict"
)

// ContractMode определяет семантику отсутствующих значений:
// strict - отсутствие required прерывает запрос,
// soft - отсутствующие поля просто опускаются из записи
type ContractMode string

const (
	ModeStrict ContractMode = "strict"
	ModeSoft   ContractMode = "soft"
)

// DetectorKind - способ поиска кандидатов для поля, выбирается по имени/типу поля
type DetectorKind string

const (
	DetectorTitleLike       DetectorKind = "title-like"
	DetectorDescriptionLike DetectorKind = "description-like"
	DetectorLinkLike        DetectorKind = "link-like"
	DetectorGeneric         DetectorKind = "generic"
)

// FieldSpec описывает одно поле контракта. Detector/Extractor/Validators -
// декларативная часть: конкретные функции строятся пакетом extract по типу и имени.
type FieldSpec struct {
	Name       string       `json:"name"`
	Kind       FieldKind    `json:"kind"`
	Type       FieldType    `json:"type"`
	Detector   DetectorKind `json:"detector"`
	MinSupport int          `json:"min_support"`

	// AnchorHints заполняется только для полей, добавленных через discovery:
	// anchor ID, на которых строится generic detector
	AnchorHints []string `json:"anchor_hints,omitempty"`
}

// Governance - правила принятия решений негоциатором
type Governance struct {
	AllowNewFields      bool             `json:"allow_new_fields"`
	Policy              GovernancePolicy `json:"policy"`
	MinSupportThreshold int              `json:"min_support_threshold"`
	MaxDiscoverable     int              `json:"max_discoverable_fields"`
}

// Contract - типизированная схема с governance, создаётся один раз на запрос
// и после генерации только читается
type Contract struct {
	ID         string       `json:"id"`
	EntityName string       `json:"entity_name"`
	Fields     []FieldSpec  `json:"fields"`
	Governance Governance   `json:"governance"`
	Mode       ContractMode `json:"mode"`

	// FromTemplate = true если контракт получен из библиотеки шаблонов (abstention)
	FromTemplate bool `json:"from_template,omitempty"`
}

// DefaultGovernance возвращает governance по умолчанию
func DefaultGovernance() Governance {
	return Governance{
		AllowNewFields:      true,
		Policy:              PolicyEvidenceFirst,
		MinSupportThreshold: 3,
		MaxDiscoverable:     5,
	}
}

// Field возвращает спецификацию поля по имени
func (c *Contract) Field(name string) (FieldSpec, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// RequiredFields возвращает только required поля
func (c *Contract) RequiredFields() []FieldSpec {
	var out []FieldSpec
	for _, f := range c.Fields {
		if f.Kind == FieldRequired {
			out = append(out, f)
		}
	}
	return out
}
