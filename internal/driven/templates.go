package driven

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/BetterCallFirewall/Extracton/internal/extract"
	"github.com/BetterCallFirewall/Extracton/internal/llm"
	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// contractTemplate - известный паттерн запроса и канонический набор полей
type contractTemplate struct {
	pattern    *regexp.Regexp
	entityName string
	fields     []models.FieldSpec
}

// Библиотека шаблонов: сопоставляется с запросом пользователя, когда
// генератор контрактов abstain'ится или недоступен
var contractTemplates = []contractTemplate{
	{
		pattern:    regexp.MustCompile(`(?i)(people|person|faculty|staff|team|employee|member|author)`),
		entityName: "person",
		fields: []models.FieldSpec{
			{Name: "name", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "title", Kind: models.FieldExpected, Type: models.TypeString},
			{Name: "email", Kind: models.FieldExpected, Type: models.TypeEmail},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(product|item|goods|catalog|listing)`),
		entityName: "product",
		fields: []models.FieldSpec{
			{Name: "name", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "price", Kind: models.FieldExpected, Type: models.TypeString},
			{Name: "image", Kind: models.FieldExpected, Type: models.TypeImage},
			{Name: "description", Kind: models.FieldExpected, Type: models.TypeRichText},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(article|post|news|blog|publication)`),
		entityName: "article",
		fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "date", Kind: models.FieldExpected, Type: models.TypeDate},
			{Name: "url", Kind: models.FieldExpected, Type: models.TypeURL},
			{Name: "summary", Kind: models.FieldExpected, Type: models.TypeRichText},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(event|conference|meetup|seminar|schedule)`),
		entityName: "event",
		fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "date", Kind: models.FieldExpected, Type: models.TypeDate},
			{Name: "location", Kind: models.FieldExpected, Type: models.TypeString},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(department|division|unit|office|group)`),
		entityName: "department",
		fields: []models.FieldSpec{
			{Name: "name", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "email", Kind: models.FieldExpected, Type: models.TypeEmail},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(course|class|lecture|curriculum|syllabus)`),
		entityName: "course",
		fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "instructor", Kind: models.FieldExpected, Type: models.TypeString},
			{Name: "description", Kind: models.FieldExpected, Type: models.TypeRichText},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(job|vacanc|position|opening|career)`),
		entityName: "job",
		fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "location", Kind: models.FieldExpected, Type: models.TypeString},
			{Name: "url", Kind: models.FieldExpected, Type: models.TypeURL},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(recipe|ingredient|dish|cooking)`),
		entityName: "recipe",
		fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "ingredients", Kind: models.FieldExpected, Type: models.TypeArray},
			{Name: "image", Kind: models.FieldExpected, Type: models.TypeImage},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(propert|real.?estate|apartment|house|listing.*rent)`),
		entityName: "property",
		fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "price", Kind: models.FieldExpected, Type: models.TypeString},
			{Name: "location", Kind: models.FieldExpected, Type: models.TypeString},
			{Name: "image", Kind: models.FieldExpected, Type: models.TypeImage},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(publication|paper|citation|journal|thesis)`),
		entityName: "publication",
		fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "authors", Kind: models.FieldExpected, Type: models.TypeString},
			{Name: "date", Kind: models.FieldExpected, Type: models.TypeDate},
			{Name: "url", Kind: models.FieldExpected, Type: models.TypeURL},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(review|rating|testimonial|feedback)`),
		entityName: "review",
		fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "rating", Kind: models.FieldExpected, Type: models.TypeNumber},
			{Name: "text", Kind: models.FieldExpected, Type: models.TypeRichText},
		},
	},
	{
		pattern:    regexp.MustCompile(`(?i)(organi[sz]ation|compan|vendor|sponsor|partner)`),
		entityName: "organization",
		fields: []models.FieldSpec{
			{Name: "name", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "url", Kind: models.FieldExpected, Type: models.TypeURL},
			{Name: "description", Kind: models.FieldExpected, Type: models.TypeRichText},
		},
	},
}

// Атрибуты, которые пользователь может перечислить в запросе
// ("with name, title, email") - дополняют поля шаблона
var requestedFieldTypes = map[string]models.FieldType{
	"name":        models.TypeString,
	"title":       models.TypeString,
	"email":       models.TypeEmail,
	"phone":       models.TypePhone,
	"url":         models.TypeURL,
	"link":        models.TypeURL,
	"website":     models.TypeURL,
	"image":       models.TypeImage,
	"photo":       models.TypeImage,
	"price":       models.TypeString,
	"date":        models.TypeDate,
	"location":    models.TypeString,
	"address":     models.TypeString,
	"description": models.TypeRichText,
	"summary":     models.TypeRichText,
	"rating":      models.TypeNumber,
	"author":      models.TypeString,
	"category":    models.TypeString,
}

// fieldListPattern - хвост запроса вида "with a, b and c"
var fieldListPattern = regexp.MustCompile(`(?i)\bwith\s+(.+)$`)

// parseRequestedFields достаёт перечисленные пользователем атрибуты
// из свободного текста запроса
func parseRequestedFields(query string) []models.FieldSpec {
	m := fieldListPattern.FindStringSubmatch(query)
	if m == nil {
		return nil
	}

	tail := strings.NewReplacer(" and ", ",", " или ", ",", " и ", ",").Replace(strings.ToLower(m[1]))

	var out []models.FieldSpec
	seen := make(map[string]bool)
	for _, part := range strings.Split(tail, ",") {
		word := strings.TrimSpace(part)
		fieldType, known := requestedFieldTypes[word]
		if !known || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, models.FieldSpec{
			Name: word,
			Kind: models.FieldExpected,
			Type: fieldType,
		})
	}
	return out
}

// TemplateContract подбирает контракт из библиотеки шаблонов по запросу.
// Перечисленные в запросе атрибуты ("with name, email") дополняют поля
// шаблона. Когда ни один шаблон не подходит - минимальный generic
// контракт {title: required} с разрешёнными новыми полями.
func TemplateContract(query string) *models.Contract {
	for _, tpl := range contractTemplates {
		if !tpl.pattern.MatchString(query) {
			continue
		}

		fields := make([]models.FieldSpec, len(tpl.fields))
		copy(fields, tpl.fields)

		for _, requested := range parseRequestedFields(query) {
			exists := false
			for _, f := range fields {
				if f.Name == requested.Name {
					exists = true
					break
				}
			}
			if !exists {
				fields = append(fields, requested)
			}
		}

		fillDetectors(fields)

		return &models.Contract{
			ID:           uuid.New().String(),
			EntityName:   tpl.entityName,
			Fields:       fields,
			Governance:   models.DefaultGovernance(),
			Mode:         models.ModeSoft,
			FromTemplate: true,
		}
	}

	return genericContract()
}

// genericContract - минимальный контракт последней надежды
func genericContract() *models.Contract {
	fields := []models.FieldSpec{
		{Name: "title", Kind: models.FieldRequired, Type: models.TypeString},
	}
	fillDetectors(fields)

	return &models.Contract{
		ID:           uuid.New().String(),
		EntityName:   "item",
		Fields:       fields,
		Governance:   models.DefaultGovernance(),
		Mode:         models.ModeSoft,
		FromTemplate: true,
	}
}

// contractFromResponse собирает контракт из ответа модели;
// abstain или пустой список полей откатываются в библиотеку шаблонов
func contractFromResponse(resp *llm.ContractResponse, query string) *models.Contract {
	if resp == nil || resp.Abstain || len(resp.Fields) == 0 {
		return TemplateContract(query)
	}

	var fields []models.FieldSpec
	for _, f := range resp.Fields {
		kind := models.FieldKind(strings.ToLower(f.Kind))
		switch kind {
		case models.FieldRequired, models.FieldExpected, models.FieldOptional:
		default:
			kind = models.FieldExpected
		}

		fieldType := models.FieldType(strings.ToLower(f.Type))
		if !validFieldType(fieldType) {
			fieldType = models.TypeString
		}

		fields = append(fields, models.FieldSpec{
			Name: strings.TrimSpace(f.Name),
			Kind: kind,
			Type: fieldType,
		})
	}
	fillDetectors(fields)

	governance := models.DefaultGovernance()
	governance.AllowNewFields = resp.AllowNewFields

	entity := strings.TrimSpace(resp.EntityName)
	if entity == "" {
		entity = "item"
	}

	return &models.Contract{
		ID:         uuid.New().String(),
		EntityName: entity,
		Fields:     fields,
		Governance: governance,
		Mode:       models.ModeSoft,
	}
}

// fillDetectors проставляет вид детектора по имени и типу каждого поля
func fillDetectors(fields []models.FieldSpec) {
	for i := range fields {
		fields[i].Detector = extract.KindFor(fields[i].Name, fields[i].Type)
	}
}

// validFieldType проверяет принадлежность типа перечислению
func validFieldType(t models.FieldType) bool {
	switch t {
	case models.TypeString, models.TypeRichText, models.TypeURL, models.TypeEmail,
		models.TypePhone, models.TypeNumber, models.TypeDate, models.TypeEnum,
		models.TypeArray, models.TypeImage, models.TypeBoolean:
		return true
	}
	return false
}

