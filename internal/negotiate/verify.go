package negotiate

import (
	"fmt"

	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// Пост-проверка результата переговоров. Негоциатор - последний рубеж перед
// выдачей: нарушение его собственных инвариантов означает баг в шагах выше,
// и лучше поймать его до того, как записи уйдут наружу.

// CheckInvariants проверяет внутреннюю согласованность результата против
// контракта и находок; возвращает список нарушений, пустой - результат
// здоров.
func CheckInvariants(
	contract *models.Contract,
	result *models.NegotiationResult,
	findings *models.Findings,
) []string {
	if result == nil {
		return []string{"negotiation result is nil"}
	}
	if result.Status == models.NegotiationError {
		return checkErrorResult(contract, result, findings)
	}

	var out []string

	out = append(out, checkUniqueNames(result)...)
	out = append(out, checkRequiredCoverage(result)...)
	out = append(out, checkAdditionsBookkeeping(contract, result)...)
	out = append(out, checkRenameBookkeeping(result)...)

	if result.Evidence.Reliability < 0 || result.Evidence.Reliability > 1 {
		out = append(out, fmt.Sprintf("reliability %.3f outside [0,1]", result.Evidence.Reliability))
	}

	return out
}

// checkErrorResult: ошибка обязана называть отсутствующее required поле
func checkErrorResult(contract *models.Contract, result *models.NegotiationResult, findings *models.Findings) []string {
	var out []string

	if result.MissingField == "" {
		out = append(out, "error result without a missing_field")
		return out
	}

	spec, ok := contract.Field(result.MissingField)
	if !ok {
		out = append(out, fmt.Sprintf("missing_field %q is not a contract field", result.MissingField))
	} else if spec.Kind != models.FieldRequired {
		out = append(out, fmt.Sprintf("missing_field %q is %s, not required", result.MissingField, spec.Kind))
	}

	if findings != nil && findings.Support[result.MissingField] > 0 {
		out = append(out, fmt.Sprintf("missing_field %q actually has support %d",
			result.MissingField, findings.Support[result.MissingField]))
	}

	return out
}

// checkUniqueNames: имена финальной схемы уникальны
func checkUniqueNames(result *models.NegotiationResult) []string {
	var out []string
	seen := make(map[string]bool, len(result.FinalFields))
	for _, f := range result.FinalFields {
		if f.Name == "" {
			out = append(out, "final schema contains an unnamed field")
			continue
		}
		if seen[f.Name] {
			out = append(out, fmt.Sprintf("duplicate field %q in the final schema", f.Name))
		}
		seen[f.Name] = true
	}
	return out
}

// checkRequiredCoverage: required поле финальной схемы не может иметь
// нулевое покрытие - иначе переговоры обязаны были вернуть ошибку
func checkRequiredCoverage(result *models.NegotiationResult) []string {
	var out []string
	for _, f := range result.FinalFields {
		if f.Kind != models.FieldRequired {
			continue
		}
		if result.Evidence.Coverage[f.Name] == 0 {
			out = append(out, fmt.Sprintf("required field %q kept with zero coverage", f.Name))
		}
	}
	return out
}

// checkAdditionsBookkeeping: каждое добавление ссылается на существующее
// поле схемы, discovery добавления не ниже порога governance
func checkAdditionsBookkeeping(contract *models.Contract, result *models.NegotiationResult) []string {
	var out []string

	threshold := contract.Governance.MinSupportThreshold
	discoveries := 0

	for _, added := range result.Changes.Added {
		if !hasField(result.FinalFields, added.Field) {
			out = append(out, fmt.Sprintf("addition bookkeeping cites absent field %q", added.Field))
		}
		if added.Source == models.SourceDiscovery {
			discoveries++
			if added.Support < threshold {
				out = append(out, fmt.Sprintf("discovery %q promoted below min support %d", added.Field, threshold))
			}
		}
	}

	if discoveries > contract.Governance.MaxDiscoverable {
		out = append(out, fmt.Sprintf("%d discoveries exceed the %d slot cap",
			discoveries, contract.Governance.MaxDiscoverable))
	}

	return out
}

// checkRenameBookkeeping: после переименований старых имён в схеме нет,
// новые - есть
func checkRenameBookkeeping(result *models.NegotiationResult) []string {
	var out []string
	for _, renamed := range result.Changes.Renamed {
		if hasField(result.FinalFields, renamed.From) {
			out = append(out, fmt.Sprintf("renamed field %q still present under its old name", renamed.From))
		}
		if !hasField(result.FinalFields, renamed.To) {
			out = append(out, fmt.Sprintf("rename target %q absent from the final schema", renamed.To))
		}
	}
	return out
}

// Explain переводит бухгалтерию решений в человекочитаемые строки
// для логов и диагностики
func Explain(result *models.NegotiationResult) []string {
	if result == nil {
		return nil
	}

	if result.Status == models.NegotiationError {
		return []string{fmt.Sprintf("aborted: %s (%s)", result.Reason, result.MissingField)}
	}

	var out []string

	for _, pruned := range result.Changes.Pruned {
		out = append(out, fmt.Sprintf("pruned %s: %s", pruned.Field, pruned.Reason))
	}
	for _, demoted := range result.Changes.Demoted {
		out = append(out, fmt.Sprintf("demoted %s %s->%s: %s", demoted.Field, demoted.From, demoted.To, demoted.Reason))
	}
	for _, added := range result.Changes.Added {
		out = append(out, fmt.Sprintf("added %s (source=%s, support=%d)", added.Field, added.Source, added.Support))
	}
	for _, renamed := range result.Changes.Renamed {
		out = append(out, fmt.Sprintf("renamed %s -> %s", renamed.From, renamed.To))
	}
	for _, note := range result.Changes.Notes {
		out = append(out, "note: "+note)
	}

	return out
}
