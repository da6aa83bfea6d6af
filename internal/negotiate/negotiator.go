package negotiate

import (
	"fmt"
	"log"

	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// Negotiator - финальное ядро принятия решений. Не зовёт модель
// и не трогает DOM: только контракт, находки и augmentation.
// Порядок шагов фиксирован: required -> baseline -> expected/optional ->
// completions -> discovery promotion -> нормализации -> надёжность.

// Options - настройки переговоров
type Options struct {
	// DemotionShare - доля от baseline support, ниже которой expected
	// поле понижается до optional
	DemotionShare float64

	// StrictThresholdFactor - множитель порога promotion при строгой политике
	StrictThresholdFactor int

	// MinPromotionConfidence - минимальная уверенность предложения для
	// promotion; 0 отключает проверку
	MinPromotionConfidence float64
}

// DefaultOptions возвращает настройки по умолчанию
func DefaultOptions() *Options {
	return &Options{
		DemotionShare:          0.3,
		StrictThresholdFactor:  2,
		MinPromotionConfidence: 0,
	}
}

// Negotiator сводит контракт и два трека в финальную схему
type Negotiator struct {
	opts *Options
}

// New создает негоциатор с настройками по умолчанию
func New() *Negotiator {
	return NewWithOptions(nil)
}

// NewWithOptions создает негоциатор
func NewWithOptions(opts *Options) *Negotiator {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Negotiator{opts: opts}
}

// negotiationState - рабочее состояние одного прохода переговоров
type negotiationState struct {
	contract     *models.Contract
	findings     *models.Findings
	augmentation *models.AugmentationResult
	result       *models.NegotiationResult
	evidence     *evidenceCollector
	finalFields  []models.FieldSpec
	baseline     int
}

// Negotiate сводит контракт, Track A и Track B в финальную схему.
// Status = error только когда required поле без поддержки в обоих треках.
func (n *Negotiator) Negotiate(
	contract *models.Contract,
	findings *models.Findings,
	augmentation *models.AugmentationResult,
) *models.NegotiationResult {
	if findings == nil {
		findings = models.NewFindings()
	}
	if augmentation == nil {
		augmentation = &models.AugmentationResult{}
	}

	st := &negotiationState{
		contract:     contract,
		findings:     findings,
		augmentation: augmentation,
		result:       &models.NegotiationResult{Status: models.NegotiationSuccess},
		evidence:     newEvidenceCollector(),
	}

	// Шаг 1: required поля. Нулевая поддержка в обоих треках прерывает запрос.
	if failed := n.checkRequired(st); failed != nil {
		return failed
	}

	// Шаг 2: baseline - максимум ненулевой поддержки
	st.baseline = computeBaseline(findings)

	// Шаги 3/4: проход по полям контракта
	n.resolveContractFields(st)

	// Шаг 5: discovery promotion
	n.promoteDiscoveries(st)

	// Шаг 6: нормализации имён
	n.applyNormalizations(st)

	// Шаг 7: итоговая надёжность
	st.result.FinalFields = st.finalFields
	st.result.Evidence = st.evidence.summarize(st.finalFields)

	return st.result
}

// checkRequired прерывает переговоры, если required поле осталось без
// поддержки в обоих треках. Ошибка несёт испробованные селекторы.
func (n *Negotiator) checkRequired(st *negotiationState) *models.NegotiationResult {
	for _, spec := range st.contract.RequiredFields() {
		support := st.findings.Support[spec.Name]
		_, completed := st.augmentation.CompletionFor(spec.Name)

		if support > 0 || completed {
			continue
		}

		var selectorsTried []string
		if miss, ok := st.findings.MissFor(spec.Name); ok {
			selectorsTried = miss.SelectorsTried
		}

		log.Printf("❌ Negotiation failed: required field %q has zero support", spec.Name)
		return &models.NegotiationResult{
			Status:         models.NegotiationError,
			Reason:         "required_field_missing",
			MissingField:   spec.Name,
			SelectorsTried: selectorsTried,
			Changes:        st.result.Changes,
		}
	}
	return nil
}

// computeBaseline - максимум ненулевой поддержки по support map
func computeBaseline(findings *models.Findings) int {
	baseline := 0
	for _, support := range findings.Support {
		if support > baseline {
			baseline = support
		}
	}
	return baseline
}

// resolveContractFields решает судьбу каждого поля контракта:
// required остаётся, expected без evidence вычищается или
// восстанавливается completion'ом, слабый expected понижается
func (n *Negotiator) resolveContractFields(st *negotiationState) {
	for _, spec := range st.contract.Fields {
		support := st.findings.Support[spec.Name]

		switch spec.Kind {
		case models.FieldRequired:
			n.keepRequired(st, spec, support)

		case models.FieldExpected:
			n.resolveExpected(st, spec, support)

		case models.FieldOptional:
			if support > 0 {
				st.finalFields = append(st.finalFields, spec)
				st.evidence.observe(spec.Name, spec.Kind, st.findings, st.augmentation)
			}

		case models.FieldDiscoverable:
			// Discoverable поля контракта проходят через discovery promotion
		}
	}
}

// keepRequired оставляет required поле, отмечая конфликт значений треков
func (n *Negotiator) keepRequired(st *negotiationState, spec models.FieldSpec, support int) {
	st.finalFields = append(st.finalFields, spec)
	st.evidence.observe(spec.Name, spec.Kind, st.findings, st.augmentation)

	// Evidence-first: при конфликте Track A и completion выигрывает Track A
	if support > 0 {
		if _, completed := st.augmentation.CompletionFor(spec.Name); completed {
			st.result.Changes.Notes = append(st.result.Changes.Notes,
				fmt.Sprintf("completion_ignored: %s already supported by the deterministic track", spec.Name))
		}
	}
}

// resolveExpected решает судьбу expected поля
func (n *Negotiator) resolveExpected(st *negotiationState, spec models.FieldSpec, support int) {
	if support == 0 {
		if _, ok := st.augmentation.CompletionFor(spec.Name); ok {
			// Шаг 4: completion восстанавливает поле как optional
			reinstated := spec
			reinstated.Kind = models.FieldOptional
			st.finalFields = append(st.finalFields, reinstated)
			st.evidence.observe(spec.Name, models.FieldOptional, st.findings, st.augmentation)
			st.result.Changes.Added = append(st.result.Changes.Added, models.AddedField{
				Field:   spec.Name,
				Support: 1,
				Source:  models.SourceCompletion,
			})
			return
		}

		st.result.Changes.Pruned = append(st.result.Changes.Pruned, models.PrunedField{
			Field:  spec.Name,
			Reason: "zero_evidence_found",
		})
		return
	}

	if st.baseline > 0 && float64(support)/float64(st.baseline) < n.opts.DemotionShare {
		demoted := spec
		demoted.Kind = models.FieldOptional
		st.finalFields = append(st.finalFields, demoted)
		st.evidence.observe(spec.Name, models.FieldOptional, st.findings, st.augmentation)
		st.result.Changes.Demoted = append(st.result.Changes.Demoted, models.DemotedField{
			Field:  spec.Name,
			From:   models.FieldExpected,
			To:     models.FieldOptional,
			Reason: fmt.Sprintf("support %d below %.0f%% of baseline %d", support, n.opts.DemotionShare*100, st.baseline),
		})
		return
	}

	st.finalFields = append(st.finalFields, spec)
	st.evidence.observe(spec.Name, spec.Kind, st.findings, st.augmentation)
}
