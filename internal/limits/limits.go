package limits

import (
	"fmt"
	"time"
)

// ExtractionLimits определяет лимиты обхода DOM и отбора кандидатов
type ExtractionLimits struct {
	MaxCandidatesPerField int     `json:"max_candidates_per_field"`
	MinPatternInstances   int     `json:"min_pattern_instances"`
	DOMTraversalLimit     int     `json:"dom_traversal_limit"`
	ConfidenceThreshold   float64 `json:"confidence_threshold"`
	MaxAnchorSamples      int     `json:"max_anchor_samples"`
}

// DefaultExtractionLimits возвращает лимиты по умолчанию
func DefaultExtractionLimits() *ExtractionLimits {
	return &ExtractionLimits{
		MaxCandidatesPerField: 10,
		MinPatternInstances:   3,
		DOMTraversalLimit:     5000,
		ConfidenceThreshold:   0.6,
		MaxAnchorSamples:      5,
	}
}

// ExtractionLimiter предоставляет функциональность для контроля лимитов извлечения
type ExtractionLimiter struct {
	limits *ExtractionLimits
}

// NewExtractionLimiter создает новый лимитер
func NewExtractionLimiter(limits *ExtractionLimits) *ExtractionLimiter {
	if limits == nil {
		limits = DefaultExtractionLimits()
	}
	return &ExtractionLimiter{limits: limits}
}

// GetLimits возвращает текущие лимиты
func (el *ExtractionLimiter) GetLimits() *ExtractionLimits {
	return el.limits
}

// UpdateLimits обновляет лимиты
func (el *ExtractionLimiter) UpdateLimits(limits *ExtractionLimits) error {
	if limits.MaxCandidatesPerField <= 0 {
		return fmt.Errorf("MaxCandidatesPerField must be positive")
	}
	if limits.MinPatternInstances <= 0 {
		return fmt.Errorf("MinPatternInstances must be positive")
	}
	if limits.DOMTraversalLimit <= 0 {
		return fmt.Errorf("DOMTraversalLimit must be positive")
	}
	if limits.ConfidenceThreshold <= 0 || limits.ConfidenceThreshold > 1 {
		return fmt.Errorf("ConfidenceThreshold must be in (0, 1]")
	}
	if limits.MaxAnchorSamples <= 0 {
		return fmt.Errorf("MaxAnchorSamples must be positive")
	}

	el.limits = limits
	return nil
}

// ValidateLimits проверяет валидность лимитов
func (el *ExtractionLimiter) ValidateLimits() error {
	if el.limits.MaxCandidatesPerField > 100 {
		return fmt.Errorf("MaxCandidatesPerField too large (> 100)")
	}
	if el.limits.DOMTraversalLimit > 100000 {
		return fmt.Errorf("DOMTraversalLimit too large (> 100000)")
	}
	if el.limits.MaxAnchorSamples > 50 {
		return fmt.Errorf("MaxAnchorSamples too large (> 50)")
	}
	return nil
}

// clock абстрагирует время для тестов rate limiter'а и circuit breaker'а
type clock func() time.Time
