package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// EventType - тип телеметрийного события, излучается на границах стадий
type EventType string

const (
	EventContractGenerated  EventType = "contract_generated"
	EventDeterministicPass  EventType = "deterministic_pass"
	EventLLMAugmentation    EventType = "llm_augmentation"
	EventContractValidation EventType = "contract_validation"
	EventFallbackTaken      EventType = "fallback_taken"
	EventCache              EventType = "cache_event"
	EventPromotionDecision  EventType = "promotion_decision"
	EventStrictModeAction   EventType = "strict_mode_action"
	EventBudget             EventType = "budget_event"
)

// envelopeVersion - версия общего конверта событий
const envelopeVersion = "1"

// Event - общий конверт: {id, timestamp, type, version, request_id?, metadata?}
// плюс типизированный payload в Data
type Event struct {
	ID        string            `json:"id"`
	Timestamp int64             `json:"timestamp"`
	Type      EventType         `json:"type"`
	Version   string            `json:"version"`
	RequestID string            `json:"request_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Data      any               `json:"data,omitempty"`
}

// NewEvent создаёт событие с конвертом
func NewEvent(eventType EventType, requestID string, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().Unix(),
		Type:      eventType,
		Version:   envelopeVersion,
		RequestID: requestID,
		Data:      data,
	}
}
