package telemetry

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Sink принимает сериализованные батчи событий (websocket hub, файл, тест)
type Sink interface {
	Send(payload []byte)
}

// EmitterOptions - конфигурация эмиттера. Поверхность перечислена целиком:
// размер батча, интервал сброса, редакция PII, sampling по типу события.
type EmitterOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	RedactPII     bool
	SamplingRates map[EventType]float64 // 1.0 = каждое, 0.5 = каждое второе
}

// DefaultEmitterOptions возвращает конфигурацию по умолчанию
func DefaultEmitterOptions() *EmitterOptions {
	return &EmitterOptions{
		BatchSize:     20,
		FlushInterval: 2 * time.Second,
		RedactPII:     true,
		SamplingRates: map[EventType]float64{},
	}
}

// Emitter буферизует события и отправляет их батчами в sink.
// Sampling детерминированный: счётчик по типу события.
type Emitter struct {
	mu       sync.Mutex
	opts     *EmitterOptions
	sink     Sink
	buffer   []Event
	counters map[EventType]int
	ticker   *time.Ticker
	stopChan chan struct{}
	stopped  bool
}

// NewEmitter создаёт эмиттер и запускает периодический сброс
func NewEmitter(sink Sink, opts *EmitterOptions) *Emitter {
	if opts == nil {
		opts = DefaultEmitterOptions()
	}

	e := &Emitter{
		opts:     opts,
		sink:     sink,
		counters: make(map[EventType]int),
		stopChan: make(chan struct{}),
	}

	if opts.FlushInterval > 0 {
		e.ticker = time.NewTicker(opts.FlushInterval)
		go func() {
			for {
				select {
				case <-e.ticker.C:
					e.Flush()
				case <-e.stopChan:
					return
				}
			}
		}()
	}

	return e
}

// Emit ставит событие в буфер с учётом sampling; полный батч сбрасывается сразу
func (e *Emitter) Emit(event Event) {
	e.mu.Lock()

	if e.stopped {
		e.mu.Unlock()
		return
	}

	if !e.sampleLocked(event.Type) {
		e.mu.Unlock()
		return
	}

	e.buffer = append(e.buffer, event)
	full := len(e.buffer) >= e.opts.BatchSize
	e.mu.Unlock()

	if full {
		e.Flush()
	}
}

// sampleLocked решает, проходит ли событие sampling данного типа
func (e *Emitter) sampleLocked(eventType EventType) bool {
	rate, ok := e.opts.SamplingRates[eventType]
	if !ok || rate >= 1.0 {
		return true
	}
	if rate <= 0 {
		return false
	}

	e.counters[eventType]++
	period := int(1.0 / rate)
	if period < 1 {
		period = 1
	}
	return e.counters[eventType]%period == 1 || period == 1
}

// Flush отправляет накопленный батч в sink
func (e *Emitter) Flush() {
	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	payload, err := json.Marshal(batch)
	if err != nil {
		log.Printf("❌ Failed to marshal telemetry batch: %v", err)
		return
	}

	if e.opts.RedactPII {
		payload = Redact(payload)
	}

	if e.sink != nil {
		e.sink.Send(payload)
	}
}

// Stop останавливает периодический сброс и отправляет остаток буфера
func (e *Emitter) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	if e.ticker != nil {
		close(e.stopChan)
		e.ticker.Stop()
	}
	e.Flush()
}
