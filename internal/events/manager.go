package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	ErrorOccurred EventType = "ERROR_OCCURRED"

	// Token discovery and ingestion events
	TokenCreated     EventType = "TOKEN_CREATED"
	BufferFlushed    EventType = "BUFFER_FLUSHED"
	IngestReconnected EventType = "INGEST_RECONNECTED"

	// Category lifecycle events
	CategoryChanged EventType = "CATEGORY_CHANGED"
	ScanCompleted   EventType = "SCAN_COMPLETED"
	ScanFailed      EventType = "SCAN_FAILED"
	ScanTimedOut    EventType = "SCAN_TIMED_OUT"

	// Buy evaluation events
	BuyEvaluated EventType = "BUY_EVALUATED"
	BuySignaled  EventType = "BUY_SIGNALED"

	// Enrichment events
	TokenEnriched      EventType = "TOKEN_ENRICHED"
	EnrichmentAbandoned EventType = "ENRICHMENT_ABANDONED"

	// Configuration events
	ConfigReloaded EventType = "CONFIG_RELOADED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Manager handles event emission, logging, and fan-out to any registered
// sinks (the admin broadcast hub subscribes this way).
type Manager struct {
	log zerolog.Logger

	mu    sync.RWMutex
	sinks []func(Event)
}

// NewManager creates a new event manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log: log.With().Str("service", "events").Logger(),
	}
}

// Subscribe registers fn to receive every subsequently-emitted event.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, fn)
}

// Emit emits an event
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	// Log event
	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")

	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, sink := range sinks {
		sink(event)
	}
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
