// Package core holds the shared event model, the IOC classifier, the error
// taxonomy, and small concurrency primitives used across the ingestion and
// enrichment paths.
package core

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the normalized event severity scale.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is one of the defined severity levels.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Extension is one source-specific key/value pair carried on an event.
// Extensions preserve insertion order, unlike a map.
type Extension struct {
	Key   string `json:"key" msgpack:"key"`
	Value string `json:"value" msgpack:"value"`
}

// NormalizedEvent is the single event shape every connector produces.
type NormalizedEvent struct {
	ID              string      `json:"id"`
	AgentID         string      `json:"agent_id"`
	Severity        Severity    `json:"severity"`
	Category        string      `json:"category"`
	Engine          string      `json:"engine"`
	TimestampMillis int64       `json:"timestamp_millis"`
	Host            string      `json:"host"`
	Message         string      `json:"message"`
	Extensions      []Extension `json:"extensions,omitempty"`
}

// NewEvent creates an event stamped with the receiving connector's name, a
// fresh id, the current wall-clock time, and the default info severity.
func NewEvent(engine string) *NormalizedEvent {
	return &NormalizedEvent{
		ID:              uuid.New().String(),
		Engine:          engine,
		TimestampMillis: time.Now().UnixMilli(),
		Severity:        SeverityInfo,
	}
}

// AddExtension appends a key/value extension, preserving insertion order.
func (e *NormalizedEvent) AddExtension(key, value string) {
	e.Extensions = append(e.Extensions, Extension{Key: key, Value: value})
}

// Extension returns the value for key and whether it is present. The first
// occurrence wins when a key repeats.
func (e *NormalizedEvent) Extension(key string) (string, bool) {
	for _, ext := range e.Extensions {
		if ext.Key == key {
			return ext.Value, true
		}
	}
	return "", false
}
