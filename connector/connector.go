// Package connector defines the connector lifecycle contract and the manager
// that orchestrates register, init, start, and stop across connector
// instances without any protocol knowledge.
package connector

import (
	"sync"

	"argus/config"
)

// State is a connector's lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateRunning       State = "running"
	StateStopped       State = "stopped"
)

// Connector is implemented by every transport-specific connector. Init
// validates the connector's own required configuration fields and must fail
// fast on absence; Start may only be called after a successful Init. Stop is
// idempotent and returns once all owned resources are released.
type Connector interface {
	Name() string
	Init(cfg config.ConnectorConfig) error
	Start() error
	Stop() error
}

// StateTracker embeds the lifecycle state machine shared by connectors.
// The zero value is Uninitialized.
type StateTracker struct {
	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (t *StateTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == "" {
		return StateUninitialized
	}
	return t.state
}

// SetState transitions to the given state.
func (t *StateTracker) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// CanStart reports whether Start is permitted (requires a successful Init).
func (t *StateTracker) CanStart() bool {
	return t.State() == StateInitialized
}
