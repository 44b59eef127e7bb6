package connector

import (
	"fmt"
	"sync"

	"argus/config"
	"argus/storage"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager orchestrates the lifecycle of all registered connectors. Lifecycle
// methods run in registration order; a failure in one connector never
// prevents attempting the others, and the batch error aggregates every
// individual failure for the caller.
type Manager struct {
	mu         sync.Mutex
	connectors []Connector
	states     map[string]State
	stateStore *storage.ConnectorStateStore
	logger     *zap.SugaredLogger
}

// NewManager creates a connector manager. stateStore may be nil; status
// persistence is then skipped.
func NewManager(stateStore *storage.ConnectorStateStore, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		states:     make(map[string]State),
		stateStore: stateStore,
		logger:     logger,
	}
}

// Register adds a connector to the managed set. Registration order is the
// order lifecycle methods are applied in.
func (m *Manager) Register(c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors = append(m.connectors, c)
	m.states[c.Name()] = StateUninitialized
	m.logger.Infof("Registered connector %s", c.Name())
}

// InitializeAll looks up each registered connector's configuration by its
// declared name and calls Init. A connector without a matching config
// receives the empty configuration; connectors validate their own required
// fields. Failures are aggregated and surfaced after the whole batch ran.
func (m *Manager) InitializeAll(configs map[string]config.ConnectorConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for _, c := range m.connectors {
		cfg := configs[c.Name()] // zero value when absent
		if err := c.Init(cfg); err != nil {
			m.logger.Errorf("Failed to initialize connector %s: %v", c.Name(), err)
			m.recordState(c.Name(), StateUninitialized, err)
			errs = multierr.Append(errs, fmt.Errorf("init %s: %w", c.Name(), err))
			continue
		}
		m.recordState(c.Name(), StateInitialized, nil)
		m.logger.Infof("Initialized connector %s", c.Name())
	}
	return errs
}

// StartAll starts every initialized connector in registration order,
// aggregating failures. Connectors that failed init are skipped.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for _, c := range m.connectors {
		if m.states[c.Name()] != StateInitialized {
			continue
		}
		if err := c.Start(); err != nil {
			m.logger.Errorf("Failed to start connector %s: %v", c.Name(), err)
			m.recordState(c.Name(), StateInitialized, err)
			errs = multierr.Append(errs, fmt.Errorf("start %s: %w", c.Name(), err))
			continue
		}
		m.recordState(c.Name(), StateRunning, nil)
		m.logger.Infof("Started connector %s", c.Name())
	}
	return errs
}

// StopAll stops every running connector in registration order. Stopping a
// connector that is not running is a no-op.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for _, c := range m.connectors {
		if m.states[c.Name()] != StateRunning {
			continue
		}
		if err := c.Stop(); err != nil {
			m.logger.Errorf("Failed to stop connector %s: %v", c.Name(), err)
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
		}
		m.recordState(c.Name(), StateStopped, nil)
		m.logger.Infof("Stopped connector %s", c.Name())
	}
	return errs
}

// States returns a snapshot of each connector's lifecycle state.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[string]State, len(m.states))
	for name, s := range m.states {
		snapshot[name] = s
	}
	return snapshot
}

func (m *Manager) recordState(name string, s State, cause error) {
	m.states[name] = s
	if m.stateStore == nil {
		return
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if err := m.stateStore.SetStatus(name, string(s), lastError); err != nil {
		m.logger.Warnf("Failed to persist state for connector %s: %v", name, err)
	}
}
