package agent

import (
	"sort"
	"sync"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/logging"
)

// Manager owns the live agents on this host, one per agent id.
type Manager struct {
	mu     sync.RWMutex
	agents map[core.AgentID]*Agent
	logger *logging.Logger
}

// NewManager creates an empty agent manager.
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		agents: make(map[core.AgentID]*Agent),
		logger: logger,
	}
}

// Get returns the agent for id, or nil.
func (m *Manager) Get(id core.AgentID) *Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[id]
}

// GetOrCreate returns the existing agent for cfg.AgentID or constructs one.
// Construction is serialized so concurrent requests for the same id share a
// single agent.
func (m *Manager) GetOrCreate(cfg Config, opts ...Option) *Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.agents[cfg.AgentID]; existing != nil {
		return existing
	}
	a := New(cfg, opts...)
	m.agents[cfg.AgentID] = a
	m.logger.Info("agent created", "agent_id", cfg.AgentID, "behavior", cfg.Behavior)
	return a
}

// Remove detaches an agent, cancelling any running build and closing its
// websocket connections.
func (m *Manager) Remove(id core.AgentID) {
	m.mu.Lock()
	a := m.agents[id]
	delete(m.agents, id)
	m.mu.Unlock()
	if a == nil {
		return
	}
	a.CancelBuild()
	a.Hub().CloseAll()
	m.logger.Info("agent removed", "agent_id", id)
}

// List returns the ids of live agents, sorted.
func (m *Manager) List() []core.AgentID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]core.AgentID, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of live agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Shutdown removes every agent.
func (m *Manager) Shutdown() {
	for _, id := range m.List() {
		m.Remove(id)
	}
}
