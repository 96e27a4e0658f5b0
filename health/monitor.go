package health

import (
	"sync"
	"time"
)

// Monitor keeps the latest status reported under each name. The registry
// keys it by device id.
type Monitor struct {
	mu     sync.RWMutex
	now    func() time.Time
	byName map[string]Status
}

// NewMonitor returns an empty Monitor
func NewMonitor() *Monitor {
	return &Monitor{now: time.Now, byName: make(map[string]Status)}
}

// Observe records status as the current state of name. The component is
// forced to name and a zero timestamp is stamped.
func (m *Monitor) Observe(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = m.now()
	}

	m.mu.Lock()
	m.byName[name] = status
	m.mu.Unlock()
}

// Lookup returns the last status observed for name
func (m *Monitor) Lookup(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.byName[name]
	return status, ok
}

// Forget drops name
func (m *Monitor) Forget(name string) {
	m.mu.Lock()
	delete(m.byName, name)
	m.mu.Unlock()
}

// Len is the number of names tracked
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byName)
}

// Reset drops every name
func (m *Monitor) Reset() {
	m.mu.Lock()
	clear(m.byName)
	m.mu.Unlock()
}

// Rollup aggregates the tracked statuses under component
func (m *Monitor) Rollup(component string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.byName))
	for _, status := range m.byName {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	return Aggregate(component, subs)
}
