package mqtt

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"s7link/config"
	"s7link/plcman"
)

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers map[string]*Publisher
	namespace  string
	log        zerolog.Logger
	mu         sync.RWMutex

	// Shared callbacks
	writeHandler      WriteHandler
	onConnectCallback func()

	healthMu   sync.Mutex
	lastOnline map[string]bool
}

// NewManager creates a new MQTT manager.
func NewManager(namespace string, log zerolog.Logger) *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
		namespace:  namespace,
		log:        log,
		lastOnline: make(map[string]bool),
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig) {
	for i := range cfgs {
		m.Add(&cfgs[i])
	}
}

// Add registers a publisher for cfg, replacing any publisher of the same name.
func (m *Manager) Add(cfg *config.MQTTConfig) *Publisher {
	pub := NewPublisher(cfg, m.namespace, m.log)

	m.mu.Lock()
	old := m.publishers[cfg.Name]
	m.publishers[cfg.Name] = pub
	pub.SetWriteHandler(m.writeHandler)
	pub.SetOnConnectCallback(m.onConnectCallback)
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return pub
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	delete(m.publishers, name)
	m.mu.Unlock()

	// Stop OUTSIDE the lock to prevent blocking
	if exists {
		pub.Stop()
	}
	return exists
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts all enabled publishers and returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			m.log.Error().Err(err).Str("mqtt", pub.Name()).Msg("failed to start publisher")
			continue
		}
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// Publish sends value changes to all running publishers.
func (m *Manager) Publish(changes []plcman.ValueChange, force bool) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		for _, ch := range changes {
			pub.Publish(ch, force)
		}
	}
}

// PublishHealth publishes PLC health to all running publishers.
func (m *Manager) PublishHealth(plcName string, online bool, status, errMsg string) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishHealth(plcName, online, status, errMsg)
		}
	}
}

// HandleUpdate is a plcman listener: it publishes changes and, when the
// connection state flips, the PLC health.
func (m *Manager) HandleUpdate(u plcman.Update) {
	if len(u.Changes) > 0 {
		m.Publish(u.Changes, false)
	}
	if changed := m.trackHealth(u.PLC, u.Connected); changed {
		status, errMsg := "offline", ""
		if u.Connected {
			status = "online"
		}
		if u.Err != nil {
			errMsg = u.Err.Error()
		}
		m.PublishHealth(u.PLC, u.Connected, status, errMsg)
	}
}

func (m *Manager) trackHealth(plcName string, online bool) bool {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	was, seen := m.lastOnline[plcName]
	m.lastOnline[plcName] = online
	return !seen || was != online
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeHandler = handler
	for _, pub := range m.publishers {
		pub.SetWriteHandler(handler)
	}
}

// SetOnConnectCallback sets the callback invoked after a publisher connects.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onConnectCallback = callback
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(callback)
	}
}
