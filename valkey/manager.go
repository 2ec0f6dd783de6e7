package valkey

import (
	"sync"

	"github.com/rs/zerolog"

	"s7link/config"
	"s7link/logging"
	"s7link/plcman"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	namespace  string
	log        zerolog.Logger
	mu         sync.RWMutex

	// Shared callbacks
	writeHandler      WriteHandler
	onConnectCallback func()

	healthMu   sync.Mutex
	lastOnline map[string]bool
}

// NewManager creates a new Valkey manager.
func NewManager(namespace string, log zerolog.Logger) *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
		namespace:  namespace,
		log:        log,
		lastOnline: make(map[string]bool),
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	for i := range configs {
		m.Add(&configs[i])
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, m.namespace, m.log)
	pub.SetWriteHandler(m.writeHandler)
	pub.SetOnConnectCallback(m.onConnectCallback)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop OUTSIDE the lock to prevent blocking
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
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
			m.log.Error().Err(err).Str("valkey", pub.config.Name).Msg("failed to start publisher")
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
func (m *Manager) Publish(changes []plcman.ValueChange) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		for _, ch := range changes {
			if err := pub.Publish(ch); err != nil {
				logging.DebugLog("valkey", "publish error (%s): %v", pub.config.Name, err)
			}
		}
	}
}

// PublishHealth publishes PLC health status to all running publishers.
func (m *Manager) PublishHealth(plcName string, online bool, status, errMsg string) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.PublishHealth(plcName, online, status, errMsg); err != nil {
			logging.DebugLog("valkey", "health publish error (%s): %v", pub.config.Name, err)
		}
	}
}

// HandleUpdate is a plcman listener: it publishes changes and, when the
// connection state flips, the PLC health.
func (m *Manager) HandleUpdate(u plcman.Update) {
	if len(u.Changes) > 0 {
		m.Publish(u.Changes)
	}
	if online, changed := m.trackHealth(u.PLC, u.Connected); changed {
		status, errMsg := healthStatus(online, u.Err)
		m.PublishHealth(u.PLC, online, status, errMsg)
	}
}

func (m *Manager) trackHealth(plcName string, online bool) (bool, bool) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	was, seen := m.lastOnline[plcName]
	m.lastOnline[plcName] = online
	return online, !seen || was != online
}

func healthStatus(online bool, err error) (string, string) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if online {
		return "online", errMsg
	}
	return "offline", errMsg
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

// SetOnConnectCallback sets the callback invoked after connection is established.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onConnectCallback = callback
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(callback)
	}
}
