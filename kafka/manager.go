package kafka

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"s7link/config"
	"s7link/logging"
	"s7link/plcman"
)

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	plc      string
	changes  []plcman.ValueChange
	health   *HealthMessage
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages multiple Kafka producer connections.
type Manager struct {
	producers map[string]*Producer
	namespace string
	log       zerolog.Logger
	mu        sync.RWMutex

	// Worker pool for bounded publish goroutines
	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool

	healthMu   sync.Mutex
	lastOnline map[string]bool
}

// NewManager creates a new Kafka manager.
func NewManager(namespace string, log zerolog.Logger) *Manager {
	return &Manager{
		producers:    make(map[string]*Producer),
		namespace:    namespace,
		log:          log,
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
		lastOnline:   make(map[string]bool),
	}
}

// startWorkers starts the publish worker goroutines.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker()
	}
}

// publishWorker processes publish jobs from the queue.
func (m *Manager) publishWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		case job := <-m.publishQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			var err error
			if job.health != nil {
				h := job.health
				err = job.producer.PublishHealth(ctx, h.PLC, h.Online, h.Status, h.Error)
			} else {
				err = job.producer.PublishChanges(ctx, job.plc, job.changes)
			}
			cancel()
			if err != nil {
				logging.DebugLog("kafka", "publish to %s failed for %s: %v", job.producer.Name(), job.plc, err)
			}
		}
	}
}

// LoadFromConfig adds a producer for every configured cluster.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig) {
	for i := range cfgs {
		m.Add(&cfgs[i])
	}
}

// Add adds a producer for cfg. Existing names are left untouched.
func (m *Manager) Add(cfg *config.KafkaConfig) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, exists := m.producers[cfg.Name]; exists {
		return p
	}
	p := NewProducer(cfg, m.namespace, m.log)
	m.producers[cfg.Name] = p
	return p
}

// Remove disconnects and removes a cluster.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	p, exists := m.producers[name]
	delete(m.producers, name)
	m.mu.Unlock()

	if exists {
		p.Disconnect()
	}
	return exists
}

// Get returns the producer of a cluster, or nil.
func (m *Manager) Get(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// List returns all producers sorted by name.
func (m *Manager) List() []*Producer {
	m.mu.RLock()
	result := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		result = append(result, p)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// ConnectEnabled connects every enabled cluster and starts the publish
// workers. It returns how many clusters connected.
func (m *Manager) ConnectEnabled() int {
	m.startWorkers()

	connected := 0
	for _, p := range m.List() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Connect(); err != nil {
			m.log.Error().Err(err).Str("kafka", p.Name()).Msg("failed to connect cluster")
			continue
		}
		connected++
	}
	return connected
}

// StopAll stops the workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	wasStarted := m.started
	if wasStarted {
		close(m.stopChan)
		m.started = false
	}
	m.mu.Unlock()

	if wasStarted {
		m.wg.Wait()
		m.mu.Lock()
		m.stopChan = make(chan struct{})
		m.mu.Unlock()
	}

	for _, p := range m.List() {
		p.Disconnect()
	}
}

// AnyPublishing returns true if any cluster is connected.
func (m *Manager) AnyPublishing() bool {
	for _, p := range m.List() {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

func (m *Manager) enqueue(job publishJob) {
	select {
	case m.publishQueue <- job:
	default:
		logging.DebugLog("kafka", "publish queue full, dropping batch for %s", job.plc)
	}
}

// Publish queues the changes of one PLC for every connected cluster.
func (m *Manager) Publish(plcName string, changes []plcman.ValueChange) {
	if len(changes) == 0 {
		return
	}
	for _, p := range m.List() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		m.enqueue(publishJob{producer: p, plc: plcName, changes: changes})
	}
}

// PublishHealth queues a health event for every connected cluster.
func (m *Manager) PublishHealth(plcName string, online bool, status, errMsg string) {
	for _, p := range m.List() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			plc:      plcName,
			health: &HealthMessage{
				PLC:    plcName,
				Online: online,
				Status: status,
				Error:  errMsg,
			},
		})
	}
}

// HandleUpdate is a plcman listener: it publishes the cycle's changes and,
// when the connection state flips, a health event.
func (m *Manager) HandleUpdate(u plcman.Update) {
	m.Publish(u.PLC, u.Changes)

	m.healthMu.Lock()
	was, seen := m.lastOnline[u.PLC]
	m.lastOnline[u.PLC] = u.Connected
	m.healthMu.Unlock()
	if seen && was == u.Connected {
		return
	}

	status, errMsg := "offline", ""
	if u.Connected {
		status = "online"
	}
	if u.Err != nil {
		errMsg = u.Err.Error()
	}
	m.PublishHealth(u.PLC, u.Connected, status, errMsg)
}
