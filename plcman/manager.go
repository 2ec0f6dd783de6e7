package plcman

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"s7link/config"
	"s7link/s7"
)

// Manager holds the coordinators of every configured PLC and fans their
// updates in to a single set of listeners.
type Manager struct {
	coords      map[string]*Coordinator
	coordListen map[string]ListenerID
	connected   map[string]bool
	mu          sync.RWMutex

	log zerolog.Logger
	rec Recorder

	batchInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Callbacks
	onChange      func()
	onValueChange func(changes []ValueChange)

	listenersMu  sync.RWMutex
	listeners    map[ListenerID]func(Update)
	nextListener ListenerID

	changeChan  chan []ValueChange // Aggregates value changes from coordinators
	statusDirty int32              // Atomic flag: 1 if a connection state changed
}

// NewManager creates an empty manager. A nil recorder disables
// instrumentation.
func NewManager(log zerolog.Logger, rec Recorder) *Manager {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Manager{
		coords:        make(map[string]*Coordinator),
		coordListen:   make(map[string]ListenerID),
		connected:     make(map[string]bool),
		log:           log,
		rec:           rec,
		batchInterval: 100 * time.Millisecond,
		listeners:     make(map[ListenerID]func(Update)),
		changeChan:    make(chan []ValueChange, 100),
	}
}

// Recorder returns the recorder handed to coordinators built by the manager.
func (m *Manager) Recorder() Recorder {
	return m.rec
}

// SetOnChange sets a callback that fires when any PLC connects or drops.
// Calls are coalesced to at most one per batch interval.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets a callback that receives value changes from all PLCs,
// batched every 100ms.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// AddListener registers fn for every Update of every coordinator, delivered
// synchronously on the polling goroutine.
func (m *Manager) AddListener(fn func(Update)) ListenerID {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextListener++
	m.listeners[m.nextListener] = fn
	return m.nextListener
}

// RemoveListener unregisters a manager listener.
func (m *Manager) RemoveListener(id ListenerID) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	delete(m.listeners, id)
}

func (m *Manager) dispatch(u Update) {
	m.mu.Lock()
	was, seen := m.connected[u.PLC]
	m.connected[u.PLC] = u.Connected
	m.mu.Unlock()
	if !seen || was != u.Connected {
		atomic.StoreInt32(&m.statusDirty, 1)
	}

	if len(u.Changes) > 0 {
		m.sendChanges(u.Changes)
	}

	m.listenersMu.RLock()
	fns := make([]func(Update), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(u)
	}
}

// sendChanges sends value changes to the aggregator channel.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		// Channel full, drop oldest and retry
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// Add puts a coordinator under management. If the manager is running the
// coordinator starts polling immediately.
func (m *Manager) Add(c *Coordinator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.coords[c.Name()]; exists {
		return fmt.Errorf("plc %q already exists", c.Name())
	}
	m.coords[c.Name()] = c
	m.coordListen[c.Name()] = c.AddListener(m.dispatch)

	if m.ctx != nil {
		c.Start(m.ctx)
	}
	return nil
}

// Remove stops and disconnects the named coordinator.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	c, exists := m.coords[name]
	id := m.coordListen[name]
	if exists {
		delete(m.coords, name)
		delete(m.coordListen, name)
		delete(m.connected, name)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}
	// Stop outside the lock; the last poll may still dispatch.
	c.Close()
	c.RemoveListener(id)
	atomic.StoreInt32(&m.statusDirty, 1)
	return true
}

// Get returns the named coordinator, or nil.
func (m *Manager) Get(name string) *Coordinator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coords[name]
}

// List returns all coordinators sorted by name.
func (m *Manager) List() []*Coordinator {
	m.mu.RLock()
	result := make([]*Coordinator, 0, len(m.coords))
	for _, c := range m.coords {
		result = append(result, c)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll begins background polling for every coordinator.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return // Already running
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, c := range m.coords {
		c.Start(m.ctx)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop(m.ctx)
}

// StopAll halts polling and disconnects every PLC.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	coords := make([]*Coordinator, 0, len(m.coords))
	for _, c := range m.coords {
		coords = append(coords, c)
	}
	m.mu.Unlock()

	// Stop coordinators outside of lock
	for _, c := range coords {
		c.Close()
	}

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and fires callbacks at a controlled rate.
func (m *Manager) batchedUpdateLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pendingChanges []ValueChange

	for {
		select {
		case <-ctx.Done():
			// Flush any remaining changes
		drain:
			for {
				select {
				case changes := <-m.changeChan:
					pendingChanges = append(pendingChanges, changes...)
				default:
					break drain
				}
			}
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
			}
			return

		case changes := <-m.changeChan:
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}

			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

// flushValueChanges calls the value change callback with accumulated changes.
func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

// ErrPLCNotFound is returned for operations on an unknown PLC name.
var ErrPLCNotFound = errors.New("plc not found")

// WriteValue writes value on the named PLC. ref is a registered topic or a
// raw S7 address.
func (m *Manager) WriteValue(plcName, ref string, value interface{}) (bool, error) {
	c := m.Get(plcName)
	if c == nil {
		return false, fmt.Errorf("%w: %s", ErrPLCNotFound, plcName)
	}
	address := ref
	if it, ok := c.Item(ref); ok {
		address = it.Address
	}
	return c.WriteValue(address, value)
}

// GetAllCurrentValues returns every cached value of every PLC as changes.
// Publishers use it to seed retained state when a broker connects.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	var results []ValueChange
	for _, c := range m.List() {
		snap := c.Cache()
		for _, topic := range snap.Topics() {
			v, _ := snap.Get(topic)
			it, _ := c.Item(topic)
			results = append(results, ValueChange{
				PLCName:  c.Name(),
				Topic:    topic,
				Address:  it.Address,
				TypeName: it.TypeName(),
				Value:    v,
			})
		}
	}
	return results
}

// LoadFromConfig builds and adds a coordinator for every enabled PLC.
// Broken entries are logged and skipped.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	for i := range cfg.PLCs {
		pc := &cfg.PLCs[i]
		if !pc.Enabled {
			continue
		}
		c, err := NewFromConfig(pc, m.log, m.rec)
		if err != nil {
			m.log.Error().Err(err).Str("plc", pc.Name).Msg("skipping plc")
			continue
		}
		if err := m.Add(c); err != nil {
			m.log.Error().Err(err).Str("plc", pc.Name).Msg("skipping plc")
		}
	}
}

// OptionsFromConfig translates a PLC configuration into coordinator options.
func OptionsFromConfig(pc *config.PLCConfig, log zerolog.Logger, rec Recorder) Options {
	p := *pc
	p.ApplyDefaults()
	opts := DefaultOptions()
	opts.ScanInterval = p.ScanInterval
	opts.OpTimeout = p.OpTimeout
	opts.Policy = Policy{
		MaxRetries:     p.Retries(),
		BackoffInitial: p.BackoffInitial,
		BackoffMax:     p.BackoffMax,
	}
	opts.OptimizeRead = p.Optimize()
	opts.HealthInterval = p.HealthInterval
	opts.Logger = log
	opts.Recorder = rec
	return opts
}

// NewFromConfig builds a gos7 backed coordinator with all configured items
// registered.
func NewFromConfig(pc *config.PLCConfig, log zerolog.Logger, rec Recorder) (*Coordinator, error) {
	p := *pc
	p.ApplyDefaults()

	clientOpts := []s7.Option{
		s7.WithPort(p.Port),
		s7.WithRackSlot(p.Rack, p.Slot),
		s7.WithTimeout(p.OpTimeout),
	}
	if p.ConnectionType != "" {
		ct, err := s7.ParseConnectionType(p.ConnectionType)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, s7.WithConnectionType(ct))
	}

	c := New(p.Name, s7.NewClient(p.Host, clientOpts...), OptionsFromConfig(&p, log, rec))
	for _, it := range p.Items {
		if err := c.RegisterItem(it.Topic, it.Address, it.ScanInterval, it.Precision); err != nil {
			return nil, fmt.Errorf("plc %s item %s: %w", p.Name, it.Topic, err)
		}
	}
	return c, nil
}
