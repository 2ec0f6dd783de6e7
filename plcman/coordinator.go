package plcman

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"s7link/plan"
	"s7link/s7"
)

// MinScanInterval is the shortest per-item scan interval accepted.
const MinScanInterval = 50 * time.Millisecond

// Options configures a Coordinator.
type Options struct {
	// ScanInterval is used for items registered without an interval and as
	// the tick period when nothing is registered.
	ScanInterval time.Duration
	// OpTimeout bounds the sequential string reads of one poll cycle.
	OpTimeout time.Duration
	Policy    Policy
	// OptimizeRead reads each distinct tag once per batch even when several
	// topics share it.
	OptimizeRead bool
	// HealthInterval enables periodic CPU health checks from the poll loop.
	HealthInterval time.Duration

	Logger   zerolog.Logger
	Recorder Recorder

	// Now and Sleep are replaceable for tests.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// DefaultOptions returns a 1s scan interval, 5s operation timeout, the
// default retry policy and read optimization enabled.
func DefaultOptions() Options {
	return Options{
		ScanInterval: time.Second,
		OpTimeout:    5 * time.Second,
		Policy:       DefaultPolicy(),
		OptimizeRead: true,
		Logger:       zerolog.Nop(),
	}
}

// Item is a registered topic.
type Item struct {
	Topic     string        `json:"topic"`
	Address   string        `json:"address"`
	Interval  time.Duration `json:"interval"`
	Precision *int          `json:"precision,omitempty"`
}

// TypeName returns the S7 type name of the item's address.
func (it Item) TypeName() string {
	tag, err := s7.Parse(it.Address)
	if err != nil {
		return ""
	}
	return typeName(tag)
}

// ListenerID identifies a registered update listener.
type ListenerID uint64

// PollStats summarizes the poll history of a coordinator.
type PollStats struct {
	LastPoll     time.Time     `json:"last_poll,omitempty"`
	LastSuccess  time.Time     `json:"last_success,omitempty"`
	LastFailure  time.Time     `json:"last_failure,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	PollsOK      uint64        `json:"polls_ok"`
	PollsFailed  uint64        `json:"polls_failed"`
	LastRead     int           `json:"last_read"`
	LastChanges  int           `json:"last_changes"`
}

// Coordinator owns one PLC connection, the topic registry and the value
// cache. All transport traffic goes through mu, so polls, writes and health
// checks never overlap on the wire.
type Coordinator struct {
	name string
	opts Options
	log  zerolog.Logger
	rec  Recorder
	now  func() time.Time

	mu         sync.Mutex
	conn       *Connection
	retrier    *Retrier
	items      map[string]Item
	nextRead   map[string]time.Time
	plansDirty bool
	tagPlans   []plan.TagPlan
	strPlans   []plan.StringPlan

	cache      atomic.Pointer[Snapshot]
	itemsView  atomic.Pointer[[]Item]
	period     atomic.Int64
	tagCount   atomic.Int32
	strCount   atomic.Int32
	trigger    chan struct{}
	reschedule chan struct{}

	listenersMu  sync.RWMutex
	listeners    map[ListenerID]func(Update)
	nextListener ListenerID

	statsMu sync.RWMutex
	stats   PollStats

	healthMu sync.RWMutex
	health   Health

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a coordinator for the PLC called name talking through
// transport.
func New(name string, transport s7.Transport, opts Options) *Coordinator {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Second
	}
	if opts.ScanInterval < MinScanInterval {
		opts.ScanInterval = MinScanInterval
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	log := opts.Logger.With().Str("plc", name).Logger()
	conn := NewConnection(name, transport, log, opts.Recorder)

	c := &Coordinator{
		name:       name,
		opts:       opts,
		log:        log,
		rec:        opts.Recorder,
		now:        opts.Now,
		conn:       conn,
		retrier:    NewRetrier(name, opts.Policy, conn, opts.Sleep, log, opts.Recorder),
		items:      make(map[string]Item),
		nextRead:   make(map[string]time.Time),
		trigger:    make(chan struct{}, 1),
		reschedule: make(chan struct{}, 1),
		listeners:  make(map[ListenerID]func(Update)),
	}
	c.cache.Store(emptySnapshot)
	c.publishItemsLocked()
	return c
}

// Name returns the PLC name.
func (c *Coordinator) Name() string {
	return c.name
}

// Options returns the options the coordinator was built with.
func (c *Coordinator) Options() Options {
	return c.opts
}

func (c *Coordinator) normalizeInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return c.opts.ScanInterval
	}
	if d < MinScanInterval {
		return MinScanInterval
	}
	return d
}

// RegisterItem adds or replaces the topic. The address is validated up front
// and the topic is read on the next poll.
func (c *Coordinator) RegisterItem(topic, address string, interval time.Duration, precision *int) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", s7.ErrInvalidArgument)
	}
	if _, err := s7.Parse(address); err != nil {
		return err
	}

	c.mu.Lock()
	c.items[topic] = Item{
		Topic:     topic,
		Address:   address,
		Interval:  c.normalizeInterval(interval),
		Precision: precision,
	}
	delete(c.nextRead, topic)
	c.plansDirty = true
	c.publishItemsLocked()
	c.mu.Unlock()

	c.log.Debug().Str("topic", topic).Str("address", address).Msg("item registered")
	c.signal(c.reschedule)
	c.TriggerPoll()
	return nil
}

// UnregisterItem removes the topic and drops its cached value. Returns false
// if the topic was not registered.
func (c *Coordinator) UnregisterItem(topic string) bool {
	c.mu.Lock()
	if _, ok := c.items[topic]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.items, topic)
	delete(c.nextRead, topic)
	c.plansDirty = true
	c.publishItemsLocked()

	prev := c.cache.Load()
	if _, ok := prev.Get(topic); ok {
		values := prev.Values()
		delete(values, topic)
		c.cache.Store(&Snapshot{values: values, updatedAt: prev.updatedAt})
		c.rec.CacheSize(c.name, len(values))
	}
	c.mu.Unlock()

	c.log.Debug().Str("topic", topic).Msg("item unregistered")
	c.signal(c.reschedule)
	return true
}

// publishItemsLocked refreshes the lock-free registry view and tick period.
func (c *Coordinator) publishItemsLocked() {
	view := make([]Item, 0, len(c.items))
	period := time.Duration(0)
	for _, it := range c.items {
		view = append(view, it)
		if period == 0 || it.Interval < period {
			period = it.Interval
		}
	}
	sort.Slice(view, func(i, j int) bool { return view[i].Topic < view[j].Topic })
	if period == 0 {
		period = c.opts.ScanInterval
	}
	c.itemsView.Store(&view)
	c.period.Store(int64(period))
}

// Items returns the registered items sorted by topic.
func (c *Coordinator) Items() []Item {
	view := *c.itemsView.Load()
	out := make([]Item, len(view))
	copy(out, view)
	return out
}

// Item returns the registration for topic.
func (c *Coordinator) Item(topic string) (Item, bool) {
	for _, it := range *c.itemsView.Load() {
		if it.Topic == topic {
			return it, true
		}
	}
	return Item{}, false
}

// Interval returns the current tick period: the smallest item interval, or
// the default scan interval when nothing is registered.
func (c *Coordinator) Interval() time.Duration {
	return time.Duration(c.period.Load())
}

// Cache returns the current snapshot. It never waits on PLC I/O.
func (c *Coordinator) Cache() *Snapshot {
	return c.cache.Load()
}

// IsConnected reports the connection state without blocking.
func (c *Coordinator) IsConnected() bool {
	return c.conn.IsConnected()
}

// Status returns the connection status.
func (c *Coordinator) Status() ConnectionStatus {
	return c.conn.Status()
}

// Connect opens the PLC session.
func (c *Coordinator) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Connect()
}

// Disconnect closes the PLC session.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Disconnect()
}

// Close stops the poll loop and disconnects.
func (c *Coordinator) Close() {
	c.Stop()
	c.Disconnect()
}

func (c *Coordinator) rebuildPlansLocked() {
	if !c.plansDirty {
		return
	}
	addrs := make(map[string]string, len(c.items))
	precisions := make(map[string]int)
	for topic, it := range c.items {
		addrs[topic] = it.Address
		if it.Precision != nil {
			precisions[topic] = *it.Precision
		}
	}
	c.tagPlans, c.strPlans = plan.Build(addrs, precisions)
	c.tagCount.Store(int32(len(c.tagPlans)))
	c.strCount.Store(int32(len(c.strPlans)))
	c.plansDirty = false
}

func (c *Coordinator) dueLocked(topic string, now time.Time) bool {
	next, ok := c.nextRead[topic]
	return !ok || !now.Before(next)
}

// Poll runs one poll cycle. Only topics whose interval has elapsed are read,
// except on the first cycle after the cache is empty, which reads everything.
// A failed cycle leaves the cache as it was and returns an error wrapping
// s7.ErrUpdateFailed.
func (c *Coordinator) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := c.now()
	c.mu.Lock()
	prev := c.cache.Load()
	next, changes, read, err := c.pollLocked(prev, start)
	if err == nil && next != prev {
		c.cache.Store(next)
	}
	connected := c.conn.IsConnected()
	c.mu.Unlock()

	if read == 0 && err == nil {
		return nil
	}

	took := c.now().Sub(start)
	c.recordPoll(start, took, read, len(changes), err)
	c.rec.PollCompleted(c.name, took, err)

	snap := next
	if err != nil {
		snap = prev
		c.log.Warn().Err(err).Msg("poll failed")
	} else {
		c.rec.CacheSize(c.name, snap.Len())
	}

	c.notify(Update{
		PLC:       c.name,
		Snapshot:  snap,
		Changes:   changes,
		Connected: connected,
		Err:       err,
	})
	return err
}

// Refresh polls immediately.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.Poll(ctx)
}

type polledValue struct {
	topic    string
	tag      s7.Tag
	value    interface{}
	interval time.Duration
}

func (c *Coordinator) pollLocked(prev *Snapshot, now time.Time) (*Snapshot, []ValueChange, int, error) {
	c.rebuildPlansLocked()

	readAll := prev.Len() == 0
	var tagPlans []plan.TagPlan
	for _, p := range c.tagPlans {
		if readAll || c.dueLocked(p.Topic, now) {
			tagPlans = append(tagPlans, p)
		}
	}
	var strPlans []plan.StringPlan
	for _, p := range c.strPlans {
		if readAll || c.dueLocked(p.Topic, now) {
			strPlans = append(strPlans, p)
		}
	}
	n := len(tagPlans) + len(strPlans)
	if n == 0 {
		return prev, nil, 0, nil
	}

	if err := c.conn.EnsureConnected(); err != nil {
		return prev, nil, n, fmt.Errorf("%w: %w", s7.ErrUpdateFailed, err)
	}
	scalars, err := c.readScalarsLocked(tagPlans)
	if err != nil {
		return prev, nil, n, fmt.Errorf("%w: batch read: %w", s7.ErrUpdateFailed, err)
	}

	results := make([]polledValue, 0, n)
	for i, p := range tagPlans {
		results = append(results, polledValue{topic: p.Topic, tag: p.Tag, value: scalars[i]})
	}

	deadline := c.now().Add(c.opts.OpTimeout)
	for _, p := range strPlans {
		if c.now().After(deadline) {
			return prev, nil, n, fmt.Errorf("%w: %w: string reads exceeded %v", s7.ErrUpdateFailed, s7.ErrPollTimeout, c.opts.OpTimeout)
		}
		s, err := c.readStringLocked(p.Tag)
		if err != nil {
			return prev, nil, n, fmt.Errorf("%w: string %s: %w", s7.ErrUpdateFailed, p.Topic, err)
		}
		results = append(results, polledValue{topic: p.Topic, tag: p.Tag, value: s})
	}

	values := prev.Values()
	var changes []ValueChange
	for _, r := range results {
		old, ok := values[r.topic]
		if !ok || old != r.value {
			changes = append(changes, ValueChange{
				PLCName:  c.name,
				Topic:    r.topic,
				Address:  c.items[r.topic].Address,
				TypeName: typeName(r.tag),
				Value:    r.value,
			})
		}
		values[r.topic] = r.value
		c.nextRead[r.topic] = now.Add(c.items[r.topic].Interval)
	}

	return &Snapshot{values: values, updatedAt: now}, changes, n, nil
}

func typeName(tag s7.Tag) string {
	if tag.DataType == s7.Char && tag.Length > 1 {
		return "CHAR[]"
	}
	return tag.DataType.Name()
}

// readScalarsLocked reads every plan in one retried batch and returns the
// post-processed values in plan order.
func (c *Coordinator) readScalarsLocked(plans []plan.TagPlan) ([]interface{}, error) {
	if len(plans) == 0 {
		return nil, nil
	}

	tags := make([]s7.Tag, 0, len(plans))
	slot := make([]int, len(plans))
	if c.opts.OptimizeRead {
		seen := make(map[s7.Tag]int, len(plans))
		for i, p := range plans {
			j, ok := seen[p.Tag]
			if !ok {
				j = len(tags)
				seen[p.Tag] = j
				tags = append(tags, p.Tag)
			}
			slot[i] = j
		}
	} else {
		for i, p := range plans {
			slot[i] = i
			tags = append(tags, p.Tag)
		}
	}

	decoded, err := retryValue(c.retrier, fmt.Sprintf("batch read of %d tags", len(tags)), func() ([]interface{}, error) {
		raw, err := c.conn.Transport().Read(tags)
		if err != nil {
			return nil, err
		}
		if len(raw) != len(tags) {
			return nil, fmt.Errorf("%w: requested %d items, got %d", s7.ErrUnexpectedResponse, len(tags), len(raw))
		}
		out := make([]interface{}, len(tags))
		for i, tag := range tags {
			v, err := s7.Decode(tag, raw[i])
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	values := make([]interface{}, len(plans))
	for i, p := range plans {
		values[i] = p.Post.Apply(decoded[slot[i]])
	}
	return values, nil
}

// readRawLocked reads a single tag without retry.
func (c *Coordinator) readRawLocked(tag s7.Tag) ([]byte, error) {
	raw, err := c.conn.Transport().Read([]s7.Tag{tag})
	if err != nil {
		return nil, err
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("%w: requested 1 item, got %d", s7.ErrUnexpectedResponse, len(raw))
	}
	return raw[0], nil
}

// readStringLocked reads a string-like tag: the header first, then a body of
// the declared maximum length. CHAR arrays use the STRING layout.
func (c *Coordinator) readStringLocked(tag s7.Tag) (string, error) {
	if tag.DataType == s7.WString {
		return c.readWStringLocked(tag)
	}

	header := s7.Tag{Area: tag.Area, DBNumber: tag.DBNumber, DataType: s7.Char, Start: tag.Start, Length: 2}
	return retryValue(c.retrier, "read "+tag.String(), func() (string, error) {
		raw, err := c.readRawLocked(header)
		if err != nil {
			return "", err
		}
		maxLen, curLen, err := s7.DecodeStringHeader(raw)
		if err != nil {
			return "", err
		}
		if maxLen == 0 {
			return "", nil
		}
		body := s7.Tag{Area: tag.Area, DBNumber: tag.DBNumber, DataType: s7.Char, Start: tag.Start + 2, Length: maxLen}
		raw, err = c.readRawLocked(body)
		if err != nil {
			return "", err
		}
		return s7.DecodeStringBody(raw, curLen), nil
	})
}

func (c *Coordinator) readWStringLocked(tag s7.Tag) (string, error) {
	header := s7.Tag{Area: tag.Area, DBNumber: tag.DBNumber, DataType: s7.Char, Start: tag.Start, Length: 4}
	return retryValue(c.retrier, "read "+tag.String(), func() (string, error) {
		raw, err := c.readRawLocked(header)
		if err != nil {
			return "", err
		}
		maxLen, curLen, err := s7.DecodeWStringHeader(raw)
		if err != nil {
			return "", err
		}
		if maxLen == 0 {
			return "", nil
		}
		body := s7.Tag{Area: tag.Area, DBNumber: tag.DBNumber, DataType: s7.Char, Start: tag.Start + 4, Length: 2 * maxLen}
		raw, err = c.readRawLocked(body)
		if err != nil {
			return "", err
		}
		return s7.DecodeWStringBody(raw, curLen)
	})
}

func (c *Coordinator) recordPoll(at time.Time, took time.Duration, read, changes int, err error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.LastPoll = at
	c.stats.LastDuration = took
	c.stats.LastRead = read
	if err != nil {
		c.stats.LastFailure = at
		c.stats.LastError = err.Error()
		c.stats.PollsFailed++
		return
	}
	c.stats.LastSuccess = at
	c.stats.LastChanges = changes
	c.stats.PollsOK++
}

// Stats returns the poll history.
func (c *Coordinator) Stats() PollStats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// AddListener registers fn to receive an Update after every poll cycle that
// read something. Listeners run on the polling goroutine, outside the
// coordinator lock, and must not block for long.
func (c *Coordinator) AddListener(fn func(Update)) ListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextListener++
	c.listeners[c.nextListener] = fn
	return c.nextListener
}

// RemoveListener unregisters a listener.
func (c *Coordinator) RemoveListener(id ListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, id)
}

func (c *Coordinator) notify(u Update) {
	c.listenersMu.RLock()
	ids := make([]ListenerID, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(u)
	}
}

// TriggerPoll asks the background loop to poll now. Triggers arriving while
// one is pending are coalesced.
func (c *Coordinator) TriggerPoll() {
	c.signal(c.trigger)
}

func (c *Coordinator) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start launches the background poll loop. Calling Start on a running
// coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	c.log.Info().Dur("interval", c.Interval()).Msg("polling started")
}

// Stop ends the poll loop and waits for the cycle in progress to finish.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Info().Msg("polling stopped")
}

// Running reports whether the poll loop is active.
func (c *Coordinator) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.cancel != nil
}

func (c *Coordinator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	var healthC <-chan time.Time
	if c.opts.HealthInterval > 0 {
		ticker := time.NewTicker(c.opts.HealthInterval)
		defer ticker.Stop()
		healthC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reschedule:
			timer.Reset(c.Interval())
			continue
		case <-healthC:
			c.HealthCheck()
			continue
		case <-timer.C:
		case <-c.trigger:
		}

		if ctx.Err() != nil {
			return
		}
		// Errors are already logged and delivered to listeners.
		_ = c.Poll(ctx)
		timer.Reset(c.Interval())
	}
}
