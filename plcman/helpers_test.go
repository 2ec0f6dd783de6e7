package plcman

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"s7link/s7"
)

var errLink = errors.New("link down")

// fakeTransport is an in-memory PLC. It records every call and flags any
// overlapping use, which the coordinator must never allow.
type fakeTransport struct {
	mu  sync.Mutex
	mem map[int][]byte

	connectErr error
	readErrs   []error // consumed one per Read call
	writeErrs  []error // consumed one per Write call
	delay      time.Duration

	connects    int
	disconnects int
	readCalls   [][]s7.Tag
	writeCalls  [][]s7.Tag
	connected   bool

	inFlight atomic.Bool
	overlap  atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{mem: make(map[int][]byte)}
}

func (f *fakeTransport) enter() {
	if f.inFlight.Swap(true) {
		f.overlap.Store(true)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeTransport) exit() {
	f.inFlight.Store(false)
}

func (f *fakeTransport) set(db, start int, data ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.mem[db]
	if need := start + len(data); len(buf) < need {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[start:], data)
	f.mem[db] = buf
}

func (f *fakeTransport) get(db, start, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getLocked(db, start, n)
}

func (f *fakeTransport) getLocked(db, start, n int) []byte {
	out := make([]byte, n)
	buf := f.mem[db]
	if start < len(buf) {
		copy(out, buf[start:])
	}
	return out
}

func (f *fakeTransport) Connect() error {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeTransport) Read(tags []s7.Tag) ([][]byte, error) {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.readCalls = append(f.readCalls, append([]s7.Tag(nil), tags...))
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if !f.connected {
		return nil, s7.ErrNotConnected
	}

	out := make([][]byte, len(tags))
	for i, t := range tags {
		out[i] = f.getLocked(t.DBNumber, t.Start, t.Size())
	}
	return out, nil
}

func (f *fakeTransport) Write(tags []s7.Tag, data [][]byte) error {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writeCalls = append(f.writeCalls, append([]s7.Tag(nil), tags...))
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		if err != nil {
			return err
		}
	}
	if !f.connected {
		return s7.ErrNotConnected
	}

	for i, t := range tags {
		buf := f.mem[t.DBNumber]
		if need := t.Start + len(data[i]); len(buf) < need {
			grown := make([]byte, need)
			copy(grown, buf)
			buf = grown
		}
		copy(buf[t.Start:], data[i])
		f.mem[t.DBNumber] = buf
	}
	return nil
}

func (f *fakeTransport) counts() (connects, disconnects, reads, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, len(f.readCalls), len(f.writeCalls)
}

func (f *fakeTransport) lastRead() []s7.Tag {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readCalls) == 0 {
		return nil
	}
	return f.readCalls[len(f.readCalls)-1]
}

func (f *fakeTransport) failReads(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErrs = append(f.readErrs, errs...)
}

// cpuInfoTransport adds CPU info support.
type cpuInfoTransport struct {
	*fakeTransport
	infoErr error
}

func (p *cpuInfoTransport) CPUInfo() (*s7.CPUInfo, error) {
	p.enter()
	defer p.exit()
	if p.infoErr != nil {
		return nil, p.infoErr
	}
	return &s7.CPUInfo{ModuleTypeName: "CPU 1214C", SerialNumber: "S C-X4U421302019"}, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// newTestCoordinator builds a coordinator over a fake transport with a fake
// clock and recorded sleeps.
func newTestCoordinator(t s7.Transport, mutate func(*Options)) (*Coordinator, *fakeClock, *sleepRecorder) {
	clock := newFakeClock()
	sleeps := &sleepRecorder{}
	opts := DefaultOptions()
	opts.Now = clock.Now
	opts.Sleep = sleeps.Sleep
	if mutate != nil {
		mutate(&opts)
	}
	return New("plc1", t, opts), clock, sleeps
}
