package plcman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"s7link/s7"
)

func mustRegister(t *testing.T, c *Coordinator, topic, address string) {
	t.Helper()
	if err := c.RegisterItem(topic, address, 0, nil); err != nil {
		t.Fatalf("RegisterItem(%s, %s) error: %v", topic, address, err)
	}
}

func TestPoll_ReadsRegisteredItems(t *testing.T) {
	ft := newFakeTransport()
	ft.set(1, 0, 0x12, 0x34, 0x08)
	ft.set(1, 4, 0x40, 0xE8, 0x00, 0x00) // REAL 7.25
	ft.set(1, 8, 0xFF, 0xFE)             // INT -2

	c, _, _ := newTestCoordinator(ft, nil)
	mustRegister(t, c, "word", "DB1.DBW0")
	mustRegister(t, c, "flag", "DB1.DBX2.3")
	mustRegister(t, c, "temp", "DB1.REAL4")
	mustRegister(t, c, "delta", "DB1.INT8")

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll error: %v", err)
	}

	snap := c.Cache()
	want := map[string]interface{}{
		"word":  uint16(0x1234),
		"flag":  true,
		"temp":  7.3,
		"delta": int16(-2),
	}
	for topic, w := range want {
		got, ok := snap.Get(topic)
		if !ok {
			t.Errorf("topic %s missing from cache", topic)
			continue
		}
		if got != w {
			t.Errorf("%s = %v (%T), want %v (%T)", topic, got, got, w, w)
		}
	}
	if snap.UpdatedAt().IsZero() {
		t.Error("snapshot has no update time")
	}
	if !c.IsConnected() {
		t.Error("expected coordinator to be connected after poll")
	}
}

func TestPoll_Precision(t *testing.T) {
	ft := newFakeTransport()
	ft.set(1, 0, 0x40, 0xE8, 0x00, 0x00) // 7.25

	c, _, _ := newTestCoordinator(ft, nil)
	two, none := 2, -1
	if err := c.RegisterItem("two", "DB1.REAL0", 0, &two); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterItem("raw", "DB1.REAL0", 0, &none); err != nil {
		t.Fatal(err)
	}
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll error: %v", err)
	}

	snap := c.Cache()
	if v, _ := snap.Get("two"); v != 7.25 {
		t.Errorf("two = %v, want 7.25", v)
	}
	if v, _ := snap.Get("raw"); v != 7.25 {
		t.Errorf("raw = %v, want 7.25", v)
	}
}

func TestPoll_DedupSharedTags(t *testing.T) {
	t.Run("optimized", func(t *testing.T) {
		ft := newFakeTransport()
		ft.set(1, 0, 0x00, 0x2A)
		c, _, _ := newTestCoordinator(ft, nil)
		mustRegister(t, c, "a", "DB1.DBW0")
		mustRegister(t, c, "b", "DB1.DBW0")

		if err := c.Poll(context.Background()); err != nil {
			t.Fatalf("Poll error: %v", err)
		}
		_, _, reads, _ := ft.counts()
		if reads != 1 {
			t.Errorf("expected 1 Read call, got %d", reads)
		}
		if n := len(ft.lastRead()); n != 1 {
			t.Errorf("expected 1 tag in the batch, got %d", n)
		}
		a, _ := c.Cache().Get("a")
		b, _ := c.Cache().Get("b")
		if a != uint16(42) || b != uint16(42) {
			t.Errorf("a = %v, b = %v, want 42 for both", a, b)
		}
	})

	t.Run("unoptimized", func(t *testing.T) {
		ft := newFakeTransport()
		ft.set(1, 0, 0x00, 0x2A)
		c, _, _ := newTestCoordinator(ft, func(o *Options) { o.OptimizeRead = false })
		mustRegister(t, c, "a", "DB1.DBW0")
		mustRegister(t, c, "b", "DB1.DBW0")

		if err := c.Poll(context.Background()); err != nil {
			t.Fatalf("Poll error: %v", err)
		}
		if n := len(ft.lastRead()); n != 2 {
			t.Errorf("expected 2 tags in the batch, got %d", n)
		}
	})
}

func TestPoll_FailureKeepsCache(t *testing.T) {
	ft := newFakeTransport()
	ft.set(1, 0, 0x00, 0x01)
	c, clock, _ := newTestCoordinator(ft, func(o *Options) {
		o.Policy = Policy{MaxRetries: 1, BackoffInitial: 10 * time.Millisecond, BackoffMax: 10 * time.Millisecond}
	})
	mustRegister(t, c, "a", "DB1.DBW0")

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll error: %v", err)
	}
	before := c.Cache()

	clock.Advance(2 * time.Second)
	ft.failReads(errLink, errLink)
	err := c.Poll(context.Background())
	if !errors.Is(err, s7.ErrUpdateFailed) {
		t.Fatalf("expected ErrUpdateFailed, got %v", err)
	}
	if !errors.Is(err, errLink) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
	if c.Cache() != before {
		t.Error("failed poll replaced the snapshot")
	}
	if v, _ := c.Cache().Get("a"); v != uint16(1) {
		t.Errorf("cached value changed to %v", v)
	}

	stats := c.Stats()
	if stats.PollsOK != 1 || stats.PollsFailed != 1 {
		t.Errorf("stats = %+v, want 1 ok and 1 failed", stats)
	}
}

func TestPoll_RetryOnce(t *testing.T) {
	ft := newFakeTransport()
	c, _, sleeps := newTestCoordinator(ft, nil)
	mustRegister(t, c, "a", "DB1.DBW0")

	ft.failReads(errLink)
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll error: %v", err)
	}

	delays := sleeps.Delays()
	if len(delays) != 1 || delays[0] != 500*time.Millisecond {
		t.Errorf("sleeps = %v, want [500ms]", delays)
	}
	connects, disconnects, _, _ := ft.counts()
	if disconnects != 1 {
		t.Errorf("expected 1 drop, got %d disconnects", disconnects)
	}
	if connects != 2 {
		t.Errorf("expected reconnect, got %d connects", connects)
	}
}

func TestPoll_RetryExhausted(t *testing.T) {
	ft := newFakeTransport()
	c, _, sleeps := newTestCoordinator(ft, nil)
	mustRegister(t, c, "a", "DB1.DBW0")

	cause := fmt.Errorf("%w: %w", s7.ErrConnection, io.EOF)
	ft.failReads(cause, cause, cause, cause)
	err := c.Poll(context.Background())
	if !errors.Is(err, s7.ErrUpdateFailed) || !errors.Is(err, io.EOF) {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	got := sleeps.Delays()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, got[i], want[i])
		}
	}

	_, disconnects, reads, _ := ft.counts()
	if disconnects != 4 {
		t.Errorf("expected 4 drops, got %d", disconnects)
	}
	if reads != 4 {
		t.Errorf("expected 4 attempts, got %d", reads)
	}
	if n := c.Diagnostics().Errors.Counts[s7.CategoryNetwork]; n != 1 {
		t.Errorf("network error count = %d, want 1", n)
	}
	if c.Cache().Len() != 0 {
		t.Error("cache should stay empty")
	}
}

func TestPoll_ConnectFailureFailsFast(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errLink
	c, _, sleeps := newTestCoordinator(ft, nil)
	mustRegister(t, c, "a", "DB1.DBW0")

	err := c.Poll(context.Background())
	if !errors.Is(err, s7.ErrUpdateFailed) || !errors.Is(err, s7.ErrConnection) {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sleeps.Delays()) != 0 {
		t.Errorf("connect failure should not back off, slept %v", sleeps.Delays())
	}
	if _, _, reads, _ := ft.counts(); reads != 0 {
		t.Errorf("expected no reads, got %d", reads)
	}
	if c.IsConnected() {
		t.Error("should not report connected")
	}
}

func TestPoll_Strings(t *testing.T) {
	ft := newFakeTransport()
	ft.set(1, 10, 5, 3, 'A', 'B', 'C', 'D', 'E')
	ft.set(1, 20, 4, 4, 'W', 'X', 'Y', 'Z')
	ft.set(1, 30, 0xE9) // Latin-1 e acute

	c, _, _ := newTestCoordinator(ft, nil)
	mustRegister(t, c, "name", "DB1.S10.5")
	mustRegister(t, c, "code", "DB1.CHAR20.4")
	mustRegister(t, c, "letter", "DB1.CHAR30")

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll error: %v", err)
	}

	snap := c.Cache()
	tests := map[string]string{"name": "ABC", "code": "WXYZ", "letter": "é"}
	for topic, want := range tests {
		got, _ := snap.Get(topic)
		if got != want {
			t.Errorf("%s = %q, want %q", topic, got, want)
		}
	}

	// scalar batch + header and body for each of the string and the char array
	if _, _, reads, _ := ft.counts(); reads != 5 {
		t.Errorf("expected 5 reads, got %d", reads)
	}
}

func TestPoll_WString(t *testing.T) {
	ft := newFakeTransport()
	// max 4, current 3: "Añ€" then padding
	ft.set(1, 40, 0x00, 0x04, 0x00, 0x03, 0x00, 'A', 0x00, 0xF1, 0x20, 0xAC, 0x00, 0x00)
	ft.set(1, 60, 0x00, 0x00, 0x00, 0x00)

	c, _, _ := newTestCoordinator(ft, nil)
	mustRegister(t, c, "label", "DB1.WS40.4")
	mustRegister(t, c, "empty", "DB1.WSTRING60.2")

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll error: %v", err)
	}

	snap := c.Cache()
	if got, _ := snap.Get("label"); got != "Añ€" {
		t.Errorf("label = %q, want %q", got, "Añ€")
	}
	if got, _ := snap.Get("empty"); got != "" {
		t.Errorf("empty = %q, want empty string", got)
	}

	// header + body for label, header only for the zero-length one
	if _, _, reads, _ := ft.counts(); reads != 3 {
		t.Errorf("expected 3 reads, got %d", reads)
	}
}

func TestPoll_StringDeadline(t *testing.T) {
	ft := newFakeTransport()
	ft.set(1, 0, 4, 2, 'o', 'k')
	ft.set(1, 10, 4, 2, 'h', 'i')

	var c *Coordinator
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Now = clock.Now
	opts.OpTimeout = 100 * time.Millisecond
	opts.Sleep = clock.Advance
	c = New("plc1", ft, opts)
	mustRegister(t, c, "s1", "DB1.S0.4")
	mustRegister(t, c, "s2", "DB1.S10.4")

	ft.failReads(errLink)
	err := c.Poll(context.Background())
	if !errors.Is(err, s7.ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}
	if !errors.Is(err, s7.ErrUpdateFailed) {
		t.Errorf("expected ErrUpdateFailed, got %v", err)
	}
	if c.Cache().Len() != 0 {
		t.Error("cache should be untouched")
	}
}

func TestPoll_StringDeadlineStartsAfterScalars(t *testing.T) {
	ft := newFakeTransport()
	ft.set(1, 0, 7)
	ft.set(1, 10, 4, 2, 'o', 'k')

	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Now = clock.Now
	opts.OpTimeout = 100 * time.Millisecond
	opts.Sleep = clock.Advance
	c := New("plc1", ft, opts)
	mustRegister(t, c, "count", "DB1.DBB0")
	mustRegister(t, c, "s", "DB1.S10.4")

	// The scalar batch needs one retry, which takes longer than OpTimeout.
	ft.failReads(errLink)
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll error: %v", err)
	}

	snap := c.Cache()
	if got, _ := snap.Get("s"); got != "ok" {
		t.Errorf("s = %q, want %q", got, "ok")
	}
	if got, _ := snap.Get("count"); got != uint8(7) {
		t.Errorf("count = %v (%T), want 7", got, got)
	}
}

func TestPoll_Scheduling(t *testing.T) {
	ft := newFakeTransport()
	c, clock, _ := newTestCoordinator(ft, nil)
	if err := c.RegisterItem("fast", "DB1.DBW0", time.Second, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterItem("slow", "DB1.DBW2", 5*time.Second, nil); err != nil {
		t.Fatal(err)
	}
	if c.Interval() != time.Second {
		t.Errorf("Interval() = %v, want 1s", c.Interval())
	}

	ctx := context.Background()
	if err := c.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(ft.lastRead()); n != 2 {
		t.Fatalf("first poll read %d tags, want 2", n)
	}

	clock.Advance(500 * time.Millisecond)
	_, _, before, _ := ft.counts()
	if err := c.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, after, _ := ft.counts(); after != before {
		t.Error("nothing was due but the PLC was read")
	}

	clock.Advance(500 * time.Millisecond)
	if err := c.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	last := ft.lastRead()
	if len(last) != 1 || last[0].Start != 0 {
		t.Fatalf("expected only fast item, got %v", last)
	}

	clock.Advance(4 * time.Second)
	if err := c.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(ft.lastRead()); n != 2 {
		t.Errorf("expected both items after 5s, got %d", n)
	}
}

func TestRegisterItem(t *testing.T) {
	t.Run("invalid address", func(t *testing.T) {
		c, _, _ := newTestCoordinator(newFakeTransport(), nil)
		err := c.RegisterItem("bad", "DB1.BAD0", 0, nil)
		if !errors.Is(err, s7.ErrInvalidAddress) {
			t.Errorf("expected ErrInvalidAddress, got %v", err)
		}
		if len(c.Items()) != 0 {
			t.Error("invalid item was registered")
		}
	})

	t.Run("empty topic", func(t *testing.T) {
		c, _, _ := newTestCoordinator(newFakeTransport(), nil)
		if err := c.RegisterItem("", "DB1.DBW0", 0, nil); !errors.Is(err, s7.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("interval normalization", func(t *testing.T) {
		c, _, _ := newTestCoordinator(newFakeTransport(), nil)
		if err := c.RegisterItem("fast", "DB1.DBW0", 10*time.Millisecond, nil); err != nil {
			t.Fatal(err)
		}
		if err := c.RegisterItem("default", "DB1.DBW2", 0, nil); err != nil {
			t.Fatal(err)
		}
		fast, _ := c.Item("fast")
		if fast.Interval != MinScanInterval {
			t.Errorf("fast interval = %v, want %v", fast.Interval, MinScanInterval)
		}
		def, _ := c.Item("default")
		if def.Interval != time.Second {
			t.Errorf("default interval = %v, want 1s", def.Interval)
		}
		if c.Interval() != MinScanInterval {
			t.Errorf("tick period = %v, want %v", c.Interval(), MinScanInterval)
		}
	})

	t.Run("upsert", func(t *testing.T) {
		ft := newFakeTransport()
		ft.set(1, 0, 0x00, 0x01, 0x00, 0x02)
		c, _, _ := newTestCoordinator(ft, nil)
		mustRegister(t, c, "a", "DB1.DBW0")
		mustRegister(t, c, "a", "DB1.DBW2")
		if n := len(c.Items()); n != 1 {
			t.Fatalf("expected 1 item, got %d", n)
		}
		if err := c.Poll(context.Background()); err != nil {
			t.Fatal(err)
		}
		if v, _ := c.Cache().Get("a"); v != uint16(2) {
			t.Errorf("a = %v, want 2", v)
		}
	})
}

func TestUnregisterItem(t *testing.T) {
	ft := newFakeTransport()
	c, _, _ := newTestCoordinator(ft, nil)
	mustRegister(t, c, "a", "DB1.DBW0")
	mustRegister(t, c, "b", "DB1.DBW2")
	if err := c.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !c.UnregisterItem("a") {
		t.Fatal("UnregisterItem returned false for a registered topic")
	}
	if c.UnregisterItem("a") {
		t.Error("UnregisterItem returned true twice")
	}
	if _, ok := c.Cache().Get("a"); ok {
		t.Error("removed topic still cached")
	}
	if _, ok := c.Cache().Get("b"); !ok {
		t.Error("other topic dropped from cache")
	}
	if n := len(c.Items()); n != 1 {
		t.Errorf("expected 1 item left, got %d", n)
	}
}

func TestListeners(t *testing.T) {
	ft := newFakeTransport()
	ft.set(1, 0, 0x00, 0x05)
	c, clock, _ := newTestCoordinator(ft, nil)
	mustRegister(t, c, "a", "DB1.DBW0")

	var updates []Update
	id := c.AddListener(func(u Update) {
		// Runs outside the coordinator lock, so a PLC read must not block.
		if _, err := c.Read("DB1.DBW0"); err != nil {
			t.Errorf("Read inside listener: %v", err)
		}
		updates = append(updates, u)
	})

	ctx := context.Background()
	if err := c.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	if err := c.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	ft.set(1, 0, 0x00, 0x07)
	clock.Advance(time.Second)
	if err := c.Poll(ctx); err != nil {
		t.Fatal(err)
	}

	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(updates))
	}
	if n := len(updates[0].Changes); n != 1 {
		t.Errorf("first update has %d changes, want 1", n)
	}
	if n := len(updates[1].Changes); n != 0 {
		t.Errorf("unchanged poll reported %d changes", n)
	}
	ch := updates[2].Changes
	if len(ch) != 1 || ch[0].Value != uint16(7) || ch[0].Topic != "a" || ch[0].TypeName != "WORD" {
		t.Errorf("unexpected change %+v", ch)
	}
	if ch[0].PLCName != "plc1" || ch[0].Address != "DB1.DBW0" {
		t.Errorf("change identity = %s/%s", ch[0].PLCName, ch[0].Address)
	}

	c.RemoveListener(id)
	clock.Advance(time.Second)
	if err := c.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(updates) != 3 {
		t.Error("removed listener was still called")
	}
}

func TestStartStop(t *testing.T) {
	ft := newFakeTransport()
	ft.set(1, 0, 0x00, 0x09)
	c, _, _ := newTestCoordinator(ft, nil)
	mustRegister(t, c, "a", "DB1.DBW0")

	got := make(chan Update, 4)
	c.AddListener(func(u Update) {
		select {
		case got <- u:
		default:
		}
	})

	c.Start(context.Background())
	c.Start(context.Background()) // no-op
	if !c.Running() {
		t.Fatal("expected coordinator to be running")
	}

	select {
	case u := <-got:
		if u.Err != nil {
			t.Fatalf("background poll error: %v", u.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for background poll")
	}

	c.Stop()
	c.Stop()
	if c.Running() {
		t.Error("coordinator still running after Stop")
	}
	if v, _ := c.Cache().Get("a"); v != uint16(9) {
		t.Errorf("a = %v, want 9", v)
	}
}

func TestConcurrentOperationsNeverOverlap(t *testing.T) {
	ft := newFakeTransport()
	ft.delay = 200 * time.Microsecond
	c, clock, _ := newTestCoordinator(ft, nil)
	mustRegister(t, c, "a", "DB1.DBW0")
	mustRegister(t, c, "b", "DB1.DBX4.1")
	mustRegister(t, c, "s", "DB1.S10.8")

	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				clock.Advance(time.Second)
				_ = c.Poll(context.Background())
			}
		}()
	}
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := c.WriteNumber("DB1.DBW0", float64(i)); err != nil {
					t.Errorf("WriteNumber: %v", err)
				}
				if _, err := c.WriteBool("DB1.DBX4.1", i%2 == g); err != nil {
					t.Errorf("WriteBool: %v", err)
				}
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = c.Cache().Values()
			_ = c.IsConnected()
		}
	}()
	wg.Wait()

	if ft.overlap.Load() {
		t.Error("transport calls overlapped")
	}
}

func TestHealthCheck(t *testing.T) {
	t.Run("cpu info", func(t *testing.T) {
		pt := &cpuInfoTransport{fakeTransport: newFakeTransport()}
		c, _, _ := newTestCoordinator(pt, nil)

		h := c.HealthCheck()
		if !h.OK || h.CPU == nil || h.CPU.ModuleTypeName != "CPU 1214C" {
			t.Fatalf("unexpected health %+v", h)
		}
		if c.LastHealth().CheckedAt != h.CheckedAt {
			t.Error("LastHealth does not match the last check")
		}
		if !c.IsConnected() {
			t.Error("health check should connect")
		}
	})

	t.Run("cpu info failure", func(t *testing.T) {
		pt := &cpuInfoTransport{fakeTransport: newFakeTransport(), infoErr: errLink}
		c, _, _ := newTestCoordinator(pt, func(o *Options) { o.Policy.MaxRetries = 0 })

		h := c.HealthCheck()
		if h.OK || h.Error == "" {
			t.Errorf("expected failed health, got %+v", h)
		}
	})

	t.Run("no cpu info", func(t *testing.T) {
		c, _, _ := newTestCoordinator(newFakeTransport(), nil)
		if h := c.HealthCheck(); h.OK {
			t.Error("disconnected transport without cpu info reported healthy")
		}
	})
}

func TestDiagnostics(t *testing.T) {
	ft := newFakeTransport()
	c, _, _ := newTestCoordinator(ft, nil)
	mustRegister(t, c, "a", "DB1.DBW0")
	mustRegister(t, c, "s", "DB1.S10.8")
	if err := c.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	d := c.Diagnostics()
	if d.Name != "plc1" || !d.Connected || d.Status != "Connected" {
		t.Errorf("identity/state = %s %v %s", d.Name, d.Connected, d.Status)
	}
	if d.TagPlans != 1 || d.StringPlans != 1 {
		t.Errorf("plans = %d/%d, want 1/1", d.TagPlans, d.StringPlans)
	}
	if d.CacheSize != 2 || len(d.Items) != 2 {
		t.Errorf("cache=%d items=%d, want 2/2", d.CacheSize, len(d.Items))
	}
	if d.Polls.PollsOK != 1 || d.Polls.LastSuccess.IsZero() {
		t.Errorf("poll stats = %+v", d.Polls)
	}
	if d.Policy.MaxRetries != 3 {
		t.Errorf("policy = %+v", d.Policy)
	}
}
