package plcman

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"s7link/s7"
)

// Policy controls how failed PLC operations are retried.
type Policy struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultPolicy returns 3 retries with 0.5s doubling up to 2s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     2 * time.Second,
	}
}

// Delays returns the sleep before each retry: min(initial*2^n, max).
func (p Policy) Delays() []time.Duration {
	b := p.backOff()
	out := make([]time.Duration, 0, p.MaxRetries)
	for i := 0; i < p.MaxRetries; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	initial, ceiling := p.BackoffInitial, p.BackoffMax
	if ceiling <= 0 {
		ceiling = initial
	}
	if initial > ceiling {
		initial = ceiling
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// ErrorStats tracks exhausted operations by error category.
type ErrorStats struct {
	LastCategory string         `json:"last_category,omitempty"`
	LastMessage  string         `json:"last_message,omitempty"`
	LastAt       time.Time      `json:"last_at,omitempty"`
	Counts       map[string]int `json:"counts"`
}

// Retrier runs PLC operations with reconnect and exponential backoff. It is
// the only place that decides whether an error is retried.
type Retrier struct {
	name   string
	policy Policy
	conn   *Connection
	sleep  func(time.Duration)
	log    zerolog.Logger
	rec    Recorder

	mu    sync.Mutex
	stats ErrorStats
}

// NewRetrier creates a retrier bound to conn. A nil sleep uses time.Sleep.
func NewRetrier(name string, policy Policy, conn *Connection, sleep func(time.Duration), log zerolog.Logger, rec Recorder) *Retrier {
	if sleep == nil {
		sleep = time.Sleep
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Retrier{
		name:   name,
		policy: policy,
		conn:   conn,
		sleep:  sleep,
		log:    log,
		rec:    rec,
		stats:  ErrorStats{Counts: make(map[string]int)},
	}
}

// Policy returns the retry policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs fn up to MaxRetries+1 times. The connection is ensured before each
// attempt and dropped after each failure. Invalid address and argument errors
// are returned at once. The caller must hold the coordinator lock.
func (r *Retrier) Do(op string, fn func() error) error {
	attempts := r.policy.MaxRetries + 1
	b := r.policy.backOff()

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		err := r.conn.EnsureConnected()
		if err == nil {
			err = fn()
		}
		if err == nil {
			return nil
		}
		if s7.IsFatal(err) {
			return err
		}

		last = err
		category := s7.Category(err)
		r.conn.Drop(err)
		r.log.Debug().Err(err).
			Str("op", op).
			Str("category", category).
			Int("attempt", attempt+1).
			Int("of", attempts).
			Msg("operation failed")

		if attempt == attempts-1 {
			break
		}

		delay := b.NextBackOff()
		r.rec.Retried(r.name, category)
		r.sleep(delay)
	}

	category := s7.Category(last)
	r.record(category, last)
	r.log.Error().Err(last).Str("op", op).Str("category", category).
		Int("attempts", attempts).Msg("operation failed after retries")
	return fmt.Errorf("%s failed after %d attempts (%s): %w", op, attempts, category, last)
}

// retryValue is Do for operations that produce a value.
func retryValue[T any](r *Retrier, op string, fn func() (T, error)) (T, error) {
	var out T
	err := r.Do(op, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *Retrier) record(category string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.LastCategory = category
	r.stats.LastMessage = err.Error()
	r.stats.LastAt = time.Now()
	r.stats.Counts[category]++
}

// Stats returns a copy of the error bookkeeping.
func (r *Retrier) Stats() ErrorStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.Counts = make(map[string]int, len(r.stats.Counts))
	for k, v := range r.stats.Counts {
		out.Counts[k] = v
	}
	return out
}
