// Package metrics exposes coordinator activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"s7link/plcman"
)

const namespace = "s7link"

// Metrics implements plcman.Recorder on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	writes       *prometheus.CounterVec
	connected    *prometheus.GaugeVec
	cacheSize    *prometheus.GaugeVec
	values       *prometheus.GaugeVec
	lastSuccess  *prometheus.GaugeVec
}

// New creates the metric set. Go runtime and process collectors are
// registered alongside.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Poll cycles by PLC and result.",
			},
			[]string{"plc", "result"},
		),
		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Duration of poll cycles.",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"plc"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retried PLC operations by error category.",
			},
			[]string{"plc", "category"},
		),
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writes_total",
				Help:      "Write requests by kind and result.",
			},
			[]string{"plc", "kind", "result"},
		),
		connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected",
				Help:      "1 if the PLC session is open.",
			},
			[]string{"plc"},
		),
		cacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_topics",
				Help:      "Number of topics in the value cache.",
			},
			[]string{"plc"},
		),
		values: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "value",
				Help:      "Last polled value of numeric and boolean topics.",
			},
			[]string{"plc", "topic"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful poll.",
			},
			[]string{"plc"},
		),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.polls, m.pollDuration, m.retries, m.writes,
		m.connected, m.cacheSize, m.values, m.lastSuccess,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PollCompleted implements plcman.Recorder.
func (m *Metrics) PollCompleted(plc string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		m.lastSuccess.WithLabelValues(plc).SetToCurrentTime()
	}
	m.polls.WithLabelValues(plc, result).Inc()
	m.pollDuration.WithLabelValues(plc).Observe(took.Seconds())
}

// Retried implements plcman.Recorder.
func (m *Metrics) Retried(plc, category string) {
	m.retries.WithLabelValues(plc, category).Inc()
}

// WriteCompleted implements plcman.Recorder.
func (m *Metrics) WriteCompleted(plc, kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.writes.WithLabelValues(plc, kind, result).Inc()
}

// ConnectionChanged implements plcman.Recorder.
func (m *Metrics) ConnectionChanged(plc string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(plc).Set(v)
}

// CacheSize implements plcman.Recorder.
func (m *Metrics) CacheSize(plc string, n int) {
	m.cacheSize.WithLabelValues(plc).Set(float64(n))
}

// ObserveUpdate mirrors changed values into the value gauge. Strings are
// skipped.
func (m *Metrics) ObserveUpdate(u plcman.Update) {
	for _, ch := range u.Changes {
		if f, ok := gaugeValue(ch.Value); ok {
			m.values.WithLabelValues(ch.PLCName, ch.Topic).Set(f)
		}
	}
}

// ForgetPLC drops every series labelled with plc.
func (m *Metrics) ForgetPLC(plc string) {
	labels := prometheus.Labels{"plc": plc}
	m.polls.DeletePartialMatch(labels)
	m.pollDuration.DeletePartialMatch(labels)
	m.retries.DeletePartialMatch(labels)
	m.writes.DeletePartialMatch(labels)
	m.connected.DeletePartialMatch(labels)
	m.cacheSize.DeletePartialMatch(labels)
	m.values.DeletePartialMatch(labels)
	m.lastSuccess.DeletePartialMatch(labels)
}

func gaugeValue(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

var _ plcman.Recorder = (*Metrics)(nil)
