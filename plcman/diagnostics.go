package plcman

import (
	"time"

	"s7link/s7"
)

// Health is the result of the last CPU health check.
type Health struct {
	OK        bool          `json:"ok"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at,omitempty"`
	Error     string        `json:"error,omitempty"`
	CPU       *s7.CPUInfo   `json:"cpu,omitempty"`
}

// HealthCheck queries the CPU info when the transport supports it. Other
// transports report the connection state instead.
func (c *Coordinator) HealthCheck() Health {
	c.mu.Lock()
	start := c.now()
	h := Health{CheckedAt: start}

	reader, ok := c.conn.Transport().(s7.CPUInfoReader)
	if !ok {
		h.OK = c.conn.IsConnected()
		if !h.OK {
			h.Error = "not connected"
		}
		c.mu.Unlock()
		c.setHealth(h)
		return h
	}

	info, err := retryValue(c.retrier, "health check", reader.CPUInfo)
	h.Latency = c.now().Sub(start)
	c.mu.Unlock()

	if err != nil {
		h.Error = err.Error()
		c.log.Warn().Err(err).Msg("health check failed")
	} else {
		h.OK = true
		h.CPU = info
	}
	c.setHealth(h)
	return h
}

func (c *Coordinator) setHealth(h Health) {
	c.healthMu.Lock()
	c.health = h
	c.healthMu.Unlock()
}

// LastHealth returns the most recent health check result.
func (c *Coordinator) LastHealth() Health {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.health
}

// Diagnostics is a point-in-time summary of a coordinator.
type Diagnostics struct {
	Name         string        `json:"name"`
	Connected    bool          `json:"connected"`
	Status       string        `json:"status"`
	Running      bool          `json:"running"`
	Interval     time.Duration `json:"interval"`
	Items        []Item        `json:"items"`
	TagPlans     int           `json:"tag_plans"`
	StringPlans  int           `json:"string_plans"`
	CacheSize    int           `json:"cache_size"`
	CacheUpdated time.Time     `json:"cache_updated_at,omitempty"`
	Polls        PollStats     `json:"polls"`
	Health       Health        `json:"health"`
	Errors       ErrorStats    `json:"errors"`
	Policy       Policy        `json:"retry_policy"`
}

// Diagnostics collects the current state without touching the PLC.
func (c *Coordinator) Diagnostics() Diagnostics {
	snap := c.Cache()
	return Diagnostics{
		Name:         c.name,
		Connected:    c.conn.IsConnected(),
		Status:       c.conn.Status().String(),
		Running:      c.Running(),
		Interval:     c.Interval(),
		Items:        c.Items(),
		TagPlans:     int(c.tagCount.Load()),
		StringPlans:  int(c.strCount.Load()),
		CacheSize:    snap.Len(),
		CacheUpdated: snap.UpdatedAt(),
		Polls:        c.Stats(),
		Health:       c.LastHealth(),
		Errors:       c.retrier.Stats(),
		Policy:       c.retrier.Policy(),
	}
}
