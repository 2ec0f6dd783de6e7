package plcman

import (
	"sort"
	"time"
)

// Snapshot is an immutable view of the value cache. A new snapshot replaces
// the old one after every successful poll; readers never see a partial update.
type Snapshot struct {
	values    map[string]interface{}
	updatedAt time.Time
}

var emptySnapshot = &Snapshot{values: map[string]interface{}{}}

// Get returns the cached value for topic.
func (s *Snapshot) Get(topic string) (interface{}, bool) {
	v, ok := s.values[topic]
	return v, ok
}

// Values returns a copy of all cached values.
func (s *Snapshot) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Topics returns the cached topics in sorted order.
func (s *Snapshot) Topics() []string {
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of cached topics.
func (s *Snapshot) Len() int {
	return len(s.values)
}

// UpdatedAt returns when the snapshot was produced. Zero for the initial
// empty snapshot.
func (s *Snapshot) UpdatedAt() time.Time {
	return s.updatedAt
}

// ValueChange represents a topic whose value changed in a poll.
type ValueChange struct {
	PLCName  string      `json:"plc"`
	Topic    string      `json:"topic"`
	Address  string      `json:"address"`
	TypeName string      `json:"type"`
	Value    interface{} `json:"value"`
}

// Update is delivered to listeners after every poll cycle that read
// something. Err is set and Snapshot is the unchanged previous cache when the
// cycle failed.
type Update struct {
	PLC       string
	Snapshot  *Snapshot
	Changes   []ValueChange
	Connected bool
	Err       error
}
