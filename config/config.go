// Package config handles configuration persistence for the s7link gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"s7link/s7"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Defaults applied to PLC connections that leave a field unset.
const (
	DefaultScanInterval   = time.Second
	MinScanInterval       = 50 * time.Millisecond
	DefaultOpTimeout      = 5 * time.Second
	DefaultMaxRetries     = 3
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 2 * time.Second
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Instance namespace for topic/key isolation
	PLCs      []PLCConfig    `yaml:"plcs"`
	Web       WebConfig      `yaml:"web"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Log       LogConfig      `yaml:"log,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// PLCConfig describes one S7 connection and the items polled from it.
type PLCConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port,omitempty"`
	Rack           int           `yaml:"rack"`
	Slot           int           `yaml:"slot"`
	ConnectionType string        `yaml:"connection_type,omitempty"` // pg, op or basic
	ScanInterval   time.Duration `yaml:"scan_interval,omitempty"`
	OpTimeout      time.Duration `yaml:"op_timeout,omitempty"`
	MaxRetries     *int          `yaml:"max_retries,omitempty"`
	BackoffInitial time.Duration `yaml:"backoff_initial,omitempty"`
	BackoffMax     time.Duration `yaml:"backoff_max,omitempty"`
	OptimizeRead   *bool         `yaml:"optimize_read,omitempty"`
	HealthInterval time.Duration `yaml:"health_interval,omitempty"` // 0 disables periodic health checks
	Items          []ItemConfig  `yaml:"items"`
}

// ItemConfig maps a topic to an S7 address.
type ItemConfig struct {
	Topic        string        `yaml:"topic"`
	Address      string        `yaml:"address"`
	ScanInterval time.Duration `yaml:"scan_interval,omitempty"` // 0 uses the PLC scan interval
	Precision    *int          `yaml:"precision,omitempty"`     // REAL rounding, negative for none
}

// WebConfig holds REST API server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Metrics bool   `yaml:"metrics"` // Expose /metrics
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level,omitempty"`
	File        string `yaml:"file,omitempty"`
	DebugFile   string `yaml:"debug_file,omitempty"`
	DebugFilter string `yaml:"debug_filter,omitempty"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	Writable bool   `yaml:"writable,omitempty"` // Accept write requests
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port format
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	Selector        string        `yaml:"selector,omitempty"`
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`          // TTL for keys (0 = no expiry)
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`  // Publish to Pub/Sub on changes
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // Enable write-back queue
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic,omitempty"` // Defaults to <namespace>.values
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	BatchTimeout  time.Duration `yaml:"batch_timeout,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "s7link",
		PLCs:      []PLCConfig{},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Metrics: true,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
		Log:    LogConfig{Level: "info"},
	}
}

// DefaultPLCConfig returns a PLC connection with default timing.
func DefaultPLCConfig(name, host string) PLCConfig {
	retries := DefaultMaxRetries
	optimize := true
	return PLCConfig{
		Name:           name,
		Enabled:        true,
		Host:           host,
		Port:           s7.DefaultPort,
		Rack:           0,
		Slot:           1,
		ScanInterval:   DefaultScanInterval,
		OpTimeout:      DefaultOpTimeout,
		MaxRetries:     &retries,
		BackoffInitial: DefaultBackoffInitial,
		BackoffMax:     DefaultBackoffMax,
		OptimizeRead:   &optimize,
	}
}

// DefaultMQTTConfig returns an MQTT publisher pointing at a local broker.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:     name,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "s7link-" + name,
	}
}

// DefaultValkeyConfig returns a Valkey publisher pointing at a local server.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:           name,
		Address:        "localhost:6379",
		PublishChanges: true,
	}
}

// DefaultKafkaConfig returns a Kafka producer pointing at a local broker.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:         name,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1,
		MaxRetries:   3,
	}
}

// Retries returns the configured retry count or the default.
func (p *PLCConfig) Retries() int {
	if p.MaxRetries == nil || *p.MaxRetries < 0 {
		return DefaultMaxRetries
	}
	return *p.MaxRetries
}

// Optimize reports whether duplicate reads are collapsed (default true).
func (p *PLCConfig) Optimize() bool {
	return p.OptimizeRead == nil || *p.OptimizeRead
}

// ApplyDefaults fills unset timing fields.
func (p *PLCConfig) ApplyDefaults() {
	if p.Port == 0 {
		p.Port = s7.DefaultPort
	}
	if p.ScanInterval <= 0 {
		p.ScanInterval = DefaultScanInterval
	}
	if p.OpTimeout <= 0 {
		p.OpTimeout = DefaultOpTimeout
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = DefaultBackoffInitial
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = DefaultBackoffMax
	}
}

// FindItem returns the item with the given topic, or nil if not found.
func (p *PLCConfig) FindItem(topic string) *ItemConfig {
	for i := range p.Items {
		if p.Items[i].Topic == topic {
			return &p.Items[i]
		}
	}
	return nil
}

// SetItem adds an item or replaces the one with the same topic.
func (p *PLCConfig) SetItem(item ItemConfig) {
	if existing := p.FindItem(item.Topic); existing != nil {
		*existing = item
		return
	}
	p.Items = append(p.Items, item)
}

// RemoveItem removes an item by topic.
func (p *PLCConfig) RemoveItem(topic string) bool {
	for i, it := range p.Items {
		if it.Topic == topic {
			p.Items = append(p.Items[:i], p.Items[i+1:]...)
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// FindPLC returns the PLC config with the given name, or nil if not found.
func (c *Config) FindPLC(name string) *PLCConfig {
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// AddPLC adds a new PLC configuration.
func (c *Config) AddPLC(plc PLCConfig) {
	c.PLCs = append(c.PLCs, plc)
}

// RemovePLC removes a PLC config by name.
func (c *Config) RemovePLC(name string) bool {
	for i, p := range c.PLCs {
		if p.Name == name {
			c.PLCs = append(c.PLCs[:i], c.PLCs[i+1:]...)
			return true
		}
	}
	return false
}

// DefaultPath returns the default configuration file path (~/.s7link/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".s7link", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back to path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path) // Best-effort save
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range cfg.PLCs {
		cfg.PLCs[i].ApplyDefaults()
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes and notifies.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores, and dots")
	}

	names := make(map[string]bool)
	for i := range c.PLCs {
		p := &c.PLCs[i]
		if p.Name == "" {
			return fmt.Errorf("plc %d: name is required", i)
		}
		if !IsValidNamespace(p.Name) {
			return fmt.Errorf("plc %q: name must contain only alphanumeric characters, hyphens, underscores, and dots", p.Name)
		}
		if names[p.Name] {
			return fmt.Errorf("plc %q: duplicate name", p.Name)
		}
		names[p.Name] = true
		if p.Host == "" {
			return fmt.Errorf("plc %q: host is required", p.Name)
		}
		if _, err := s7.ParseConnectionType(p.ConnectionType); err != nil {
			return fmt.Errorf("plc %q: %w", p.Name, err)
		}
		if p.ScanInterval > 0 && p.ScanInterval < MinScanInterval {
			return fmt.Errorf("plc %q: scan_interval %v below minimum %v", p.Name, p.ScanInterval, MinScanInterval)
		}

		topics := make(map[string]bool)
		for _, it := range p.Items {
			if it.Topic == "" {
				return fmt.Errorf("plc %q: item with address %q has no topic", p.Name, it.Address)
			}
			if topics[it.Topic] {
				return fmt.Errorf("plc %q: duplicate topic %q", p.Name, it.Topic)
			}
			topics[it.Topic] = true
			if err := s7.ValidateAddress(it.Address); err != nil {
				return fmt.Errorf("plc %q topic %q: %w", p.Name, it.Topic, err)
			}
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
