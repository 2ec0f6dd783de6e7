// Package valkey publishes PLC values to Valkey/Redis and serves the
// write-back queue.
package valkey

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"s7link/config"
	"s7link/logging"
	"s7link/plcman"
)

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// TagMessage is the JSON stored under a topic key and sent on the changes
// channel.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Topic     string      `json:"topic"`
	Address   string      `json:"address"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest is popped from the write queue. Topic names a registered
// item; Address, when set, overrides it with a raw S7 address.
type WriteRequest struct {
	ID      string      `json:"id,omitempty"`
	PLC     string      `json:"plc"`
	Topic   string      `json:"topic,omitempty"`
	Address string      `json:"address,omitempty"`
	Value   interface{} `json:"value"`
}

// Target returns the address if set, else the topic.
func (r WriteRequest) Target() string {
	if r.Address != "" {
		return r.Address
	}
	return r.Topic
}

// WriteResponse is published on the write response channel.
type WriteResponse struct {
	ID        string      `json:"id,omitempty"`
	PLC       string      `json:"plc"`
	Topic     string      `json:"topic,omitempty"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage represents a PLC health status message stored in Valkey.
type HealthMessage struct {
	Namespace string    `json:"namespace"`
	PLC       string    `json:"plc"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteHandler performs a write for the queue. ref is a topic or address.
type WriteHandler func(plcName, ref string, value interface{}) (bool, error)

// Publisher handles publishing tag values to a Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex
	log       zerolog.Logger

	// Callbacks
	writeHandler      WriteHandler
	onConnectCallback func()

	// Write-back processing
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher. Keys are prefixed with
// namespace and the configured selector.
func NewPublisher(cfg *config.ValkeyConfig, namespace string, log zerolog.Logger) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		log:       log.With().Str("valkey", cfg.Name).Logger(),
		stopChan:  make(chan struct{}),
	}
}

func (p *Publisher) prefix() string {
	return joinKey(p.namespace, p.config.Selector)
}

// TagKey returns the key holding the latest value of topic.
func (p *Publisher) TagKey(plcName, topic string) string {
	return joinKey(p.prefix(), plcName, "tags", topic)
}

// ChangesChannel returns the Pub/Sub channel for value changes of plcName.
func (p *Publisher) ChangesChannel(plcName string) string {
	return joinKey(p.prefix(), plcName, "changes")
}

// HealthKey returns the key holding the health of plcName.
func (p *Publisher) HealthKey(plcName string) string {
	return joinKey(p.prefix(), plcName, "health")
}

// WriteQueueKey returns the list the write-back listener pops from.
func (p *Publisher) WriteQueueKey() string {
	return joinKey(p.prefix(), "writes")
}

// WriteResponseChannel returns the channel write results are published on.
func (p *Publisher) WriteResponseChannel() string {
	return joinKey(p.prefix(), "write", "responses")
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	// Check if already running (quick check with lock)
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	logging.DebugLog("valkey", "connecting to %s (DB: %d, TLS: %v)", p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check we're not already running (race condition check)
	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}

	// Publish initial values
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}

	p.log.Info().Str("address", p.config.Address).Msg("valkey connected")
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// writebackListener uses a 1s BLPOP timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) tagMessage(ch plcman.ValueChange, now time.Time) TagMessage {
	return TagMessage{
		Namespace: p.namespace,
		PLC:       ch.PLCName,
		Topic:     ch.Topic,
		Address:   ch.Address,
		Value:     ch.Value,
		Type:      ch.TypeName,
		Timestamp: now.UTC(),
	}
}

// Publish stores a changed value and announces it on the changes channel.
func (p *Publisher) Publish(ch plcman.ValueChange) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	data, err := json.Marshal(p.tagMessage(ch, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal tag value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.TagKey(ch.PLCName, ch.Topic), data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	if cfg.PublishChanges {
		if err := client.Publish(ctx, p.ChangesChannel(ch.PLCName), data).Err(); err != nil {
			return fmt.Errorf("failed to publish change: %w", err)
		}
	}
	return nil
}

// PublishHealth stores PLC health status.
func (p *Publisher) PublishHealth(plcName string, online bool, status, errMsg string) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	msg := HealthMessage{
		Namespace: p.namespace,
		PLC:       plcName,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := p.HealthKey(plcName)
	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if cfg.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// writebackListener pops write requests until stop is closed.
func (p *Publisher) writebackListener(client *redis.Client, stop chan struct{}) {
	defer p.wg.Done()

	queueKey := p.WriteQueueKey()
	responseChannel := p.WriteResponseChannel()

	for {
		select {
		case <-stop:
			return
		default:
		}

		// Block waiting for write requests (with timeout for checking stop)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				logging.DebugLog("valkey", "write queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(500 * time.Millisecond):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		resp := p.handleWrite([]byte(result[1]))
		data, _ := json.Marshal(resp)
		pubCtx, pubCancel := context.WithTimeout(context.Background(), 2*time.Second)
		client.Publish(pubCtx, responseChannel, data)
		pubCancel()
	}
}

// handleWrite decodes and executes one queued write request.
func (p *Publisher) handleWrite(raw []byte) WriteResponse {
	var req WriteRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return WriteResponse{Error: "invalid request: " + err.Error(), Timestamp: time.Now().UTC()}
	}

	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()

	response := WriteResponse{
		ID:        req.ID,
		PLC:       req.PLC,
		Topic:     req.Topic,
		Address:   req.Address,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
	}

	switch {
	case req.PLC == "" || req.Target() == "":
		response.Error = "plc and topic or address are required"
	case handler == nil:
		response.Error = "no write handler configured"
	default:
		ok, err := handler(req.PLC, req.Target(), req.Value)
		switch {
		case err != nil:
			response.Error = err.Error()
		case !ok:
			response.Error = "write failed"
		default:
			response.Success = true
		}
	}

	logging.DebugLog("valkey", "write %s/%s = %v -> success=%v", req.PLC, req.Target(), req.Value, response.Success)
	return response
}
