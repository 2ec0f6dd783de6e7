// Package mqtt publishes PLC values to an MQTT broker and accepts write
// requests on a per-PLC write topic.
package mqtt

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"s7link/config"
	"s7link/logging"
	"s7link/plcman"
)

// writeJob represents a pending write operation.
type writeJob struct {
	client pahomqtt.Client
	req    WriteRequest
	err    error // set when the request was rejected before execution
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// Publisher handles MQTT connection and publishes tag values to a single broker.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex
	log       zerolog.Logger

	// Track last published values to detect changes
	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	writeHandler      WriteHandler
	onConnectCallback func()

	// Worker pool for bounded write goroutines
	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// TagMessage is the retained JSON payload of a tag topic.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Topic     string      `json:"topic"`
	Address   string      `json:"address"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON payload accepted on a write topic. The PLC
// defaults to the one named in the topic.
type WriteRequest struct {
	ID      string      `json:"id,omitempty"`
	PLC     string      `json:"plc,omitempty"`
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

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	ID        string      `json:"id,omitempty"`
	PLC       string      `json:"plc"`
	Topic     string      `json:"topic,omitempty"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the retained JSON payload of a PLC health topic.
type HealthMessage struct {
	Namespace string `json:"namespace"`
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteHandler performs a write. ref is a topic or an S7 address. A false
// result with a nil error means the PLC could not be reached.
type WriteHandler func(plcName, ref string, value interface{}) (bool, error)

// NewPublisher creates a new MQTT publisher for a single broker. Topics are
// rooted at namespace and the configured selector.
func NewPublisher(cfg *config.MQTTConfig, namespace string, log zerolog.Logger) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  namespace,
		log:        log.With().Str("mqtt", cfg.Name).Logger(),
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// joinTopic joins topic levels with slashes, dropping empty levels.
func joinTopic(levels ...string) string {
	var parts []string
	for _, l := range levels {
		l = strings.Trim(l, "/")
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "/")
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// RootTopic returns the namespace and selector prefix.
func (p *Publisher) RootTopic() string {
	return joinTopic(p.namespace, p.config.Selector)
}

// TagTopic returns the retained topic carrying the value of topic on plcName.
func (p *Publisher) TagTopic(plcName, topic string) string {
	return joinTopic(p.RootTopic(), plcName, "tags", topic)
}

// HealthTopic returns the retained health topic of plcName.
func (p *Publisher) HealthTopic(plcName string) string {
	return joinTopic(p.RootTopic(), plcName, "health")
}

// WriteFilter returns the subscription filter for write requests.
func (p *Publisher) WriteFilter() string {
	return joinTopic(p.RootTopic(), "+", "write")
}

// ResponseTopic returns the topic write results for plcName are sent on.
func (p *Publisher) ResponseTopic(plcName string) string {
	if plcName == "" {
		return joinTopic(p.RootTopic(), "write", "response")
	}
	return joinTopic(p.RootTopic(), plcName, "write", "response")
}

// plcFromWriteTopic extracts the PLC level of a topic matching WriteFilter.
func (p *Publisher) plcFromWriteTopic(topic string) string {
	rest := strings.TrimPrefix(topic, p.RootTopic()+"/")
	if rest == topic && p.RootTopic() != "" {
		return ""
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "write" {
		return ""
	}
	return parts[0]
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	// Quick check if already running
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("mqtt connection lost")
	})

	client := pahomqtt.NewClient(opts)
	logging.DebugLog("mqtt", "connecting to %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugLog("mqtt", "connection timeout to %s", p.Address())
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logging.DebugLog("mqtt", "connection error: %v", token.Error())
		return token.Error()
	}

	p.mu.Lock()
	// Double-check we're not already running (race condition check)
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.startWriteWorkers()
	p.log.Info().Str("broker", p.Address()).Msg("mqtt connected")
	return nil
}

// onConnect runs on every (re)connect: it restores the write subscription
// and republishes all values.
func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	if p.config.Writable {
		filter := p.WriteFilter()
		token := client.Subscribe(filter, 1, p.handleWriteMessage)
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			p.log.Error().Err(token.Error()).Str("filter", filter).Msg("write subscription failed")
		} else {
			logging.DebugLog("mqtt", "subscribed to %s", filter)
		}
	}

	p.mu.RLock()
	cb := p.onConnectCallback
	p.mu.RUnlock()
	if cb != nil {
		go cb()
	}
}

// startWriteWorkers starts the write worker goroutines.
func (p *Publisher) startWriteWorkers() {
	p.mu.RLock()
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.RUnlock()
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(queue, stop)
	}
}

// writeWorker processes write jobs from the queue.
func (p *Publisher) writeWorker(queue <-chan writeJob, stop <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			resp := p.executeWrite(job.req, job.err)
			p.publishWriteResponse(job.client, resp)
		}
	}
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	// Save old channels and create new ones while holding lock
	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "timeout waiting for write workers to stop")
	}

	// Disconnect OUTSIDE the lock to prevent blocking
	client.Disconnect(500)
	p.log.Info().Msg("mqtt disconnected")
}

func (p *Publisher) tagMessage(ch plcman.ValueChange, now time.Time) TagMessage {
	return TagMessage{
		Namespace: p.namespace,
		PLC:       ch.PLCName,
		Topic:     ch.Topic,
		Address:   ch.Address,
		Value:     ch.Value,
		Type:      ch.TypeName,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// shouldPublish reports whether value differs from the last value published
// for key, and records it.
func (p *Publisher) shouldPublish(key string, value interface{}, force bool) bool {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	last, exists := p.lastValues[key]
	if exists && !force && fmt.Sprintf("%v", last) == fmt.Sprintf("%v", value) {
		return false
	}
	p.lastValues[key] = value
	return true
}

func (p *Publisher) forget(key string) {
	p.lastMu.Lock()
	delete(p.lastValues, key)
	p.lastMu.Unlock()
}

// Publish sends a value as a retained message if it changed since the last
// publish, or unconditionally when force is set.
func (p *Publisher) Publish(ch plcman.ValueChange, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	topic := p.TagTopic(ch.PLCName, ch.Topic)
	if !p.shouldPublish(topic, ch.Value, force) {
		return false
	}

	payload, err := json.Marshal(p.tagMessage(ch, time.Now()))
	if err != nil {
		p.forget(topic)
		return false
	}

	token := client.Publish(topic, 1, true, payload)
	// Use timeout to prevent blocking
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		p.forget(topic)
		return false
	}
	return true
}

// PublishHealth sends the retained health state of plcName.
func (p *Publisher) PublishHealth(plcName string, online bool, status, errMsg string) bool {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return false
	}

	payload, err := json.Marshal(HealthMessage{
		Namespace: p.namespace,
		PLC:       plcName,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false
	}
	token := client.Publish(p.HealthTopic(plcName), 1, true, payload)
	return token.WaitTimeout(2*time.Second) && token.Error() == nil
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetWriteHandler sets the callback for handling write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetOnConnectCallback sets the callback invoked after every (re)connect.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// decodeWrite parses a write payload received on topic.
func (p *Publisher) decodeWrite(topic string, payload []byte) (WriteRequest, error) {
	fromTopic := p.plcFromWriteTopic(topic)
	req := WriteRequest{PLC: fromTopic}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid JSON: %v", err)
	}
	if fromTopic != "" && req.PLC != fromTopic {
		return req, fmt.Errorf("plc mismatch: topic names %s, payload %s", fromTopic, req.PLC)
	}
	if req.PLC == "" || req.Target() == "" {
		return req, errors.New("plc and topic or address are required")
	}
	return req, nil
}

// executeWrite runs req through the write handler unless it was already
// rejected with rejectErr.
func (p *Publisher) executeWrite(req WriteRequest, rejectErr error) WriteResponse {
	resp := WriteResponse{
		ID:        req.ID,
		PLC:       req.PLC,
		Topic:     req.Topic,
		Address:   req.Address,
		Value:     req.Value,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if rejectErr != nil {
		resp.Error = rejectErr.Error()
		return resp
	}

	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()
	if handler == nil {
		resp.Error = "no write handler configured"
		return resp
	}

	logging.DebugLog("mqtt", "executing write %s/%s = %v", req.PLC, req.Target(), req.Value)
	ok, err := handler(req.PLC, req.Target(), req.Value)
	switch {
	case err != nil:
		resp.Error = err.Error()
	case !ok:
		resp.Error = "write failed"
	default:
		resp.Success = true
	}
	return resp
}

// handleWriteMessage processes incoming write requests.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logging.DebugLog("mqtt", "write request on %s: %s", msg.Topic(), msg.Payload())

	req, err := p.decodeWrite(msg.Topic(), msg.Payload())

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()

	// Queue the write job (non-blocking with drop on overflow)
	select {
	case queue <- writeJob{client: client, req: req, err: err}:
	default:
		logging.DebugLog("mqtt", "write queue full, rejecting write for %s/%s", req.PLC, req.Target())
		go p.publishWriteResponse(client, p.executeWrite(req, errors.New("write queue full, try again later")))
	}
}

// publishWriteResponse publishes a write response to MQTT.
func (p *Publisher) publishWriteResponse(client pahomqtt.Client, resp WriteResponse) {
	payload, _ := json.Marshal(resp)
	token := client.Publish(p.ResponseTopic(resp.PLC), 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}
