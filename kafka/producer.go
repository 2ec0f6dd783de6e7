package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"s7link/config"
	"s7link/logging"
	"s7link/plcman"
)

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// TagMessage is the JSON value of a change event.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Topic     string      `json:"topic"`
	Address   string      `json:"address"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the JSON value of a PLC health event.
type HealthMessage struct {
	Namespace string `json:"namespace"`
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Producer writes events to one Kafka cluster, with one writer per topic.
type Producer struct {
	config    *config.KafkaConfig
	namespace string
	log       zerolog.Logger
	writers   map[string]*kafka.Writer // topic -> writer
	status    ConnectionStatus
	lastErr   error
	mu        sync.RWMutex

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg *config.KafkaConfig, namespace string, log zerolog.Logger) *Producer {
	return &Producer{
		config:    cfg,
		namespace: namespace,
		log:       log.With().Str("kafka", cfg.Name).Logger(),
		writers:   make(map[string]*kafka.Writer),
		status:    StatusDisconnected,
	}
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Config returns the producer's configuration.
func (p *Producer) Config() *config.KafkaConfig {
	return p.config
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect verifies that a broker of the cluster is reachable.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	fail := func(err error) error {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugLog("kafka", "CONNECT %s: FAILED - %v", p.config.Name, err)
		return err
	}

	if len(p.config.Brokers) == 0 {
		return fail(fmt.Errorf("no brokers configured"))
	}

	dialer, err := p.createDialer()
	if err != nil {
		return fail(err)
	}

	logging.DebugLog("kafka", "CONNECT %s: connecting to brokers %v", p.config.Name, p.config.Brokers)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for _, broker := range p.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()

		p.mu.Lock()
		p.status = StatusConnected
		p.mu.Unlock()
		p.log.Info().Str("broker", broker).Msg("kafka connected")
		return nil
	}
	return fail(fmt.Errorf("failed to connect: %w", lastErr))
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	logging.DebugLog("kafka", "DISCONNECT %s: closing %d topic writers", p.config.Name, len(p.writers))
	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}
	p.status = StatusDisconnected
	p.lastErr = nil
}

// changeMessages builds one message per change, keyed plc/topic so events
// of one item stay ordered within a partition.
func (p *Producer) changeMessages(plcName string, changes []plcman.ValueChange, now time.Time) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(changes))
	for _, ch := range changes {
		payload, err := json.Marshal(TagMessage{
			Namespace: p.namespace,
			PLC:       plcName,
			Topic:     ch.Topic,
			Address:   ch.Address,
			Value:     ch.Value,
			Type:      ch.TypeName,
			Timestamp: now.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, fmt.Errorf("marshal %s/%s: %w", plcName, ch.Topic, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(plcName + "/" + ch.Topic),
			Value: payload,
			Time:  now,
		})
	}
	return msgs, nil
}

// PublishChanges writes the changes of one PLC as a single batch to the
// values topic.
func (p *Producer) PublishChanges(ctx context.Context, plcName string, changes []plcman.ValueChange) error {
	if len(changes) == 0 {
		return nil
	}
	msgs, err := p.changeMessages(plcName, changes, time.Now())
	if err != nil {
		return err
	}
	return p.ProduceBatch(ctx, ValuesTopic(p.config, p.namespace), msgs)
}

// PublishHealth writes a health event keyed by PLC name.
func (p *Producer) PublishHealth(ctx context.Context, plcName string, online bool, status, errMsg string) error {
	payload, err := json.Marshal(HealthMessage{
		Namespace: p.namespace,
		PLC:       plcName,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(plcName), Value: payload, Time: time.Now()}
	return p.ProduceBatch(ctx, HealthTopic(p.config, p.namespace), []kafka.Message{msg})
}

// ProduceBatch sends multiple messages to the specified topic in a single call.
func (p *Producer) ProduceBatch(ctx context.Context, topic string, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	start := time.Now()
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	if err := writer.WriteMessages(ctx, messages...); err != nil {
		p.mu.Lock()
		p.messagesError += int64(len(messages))
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugLog("kafka", "PRODUCE_BATCH %s: FAILED topic '%s' (%d msgs) after %v: %v",
			p.config.Name, topic, len(messages), time.Since(start), err)
		return fmt.Errorf("kafka batch produce failed: %w", err)
	}

	if d := time.Since(start); d > 50*time.Millisecond || len(messages) >= 10 {
		logging.DebugLog("kafka", "PRODUCE_BATCH %s: topic '%s' sent %d msgs in %v",
			p.config.Name, topic, len(messages), d)
	}

	p.mu.Lock()
	p.messagesSent += int64(len(messages))
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// getWriter returns or creates a writer for the given topic.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster %q not connected", p.config.Name)
	}
	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	transport, err := p.createTransport()
	if err != nil {
		return nil, err
	}

	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{},
		Transport: transport,

		// Delivery guarantees
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: batchTimeout,

		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = writer
	logging.DebugLog("kafka", "TOPIC %s: created writer for topic '%s'", p.config.Name, topic)
	return writer, nil
}

// createDialer creates a Kafka dialer with auth and TLS.
func (p *Producer) createDialer() (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(p.config),
		SASLMechanism: mechanism,
	}, nil
}

// createTransport creates a Kafka transport with auth and TLS.
func (p *Producer) createTransport() (*kafka.Transport, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(p.config),
		SASL:        mechanism,
	}, nil
}
