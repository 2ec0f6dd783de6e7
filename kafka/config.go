// Package kafka produces PLC value change events to Kafka clusters.
package kafka

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"s7link/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// ValuesTopic returns the topic value changes go to: the configured topic,
// or <namespace>.values.
func ValuesTopic(cfg *config.KafkaConfig, namespace string) string {
	if cfg.Topic != "" {
		return cfg.Topic
	}
	return namespace + ".values"
}

// HealthTopic returns the topic PLC health events go to.
func HealthTopic(cfg *config.KafkaConfig, namespace string) string {
	return ValuesTopic(cfg, namespace) + ".health"
}

// tlsConfig returns a TLS configuration if TLS is enabled.
func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil when no
// credentials are set.
func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}

	switch SASLMechanism(strings.ToUpper(cfg.SASLMechanism)) {
	case SASLNone, SASLPlain:
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}
