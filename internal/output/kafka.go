package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`

	// Topic receives one message per metric event
	Topic string `yaml:"topic"`

	// RequiredAcks specifies the number of acknowledgments required (0, 1, -1)
	RequiredAcks int16 `yaml:"required_acks,omitempty"`

	// CompressionCodec specifies the compression codec (none, gzip, snappy, lz4, zstd)
	CompressionCodec string `yaml:"compression_codec,omitempty"`

	// ClientID is the client identifier
	ClientID string `yaml:"client_id,omitempty"`

	// Version is the Kafka protocol version
	Version string `yaml:"version,omitempty"`

	// EnableTLS enables TLS for connections
	EnableTLS bool `yaml:"enable_tls,omitempty"`

	// SASL configuration
	SASLEnabled   bool   `yaml:"sasl_enabled,omitempty"`
	SASLMechanism string `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string `yaml:"sasl_username,omitempty"`
	SASLPassword  string `yaml:"sasl_password,omitempty"`
}

// DefaultKafkaConfig returns default Kafka configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:          []string{"localhost:9092"},
		Topic:            "marian-metrics",
		RequiredAcks:     1,
		CompressionCodec: "none",
		ClientID:         "marianboard",
		Version:          "3.0.0",
	}
}

// SaramaConfig translates c into a producer configuration
func (c KafkaConfig) SaramaConfig() (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(c.RequiredAcks)
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.ClientID = c.ClientID

	switch c.CompressionCodec {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if c.Version != "" {
		version, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if c.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = c.SASLUsername
		saramaConfig.Net.SASL.Password = c.SASLPassword

		switch c.SASLMechanism {
		case "SCRAM-SHA-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if c.EnableTLS {
		saramaConfig.Net.TLS.Enable = true
	}

	return saramaConfig, nil
}

// KafkaSink publishes events to a Kafka topic. Messages are keyed by run id
// so one run stays on one partition, and are sent in a batch on Flush.
type KafkaSink struct {
	topic    string
	src      Source
	producer sarama.SyncProducer
	now      func() time.Time

	mu      sync.Mutex
	pending []*sarama.ProducerMessage
}

// NewKafkaSink connects a producer to the configured brokers
func NewKafkaSink(config KafkaConfig, src Source) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}

	saramaConfig, err := config.SaramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	sink, err := NewKafkaSinkWithProducer(producer, config.Topic, src)
	if err != nil {
		producer.Close()
		return nil, err
	}
	return sink, nil
}

// NewKafkaSinkWithProducer uses an existing producer
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, src Source) (*KafkaSink, error) {
	if topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	return &KafkaSink{
		topic:    topic,
		src:      src,
		producer: producer,
		now:      time.Now,
	}, nil
}

func (k *KafkaSink) Write(ctx context.Context, event types.MetricEvent) error {
	value, err := json.Marshal(NewRecord(k.src, event, k.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(k.src.RunID),
		Value: sarama.ByteEncoder(value),
	}

	k.mu.Lock()
	k.pending = append(k.pending, msg)
	k.mu.Unlock()

	return nil
}

// Flush sends every pending message. Messages the brokers did not accept
// stay pending for the next flush.
func (k *KafkaSink) Flush(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.pending) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := k.producer.SendMessages(k.pending); err != nil {
		sent := len(k.pending)
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			failed := make([]*sarama.ProducerMessage, 0, len(perrs))
			for _, perr := range perrs {
				failed = append(failed, perr.Msg)
			}
			k.pending = failed
		}
		return fmt.Errorf("failed to send %d of %d messages to Kafka: %w", len(k.pending), sent, err)
	}

	k.pending = k.pending[:0]
	return nil
}

// Pending returns the number of messages waiting for the next flush
func (k *KafkaSink) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.pending)
}

func (k *KafkaSink) Name() string {
	return "kafka"
}

func (k *KafkaSink) Close() error {
	flushErr := k.Flush(context.Background())
	closeErr := k.producer.Close()

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
