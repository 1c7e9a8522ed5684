package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the security event producer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Compression  string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
	NodeID       string
}

// KafkaPublisher writes events to a single Kafka topic. In async mode the
// writer batches in the background and failures surface through the
// completion callback instead of the request path.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
	nodeID string
	clock  clockwork.Clock
}

func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		Async:        cfg.Async,
	}
	p := &KafkaPublisher{
		writer: writer,
		logger: logger,
		nodeID: cfg.NodeID,
		clock:  clockwork.NewRealClock(),
	}
	writer.Completion = func(messages []kafka.Message, err error) {
		if err != nil {
			p.logger.Error("failed to publish security events",
				zap.Error(err), zap.Int("count", len(messages)))
		}
	}

	switch cfg.Compression {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "snappy":
		writer.Compression = kafka.Snappy
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	}

	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	event = stamp(event, p.nodeID, p.clock)

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}

	msg := kafka.Message{
		Key:   []byte(event.key()),
		Value: value,
		Time:  event.Time,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
