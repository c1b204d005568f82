package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/changelog"
	"github.com/maxpert/fanout/record"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaMaxBytes = 10 << 20 // 10MB
	// Wait for more messages once the first one of a batch arrived
	kafkaLingerWait = 50 * time.Millisecond
)

func init() {
	changelog.RegisterSource(cfg.SourceKafka, func(deps changelog.SourceDeps) (changelog.Source, error) {
		if deps.Config == nil {
			return nil, fmt.Errorf("kafka source requires configuration")
		}
		c := deps.Config.ChangeLog
		groupID := c.Kafka.GroupID
		if groupID == "" {
			groupID = c.Consumer
		}
		return NewKafkaSource(KafkaConfig{
			Brokers: c.Kafka.Brokers,
			Topic:   c.Kafka.Topic,
			GroupID: groupID,
		})
	})
}

// KafkaConfig holds configuration for KafkaSource
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	GroupID   string
	FetchWait time.Duration // How long one Fetch waits for the first message (default: 1s)
	MaxBytes  int
}

// kafkaReader is the part of *kafka.Reader the source uses
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes change records from a Kafka topic as a consumer
// group member. Offsets are committed only on Ack.
type KafkaSource struct {
	reader kafkaReader
	config KafkaConfig

	pending []kafka.Message
	records []record.ChangeRecord
}

// NewKafkaSource creates a Kafka consumer group reader
func NewKafkaSource(config KafkaConfig) (*KafkaSource, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka source requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka source requires a topic")
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("kafka source requires a group id")
	}
	if config.FetchWait <= 0 {
		config.FetchWait = defaultFetchWait
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultKafkaMaxBytes
	}

	return newKafkaSource(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  config.Brokers,
		Topic:    config.Topic,
		GroupID:  config.GroupID,
		MinBytes: 1,
		MaxBytes: config.MaxBytes,
		MaxWait:  config.FetchWait,
		// Synchronous commits from Ack
		CommitInterval: 0,
	}), config), nil
}

func newKafkaSource(reader kafkaReader, config KafkaConfig) *KafkaSource {
	if config.FetchWait <= 0 {
		config.FetchWait = defaultFetchWait
	}
	return &KafkaSource{reader: reader, config: config}
}

func (s *KafkaSource) Name() string {
	return "kafka:" + s.config.Topic + "/" + s.config.GroupID
}

// Fetch reads up to max messages. The first message is awaited for at most
// FetchWait; the batch is closed early once the topic goes quiet.
func (s *KafkaSource) Fetch(ctx context.Context, max int) ([]record.ChangeRecord, error) {
	if len(s.pending) > 0 {
		return s.records, nil
	}

	var pending []kafka.Message
	var records []record.ChangeRecord

	wait := s.config.FetchWait
	for len(pending) < max {
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := s.reader.FetchMessage(fetchCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if len(pending) > 0 {
				// Keep what we have; the error resurfaces on the next fetch
				break
			}
			return nil, fmt.Errorf("failed to fetch from %s: %w", s.config.Topic, err)
		}

		// Undecodable messages are still committed with the batch
		pending = append(pending, msg)
		wait = kafkaLingerWait

		rec, err := decodeRecord(msg.Value)
		if err != nil {
			log.Warn().
				Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Dropping undecodable change record")
			continue
		}
		if rec.SeqNum == 0 {
			rec.SeqNum = uint64(msg.Offset) + 1
		}
		records = append(records, rec)
	}

	if len(records) == 0 && len(pending) > 0 {
		// Nothing to hand out, so nothing will ever ack these
		if err := s.reader.CommitMessages(ctx, pending...); err != nil {
			return nil, fmt.Errorf("failed to commit skipped offsets: %w", err)
		}
		return nil, nil
	}

	s.pending = pending
	s.records = records
	return records, nil
}

// Ack commits the offsets of the pending batch. On failure the batch stays
// pending and is returned again by the next Fetch.
func (s *KafkaSource) Ack(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, s.pending...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	s.pending = nil
	s.records = nil
	return nil
}

// Close leaves the consumer group; uncommitted messages are redelivered to the next member
func (s *KafkaSource) Close() error {
	s.pending = nil
	s.records = nil
	return s.reader.Close()
}
