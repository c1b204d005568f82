// Package source provides change-log sources backed by external brokers.
// Importing it registers the "nats" and "kafka" source types with the
// changelog package.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/changelog"
	"github.com/maxpert/fanout/encoding"
	"github.com/maxpert/fanout/record"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	defaultFetchWait = time.Second
	defaultAckWait   = 30 * time.Second
)

func init() {
	changelog.RegisterSource(cfg.SourceNATS, func(deps changelog.SourceDeps) (changelog.Source, error) {
		if deps.Config == nil {
			return nil, fmt.Errorf("nats source requires configuration")
		}
		c := deps.Config.ChangeLog
		durable := c.NATS.Durable
		if durable == "" {
			durable = c.Consumer
		}
		return NewNatsSource(NatsConfig{
			URL:     c.NATS.URL,
			Stream:  c.NATS.Stream,
			Subject: c.NATS.Subject,
			Durable: durable,
		})
	})
}

// NatsConfig holds configuration for NatsSource
type NatsConfig struct {
	URL       string
	Stream    string
	Subject   string
	Durable   string
	FetchWait time.Duration // How long one Fetch waits for messages (default: 1s)
	AckWait   time.Duration // Server redelivery timeout (default: 30s)
}

// NatsSource consumes change records from a JetStream stream with a
// durable pull consumer and explicit acks
type NatsSource struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   NatsConfig

	pending []jetstream.Msg
	records []record.ChangeRecord
}

// NewNatsSource connects to NATS and ensures the stream and durable consumer exist
func NewNatsSource(config NatsConfig) (*NatsSource, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats source requires url")
	}
	if config.Stream == "" || config.Subject == "" || config.Durable == "" {
		return nil, fmt.Errorf("nats source requires stream, subject and durable name")
	}
	if config.FetchWait <= 0 {
		config.FetchWait = defaultFetchWait
	}
	if config.AckWait <= 0 {
		config.AckWait = defaultAckWait
	}

	nc, err := nats.Connect(config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      config.Stream,
		Subjects:  []string{config.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", config.Stream, err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, config.Stream, jetstream.ConsumerConfig{
		Durable:       config.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       config.AckWait,
		FilterSubject: config.Subject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure consumer %s: %w", config.Durable, err)
	}

	return &NatsSource{nc: nc, js: js, consumer: consumer, config: config}, nil
}

func (s *NatsSource) Name() string {
	return "nats:" + s.config.Stream + "/" + s.config.Durable
}

// Fetch pulls up to max messages. While a batch is unacknowledged it is
// returned again and its ack deadline is extended.
func (s *NatsSource) Fetch(ctx context.Context, max int) ([]record.ChangeRecord, error) {
	if len(s.pending) > 0 {
		for _, msg := range s.pending {
			if err := msg.InProgress(); err != nil {
				log.Debug().Err(err).Msg("Failed to extend ack deadline")
			}
		}
		return s.records, nil
	}

	batch, err := s.consumer.Fetch(max, jetstream.FetchMaxWait(s.config.FetchWait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", s.config.Stream, err)
	}

	var pending []jetstream.Msg
	var records []record.ChangeRecord
	for msg := range batch.Messages() {
		rec, err := decodeRecord(msg.Data())
		if err != nil {
			// Poison message; redelivering it would never succeed
			log.Warn().Err(err).Str("subject", msg.Subject()).Msg("Dropping undecodable change record")
			if err := msg.Term(); err != nil {
				log.Debug().Err(err).Msg("Failed to terminate message")
			}
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			rec.SeqNum = meta.Sequence.Stream
		}
		pending = append(pending, msg)
		records = append(records, rec)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		// Messages already received are released for redelivery
		for _, msg := range pending {
			msg.Nak()
		}
		return nil, fmt.Errorf("fetch from %s failed: %w", s.config.Stream, err)
	}

	s.pending = pending
	s.records = records
	return records, nil
}

// Ack acknowledges every message of the pending batch
func (s *NatsSource) Ack(ctx context.Context) error {
	var firstErr error
	for _, msg := range s.pending {
		if err := msg.DoubleAck(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.pending = nil
	s.records = nil
	return firstErr
}

// Close naks the pending batch so another consumer can take it, then closes the connection
func (s *NatsSource) Close() error {
	for _, msg := range s.pending {
		msg.Nak()
	}
	s.pending = nil
	s.records = nil

	if s.nc != nil {
		s.nc.Flush()
		s.nc.Close()
	}
	return nil
}

// Publish appends a change record to the stream. Used by producers and tests.
func (s *NatsSource) Publish(ctx context.Context, rec record.ChangeRecord) error {
	data, err := encoding.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal change record: %w", err)
	}
	if _, err := s.js.Publish(ctx, s.config.Subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.config.Subject, err)
	}
	return nil
}

func decodeRecord(data []byte) (record.ChangeRecord, error) {
	var rec record.ChangeRecord
	if len(data) == 0 {
		return rec, fmt.Errorf("empty message")
	}
	if err := encoding.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}
