// Package processor is the top-level entry the change-log host calls once
// per batch.
//
// Records are handled strictly in order. Each one is decoded; records that
// are not inserts, carry no image or are malformed are skipped. Every
// decoded event is fanned out to completion before the next record starts.
// Nothing that goes wrong for a single record or subscriber is reported to
// the host, because the host answers any failure by redelivering the whole
// batch. The one exception is a registry failure: the subscriber set could
// not be read at all, and redelivery is the right recovery.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/fanout/dispatch"
	"github.com/maxpert/fanout/record"
	"github.com/maxpert/fanout/telemetry"
	"github.com/rs/zerolog/log"
)

// Dispatcher fans one event out to its subscribers
type Dispatcher interface {
	Dispatch(ctx context.Context, evt record.SubscriptionEvent) (dispatch.Report, error)
}

// Config configures a Processor
type Config struct {
	Dispatcher   Dispatcher
	FilterEvents []string // Glob patterns; empty accepts every event
}

// BatchReport summarizes one batch
type BatchReport struct {
	Records    int
	Skipped    int // Not decodable into an event
	Filtered   int // Decoded but rejected by the event filter
	Dispatched int
	Failed     int // Dispatch failed for reasons that were swallowed
	Reports    []dispatch.Report
}

// Processor handles change-log batches. It keeps no state between batches.
type Processor struct {
	dispatcher Dispatcher
	filter     *EventFilter
}

// New creates a Processor
func New(config Config) (*Processor, error) {
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	filter, err := NewEventFilter(config.FilterEvents)
	if err != nil {
		return nil, err
	}
	return &Processor{dispatcher: config.Dispatcher, filter: filter}, nil
}

// HandleBatch processes records and returns an error only when the
// subscriber registry failed. It satisfies changelog.Handler.
func (p *Processor) HandleBatch(ctx context.Context, records []record.ChangeRecord) error {
	_, err := p.Process(ctx, records)
	return err
}

// Process handles records in order and reports what happened to each one.
func (p *Processor) Process(ctx context.Context, records []record.ChangeRecord) (BatchReport, error) {
	start := time.Now()
	report := BatchReport{Records: len(records)}

	for _, rec := range records {
		evt, err := record.Decode(rec)
		if err != nil {
			report.Skipped++
			telemetry.RecordsTotal.With("skipped").Inc()
			log.Debug().Err(err).Uint64("seq", rec.SeqNum).Msg("Skipping change record")
			continue
		}

		if !p.filter.Match(evt.Name) {
			report.Filtered++
			telemetry.RecordsTotal.With("filtered").Inc()
			continue
		}

		r, err := p.dispatch(ctx, evt)
		report.Reports = append(report.Reports, r)
		if err != nil {
			var regErr *dispatch.RegistryError
			if errors.As(err, &regErr) {
				telemetry.RecordsTotal.With("registry_error").Inc()
				log.Error().
					Err(err).
					Uint64("seq", rec.SeqNum).
					Str("event", evt.Name).
					Msg("Subscriber registry failed, batch will be redelivered")
				return report, err
			}

			report.Failed++
			telemetry.RecordsTotal.With("failed").Inc()
			log.Error().
				Err(err).
				Uint64("seq", rec.SeqNum).
				Str("event", evt.Name).
				Msg("Dispatch failed, continuing with next record")
			continue
		}

		report.Dispatched++
		telemetry.RecordsTotal.With("dispatched").Inc()
	}

	log.Debug().
		Int("records", report.Records).
		Int("skipped", report.Skipped).
		Int("filtered", report.Filtered).
		Int("dispatched", report.Dispatched).
		Dur("took", time.Since(start)).
		Msg("Processed change log batch")

	return report, nil
}

// dispatch runs one fan-out and turns a panic into a swallowed failure
func (p *Processor) dispatch(ctx context.Context, evt record.SubscriptionEvent) (report dispatch.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			report = dispatch.Report{Event: evt.Name}
			err = fmt.Errorf("panic while dispatching %s: %v", evt.Name, r)
		}
	}()
	return p.dispatcher.Dispatch(ctx, evt)
}
