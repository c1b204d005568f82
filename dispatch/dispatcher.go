// Package dispatch fans one subscription event out to every subscriber
// registered for its name.
//
// Subscribers are resolved page by page. Pages are processed strictly in
// order; the subscribers of one page run concurrently and the page is fully
// drained before the next one is requested, so in-flight work never exceeds
// one page.
//
// Every per-subscriber failure (the operation not starting, the first value
// failing, the connection being gone) is recorded as an Outcome and logged.
// It never aborts sibling subscribers or later pages. Only failures of the
// registry itself are returned.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/record"
	"github.com/maxpert/fanout/source"
	"github.com/maxpert/fanout/telemetry"
	"github.com/maxpert/fanout/wire"
	"github.com/rs/zerolog/log"
)

// Config wires a Dispatcher to its collaborators.
type Config struct {
	Registry Registry
	Engine   Engine
	Sender   Sender
}

// Dispatcher delivers events to subscribers. It holds no state between calls.
type Dispatcher struct {
	registry Registry
	engine   Engine
	sender   Sender
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(config Config) (*Dispatcher, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if config.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}

	return &Dispatcher{
		registry: config.Registry,
		engine:   config.Engine,
		sender:   config.Sender,
	}, nil
}

// Dispatch delivers evt to all of its subscribers and reports one Outcome per
// subscriber. The returned error is always a *RegistryError.
func (d *Dispatcher) Dispatch(ctx context.Context, evt record.SubscriptionEvent) (Report, error) {
	start := time.Now()
	report := Report{Event: evt.Name}

	pages := d.registry.SubscribersByEvent(ctx, evt.Name)
	for pages.Next(ctx) {
		page := pages.Page()
		report.Pages++
		telemetry.PagesFetchedTotal.Inc()
		report.Outcomes = append(report.Outcomes, d.dispatchPage(ctx, evt, page)...)
	}

	telemetry.DispatchDurationSeconds.Observe(time.Since(start).Seconds())

	if err := pages.Err(); err != nil {
		return report, &RegistryError{Event: evt.Name, Err: err}
	}

	log.Debug().
		Str("event", evt.Name).
		Int("pages", report.Pages).
		Int("subscribers", len(report.Outcomes)).
		Int("delivered", report.Count(OutcomeDelivered)).
		Msg("Dispatched event")

	return report, nil
}

// dispatchPage runs every subscriber of the page concurrently and waits for
// all of them.
func (d *Dispatcher) dispatchPage(ctx context.Context, evt record.SubscriptionEvent, page []common.Subscriber) []Outcome {
	futures := make([]*future.Future[Outcome], 0, len(page))
	for _, sub := range page {
		p := future.NewPromise[Outcome]()
		futures = append(futures, p.Future())

		go func(sub common.Subscriber) {
			p.Set(d.deliver(ctx, evt, sub), nil)
		}(sub)
	}

	outcomes := make([]Outcome, 0, len(futures))
	for _, f := range futures {
		outcome, _ := f.Get()
		telemetry.SubscriberOutcomesTotal.With(outcome.Kind.String()).Inc()
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

type stage uint8

const (
	stageExecute stage = iota
	stagePull
	stageSend
)

// deliver executes the subscriber's operation against a fresh single-event
// source, pulls at most one value and sends it. It never panics or returns
// an error; everything ends up in the Outcome.
func (d *Dispatcher) deliver(ctx context.Context, evt record.SubscriptionEvent, sub common.Subscriber) (out Outcome) {
	out = Outcome{
		ConnectionID: sub.Connection.ID,
		OperationID:  sub.OperationID,
	}

	current := stageExecute
	defer func() {
		if r := recover(); r != nil {
			d.fail(&out, current, fmt.Errorf("panic: %v", r))
		}
	}()

	it, err := d.engine.Execute(ctx, Request{
		OperationID: sub.OperationID,
		Operation:   sub.Operation,
		Connection:  sub.Connection,
		Source:      source.NewSingle(evt),
		Mode:        ModeDeliver,
	})
	if err != nil || it == nil {
		if err == nil {
			err = fmt.Errorf("engine returned no result")
		}
		d.fail(&out, stageExecute, err)
		return out
	}
	defer d.closeIterator(it, &out)

	current = stagePull
	value, ok, err := it.Next(ctx)
	if err != nil {
		d.fail(&out, stagePull, err)
		return out
	}
	if !ok {
		out.Kind = OutcomeFiltered
		return out
	}

	current = stageSend
	msg := wire.NewData(sub.Connection.Legacy, sub.OperationID, value)
	if err := d.sender.Send(ctx, sub.Connection, msg); err != nil {
		d.fail(&out, stageSend, err)
		return out
	}

	out.Kind = OutcomeDelivered
	return out
}

// closeIterator releases the execution result. Close failures are logged and
// never change the outcome already recorded.
func (d *Dispatcher) closeIterator(it source.Iterator, out *Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("connection", out.ConnectionID).
				Str("operation", out.OperationID).
				Interface("panic", r).
				Msg("Execution result panicked on close")
		}
	}()

	if err := it.Close(); err != nil {
		log.Debug().
			Err(err).
			Str("connection", out.ConnectionID).
			Str("operation", out.OperationID).
			Msg("Failed to close execution result")
	}
}

// fail records a handled failure on out and logs it.
func (d *Dispatcher) fail(out *Outcome, at stage, err error) {
	switch at {
	case stageExecute:
		out.Kind = OutcomeStartFailed
		out.Err = &ExecutionStartError{OperationID: out.OperationID, Err: err}
		log.Debug().
			Err(err).
			Str("connection", out.ConnectionID).
			Str("operation", out.OperationID).
			Msg("Operation did not start, skipping subscriber")
	case stagePull:
		out.Kind = OutcomeValueFailed
		out.Err = &ExecutionValueError{OperationID: out.OperationID, Err: err}
		log.Warn().
			Err(err).
			Str("connection", out.ConnectionID).
			Str("operation", out.OperationID).
			Msg("Failed to execute operation for subscriber")
	default:
		out.Kind = OutcomeDeliveryFailed
		out.Err = &DeliveryError{ConnectionID: out.ConnectionID, Err: err}
		log.Warn().
			Err(err).
			Str("connection", out.ConnectionID).
			Str("operation", out.OperationID).
			Msg("Failed to deliver message to connection")
	}
}
