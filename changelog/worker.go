package changelog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/fanout/notify"
	"github.com/maxpert/fanout/record"
	"github.com/maxpert/fanout/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading records per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for a failed batch
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

// Handler processes one batch. A non-nil error makes the worker redeliver
// the same batch after a backoff.
type Handler interface {
	HandleBatch(ctx context.Context, records []record.ChangeRecord) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, records []record.ChangeRecord) error

func (f HandlerFunc) HandleBatch(ctx context.Context, records []record.ChangeRecord) error {
	return f(ctx, records)
}

// WorkerConfig configures a Worker
type WorkerConfig struct {
	Source          Source
	Handler         Handler
	Wake            <-chan notify.Signal // Optional; shortens the poll wait
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
}

// Worker drives a Source into a Handler
type Worker struct {
	config      WorkerConfig
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a Worker, applying defaults to unset fields
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier < 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}

	return &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().Str("source", w.config.Source.Name()).Msg("Starting change log worker")

	go w.pollLoop()
}

// Stop stops the worker and waits for it to exit. A batch being handled is
// allowed to finish; only waits and backoff sleeps are interrupted.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	log.Info().Str("source", w.config.Source.Name()).Msg("Stopping change log worker")

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("source", w.config.Source.Name()).Msg("Change log worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	ctx := context.Background()
	name := w.config.Source.Name()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		records, err := w.config.Source.Fetch(ctx, w.config.BatchSize)
		if err != nil {
			log.Error().Err(err).Str("source", name).Msg("Failed to fetch change log batch")
			if !w.wait(w.config.PollInterval) {
				return
			}
			continue
		}

		if len(records) == 0 {
			if !w.wait(w.config.PollInterval) {
				return
			}
			continue
		}

		if !w.handleWithRetry(ctx, name, records) {
			return
		}

		// Ack failure means the batch may be redelivered, which the handler tolerates
		if err := w.config.Source.Ack(ctx); err != nil {
			log.Warn().
				Err(err).
				Str("source", name).
				Uint64("last_seq", records[len(records)-1].SeqNum).
				Msg("Failed to acknowledge batch - records may be redelivered")
		}
	}
}

// handleWithRetry runs the handler until it succeeds. It returns false if
// the worker was stopped while backing off.
func (w *Worker) handleWithRetry(ctx context.Context, name string, records []record.ChangeRecord) bool {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		start := time.Now()
		err := w.config.Handler.HandleBatch(ctx, records)
		telemetry.BatchDurationSeconds.With(name).Observe(time.Since(start).Seconds())

		if err == nil {
			telemetry.BatchesTotal.With(name, "ok").Inc()
			return true
		}

		attempts++
		telemetry.BatchesTotal.With(name, "retry").Inc()
		log.Error().
			Err(err).
			Str("source", name).
			Int("records", len(records)).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to handle change log batch, retrying")

		if !w.sleep(delay) {
			return false
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// wait sleeps for d or until a wake signal. Returns false if stopped.
func (w *Worker) wait(d time.Duration) bool {
	if w.config.Wake == nil {
		return w.sleep(d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case _, ok := <-w.config.Wake:
		if !ok {
			w.config.Wake = nil
		}
		return true
	case <-timer.C:
		return true
	}
}

// sleep sleeps for d, returning false if the worker was stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
