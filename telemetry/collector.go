package telemetry

import (
	"sync"
	"time"
)

// LagProvider reports how far each change-log consumer is behind.
type LagProvider interface {
	Lag() map[string]uint64
}

// MetricsCollector periodically samples change-log lag into ChangeLogLag.
// Consumers that stop being reported are removed from the gauge.
type MetricsCollector struct {
	provider LagProvider
	interval time.Duration
	seen     map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMetricsCollector(provider LagProvider, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		seen:     make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go func() {
		defer mc.wg.Done()

		ticker := time.NewTicker(mc.interval)
		defer ticker.Stop()

		for {
			mc.collect()
			select {
			case <-ticker.C:
			case <-mc.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector. Safe to call more than once.
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	current := mc.provider.Lag()
	for consumer, lag := range current {
		ChangeLogLag.With(consumer).Set(float64(lag))
		mc.seen[consumer] = struct{}{}
	}
	for consumer := range mc.seen {
		if _, ok := current[consumer]; !ok {
			ChangeLogLag.Forget(consumer)
			delete(mc.seen, consumer)
		}
	}
}
