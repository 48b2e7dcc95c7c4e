// Package janitor implements C7: the periodic sweep that evicts expired
// ClientSessions from the Registry. Grounded on the flowersec tunnel
// server's cleanupLoop/stopOnce/stopCh shutdown pattern.
package janitor

import (
	"sync"
	"time"

	"github.com/emryslou/filetunnel/internal/broker"
)

// DefaultInterval is the spec's default sweep cadence (§4.7).
const DefaultInterval = 5 * time.Second

// Janitor runs Registry.Sweep on a fixed tick until stopped.
type Janitor struct {
	registry *broker.Registry
	log      broker.Logger
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New returns a Janitor that will sweep registry every interval once
// started. An interval <= 0 falls back to DefaultInterval.
func New(registry *broker.Registry, log broker.Logger, interval time.Duration) *Janitor {
	if log == nil {
		log = broker.NopLogger{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Janitor{
		registry: registry,
		log:      log,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run ticks until Stop is called, sweeping the Registry on each tick. It
// blocks, so callers start it with `go j.Run()`.
func (j *Janitor) Run() {
	defer close(j.done)
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-j.stopCh:
			return
		case now := <-t.C:
			evicted := j.registry.Sweep(now)
			if evicted > 0 {
				j.log.Log(broker.LogLevelDebug, "swept expired client sessions", "count", evicted)
			}
		}
	}
}

// Stop signals Run to exit and waits for it to return. Safe to call more
// than once; must not be called unless Run has already been started.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	<-j.done
}
