// Package scheduler drives the periodic detection probe. It owns no goroutine:
// the session loop selects on C() and calls Tick itself, so a probe never runs
// concurrently with a command.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is the detection cadence.
const DefaultInterval = 200 * time.Millisecond

// Ticker is the subset of *time.Ticker the scheduler needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds a ticker for an interval.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// RealTicker wraps time.NewTicker.
func RealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Gate reports whether a probe may run now (connected and not busy).
type Gate func() bool

// Probe captures a low-quality frame and emits it for detection.
type Probe func(ctx context.Context) error

// Scheduler runs Probe on each tick that Gate admits.
type Scheduler struct {
	interval  time.Duration
	newTicker TickerFactory
	gate      Gate
	probe     Probe
	log       *slog.Logger

	ticker  Ticker
	ticks   int
	skipped int
	probes  int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTicker overrides the ticker factory.
func WithTicker(f TickerFactory) Option {
	return func(s *Scheduler) { s.newTicker = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New returns a stopped scheduler.
func New(interval time.Duration, gate Gate, probe Probe, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		interval:  interval,
		newTicker: RealTicker,
		gate:      gate,
		probe:     probe,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins ticking from zero. A running scheduler is left alone.
func (s *Scheduler) Start() {
	if s.ticker != nil {
		return
	}
	s.ticks = 0
	s.skipped = 0
	s.probes = 0
	s.ticker = s.newTicker(s.interval)
}

// Stop halts ticking. Safe when already stopped.
func (s *Scheduler) Stop() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
}

// Running reports whether a ticker is active.
func (s *Scheduler) Running() bool { return s.ticker != nil }

// C is nil while stopped.
func (s *Scheduler) C() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.C()
}

// Tick handles one tick. A gated tick is counted as skipped and never queued.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.ticker == nil {
		return
	}
	s.ticks++
	if s.gate != nil && !s.gate() {
		s.skipped++
		return
	}
	s.probes++
	if err := s.probe(ctx); err != nil {
		s.log.Debug("detection probe failed", "tick", s.ticks, "error", err)
	}
}

// Stats returns counters since the last Start.
func (s *Scheduler) Stats() (ticks, probes, skipped int) {
	return s.ticks, s.probes, s.skipped
}
