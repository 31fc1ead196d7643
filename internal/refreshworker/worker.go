// Package refreshworker re-runs a refresh on a long period to counter data
// staleness in idle sessions. It is paused while the client is backgrounded.
package refreshworker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fieldmap/core-go/internal/metrics"
)

// RefreshFunc refreshes every visible layer for the current view.
type RefreshFunc func(ctx context.Context) error

type Options struct {
	Interval  time.Duration
	RetryBase time.Duration
	Metrics   *metrics.Metrics
}

type Worker struct {
	log       zerolog.Logger
	refresh   RefreshFunc
	interval  time.Duration
	retryBase time.Duration
	metrics   *metrics.Metrics

	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

func New(log zerolog.Logger, refresh RefreshFunc, opts Options) *Worker {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = 5 * time.Second
	}
	return &Worker{
		log:       log,
		refresh:   refresh,
		interval:  interval,
		retryBase: retryBase,
		metrics:   opts.Metrics,
		resumed:   make(chan struct{}, 1),
	}
}

// Pause stops periodic refreshes until Resume.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
}

// Resume restarts the period from now.
func (w *Worker) Resume() {
	w.mu.Lock()
	wasPaused := w.paused
	w.paused = false
	w.mu.Unlock()
	if !wasPaused {
		return
	}
	select {
	case w.resumed <- struct{}{}:
	default:
	}
}

func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.refresh == nil {
		return
	}

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.resumed:
			resetTimer(timer, w.interval)
			continue
		case <-timer.C:
		}

		// A tick that lands while paused is dropped; Resume re-arms the timer.
		if w.Paused() {
			continue
		}

		if err := w.runOnce(ctx); err != nil {
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}
		timer.Reset(nextDelay(w.interval, w.retryBase, consecutiveFailures))
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	w.metrics.IncRefreshRun()
	start := time.Now()
	defer func() {
		w.metrics.ObserveRefreshRunDuration(time.Since(start))
	}()

	if err := w.refresh(ctx); err != nil {
		w.log.Warn().Err(err).Msg("periodic refresh failed")
		return err
	}
	w.log.Debug().Dur("took", time.Since(start)).Msg("periodic refresh complete")
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// nextDelay is the full interval after success, otherwise a backoff from
// retryBase that never exceeds the interval.
func nextDelay(interval, retryBase time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return interval
	}
	d := backoffDuration(retryBase, failures)
	if d > interval {
		return interval
	}
	return d
}

func backoffDuration(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = 400 * time.Millisecond
	}
	if failures <= 0 {
		return base
	}

	// Exponential-ish backoff: base * 2^failures, capped.
	if failures > 6 {
		failures = 6
	}
	return base * time.Duration(1<<failures)
}
