package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Feed delivers remote change notifications. Listen blocks until ctx is
// done or the subscription drops; onReady is called once the subscription
// is live.
type Feed interface {
	Listen(ctx context.Context, onReady func(), onNotify func(payload string)) error
}

// PGFeed listens on a Postgres NOTIFY channel over a dedicated connection.
type PGFeed struct {
	pool    *pgxpool.Pool
	channel string
}

func NewPGFeed(pool *pgxpool.Pool, channel string) *PGFeed {
	return &PGFeed{pool: pool, channel: channel}
}

func (f *PGFeed) Listen(ctx context.Context, onReady func(), onNotify func(payload string)) error {
	if f == nil || f.pool == nil {
		return errors.New("realtime feed not configured")
	}
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", f.channel, err)
	}
	if onReady != nil {
		onReady()
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if onNotify != nil {
			onNotify(n.Payload)
		}
	}
}

// RunRealtime keeps a feed subscription alive and re-lists on every
// notification and on every (re)connect. After maxReconnects consecutive
// failures it gives up and the last listed notes stay in place.
func (s *Store) RunRealtime(ctx context.Context, feed Feed, maxReconnects int) {
	if s == nil || feed == nil {
		return
	}
	if maxReconnects <= 0 {
		maxReconnects = 5
	}

	var consecutiveFailures int
	for {
		err := feed.Listen(ctx,
			func() {
				consecutiveFailures = 0
				_ = s.Refresh(ctx)
			},
			func(string) {
				_ = s.Refresh(ctx)
			},
		)
		if ctx.Err() != nil {
			return
		}
		consecutiveFailures++
		s.log.Warn().Err(err).Int("attempt", consecutiveFailures).Msg("notes realtime disconnected")
		if consecutiveFailures > maxReconnects {
			s.log.Warn().Msg("notes realtime disabled, keeping last list")
			return
		}

		timer := time.NewTimer(backoffDuration(reconnectBase, consecutiveFailures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

var reconnectBase = 500 * time.Millisecond

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
	d := base * time.Duration(1<<failures)
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}
