package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/baelib/baesync/internal/logging"
)

const (
	// backoffBase is the delay after the first failed cycle.
	backoffBase = 5 * time.Second
	// backoffMax caps the exponential backoff.
	backoffMax = 5 * time.Minute
)

// Loop runs an Engine on a timer, with an externally triggered "sync now"
// signal and context-based shutdown. Failed cycles back off exponentially;
// the staged changeset guarantees nothing is lost in between.
type Loop struct {
	engine   *Engine
	interval time.Duration
	syncNow  chan struct{}
	log      zerolog.Logger

	// AfterSync, if set, runs after each successful cycle. The snapshot
	// service hooks in here.
	AfterSync func(ctx context.Context)

	failures   int
	retryAfter time.Time
}

// NewLoop creates a Loop around engine with the given cycle interval.
func NewLoop(engine *Engine, interval time.Duration) *Loop {
	return &Loop{
		engine:   engine,
		interval: interval,
		syncNow:  make(chan struct{}, 1),
		log:      logging.Component("syncloop").With().Str("device", engine.DeviceID()).Logger(),
	}
}

// SyncNow requests an immediate cycle. Non-blocking; coalesces with a pending
// request.
func (l *Loop) SyncNow() {
	select {
	case l.syncNow <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, syncing every interval and whenever
// SyncNow is called.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.runCycle(ctx, "periodic")

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("sync loop stopped")
			return
		case <-ticker.C:
			if time.Now().Before(l.retryAfter) {
				continue
			}
			l.runCycle(ctx, "periodic")
		case <-l.syncNow:
			l.runCycle(ctx, "requested")
		}
	}
}

func (l *Loop) runCycle(ctx context.Context, message string) {
	result, err := l.engine.Sync(ctx, message)
	if err != nil {
		l.failures++
		backoff := backoffBase << (l.failures - 1)
		if backoff > backoffMax || backoff <= 0 {
			backoff = backoffMax
		}
		l.retryAfter = time.Now().Add(backoff)
		l.log.Warn().Err(err).Dur("backoff", backoff).Msg("sync cycle failed")
		return
	}

	l.failures = 0
	l.retryAfter = time.Time{}
	if result.Pulled > 0 || result.Published {
		l.log.Info().
			Int("pulled", result.Pulled).
			Int("applied", result.Applied).
			Int("skipped", result.Skipped).
			Uint64("outgoing", result.OutgoingSeq).
			Msg("sync cycle complete")
	}

	if l.AfterSync != nil {
		l.AfterSync(ctx)
	}
}
