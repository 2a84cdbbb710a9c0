// Package tracker is the lifecycle evaluator: a periodic tick that walks
// the active recommendations, applies trailing-stop and partial-take-profit
// updates, decides exits in priority order and persists terminal
// transitions through the store.
package tracker

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"recommendation-engine/config"
	"recommendation-engine/internal/clock"
	"recommendation-engine/internal/events"
	"recommendation-engine/internal/exposure"
	"recommendation-engine/internal/pricefeed"
	"recommendation-engine/internal/store"
)

// closeRetryAttempts bounds close persistence retries within one tick.
const closeRetryAttempts = 3

// closeRetryBase is the first backoff step; subsequent attempts double it.
const closeRetryBase = 100 * time.Millisecond

// Tracker runs the periodic lifecycle evaluation.
type Tracker struct {
	store    store.Store
	feed     *pricefeed.Feed
	exposure *exposure.Index
	runtime  *config.RuntimeManager
	bus      *events.Bus
	clk      clock.Clock
	log      zerolog.Logger

	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped tracker ticking at interval.
func New(st store.Store, feed *pricefeed.Feed, ix *exposure.Index, runtime *config.RuntimeManager, bus *events.Bus, clk clock.Clock, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Tracker{
		store:    st,
		feed:     feed,
		exposure: ix,
		runtime:  runtime,
		bus:      bus,
		clk:      clk,
		log:      zerolog.New(os.Stdout).With().Timestamp().Str("component", "tracker").Logger(),
		interval: interval,
	}
}

// Start launches the tick loop. Starting a running tracker is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.loop(ctx, t.done)
	t.bus.PublishTracker(true)
	t.log.Info().Dur("interval", t.interval).Msg("lifecycle tracker started")
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
// Stopping a stopped tracker is a no-op. The loop exits between ticks,
// never mid-row.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.running = false
	t.mu.Unlock()

	cancel()
	<-done
	t.bus.PublishTracker(false)
	t.log.Info().Msg("lifecycle tracker stopped")
}

// IsRunning reports whether the tick loop is active.
func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tracker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// First evaluation runs immediately so a freshly started tracker
	// catches overdue exits without waiting a full interval.
	t.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick evaluates every active recommendation once. Exported so tests can
// drive the tracker without the timer loop.
func (t *Tracker) Tick(ctx context.Context) {
	cfg := t.runtime.Snapshot()

	active, err := t.store.ListActive(ctx, store.ActiveFilter{})
	if err != nil {
		t.log.Error().Err(err).Msg("failed to list active recommendations")
		return
	}

	for _, rec := range active {
		if ctx.Err() != nil {
			return
		}
		t.evaluate(ctx, rec, cfg)
	}
}
