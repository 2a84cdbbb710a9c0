// Package pricefeed tracks the latest per-symbol price supplied by the
// external market connector, with TTL'd test-time overrides. Latest ticks
// are mirrored to Redis so a restarted instance warms its map from the
// shared cache; when Redis is unavailable the feed runs memory-only.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"recommendation-engine/internal/clock"
)

// Price feed errors
var (
	ErrNoPrice            = errors.New("no price available for symbol")
	ErrOverrideNotAllowed = errors.New("price override is not allowed by testing flags")
)

// tickKeyPrefix prefixes Redis keys for mirrored ticks.
// Format: pricefeed:tick:{SYMBOL}
const tickKeyPrefix = "pricefeed:tick"

// tickTTL bounds how long a mirrored tick stays valid in Redis.
const tickTTL = 10 * time.Minute

// Tick is the latest observed price for a symbol.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	TS     time.Time `json:"ts"`
}

type override struct {
	price     float64
	expiresAt time.Time
}

// Feed is the per-symbol latest price store.
type Feed struct {
	mu        sync.RWMutex
	ticks     map[string]Tick
	overrides map[string]override

	clk            clock.Clock
	rdb            *redis.Client
	redisAvailable atomic.Bool
}

// New creates a price feed. rdb may be nil for memory-only operation.
func New(clk clock.Clock, rdb *redis.Client) *Feed {
	f := &Feed{
		ticks:     make(map[string]Tick),
		overrides: make(map[string]override),
		clk:       clk,
		rdb:       rdb,
	}

	if rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("[PRICEFEED] Redis unavailable at startup: %v, running memory-only", err)
		} else {
			f.redisAvailable.Store(true)
		}
	}
	return f
}

// Update records a new tick from the market connector and mirrors it to
// Redis when available.
func (f *Feed) Update(symbol string, price float64) {
	symbol = normalize(symbol)
	tick := Tick{Symbol: symbol, Price: price, TS: f.clk.Now()}

	f.mu.Lock()
	f.ticks[symbol] = tick
	f.mu.Unlock()

	if f.rdb != nil && f.redisAvailable.Load() {
		go f.mirror(tick)
	}
}

func (f *Feed) mirror(tick Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(tick)
	if err != nil {
		return
	}
	if err := f.rdb.Set(ctx, tickKeyPrefix+":"+tick.Symbol, data, tickTTL).Err(); err != nil {
		// Flip to memory-only until the next successful warm or ping.
		f.redisAvailable.Store(false)
		log.Printf("[PRICEFEED] Redis mirror failed for %s: %v", tick.Symbol, err)
	}
}

// Warm loads mirrored ticks from Redis into the in-memory map. Called at
// startup for the symbols the instance is expected to track.
func (f *Feed) Warm(ctx context.Context, symbols []string) {
	if f.rdb == nil || !f.redisAvailable.Load() {
		return
	}
	for _, symbol := range symbols {
		symbol = normalize(symbol)
		data, err := f.rdb.Get(ctx, tickKeyPrefix+":"+symbol).Bytes()
		if err != nil {
			continue
		}
		var tick Tick
		if json.Unmarshal(data, &tick) != nil {
			continue
		}
		f.mu.Lock()
		if _, exists := f.ticks[symbol]; !exists {
			f.ticks[symbol] = tick
		}
		f.mu.Unlock()
	}
}

// Override installs a test-time price for symbol that expires after ttl.
// allowed reflects the testing.allow_price_override runtime flag.
func (f *Feed) Override(symbol string, price float64, ttl time.Duration, allowed bool) error {
	if !allowed {
		return ErrOverrideNotAllowed
	}
	symbol = normalize(symbol)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[symbol] = override{price: price, expiresAt: f.clk.Now().Add(ttl)}
	return nil
}

// ClearOverride removes the override for symbol, or every override when
// symbol is empty.
func (f *Feed) ClearOverride(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if symbol == "" {
		f.overrides = make(map[string]override)
		return
	}
	delete(f.overrides, normalize(symbol))
}

// Get returns the live override if one is installed and unexpired, else
// the latest real tick, else ErrNoPrice.
func (f *Feed) Get(symbol string) (float64, error) {
	symbol = normalize(symbol)
	now := f.clk.Now()

	f.mu.RLock()
	ov, hasOverride := f.overrides[symbol]
	tick, hasTick := f.ticks[symbol]
	f.mu.RUnlock()

	if hasOverride {
		if now.Before(ov.expiresAt) {
			return ov.price, nil
		}
		// Lazily drop the expired override.
		f.mu.Lock()
		if cur, ok := f.overrides[symbol]; ok && !now.Before(cur.expiresAt) {
			delete(f.overrides, symbol)
		}
		f.mu.Unlock()
	}

	if hasTick {
		return tick.Price, nil
	}
	return 0, ErrNoPrice
}

// Snapshot returns a copy of all current ticks.
func (f *Feed) Snapshot() map[string]Tick {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]Tick, len(f.ticks))
	for k, v := range f.ticks {
		out[k] = v
	}
	return out
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
