package pricefeed

import (
	"errors"
	"testing"
	"time"

	"recommendation-engine/internal/clock"
)

func newFeed() (*Feed, *clock.Mock) {
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(clk, nil), clk
}

func TestGetReturnsLatestTick(t *testing.T) {
	f, _ := newFeed()

	f.Update("btcusdt", 50000)
	f.Update("BTCUSDT", 50100)

	price, err := f.Get("BTCUSDT")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if price != 50100 {
		t.Errorf("price = %v, want the latest tick 50100", price)
	}

	// Symbols are normalized case-insensitively.
	if price, _ := f.Get("btcusdt"); price != 50100 {
		t.Errorf("lowercase lookup = %v, want 50100", price)
	}
}

func TestGetFailsWithoutTick(t *testing.T) {
	f, _ := newFeed()
	if _, err := f.Get("UNKNOWN"); !errors.Is(err, ErrNoPrice) {
		t.Errorf("err = %v, want ErrNoPrice", err)
	}
}

func TestOverrideShadowsTickUntilTTL(t *testing.T) {
	f, clk := newFeed()
	f.Update("BTCUSDT", 50000)

	if err := f.Override("BTCUSDT", 42000, time.Minute, true); err != nil {
		t.Fatalf("override: %v", err)
	}
	if price, _ := f.Get("BTCUSDT"); price != 42000 {
		t.Errorf("price = %v, want the override 42000", price)
	}

	// After the TTL the real tick shows through again.
	clk.Advance(61 * time.Second)
	if price, _ := f.Get("BTCUSDT"); price != 50000 {
		t.Errorf("price after TTL = %v, want the real tick 50000", price)
	}
}

func TestOverrideRequiresTestingFlag(t *testing.T) {
	f, _ := newFeed()
	if err := f.Override("BTCUSDT", 42000, time.Minute, false); !errors.Is(err, ErrOverrideNotAllowed) {
		t.Errorf("err = %v, want ErrOverrideNotAllowed", err)
	}
}

func TestExpiredOverrideWithoutTickFails(t *testing.T) {
	f, clk := newFeed()
	f.Override("BTCUSDT", 42000, time.Second, true)

	clk.Advance(2 * time.Second)
	if _, err := f.Get("BTCUSDT"); !errors.Is(err, ErrNoPrice) {
		t.Errorf("err = %v, want ErrNoPrice once the override expired", err)
	}
}

func TestClearOverride(t *testing.T) {
	f, _ := newFeed()
	f.Update("BTCUSDT", 50000)
	f.Update("ETHUSDT", 2600)
	f.Override("BTCUSDT", 1, time.Hour, true)
	f.Override("ETHUSDT", 2, time.Hour, true)

	f.ClearOverride("BTCUSDT")
	if price, _ := f.Get("BTCUSDT"); price != 50000 {
		t.Errorf("BTCUSDT = %v, want the real tick after clear", price)
	}
	if price, _ := f.Get("ETHUSDT"); price != 2 {
		t.Errorf("ETHUSDT = %v, want its override untouched", price)
	}

	// Empty symbol clears everything.
	f.ClearOverride("")
	if price, _ := f.Get("ETHUSDT"); price != 2600 {
		t.Errorf("ETHUSDT = %v, want the real tick after clear-all", price)
	}
}

func TestSnapshotCopiesTicks(t *testing.T) {
	f, _ := newFeed()
	f.Update("BTCUSDT", 50000)

	snap := f.Snapshot()
	snap["BTCUSDT"] = Tick{Symbol: "BTCUSDT", Price: 1}

	if price, _ := f.Get("BTCUSDT"); price != 50000 {
		t.Errorf("feed mutated through snapshot: price = %v", price)
	}
}
