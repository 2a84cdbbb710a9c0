package models

import (
	"math"
	"testing"
	"time"
)

func TestPnLLong(t *testing.T) {
	rec := &Recommendation{
		Direction:    DirectionLong,
		EntryPrice:   1000,
		Leverage:     2,
		PositionSize: 100,
	}

	pct, amt := rec.PnL(1050)
	// ((1050-1000)/1000) * 2 * 100 = 10%
	if math.Abs(pct-10) > 1e-6 {
		t.Errorf("pnl_percent = %v, want 10", pct)
	}
	// 10/100 * 100 = 10
	if math.Abs(amt-10) > 1e-6 {
		t.Errorf("pnl_amount = %v, want 10", amt)
	}
}

func TestPnLShortIsNegated(t *testing.T) {
	rec := &Recommendation{
		Direction:    DirectionShort,
		EntryPrice:   1000,
		Leverage:     2,
		PositionSize: 100,
	}

	pct, _ := rec.PnL(1050)
	if math.Abs(pct-(-10)) > 1e-6 {
		t.Errorf("short pnl_percent = %v, want -10", pct)
	}
	pct, _ = rec.PnL(950)
	if math.Abs(pct-10) > 1e-6 {
		t.Errorf("short pnl_percent = %v, want 10", pct)
	}
}

func TestPnLDefaultsLeverageToOne(t *testing.T) {
	rec := &Recommendation{Direction: DirectionLong, EntryPrice: 100, PositionSize: 50}
	pct, amt := rec.PnL(110)
	if math.Abs(pct-10) > 1e-6 {
		t.Errorf("pnl_percent = %v, want 10 at leverage 1", pct)
	}
	if math.Abs(amt-5) > 1e-6 {
		t.Errorf("pnl_amount = %v, want 5", amt)
	}
}

func TestNotional(t *testing.T) {
	rec := &Recommendation{PositionSize: 0.5, Leverage: 4}
	if got := rec.Notional(); got != 2 {
		t.Errorf("Notional = %v, want 2", got)
	}
	rec.Leverage = 0
	if got := rec.Notional(); got != 0.5 {
		t.Errorf("Notional with zero leverage = %v, want 0.5", got)
	}
}

func TestFinalTPPrice(t *testing.T) {
	rec := &Recommendation{TP1Price: 101, TP2Price: 102}
	if got := rec.FinalTPPrice(); got != 102 {
		t.Errorf("FinalTPPrice = %v, want 102", got)
	}
	rec.TP3Price = 103
	if got := rec.FinalTPPrice(); got != 103 {
		t.Errorf("FinalTPPrice = %v, want 103", got)
	}
	if got := (&Recommendation{}).FinalTPPrice(); got != 0 {
		t.Errorf("FinalTPPrice with no levels = %v, want 0", got)
	}
}

func TestChainIDRoundtrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	id := FormatChainID("BTCUSDT", DirectionLong, created, "a1b2c3")

	symbol, direction, parsed, err := ParseChainID(id)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if symbol != "BTCUSDT" || direction != DirectionLong {
		t.Errorf("parsed %s %s, want BTCUSDT LONG", symbol, direction)
	}
	if !parsed.Equal(created) {
		t.Errorf("parsed time = %v, want %v", parsed, created)
	}
}

func TestParseChainIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "CHAIN|BTCUSDT|LONG", "NOPE|BTCUSDT|LONG|123|x", "CHAIN|BTCUSDT|LONG|notanumber|x"} {
		if _, _, _, err := ParseChainID(id); err == nil {
			t.Errorf("ParseChainID(%q) = nil error, want malformed", id)
		}
	}
}

func TestSlippageBps(t *testing.T) {
	// LONG filled above intended is adverse.
	if got := SlippageBps(DirectionLong, 1000, 1001); math.Abs(got-10) > 1e-9 {
		t.Errorf("long slippage = %v, want 10", got)
	}
	// SHORT filled above intended is favourable.
	if got := SlippageBps(DirectionShort, 1000, 1001); math.Abs(got-(-10)) > 1e-9 {
		t.Errorf("short slippage = %v, want -10", got)
	}
	if got := SlippageBps(DirectionLong, 0, 1001); got != 0 {
		t.Errorf("zero intended slippage = %v, want 0", got)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if StatusActive.IsTerminal() {
		t.Error("ACTIVE must not be terminal")
	}
	if !StatusClosed.IsTerminal() {
		t.Error("CLOSED must be terminal")
	}
}
