// Package models defines the core records of the recommendation control
// plane: recommendations, decision chains, executions and monitoring samples.
package models

import "time"

// Direction of a recommendation.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// IsValid reports whether d is a known direction.
func (d Direction) IsValid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Status of a recommendation. CLOSED is terminal; expiry closes the row
// with the TIMEOUT exit reason rather than a separate status.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusClosed
}

// Exit reasons recorded on close.
const (
	ExitReasonStopLoss   = "STOP_LOSS"
	ExitReasonTakeProfit = "TAKE_PROFIT"
	ExitReasonBreakeven  = "BREAKEVEN"
	ExitReasonTimeout    = "TIMEOUT"
	ExitReasonManual     = "MANUAL"
	ExitReasonManualTest = "MANUAL_TEST"
)

// Recommendation sources.
const (
	SourceManual         = "MANUAL"
	SourceAutoGeneration = "AUTO_GENERATION"
	SourceUnitTest       = "UNITTEST"
)

// MultiTFConsistency carries the multi-timeframe agreement payload attached
// to auto-generated proposals.
type MultiTFConsistency struct {
	Agreement         float64   `json:"agreement"`
	DominantDirection Direction `json:"dominantDirection"`
}

// TrailingOverride optionally replaces the runtime trailing config for one
// recommendation.
type TrailingOverride struct {
	Enabled             bool    `json:"enabled"`
	ActivateOnBreakeven bool    `json:"activate_on_breakeven"`
	ActivateProfitPct   float64 `json:"activate_profit_pct"`
	Percent             float64 `json:"percent"`
	MinStep             float64 `json:"min_step"`
}

// Recommendation is a single directional trade proposal and its lifecycle
// state. One open position per recommendation.
type Recommendation struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	Leverage     float64   `json:"leverage"`
	PositionSize float64   `json:"position_size"`

	StopLossPrice    float64           `json:"stop_loss_price"`
	TakeProfitPrice  float64           `json:"take_profit_price"`
	TrailingOverride *TrailingOverride `json:"trailing_override,omitempty"`

	// ATR metadata used to derive stops when none are supplied.
	ATRValue        float64 `json:"atr_value,omitempty"`
	ATRPeriod       int     `json:"atr_period,omitempty"`
	ATRSLMultiplier float64 `json:"atr_sl_multiplier,omitempty"`
	ATRTPMultiplier float64 `json:"atr_tp_multiplier,omitempty"`

	// Partial take-profit state. TP flags are monotone; reduction_count
	// increases by one per partial TP event.
	TP1Price       float64 `json:"tp1_price,omitempty"`
	TP2Price       float64 `json:"tp2_price,omitempty"`
	TP3Price       float64 `json:"tp3_price,omitempty"`
	TP1Hit         bool    `json:"tp1_hit"`
	TP2Hit         bool    `json:"tp2_hit"`
	TP3Hit         bool    `json:"tp3_hit"`
	ReductionCount int     `json:"reduction_count"`
	ReductionRatio float64 `json:"reduction_ratio"`

	// EV fields. EVOK is nil until both EV and EVThreshold are present.
	ExpectedReturn *float64 `json:"expected_return,omitempty"`
	EV             *float64 `json:"ev,omitempty"`
	EVThreshold    *float64 `json:"ev_threshold,omitempty"`
	EVOK           *bool    `json:"ev_ok,omitempty"`

	Status Status `json:"status"`

	// Exit fields, set exactly once at close.
	ExitPrice  *float64   `json:"exit_price,omitempty"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
	ExitLabel  string     `json:"exit_label,omitempty"`
	PnlPercent *float64   `json:"pnl_percent,omitempty"`
	PnlAmount  *float64   `json:"pnl_amount,omitempty"`

	// Set when a close decision could not be persisted; the next tracker
	// tick retries the close until it commits.
	ClosePending bool `json:"close_pending,omitempty"`

	// Pending external close request, honoured ahead of price exits.
	ManualCloseRequested bool   `json:"manual_close_requested,omitempty"`
	ManualCloseLabel     string `json:"manual_close_label,omitempty"`

	Source       string              `json:"source,omitempty"`
	StrategyType string              `json:"strategy_type,omitempty"`
	ABGroup      string              `json:"ab_group,omitempty"`
	ExperimentID string              `json:"experiment_id,omitempty"`
	DedupeKey    string              `json:"dedupe_key,omitempty"`
	MTF          *MultiTFConsistency `json:"multi_tf_consistency,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PnL returns (pnlPercent, pnlAmount) for an exit at exitPrice.
// LONG: ((exit-entry)/entry)*leverage*100; SHORT is negated.
// pnlAmount = pnlPercent/100 * positionSize.
func (r *Recommendation) PnL(exitPrice float64) (float64, float64) {
	if r.EntryPrice == 0 {
		return 0, 0
	}
	lev := r.Leverage
	if lev <= 0 {
		lev = 1
	}
	pct := ((exitPrice - r.EntryPrice) / r.EntryPrice) * lev * 100
	if r.Direction == DirectionShort {
		pct = -pct
	}
	return pct, pct / 100 * r.PositionSize
}

// Notional returns the exposure this recommendation contributes to the
// exposure caps: position size scaled by leverage.
func (r *Recommendation) Notional() float64 {
	lev := r.Leverage
	if lev <= 0 {
		lev = 1
	}
	return r.PositionSize * lev
}

// Age returns how long the recommendation has been open at now.
func (r *Recommendation) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// FinalTPPrice returns the last configured partial TP level, or zero when
// partial levels are not configured.
func (r *Recommendation) FinalTPPrice() float64 {
	switch {
	case r.TP3Price > 0:
		return r.TP3Price
	case r.TP2Price > 0:
		return r.TP2Price
	case r.TP1Price > 0:
		return r.TP1Price
	}
	return 0
}

// HasPartialTPs reports whether any partial TP levels are configured.
func (r *Recommendation) HasPartialTPs() bool {
	return r.TP1Price > 0 || r.TP2Price > 0 || r.TP3Price > 0
}
