package tracker

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"recommendation-engine/config"
	"recommendation-engine/internal/events"
	"recommendation-engine/internal/models"
	"recommendation-engine/internal/store"
)

// evaluate runs one lifecycle pass over a single active recommendation.
func (t *Tracker) evaluate(ctx context.Context, rec *models.Recommendation, cfg config.RuntimeConfig) {
	now := t.clk.Now()
	extra := make(map[string]interface{})

	price, perr := t.feed.Get(rec.Symbol)
	if perr != nil {
		t.log.Debug().Str("symbol", rec.Symbol).Str("id", rec.ID).Msg("no price this tick, skipping")
		t.sample(ctx, rec.ID, now, nil, map[string]interface{}{"skipped": "no_price"})
		return
	}
	rec.CurrentPrice = price
	patch := store.Patch{CurrentPrice: &price}

	// A previously failed close is completed before anything else.
	if rec.ClosePending {
		reason := rec.ManualCloseLabel
		if reason == "" {
			reason = models.ExitReasonTimeout
		}
		extra["close_pending_retry"] = true
		t.close(ctx, rec, reason, reason, price, now, extra)
		return
	}

	// Trailing updates persist before the exit decision so the stop the
	// exit sees is the stop the next tick would see.
	tr := effectiveTrailing(rec, cfg)
	if newStop, moved := trailingStop(rec, tr, price); moved {
		rec.StopLossPrice = newStop
		patch.StopLossPrice = &newStop
		extra["trailing_stop_moved_to"] = newStop
	}
	if err := t.store.UpdateRecommendation(ctx, rec.ID, patch); err != nil {
		t.log.Warn().Err(err).Str("id", rec.ID).Msg("failed to persist tick update")
	}

	age := rec.Age(now)
	minHold := time.Duration(cfg.MinHoldingMinutes * float64(time.Minute))

	// MANUAL wins over any price-based exit in the same tick and ignores
	// the holding floor.
	if rec.ManualCloseRequested {
		label := rec.ManualCloseLabel
		if label == "" {
			label = models.ExitReasonManual
		}
		t.close(ctx, rec, models.ExitReasonManual, label, price, now, extra)
		return
	}

	if reason, exitPrice, ok := t.priceExit(ctx, rec, cfg, price, extra); ok {
		if age < minHold {
			// Deferred, not suppressed; the next tick re-evaluates.
			extra["deferred_exit"] = reason
			t.sample(ctx, rec.ID, now, &price, extra)
			return
		}
		t.close(ctx, rec, reason, reason, exitPrice, now, extra)
		return
	}

	if cfg.MaxHoldingHours > 0 && age >= time.Duration(cfg.MaxHoldingHours*float64(time.Hour)) {
		if age < minHold {
			extra["deferred_exit"] = models.ExitReasonTimeout
			t.sample(ctx, rec.ID, now, &price, extra)
			return
		}
		exitPrice := price
		if exitPrice == 0 {
			exitPrice = rec.EntryPrice
		}
		t.close(ctx, rec, models.ExitReasonTimeout, models.ExitReasonTimeout, exitPrice, now, extra)
		return
	}

	t.sample(ctx, rec.ID, now, &price, extra)
}

// priceExit checks stop and take-profit triggers. Partial TP levels reduce
// in place and only the final level closes. The returned exit price is the
// trigger level, modelling a resting order fill.
func (t *Tracker) priceExit(ctx context.Context, rec *models.Recommendation, cfg config.RuntimeConfig, price float64, extra map[string]interface{}) (string, float64, bool) {
	if rec.StopLossPrice > 0 && crossedAgainst(rec.Direction, price, rec.StopLossPrice) {
		reason := models.ExitReasonStopLoss
		if math.Abs(rec.StopLossPrice-rec.EntryPrice) <= rec.EntryPrice*1e-9 {
			reason = models.ExitReasonBreakeven
		}
		return reason, rec.StopLossPrice, true
	}

	if rec.HasPartialTPs() {
		return t.partialTP(ctx, rec, cfg, price, extra)
	}

	if rec.TakeProfitPrice > 0 && crossedInFavour(rec.Direction, price, rec.TakeProfitPrice) {
		return models.ExitReasonTakeProfit, rec.TakeProfitPrice, true
	}
	return "", 0, false
}

// partialTP walks the configured TP levels in order. Hitting a non-final
// level records the hit, bumps reduction_count, writes a REDUCE execution
// and moves the stop to breakeven; hitting the final level closes.
func (t *Tracker) partialTP(ctx context.Context, rec *models.Recommendation, cfg config.RuntimeConfig, price float64, extra map[string]interface{}) (string, float64, bool) {
	levels := []struct {
		price float64
		hit   *bool
		n     int
	}{
		{rec.TP1Price, &rec.TP1Hit, 1},
		{rec.TP2Price, &rec.TP2Hit, 2},
		{rec.TP3Price, &rec.TP3Hit, 3},
	}

	configured := 0
	for _, lv := range levels {
		if lv.price > 0 {
			configured++
		}
	}
	final := rec.FinalTPPrice()

	for _, lv := range levels {
		if lv.price <= 0 || *lv.hit {
			continue
		}
		if !crossedInFavour(rec.Direction, price, lv.price) {
			return "", 0, false
		}
		if lv.price == final {
			return models.ExitReasonTakeProfit, lv.price, true
		}

		*lv.hit = true
		rec.ReductionCount++
		ratio := rec.ReductionRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1 / float64(configured)
		}

		hitTrue := true
		count := rec.ReductionCount
		patch := store.Patch{ReductionCount: &count, ReductionRatio: &ratio}
		switch lv.n {
		case 1:
			patch.TP1Hit = &hitTrue
		case 2:
			patch.TP2Hit = &hitTrue
		case 3:
			patch.TP3Hit = &hitTrue
		}
		// First reduction moves the stop to breakeven when that improves it.
		if improves(rec.Direction, rec.EntryPrice, rec.StopLossPrice) {
			be := rec.EntryPrice
			rec.StopLossPrice = be
			patch.StopLossPrice = &be
			extra["breakeven_stop"] = be
		}
		if err := t.store.UpdateRecommendation(ctx, rec.ID, patch); err != nil {
			t.log.Warn().Err(err).Str("id", rec.ID).Int("tp_level", lv.n).Msg("failed to persist partial take-profit")
			return "", 0, false
		}

		t.saveReduceExecution(ctx, rec, lv.n, lv.price, ratio)
		t.bus.PublishReduced(events.ReducedPayload{
			RecommendationID: rec.ID,
			Symbol:           rec.Symbol,
			TPLevel:          lv.n,
			Price:            lv.price,
			ReductionCount:   rec.ReductionCount,
		})
		extra["partial_tp"] = lv.n
		t.log.Info().Str("id", rec.ID).Int("tp_level", lv.n).Float64("price", lv.price).Msg("partial take-profit")
		return "", 0, false
	}
	return "", 0, false
}

// close persists the terminal transition with bounded retries. Exhausted
// retries mark the row close_pending so a later tick completes it; the
// close is never dropped.
func (t *Tracker) close(ctx context.Context, rec *models.Recommendation, reason, label string, exitPrice float64, now time.Time, extra map[string]interface{}) {
	pnlPct, pnlAmt := rec.PnL(exitPrice)
	req := store.CloseRequest{
		ExitPrice:  exitPrice,
		ExitTime:   now,
		Reason:     reason,
		Label:      label,
		PnlPercent: pnlPct,
		PnlAmount:  pnlAmt,
	}

	var closed *models.Recommendation
	var err error
	for attempt := 0; attempt < closeRetryAttempts; attempt++ {
		closed, err = t.store.CloseRecommendation(ctx, rec.ID, req)
		if err == nil || errors.Is(err, store.ErrNotActive) || errors.Is(err, store.ErrNotFound) {
			break
		}
		t.log.Warn().Err(err).Str("id", rec.ID).Int("attempt", attempt+1).Msg("close write failed, retrying")
		time.Sleep(closeRetryBase << attempt)
	}

	switch {
	case err == nil:
		t.exposure.Remove(rec.ID)
		t.saveCloseExecution(ctx, closed, exitPrice, now)
		t.bus.PublishClosed(events.ClosedPayload{
			RecommendationID: rec.ID,
			Symbol:           rec.Symbol,
			Direction:        string(rec.Direction),
			ExitReason:       reason,
			ExitPrice:        exitPrice,
			PnlPercent:       pnlPct,
			PnlAmount:        pnlAmt,
		})
		extra["closed"] = reason
		t.log.Info().Str("id", rec.ID).Str("reason", reason).
			Float64("exit_price", exitPrice).Float64("pnl_percent", pnlPct).Msg("recommendation closed")
	case errors.Is(err, store.ErrNotActive), errors.Is(err, store.ErrNotFound):
		// Already terminal; idempotent outcome.
		t.exposure.Remove(rec.ID)
		extra["already_closed"] = true
	default:
		pending := true
		labelCopy := reason
		uerr := t.store.UpdateRecommendation(ctx, rec.ID, store.Patch{ClosePending: &pending, ManualCloseLabel: &labelCopy})
		if uerr != nil {
			t.log.Error().Err(uerr).Str("id", rec.ID).Msg("failed to mark close_pending")
		}
		extra["close_pending"] = true
		t.log.Error().Err(err).Str("id", rec.ID).Msg("close retries exhausted, marked close_pending")
	}

	price := exitPrice
	t.sample(ctx, rec.ID, now, &price, extra)
}

func (t *Tracker) saveReduceExecution(ctx context.Context, rec *models.Recommendation, level int, levelPrice, ratio float64) {
	now := t.clk.Now()
	exec := &models.Execution{
		ID:                uuid.New().String(),
		EventType:         models.ExecutionReduce,
		RecommendationID:  rec.ID,
		Symbol:            rec.Symbol,
		Direction:         rec.Direction,
		Size:              rec.PositionSize * ratio,
		IntendedPrice:     levelPrice,
		IntendedTimestamp: now,
		FillPrice:         levelPrice,
		FillTimestamp:     now,
		Details:           map[string]interface{}{"tp_level": level, "reduction_ratio": ratio},
		CreatedAt:         now,
	}
	if err := t.store.SaveExecution(ctx, exec); err != nil {
		t.log.Warn().Err(err).Str("id", rec.ID).Msg("failed to save reduce execution")
	}
}

func (t *Tracker) saveCloseExecution(ctx context.Context, rec *models.Recommendation, exitPrice float64, now time.Time) {
	if rec == nil {
		return
	}
	exec := &models.Execution{
		ID:                uuid.New().String(),
		EventType:         models.ExecutionClose,
		RecommendationID:  rec.ID,
		Symbol:            rec.Symbol,
		Direction:         rec.Direction,
		Size:              rec.PositionSize,
		IntendedPrice:     exitPrice,
		IntendedTimestamp: now,
		FillPrice:         exitPrice,
		FillTimestamp:     now,
		CreatedAt:         now,
	}
	if rec.PnlPercent != nil {
		exec.PnlPercent = *rec.PnlPercent
	}
	if rec.PnlAmount != nil {
		exec.PnlAmount = *rec.PnlAmount
	}
	if rec.ExitReason != "" {
		exec.Details = map[string]interface{}{"exit_reason": rec.ExitReason}
	}
	if err := t.store.SaveExecution(ctx, exec); err != nil {
		t.log.Warn().Err(err).Str("id", rec.ID).Msg("failed to save close execution")
	}
}

func (t *Tracker) sample(ctx context.Context, recID string, at time.Time, price *float64, extra map[string]interface{}) {
	if len(extra) == 0 {
		extra = nil
	}
	s := &models.MonitoringSample{
		ID:               uuid.New().String(),
		RecommendationID: recID,
		CheckTime:        at,
		CurrentPrice:     price,
		Extra:            extra,
	}
	if err := t.store.SaveMonitoringSample(ctx, s); err != nil {
		t.log.Warn().Err(err).Str("id", recID).Msg("failed to save monitoring sample")
	}
}

// effectiveTrailing resolves the per-recommendation override against the
// runtime trailing config.
func effectiveTrailing(rec *models.Recommendation, cfg config.RuntimeConfig) config.TrailingConfig {
	if rec.TrailingOverride != nil {
		o := rec.TrailingOverride
		return config.TrailingConfig{
			Enabled:             o.Enabled,
			ActivateOnBreakeven: o.ActivateOnBreakeven,
			ActivateProfitPct:   o.ActivateProfitPct,
			Percent:             o.Percent,
			MinStep:             o.MinStep,
		}
	}
	return cfg.Trailing
}

// trailingStop computes the next stop level under the trailing rules. The
// stop only ever moves in the favourable direction. Breakeven activation
// first lifts the stop to the entry; subsequent ticks trail the price by
// the configured percent, moving only when the improvement is at least
// min_step.
func trailingStop(rec *models.Recommendation, tr config.TrailingConfig, price float64) (float64, bool) {
	if !tr.Enabled || tr.Percent <= 0 || rec.EntryPrice <= 0 {
		return 0, false
	}

	movePct := (price - rec.EntryPrice) / rec.EntryPrice * 100
	if rec.Direction == models.DirectionShort {
		movePct = -movePct
	}

	breakevenArmed := tr.ActivateOnBreakeven && movePct >= 0
	profitArmed := tr.ActivateProfitPct > 0 && movePct >= tr.ActivateProfitPct
	if !breakevenArmed && !profitArmed {
		return 0, false
	}

	// Activation tick: lift the stop to breakeven and hold there.
	if breakevenArmed && improves(rec.Direction, rec.EntryPrice, rec.StopLossPrice) {
		return rec.EntryPrice, true
	}

	var candidate float64
	if rec.Direction == models.DirectionLong {
		candidate = price * (1 - tr.Percent/100)
	} else {
		candidate = price * (1 + tr.Percent/100)
	}
	if !improves(rec.Direction, candidate, rec.StopLossPrice) {
		return 0, false
	}
	if rec.StopLossPrice > 0 && math.Abs(candidate-rec.StopLossPrice) < tr.MinStep {
		return 0, false
	}
	return candidate, true
}

// crossedAgainst reports whether price breached level on the losing side.
func crossedAgainst(d models.Direction, price, level float64) bool {
	if d == models.DirectionLong {
		return price <= level
	}
	return price >= level
}

// crossedInFavour reports whether price reached level on the profit side.
func crossedInFavour(d models.Direction, price, level float64) bool {
	if d == models.DirectionLong {
		return price >= level
	}
	return price <= level
}

// improves reports whether candidate is a strictly better stop than
// current for the direction. A zero current stop is always improved.
func improves(d models.Direction, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	if d == models.DirectionLong {
		return candidate > current
	}
	return candidate < current
}
