package gates

import (
	"fmt"
	"math"
	"time"

	"recommendation-engine/internal/models"
)

type basicValidationGate struct{}

func (basicValidationGate) Name() string { return models.StageBasicValidation }

func (basicValidationGate) Evaluate(gctx Context) Result {
	c := gctx.Candidate
	switch {
	case c.Symbol == "":
		return Reject(CodeValidationError, "symbol is required", map[string]interface{}{"field": "symbol"})
	case !c.Direction.IsValid():
		return Reject(CodeValidationError, fmt.Sprintf("direction must be LONG or SHORT, got %q", c.Direction),
			map[string]interface{}{"field": "direction", "value": string(c.Direction)})
	case c.EntryPrice <= 0:
		return Reject(CodeValidationError, "entry_price must be > 0",
			map[string]interface{}{"field": "entry_price", "value": c.EntryPrice})
	case c.Leverage <= 0:
		return Reject(CodeValidationError, "leverage must be > 0",
			map[string]interface{}{"field": "leverage", "value": c.Leverage})
	case c.PositionSize < 0:
		return Reject(CodeValidationError, "position_size must be >= 0",
			map[string]interface{}{"field": "position_size", "value": c.PositionSize})
	}
	return Pass(nil)
}

type priceAvailabilityGate struct{}

func (priceAvailabilityGate) Name() string { return models.StagePriceAvailability }

func (priceAvailabilityGate) Evaluate(gctx Context) Result {
	if gctx.PriceErr != nil {
		return Reject(CodeNoPrice, fmt.Sprintf("no current price for %s", gctx.Candidate.Symbol),
			map[string]interface{}{"symbol": gctx.Candidate.Symbol})
	}
	return Pass(map[string]interface{}{"price": gctx.Price})
}

type duplicateGate struct{}

func (duplicateGate) Name() string { return models.StageDuplicateCheck }

func (duplicateGate) Evaluate(gctx Context) Result {
	c := gctx.Candidate
	threshold := gctx.Config.DuplicateBpsThreshold

	var matched []string
	for _, row := range gctx.Active {
		if row.Symbol != c.Symbol || row.Direction != c.Direction {
			continue
		}
		if priceDiffBps(row.EntryPrice, c.EntryPrice) <= threshold {
			matched = append(matched, row.ID)
		}
	}
	if len(matched) > 0 {
		return Reject(CodeDuplicate,
			fmt.Sprintf("active %s %s within %.0f bps of entry %.8g", c.Direction, c.Symbol, threshold, c.EntryPrice),
			map[string]interface{}{"matchedIds": matched, "thresholdBps": threshold})
	}
	return Pass(map[string]interface{}{"checked": len(gctx.Active), "thresholdBps": threshold})
}

// priceDiffBps returns the absolute difference between two prices in basis
// points of the reference price.
func priceDiffBps(a, reference float64) float64 {
	if reference == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-reference) / reference * 10000
}

type cooldownGate struct{}

func (cooldownGate) Name() string { return models.StageCooldown }

func (cooldownGate) Evaluate(gctx Context) Result {
	c := gctx.Candidate
	cfg := gctx.Config
	now := gctx.Now

	if c.BypassCooldown {
		return Pass(map[string]interface{}{"bypassed": true})
	}

	if last, ok := gctx.Exposure.LastCreatedAt(c.Symbol, c.Direction); ok {
		if r := cooldownReject(now, last, cfg.CooldownSameDirectionMs, "same-direction cooldown active"); r != nil {
			return *r
		}
	}
	if last, ok := gctx.Exposure.LastCreatedAt(c.Symbol, c.Direction.Opposite()); ok {
		if r := cooldownReject(now, last, cfg.CooldownOppositeMs, "opposite-direction cooldown active"); r != nil {
			return *r
		}
	}
	if last, ok := gctx.Exposure.LastCreatedAny(); ok {
		if r := cooldownReject(now, last, cfg.GlobalMinIntervalMs, "global minimum interval active"); r != nil {
			return *r
		}
	}

	if cap := cfg.HourlyOrderCaps.Total; cap > 0 && gctx.Exposure.HourlyTotal >= cap {
		return hourlyCapReject(gctx, "hourly order cap reached", cap, gctx.Exposure.HourlyTotal, gctx.Exposure.HourlyOldest)
	}
	if cap := cfg.HourlyOrderCaps.PerDirection; cap > 0 && gctx.Exposure.HourlyByDirection[c.Direction] >= cap {
		return hourlyCapReject(gctx, fmt.Sprintf("hourly %s order cap reached", c.Direction),
			cap, gctx.Exposure.HourlyByDirection[c.Direction], gctx.Exposure.HourlyOldestByDirection[c.Direction])
	}

	return Pass(nil)
}

func cooldownReject(now, last time.Time, windowMs int64, reason string) *Result {
	if windowMs <= 0 {
		return nil
	}
	elapsed := now.Sub(last)
	window := time.Duration(windowMs) * time.Millisecond
	if elapsed >= window {
		return nil
	}
	remaining := window - elapsed
	r := Reject(CodeCooldown, reason, map[string]interface{}{
		"remainingMs":     remaining.Milliseconds(),
		"nextAvailableAt": last.Add(window).UTC(),
		"lastCreatedAt":   last.UTC(),
		"reason":          reason,
	})
	return &r
}

// hourlyCapReject reports a reached hourly cap as COOLDOWN_ACTIVE. The
// next slot opens when the oldest in-window admission ages out of the
// rolling hour.
func hourlyCapReject(gctx Context, reason string, cap, current int, oldest time.Time) Result {
	details := map[string]interface{}{
		"reason":      reason,
		"hourlyCap":   cap,
		"hourlyCount": current,
	}
	if !oldest.IsZero() {
		next := oldest.Add(time.Hour)
		details["remainingMs"] = next.Sub(gctx.Now).Milliseconds()
		details["nextAvailableAt"] = next.UTC()
		details["oldestInWindow"] = oldest.UTC()
	}
	return Reject(CodeCooldown, reason, details)
}

type exposureLimitGate struct{}

func (exposureLimitGate) Name() string { return models.StageExposureLimit }

func (exposureLimitGate) Evaluate(gctx Context) Result {
	c := gctx.Candidate
	cfg := gctx.Config
	if cfg.MaxSameDirectionActives <= 0 {
		return Pass(nil)
	}

	current := gctx.Exposure.CountInWindow(c.Symbol, c.Direction)
	if current >= cfg.MaxSameDirectionActives {
		return Reject(CodeExposureLimit,
			fmt.Sprintf("%d active %s %s positions within %.3gh window, max %d",
				current, c.Direction, c.Symbol, cfg.ConcurrencyCountAgeHours, cfg.MaxSameDirectionActives),
			map[string]interface{}{
				"maxSameDirection": cfg.MaxSameDirectionActives,
				"currentCount":     current,
				"windowHours":      cfg.ConcurrencyCountAgeHours,
				"symbol":           c.Symbol,
				"direction":        string(c.Direction),
			})
	}
	return Pass(map[string]interface{}{"currentCount": current, "maxSameDirection": cfg.MaxSameDirectionActives})
}

type exposureCapGate struct{}

func (exposureCapGate) Name() string { return models.StageExposureCap }

func (exposureCapGate) Evaluate(gctx Context) Result {
	c := gctx.Candidate
	caps := gctx.Config.NetExposureCaps

	adding := c.PositionSize * c.Leverage
	currentTotal := gctx.Exposure.TotalNotional
	currentDirection := gctx.Exposure.DirectionNotional[c.Direction]

	dirCap := caps.PerDirection.Long
	if c.Direction == models.DirectionShort {
		dirCap = caps.PerDirection.Short
	}

	details := map[string]interface{}{
		"totalCap":         caps.Total,
		"currentTotal":     currentTotal,
		"dirCap":           dirCap,
		"currentDirection": currentDirection,
		"adding":           adding,
	}
	if caps.Total > 0 && currentTotal+adding > caps.Total {
		return Reject(CodeExposureCap,
			fmt.Sprintf("total exposure %.8g + %.8g exceeds cap %.8g", currentTotal, adding, caps.Total), details)
	}
	if dirCap > 0 && currentDirection+adding > dirCap {
		return Reject(CodeExposureCap,
			fmt.Sprintf("%s exposure %.8g + %.8g exceeds cap %.8g", c.Direction, currentDirection, adding, dirCap), details)
	}
	return Pass(details)
}

type oppositeGate struct{}

func (oppositeGate) Name() string { return models.StageOppositeCheck }

func (oppositeGate) Evaluate(gctx Context) Result {
	c := gctx.Candidate
	cfg := gctx.Config

	var opposing []string
	for _, row := range gctx.Active {
		if row.Symbol == c.Symbol && row.Direction == c.Direction.Opposite() {
			opposing = append(opposing, row.ID)
		}
	}
	if len(opposing) == 0 {
		return Pass(nil)
	}

	if !cfg.AllowOppositeWhileOpen {
		return Reject(CodeOpposite,
			fmt.Sprintf("active %s %s position blocks opposite entry", c.Direction.Opposite(), c.Symbol),
			map[string]interface{}{"symbol": c.Symbol, "opposingIds": opposing})
	}
	if cfg.OppositeMinConfidence > 0 && c.Confidence < cfg.OppositeMinConfidence {
		return Reject(CodeOpposite,
			fmt.Sprintf("confidence %.3g below opposite entry minimum %.3g", c.Confidence, cfg.OppositeMinConfidence),
			map[string]interface{}{
				"symbol":        c.Symbol,
				"opposingIds":   opposing,
				"confidence":    c.Confidence,
				"minConfidence": cfg.OppositeMinConfidence,
			})
	}
	return Pass(map[string]interface{}{"opposingIds": opposing})
}

type mtfGate struct{}

func (mtfGate) Name() string { return models.StageMTFCheck }

func (mtfGate) Evaluate(gctx Context) Result {
	c := gctx.Candidate
	filters := gctx.Config.EntryFilters
	if !filters.RequireMTFAgreement {
		return Pass(nil)
	}

	details := map[string]interface{}{
		"requireMTFAgreement": true,
		"minMTFAgreement":     filters.MinMTFAgreement,
	}
	if c.MTF == nil {
		return Reject(CodeMTF, "multi-timeframe consistency payload is required", details)
	}
	details["agreement"] = c.MTF.Agreement
	details["dominantDirection"] = string(c.MTF.DominantDirection)

	if c.MTF.Agreement < filters.MinMTFAgreement {
		return Reject(CodeMTF,
			fmt.Sprintf("MTF agreement %.3g below minimum %.3g", c.MTF.Agreement, filters.MinMTFAgreement), details)
	}
	if c.MTF.DominantDirection != c.Direction {
		return Reject(CodeMTF,
			fmt.Sprintf("dominant direction %s contradicts %s entry", c.MTF.DominantDirection, c.Direction), details)
	}
	return Pass(details)
}

type evGate struct{}

func (evGate) Name() string { return models.StageEVCheck }

// evGate records ev_ok when both EV and a threshold are present. It only
// hard-rejects when ev_hard_reject is set; the default is advisory.
func (evGate) Evaluate(gctx Context) Result {
	c := gctx.Candidate
	if c.EV == nil {
		return Pass(nil)
	}

	threshold, ok := evThreshold(c, gctx.Config.EVThreshold)
	if !ok {
		return Pass(map[string]interface{}{"ev": *c.EV})
	}

	evOK := *c.EV >= threshold
	details := map[string]interface{}{
		"ev":          *c.EV,
		"evThreshold": threshold,
		"evOk":        evOK,
	}
	if !evOK && gctx.Config.EVHardReject {
		return Reject(CodeEVRejected,
			fmt.Sprintf("ev %.6g below threshold %.6g", *c.EV, threshold), details)
	}
	return Pass(details)
}

func evThreshold(c *Candidate, configDefault float64) (float64, bool) {
	if c.EVThreshold != nil {
		return *c.EVThreshold, true
	}
	if configDefault != 0 {
		return configDefault, true
	}
	return 0, false
}
