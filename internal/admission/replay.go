package admission

import (
	"context"
	"encoding/json"
	"fmt"

	"recommendation-engine/config"
	"recommendation-engine/internal/chains"
	"recommendation-engine/internal/gates"
	"recommendation-engine/internal/models"
)

// ReplayFunc returns the chain replayer: it reconstructs the candidate
// from the original chain's START step and re-runs the gate pipeline
// against the config snapshot and resolved price captured at admission
// time, falling back to live state for anything the chain predates.
// Exposure and the active set are always read live. The produced chain is
// never persisted.
func (c *Controller) ReplayFunc() chains.ReplayFunc {
	return func(ctx context.Context, original *models.DecisionChain) (*models.DecisionChain, error) {
		candidate, err := candidateFromChain(original)
		if err != nil {
			return nil, err
		}

		gctx, err := c.gateContext(ctx, candidate)
		if err != nil {
			return nil, err
		}
		inputs := original.Steps[0].Details
		if cfg, ok := capturedConfig(inputs); ok {
			gctx.Config = cfg
			gctx.Exposure = c.exposure.Snapshot(gctx.Now, cfg.ConcurrencyCountAgeHours)
		}
		if v, ok := inputs["resolved_price"]; ok {
			gctx.Price = asFloat(v)
			gctx.PriceErr = nil
		}

		now := c.clk.Now()
		replay := &models.DecisionChain{
			ChainID:   original.ChainID,
			Symbol:    original.Symbol,
			Direction: original.Direction,
			Source:    original.Source,
			CreatedAt: now,
		}
		replay.Steps = append(replay.Steps, models.DecisionStep{
			Stage:     models.StageStart,
			Decision:  models.DecisionApproved,
			Details:   original.Steps[0].Details,
			Timestamp: now,
		})

		steps, rejected := gates.Run(gctx)
		for _, step := range steps {
			decision := models.DecisionApproved
			if !step.Result.Approved {
				decision = models.DecisionRejected
			}
			replay.Steps = append(replay.Steps, models.DecisionStep{
				Stage:     step.Stage,
				Decision:  decision,
				Reason:    step.Result.Reason,
				Details:   step.Result.Details,
				Timestamp: c.clk.Now(),
			})
		}

		end := c.clk.Now()
		replay.EndAt = &end
		if rejected != nil {
			replay.FinalDecision = models.DecisionRejected
			replay.FinalReason = rejected.Result.Reason
		} else {
			replay.FinalDecision = models.DecisionApproved
			replay.Steps = append(replay.Steps, models.DecisionStep{
				Stage:     models.StagePersist,
				Decision:  models.DecisionApproved,
				Timestamp: end,
			})
		}
		return replay, nil
	}
}

// captureContext records the evaluated config snapshot and the resolved
// feed price in the chain's START step so a later replay reproduces the
// original gate inputs instead of whatever the runtime looks like then.
func captureContext(chain *models.DecisionChain, gctx gates.Context) {
	details := chain.Steps[0].Details
	if details == nil {
		details = make(map[string]interface{})
		chain.Steps[0].Details = details
	}
	// Roundtrip through JSON so the stored shape matches what a JSONB
	// read returns.
	if raw, err := json.Marshal(gctx.Config); err == nil {
		var snap map[string]interface{}
		if json.Unmarshal(raw, &snap) == nil {
			details["config_snapshot"] = snap
		}
	}
	if gctx.PriceErr == nil {
		details["resolved_price"] = gctx.Price
	}
}

// capturedConfig restores the config snapshot recorded at admission time.
// Chains persisted before snapshots were recorded return ok=false.
func capturedConfig(inputs map[string]interface{}) (config.RuntimeConfig, bool) {
	raw, ok := inputs["config_snapshot"]
	if !ok {
		return config.RuntimeConfig{}, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return config.RuntimeConfig{}, false
	}
	cfg := config.DefaultRuntime()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return config.RuntimeConfig{}, false
	}
	return cfg, true
}

// candidateFromChain rebuilds the gate candidate from the inputs captured
// in the chain's START step.
func candidateFromChain(chain *models.DecisionChain) (*gates.Candidate, error) {
	if len(chain.Steps) == 0 || chain.Steps[0].Stage != models.StageStart {
		return nil, fmt.Errorf("chain %s has no START step to replay from", chain.ChainID)
	}
	inputs := chain.Steps[0].Details

	c := &gates.Candidate{
		Symbol:       chain.Symbol,
		Direction:    chain.Direction,
		EntryPrice:   asFloat(inputs["entry_price"]),
		CurrentPrice: asFloat(inputs["current_price"]),
		Leverage:     asFloat(inputs["leverage"]),
		PositionSize: asFloat(inputs["position_size"]),
		Confidence:   asFloat(inputs["confidence"]),
	}
	if c.Leverage == 0 {
		c.Leverage = 1
	}
	if b, ok := inputs["bypassCooldown"].(bool); ok {
		c.BypassCooldown = b
	}
	if v, ok := inputs["ev"]; ok {
		ev := asFloat(v)
		c.EV = &ev
	}
	if v, ok := inputs["ev_threshold"]; ok {
		t := asFloat(v)
		c.EVThreshold = &t
	}
	if raw, ok := inputs["multiTFConsistency"].(map[string]interface{}); ok {
		c.MTF = &models.MultiTFConsistency{
			Agreement:         asFloat(raw["agreement"]),
			DominantDirection: models.Direction(asString(raw["dominantDirection"])),
		}
	}
	if c.EntryPrice <= 0 {
		return nil, fmt.Errorf("chain %s START step lacks a usable entry_price", chain.ChainID)
	}
	return c, nil
}

// asFloat tolerates the numeric widenings a JSONB roundtrip produces.
func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
