// Package admission orchestrates the single code path every proposal
// takes: open a decision chain, snapshot config and exposure, run the gate
// pipeline, and on approval persist the recommendation, update exposure
// and publish the created event.
package admission

import (
	"bytes"
	"encoding/json"
	"strings"

	"recommendation-engine/internal/gates"
	"recommendation-engine/internal/models"
)

// Metadata carries optional structured extras on a proposal.
type Metadata struct {
	MultiTFConsistency *models.MultiTFConsistency `json:"multiTFConsistency,omitempty"`
}

// Request is the admission proposal as received at the boundary.
type Request struct {
	Symbol       string  `json:"symbol"`
	Direction    string  `json:"direction"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price,omitempty"`
	Leverage     float64 `json:"leverage,omitempty"`
	PositionSize float64 `json:"position_size,omitempty"`

	StopLossPrice   float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64 `json:"take_profit_price,omitempty"`
	TP1Price        float64 `json:"tp1_price,omitempty"`
	TP2Price        float64 `json:"tp2_price,omitempty"`
	TP3Price        float64 `json:"tp3_price,omitempty"`
	ReductionRatio  float64 `json:"reduction_ratio,omitempty"`

	ATRValue        float64 `json:"atr_value,omitempty"`
	ATRPeriod       int     `json:"atr_period,omitempty"`
	ATRSLMultiplier float64 `json:"atr_sl_multiplier,omitempty"`
	ATRTPMultiplier float64 `json:"atr_tp_multiplier,omitempty"`

	Confidence     float64  `json:"confidence,omitempty"`
	ExpectedReturn *float64 `json:"expected_return,omitempty"`
	EV             *float64 `json:"ev,omitempty"`
	EVThreshold    *float64 `json:"ev_threshold,omitempty"`

	Source       string    `json:"source,omitempty"`
	StrategyType string    `json:"strategy_type,omitempty"`
	ABGroup      string    `json:"ab_group,omitempty"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	DedupeKey    string    `json:"dedupe_key,omitempty"`
	Metadata     *Metadata `json:"metadata,omitempty"`

	TrailingOverride *models.TrailingOverride `json:"trailing_override,omitempty"`

	// Raw so only the strict boolean literal true bypasses; the strings
	// "true" and "false" do not.
	BypassCooldown json.RawMessage `json:"bypassCooldown,omitempty"`
}

var jsonTrue = []byte("true")

// Bypass reports whether the request carried bypassCooldown as the strict
// boolean literal true.
func (r *Request) Bypass() bool {
	return bytes.Equal(bytes.TrimSpace(r.BypassCooldown), jsonTrue)
}

// normalize canonicalizes symbol and direction and applies defaults.
func (r *Request) normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Direction = strings.ToUpper(strings.TrimSpace(r.Direction))
	if r.Leverage == 0 {
		r.Leverage = 1
	}
	if r.Source == "" {
		r.Source = models.SourceManual
	}
}

// candidate builds the pure gate input from the normalized request.
func (r *Request) candidate() *gates.Candidate {
	c := &gates.Candidate{
		Symbol:         r.Symbol,
		Direction:      models.Direction(r.Direction),
		EntryPrice:     r.EntryPrice,
		CurrentPrice:   r.CurrentPrice,
		Leverage:       r.Leverage,
		PositionSize:   r.PositionSize,
		Confidence:     r.Confidence,
		BypassCooldown: r.Bypass(),
		EV:             r.EV,
		EVThreshold:    r.EVThreshold,
	}
	if r.Metadata != nil {
		c.MTF = r.Metadata.MultiTFConsistency
	}
	return c
}

// chainInputs captures the candidate for the chain's START step so the
// attempt can be replayed later without the original request.
func (r *Request) chainInputs() map[string]interface{} {
	inputs := map[string]interface{}{
		"symbol":        r.Symbol,
		"direction":     r.Direction,
		"entry_price":   r.EntryPrice,
		"leverage":      r.Leverage,
		"position_size": r.PositionSize,
		"source":        r.Source,
	}
	if r.CurrentPrice > 0 {
		inputs["current_price"] = r.CurrentPrice
	}
	if r.Confidence > 0 {
		inputs["confidence"] = r.Confidence
	}
	if r.Bypass() {
		inputs["bypassCooldown"] = true
	}
	if r.EV != nil {
		inputs["ev"] = *r.EV
	}
	if r.EVThreshold != nil {
		inputs["ev_threshold"] = *r.EVThreshold
	}
	if r.Metadata != nil && r.Metadata.MultiTFConsistency != nil {
		inputs["multiTFConsistency"] = map[string]interface{}{
			"agreement":         r.Metadata.MultiTFConsistency.Agreement,
			"dominantDirection": string(r.Metadata.MultiTFConsistency.DominantDirection),
		}
	}
	return inputs
}
