// Package gates implements the ordered admission checks. Each gate is an
// object exposing Evaluate over a pure context (candidate, config snapshot,
// exposure snapshot, active rows, current time and price); the pipeline is
// a fold over the gate list, stopping at the first rejection.
package gates

import (
	"time"

	"recommendation-engine/config"
	"recommendation-engine/internal/exposure"
	"recommendation-engine/internal/models"
)

// Rejection codes. Stable; they appear in HTTP bodies and decision steps.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNoPrice         = "NO_PRICE"
	CodeDuplicate       = "DUPLICATE_RECOMMENDATION"
	CodeCooldown        = "COOLDOWN_ACTIVE"
	CodeExposureLimit   = "EXPOSURE_LIMIT"
	CodeExposureCap     = "EXPOSURE_CAP"
	CodeOpposite        = "OPPOSITE_CONSTRAINT"
	CodeMTF             = "MTF_CONSISTENCY"
	CodeEVRejected      = "EV_REJECTED"
)

// Candidate is the normalized admission proposal the gates evaluate.
type Candidate struct {
	Symbol       string
	Direction    models.Direction
	EntryPrice   float64
	CurrentPrice float64
	Leverage     float64
	PositionSize float64
	Confidence   float64

	// BypassCooldown is honoured only when the request supplied the strict
	// boolean literal true. String "true" does not bypass.
	BypassCooldown bool

	EV          *float64
	EVThreshold *float64
	MTF         *models.MultiTFConsistency
}

// Context carries everything a gate may consult. It is assembled once per
// admission attempt; gates never reach outside it.
type Context struct {
	Candidate *Candidate
	Config    config.RuntimeConfig
	Exposure  exposure.Snapshot
	Active    []*models.Recommendation
	Now       time.Time

	// Price resolution outcome from the feed, consumed by the price
	// availability gate.
	Price    float64
	PriceErr error
}

// Result is a single gate outcome.
type Result struct {
	Approved bool
	Code     string
	Reason   string
	Details  map[string]interface{}
}

// Pass builds an approving result.
func Pass(details map[string]interface{}) Result {
	return Result{Approved: true, Details: details}
}

// Reject builds a rejecting result with a machine code.
func Reject(code, reason string, details map[string]interface{}) Result {
	return Result{Code: code, Reason: reason, Details: details}
}

// Gate is one admission check.
type Gate interface {
	// Name returns the stable stage tag recorded in the decision chain.
	Name() string
	Evaluate(gctx Context) Result
}

// StepResult pairs a gate's stage tag with its outcome.
type StepResult struct {
	Stage  string
	Result Result
}

// Pipeline returns the gates in evaluation order.
func Pipeline() []Gate {
	return []Gate{
		basicValidationGate{},
		priceAvailabilityGate{},
		duplicateGate{},
		cooldownGate{},
		exposureLimitGate{},
		exposureCapGate{},
		oppositeGate{},
		mtfGate{},
		evGate{},
	}
}

// Run evaluates the pipeline over gctx and returns every step up to and
// including the first rejection. The second return is the rejecting step,
// nil when all gates approve.
func Run(gctx Context) ([]StepResult, *StepResult) {
	var steps []StepResult
	for _, gate := range Pipeline() {
		result := gate.Evaluate(gctx)
		step := StepResult{Stage: gate.Name(), Result: result}
		steps = append(steps, step)
		if !result.Approved {
			return steps, &steps[len(steps)-1]
		}
	}
	return steps, nil
}
