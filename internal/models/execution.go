package models

import "time"

// Execution event types. Executions are append-only.
const (
	ExecutionOpen   = "OPEN"
	ExecutionClose  = "CLOSE"
	ExecutionReduce = "REDUCE"
)

// Execution records one fill-level event for a recommendation: the open,
// each partial reduction, and the close. Intended vs fill fields feed the
// offline slippage reports.
type Execution struct {
	ID                string                 `json:"id"`
	EventType         string                 `json:"event_type"`
	RecommendationID  string                 `json:"recommendation_id"`
	Symbol            string                 `json:"symbol"`
	Direction         Direction              `json:"direction"`
	Size              float64                `json:"size"`
	IntendedPrice     float64                `json:"intended_price"`
	IntendedTimestamp time.Time              `json:"intended_timestamp"`
	FillPrice         float64                `json:"fill_price"`
	FillTimestamp     time.Time              `json:"fill_timestamp"`
	LatencyMs         int64                  `json:"latency_ms"`
	SlippageBps       float64                `json:"slippage_bps"`
	FeeBps            float64                `json:"fee_bps"`
	FeeAmount         float64                `json:"fee_amount"`
	PnlAmount         float64                `json:"pnl_amount"`
	PnlPercent        float64                `json:"pnl_percent"`
	Details           map[string]interface{} `json:"details,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// SlippageBps returns the signed slippage between intended and fill price
// in basis points, positive when the fill is worse for the given direction.
func SlippageBps(direction Direction, intended, fill float64) float64 {
	if intended == 0 {
		return 0
	}
	bps := (fill - intended) / intended * 10000
	if direction == DirectionShort {
		bps = -bps
	}
	return bps
}

// MonitoringSample records one live evaluation pass over a recommendation.
// CurrentPrice is nil when no price was available that tick.
type MonitoringSample struct {
	ID               string                 `json:"id"`
	RecommendationID string                 `json:"recommendation_id"`
	CheckTime        time.Time              `json:"check_time"`
	CurrentPrice     *float64               `json:"current_price,omitempty"`
	Extra            map[string]interface{} `json:"extra,omitempty"`
}
