package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Decision is the outcome of a chain or a single step.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
	DecisionPending  Decision = "PENDING"
)

// Stage tags for decision steps. Stable names; they appear in persisted
// chains and in replay comparisons.
const (
	StageStart             = "START"
	StageBasicValidation   = "BASIC_VALIDATION"
	StagePriceAvailability = "PRICE_AVAILABILITY"
	StageDuplicateCheck    = "DUPLICATE_CHECK"
	StageCooldown          = "COOLDOWN"
	StageExposureLimit     = "EXPOSURE_LIMIT"
	StageExposureCap       = "EXPOSURE_CAP"
	StageOppositeCheck     = "OPPOSITE_CONSTRAINT"
	StageMTFCheck          = "MTF_CHECK"
	StageEVCheck           = "EV_CHECK"
	StagePersist           = "PERSIST"
)

// DecisionStep is one recorded stage of an admission attempt.
type DecisionStep struct {
	Stage     string                 `json:"stage"`
	Decision  Decision               `json:"decision"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// DecisionChain is the ordered, persisted audit record of one admission
// attempt. Steps are append-only; finalization is idempotent.
type DecisionChain struct {
	ChainID          string         `json:"chain_id"`
	Symbol           string         `json:"symbol"`
	Direction        Direction      `json:"direction"`
	Source           string         `json:"source,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	EndAt            *time.Time     `json:"end_at,omitempty"`
	FinalDecision    Decision       `json:"final_decision"`
	FinalReason      string         `json:"final_reason,omitempty"`
	RecommendationID string         `json:"recommendation_id,omitempty"`
	ExecutionID      string         `json:"execution_id,omitempty"`
	Steps            []DecisionStep `json:"steps"`
}

// ChainIDPrefix prefixes every chain id.
const ChainIDPrefix = "CHAIN"

// FormatChainID encodes symbol, direction and creation time into a
// debuggable chain id: CHAIN|<symbol>|<direction>|<createdMs>|<nonce>.
// The id is otherwise opaque to callers.
func FormatChainID(symbol string, direction Direction, createdAt time.Time, nonce string) string {
	return strings.Join([]string{
		ChainIDPrefix,
		symbol,
		string(direction),
		strconv.FormatInt(createdAt.UnixMilli(), 10),
		nonce,
	}, "|")
}

// ParseChainID decodes a chain id produced by FormatChainID.
func ParseChainID(id string) (symbol string, direction Direction, createdAt time.Time, err error) {
	parts := strings.Split(id, "|")
	if len(parts) != 5 || parts[0] != ChainIDPrefix {
		return "", "", time.Time{}, fmt.Errorf("malformed chain id: %q", id)
	}
	ms, perr := strconv.ParseInt(parts[3], 10, 64)
	if perr != nil {
		return "", "", time.Time{}, fmt.Errorf("malformed chain id timestamp: %q", id)
	}
	return parts[1], Direction(parts[2]), time.UnixMilli(ms).UTC(), nil
}
