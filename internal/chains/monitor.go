// Package chains records and persists decision chains: the ordered audit
// trail of every admission attempt, from START through the gates to the
// final decision, plus the replay tooling that re-evaluates historical
// chains against the current configuration.
package chains

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"recommendation-engine/internal/clock"
	"recommendation-engine/internal/logging"
	"recommendation-engine/internal/models"
	"recommendation-engine/internal/store"
)

// Monitor builds chains in memory during an admission attempt and persists
// them once finalized. Chains are single-goroutine during construction;
// the monitor itself holds no mutable state.
type Monitor struct {
	store  store.Store
	clk    clock.Clock
	logger *logging.Logger
}

// NewMonitor creates a chain monitor backed by st.
func NewMonitor(st store.Store, clk clock.Clock) *Monitor {
	return &Monitor{
		store:  st,
		clk:    clk,
		logger: logging.WithComponent("chains"),
	}
}

// StartChain opens a new chain for an admission attempt and records the
// START step. candidate carries the raw inputs so the chain can later be
// replayed without the original request.
func (m *Monitor) StartChain(symbol string, direction models.Direction, source string, candidate map[string]interface{}) *models.DecisionChain {
	now := m.clk.Now()
	nonce := strings.SplitN(uuid.New().String(), "-", 2)[0]

	chain := &models.DecisionChain{
		ChainID:       models.FormatChainID(symbol, direction, now, nonce),
		Symbol:        symbol,
		Direction:     direction,
		Source:        source,
		CreatedAt:     now,
		FinalDecision: models.DecisionPending,
	}
	chain.Steps = append(chain.Steps, models.DecisionStep{
		Stage:     models.StageStart,
		Decision:  models.DecisionApproved,
		Details:   candidate,
		Timestamp: now,
	})
	return chain
}

// AddStep appends a stage outcome to the chain.
func (m *Monitor) AddStep(chain *models.DecisionChain, stage string, decision models.Decision, reason string, details map[string]interface{}) {
	chain.Steps = append(chain.Steps, models.DecisionStep{
		Stage:     stage,
		Decision:  decision,
		Reason:    reason,
		Details:   details,
		Timestamp: m.clk.Now(),
	})
}

// LinkRecommendation attaches the admitted recommendation id to the chain.
func (m *Monitor) LinkRecommendation(chain *models.DecisionChain, recommendationID string) {
	chain.RecommendationID = recommendationID
}

// LinkExecution attaches the open execution id to the chain.
func (m *Monitor) LinkExecution(chain *models.DecisionChain, executionID string) {
	chain.ExecutionID = executionID
}

// Finalize seals the chain and persists it. The first REJECTED step wins;
// a chain with a PENDING step and no rejection was aborted mid-attempt and
// seals PENDING with the abort reason; only a fully approved run finalizes
// APPROVED. Finalizing an already finalized chain is a no-op.
func (m *Monitor) Finalize(ctx context.Context, chain *models.DecisionChain) error {
	if chain.EndAt == nil {
		end := m.clk.Now()
		chain.EndAt = &end
		chain.FinalDecision = models.DecisionApproved
		for _, step := range chain.Steps {
			if step.Decision == models.DecisionRejected {
				chain.FinalDecision = models.DecisionRejected
				chain.FinalReason = step.Reason
				break
			}
		}
		if chain.FinalDecision == models.DecisionApproved {
			for _, step := range chain.Steps {
				if step.Decision == models.DecisionPending {
					chain.FinalDecision = models.DecisionPending
					chain.FinalReason = step.Reason
					break
				}
			}
		}
	}

	if err := m.store.SaveDecisionChain(ctx, chain); err != nil {
		m.logger.Error("failed to persist decision chain", "chain_id", chain.ChainID, "error", err.Error())
		return fmt.Errorf("failed to persist decision chain: %w", err)
	}
	return nil
}

// Get returns one chain with its steps.
func (m *Monitor) Get(ctx context.Context, chainID string) (*models.DecisionChain, error) {
	return m.store.GetDecisionChain(ctx, chainID)
}

// Query returns chains matching the filter, newest first.
func (m *Monitor) Query(ctx context.Context, filter store.ChainFilter, page, limit int) ([]*models.DecisionChain, int, error) {
	return m.store.QueryDecisionChains(ctx, filter, page, limit)
}

// Stats summarizes chains for the reporting surface.
type Stats struct {
	Total       int                      `json:"total"`
	Approved    int                      `json:"approved"`
	Rejected    int                      `json:"rejected"`
	Pending     int                      `json:"pending"`
	ByStage     map[string]int           `json:"rejections_by_stage"`
	AvgDuration float64                  `json:"avg_duration_ms"`
	OldestChain *time.Time               `json:"oldest_chain,omitempty"`
	LatestChain *time.Time               `json:"latest_chain,omitempty"`
	ByDirection map[models.Direction]int `json:"by_direction"`
}

// ComputeStats aggregates chain outcomes across all persisted chains.
func (m *Monitor) ComputeStats(ctx context.Context) (*Stats, error) {
	all, _, err := m.store.QueryDecisionChains(ctx, store.ChainFilter{}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load chains for stats: %w", err)
	}

	stats := &Stats{
		ByStage:     make(map[string]int),
		ByDirection: make(map[models.Direction]int),
	}
	var totalDuration float64
	var finalized int
	for _, chain := range all {
		stats.Total++
		stats.ByDirection[chain.Direction]++
		switch chain.FinalDecision {
		case models.DecisionApproved:
			stats.Approved++
		case models.DecisionRejected:
			stats.Rejected++
			for _, step := range chain.Steps {
				if step.Decision == models.DecisionRejected {
					stats.ByStage[step.Stage]++
					break
				}
			}
		default:
			stats.Pending++
		}
		if chain.EndAt != nil {
			totalDuration += float64(chain.EndAt.Sub(chain.CreatedAt).Milliseconds())
			finalized++
		}
		created := chain.CreatedAt
		if stats.OldestChain == nil || created.Before(*stats.OldestChain) {
			c := created
			stats.OldestChain = &c
		}
		if stats.LatestChain == nil || created.After(*stats.LatestChain) {
			c := created
			stats.LatestChain = &c
		}
	}
	if finalized > 0 {
		stats.AvgDuration = totalDuration / float64(finalized)
	}
	return stats, nil
}
