package chains

import (
	"context"
	"fmt"
	"sync"

	"recommendation-engine/internal/models"
)

// ReplayFunc re-runs the admission pipeline for a historical chain without
// side effects and returns the chain the pipeline would produce today. The
// admission controller supplies the implementation.
type ReplayFunc func(ctx context.Context, original *models.DecisionChain) (*models.DecisionChain, error)

// StageDifference is one stage whose outcome changed between the original
// run and the replay.
type StageDifference struct {
	Stage            string          `json:"stage"`
	OriginalDecision models.Decision `json:"original_decision"`
	ReplayDecision   models.Decision `json:"replay_decision"`
	OriginalReason   string          `json:"original_reason,omitempty"`
	ReplayReason     string          `json:"replay_reason,omitempty"`
}

// ReplayResult is the outcome of replaying one chain.
type ReplayResult struct {
	ChainID     string                `json:"chain_id"`
	Original    *models.DecisionChain `json:"original"`
	Replay      *models.DecisionChain `json:"replay"`
	Differences []StageDifference     `json:"differences"`
	Analysis    string                `json:"analysis"`
}

// BatchItem is the per-chain entry of a batch replay.
type BatchItem struct {
	ChainID     string `json:"chain_id"`
	Success     bool   `json:"success"`
	Matches     bool   `json:"matches_original"`
	Differences int    `json:"differences"`
	Error       string `json:"error,omitempty"`
}

// BatchResult summarizes a batch replay.
type BatchResult struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Results    []BatchItem `json:"results"`
	Summary    string      `json:"summary"`
}

// defaultBatchConcurrency bounds parallel replays when the request does not
// specify one.
const defaultBatchConcurrency = 4

// Replay re-evaluates one persisted chain with the current configuration
// and state, and diffs the outcomes stage by stage.
func (m *Monitor) Replay(ctx context.Context, chainID string, fn ReplayFunc) (*ReplayResult, error) {
	original, err := m.store.GetDecisionChain(ctx, chainID)
	if err != nil {
		return nil, err
	}

	replayed, err := fn(ctx, original)
	if err != nil {
		return nil, fmt.Errorf("failed to replay chain %s: %w", chainID, err)
	}

	result := &ReplayResult{
		ChainID:     chainID,
		Original:    original,
		Replay:      replayed,
		Differences: diffChains(original, replayed),
	}
	result.Analysis = analyze(original, replayed, result.Differences)
	return result, nil
}

// BatchReplay replays several chains in parallel. maxConcurrency <= 0
// falls back to the default.
func (m *Monitor) BatchReplay(ctx context.Context, chainIDs []string, maxConcurrency int, fn ReplayFunc) *BatchResult {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultBatchConcurrency
	}

	items := make([]BatchItem, len(chainIDs))
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, id := range chainIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := m.Replay(ctx, id, fn)
			if err != nil {
				items[i] = BatchItem{ChainID: id, Error: err.Error()}
				return
			}
			items[i] = BatchItem{
				ChainID:     id,
				Success:     true,
				Matches:     len(res.Differences) == 0,
				Differences: len(res.Differences),
			}
		}(i, id)
	}
	wg.Wait()

	batch := &BatchResult{Total: len(chainIDs), Results: items}
	matching := 0
	for _, item := range items {
		if item.Success {
			batch.Successful++
			if item.Matches {
				matching++
			}
		} else {
			batch.Failed++
		}
	}
	batch.Summary = fmt.Sprintf("%d/%d replayed, %d match the original decision, %d diverged, %d failed",
		batch.Successful, batch.Total, matching, batch.Successful-matching, batch.Failed)
	return batch
}

// diffChains aligns steps by stage name and reports every stage whose
// decision or reason changed, including stages present on only one side.
func diffChains(original, replay *models.DecisionChain) []StageDifference {
	origByStage := stepIndex(original)
	replayByStage := stepIndex(replay)

	var diffs []StageDifference
	seen := make(map[string]bool)
	for _, step := range original.Steps {
		if seen[step.Stage] {
			continue
		}
		seen[step.Stage] = true

		rstep, ok := replayByStage[step.Stage]
		if !ok {
			diffs = append(diffs, StageDifference{
				Stage:            step.Stage,
				OriginalDecision: step.Decision,
				OriginalReason:   step.Reason,
			})
			continue
		}
		if step.Decision != rstep.Decision || step.Reason != rstep.Reason {
			diffs = append(diffs, StageDifference{
				Stage:            step.Stage,
				OriginalDecision: step.Decision,
				ReplayDecision:   rstep.Decision,
				OriginalReason:   step.Reason,
				ReplayReason:     rstep.Reason,
			})
		}
	}
	for _, step := range replay.Steps {
		if seen[step.Stage] {
			continue
		}
		seen[step.Stage] = true
		if _, ok := origByStage[step.Stage]; !ok {
			diffs = append(diffs, StageDifference{
				Stage:          step.Stage,
				ReplayDecision: step.Decision,
				ReplayReason:   step.Reason,
			})
		}
	}
	return diffs
}

func stepIndex(chain *models.DecisionChain) map[string]models.DecisionStep {
	idx := make(map[string]models.DecisionStep, len(chain.Steps))
	for _, step := range chain.Steps {
		if _, exists := idx[step.Stage]; !exists {
			idx[step.Stage] = step
		}
	}
	return idx
}

func analyze(original, replay *models.DecisionChain, diffs []StageDifference) string {
	if len(diffs) == 0 {
		return "replay matches the original run at every stage"
	}
	stages := make([]string, 0, len(diffs))
	for _, d := range diffs {
		stages = append(stages, d.Stage)
	}
	if original.FinalDecision != replay.FinalDecision {
		msg := fmt.Sprintf("final decision changed from %s to %s; diverging stages: %v",
			original.FinalDecision, replay.FinalDecision, stages)
		if note := selfCollisionNote(original, diffs); note != "" {
			msg += "; " + note
		}
		return msg
	}
	return fmt.Sprintf("final decision unchanged (%s) but %d stage(s) diverged: %v",
		original.FinalDecision, len(diffs), stages)
}

// selfCollisionNote flags the expected divergence when an approved chain is
// replayed while its own admitted row is still active: the row trips the
// duplicate check against itself.
func selfCollisionNote(original *models.DecisionChain, diffs []StageDifference) string {
	if original.FinalDecision != models.DecisionApproved || original.RecommendationID == "" {
		return ""
	}
	for _, d := range diffs {
		if d.Stage == models.StageDuplicateCheck && d.ReplayDecision == models.DecisionRejected {
			return fmt.Sprintf("the admitted row %s from this chain may still be active and matching the duplicate check",
				original.RecommendationID)
		}
	}
	return ""
}
