package chains

import (
	"context"
	"strings"
	"testing"
	"time"

	"recommendation-engine/internal/clock"
	"recommendation-engine/internal/models"
	"recommendation-engine/internal/store"
)

func newMonitor() (*Monitor, *store.MemoryStore, *clock.Mock) {
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	return NewMonitor(st, clk), st, clk
}

func TestStartChainRecordsStartStep(t *testing.T) {
	m, _, clk := newMonitor()

	chain := m.StartChain("BTCUSDT", models.DirectionLong, models.SourceManual,
		map[string]interface{}{"entry_price": 50000.0})

	if !strings.HasPrefix(chain.ChainID, "CHAIN|BTCUSDT|LONG|") {
		t.Errorf("chain id = %q, want CHAIN|BTCUSDT|LONG|... prefix", chain.ChainID)
	}
	symbol, direction, created, err := models.ParseChainID(chain.ChainID)
	if err != nil {
		t.Fatalf("chain id does not parse: %v", err)
	}
	if symbol != "BTCUSDT" || direction != models.DirectionLong || !created.Equal(clk.Now()) {
		t.Errorf("parsed %s %s %v, want BTCUSDT LONG %v", symbol, direction, created, clk.Now())
	}

	if chain.FinalDecision != models.DecisionPending {
		t.Errorf("new chain decision = %s, want PENDING", chain.FinalDecision)
	}
	if len(chain.Steps) != 1 || chain.Steps[0].Stage != models.StageStart {
		t.Fatalf("new chain should carry exactly the START step, got %d steps", len(chain.Steps))
	}
	if chain.Steps[0].Details["entry_price"] != 50000.0 {
		t.Error("START step should capture the candidate inputs")
	}
}

func TestFinalizeFirstRejectWins(t *testing.T) {
	m, st, _ := newMonitor()

	chain := m.StartChain("BTCUSDT", models.DirectionLong, models.SourceManual, nil)
	m.AddStep(chain, models.StageBasicValidation, models.DecisionApproved, "", nil)
	m.AddStep(chain, models.StageCooldown, models.DecisionRejected, "same-direction cooldown active", nil)
	m.AddStep(chain, models.StageExposureLimit, models.DecisionRejected, "limit reached", nil)

	if err := m.Finalize(context.Background(), chain); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if chain.FinalDecision != models.DecisionRejected {
		t.Errorf("final = %s, want REJECTED", chain.FinalDecision)
	}
	if chain.FinalReason != "same-direction cooldown active" {
		t.Errorf("final_reason = %q, want the first reject's reason", chain.FinalReason)
	}
	if chain.EndAt == nil {
		t.Error("finalized chain must carry end_at")
	}

	persisted, err := st.GetDecisionChain(context.Background(), chain.ChainID)
	if err != nil {
		t.Fatalf("chain not persisted: %v", err)
	}
	if persisted.FinalDecision != models.DecisionRejected {
		t.Errorf("persisted final = %s, want REJECTED", persisted.FinalDecision)
	}
}

func TestFinalizeApprovedWhenNoReject(t *testing.T) {
	m, _, _ := newMonitor()

	chain := m.StartChain("BTCUSDT", models.DirectionLong, models.SourceManual, nil)
	m.AddStep(chain, models.StageBasicValidation, models.DecisionApproved, "", nil)
	m.AddStep(chain, models.StagePersist, models.DecisionApproved, "", nil)

	if err := m.Finalize(context.Background(), chain); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if chain.FinalDecision != models.DecisionApproved {
		t.Errorf("final = %s, want APPROVED", chain.FinalDecision)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	m, _, clk := newMonitor()

	chain := m.StartChain("BTCUSDT", models.DirectionLong, models.SourceManual, nil)
	m.AddStep(chain, models.StageCooldown, models.DecisionRejected, "cooldown", nil)

	if err := m.Finalize(context.Background(), chain); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	firstEnd := *chain.EndAt

	clk.Advance(time.Minute)
	if err := m.Finalize(context.Background(), chain); err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if !chain.EndAt.Equal(firstEnd) {
		t.Errorf("end_at moved from %v to %v on second finalize", firstEnd, chain.EndAt)
	}
	if chain.FinalDecision != models.DecisionRejected {
		t.Errorf("final = %s after second finalize, want REJECTED unchanged", chain.FinalDecision)
	}
}

func TestLinkRecommendationAndExecution(t *testing.T) {
	m, st, _ := newMonitor()

	chain := m.StartChain("BTCUSDT", models.DirectionLong, models.SourceManual, nil)
	m.LinkRecommendation(chain, "rec-1")
	m.LinkExecution(chain, "exec-1")
	m.AddStep(chain, models.StagePersist, models.DecisionApproved, "", nil)
	m.Finalize(context.Background(), chain)

	persisted, _ := st.GetDecisionChain(context.Background(), chain.ChainID)
	if persisted.RecommendationID != "rec-1" || persisted.ExecutionID != "exec-1" {
		t.Errorf("links = %q/%q, want rec-1/exec-1", persisted.RecommendationID, persisted.ExecutionID)
	}
}

func TestReplayIdenticalInputsNoDifferences(t *testing.T) {
	m, _, _ := newMonitor()

	chain := m.StartChain("BTCUSDT", models.DirectionLong, models.SourceManual, nil)
	m.AddStep(chain, models.StageBasicValidation, models.DecisionApproved, "", nil)
	m.AddStep(chain, models.StagePersist, models.DecisionApproved, "", nil)
	m.Finalize(context.Background(), chain)

	identical := func(_ context.Context, original *models.DecisionChain) (*models.DecisionChain, error) {
		cp := *original
		return &cp, nil
	}
	result, err := m.Replay(context.Background(), chain.ChainID, identical)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Differences) != 0 {
		t.Errorf("differences = %v, want none for identical inputs", result.Differences)
	}
}

func TestReplayReportsDivergingStage(t *testing.T) {
	m, _, clk := newMonitor()

	chain := m.StartChain("BTCUSDT", models.DirectionLong, models.SourceManual, nil)
	m.AddStep(chain, models.StageCooldown, models.DecisionApproved, "", nil)
	m.AddStep(chain, models.StagePersist, models.DecisionApproved, "", nil)
	m.Finalize(context.Background(), chain)

	flipped := func(_ context.Context, original *models.DecisionChain) (*models.DecisionChain, error) {
		now := clk.Now()
		end := now
		return &models.DecisionChain{
			ChainID:       original.ChainID,
			Symbol:        original.Symbol,
			Direction:     original.Direction,
			CreatedAt:     now,
			EndAt:         &end,
			FinalDecision: models.DecisionRejected,
			FinalReason:   "cooldown now active",
			Steps: []models.DecisionStep{
				{Stage: models.StageStart, Decision: models.DecisionApproved, Timestamp: now},
				{Stage: models.StageCooldown, Decision: models.DecisionRejected, Reason: "cooldown now active", Timestamp: now},
			},
		}, nil
	}
	result, err := m.Replay(context.Background(), chain.ChainID, flipped)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Differences) == 0 {
		t.Fatal("expected differences when the replay rejects")
	}
	var sawCooldown bool
	for _, d := range result.Differences {
		if d.Stage == models.StageCooldown {
			sawCooldown = true
			if d.OriginalDecision != models.DecisionApproved || d.ReplayDecision != models.DecisionRejected {
				t.Errorf("cooldown diff = %s -> %s, want APPROVED -> REJECTED", d.OriginalDecision, d.ReplayDecision)
			}
		}
	}
	if !sawCooldown {
		t.Errorf("differences %v missed the COOLDOWN stage", result.Differences)
	}
	if !strings.Contains(result.Analysis, "final decision changed") {
		t.Errorf("analysis = %q, want note about the changed final decision", result.Analysis)
	}
}

func TestBatchReplayAggregates(t *testing.T) {
	m, _, _ := newMonitor()

	var ids []string
	for i := 0; i < 3; i++ {
		chain := m.StartChain("BTCUSDT", models.DirectionLong, models.SourceManual, nil)
		m.AddStep(chain, models.StagePersist, models.DecisionApproved, "", nil)
		m.Finalize(context.Background(), chain)
		ids = append(ids, chain.ChainID)
	}
	ids = append(ids, "CHAIN|BTCUSDT|LONG|0|missing")

	identical := func(_ context.Context, original *models.DecisionChain) (*models.DecisionChain, error) {
		cp := *original
		return &cp, nil
	}
	result := m.BatchReplay(context.Background(), ids, 2, identical)

	if result.Total != 4 {
		t.Errorf("total = %d, want 4", result.Total)
	}
	if result.Successful != 3 {
		t.Errorf("successful = %d, want 3", result.Successful)
	}
	if result.Failed != 1 {
		t.Errorf("failed = %d, want 1", result.Failed)
	}
	for i, item := range result.Results[:3] {
		if !item.Matches {
			t.Errorf("result %d should match the original", i)
		}
	}
	if result.Results[3].Error == "" {
		t.Error("missing chain should report an error")
	}
}

func TestFinalizePendingOnAbortedAttempt(t *testing.T) {
	m, st, _ := newMonitor()

	chain := m.StartChain("BTCUSDT", models.DirectionLong, models.SourceManual, nil)
	m.AddStep(chain, models.StageBasicValidation, models.DecisionApproved, "", nil)
	m.AddStep(chain, models.StagePersist, models.DecisionPending, "admission cancelled: context canceled", nil)

	if err := m.Finalize(context.Background(), chain); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if chain.FinalDecision != models.DecisionPending {
		t.Errorf("final decision = %s, want PENDING", chain.FinalDecision)
	}
	if chain.FinalReason != "admission cancelled: context canceled" {
		t.Errorf("final reason = %q, want the abort cause", chain.FinalReason)
	}

	persisted, err := st.GetDecisionChain(context.Background(), chain.ChainID)
	if err != nil {
		t.Fatalf("get persisted chain: %v", err)
	}
	if persisted.FinalDecision != models.DecisionPending {
		t.Errorf("persisted decision = %s, want PENDING", persisted.FinalDecision)
	}
}

func TestFinalizeRejectWinsOverPending(t *testing.T) {
	m, _, _ := newMonitor()

	chain := m.StartChain("BTCUSDT", models.DirectionLong, models.SourceManual, nil)
	m.AddStep(chain, models.StageCooldown, models.DecisionRejected, "cooldown active", nil)
	m.AddStep(chain, models.StagePersist, models.DecisionPending, "store unavailable", nil)

	if err := m.Finalize(context.Background(), chain); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if chain.FinalDecision != models.DecisionRejected {
		t.Errorf("final decision = %s, want REJECTED", chain.FinalDecision)
	}
	if chain.FinalReason != "cooldown active" {
		t.Errorf("final reason = %q, want the rejection reason", chain.FinalReason)
	}
}

func TestAnalyzeFlagsSelfDuplicateCollision(t *testing.T) {
	original := &models.DecisionChain{
		FinalDecision:    models.DecisionApproved,
		RecommendationID: "rec-1",
	}
	replay := &models.DecisionChain{FinalDecision: models.DecisionRejected}
	diffs := []StageDifference{{
		Stage:            models.StageDuplicateCheck,
		OriginalDecision: models.DecisionApproved,
		ReplayDecision:   models.DecisionRejected,
		ReplayReason:     "entry within 5.0 bps of an active recommendation",
	}}

	got := analyze(original, replay, diffs)
	if !strings.Contains(got, "rec-1") || !strings.Contains(got, "still be active") {
		t.Errorf("analysis = %q, want the self-collision note", got)
	}
}
