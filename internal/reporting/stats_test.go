package reporting

import (
	"context"
	"math"
	"testing"
	"time"

	"recommendation-engine/internal/models"
	"recommendation-engine/internal/store"
)

func closedRec(id string, pnlPct, pnlAmt float64, exitReason, abGroup string, ev *float64, evOK *bool) *models.Recommendation {
	now := time.Now().UTC()
	exit := now.Add(2 * time.Hour)
	price := 100.0
	return &models.Recommendation{
		ID:         id,
		Symbol:     "BTCUSDT",
		Direction:  models.DirectionLong,
		EntryPrice: 100,
		Leverage:   1,
		Status:     models.StatusClosed,
		ExitPrice:  &price,
		ExitTime:   &exit,
		ExitReason: exitReason,
		PnlPercent: &pnlPct,
		PnlAmount:  &pnlAmt,
		ABGroup:    abGroup,
		EV:         ev,
		EVOK:       evOK,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }

func seed(t *testing.T, recs ...*models.Recommendation) *Reporter {
	t.Helper()
	st := store.NewMemoryStore()
	for _, rec := range recs {
		if _, err := st.InsertRecommendation(context.Background(), rec); err != nil {
			t.Fatalf("insert %s: %v", rec.ID, err)
		}
	}
	return NewReporter(st)
}

func TestOverallAggregate(t *testing.T) {
	r := seed(t,
		closedRec("a", 10, 5, models.ExitReasonTakeProfit, "", nil, nil),
		closedRec("b", -4, -2, models.ExitReasonStopLoss, "", nil, nil),
		closedRec("c", 6, 3, models.ExitReasonTakeProfit, "", nil, nil),
	)

	report, err := r.ComputeStats(context.Background(), Params{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	overall := report.Overall
	if overall.Count != 3 || overall.Wins != 2 || overall.Losses != 1 {
		t.Errorf("count/wins/losses = %d/%d/%d, want 3/2/1", overall.Count, overall.Wins, overall.Losses)
	}
	if math.Abs(overall.HitRate-2.0/3.0) > 1e-9 {
		t.Errorf("hit rate = %v, want 2/3", overall.HitRate)
	}
	if math.Abs(overall.AvgPnlPercent-4) > 1e-9 {
		t.Errorf("avg pnl = %v, want 4", overall.AvgPnlPercent)
	}
	if math.Abs(overall.TotalPnlAmount-6) > 1e-9 {
		t.Errorf("total pnl amount = %v, want 6", overall.TotalPnlAmount)
	}
	if overall.ByExitReason[models.ExitReasonTakeProfit] != 2 {
		t.Errorf("take-profit closes = %d, want 2", overall.ByExitReason[models.ExitReasonTakeProfit])
	}
}

func TestStatsExcludeActiveRows(t *testing.T) {
	active := closedRec("open", 0, 0, "", "", nil, nil)
	active.Status = models.StatusActive
	active.ExitPrice, active.ExitTime, active.PnlPercent, active.PnlAmount = nil, nil, nil, nil

	r := seed(t,
		active,
		closedRec("a", 10, 5, models.ExitReasonTakeProfit, "", nil, nil),
	)

	report, err := r.ComputeStats(context.Background(), Params{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if report.Overall.Count != 1 {
		t.Errorf("count = %d, want 1 (closed rows only)", report.Overall.Count)
	}
}

func TestByABGroupRequiresTwoGroups(t *testing.T) {
	r := seed(t,
		closedRec("a", 10, 5, models.ExitReasonTakeProfit, "control", nil, nil),
		closedRec("b", -4, -2, models.ExitReasonStopLoss, "variant", nil, nil),
		closedRec("c", 2, 1, models.ExitReasonTakeProfit, "variant", nil, nil),
	)

	one, _ := r.ComputeStats(context.Background(), Params{ABGroups: []string{"control"}})
	if one.ByABGroup != nil {
		t.Error("by_ab_group should be absent with a single group")
	}

	two, _ := r.ComputeStats(context.Background(), Params{ABGroups: []string{"control", "variant"}})
	if len(two.ByABGroup) != 2 {
		t.Fatalf("by_ab_group groups = %d, want 2", len(two.ByABGroup))
	}
	if two.ByABGroup["control"].Count != 1 || two.ByABGroup["variant"].Count != 2 {
		t.Errorf("group counts = %d/%d, want 1/2",
			two.ByABGroup["control"].Count, two.ByABGroup["variant"].Count)
	}
}

func TestEvenBins(t *testing.T) {
	r := seed(t,
		closedRec("a", 1, 1, models.ExitReasonTakeProfit, "", fptr(0.0), nil),
		closedRec("b", 2, 2, models.ExitReasonTakeProfit, "", fptr(0.25), nil),
		closedRec("c", 3, 3, models.ExitReasonTakeProfit, "", fptr(0.5), nil),
		closedRec("d", -1, -1, models.ExitReasonStopLoss, "", fptr(0.75), nil),
		closedRec("e", -2, -2, models.ExitReasonStopLoss, "", fptr(1.0), nil),
	)

	report, err := r.ComputeStats(context.Background(), Params{BinMode: BinModeEven, Bins: 2})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if report.BinMode != BinModeEven {
		t.Errorf("bin mode = %q, want even", report.BinMode)
	}
	if len(report.Bins) != 2 {
		t.Fatalf("bins = %d, want 2", len(report.Bins))
	}
	// [0, 0.5) holds a,b; [0.5, 1] holds c,d,e.
	if report.Bins[0].Count != 2 || report.Bins[1].Count != 3 {
		t.Errorf("bin counts = %d/%d, want 2/3", report.Bins[0].Count, report.Bins[1].Count)
	}
	total := 0
	for _, bin := range report.Bins {
		total += bin.Count
	}
	if total != 5 {
		t.Errorf("binned rows = %d, want every EV row in exactly one bin", total)
	}
}

func TestBinsClampedToRange(t *testing.T) {
	r := seed(t,
		closedRec("a", 1, 1, models.ExitReasonTakeProfit, "", fptr(0.1), nil),
		closedRec("b", 2, 2, models.ExitReasonTakeProfit, "", fptr(0.9), nil),
	)

	report, err := r.ComputeStats(context.Background(), Params{BinMode: BinModeEven, Bins: 99})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(report.Bins) > 12 {
		t.Errorf("bins = %d, want at most 12", len(report.Bins))
	}
}

func TestEVMetricsSubgroups(t *testing.T) {
	r := seed(t,
		closedRec("a", 10, 5, models.ExitReasonTakeProfit, "", fptr(0.1), bptr(true)),
		closedRec("b", 4, 2, models.ExitReasonTakeProfit, "", fptr(0.2), bptr(true)),
		closedRec("c", -4, -2, models.ExitReasonStopLoss, "", fptr(0.01), bptr(false)),
		closedRec("d", 1, 1, models.ExitReasonTakeProfit, "", nil, nil),
	)

	metrics, err := r.ComputeEVMetrics(context.Background(), false)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if metrics.EVOK.Count != 2 {
		t.Errorf("ev_ok count = %d, want 2", metrics.EVOK.Count)
	}
	if metrics.EVNotOK.Count != 1 {
		t.Errorf("ev_not_ok count = %d, want 1", metrics.EVNotOK.Count)
	}
	if metrics.NoEV.Count != 1 {
		t.Errorf("no_ev count = %d, want 1", metrics.NoEV.Count)
	}
}

func TestEVMetricsGroupedByThreshold(t *testing.T) {
	a := closedRec("a", 10, 5, models.ExitReasonTakeProfit, "", fptr(0.1), bptr(true))
	a.EVThreshold = fptr(0.05)
	b := closedRec("b", -2, -1, models.ExitReasonStopLoss, "", fptr(0.01), bptr(false))
	b.EVThreshold = fptr(0.05)
	c := closedRec("c", 3, 2, models.ExitReasonTakeProfit, "", fptr(0.2), bptr(true))
	c.EVThreshold = fptr(0.1)

	r := seed(t, a, b, c)
	metrics, err := r.ComputeEVMetrics(context.Background(), true)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(metrics.ByThreshold) != 2 {
		t.Fatalf("thresholds = %d, want 2", len(metrics.ByThreshold))
	}
	if metrics.ByThreshold["0.05"].Count != 2 {
		t.Errorf("threshold 0.05 count = %d, want 2", metrics.ByThreshold["0.05"].Count)
	}
	if metrics.ByThreshold["0.1"].Count != 1 {
		t.Errorf("threshold 0.1 count = %d, want 1", metrics.ByThreshold["0.1"].Count)
	}
}
