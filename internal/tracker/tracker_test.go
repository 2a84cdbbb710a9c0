package tracker

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"recommendation-engine/config"
	"recommendation-engine/internal/clock"
	"recommendation-engine/internal/events"
	"recommendation-engine/internal/exposure"
	"recommendation-engine/internal/models"
	"recommendation-engine/internal/pricefeed"
	"recommendation-engine/internal/store"
)

type fixture struct {
	store   *store.MemoryStore
	feed    *pricefeed.Feed
	ix      *exposure.Index
	runtime *config.RuntimeManager
	clk     *clock.Mock
	tracker *Tracker
}

func newFixture(t *testing.T, patch map[string]interface{}) *fixture {
	t.Helper()

	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	feed := pricefeed.New(clk, nil)
	ix := exposure.NewIndex()
	runtime := config.NewRuntimeManager("")
	if patch != nil {
		if _, _, err := runtime.Apply(patch); err != nil {
			t.Fatalf("apply runtime patch: %v", err)
		}
	}

	return &fixture{
		store:   st,
		feed:    feed,
		ix:      ix,
		runtime: runtime,
		clk:     clk,
		tracker: New(st, feed, ix, runtime, events.NewBus(), clk, time.Second),
	}
}

func (f *fixture) insert(t *testing.T, rec *models.Recommendation) {
	t.Helper()
	rec.Status = models.StatusActive
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = f.clk.Now()
	}
	rec.UpdatedAt = rec.CreatedAt
	if _, err := f.store.InsertRecommendation(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	f.ix.Add(rec)
}

func (f *fixture) get(t *testing.T, id string) *models.Recommendation {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func TestTimeoutCloseAfterMaxHolding(t *testing.T) {
	f := newFixture(t, map[string]interface{}{
		"max_holding_hours":   24,
		"min_holding_minutes": 0,
	})
	f.insert(t, &models.Recommendation{
		ID: "r1", Symbol: "TS-1", Direction: models.DirectionLong,
		EntryPrice: 1000, Leverage: 1, PositionSize: 10,
		CreatedAt: f.clk.Now().Add(-25 * time.Hour),
	})
	f.feed.Update("TS-1", 1000)

	f.tracker.Tick(context.Background())

	rec := f.get(t, "r1")
	if rec.Status != models.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", rec.Status)
	}
	if rec.ExitReason != models.ExitReasonTimeout {
		t.Errorf("exit_reason = %q, want TIMEOUT", rec.ExitReason)
	}
	if rec.ExitTime == nil || rec.ExitPrice == nil {
		t.Fatal("exit_time and exit_price must be set on close")
	}

	active, _ := f.store.ListActive(context.Background(), store.ActiveFilter{})
	if len(active) != 0 {
		t.Errorf("active rows = %d, want 0 after timeout close", len(active))
	}
}

func TestTimeoutDeferredUnderHoldingFloor(t *testing.T) {
	f := newFixture(t, map[string]interface{}{
		"max_holding_hours":   1,
		"min_holding_minutes": 180,
	})
	f.insert(t, &models.Recommendation{
		ID: "r1", Symbol: "BTCUSDT", Direction: models.DirectionLong,
		EntryPrice: 50000, Leverage: 1, PositionSize: 1,
		CreatedAt: f.clk.Now().Add(-2 * time.Hour),
	})
	f.feed.Update("BTCUSDT", 50000)

	f.tracker.Tick(context.Background())

	if rec := f.get(t, "r1"); rec.Status != models.StatusActive {
		t.Fatalf("status = %s, want ACTIVE (deferred under holding floor)", rec.Status)
	}
	samples := f.store.Samples("r1")
	if len(samples) == 0 || samples[len(samples)-1].Extra["deferred_exit"] != models.ExitReasonTimeout {
		t.Error("expected monitoring sample recording the deferred TIMEOUT")
	}

	// Past the floor the same condition closes.
	f.clk.Advance(2 * time.Hour)
	f.tracker.Tick(context.Background())
	if rec := f.get(t, "r1"); rec.Status != models.StatusClosed || rec.ExitReason != models.ExitReasonTimeout {
		t.Errorf("after floor: status = %s reason = %q, want CLOSED TIMEOUT", rec.Status, rec.ExitReason)
	}
}

func TestStopLossCloseFillsAtTriggerLevel(t *testing.T) {
	f := newFixture(t, nil)
	f.insert(t, &models.Recommendation{
		ID: "r1", Symbol: "BTCUSDT", Direction: models.DirectionLong,
		EntryPrice: 1000, Leverage: 2, PositionSize: 100,
		StopLossPrice: 950,
	})
	f.feed.Update("BTCUSDT", 940)

	f.tracker.Tick(context.Background())

	rec := f.get(t, "r1")
	if rec.Status != models.StatusClosed || rec.ExitReason != models.ExitReasonStopLoss {
		t.Fatalf("status = %s reason = %q, want CLOSED STOP_LOSS", rec.Status, rec.ExitReason)
	}
	if *rec.ExitPrice != 950 {
		t.Errorf("exit_price = %v, want trigger level 950", *rec.ExitPrice)
	}
	// ((950-1000)/1000)*2*100 = -10%
	if math.Abs(*rec.PnlPercent-(-10)) > 1e-6 {
		t.Errorf("pnl_percent = %v, want -10", *rec.PnlPercent)
	}
	if math.Abs(*rec.PnlAmount-(-10)) > 1e-6 {
		t.Errorf("pnl_amount = %v, want -10", *rec.PnlAmount)
	}
}

func TestTakeProfitCloseShort(t *testing.T) {
	f := newFixture(t, nil)
	f.insert(t, &models.Recommendation{
		ID: "r1", Symbol: "ETHUSDT", Direction: models.DirectionShort,
		EntryPrice: 2600, Leverage: 1, PositionSize: 1,
		TakeProfitPrice: 2500,
	})
	f.feed.Update("ETHUSDT", 2490)

	f.tracker.Tick(context.Background())

	rec := f.get(t, "r1")
	if rec.Status != models.StatusClosed || rec.ExitReason != models.ExitReasonTakeProfit {
		t.Fatalf("status = %s reason = %q, want CLOSED TAKE_PROFIT", rec.Status, rec.ExitReason)
	}
	if *rec.PnlPercent <= 0 {
		t.Errorf("pnl_percent = %v, want profit on a short into falling price", *rec.PnlPercent)
	}
}

func TestPartialTPReducesThenFinalCloses(t *testing.T) {
	f := newFixture(t, nil)
	f.insert(t, &models.Recommendation{
		ID: "r1", Symbol: "BTCUSDT", Direction: models.DirectionLong,
		EntryPrice: 1000, Leverage: 1, PositionSize: 90,
		StopLossPrice: 950,
		TP1Price:      1020, TP2Price: 1040, TP3Price: 1060,
	})

	// TP1: reduce, move stop to breakeven, stay active.
	f.feed.Update("BTCUSDT", 1021)
	f.tracker.Tick(context.Background())

	rec := f.get(t, "r1")
	if rec.Status != models.StatusActive {
		t.Fatalf("status after TP1 = %s, want ACTIVE", rec.Status)
	}
	if !rec.TP1Hit || rec.TP2Hit || rec.TP3Hit {
		t.Errorf("tp hits = %v/%v/%v, want true/false/false", rec.TP1Hit, rec.TP2Hit, rec.TP3Hit)
	}
	if rec.ReductionCount != 1 {
		t.Errorf("reduction_count = %d, want 1", rec.ReductionCount)
	}
	if rec.StopLossPrice != 1000 {
		t.Errorf("stop after TP1 = %v, want breakeven 1000", rec.StopLossPrice)
	}
	if execs := f.store.Executions("r1"); len(execs) != 1 || execs[0].EventType != models.ExecutionReduce {
		t.Errorf("expected one REDUCE execution after TP1, got %d", len(execs))
	}

	// TP2: second reduction, count strictly increases, tp1_hit stays true.
	f.feed.Update("BTCUSDT", 1041)
	f.tracker.Tick(context.Background())

	rec = f.get(t, "r1")
	if !rec.TP1Hit || !rec.TP2Hit {
		t.Errorf("tp hits after TP2 = %v/%v, want true/true", rec.TP1Hit, rec.TP2Hit)
	}
	if rec.ReductionCount != 2 {
		t.Errorf("reduction_count = %d, want 2", rec.ReductionCount)
	}
	if rec.Status != models.StatusActive {
		t.Fatalf("status after TP2 = %s, want ACTIVE", rec.Status)
	}

	// TP3 is the final level: close.
	f.feed.Update("BTCUSDT", 1061)
	f.tracker.Tick(context.Background())

	rec = f.get(t, "r1")
	if rec.Status != models.StatusClosed || rec.ExitReason != models.ExitReasonTakeProfit {
		t.Fatalf("status = %s reason = %q, want CLOSED TAKE_PROFIT", rec.Status, rec.ExitReason)
	}
	if *rec.ExitPrice != 1060 {
		t.Errorf("exit_price = %v, want final TP level 1060", *rec.ExitPrice)
	}
}

func TestTrailingStopAfterBreakeven(t *testing.T) {
	f := newFixture(t, map[string]interface{}{
		"trailing": map[string]interface{}{
			"enabled":               true,
			"activate_on_breakeven": true,
			"percent":               1,
			"min_step":              0,
		},
	})
	f.insert(t, &models.Recommendation{
		ID: "r1", Symbol: "ETHUSDT", Direction: models.DirectionLong,
		EntryPrice: 2600, Leverage: 1, PositionSize: 1,
	})

	// Price above entry arms the trail and lifts the stop to breakeven.
	f.feed.Update("ETHUSDT", 2650)
	f.tracker.Tick(context.Background())
	if rec := f.get(t, "r1"); rec.StopLossPrice != 2600 {
		t.Fatalf("stop = %v, want breakeven 2600", rec.StopLossPrice)
	}

	// +4%: the stop trails 1% under the new high.
	f.feed.Update("ETHUSDT", 2704)
	f.tracker.Tick(context.Background())
	rec := f.get(t, "r1")
	wantStop := 2704 * 0.99
	if math.Abs(rec.StopLossPrice-wantStop) > 1e-9 {
		t.Fatalf("stop = %v, want %v", rec.StopLossPrice, wantStop)
	}

	// Pullback below the trailed stop closes as STOP_LOSS near the stop.
	f.feed.Update("ETHUSDT", 2650)
	f.tracker.Tick(context.Background())
	rec = f.get(t, "r1")
	if rec.Status != models.StatusClosed || rec.ExitReason != models.ExitReasonStopLoss {
		t.Fatalf("status = %s reason = %q, want CLOSED STOP_LOSS", rec.Status, rec.ExitReason)
	}
	if math.Abs(*rec.ExitPrice-wantStop) > 1e-9 {
		t.Errorf("exit_price = %v, want %v", *rec.ExitPrice, wantStop)
	}
}

func TestTrailingStopNeverRetreats(t *testing.T) {
	f := newFixture(t, map[string]interface{}{
		"trailing": map[string]interface{}{
			"enabled":               true,
			"activate_on_breakeven": true,
			"percent":               1,
			"min_step":              0,
		},
	})
	f.insert(t, &models.Recommendation{
		ID: "r1", Symbol: "ETHUSDT", Direction: models.DirectionLong,
		EntryPrice: 2600, Leverage: 1, PositionSize: 1,
	})

	f.feed.Update("ETHUSDT", 2704)
	f.tracker.Tick(context.Background())
	high := f.get(t, "r1").StopLossPrice

	// A smaller favourable price must not lower the stop.
	f.feed.Update("ETHUSDT", 2690)
	f.tracker.Tick(context.Background())
	if got := f.get(t, "r1").StopLossPrice; got < high {
		t.Errorf("stop retreated from %v to %v", high, got)
	}
}

func TestManualCloseWinsOverStopLoss(t *testing.T) {
	f := newFixture(t, nil)
	f.insert(t, &models.Recommendation{
		ID: "r1", Symbol: "BTCUSDT", Direction: models.DirectionLong,
		EntryPrice: 1000, Leverage: 1, PositionSize: 1,
		StopLossPrice:        950,
		ManualCloseRequested: true,
		ManualCloseLabel:     "operator request",
	})
	// Stop is crossed in the same tick; MANUAL still wins.
	f.feed.Update("BTCUSDT", 940)

	f.tracker.Tick(context.Background())

	rec := f.get(t, "r1")
	if rec.Status != models.StatusClosed || rec.ExitReason != models.ExitReasonManual {
		t.Fatalf("status = %s reason = %q, want CLOSED MANUAL", rec.Status, rec.ExitReason)
	}
	if rec.ExitLabel != "operator request" {
		t.Errorf("exit_label = %q, want the supplied label", rec.ExitLabel)
	}
	if *rec.ExitPrice != 940 {
		t.Errorf("exit_price = %v, want current price 940", *rec.ExitPrice)
	}
}

func TestNoPriceSkipsRow(t *testing.T) {
	f := newFixture(t, nil)
	f.insert(t, &models.Recommendation{
		ID: "r1", Symbol: "NOFEED", Direction: models.DirectionLong,
		EntryPrice: 1000, Leverage: 1, PositionSize: 1,
		StopLossPrice: 990,
	})

	f.tracker.Tick(context.Background())

	if rec := f.get(t, "r1"); rec.Status != models.StatusActive {
		t.Fatalf("status = %s, want ACTIVE when no price is available", rec.Status)
	}
	samples := f.store.Samples("r1")
	if len(samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(samples))
	}
	if samples[0].CurrentPrice != nil {
		t.Error("sample price should be nil when the feed has no tick")
	}
}

// flakyStore fails CloseRecommendation until armed to succeed.
type flakyStore struct {
	*store.MemoryStore
	failClose bool
}

func (s *flakyStore) CloseRecommendation(ctx context.Context, id string, req store.CloseRequest) (*models.Recommendation, error) {
	if s.failClose {
		return nil, errors.New("simulated write failure")
	}
	return s.MemoryStore.CloseRecommendation(ctx, id, req)
}

func TestClosePendingRetryCompletesClose(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failClose: true}
	feed := pricefeed.New(clk, nil)
	ix := exposure.NewIndex()
	runtime := config.NewRuntimeManager("")
	trk := New(st, feed, ix, runtime, events.NewBus(), clk, time.Second)

	rec := &models.Recommendation{
		ID: "r1", Symbol: "BTCUSDT", Direction: models.DirectionLong,
		EntryPrice: 1000, Leverage: 1, PositionSize: 1,
		StopLossPrice: 950,
		Status:        models.StatusActive,
		CreatedAt:     clk.Now(),
	}
	st.InsertRecommendation(context.Background(), rec)
	ix.Add(rec)
	feed.Update("BTCUSDT", 940)

	// All retries fail: the row is marked close_pending, never dropped.
	trk.Tick(context.Background())
	got, _ := st.Get(context.Background(), "r1")
	if got.Status != models.StatusActive || !got.ClosePending {
		t.Fatalf("status = %s close_pending = %v, want ACTIVE with close_pending", got.Status, got.ClosePending)
	}

	// Store recovers: the next tick completes the close.
	st.failClose = false
	trk.Tick(context.Background())
	got, _ = st.Get(context.Background(), "r1")
	if got.Status != models.StatusClosed {
		t.Fatalf("status = %s, want CLOSED after close_pending retry", got.Status)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	f.tracker.Start()
	f.tracker.Start()
	if !f.tracker.IsRunning() {
		t.Fatal("tracker should be running after Start")
	}

	f.tracker.Stop()
	f.tracker.Stop()
	if f.tracker.IsRunning() {
		t.Fatal("tracker should be stopped after Stop")
	}
}
