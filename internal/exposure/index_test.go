package exposure

import (
	"testing"
	"time"

	"recommendation-engine/internal/models"
)

func rec(id, symbol string, dir models.Direction, size, lev float64, createdAt time.Time) *models.Recommendation {
	return &models.Recommendation{
		ID:           id,
		Symbol:       symbol,
		Direction:    dir,
		EntryPrice:   100,
		PositionSize: size,
		Leverage:     lev,
		Status:       models.StatusActive,
		CreatedAt:    createdAt,
	}
}

func TestSnapshotAggregates(t *testing.T) {
	now := time.Now().UTC()
	ix := NewIndex()
	ix.Add(rec("a", "BTCUSDT", models.DirectionLong, 0.5, 2, now.Add(-time.Minute)))
	ix.Add(rec("b", "BTCUSDT", models.DirectionLong, 0.3, 1, now.Add(-2*time.Minute)))
	ix.Add(rec("c", "ETHUSDT", models.DirectionShort, 1.0, 3, now.Add(-3*time.Minute)))

	snap := ix.Snapshot(now, 24)

	if got := snap.CountInWindow("BTCUSDT", models.DirectionLong); got != 2 {
		t.Errorf("CountInWindow = %d, want 2", got)
	}
	if got := snap.CountInWindow("ETHUSDT", models.DirectionShort); got != 1 {
		t.Errorf("CountInWindow = %d, want 1", got)
	}
	wantTotal := 0.5*2 + 0.3*1 + 1.0*3
	if snap.TotalNotional != wantTotal {
		t.Errorf("TotalNotional = %v, want %v", snap.TotalNotional, wantTotal)
	}
	if snap.DirectionNotional[models.DirectionLong] != 1.3 {
		t.Errorf("long notional = %v, want 1.3", snap.DirectionNotional[models.DirectionLong])
	}
	if snap.HourlyTotal != 3 {
		t.Errorf("HourlyTotal = %d, want 3", snap.HourlyTotal)
	}
	if snap.HourlyByDirection[models.DirectionLong] != 2 {
		t.Errorf("hourly long = %d, want 2", snap.HourlyByDirection[models.DirectionLong])
	}
}

func TestConcurrencyWindowExcludesOldPositions(t *testing.T) {
	now := time.Now().UTC()
	ix := NewIndex()
	ix.Add(rec("old", "BTCUSDT", models.DirectionLong, 1, 1, now.Add(-30*time.Hour)))
	ix.Add(rec("new", "BTCUSDT", models.DirectionLong, 1, 1, now.Add(-time.Hour)))

	snap := ix.Snapshot(now, 24)
	if got := snap.CountInWindow("BTCUSDT", models.DirectionLong); got != 1 {
		t.Errorf("CountInWindow = %d, want 1 (old position outside window)", got)
	}
	// Notional caps count every active position regardless of age.
	if snap.TotalNotional != 2 {
		t.Errorf("TotalNotional = %v, want 2", snap.TotalNotional)
	}
}

func TestRemoveKeepsAdmissionHistory(t *testing.T) {
	now := time.Now().UTC()
	ix := NewIndex()
	ix.Add(rec("a", "BTCUSDT", models.DirectionLong, 1, 1, now.Add(-time.Minute)))
	ix.Remove("a")

	snap := ix.Snapshot(now, 24)
	if snap.TotalNotional != 0 {
		t.Errorf("TotalNotional = %v after remove, want 0", snap.TotalNotional)
	}
	if got := snap.CountInWindow("BTCUSDT", models.DirectionLong); got != 0 {
		t.Errorf("CountInWindow = %d after remove, want 0", got)
	}
	// Cooldowns key off creation time; the admission record survives.
	if _, ok := snap.LastCreatedAt("BTCUSDT", models.DirectionLong); !ok {
		t.Error("LastCreatedAt lost after remove, cooldowns would reset on close")
	}
	if snap.HourlyTotal != 1 {
		t.Errorf("HourlyTotal = %d after remove, want 1", snap.HourlyTotal)
	}
}

func TestRebuildReplacesPositions(t *testing.T) {
	now := time.Now().UTC()
	ix := NewIndex()
	ix.Add(rec("stale", "BTCUSDT", models.DirectionLong, 5, 1, now.Add(-time.Minute)))

	ix.Rebuild([]*models.Recommendation{
		rec("a", "ETHUSDT", models.DirectionShort, 1, 2, now.Add(-time.Minute)),
	})

	snap := ix.Snapshot(now, 24)
	if got := snap.CountInWindow("BTCUSDT", models.DirectionLong); got != 0 {
		t.Errorf("stale position survived rebuild, count = %d", got)
	}
	if got := snap.CountInWindow("ETHUSDT", models.DirectionShort); got != 1 {
		t.Errorf("rebuilt position missing, count = %d", got)
	}
	if snap.TotalNotional != 2 {
		t.Errorf("TotalNotional = %v, want 2", snap.TotalNotional)
	}
}

func TestLastCreatedAny(t *testing.T) {
	now := time.Now().UTC()
	ix := NewIndex()

	if _, ok := ix.Snapshot(now, 24).LastCreatedAny(); ok {
		t.Error("LastCreatedAny on empty index should report none")
	}

	ix.Add(rec("a", "BTCUSDT", models.DirectionLong, 1, 1, now.Add(-10*time.Minute)))
	ix.Add(rec("b", "ETHUSDT", models.DirectionShort, 1, 1, now.Add(-time.Minute)))

	last, ok := ix.Snapshot(now, 24).LastCreatedAny()
	if !ok {
		t.Fatal("expected a last admission time")
	}
	if want := now.Add(-time.Minute); !last.Equal(want) {
		t.Errorf("LastCreatedAny = %v, want %v", last, want)
	}
}

func TestSnapshotTracksHourlyOldest(t *testing.T) {
	now := time.Now().UTC()
	ix := NewIndex()
	ix.Add(rec("stale", "BTCUSDT", models.DirectionLong, 1, 1, now.Add(-2*time.Hour)))
	ix.Add(rec("a", "BTCUSDT", models.DirectionLong, 1, 1, now.Add(-50*time.Minute)))
	ix.Add(rec("b", "ETHUSDT", models.DirectionShort, 1, 1, now.Add(-10*time.Minute)))

	snap := ix.Snapshot(now, 24)
	// The two-hour-old admission sits outside the rolling hour.
	if snap.HourlyTotal != 2 {
		t.Errorf("HourlyTotal = %d, want 2", snap.HourlyTotal)
	}
	if want := now.Add(-50 * time.Minute); !snap.HourlyOldest.Equal(want) {
		t.Errorf("HourlyOldest = %v, want %v", snap.HourlyOldest, want)
	}
	if want := now.Add(-50 * time.Minute); !snap.HourlyOldestByDirection[models.DirectionLong].Equal(want) {
		t.Errorf("long oldest = %v, want %v", snap.HourlyOldestByDirection[models.DirectionLong], want)
	}
	if want := now.Add(-10 * time.Minute); !snap.HourlyOldestByDirection[models.DirectionShort].Equal(want) {
		t.Errorf("short oldest = %v, want %v", snap.HourlyOldestByDirection[models.DirectionShort], want)
	}
}
