// Package exposure maintains the in-memory aggregate of active positions
// consumed by the admission gates: per symbol/direction counts within the
// concurrency window, notional sums, last-created timestamps and rolling
// hourly admission counters. It is a derived cache; on restart it is
// rebuilt from the store's ACTIVE rows.
package exposure

import (
	"sync"
	"time"

	"recommendation-engine/internal/models"
)

// admissionRetention bounds how long admission timestamps are kept for the
// cooldown and hourly-cap lookbacks.
const admissionRetention = 24 * time.Hour

type key struct {
	symbol    string
	direction models.Direction
}

type position struct {
	id        string
	symbol    string
	direction models.Direction
	notional  float64
	createdAt time.Time
}

type admission struct {
	symbol    string
	direction models.Direction
	at        time.Time
}

// Index is the mutex-guarded exposure aggregate. Mutated only by the
// admission controller (on admit) and the lifecycle tracker (on close).
type Index struct {
	mu         sync.Mutex
	positions  map[string]*position // keyed by recommendation id
	admissions []admission
}

// NewIndex creates an empty exposure index.
func NewIndex() *Index {
	return &Index{positions: make(map[string]*position)}
}

// Rebuild replaces the active-position set from the store's ACTIVE rows.
// Admission history is preserved; it is not derivable from active rows.
func (ix *Index) Rebuild(recs []*models.Recommendation) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.positions = make(map[string]*position, len(recs))
	for _, rec := range recs {
		ix.positions[rec.ID] = &position{
			id:        rec.ID,
			symbol:    rec.Symbol,
			direction: rec.Direction,
			notional:  rec.Notional(),
			createdAt: rec.CreatedAt,
		}
		ix.admissions = append(ix.admissions, admission{
			symbol:    rec.Symbol,
			direction: rec.Direction,
			at:        rec.CreatedAt,
		})
	}
}

// Add records an admitted recommendation.
func (ix *Index) Add(rec *models.Recommendation) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.positions[rec.ID] = &position{
		id:        rec.ID,
		symbol:    rec.Symbol,
		direction: rec.Direction,
		notional:  rec.Notional(),
		createdAt: rec.CreatedAt,
	}
	ix.admissions = append(ix.admissions, admission{
		symbol:    rec.Symbol,
		direction: rec.Direction,
		at:        rec.CreatedAt,
	})
	ix.prune(rec.CreatedAt)
}

// Remove drops a closed recommendation from the active aggregates.
// Admission timestamps stay; cooldowns key off creation, not closure.
func (ix *Index) Remove(recommendationID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.positions, recommendationID)
}

// prune discards admission records older than the retention horizon.
// Caller holds the lock.
func (ix *Index) prune(now time.Time) {
	cutoff := now.Add(-admissionRetention)
	kept := ix.admissions[:0]
	for _, a := range ix.admissions {
		if a.at.After(cutoff) {
			kept = append(kept, a)
		}
	}
	ix.admissions = kept
}

// Snapshot is a consistent view of the aggregates taken once per admission
// attempt.
type Snapshot struct {
	Now time.Time

	TotalNotional     float64
	DirectionNotional map[models.Direction]float64

	countsInWindow map[key]int
	activeIDs      map[key][]string
	lastCreated    map[key]time.Time

	HourlyTotal       int
	HourlyByDirection map[models.Direction]int

	// Oldest in-window admissions; the hourly caps free a slot when these
	// age out of the rolling hour.
	HourlyOldest            time.Time
	HourlyOldestByDirection map[models.Direction]time.Time
}

// Snapshot computes the aggregates at now with the given concurrency
// window.
func (ix *Index) Snapshot(now time.Time, windowHours float64) Snapshot {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	snap := Snapshot{
		Now:               now,
		DirectionNotional: make(map[models.Direction]float64),
		countsInWindow:    make(map[key]int),
		activeIDs:         make(map[key][]string),
		lastCreated:       make(map[key]time.Time),
		HourlyByDirection: make(map[models.Direction]int),

		HourlyOldestByDirection: make(map[models.Direction]time.Time),
	}

	windowCutoff := now.Add(-time.Duration(windowHours * float64(time.Hour)))
	for _, pos := range ix.positions {
		snap.TotalNotional += pos.notional
		snap.DirectionNotional[pos.direction] += pos.notional

		k := key{symbol: pos.symbol, direction: pos.direction}
		snap.activeIDs[k] = append(snap.activeIDs[k], pos.id)
		if pos.createdAt.After(windowCutoff) {
			snap.countsInWindow[k]++
		}
	}

	hourCutoff := now.Add(-time.Hour)
	for _, a := range ix.admissions {
		k := key{symbol: a.symbol, direction: a.direction}
		if a.at.After(snap.lastCreated[k]) {
			snap.lastCreated[k] = a.at
		}
		if a.at.After(hourCutoff) {
			snap.HourlyTotal++
			snap.HourlyByDirection[a.direction]++
			if snap.HourlyOldest.IsZero() || a.at.Before(snap.HourlyOldest) {
				snap.HourlyOldest = a.at
			}
			if cur, ok := snap.HourlyOldestByDirection[a.direction]; !ok || a.at.Before(cur) {
				snap.HourlyOldestByDirection[a.direction] = a.at
			}
		}
	}

	return snap
}

// CountInWindow returns the active same symbol+direction count within the
// concurrency window.
func (s Snapshot) CountInWindow(symbol string, direction models.Direction) int {
	return s.countsInWindow[key{symbol: symbol, direction: direction}]
}

// ActiveIDs returns the ids of active positions for symbol+direction.
func (s Snapshot) ActiveIDs(symbol string, direction models.Direction) []string {
	return s.activeIDs[key{symbol: symbol, direction: direction}]
}

// LastCreatedAt returns the most recent admission time for
// symbol+direction, with ok=false when none is recorded.
func (s Snapshot) LastCreatedAt(symbol string, direction models.Direction) (time.Time, bool) {
	t, ok := s.lastCreated[key{symbol: symbol, direction: direction}]
	return t, ok && !t.IsZero()
}

// LastCreatedAny returns the most recent admission time across all
// symbols and directions, with ok=false when none is recorded.
func (s Snapshot) LastCreatedAny() (time.Time, bool) {
	var latest time.Time
	for _, t := range s.lastCreated {
		if t.After(latest) {
			latest = t
		}
	}
	return latest, !latest.IsZero()
}
