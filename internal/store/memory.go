package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"recommendation-engine/internal/models"
)

// MemoryStore is the mutex-guarded in-memory Store. It backs tests and
// deployments without a configured database. Reads return copies so callers
// never share row memory with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	recs    map[string]*models.Recommendation
	chains  map[string]*models.DecisionChain
	execs   []*models.Execution
	samples []*models.MonitoringSample
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recs:   make(map[string]*models.Recommendation),
		chains: make(map[string]*models.DecisionChain),
	}
}

// InsertRecommendation persists a new row, rejecting duplicate ids.
func (s *MemoryStore) InsertRecommendation(_ context.Context, rec *models.Recommendation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recs[rec.ID]; exists {
		return "", ErrDuplicateID
	}
	cp := copyRec(rec)
	s.recs[rec.ID] = cp
	return rec.ID, nil
}

// UpdateRecommendation applies a partial patch under the store lock.
func (s *MemoryStore) UpdateRecommendation(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.recs[id]
	if !exists {
		return ErrNotFound
	}
	applyPatch(rec, patch)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// CloseRecommendation transitions an ACTIVE row to CLOSED. On terminal rows
// it is a no-op returning the persisted outcome with ErrNotActive.
func (s *MemoryStore) CloseRecommendation(_ context.Context, id string, req CloseRequest) (*models.Recommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.recs[id]
	if !exists {
		return nil, ErrNotFound
	}
	if rec.Status != models.StatusActive {
		return copyRec(rec), ErrNotActive
	}

	closeRow(rec, req)
	return copyRec(rec), nil
}

// Get returns one row by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.recs[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyRec(rec), nil
}

// ListActive returns ACTIVE rows matching the filter, oldest first.
func (s *MemoryStore) ListActive(_ context.Context, filter ActiveFilter) ([]*models.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Recommendation
	for _, rec := range s.recs {
		if rec.Status != models.StatusActive {
			continue
		}
		if filter.Symbol != "" && !strings.EqualFold(rec.Symbol, filter.Symbol) {
			continue
		}
		if filter.Direction != "" && rec.Direction != filter.Direction {
			continue
		}
		out = append(out, copyRec(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Query returns rows matching the filter with paging, newest first, plus
// the total match count.
func (s *MemoryStore) Query(_ context.Context, filter QueryFilter, page, limit int) ([]*models.Recommendation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Recommendation
	for _, rec := range s.recs {
		if !matchQuery(rec, filter) {
			continue
		}
		matched = append(matched, copyRec(rec))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	start, end := pageBounds(total, page, limit)
	return matched[start:end], total, nil
}

// SaveExecution appends an execution row.
func (s *MemoryStore) SaveExecution(_ context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *exec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.execs = append(s.execs, &cp)
	return nil
}

// Executions returns all executions for a recommendation, oldest first.
// Used by reporting and tests.
func (s *MemoryStore) Executions(recommendationID string) []*models.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Execution
	for _, e := range s.execs {
		if recommendationID == "" || e.RecommendationID == recommendationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// SaveDecisionChain inserts or replaces a chain by chain id.
func (s *MemoryStore) SaveDecisionChain(_ context.Context, chain *models.DecisionChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chains[chain.ChainID] = copyChain(chain)
	return nil
}

// GetDecisionChain returns one chain by id.
func (s *MemoryStore) GetDecisionChain(_ context.Context, id string) (*models.DecisionChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, exists := s.chains[id]
	if !exists {
		return nil, ErrChainNotFound
	}
	return copyChain(chain), nil
}

// QueryDecisionChains returns chains matching the filter, newest first.
func (s *MemoryStore) QueryDecisionChains(_ context.Context, filter ChainFilter, page, limit int) ([]*models.DecisionChain, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.DecisionChain
	for _, chain := range s.chains {
		if filter.Symbol != "" && !strings.EqualFold(chain.Symbol, filter.Symbol) {
			continue
		}
		if filter.Status != "" && chain.FinalDecision != filter.Status {
			continue
		}
		matched = append(matched, copyChain(chain))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	start, end := pageBounds(total, page, limit)
	return matched[start:end], total, nil
}

// SaveMonitoringSample appends a monitoring sample.
func (s *MemoryStore) SaveMonitoringSample(_ context.Context, sample *models.MonitoringSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sample
	s.samples = append(s.samples, &cp)
	return nil
}

// Samples returns monitoring samples for a recommendation, oldest first.
func (s *MemoryStore) Samples(recommendationID string) []*models.MonitoringSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.MonitoringSample
	for _, m := range s.samples {
		if recommendationID == "" || m.RecommendationID == recommendationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

// SetCreatedAt backdates a row. Test helper; the tracker's timeout handling
// is exercised without sleeping.
func (s *MemoryStore) SetCreatedAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, exists := s.recs[id]; exists {
		rec.CreatedAt = t.UTC()
	}
}

func matchQuery(rec *models.Recommendation, filter QueryFilter) bool {
	if filter.Symbol != "" && !strings.EqualFold(rec.Symbol, filter.Symbol) {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.Source != "" && rec.Source != filter.Source {
		return false
	}
	if filter.ABGroup != "" && rec.ABGroup != filter.ABGroup {
		return false
	}
	if filter.Start != nil && rec.CreatedAt.Before(*filter.Start) {
		return false
	}
	if filter.End != nil && rec.CreatedAt.After(*filter.End) {
		return false
	}
	return true
}

func pageBounds(total, page, limit int) (int, int) {
	if limit <= 0 {
		return 0, total
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return start, end
}

// closeRow writes the terminal fields in place. Caller holds the lock.
func closeRow(rec *models.Recommendation, req CloseRequest) {
	exitPrice := req.ExitPrice
	exitTime := req.ExitTime.UTC()
	rec.Status = models.StatusClosed
	rec.ExitPrice = &exitPrice
	rec.ExitTime = &exitTime
	rec.ExitReason = req.Reason
	rec.ExitLabel = req.Label
	if rec.ExitLabel == "" {
		rec.ExitLabel = req.Reason
	}
	pnlPercent := req.PnlPercent
	pnlAmount := req.PnlAmount
	rec.PnlPercent = &pnlPercent
	rec.PnlAmount = &pnlAmount
	rec.ClosePending = false
	rec.UpdatedAt = time.Now().UTC()
}

func applyPatch(rec *models.Recommendation, patch Patch) {
	if patch.CurrentPrice != nil {
		rec.CurrentPrice = *patch.CurrentPrice
	}
	if patch.StopLossPrice != nil {
		rec.StopLossPrice = *patch.StopLossPrice
	}
	if patch.TakeProfitPrice != nil {
		rec.TakeProfitPrice = *patch.TakeProfitPrice
	}
	if patch.TP1Hit != nil {
		rec.TP1Hit = *patch.TP1Hit
	}
	if patch.TP2Hit != nil {
		rec.TP2Hit = *patch.TP2Hit
	}
	if patch.TP3Hit != nil {
		rec.TP3Hit = *patch.TP3Hit
	}
	if patch.ReductionCount != nil {
		rec.ReductionCount = *patch.ReductionCount
	}
	if patch.ReductionRatio != nil {
		rec.ReductionRatio = *patch.ReductionRatio
	}
	if patch.EVOK != nil {
		rec.EVOK = patch.EVOK
	}
	if patch.ClosePending != nil {
		rec.ClosePending = *patch.ClosePending
	}
	if patch.ManualCloseRequested != nil {
		rec.ManualCloseRequested = *patch.ManualCloseRequested
	}
	if patch.ManualCloseLabel != nil {
		rec.ManualCloseLabel = *patch.ManualCloseLabel
	}
}

func copyRec(rec *models.Recommendation) *models.Recommendation {
	cp := *rec
	cp.ExitPrice = copyFloat(rec.ExitPrice)
	cp.ExitTime = copyTime(rec.ExitTime)
	cp.PnlPercent = copyFloat(rec.PnlPercent)
	cp.PnlAmount = copyFloat(rec.PnlAmount)
	cp.ExpectedReturn = copyFloat(rec.ExpectedReturn)
	cp.EV = copyFloat(rec.EV)
	cp.EVThreshold = copyFloat(rec.EVThreshold)
	cp.EVOK = copyBool(rec.EVOK)
	if rec.MTF != nil {
		mtf := *rec.MTF
		cp.MTF = &mtf
	}
	if rec.TrailingOverride != nil {
		tr := *rec.TrailingOverride
		cp.TrailingOverride = &tr
	}
	return &cp
}

func copyChain(chain *models.DecisionChain) *models.DecisionChain {
	cp := *chain
	cp.EndAt = copyTime(chain.EndAt)
	cp.Steps = make([]models.DecisionStep, len(chain.Steps))
	copy(cp.Steps, chain.Steps)
	return &cp
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
