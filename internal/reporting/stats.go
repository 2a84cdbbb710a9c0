// Package reporting computes read-only aggregates over closed
// recommendations: hit rates, PnL summaries, EV bins and A/B group
// breakdowns. Nothing in this package mutates state.
package reporting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"recommendation-engine/internal/models"
	"recommendation-engine/internal/store"
)

// Bin modes for EV binning.
const (
	BinModeQuantile = "quantile"
	BinModeEven     = "even"
)

const (
	defaultBins = 5
	minBins     = 2
	maxBins     = 12
)

// Params narrows and shapes a stats request.
type Params struct {
	Start    *time.Time
	End      *time.Time
	ABGroups []string
	BinMode  string
	Bins     int
}

// Aggregate summarizes a set of closed rows.
type Aggregate struct {
	Count           int            `json:"count"`
	Wins            int            `json:"wins"`
	Losses          int            `json:"losses"`
	HitRate         float64        `json:"hit_rate"`
	AvgPnlPercent   float64        `json:"avg_pnl_percent"`
	TotalPnlAmount  float64        `json:"total_pnl_amount"`
	AvgHoldingHours float64        `json:"avg_holding_hours"`
	ByExitReason    map[string]int `json:"by_exit_reason,omitempty"`
}

// Bin is one EV bin with its aggregate.
type Bin struct {
	Label string  `json:"label"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Aggregate
}

// StatsReport is the /stats response body.
type StatsReport struct {
	Overall   Aggregate            `json:"overall"`
	BinMode   string               `json:"bin_mode,omitempty"`
	Bins      []Bin                `json:"bins,omitempty"`
	ByABGroup map[string]Aggregate `json:"by_ab_group,omitempty"`
	Start     *time.Time           `json:"start,omitempty"`
	End       *time.Time           `json:"end,omitempty"`
}

// EVMetrics is the /monitoring/ev-metrics response body: ev-ok vs not-ok
// subgroup summaries, optionally grouped by threshold.
type EVMetrics struct {
	EVOK        Aggregate            `json:"ev_ok"`
	EVNotOK     Aggregate            `json:"ev_not_ok"`
	NoEV        Aggregate            `json:"no_ev"`
	ByThreshold map[string]Aggregate `json:"by_threshold,omitempty"`
}

// Reporter computes aggregates through the store's query path.
type Reporter struct {
	store store.Store
}

// NewReporter creates a reporter over st.
func NewReporter(st store.Store) *Reporter {
	return &Reporter{store: st}
}

// ComputeStats aggregates closed rows matching the params.
func (r *Reporter) ComputeStats(ctx context.Context, params Params) (*StatsReport, error) {
	rows, err := r.closedRows(ctx, params.Start, params.End)
	if err != nil {
		return nil, err
	}

	report := &StatsReport{
		Overall: aggregate(rows),
		Start:   params.Start,
		End:     params.End,
	}

	if bins := clampBins(params.Bins); len(rows) > 0 {
		mode := params.BinMode
		if mode != BinModeEven {
			mode = BinModeQuantile
		}
		report.BinMode = mode
		report.Bins = binByEV(rows, mode, bins)
	}

	if len(params.ABGroups) >= 2 {
		report.ByABGroup = make(map[string]Aggregate, len(params.ABGroups))
		for _, group := range params.ABGroups {
			var subset []*models.Recommendation
			for _, row := range rows {
				if row.ABGroup == group {
					subset = append(subset, row)
				}
			}
			report.ByABGroup[group] = aggregate(subset)
		}
	}
	return report, nil
}

// ComputeEVMetrics splits closed rows into ev-ok / ev-not-ok / no-ev
// subgroups. groupByThreshold additionally breaks the EV rows down per
// distinct threshold.
func (r *Reporter) ComputeEVMetrics(ctx context.Context, groupByThreshold bool) (*EVMetrics, error) {
	rows, err := r.closedRows(ctx, nil, nil)
	if err != nil {
		return nil, err
	}

	var ok, notOK, noEV []*models.Recommendation
	byThreshold := make(map[string][]*models.Recommendation)
	for _, row := range rows {
		switch {
		case row.EVOK == nil:
			noEV = append(noEV, row)
		case *row.EVOK:
			ok = append(ok, row)
		default:
			notOK = append(notOK, row)
		}
		if groupByThreshold && row.EVThreshold != nil {
			key := fmt.Sprintf("%g", *row.EVThreshold)
			byThreshold[key] = append(byThreshold[key], row)
		}
	}

	metrics := &EVMetrics{
		EVOK:    aggregate(ok),
		EVNotOK: aggregate(notOK),
		NoEV:    aggregate(noEV),
	}
	if groupByThreshold && len(byThreshold) > 0 {
		metrics.ByThreshold = make(map[string]Aggregate, len(byThreshold))
		for key, subset := range byThreshold {
			metrics.ByThreshold[key] = aggregate(subset)
		}
	}
	return metrics, nil
}

func (r *Reporter) closedRows(ctx context.Context, start, end *time.Time) ([]*models.Recommendation, error) {
	rows, _, err := r.store.Query(ctx, store.QueryFilter{
		Status: models.StatusClosed,
		Start:  start,
		End:    end,
	}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed rows: %w", err)
	}
	return rows, nil
}

func aggregate(rows []*models.Recommendation) Aggregate {
	agg := Aggregate{Count: len(rows)}
	if len(rows) == 0 {
		return agg
	}
	agg.ByExitReason = make(map[string]int)

	var pnlSum, holdSum float64
	var held int
	for _, row := range rows {
		pct := 0.0
		if row.PnlPercent != nil {
			pct = *row.PnlPercent
		}
		pnlSum += pct
		if pct > 0 {
			agg.Wins++
		} else if pct < 0 {
			agg.Losses++
		}
		if row.PnlAmount != nil {
			agg.TotalPnlAmount += *row.PnlAmount
		}
		if row.ExitReason != "" {
			agg.ByExitReason[row.ExitReason]++
		}
		if row.ExitTime != nil {
			holdSum += row.ExitTime.Sub(row.CreatedAt).Hours()
			held++
		}
	}
	agg.AvgPnlPercent = pnlSum / float64(len(rows))
	agg.HitRate = float64(agg.Wins) / float64(len(rows))
	if held > 0 {
		agg.AvgHoldingHours = holdSum / float64(held)
	}
	return agg
}

// binByEV partitions rows carrying an EV value into bins and aggregates
// each. Rows without an EV are excluded from binning.
func binByEV(rows []*models.Recommendation, mode string, bins int) []Bin {
	var withEV []*models.Recommendation
	for _, row := range rows {
		if row.EV != nil {
			withEV = append(withEV, row)
		}
	}
	if len(withEV) == 0 {
		return nil
	}

	sort.Slice(withEV, func(i, j int) bool { return *withEV[i].EV < *withEV[j].EV })
	edges := binEdges(withEV, mode, bins)

	out := make([]Bin, 0, len(edges)-1)
	for i := 0; i+1 < len(edges); i++ {
		lower, upper := edges[i], edges[i+1]
		last := i+2 == len(edges)

		var subset []*models.Recommendation
		for _, row := range withEV {
			ev := *row.EV
			if ev >= lower && (ev < upper || (last && ev <= upper)) {
				subset = append(subset, row)
			}
		}
		out = append(out, Bin{
			Label:     fmt.Sprintf("[%.4g, %.4g%s", lower, upper, bracket(last)),
			Lower:     lower,
			Upper:     upper,
			Aggregate: aggregate(subset),
		})
	}
	return out
}

func bracket(closed bool) string {
	if closed {
		return "]"
	}
	return ")"
}

// binEdges computes bins+1 edges over the sorted EV values.
func binEdges(sorted []*models.Recommendation, mode string, bins int) []float64 {
	lo := *sorted[0].EV
	hi := *sorted[len(sorted)-1].EV
	if lo == hi {
		return []float64{lo, hi}
	}

	edges := make([]float64, 0, bins+1)
	if mode == BinModeEven {
		width := (hi - lo) / float64(bins)
		for i := 0; i <= bins; i++ {
			edges = append(edges, lo+width*float64(i))
		}
		return edges
	}

	// Quantile edges over the observed values.
	for i := 0; i <= bins; i++ {
		pos := float64(i) / float64(bins) * float64(len(sorted)-1)
		idx := int(math.Round(pos))
		edges = append(edges, *sorted[idx].EV)
	}
	// Collapse duplicate edges from ties.
	dedup := edges[:1]
	for _, e := range edges[1:] {
		if e > dedup[len(dedup)-1] {
			dedup = append(dedup, e)
		}
	}
	return dedup
}

func clampBins(n int) int {
	if n == 0 {
		return defaultBins
	}
	if n < minBins {
		return minBins
	}
	if n > maxBins {
		return maxBins
	}
	return n
}
