package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"recommendation-engine/internal/models"
	"recommendation-engine/internal/store"
)

const recommendationColumns = `
	id, symbol, direction, entry_price, current_price, leverage, position_size,
	stop_loss_price, take_profit_price, trailing_override,
	atr_value, atr_period, atr_sl_multiplier, atr_tp_multiplier,
	tp1_price, tp2_price, tp3_price, tp1_hit, tp2_hit, tp3_hit,
	reduction_count, reduction_ratio,
	expected_return, ev, ev_threshold, ev_ok,
	status, exit_price, exit_time, exit_reason, exit_label, pnl_percent, pnl_amount,
	close_pending, manual_close_requested, manual_close_label,
	source, strategy_type, ab_group, experiment_id, dedupe_key, mtf,
	created_at, updated_at`

// InsertRecommendation persists a new row atomically, rejecting duplicates.
func (db *DB) InsertRecommendation(ctx context.Context, rec *models.Recommendation) (string, error) {
	touchTimestamps(&rec.CreatedAt, &rec.UpdatedAt)
	trailingJSON, mtfJSON := marshalRecJSON(rec)

	query := `
		INSERT INTO recommendations (
			id, symbol, direction, entry_price, current_price, leverage, position_size,
			stop_loss_price, take_profit_price, trailing_override,
			atr_value, atr_period, atr_sl_multiplier, atr_tp_multiplier,
			tp1_price, tp2_price, tp3_price, tp1_hit, tp2_hit, tp3_hit,
			reduction_count, reduction_ratio,
			expected_return, ev, ev_threshold, ev_ok,
			status, source, strategy_type, ab_group, experiment_id, dedupe_key, mtf,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
			$31, $32, $33, $34, $35
		) ON CONFLICT (id) DO NOTHING`

	tag, err := db.Pool.Exec(ctx, query,
		rec.ID, rec.Symbol, rec.Direction, rec.EntryPrice, rec.CurrentPrice,
		rec.Leverage, rec.PositionSize,
		rec.StopLossPrice, rec.TakeProfitPrice, trailingJSON,
		rec.ATRValue, rec.ATRPeriod, rec.ATRSLMultiplier, rec.ATRTPMultiplier,
		rec.TP1Price, rec.TP2Price, rec.TP3Price, rec.TP1Hit, rec.TP2Hit, rec.TP3Hit,
		rec.ReductionCount, rec.ReductionRatio,
		rec.ExpectedReturn, rec.EV, rec.EVThreshold, rec.EVOK,
		rec.Status, rec.Source, rec.StrategyType, rec.ABGroup, rec.ExperimentID,
		rec.DedupeKey, mtfJSON,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert recommendation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", store.ErrDuplicateID
	}
	return rec.ID, nil
}

// UpdateRecommendation applies a partial patch under the row lock.
func (db *DB) UpdateRecommendation(ctx context.Context, id string, patch store.Patch) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}
	add := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.CurrentPrice != nil {
		add("current_price", *patch.CurrentPrice)
	}
	if patch.StopLossPrice != nil {
		add("stop_loss_price", *patch.StopLossPrice)
	}
	if patch.TakeProfitPrice != nil {
		add("take_profit_price", *patch.TakeProfitPrice)
	}
	if patch.TP1Hit != nil {
		add("tp1_hit", *patch.TP1Hit)
	}
	if patch.TP2Hit != nil {
		add("tp2_hit", *patch.TP2Hit)
	}
	if patch.TP3Hit != nil {
		add("tp3_hit", *patch.TP3Hit)
	}
	if patch.ReductionCount != nil {
		add("reduction_count", *patch.ReductionCount)
	}
	if patch.ReductionRatio != nil {
		add("reduction_ratio", *patch.ReductionRatio)
	}
	if patch.EVOK != nil {
		add("ev_ok", *patch.EVOK)
	}
	if patch.ClosePending != nil {
		add("close_pending", *patch.ClosePending)
	}
	if patch.ManualCloseRequested != nil {
		add("manual_close_requested", *patch.ManualCloseRequested)
	}
	if patch.ManualCloseLabel != nil {
		add("manual_close_label", *patch.ManualCloseLabel)
	}

	query := fmt.Sprintf("UPDATE recommendations SET %s WHERE id = $1", strings.Join(sets, ", "))
	tag, err := db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update recommendation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CloseRecommendation sets terminal status only when the row is still
// ACTIVE. On terminal rows it returns the persisted outcome with
// store.ErrNotActive.
func (db *DB) CloseRecommendation(ctx context.Context, id string, req store.CloseRequest) (*models.Recommendation, error) {
	label := req.Label
	if label == "" {
		label = req.Reason
	}

	query := `
		UPDATE recommendations SET
			status = 'CLOSED',
			exit_price = $2, exit_time = $3, exit_reason = $4, exit_label = $5,
			pnl_percent = $6, pnl_amount = $7,
			close_pending = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'`

	tag, err := db.Pool.Exec(ctx, query, id,
		req.ExitPrice, req.ExitTime.UTC(), req.Reason, label,
		req.PnlPercent, req.PnlAmount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to close recommendation: %w", err)
	}

	rec, getErr := db.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if tag.RowsAffected() == 0 {
		return rec, store.ErrNotActive
	}
	return rec, nil
}

// Get returns one row by id.
func (db *DB) Get(ctx context.Context, id string) (*models.Recommendation, error) {
	query := fmt.Sprintf("SELECT %s FROM recommendations WHERE id = $1", recommendationColumns)
	rec, err := scanRecommendation(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get recommendation: %w", err)
	}
	return rec, nil
}

// ListActive returns ACTIVE rows matching the filter, oldest first.
func (db *DB) ListActive(ctx context.Context, filter store.ActiveFilter) ([]*models.Recommendation, error) {
	query := fmt.Sprintf("SELECT %s FROM recommendations WHERE status = 'ACTIVE'", recommendationColumns)
	var args []interface{}
	if filter.Symbol != "" {
		args = append(args, strings.ToUpper(filter.Symbol))
		query += fmt.Sprintf(" AND UPPER(symbol) = $%d", len(args))
	}
	if filter.Direction != "" {
		args = append(args, filter.Direction)
		query += fmt.Sprintf(" AND direction = $%d", len(args))
	}
	query += " ORDER BY created_at ASC"

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active recommendations: %w", err)
	}
	defer rows.Close()

	return collectRecommendations(rows)
}

// Query returns rows matching the filter with paging, newest first, plus
// the total match count.
func (db *DB) Query(ctx context.Context, filter store.QueryFilter, page, limit int) ([]*models.Recommendation, int, error) {
	where := "WHERE 1=1"
	var args []interface{}
	addCond := func(cond string, val interface{}) {
		args = append(args, val)
		where += fmt.Sprintf(" AND %s $%d", cond, len(args))
	}

	if filter.Symbol != "" {
		addCond("UPPER(symbol) =", strings.ToUpper(filter.Symbol))
	}
	if filter.Status != "" {
		addCond("status =", filter.Status)
	}
	if filter.Source != "" {
		addCond("source =", filter.Source)
	}
	if filter.ABGroup != "" {
		addCond("ab_group =", filter.ABGroup)
	}
	if filter.Start != nil {
		addCond("created_at >=", filter.Start.UTC())
	}
	if filter.End != nil {
		addCond("created_at <=", filter.End.UTC())
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM recommendations " + where
	if err := db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count recommendations: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM recommendations %s ORDER BY created_at DESC", recommendationColumns, where)
	if limit > 0 {
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, (page-1)*limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	recs, err := collectRecommendations(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecommendation(row rowScanner) (*models.Recommendation, error) {
	var rec models.Recommendation
	var trailingJSON, mtfJSON []byte
	var exitReason, exitLabel, source, strategyType, abGroup, experimentID, dedupeKey, manualLabel *string

	err := row.Scan(
		&rec.ID, &rec.Symbol, &rec.Direction, &rec.EntryPrice, &rec.CurrentPrice,
		&rec.Leverage, &rec.PositionSize,
		&rec.StopLossPrice, &rec.TakeProfitPrice, &trailingJSON,
		&rec.ATRValue, &rec.ATRPeriod, &rec.ATRSLMultiplier, &rec.ATRTPMultiplier,
		&rec.TP1Price, &rec.TP2Price, &rec.TP3Price, &rec.TP1Hit, &rec.TP2Hit, &rec.TP3Hit,
		&rec.ReductionCount, &rec.ReductionRatio,
		&rec.ExpectedReturn, &rec.EV, &rec.EVThreshold, &rec.EVOK,
		&rec.Status, &rec.ExitPrice, &rec.ExitTime, &exitReason, &exitLabel,
		&rec.PnlPercent, &rec.PnlAmount,
		&rec.ClosePending, &rec.ManualCloseRequested, &manualLabel,
		&source, &strategyType, &abGroup, &experimentID, &dedupeKey, &mtfJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ExitReason = derefString(exitReason)
	rec.ExitLabel = derefString(exitLabel)
	rec.ManualCloseLabel = derefString(manualLabel)
	rec.Source = derefString(source)
	rec.StrategyType = derefString(strategyType)
	rec.ABGroup = derefString(abGroup)
	rec.ExperimentID = derefString(experimentID)
	rec.DedupeKey = derefString(dedupeKey)

	if len(trailingJSON) > 0 {
		var tr models.TrailingOverride
		if json.Unmarshal(trailingJSON, &tr) == nil {
			rec.TrailingOverride = &tr
		}
	}
	if len(mtfJSON) > 0 {
		var mtf models.MultiTFConsistency
		if json.Unmarshal(mtfJSON, &mtf) == nil {
			rec.MTF = &mtf
		}
	}
	return &rec, nil
}

func collectRecommendations(rows pgx.Rows) ([]*models.Recommendation, error) {
	var recs []*models.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func marshalRecJSON(rec *models.Recommendation) ([]byte, []byte) {
	var trailingJSON, mtfJSON []byte
	if rec.TrailingOverride != nil {
		trailingJSON, _ = json.Marshal(rec.TrailingOverride)
	}
	if rec.MTF != nil {
		mtfJSON, _ = json.Marshal(rec.MTF)
	}
	return trailingJSON, mtfJSON
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// touchTimestamps fills created/updated when the caller left them zero.
func touchTimestamps(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}
