package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"recommendation-engine/internal/models"
)

// SaveExecution appends an execution row. Executions are append-only.
func (db *DB) SaveExecution(ctx context.Context, exec *models.Execution) error {
	detailsJSON, err := json.Marshal(exec.Details)
	if err != nil {
		detailsJSON = []byte("{}")
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO executions (
			id, event_type, recommendation_id, symbol, direction, size,
			intended_price, intended_timestamp, fill_price, fill_timestamp,
			latency_ms, slippage_bps, fee_bps, fee_amount, pnl_amount, pnl_percent,
			details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = db.Pool.Exec(ctx, query,
		exec.ID, exec.EventType, exec.RecommendationID, exec.Symbol, exec.Direction,
		exec.Size, exec.IntendedPrice, exec.IntendedTimestamp.UTC(),
		exec.FillPrice, exec.FillTimestamp.UTC(),
		exec.LatencyMs, exec.SlippageBps, exec.FeeBps, exec.FeeAmount,
		exec.PnlAmount, exec.PnlPercent, detailsJSON, exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// SaveMonitoringSample appends a monitoring sample row.
func (db *DB) SaveMonitoringSample(ctx context.Context, sample *models.MonitoringSample) error {
	extraJSON, err := json.Marshal(sample.Extra)
	if err != nil {
		extraJSON = []byte("{}")
	}

	query := `
		INSERT INTO monitoring_samples (id, recommendation_id, check_time, current_price, extra)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = db.Pool.Exec(ctx, query,
		sample.ID, sample.RecommendationID, sample.CheckTime.UTC(),
		sample.CurrentPrice, extraJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save monitoring sample: %w", err)
	}
	return nil
}
