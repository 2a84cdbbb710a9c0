package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"recommendation-engine/internal/models"
	"recommendation-engine/internal/store"
)

// SaveDecisionChain upserts a chain and rewrites its steps in one
// transaction. Chains are small; replacing the steps keeps the write path
// simple and idempotent.
func (db *DB) SaveDecisionChain(ctx context.Context, chain *models.DecisionChain) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin chain transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO decision_chains (
			chain_id, symbol, direction, source, final_decision, final_reason,
			recommendation_id, execution_id, created_at, end_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (chain_id) DO UPDATE SET
			final_decision = EXCLUDED.final_decision,
			final_reason = EXCLUDED.final_reason,
			recommendation_id = EXCLUDED.recommendation_id,
			execution_id = EXCLUDED.execution_id,
			end_at = EXCLUDED.end_at,
			updated_at = NOW()`

	_, err = tx.Exec(ctx, query,
		chain.ChainID, chain.Symbol, chain.Direction, chain.Source,
		chain.FinalDecision, chain.FinalReason,
		chain.RecommendationID, chain.ExecutionID,
		chain.CreatedAt.UTC(), chain.EndAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save decision chain: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM decision_steps WHERE chain_id = $1`, chain.ChainID); err != nil {
		return fmt.Errorf("failed to clear decision steps: %w", err)
	}

	stepQuery := `
		INSERT INTO decision_steps (chain_id, seq, stage, decision, reason, details, step_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for i, step := range chain.Steps {
		detailsJSON, merr := json.Marshal(step.Details)
		if merr != nil {
			detailsJSON = []byte("{}")
		}
		if _, err := tx.Exec(ctx, stepQuery,
			chain.ChainID, i, step.Stage, step.Decision, step.Reason,
			detailsJSON, step.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("failed to save decision step: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit decision chain: %w", err)
	}
	return nil
}

// GetDecisionChain returns one chain with its ordered steps.
func (db *DB) GetDecisionChain(ctx context.Context, id string) (*models.DecisionChain, error) {
	query := `
		SELECT chain_id, symbol, direction, source, final_decision, final_reason,
			recommendation_id, execution_id, created_at, end_at
		FROM decision_chains WHERE chain_id = $1`

	chain, err := scanChain(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrChainNotFound
		}
		return nil, fmt.Errorf("failed to get decision chain: %w", err)
	}

	if err := db.loadSteps(ctx, chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// QueryDecisionChains returns chains matching the filter, newest first,
// with their steps loaded.
func (db *DB) QueryDecisionChains(ctx context.Context, filter store.ChainFilter, page, limit int) ([]*models.DecisionChain, int, error) {
	where := "WHERE 1=1"
	var args []interface{}
	if filter.Symbol != "" {
		args = append(args, strings.ToUpper(filter.Symbol))
		where += fmt.Sprintf(" AND UPPER(symbol) = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND final_decision = $%d", len(args))
	}

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM decision_chains "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count decision chains: %w", err)
	}

	query := `
		SELECT chain_id, symbol, direction, source, final_decision, final_reason,
			recommendation_id, execution_id, created_at, end_at
		FROM decision_chains ` + where + ` ORDER BY created_at DESC`
	if limit > 0 {
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, (page-1)*limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query decision chains: %w", err)
	}
	defer rows.Close()

	var chains []*models.DecisionChain
	for rows.Next() {
		chain, serr := scanChain(rows)
		if serr != nil {
			return nil, 0, fmt.Errorf("failed to scan decision chain: %w", serr)
		}
		chains = append(chains, chain)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for _, chain := range chains {
		if err := db.loadSteps(ctx, chain); err != nil {
			return nil, 0, err
		}
	}
	return chains, total, nil
}

func (db *DB) loadSteps(ctx context.Context, chain *models.DecisionChain) error {
	rows, err := db.Pool.Query(ctx, `
		SELECT stage, decision, reason, details, step_timestamp
		FROM decision_steps WHERE chain_id = $1 ORDER BY seq ASC`, chain.ChainID)
	if err != nil {
		return fmt.Errorf("failed to load decision steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step models.DecisionStep
		var reason *string
		var detailsJSON []byte
		if err := rows.Scan(&step.Stage, &step.Decision, &reason, &detailsJSON, &step.Timestamp); err != nil {
			return fmt.Errorf("failed to scan decision step: %w", err)
		}
		step.Reason = derefString(reason)
		if len(detailsJSON) > 0 {
			json.Unmarshal(detailsJSON, &step.Details)
		}
		chain.Steps = append(chain.Steps, step)
	}
	return rows.Err()
}

func scanChain(row rowScanner) (*models.DecisionChain, error) {
	var chain models.DecisionChain
	var source, finalReason, recID, execID *string
	err := row.Scan(
		&chain.ChainID, &chain.Symbol, &chain.Direction, &source,
		&chain.FinalDecision, &finalReason, &recID, &execID,
		&chain.CreatedAt, &chain.EndAt,
	)
	if err != nil {
		return nil, err
	}
	chain.Source = derefString(source)
	chain.FinalReason = derefString(finalReason)
	chain.RecommendationID = derefString(recID)
	chain.ExecutionID = derefString(execID)
	return &chain, nil
}
