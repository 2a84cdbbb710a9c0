// Package store defines the durable record of recommendations, executions,
// monitoring samples and decision chains. Two implementations exist: the
// in-memory store in this package and the PostgreSQL store in
// internal/database. Both serialize writes per recommendation row and never
// expose partial writes to readers.
package store

import (
	"context"
	"errors"
	"time"

	"recommendation-engine/internal/models"
)

// Store errors
var (
	ErrDuplicateID   = errors.New("recommendation id already exists")
	ErrNotFound      = errors.New("recommendation not found")
	ErrNotActive     = errors.New("recommendation is not active")
	ErrChainNotFound = errors.New("decision chain not found")
)

// ActiveFilter narrows ListActive results. Zero values match everything.
type ActiveFilter struct {
	Symbol    string
	Direction models.Direction
}

// QueryFilter narrows Query results. Zero values match everything.
type QueryFilter struct {
	Symbol  string
	Status  models.Status
	Source  string
	ABGroup string
	Start   *time.Time
	End     *time.Time
}

// ChainFilter narrows QueryDecisionChains results.
type ChainFilter struct {
	Symbol string
	Status models.Decision
}

// CloseRequest carries the terminal fields for a close.
type CloseRequest struct {
	ExitPrice  float64
	ExitTime   time.Time
	Reason     string
	Label      string
	PnlPercent float64
	PnlAmount  float64
}

// Patch is a partial update of mutable recommendation fields. Nil fields
// are left untouched.
type Patch struct {
	CurrentPrice         *float64
	StopLossPrice        *float64
	TakeProfitPrice      *float64
	TP1Hit               *bool
	TP2Hit               *bool
	TP3Hit               *bool
	ReductionCount       *int
	ReductionRatio       *float64
	EVOK                 *bool
	ClosePending         *bool
	ManualCloseRequested *bool
	ManualCloseLabel     *string
}

// Store is the transactional record of the control plane.
type Store interface {
	// InsertRecommendation persists a new row atomically. The id must be
	// unique; duplicates are rejected with ErrDuplicateID.
	InsertRecommendation(ctx context.Context, rec *models.Recommendation) (string, error)

	// UpdateRecommendation applies a partial patch under the row lock.
	UpdateRecommendation(ctx context.Context, id string, patch Patch) error

	// CloseRecommendation sets terminal status only when the row is still
	// ACTIVE. A close on a terminal row is a no-op returning the persisted
	// outcome along with ErrNotActive.
	CloseRecommendation(ctx context.Context, id string, req CloseRequest) (*models.Recommendation, error)

	Get(ctx context.Context, id string) (*models.Recommendation, error)
	ListActive(ctx context.Context, filter ActiveFilter) ([]*models.Recommendation, error)
	Query(ctx context.Context, filter QueryFilter, page, limit int) ([]*models.Recommendation, int, error)

	SaveExecution(ctx context.Context, exec *models.Execution) error
	SaveDecisionChain(ctx context.Context, chain *models.DecisionChain) error
	GetDecisionChain(ctx context.Context, id string) (*models.DecisionChain, error)
	QueryDecisionChains(ctx context.Context, filter ChainFilter, page, limit int) ([]*models.DecisionChain, int, error)
	SaveMonitoringSample(ctx context.Context, sample *models.MonitoringSample) error

	HealthCheck(ctx context.Context) error
	Close()
}
