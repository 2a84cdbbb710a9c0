package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"recommendation-engine/config"
	"recommendation-engine/internal/chains"
	"recommendation-engine/internal/clock"
	"recommendation-engine/internal/events"
	"recommendation-engine/internal/exposure"
	"recommendation-engine/internal/gates"
	"recommendation-engine/internal/logging"
	"recommendation-engine/internal/models"
	"recommendation-engine/internal/pricefeed"
	"recommendation-engine/internal/store"
)

// Controller runs the admission pipeline for every proposal, manual or
// auto-generated.
type Controller struct {
	store    store.Store
	monitor  *chains.Monitor
	exposure *exposure.Index
	feed     *pricefeed.Feed
	runtime  *config.RuntimeManager
	bus      *events.Bus
	clk      clock.Clock
	logger   *logging.Logger

	// admitMu guards "read active set + run gates + insert + mutate
	// exposure" so the exposure index never diverges from persisted state.
	admitMu sync.Mutex
}

// NewController wires the admission controller.
func NewController(st store.Store, monitor *chains.Monitor, ix *exposure.Index, feed *pricefeed.Feed, runtime *config.RuntimeManager, bus *events.Bus, clk clock.Clock) *Controller {
	return &Controller{
		store:    st,
		monitor:  monitor,
		exposure: ix,
		feed:     feed,
		runtime:  runtime,
		bus:      bus,
		clk:      clk,
		logger:   logging.WithComponent("admission"),
	}
}

// Admit evaluates one proposal. On approval it returns the persisted row;
// on rejection it returns a *RejectionError carrying the gate's code and
// details. The decision chain is finalized and persisted either way.
func (c *Controller) Admit(ctx context.Context, req *Request) (*models.Recommendation, *models.DecisionChain, error) {
	req.normalize()
	candidate := req.candidate()
	chain := c.monitor.StartChain(candidate.Symbol, candidate.Direction, req.Source, req.chainInputs())

	rec, rejection, err := c.evaluateAndPersist(ctx, req, candidate, chain)
	if err != nil {
		// Cancelled or store failure: seal the chain PENDING with the cause
		// so no dangling chains survive an aborted attempt. The audit write
		// must outlive the caller's context.
		c.monitor.AddStep(chain, models.StagePersist, models.DecisionPending, err.Error(), nil)
		if ferr := c.monitor.Finalize(context.WithoutCancel(ctx), chain); ferr != nil {
			c.logger.Error("failed to finalize aborted chain", "chain_id", chain.ChainID, "error", ferr.Error())
		}
		return nil, chain, err
	}

	if rejection != nil {
		if ferr := c.monitor.Finalize(ctx, chain); ferr != nil {
			c.logger.Error("failed to finalize rejected chain", "chain_id", chain.ChainID, "error", ferr.Error())
		}
		c.bus.PublishGated(events.GatedPayload{
			ChainID:   chain.ChainID,
			Symbol:    candidate.Symbol,
			Direction: string(candidate.Direction),
			Stage:     rejection.Stage,
			Code:      rejection.Code,
			Reason:    rejection.Reason,
			Details:   rejection.Details,
		})
		return nil, chain, rejection
	}

	exec := c.openExecution(rec, candidate.CurrentPrice)
	if err := c.store.SaveExecution(ctx, exec); err != nil {
		// The recommendation is already committed; a lost open execution
		// only degrades slippage reporting.
		c.logger.Warn("failed to save open execution", "recommendation_id", rec.ID, "error", err.Error())
	} else {
		c.monitor.LinkExecution(chain, exec.ID)
	}

	c.monitor.LinkRecommendation(chain, rec.ID)
	if err := c.monitor.Finalize(ctx, chain); err != nil {
		c.logger.Error("failed to finalize approved chain", "chain_id", chain.ChainID, "error", err.Error())
	}

	c.bus.PublishCreated(events.CreatedPayload{
		RecommendationID: rec.ID,
		ChainID:          chain.ChainID,
		Symbol:           rec.Symbol,
		Direction:        string(rec.Direction),
		EntryPrice:       rec.EntryPrice,
		PositionSize:     rec.PositionSize,
		Leverage:         rec.Leverage,
		Source:           rec.Source,
	})
	c.logger.Info("recommendation admitted",
		"id", rec.ID, "symbol", rec.Symbol, "direction", string(rec.Direction),
		"entry_price", rec.EntryPrice, "chain_id", chain.ChainID)
	return rec, chain, nil
}

// evaluateAndPersist holds the admission critical section: snapshot state,
// run the gates, and on approval insert the row and update exposure before
// any concurrent attempt observes the active set.
func (c *Controller) evaluateAndPersist(ctx context.Context, req *Request, candidate *gates.Candidate, chain *models.DecisionChain) (*models.Recommendation, *RejectionError, error) {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("admission cancelled: %w", err)
	}

	gctx, err := c.gateContext(ctx, candidate)
	if err != nil {
		return nil, nil, err
	}
	captureContext(chain, gctx)

	steps, rejected := gates.Run(gctx)
	for _, step := range steps {
		decision := models.DecisionApproved
		if !step.Result.Approved {
			decision = models.DecisionRejected
		}
		c.monitor.AddStep(chain, step.Stage, decision, step.Result.Reason, step.Result.Details)
	}
	if rejected != nil {
		return nil, &RejectionError{
			Stage:   rejected.Stage,
			Code:    rejected.Result.Code,
			Reason:  rejected.Result.Reason,
			Details: rejected.Result.Details,
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("admission cancelled before persist: %w", err)
	}

	rec := c.buildRecommendation(req, candidate, gctx)
	if _, err := c.store.InsertRecommendation(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to persist recommendation: %w", err)
	}
	c.monitor.AddStep(chain, models.StagePersist, models.DecisionApproved, "", map[string]interface{}{"recommendation_id": rec.ID})
	c.exposure.Add(rec)
	return rec, nil, nil
}

// gateContext assembles the pure gate input from live state.
func (c *Controller) gateContext(ctx context.Context, candidate *gates.Candidate) (gates.Context, error) {
	cfg := c.runtime.Snapshot()
	now := c.clk.Now()

	active, err := c.store.ListActive(ctx, store.ActiveFilter{})
	if err != nil {
		return gates.Context{}, fmt.Errorf("failed to read active set: %w", err)
	}

	price, perr := c.feed.Get(candidate.Symbol)
	return gates.Context{
		Candidate: candidate,
		Config:    cfg,
		Exposure:  c.exposure.Snapshot(now, cfg.ConcurrencyCountAgeHours),
		Active:    active,
		Now:       now,
		Price:     price,
		PriceErr:  perr,
	}, nil
}

// buildRecommendation assembles the row to persist, deriving ATR-based
// stops when none were supplied.
func (c *Controller) buildRecommendation(req *Request, candidate *gates.Candidate, gctx gates.Context) *models.Recommendation {
	now := gctx.Now
	current := candidate.CurrentPrice
	if current == 0 {
		current = gctx.Price
	}
	if current == 0 {
		current = candidate.EntryPrice
	}

	rec := &models.Recommendation{
		ID:           uuid.New().String(),
		Symbol:       candidate.Symbol,
		Direction:    candidate.Direction,
		EntryPrice:   candidate.EntryPrice,
		CurrentPrice: current,
		Leverage:     candidate.Leverage,
		PositionSize: candidate.PositionSize,

		StopLossPrice:    req.StopLossPrice,
		TakeProfitPrice:  req.TakeProfitPrice,
		TrailingOverride: req.TrailingOverride,

		ATRValue:        req.ATRValue,
		ATRPeriod:       req.ATRPeriod,
		ATRSLMultiplier: req.ATRSLMultiplier,
		ATRTPMultiplier: req.ATRTPMultiplier,

		TP1Price:       req.TP1Price,
		TP2Price:       req.TP2Price,
		TP3Price:       req.TP3Price,
		ReductionRatio: req.ReductionRatio,

		ExpectedReturn: req.ExpectedReturn,
		EV:             req.EV,
		EVThreshold:    req.EVThreshold,

		Status: models.StatusActive,

		Source:       req.Source,
		StrategyType: req.StrategyType,
		ABGroup:      req.ABGroup,
		ExperimentID: req.ExperimentID,
		DedupeKey:    req.DedupeKey,
		MTF:          candidate.MTF,

		CreatedAt: now,
		UpdatedAt: now,
	}

	deriveStops(rec)
	setEVOK(rec, gctx.Config)
	return rec
}

// deriveStops fills missing stop levels from ATR metadata and drops levels
// on the wrong side of the entry.
func deriveStops(rec *models.Recommendation) {
	sign := 1.0
	if rec.Direction == models.DirectionShort {
		sign = -1.0
	}

	if rec.StopLossPrice == 0 && rec.ATRValue > 0 && rec.ATRSLMultiplier > 0 {
		rec.StopLossPrice = rec.EntryPrice - sign*rec.ATRValue*rec.ATRSLMultiplier
	}
	if rec.TakeProfitPrice == 0 && rec.ATRValue > 0 && rec.ATRTPMultiplier > 0 {
		rec.TakeProfitPrice = rec.EntryPrice + sign*rec.ATRValue*rec.ATRTPMultiplier
	}

	// Stops must sit on the loss side and takes on the profit side.
	if rec.StopLossPrice != 0 && sign*(rec.EntryPrice-rec.StopLossPrice) <= 0 {
		rec.StopLossPrice = 0
	}
	if rec.TakeProfitPrice != 0 && sign*(rec.TakeProfitPrice-rec.EntryPrice) <= 0 {
		rec.TakeProfitPrice = 0
	}
	if rec.StopLossPrice < 0 {
		rec.StopLossPrice = 0
	}
}

// setEVOK records ev_ok when EV and a threshold are both present.
func setEVOK(rec *models.Recommendation, cfg config.RuntimeConfig) {
	if rec.EV == nil {
		return
	}
	threshold := cfg.EVThreshold
	if rec.EVThreshold != nil {
		threshold = *rec.EVThreshold
	} else if threshold == 0 {
		return
	}
	if rec.EVThreshold == nil {
		t := threshold
		rec.EVThreshold = &t
	}
	ok := *rec.EV >= threshold
	rec.EVOK = &ok
}

// openExecution builds the OPEN execution row. Fill price is the current
// market price; intended is the requested entry.
func (c *Controller) openExecution(rec *models.Recommendation, requestedCurrent float64) *models.Execution {
	now := c.clk.Now()
	fill := rec.CurrentPrice
	if requestedCurrent > 0 {
		fill = requestedCurrent
	}
	return &models.Execution{
		ID:                uuid.New().String(),
		EventType:         models.ExecutionOpen,
		RecommendationID:  rec.ID,
		Symbol:            rec.Symbol,
		Direction:         rec.Direction,
		Size:              rec.PositionSize,
		IntendedPrice:     rec.EntryPrice,
		IntendedTimestamp: rec.CreatedAt,
		FillPrice:         fill,
		FillTimestamp:     now,
		LatencyMs:         now.Sub(rec.CreatedAt).Milliseconds(),
		SlippageBps:       models.SlippageBps(rec.Direction, rec.EntryPrice, fill),
		CreatedAt:         now,
	}
}
