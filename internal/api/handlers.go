package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"recommendation-engine/internal/admission"
	"recommendation-engine/internal/events"
	"recommendation-engine/internal/models"
	"recommendation-engine/internal/pricefeed"
	"recommendation-engine/internal/reporting"
	"recommendation-engine/internal/store"
)

func (s *Server) handleCreateRecommendation(c *gin.Context) {
	var req admission.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body: "+err.Error())
		return
	}

	rec, _, err := s.admission.Admit(c.Request.Context(), &req)
	if err != nil {
		var rej *admission.RejectionError
		if errors.As(err, &rej) {
			body := gin.H{"success": false, "error": rej.Code}
			for k, v := range rej.Details {
				if _, taken := body[k]; !taken {
					body[k] = v
				}
			}
			c.JSON(rej.HTTPStatus(), body)
			return
		}
		errorResponse(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": rec})
}

func (s *Server) handleGetRecommendation(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "NOT_FOUND", "recommendation not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error())
		return
	}
	successResponse(c, rec)
}

func (s *Server) handleActiveRecommendations(c *gin.Context) {
	filter := store.ActiveFilter{
		Symbol:    strings.ToUpper(c.Query("symbol")),
		Direction: models.Direction(strings.ToUpper(c.Query("direction"))),
	}
	active, err := s.store.ListActive(c.Request.Context(), filter)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error())
		return
	}
	if active == nil {
		active = []*models.Recommendation{}
	}
	successResponse(c, gin.H{
		"recommendations": active,
		"count":           len(active),
	})
}

type closeBody struct {
	Reason    string  `json:"reason"`
	ExitPrice float64 `json:"exit_price"`
}

func (s *Server) handleCloseRecommendation(c *gin.Context) {
	var body closeBody
	_ = c.ShouldBindJSON(&body)

	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = models.ExitReasonManualTest
	}
	s.closeRow(c, c.Param("id"), reason, body.ExitPrice)
}

func (s *Server) handleExpireRecommendation(c *gin.Context) {
	var body closeBody
	_ = c.ShouldBindJSON(&body)
	s.closeRow(c, c.Param("id"), models.ExitReasonTimeout, body.ExitPrice)
}

// closeRow closes an ACTIVE row idempotently; a close on a terminal row
// returns the persisted outcome unchanged.
func (s *Server) closeRow(c *gin.Context, id, reason string, exitPrice float64) {
	ctx := c.Request.Context()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "NOT_FOUND", "recommendation not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error())
		return
	}

	if exitPrice <= 0 {
		if p, perr := s.feed.Get(rec.Symbol); perr == nil {
			exitPrice = p
		} else if rec.CurrentPrice > 0 {
			exitPrice = rec.CurrentPrice
		} else {
			exitPrice = rec.EntryPrice
		}
	}
	pnlPct, pnlAmt := rec.PnL(exitPrice)

	closed, err := s.store.CloseRecommendation(ctx, id, store.CloseRequest{
		ExitPrice:  exitPrice,
		ExitTime:   s.clk.Now(),
		Reason:     reason,
		Label:      reason,
		PnlPercent: pnlPct,
		PnlAmount:  pnlAmt,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotActive) {
			// Second close is a no-op returning the persisted outcome.
			successResponse(c, closed)
			return
		}
		errorResponse(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error())
		return
	}

	s.exposure.Remove(id)
	s.bus.PublishClosed(events.ClosedPayload{
		RecommendationID: id,
		Symbol:           closed.Symbol,
		Direction:        string(closed.Direction),
		ExitReason:       reason,
		ExitPrice:        exitPrice,
		PnlPercent:       pnlPct,
		PnlAmount:        pnlAmt,
	})
	successResponse(c, closed)
}

func (s *Server) handleTrackerStart(c *gin.Context) {
	s.tracker.Start()
	successResponse(c, gin.H{"tracker": gin.H{"is_running": true}})
}

func (s *Server) handleTrackerStop(c *gin.Context) {
	s.tracker.Stop()
	successResponse(c, gin.H{"tracker": gin.H{"is_running": false}})
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, gin.H{
		"tracker": gin.H{"is_running": s.tracker.IsRunning()},
	})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	successResponse(c, s.effectiveConfig(nil))
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var patch map[string]interface{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid config patch: "+err.Error())
		return
	}

	_, warnings, err := s.runtime.Apply(patch)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "CONFIG_FAILURE", err.Error())
		return
	}

	changed := make([]string, 0, len(patch))
	for key := range patch {
		changed = append(changed, key)
	}
	s.bus.PublishConfigUpdated(events.ConfigUpdatedPayload{Changed: changed, Warnings: warnings})

	successResponse(c, s.effectiveConfig(warnings))
}

// effectiveConfig shapes the runtime snapshot for the config endpoints,
// including the risk view consumed by dashboards.
func (s *Server) effectiveConfig(warnings []string) gin.H {
	rc := s.runtime.Snapshot()
	out := gin.H{
		"config": rc,
		"risk": gin.H{
			"maxSameDirectionActives": rc.MaxSameDirectionActives,
			"netExposureCaps":         rc.NetExposureCaps,
			"hourlyOrderCaps":         rc.HourlyOrderCaps,
			"evHardReject":            rc.EVHardReject,
		},
	}
	if warnings != nil {
		out["warnings"] = warnings
	}
	return out
}

type priceOverrideBody struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TTLMs  int64   `json:"ttlMs"`
}

func (s *Server) handlePriceOverride(c *gin.Context) {
	var body priceOverrideBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body: "+err.Error())
		return
	}
	if body.Symbol == "" || body.Price <= 0 {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "symbol and a positive price are required")
		return
	}
	if body.TTLMs <= 0 {
		body.TTLMs = 60000
	}

	allowed := s.runtime.Snapshot().Testing.AllowPriceOverride
	ttl := time.Duration(body.TTLMs) * time.Millisecond
	if err := s.feed.Override(body.Symbol, body.Price, ttl, allowed); err != nil {
		if errors.Is(err, pricefeed.ErrOverrideNotAllowed) {
			errorResponse(c, http.StatusForbidden, "OVERRIDE_NOT_ALLOWED", "price overrides are disabled by testing flags")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "OVERRIDE_FAILURE", err.Error())
		return
	}

	s.bus.PublishPriceOverride(events.PriceOverridePayload{
		Symbol: strings.ToUpper(body.Symbol),
		Price:  body.Price,
		TTLMs:  body.TTLMs,
	})
	successResponse(c, gin.H{"symbol": strings.ToUpper(body.Symbol), "price": body.Price, "ttlMs": body.TTLMs})
}

func (s *Server) handlePriceOverrideClear(c *gin.Context) {
	var body struct {
		Symbol string `json:"symbol"`
	}
	_ = c.ShouldBindJSON(&body)

	s.feed.ClearOverride(body.Symbol)
	s.bus.PublishPriceOverride(events.PriceOverridePayload{
		Symbol:  strings.ToUpper(body.Symbol),
		Cleared: true,
	})
	successResponse(c, gin.H{"cleared": true, "symbol": strings.ToUpper(body.Symbol)})
}

func (s *Server) handleStats(c *gin.Context) {
	params := reporting.Params{
		BinMode: c.Query("bin_mode"),
	}
	if v := c.Query("bins"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Bins = n
		}
	}
	if v := c.Query("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.Start = &t
		}
	}
	if v := c.Query("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.End = &t
		}
	}
	if v := c.Query("ab_group"); v != "" {
		for _, group := range strings.Split(v, ",") {
			if group = strings.TrimSpace(group); group != "" {
				params.ABGroups = append(params.ABGroups, group)
			}
		}
	}

	report, err := s.reporter.ComputeStats(c.Request.Context(), params)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error())
		return
	}
	successResponse(c, report)
}

func (s *Server) handleEVMetrics(c *gin.Context) {
	groupByThreshold := c.Query("group_by") == "ev_threshold"
	metrics, err := s.reporter.ComputeEVMetrics(c.Request.Context(), groupByThreshold)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error())
		return
	}
	successResponse(c, metrics)
}

func (s *Server) handleListChains(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	filter := store.ChainFilter{
		Symbol: strings.ToUpper(c.Query("symbol")),
		Status: models.Decision(strings.ToUpper(c.Query("status"))),
	}
	page := offset/limit + 1
	list, total, err := s.monitor.Query(c.Request.Context(), filter, page, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error())
		return
	}
	if list == nil {
		list = []*models.DecisionChain{}
	}
	successResponse(c, gin.H{
		"chains": list,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleChainStats(c *gin.Context) {
	stats, err := s.monitor.ComputeStats(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error())
		return
	}
	successResponse(c, stats)
}

func (s *Server) handleGetChain(c *gin.Context) {
	chain, err := s.monitor.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrChainNotFound) {
			errorResponse(c, http.StatusNotFound, "NOT_FOUND", "decision chain not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "STORE_FAILURE", err.Error())
		return
	}
	successResponse(c, chain)
}

func (s *Server) handleReplayChain(c *gin.Context) {
	result, err := s.monitor.Replay(c.Request.Context(), c.Param("id"), s.admission.ReplayFunc())
	if err != nil {
		if errors.Is(err, store.ErrChainNotFound) {
			errorResponse(c, http.StatusNotFound, "NOT_FOUND", "decision chain not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "REPLAY_FAILURE", err.Error())
		return
	}
	successResponse(c, result)
}

type batchReplayBody struct {
	ChainIDs        []string `json:"chain_ids"`
	Parallel        *bool    `json:"parallel,omitempty"`
	MaxConcurrency  int      `json:"max_concurrency,omitempty"`
	IncludeAnalysis bool     `json:"include_analysis,omitempty"`
}

func (s *Server) handleBatchReplay(c *gin.Context) {
	var body batchReplayBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body: "+err.Error())
		return
	}
	if len(body.ChainIDs) == 0 {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", "chain_ids is required")
		return
	}

	maxConcurrency := body.MaxConcurrency
	if body.Parallel != nil && !*body.Parallel {
		maxConcurrency = 1
	}
	result := s.monitor.BatchReplay(c.Request.Context(), body.ChainIDs, maxConcurrency, s.admission.ReplayFunc())
	successResponse(c, result)
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
