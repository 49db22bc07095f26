package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/analysis/aggregator"
	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/pipeline"
	"github.com/skalibog/perpguard/internal/risk"
	"github.com/skalibog/perpguard/internal/storage"
	"github.com/skalibog/perpguard/internal/strategy"
	"github.com/skalibog/perpguard/internal/stream"
	"github.com/skalibog/perpguard/pkg/logger"
	"github.com/skalibog/perpguard/pkg/models"
)

// Scores is the read side of the signal aggregator
type Scores interface {
	Rankings() models.OpportunityRanking
	Score(marketID string) (models.SignalSet, error)
	Composite(set models.SignalSet) float64
}

// Connection exposes the upstream multiplexer
type Connection interface {
	Stats() stream.Stats
	Reset() error
}

// RiskGuard exposes the margin account and dry-run evaluation
type RiskGuard interface {
	Snapshot() risk.AccountMarginState
	DryRun(change risk.PositionChange) risk.Decision
}

// Markets adds and removes tracked markets at runtime
type Markets interface {
	Add(ctx context.Context, marketID string) error
	Remove(marketID string) error
	Markets() []string
}

// Deps are the components served by the API. Store may be nil.
type Deps struct {
	Scores     Scores
	Connection Connection
	Risk       RiskGuard
	Markets    Markets
	Store      storage.Storage
	Strategy   config.StrategyConfig
}

// Handler serves the JSON API
type Handler struct {
	deps       Deps
	thresholds strategy.Thresholds
}

// NewHandler creates the API handler
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, thresholds: strategy.ThresholdsFrom(deps.Strategy)}
}

// RegisterRoutes mounts every route under /api
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/rankings", h.Rankings)
	g.GET("/allocation", h.Allocation)
	g.GET("/scores/:market", h.Score)
	g.GET("/history/:market", h.History)
	g.GET("/connection", h.Connection)
	g.POST("/connection/reset", h.ResetConnection)
	g.GET("/account", h.Account)
	g.POST("/risk/evaluate", h.Evaluate)
	g.GET("/markets", h.ListMarkets)
	g.POST("/markets", h.AddMarket)
	g.DELETE("/markets/:market", h.RemoveMarket)
}

type rankingRow struct {
	Rank      int              `json:"rank"`
	MarketID  string           `json:"market_id"`
	Composite float64          `json:"composite"`
	Signal    strategy.Signal  `json:"signal"`
	Signals   models.SignalSet `json:"signals"`
}

// Rankings lists every scored market, best first
func (h *Handler) Rankings(c echo.Context) error {
	ranking := h.deps.Scores.Rankings()
	rows := make([]rankingRow, len(ranking))
	for i, r := range ranking {
		rows[i] = rankingRow{
			Rank:      i + 1,
			MarketID:  r.MarketID,
			Composite: r.Composite,
			Signal:    h.thresholds.Classify(r.Composite),
			Signals:   r.Signals,
		}
	}
	return successResponse(c, rows)
}

// Allocation splits capital over the top of the ranking
func (h *Handler) Allocation(c echo.Context) error {
	alloc := strategy.Allocate(h.deps.Scores.Rankings(), h.deps.Strategy.TopN, h.deps.Strategy.TotalAllocationPct)
	if alloc == nil {
		alloc = []strategy.Allocation{}
	}
	return successResponse(c, alloc)
}

type scoreView struct {
	models.SignalSet
	Composite float64         `json:"composite"`
	Signal    strategy.Signal `json:"signal"`
}

// Score returns the latest signal set of one market
func (h *Handler) Score(c echo.Context) error {
	id := strings.ToUpper(c.Param("market"))
	set, err := h.deps.Scores.Score(id)
	if errors.Is(err, aggregator.ErrNotFound) {
		return notFoundResponse(c, "no score for "+id)
	}
	if err != nil {
		return internalErrorResponse(c)
	}
	composite := h.deps.Scores.Composite(set)
	return successResponse(c, scoreView{SignalSet: set, Composite: composite, Signal: h.thresholds.Classify(composite)})
}

type historyRequest struct {
	Market string `param:"market" validate:"required"`
	Limit  int    `query:"limit" default:"100" validate:"gte=1,lte=1000"`
}

// History reads recorded composite scores from storage
func (h *Handler) History(c echo.Context) error {
	if h.deps.Store == nil {
		return unavailableResponse(c, "storage is disabled")
	}
	req := &historyRequest{}
	if verrs := readAndValidate(c, req); verrs != nil {
		return badRequestResponse(c, verrs)
	}

	rows, err := h.deps.Store.GetSignalHistory(c.Request().Context(), strings.ToUpper(req.Market), req.Limit)
	if errors.Is(err, storage.ErrBadMarket) {
		return badRequestResponse(c, []ValidationError{{Code: "ERR_MARKET", Field: "market", Message: err.Error()}})
	}
	if err != nil {
		logger.Error("History query failed", zap.String("market", req.Market), zap.Error(err))
		return internalErrorResponse(c)
	}
	if rows == nil {
		rows = []models.RankedMarket{}
	}
	return successResponse(c, rows)
}

// Connection reports the upstream state and counters
func (h *Handler) Connection(c echo.Context) error {
	return successResponse(c, h.deps.Connection.Stats())
}

// ResetConnection leaves the Failed state
func (h *Handler) ResetConnection(c echo.Context) error {
	if err := h.deps.Connection.Reset(); err != nil {
		return conflictResponse(c, err.Error())
	}
	return successResponse(c, h.deps.Connection.Stats())
}

type accountView struct {
	risk.AccountMarginState
	Utilization            *decimal.Decimal `json:"utilization,omitempty"`
	MinLiquidationDistance *decimal.Decimal `json:"min_liquidation_distance,omitempty"`
}

// Account returns the margin account snapshot
func (h *Handler) Account(c echo.Context) error {
	snap := h.deps.Risk.Snapshot()
	view := accountView{AccountMarginState: snap}
	if util, ok := snap.Utilization(); ok {
		view.Utilization = &util
	}
	if dist, ok := snap.MinLiquidationDistance(); ok {
		view.MinLiquidationDistance = &dist
	}
	return successResponse(c, view)
}

type evaluateRequest struct {
	MarketID  string `json:"market_id" validate:"required"`
	SizeDelta string `json:"size_delta" validate:"required,ne=0"`
	Price     string `json:"price" default:"0"`
	Leverage  string `json:"leverage" default:"0"`
}

func (r evaluateRequest) change() (risk.PositionChange, []ValidationError) {
	fields := []struct {
		name, raw string
		dst       *decimal.Decimal
	}{
		{"size_delta", r.SizeDelta, new(decimal.Decimal)},
		{"price", r.Price, new(decimal.Decimal)},
		{"leverage", r.Leverage, new(decimal.Decimal)},
	}
	var verrs []ValidationError
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			verrs = append(verrs, ValidationError{Code: "ERR_DECIMAL", Field: f.name, Message: f.name + " must be a decimal number"})
			continue
		}
		*f.dst = v
	}
	if verrs != nil {
		return risk.PositionChange{}, verrs
	}
	return risk.PositionChange{
		MarketID:  strings.ToUpper(r.MarketID),
		SizeDelta: *fields[0].dst,
		Price:     *fields[1].dst,
		Leverage:  *fields[2].dst,
	}, nil
}

// Evaluate runs a proposed change through the guard without applying it
func (h *Handler) Evaluate(c echo.Context) error {
	req := &evaluateRequest{}
	if verrs := readAndValidate(c, req); verrs != nil {
		return badRequestResponse(c, verrs)
	}
	change, verrs := req.change()
	if verrs != nil {
		return badRequestResponse(c, verrs)
	}
	return successResponse(c, h.deps.Risk.DryRun(change))
}

// ListMarkets returns the tracked markets
func (h *Handler) ListMarkets(c echo.Context) error {
	return successResponse(c, h.deps.Markets.Markets())
}

type marketRequest struct {
	MarketID string `json:"market_id" validate:"required,alphanum"`
}

// AddMarket starts tracking a market
func (h *Handler) AddMarket(c echo.Context) error {
	req := &marketRequest{}
	if verrs := readAndValidate(c, req); verrs != nil {
		return badRequestResponse(c, verrs)
	}
	id := strings.ToUpper(req.MarketID)

	// the worker outlives the request
	err := h.deps.Markets.Add(context.Background(), id)
	switch {
	case errors.Is(err, stream.ErrAlreadyRegistered):
		return conflictResponse(c, err.Error())
	case errors.Is(err, stream.ErrUpstreamFailed), errors.Is(err, stream.ErrAlreadySubscribedElsewhere):
		return unavailableResponse(c, err.Error())
	case err != nil:
		logger.Error("Failed to add market", zap.String("market", id), zap.Error(err))
		return internalErrorResponse(c)
	}
	return dataResponse(c, http.StatusCreated, h.deps.Markets.Markets())
}

// RemoveMarket stops tracking a market
func (h *Handler) RemoveMarket(c echo.Context) error {
	id := strings.ToUpper(c.Param("market"))
	if err := h.deps.Markets.Remove(id); err != nil {
		if errors.Is(err, pipeline.ErrUnknownMarket) {
			return notFoundResponse(c, err.Error())
		}
		return internalErrorResponse(c)
	}
	return successResponse(c, h.deps.Markets.Markets())
}
