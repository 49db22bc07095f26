package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/metrics"
	"github.com/skalibog/perpguard/pkg/logger"
)

var one = decimal.NewFromInt(1)

// EmergencyDeleverage is raised when an open position drifts inside the
// emergency liquidation floor.
type EmergencyDeleverage struct {
	ID               uuid.UUID       `json:"id"`
	MarketID         string          `json:"market_id"`
	Size             decimal.Decimal `json:"size"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Distance         decimal.Decimal `json:"distance"`
	Time             time.Time       `json:"time"`
}

// Guard owns the account margin state and gates every position change
type Guard struct {
	ceiling         decimal.Decimal
	warning         decimal.Decimal
	floor           decimal.Decimal
	emergency       decimal.Decimal
	mmr             decimal.Decimal
	defaultLeverage decimal.Decimal
	maxLeverage     decimal.Decimal
	precision       int32
	now             func() time.Time

	mu      sync.RWMutex
	account AccountMarginState
	marks   map[string]decimal.Decimal
	tripped map[string]bool

	events chan EmergencyDeleverage
}

type resolved struct {
	price    decimal.Decimal
	leverage decimal.Decimal
}

// NewGuard creates a guard over a flat account holding balance
func NewGuard(opts config.Options, cfg config.RiskConfig, balance decimal.Decimal) (*Guard, error) {
	switch {
	case !(opts.MarginWarning > 0 && opts.MarginWarning <= opts.MarginCeiling && opts.MarginCeiling <= 1):
		return nil, fmt.Errorf("risk: need 0 < margin_warning (%v) <= margin_ceiling (%v) <= 1",
			opts.MarginWarning, opts.MarginCeiling)
	case !(opts.EmergencyLiquidationFloor > 0 && opts.EmergencyLiquidationFloor <= opts.LiquidationFloor && opts.LiquidationFloor < 1):
		return nil, fmt.Errorf("risk: need 0 < emergency_liquidation_floor (%v) <= liquidation_floor (%v) < 1",
			opts.EmergencyLiquidationFloor, opts.LiquidationFloor)
	case cfg.MaintenanceMarginRate < 0 || cfg.MaintenanceMarginRate >= 1:
		return nil, fmt.Errorf("risk: maintenance_margin_rate %v out of range", cfg.MaintenanceMarginRate)
	case cfg.MaxLeverage < 1 || cfg.DefaultLeverage < 1 || cfg.DefaultLeverage > cfg.MaxLeverage:
		return nil, fmt.Errorf("risk: need 1 <= default_leverage (%v) <= max_leverage (%v)",
			cfg.DefaultLeverage, cfg.MaxLeverage)
	case balance.IsNegative():
		return nil, errors.New("risk: negative balance")
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}

	return &Guard{
		ceiling:         decimal.NewFromFloat(opts.MarginCeiling),
		warning:         decimal.NewFromFloat(opts.MarginWarning),
		floor:           decimal.NewFromFloat(opts.LiquidationFloor),
		emergency:       decimal.NewFromFloat(opts.EmergencyLiquidationFloor),
		mmr:             decimal.NewFromFloat(cfg.MaintenanceMarginRate),
		defaultLeverage: decimal.NewFromFloat(cfg.DefaultLeverage),
		maxLeverage:     decimal.NewFromFloat(cfg.MaxLeverage),
		precision:       cfg.SizePrecision,
		now:             time.Now,
		account:         NewAccount(balance),
		marks:           make(map[string]decimal.Decimal),
		tripped:         make(map[string]bool),
		events:          make(chan EmergencyDeleverage, buffer),
	}, nil
}

// Events delivers emergency deleverage events
func (g *Guard) Events() <-chan EmergencyDeleverage {
	return g.events
}

// Snapshot returns a deep copy of the account
func (g *Guard) Snapshot() AccountMarginState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.account.Clone()
}

// Mark returns the last mark price seen for a market
func (g *Guard) Mark(marketID string) (decimal.Decimal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.marks[marketID]
	return m, ok
}

// Evaluate decides on change against account without mutating anything.
// A non-zero Equity is taken as given, and UsedMargin beyond the margin of
// Positions counts as margin locked elsewhere.
func (g *Guard) Evaluate(change PositionChange, account AccountMarginState) Decision {
	d, _ := g.evaluate(change, account)
	metrics.RiskDecisions.WithLabelValues("evaluate", d.Action.String()).Inc()
	return d
}

// DryRun evaluates change against the guard's own account, filling the
// price from the last mark, without applying it.
func (g *Guard) DryRun(change PositionChange) Decision {
	g.mu.RLock()
	change = g.withMark(change)
	d, _ := g.evaluate(change, g.account)
	g.mu.RUnlock()

	metrics.RiskDecisions.WithLabelValues("dry_run", d.Action.String()).Inc()
	return d
}

// Submit evaluates change against the guard's own account and applies
// the approved or shrunk size.
func (g *Guard) Submit(change PositionChange) Decision {
	g.mu.Lock()
	change = g.withMark(change)
	d, res := g.evaluate(change, g.account)
	if d.Action != Reject {
		g.account.apply(change.MarketID, d.Size, res.price, res.leverage, g.mmr)
		if _, open := g.account.Positions[change.MarketID]; !open {
			delete(g.tripped, change.MarketID)
		}
	}
	util, _ := g.account.Utilization()
	g.mu.Unlock()

	metrics.RiskDecisions.WithLabelValues("submit", d.Action.String()).Inc()
	metrics.RiskUtilization.Set(util.InexactFloat64())

	logger.Info("Position change decided",
		zap.String("market", change.MarketID),
		zap.String("requested", change.SizeDelta.String()),
		zap.Stringer("action", d.Action),
		zap.String("size", d.Size.String()),
		zap.String("reason", d.Reason),
		zap.String("utilization", d.Utilization.StringFixed(4)))
	return d
}

// OnMarkPrice records a mark price, re-marks the open position of that
// market and raises an EmergencyDeleverage when it first crosses the
// emergency floor. It never blocks.
func (g *Guard) OnMarkPrice(marketID string, mark float64) {
	if marketID == "" || mark <= 0 || math.IsNaN(mark) || math.IsInf(mark, 0) {
		return
	}
	price := decimal.NewFromFloat(mark)

	var ev *EmergencyDeleverage

	g.mu.Lock()
	g.marks[marketID] = price
	if p, ok := g.account.Positions[marketID]; ok {
		p.MarkPrice = price
		g.account.Positions[marketID] = p
		g.account.recompute()

		dist := p.LiquidationDistance()
		if dist.LessThan(g.emergency) {
			if !g.tripped[marketID] {
				g.tripped[marketID] = true
				ev = &EmergencyDeleverage{
					ID:               uuid.New(),
					MarketID:         marketID,
					Size:             p.Size,
					MarkPrice:        price,
					LiquidationPrice: p.LiquidationPrice,
					Distance:         dist,
					Time:             g.now(),
				}
			}
		} else {
			delete(g.tripped, marketID)
		}
	}
	util, _ := g.account.Utilization()
	g.mu.Unlock()

	metrics.RiskUtilization.Set(util.InexactFloat64())
	if ev != nil {
		g.publish(*ev)
	}
}

func (g *Guard) publish(ev EmergencyDeleverage) {
	metrics.RiskEmergencies.Inc()
	logger.Warn("Emergency deleverage",
		zap.String("market", ev.MarketID),
		zap.String("size", ev.Size.String()),
		zap.String("mark", ev.MarkPrice.String()),
		zap.String("liquidation", ev.LiquidationPrice.String()),
		zap.String("distance", ev.Distance.StringFixed(4)))

	select {
	case g.events <- ev:
	default:
		metrics.RiskEventsDropped.Inc()
		logger.Error("Emergency event buffer full, event dropped",
			zap.String("id", ev.ID.String()), zap.String("market", ev.MarketID))
	}
}

func (g *Guard) withMark(change PositionChange) PositionChange {
	if !change.Price.IsPositive() {
		if m, ok := g.marks[change.MarketID]; ok {
			change.Price = m
		}
	}
	return change
}

func (g *Guard) evaluate(change PositionChange, account AccountMarginState) (Decision, resolved) {
	var res resolved

	if change.MarketID == "" {
		return reject(ReasonEmptyMarket), res
	}
	if change.SizeDelta.IsZero() {
		return reject(ReasonZeroSize), res
	}

	base := account.reconciled()
	pos, exists := base.Positions[change.MarketID]

	price := change.Price
	if !price.IsPositive() {
		if !exists || !pos.MarkPrice.IsPositive() {
			return reject(ReasonNoPrice), res
		}
		price = pos.MarkPrice
	}

	lev := change.Leverage
	switch {
	case exists && lev.IsZero():
		lev = pos.Leverage
	case exists && !lev.Equal(pos.Leverage):
		return reject(ReasonLeverageChange), res
	case lev.IsZero():
		lev = g.defaultLeverage
	}
	if lev.LessThan(one) || lev.GreaterThan(g.maxLeverage) {
		return reject(ReasonLeverage), res
	}
	res = resolved{price: price, leverage: lev}

	reduce, open := split(pos.Size, change.SizeDelta)

	// Fills happen at price, so the touched position is marked there.
	if !reduce.IsZero() {
		base.apply(change.MarketID, reduce, price, lev, g.mmr)
	} else if exists {
		pos.MarkPrice = price
		base.Positions[change.MarketID] = pos
		base.recompute()
	}

	if open.IsZero() {
		d := Decision{Action: Approve, Size: change.SizeDelta, Reason: ReasonReduceOnly}
		describe(&d, base)
		return d, res
	}

	d := g.evaluateOpen(base, change.MarketID, open, price, lev)
	if reduce.IsZero() {
		return d, res
	}

	// Flip: the reducing part is approved on its own.
	switch d.Action {
	case Approve, Shrink:
		d.Size = reduce.Add(d.Size)
	case Reject:
		reason := ReasonReduceOnly + ": " + d.Reason
		d = Decision{Action: Shrink, Size: reduce, Reason: reason}
		describe(&d, base)
	}
	return d, res
}

// evaluateOpen decides on the part of a change that adds exposure.
// The floor check uses the distance of the existing positions and of a
// fresh lot at this leverage; an averaged position lies between the two,
// so the outcome does not depend on size.
func (g *Guard) evaluateOpen(base AccountMarginState, marketID string, open, price, lev decimal.Decimal) Decision {
	proj := base.Clone()
	proj.apply(marketID, open, price, lev, g.mmr)

	d := Decision{Action: Reject, Size: decimal.Zero}
	describe(&d, proj)

	if !base.Equity.IsPositive() {
		d.Reason = ReasonNoEquity
		return d
	}

	lowest := one.Div(lev).Sub(g.mmr)
	if existing, ok := base.MinLiquidationDistance(); ok && existing.LessThan(lowest) {
		lowest = existing
	}
	if lowest.LessThan(g.floor) {
		d.Reason = ReasonLiquidationFloor
		return d
	}

	if d.Utilization.GreaterThan(g.ceiling) {
		d.Reason = ReasonMarginCeiling
		return d
	}

	if d.Utilization.GreaterThan(g.warning) {
		room := g.warning.Mul(base.Equity).Sub(base.UsedMargin)
		size := room.Mul(lev).Div(price).Truncate(g.precision)
		if !size.IsPositive() {
			d.Reason = ReasonNoRoom
			return d
		}
		if open.IsNegative() {
			size = size.Neg()
		}

		shrunk := base.Clone()
		shrunk.apply(marketID, size, price, lev, g.mmr)
		d = Decision{Action: Shrink, Size: size, Reason: ReasonMarginWarning}
		describe(&d, shrunk)
		return d
	}

	d.Action = Approve
	d.Size = open
	d.Reason = ReasonNone
	return d
}

func describe(d *Decision, account AccountMarginState) {
	d.Utilization, _ = account.Utilization()
	d.MinLiquidationDistance, _ = account.MinLiquidationDistance()
}
