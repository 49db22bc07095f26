package risk

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Position is one isolated-margin perpetual position. Size is signed,
// positive for long and negative for short.
type Position struct {
	MarketID         string          `json:"market_id"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Leverage         decimal.Decimal `json:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
}

// IsLong reports whether the position is long
func (p Position) IsLong() bool {
	return p.Size.IsPositive()
}

// Margin returns the margin locked at entry
func (p Position) Margin() decimal.Decimal {
	if p.Leverage.IsZero() {
		return decimal.Zero
	}
	return p.Size.Abs().Mul(p.EntryPrice).Div(p.Leverage)
}

// UnrealizedPnL is marked against MarkPrice, zero without a mark
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.MarkPrice.IsZero() {
		return decimal.Zero
	}
	return p.Size.Mul(p.MarkPrice.Sub(p.EntryPrice))
}

// LiquidationDistance is the fraction the mark can move against the
// position before liquidation. It goes negative past the liquidation price.
func (p Position) LiquidationDistance() decimal.Decimal {
	ref := p.MarkPrice
	if ref.IsZero() {
		ref = p.EntryPrice
	}
	if ref.IsZero() {
		return decimal.Zero
	}
	if p.IsLong() {
		return ref.Sub(p.LiquidationPrice).Div(ref)
	}
	return p.LiquidationPrice.Sub(ref).Div(ref)
}

// liquidationPrice for an isolated position: long entry·(1-1/lev+mmr), short entry·(1+1/lev-mmr)
func liquidationPrice(size, entry, leverage, mmr decimal.Decimal) decimal.Decimal {
	if leverage.IsZero() || size.IsZero() {
		return decimal.Zero
	}
	inv := decimal.NewFromInt(1).Div(leverage)
	if size.IsPositive() {
		return entry.Mul(decimal.NewFromInt(1).Sub(inv).Add(mmr))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(inv).Sub(mmr))
}

// AccountMarginState is the margin account as seen by the guard
type AccountMarginState struct {
	Balance    decimal.Decimal     `json:"balance"`
	Equity     decimal.Decimal     `json:"equity"`
	UsedMargin decimal.Decimal     `json:"used_margin"`
	Positions  map[string]Position `json:"positions"`

	// margin locked outside Positions, kept in UsedMargin across recompute
	external decimal.Decimal
}

// NewAccount returns a flat account holding balance
func NewAccount(balance decimal.Decimal) AccountMarginState {
	return AccountMarginState{
		Balance:    balance,
		Equity:     balance,
		UsedMargin: decimal.Zero,
		Positions:  make(map[string]Position),
	}
}

// Clone returns a deep copy
func (a AccountMarginState) Clone() AccountMarginState {
	out := a
	out.Positions = make(map[string]Position, len(a.Positions))
	for id, p := range a.Positions {
		out.Positions[id] = p
	}
	return out
}

// Utilization returns UsedMargin/Equity. ok is false when equity is not positive.
func (a AccountMarginState) Utilization() (util decimal.Decimal, ok bool) {
	if !a.Equity.IsPositive() {
		return decimal.Zero, false
	}
	return a.UsedMargin.Div(a.Equity), true
}

// MinLiquidationDistance returns the smallest distance over open positions
func (a AccountMarginState) MinLiquidationDistance() (decimal.Decimal, bool) {
	var (
		lowest decimal.Decimal
		found  bool
	)
	for _, id := range a.marketIDs() {
		p := a.Positions[id]
		if p.Size.IsZero() {
			continue
		}
		d := p.LiquidationDistance()
		if !found || d.LessThan(lowest) {
			lowest, found = d, true
		}
	}
	return lowest, found
}

// reconciled adopts the totals a caller reported. Margin in UsedMargin
// beyond what Positions lock is kept as external margin, and a non-zero
// Equity wins over Balance.
func (a AccountMarginState) reconciled() AccountMarginState {
	out := a.Clone()
	used, pnl := out.positionTotals()
	if ext := a.UsedMargin.Sub(used); ext.IsPositive() {
		out.external = ext
	} else {
		out.external = decimal.Zero
	}
	if !a.Equity.IsZero() {
		out.Balance = a.Equity.Sub(pnl)
	}
	out.recompute()
	return out
}

// recompute derives Equity and UsedMargin, summing in market order
func (a *AccountMarginState) recompute() {
	used, pnl := a.positionTotals()
	a.UsedMargin = used.Add(a.external)
	a.Equity = a.Balance.Add(pnl)
}

func (a AccountMarginState) positionTotals() (used, pnl decimal.Decimal) {
	used, pnl = decimal.Zero, decimal.Zero
	for _, id := range a.marketIDs() {
		p := a.Positions[id]
		used = used.Add(p.Margin())
		pnl = pnl.Add(p.UnrealizedPnL())
	}
	return used, pnl
}

func (a AccountMarginState) marketIDs() []string {
	ids := make([]string, 0, len(a.Positions))
	for id := range a.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// split divides delta into the part that reduces the current position
// and the part that opens or extends exposure.
func split(size, delta decimal.Decimal) (reduce, open decimal.Decimal) {
	if size.IsZero() || size.Sign() == delta.Sign() {
		return decimal.Zero, delta
	}
	if delta.Abs().LessThanOrEqual(size.Abs()) {
		return delta, decimal.Zero
	}
	return size.Neg(), delta.Add(size)
}

// apply fills delta at price. Reductions realize PnL into the balance,
// extensions average the entry price.
func (a *AccountMarginState) apply(marketID string, delta, price, leverage, mmr decimal.Decimal) {
	if a.Positions == nil {
		a.Positions = make(map[string]Position)
	}
	p, ok := a.Positions[marketID]
	if !ok {
		p = Position{MarketID: marketID, Leverage: leverage}
	}

	reduce, open := split(p.Size, delta)

	if !reduce.IsZero() {
		a.Balance = a.Balance.Sub(reduce.Mul(price.Sub(p.EntryPrice)))
		p.Size = p.Size.Add(reduce)
	}

	if !open.IsZero() {
		if p.Size.IsZero() {
			p.EntryPrice = price
			p.Leverage = leverage
		} else {
			held := p.Size.Abs()
			added := open.Abs()
			p.EntryPrice = held.Mul(p.EntryPrice).Add(added.Mul(price)).Div(held.Add(added))
		}
		p.Size = p.Size.Add(open)
	}

	if p.Size.IsZero() {
		delete(a.Positions, marketID)
	} else {
		p.MarkPrice = price
		p.LiquidationPrice = liquidationPrice(p.Size, p.EntryPrice, p.Leverage, mmr)
		a.Positions[marketID] = p
	}
	a.recompute()
}
