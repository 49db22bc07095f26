package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Action is the outcome of a risk evaluation
type Action int

const (
	Approve Action = iota
	Shrink
	Reject
)

func (a Action) String() string {
	switch a {
	case Approve:
		return "approve"
	case Shrink:
		return "shrink"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// MarshalText encodes the action by name
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an action name
func (a *Action) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "approve":
		*a = Approve
	case "shrink":
		*a = Shrink
	case "reject":
		*a = Reject
	default:
		return fmt.Errorf("unknown action %q", string(b))
	}
	return nil
}

// Reasons attached to non-approving decisions
const (
	ReasonNone             = ""
	ReasonEmptyMarket      = "empty market id"
	ReasonZeroSize         = "zero size delta"
	ReasonNoPrice          = "no reference price"
	ReasonLeverage         = "leverage out of range"
	ReasonLeverageChange   = "leverage differs from open position"
	ReasonNoEquity         = "account has no equity"
	ReasonLiquidationFloor = "liquidation distance below floor"
	ReasonMarginCeiling    = "margin utilization above ceiling"
	ReasonMarginWarning    = "margin utilization above warning"
	ReasonNoRoom           = "no size fits under the warning threshold"
	ReasonReduceOnly       = "reduce only"
)

// PositionChange is a proposed fill. Zero Price means the last known mark,
// zero Leverage means the open position's leverage or the default.
type PositionChange struct {
	MarketID  string          `json:"market_id"`
	SizeDelta decimal.Decimal `json:"size_delta"`
	Price     decimal.Decimal `json:"price"`
	Leverage  decimal.Decimal `json:"leverage"`
}

// Decision is the guard's answer to a PositionChange. Size is the approved
// signed delta and is zero on Reject. Utilization and MinLiquidationDistance
// describe the projected account.
type Decision struct {
	Action                 Action          `json:"action"`
	Size                   decimal.Decimal `json:"size"`
	Reason                 string          `json:"reason,omitempty"`
	Utilization            decimal.Decimal `json:"utilization"`
	MinLiquidationDistance decimal.Decimal `json:"min_liquidation_distance"`
}

func reject(reason string) Decision {
	return Decision{Action: Reject, Size: decimal.Zero, Reason: reason}
}
