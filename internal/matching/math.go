package matching

import (
	"github.com/shopspring/decimal"

	"perpsim/internal/model"
	"perpsim/internal/types"
)

// SweepResult is the outcome of walking the opposite book side for a market
// order. A zero FilledQty means no liquidity; the caller leaves the order
// pending.
type SweepResult struct {
	AvgPrice  decimal.Decimal
	FilledQty decimal.Decimal
	TotalCost decimal.Decimal
}

// SweepLevels consumes resting levels best-first until the requested
// quantity is filled or the levels run out. Levels must already be sorted
// best-first (asks ascending, bids descending).
func SweepLevels(levels []model.BookLevel, quantity decimal.Decimal) SweepResult {
	remaining := quantity
	var filled, cost decimal.Decimal
	for _, lvl := range levels {
		if !remaining.GreaterThan(decimal.Zero) {
			break
		}
		tradeQty := decimal.Min(remaining, lvl.Quantity)
		if !tradeQty.GreaterThan(decimal.Zero) {
			continue
		}
		cost = cost.Add(lvl.Price.Mul(tradeQty))
		filled = filled.Add(tradeQty)
		remaining = remaining.Sub(tradeQty)
	}
	res := SweepResult{FilledQty: filled, TotalCost: cost}
	if filled.GreaterThan(decimal.Zero) {
		res.AvgPrice = cost.Div(filled)
	}
	return res
}

// WeightedEntry is the quantity-weighted average entry price after adding a
// fill of addQty@addPrice to an existing exposure of baseQty@basePrice.
func WeightedEntry(baseQty, basePrice, addQty, addPrice decimal.Decimal) decimal.Decimal {
	total := baseQty.Add(addQty)
	if !total.GreaterThan(decimal.Zero) {
		return decimal.Zero
	}
	return baseQty.Mul(basePrice).Add(addQty.Mul(addPrice)).Div(total)
}

// CloseOutcome describes netting a fill against an opposing open position.
type CloseOutcome struct {
	CloseQty       decimal.Decimal
	RealizedPnL    decimal.Decimal
	ReleasedMargin decimal.Decimal
	FullClose      bool
}

// CloseAgainst nets up to qty of a fill at price against pos. Realized PnL is
// signed from the closed position's point of view and, because margin is
// isolated, a loss is clamped to the margin released by the close.
func CloseAgainst(pos model.Position, qty, price decimal.Decimal) CloseOutcome {
	closeQty := decimal.Min(qty, pos.Quantity)
	direction := decimal.NewFromInt(1)
	if pos.Side == types.PositionSideShort {
		direction = decimal.NewFromInt(-1)
	}
	pnl := price.Sub(pos.EntryPrice).Mul(closeQty).Mul(direction)
	released := pos.Margin
	full := closeQty.Equal(pos.Quantity)
	if !full {
		released = pos.Margin.Mul(closeQty).Div(pos.Quantity)
	}
	if pnl.IsNegative() && pnl.Abs().GreaterThan(released) {
		pnl = released.Neg()
	}
	return CloseOutcome{
		CloseQty:       closeQty,
		RealizedPnL:    pnl,
		ReleasedMargin: released,
		FullClose:      full,
	}
}

// InitialMargin is the isolated margin pledged for a fill at price.
func InitialMargin(price, qty decimal.Decimal, leverage int) decimal.Decimal {
	return price.Mul(qty).Div(decimal.NewFromInt(int64(leverage)))
}

// LiquidationPrice computes the bankruptcy threshold for an isolated
// position: LONG entry*(1 - 1/leverage + mmr), SHORT entry*(1 + 1/leverage - mmr).
func LiquidationPrice(side types.PositionSide, entry decimal.Decimal, leverage int, mmr decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	invLev := one.Div(decimal.NewFromInt(int64(leverage)))
	if side == types.PositionSideLong {
		return entry.Mul(one.Sub(invLev).Add(mmr))
	}
	return entry.Mul(one.Add(invLev).Sub(mmr))
}
