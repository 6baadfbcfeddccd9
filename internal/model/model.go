package model

import (
	"time"

	"github.com/shopspring/decimal"

	"perpsim/internal/types"
)

type Account struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Name             string          `json:"name"`
	IsDefault        bool            `json:"is_default"`
	TotalBalance     decimal.Decimal `json:"total_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	MarginBalance    decimal.Decimal `json:"margin_balance"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type Order struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	UserID         string            `json:"user_id"`
	Symbol         string            `json:"symbol"`
	Side           types.OrderSide   `json:"side"`
	Type           types.OrderType   `json:"type"`
	Status         types.OrderStatus `json:"status"`
	Quantity       decimal.Decimal   `json:"quantity"`
	Price          *decimal.Decimal  `json:"price"`
	Leverage       int               `json:"leverage"`
	ExecutedQty    decimal.Decimal   `json:"executed_quantity"`
	AvgPrice       *decimal.Decimal  `json:"avg_price"`
	ReservedMargin decimal.Decimal   `json:"reserved_margin"`
	FilledAt       *time.Time        `json:"filled_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type Position struct {
	ID               string               `json:"id"`
	AccountID        string               `json:"account_id"`
	UserID           string               `json:"user_id"`
	Symbol           string               `json:"symbol"`
	Side             types.PositionSide   `json:"side"`
	Status           types.PositionStatus `json:"status"`
	Quantity         decimal.Decimal      `json:"quantity"`
	InitialQuantity  decimal.Decimal      `json:"initial_quantity"`
	EntryPrice       decimal.Decimal      `json:"entry_price"`
	Leverage         int                  `json:"leverage"`
	Margin           decimal.Decimal      `json:"margin"`
	LiquidationPrice *decimal.Decimal     `json:"liquidation_price"`
	ClosedAt         *time.Time           `json:"closed_at"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

type Trade struct {
	ID          string          `json:"id"`
	OrderID     *string         `json:"order_id"`
	AccountID   string          `json:"account_id"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Side        types.OrderSide `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BookLevel is one resting (symbol, side, price) row of the orderbook
// snapshot maintained by the price-feed collector.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type LeverageBracket struct {
	Symbol          string          `json:"symbol"`
	BracketID       int             `json:"bracket_id"`
	InitialLeverage int             `json:"initial_leverage"`
	MinNotional     decimal.Decimal `json:"min_notional"`
	MaxNotional     decimal.Decimal `json:"max_notional"`
	MaintMarginRate decimal.Decimal `json:"maint_margin_rate"`
	CumMaintAmount  decimal.Decimal `json:"cum_maint_amount"`
}
