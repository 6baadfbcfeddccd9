package types

type OrderSide string

type OrderType string

type OrderStatus string

type PositionSide string

type PositionStatus string

type BookSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

const (
	PositionStatusOpen       PositionStatus = "OPEN"
	PositionStatusClosed     PositionStatus = "CLOSED"
	PositionStatusLiquidated PositionStatus = "LIQUIDATED"
)

const (
	BookSideBid BookSide = "BID"
	BookSideAsk BookSide = "ASK"
)

// Terminal reports whether an order in this status must never be mutated again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Nets returns the position side an order of this side closes against.
func (s OrderSide) Nets() PositionSide {
	if s == OrderSideBuy {
		return PositionSideShort
	}
	return PositionSideLong
}

// Opens returns the position side an order of this side opens or extends.
func (s OrderSide) Opens() PositionSide {
	if s == OrderSideBuy {
		return PositionSideLong
	}
	return PositionSideShort
}

// ClosingOrderSide is the order side that closes a position of this side.
func (s PositionSide) ClosingOrderSide() OrderSide {
	if s == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}
