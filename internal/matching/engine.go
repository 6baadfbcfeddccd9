package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"perpsim/internal/marketdata"
	"perpsim/internal/model"
	"perpsim/internal/types"
)

// sweepDepth caps how many resting levels a market order may walk.
const sweepDepth = 100

// ErrInsufficientMargin aborts a settlement whose residual open would need
// more margin than the account has available. The transaction rolls back.
var ErrInsufficientMargin = errors.New("insufficient available balance for margin")

// Store is the slice of the ledger store the engine settles through. Every
// method runs inside the transaction passed to it.
type Store interface {
	ClaimNextCrossedOrder(ctx context.Context, tx pgx.Tx, symbol string, tradePrice decimal.Decimal) (model.Order, bool, error)
	MarkOrderFilled(ctx context.Context, tx pgx.Tx, orderID string, executedQty, avgPrice decimal.Decimal) error
	OpenPositionForUpdate(ctx context.Context, tx pgx.Tx, accountID, symbol string, side types.PositionSide) (model.Position, bool, error)
	InsertPosition(ctx context.Context, tx pgx.Tx, p model.Position) error
	ExtendPosition(ctx context.Context, tx pgx.Tx, positionID string, quantity, entryPrice, margin decimal.Decimal) error
	ReducePosition(ctx context.Context, tx pgx.Tx, positionID string, quantity, margin decimal.Decimal) error
	ClosePosition(ctx context.Context, tx pgx.Tx, positionID string, status types.PositionStatus) error
	ApplyBalanceDelta(ctx context.Context, tx pgx.Tx, accountID string, available, margin, total decimal.Decimal) error
	GetAccountForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (model.Account, error)
	InsertTrade(ctx context.Context, tx pgx.Tx, t model.Trade) error
}

// Beginner opens the transactions settlements run in. Satisfied by
// pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// MarketData exposes the depth the sweep reads. Owned by the price feed.
type MarketData interface {
	Depth(ctx context.Context, symbol string, side types.BookSide, limit int) ([]model.BookLevel, error)
}

// BracketSource resolves the maintenance margin rate for a notional.
type BracketSource interface {
	MaintMarginRate(ctx context.Context, symbol string, notional decimal.Decimal) (decimal.Decimal, error)
}

type Publisher interface {
	Publish(evt marketdata.Event)
}

type Engine struct {
	db       Beginner
	store    Store
	market   MarketData
	brackets BracketSource
	pub      Publisher
	log      *logrus.Logger
}

func NewEngine(db Beginner, store Store, market MarketData, brackets BracketSource, pub Publisher, log *logrus.Logger) *Engine {
	return &Engine{db: db, store: store, market: market, brackets: brackets, pub: pub, log: log}
}

// ExecuteMarket sweeps the opposite book side for a pending market order and
// settles the fill. An empty book is not an error: the order stays PENDING
// and a zero-fill result is returned.
func (e *Engine) ExecuteMarket(ctx context.Context, ord model.Order) (model.Order, SweepResult, error) {
	bookSide := types.BookSideAsk
	if ord.Side == types.OrderSideSell {
		bookSide = types.BookSideBid
	}
	levels, err := e.market.Depth(ctx, ord.Symbol, bookSide, sweepDepth)
	if err != nil {
		return ord, SweepResult{}, fmt.Errorf("read depth: %w", err)
	}
	res := SweepLevels(levels, ord.Quantity)
	if !res.FilledQty.GreaterThan(decimal.Zero) {
		e.log.WithFields(logrus.Fields{"symbol": ord.Symbol, "side": ord.Side}).Warn("no liquidity for market order")
		return ord, res, nil
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return ord, res, err
	}
	defer tx.Rollback(ctx)
	realized, err := e.settle(ctx, tx, ord, res.FilledQty, res.AvgPrice)
	if err != nil {
		return ord, res, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ord, res, err
	}

	ord.Status = types.OrderStatusFilled
	ord.ExecutedQty = res.FilledQty
	ord.AvgPrice = &res.AvgPrice
	e.publishFill(ord, res.FilledQty, res.AvgPrice, realized)
	return ord, res, nil
}

// MatchLimits settles every pending limit order on symbol crossed by a trade
// print. Each order is claimed and settled in its own transaction so one
// failure neither blocks the rest nor loses the claim exclusivity. Crossed
// orders fill in full at their own limit price.
func (e *Engine) MatchLimits(ctx context.Context, symbol string, tradePrice decimal.Decimal) (int, error) {
	settled := 0
	for {
		ord, realized, ok, err := e.settleNextCrossed(ctx, symbol, tradePrice)
		if err != nil {
			return settled, err
		}
		if !ok {
			return settled, nil
		}
		settled++
		e.publishFill(ord, ord.Quantity, *ord.Price, realized)
	}
}

func (e *Engine) settleNextCrossed(ctx context.Context, symbol string, tradePrice decimal.Decimal) (model.Order, decimal.Decimal, bool, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return model.Order{}, decimal.Zero, false, err
	}
	defer tx.Rollback(ctx)
	ord, ok, err := e.store.ClaimNextCrossedOrder(ctx, tx, symbol, tradePrice)
	if err != nil || !ok {
		return model.Order{}, decimal.Zero, false, err
	}
	realized, err := e.settle(ctx, tx, ord, ord.Quantity, *ord.Price)
	if err != nil {
		return model.Order{}, decimal.Zero, false, fmt.Errorf("settle order %s: %w", ord.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Order{}, decimal.Zero, false, err
	}
	return ord, realized, true, nil
}

// settle applies the shared settlement procedure for a fill of qty at price:
// mark the order filled, net against an opposing open position realizing
// PnL, open or extend a same-side position with any residual, and append the
// trade row. All inside the caller's transaction; any error rolls the whole
// settlement back.
func (e *Engine) settle(ctx context.Context, tx pgx.Tx, ord model.Order, qty, price decimal.Decimal) (decimal.Decimal, error) {
	if err := e.store.MarkOrderFilled(ctx, tx, ord.ID, qty, price); err != nil {
		return decimal.Zero, fmt.Errorf("mark filled: %w", err)
	}

	realized := decimal.Zero
	remaining := qty
	opposing, found, err := e.store.OpenPositionForUpdate(ctx, tx, ord.AccountID, ord.Symbol, ord.Side.Nets())
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock opposing position: %w", err)
	}
	if found {
		out := CloseAgainst(opposing, remaining, price)
		realized = out.RealizedPnL
		avail := out.ReleasedMargin.Add(out.RealizedPnL)
		if err := e.store.ApplyBalanceDelta(ctx, tx, ord.AccountID, avail, out.ReleasedMargin.Neg(), out.RealizedPnL); err != nil {
			return decimal.Zero, fmt.Errorf("apply netting balance: %w", err)
		}
		if out.FullClose {
			if err := e.store.ClosePosition(ctx, tx, opposing.ID, types.PositionStatusClosed); err != nil {
				return decimal.Zero, fmt.Errorf("close position: %w", err)
			}
		} else {
			newQty := opposing.Quantity.Sub(out.CloseQty)
			newMargin := opposing.Margin.Sub(out.ReleasedMargin)
			if err := e.store.ReducePosition(ctx, tx, opposing.ID, newQty, newMargin); err != nil {
				return decimal.Zero, fmt.Errorf("reduce position: %w", err)
			}
		}
		remaining = remaining.Sub(out.CloseQty)
	}

	if remaining.GreaterThan(decimal.Zero) {
		if err := e.openOrExtend(ctx, tx, ord, remaining, price); err != nil {
			return decimal.Zero, err
		}
	} else if ord.Type == types.OrderTypeLimit && ord.ReservedMargin.GreaterThan(decimal.Zero) {
		// Fully netted: the intake reservation is no longer pledged.
		if err := e.store.ApplyBalanceDelta(ctx, tx, ord.AccountID, ord.ReservedMargin, ord.ReservedMargin.Neg(), decimal.Zero); err != nil {
			return decimal.Zero, fmt.Errorf("release reservation: %w", err)
		}
	}

	trade := model.Trade{
		ID:          uuid.NewString(),
		OrderID:     &ord.ID,
		AccountID:   ord.AccountID,
		UserID:      ord.UserID,
		Symbol:      ord.Symbol,
		Side:        ord.Side,
		Quantity:    qty,
		Price:       price,
		RealizedPnL: realized,
	}
	if err := e.store.InsertTrade(ctx, tx, trade); err != nil {
		return decimal.Zero, fmt.Errorf("insert trade: %w", err)
	}
	return realized, nil
}

func (e *Engine) openOrExtend(ctx context.Context, tx pgx.Tx, ord model.Order, remaining, price decimal.Decimal) error {
	needed := InitialMargin(price, remaining, ord.Leverage)
	switch ord.Type {
	case types.OrderTypeMarket:
		// Market fills could not reserve up front; pledge the margin now,
		// inside the account's row lock so the balance cannot go negative.
		acc, err := e.store.GetAccountForUpdate(ctx, tx, ord.AccountID)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if acc.AvailableBalance.LessThan(needed) {
			return fmt.Errorf("%w: need %s, available %s", ErrInsufficientMargin, needed, acc.AvailableBalance)
		}
		if err := e.store.ApplyBalanceDelta(ctx, tx, ord.AccountID, needed.Neg(), needed, decimal.Zero); err != nil {
			return fmt.Errorf("pledge margin: %w", err)
		}
	case types.OrderTypeLimit:
		// Intake reserved for the full quantity; hand back whatever the
		// netted portion no longer needs.
		release := ord.ReservedMargin.Sub(needed)
		if release.GreaterThan(decimal.Zero) {
			if err := e.store.ApplyBalanceDelta(ctx, tx, ord.AccountID, release, release.Neg(), decimal.Zero); err != nil {
				return fmt.Errorf("release excess reservation: %w", err)
			}
		}
	}

	side := ord.Side.Opens()
	same, found, err := e.store.OpenPositionForUpdate(ctx, tx, ord.AccountID, ord.Symbol, side)
	if err != nil {
		return fmt.Errorf("lock same-side position: %w", err)
	}
	if found {
		entry := WeightedEntry(same.Quantity, same.EntryPrice, remaining, price)
		return e.store.ExtendPosition(ctx, tx, same.ID, same.Quantity.Add(remaining), entry, same.Margin.Add(needed))
	}

	mmr, err := e.brackets.MaintMarginRate(ctx, ord.Symbol, price.Mul(remaining))
	if err != nil {
		return fmt.Errorf("resolve maintenance margin rate: %w", err)
	}
	liq := LiquidationPrice(side, price, ord.Leverage, mmr)
	pos := model.Position{
		ID:               uuid.NewString(),
		AccountID:        ord.AccountID,
		UserID:           ord.UserID,
		Symbol:           ord.Symbol,
		Side:             side,
		Quantity:         remaining,
		EntryPrice:       price,
		Leverage:         ord.Leverage,
		Margin:           needed,
		LiquidationPrice: &liq,
	}
	return e.store.InsertPosition(ctx, tx, pos)
}

func (e *Engine) publishFill(ord model.Order, qty, price, realized decimal.Decimal) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(marketdata.Event{Type: "fill", Data: map[string]string{
		"order_id":     ord.ID,
		"symbol":       ord.Symbol,
		"side":         string(ord.Side),
		"quantity":     qty.String(),
		"price":        price.String(),
		"realized_pnl": realized.String(),
	}})
}
