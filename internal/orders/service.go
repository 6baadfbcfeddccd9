package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"perpsim/internal/accounts"
	"perpsim/internal/ledger"
	"perpsim/internal/matching"
	"perpsim/internal/model"
	"perpsim/internal/types"
)

const (
	minLeverage = 1
	maxLeverage = 125

	defaultListLimit = 200
	maxListLimit     = 1000
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order can no longer be cancelled")
)

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}

// DB is the pool surface the service needs. Satisfied by pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store is the slice of the ledger store intake and cancel run through.
type Store interface {
	CreateOrder(ctx context.Context, tx pgx.Tx, o model.Order) error
	GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (model.Order, error)
	UpdateOrderStatus(ctx context.Context, tx pgx.Tx, orderID string, status types.OrderStatus) error
	ListOrders(ctx context.Context, tx pgx.Tx, accountID string, statuses []types.OrderStatus, limit int) ([]model.Order, error)
	GetAccountForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (model.Account, error)
	ApplyBalanceDelta(ctx context.Context, tx pgx.Tx, accountID string, available, margin, total decimal.Decimal) error
}

type AccountResolver interface {
	Resolve(ctx context.Context, userID, accountID string) (model.Account, error)
}

type MarketExecutor interface {
	ExecuteMarket(ctx context.Context, ord model.Order) (model.Order, matching.SweepResult, error)
}

type Service struct {
	db       DB
	store    Store
	accounts AccountResolver
	engine   MarketExecutor
	log      *logrus.Logger
}

func NewService(db DB, store Store, accountSvc AccountResolver, engine MarketExecutor, log *logrus.Logger) *Service {
	return &Service{db: db, store: store, accounts: accountSvc, engine: engine, log: log}
}

type PlaceOrderRequest struct {
	UserID    string
	AccountID string
	Symbol    string
	Side      types.OrderSide
	Type      types.OrderType
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
	Leverage  int
}

type PlaceOrderResult struct {
	OrderID     string            `json:"order_id"`
	Status      types.OrderStatus `json:"status"`
	ExecutedQty decimal.Decimal   `json:"executed_quantity"`
	AvgPrice    *decimal.Decimal  `json:"avg_price,omitempty"`
}

func validate(req PlaceOrderRequest) error {
	if req.UserID == "" {
		return invalid("user_id is required")
	}
	if req.Symbol == "" {
		return invalid("symbol is required")
	}
	if req.Side != types.OrderSideBuy && req.Side != types.OrderSideSell {
		return invalid("invalid side")
	}
	if req.Type != types.OrderTypeMarket && req.Type != types.OrderTypeLimit {
		return invalid("invalid type")
	}
	if !req.Quantity.GreaterThan(decimal.Zero) {
		return invalid("quantity must be positive")
	}
	if req.Type == types.OrderTypeLimit {
		if req.Price == nil {
			return invalid("price required for limit order")
		}
		if !req.Price.GreaterThan(decimal.Zero) {
			return invalid("price must be positive")
		}
	}
	if req.Leverage < minLeverage || req.Leverage > maxLeverage {
		return fmt.Errorf("%w: leverage must be between %d and %d", ErrInvalidRequest, minLeverage, maxLeverage)
	}
	return nil
}

// PlaceOrder validates the request, reserves margin for limit orders, and
// executes market orders synchronously against the book.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := validate(req); err != nil {
		return PlaceOrderResult{}, err
	}
	acc, err := s.accounts.Resolve(ctx, req.UserID, req.AccountID)
	if err != nil {
		return PlaceOrderResult{}, err
	}

	ord := model.Order{
		ID:        uuid.NewString(),
		AccountID: acc.ID,
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    types.OrderStatusPending,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Leverage:  req.Leverage,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return PlaceOrderResult{}, err
	}
	defer tx.Rollback(ctx)
	if ord.Type == types.OrderTypeLimit {
		// Reservation covers the full quantity at the limit price; any
		// part later netted against a position is released at settlement.
		required := matching.InitialMargin(*ord.Price, ord.Quantity, ord.Leverage)
		locked, err := s.store.GetAccountForUpdate(ctx, tx, acc.ID)
		if err != nil {
			return PlaceOrderResult{}, err
		}
		if locked.AvailableBalance.LessThan(required) {
			return PlaceOrderResult{}, ErrInsufficientBalance
		}
		if err := s.store.ApplyBalanceDelta(ctx, tx, acc.ID, required.Neg(), required, decimal.Zero); err != nil {
			return PlaceOrderResult{}, err
		}
		ord.ReservedMargin = required
	}
	if err := s.store.CreateOrder(ctx, tx, ord); err != nil {
		return PlaceOrderResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return PlaceOrderResult{}, err
	}

	if ord.Type == types.OrderTypeLimit {
		s.log.WithFields(logrus.Fields{"order_id": ord.ID, "symbol": ord.Symbol, "price": ord.Price}).Info("limit order accepted")
		return PlaceOrderResult{OrderID: ord.ID, Status: ord.Status, ExecutedQty: decimal.Zero}, nil
	}

	filled, res, err := s.engine.ExecuteMarket(ctx, ord)
	if errors.Is(err, matching.ErrInsufficientMargin) {
		// The settlement rolled back; the order must not stay PENDING.
		s.reject(ctx, ord.ID)
		return PlaceOrderResult{}, ErrInsufficientBalance
	}
	if err != nil {
		return PlaceOrderResult{}, err
	}
	out := PlaceOrderResult{OrderID: filled.ID, Status: filled.Status, ExecutedQty: res.FilledQty}
	if res.FilledQty.GreaterThan(decimal.Zero) {
		out.AvgPrice = &res.AvgPrice
	}
	return out, nil
}

func (s *Service) reject(ctx context.Context, orderID string) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		s.log.WithError(err).WithField("order_id", orderID).Error("failed to reject order")
		return
	}
	defer tx.Rollback(ctx)
	if err := s.store.UpdateOrderStatus(ctx, tx, orderID, types.OrderStatusRejected); err != nil {
		s.log.WithError(err).WithField("order_id", orderID).Error("failed to reject order")
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.log.WithError(err).WithField("order_id", orderID).Error("failed to reject order")
	}
}

// Cancel voids a pending order and refunds exactly the margin it reserved.
func (s *Service) Cancel(ctx context.Context, userID, accountID, orderID string) error {
	if userID == "" {
		return invalid("user_id is required")
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	ord, err := s.store.GetOrderForUpdate(ctx, tx, orderID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if ord.UserID != userID {
		return accounts.ErrAccountMismatch
	}
	if accountID != "" && ord.AccountID != accountID {
		return accounts.ErrAccountMismatch
	}
	if ord.Status != types.OrderStatusPending && ord.Status != types.OrderStatusPartiallyFilled {
		return ErrOrderNotCancellable
	}
	if ord.ReservedMargin.GreaterThan(decimal.Zero) {
		if err := s.store.ApplyBalanceDelta(ctx, tx, ord.AccountID, ord.ReservedMargin, ord.ReservedMargin.Neg(), decimal.Zero); err != nil {
			return err
		}
	}
	if err := s.store.UpdateOrderStatus(ctx, tx, ord.ID, types.OrderStatusCancelled); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (s *Service) ListOpen(ctx context.Context, userID, accountID string, limit int) ([]model.Order, error) {
	return s.list(ctx, userID, accountID, limit, []types.OrderStatus{types.OrderStatusPending, types.OrderStatusPartiallyFilled})
}

func (s *Service) History(ctx context.Context, userID, accountID string, limit int) ([]model.Order, error) {
	return s.list(ctx, userID, accountID, limit, []types.OrderStatus{
		types.OrderStatusFilled,
		types.OrderStatusCancelled,
		types.OrderStatusExpired,
	})
}

func (s *Service) list(ctx context.Context, userID, accountID string, limit int, statuses []types.OrderStatus) ([]model.Order, error) {
	if userID == "" {
		return nil, invalid("user_id is required")
	}
	acc, err := s.accounts.Resolve(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	out, err := s.store.ListOrders(ctx, tx, acc.ID, statuses, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

// Trades returns the account's executions, newest first.
func (s *Service) Trades(ctx context.Context, userID, accountID string, limit int) ([]model.Trade, error) {
	if userID == "" {
		return nil, invalid("user_id is required")
	}
	acc, err := s.accounts.Resolve(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		select id, order_id, account_id, user_id, symbol, side, quantity, price, realized_pnl, created_at
		from trades
		where account_id = $1
		order by created_at desc
		limit $2
	`, acc.ID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var side string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.AccountID, &t.UserID, &t.Symbol, &side, &t.Quantity, &t.Price, &t.RealizedPnL, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Side = types.OrderSide(side)
		out = append(out, t)
	}
	return out, rows.Err()
}
