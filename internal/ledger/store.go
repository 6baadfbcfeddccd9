package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"perpsim/internal/model"
	"perpsim/internal/types"
)

var ErrNotFound = errors.New("not found")

// Store holds the SQL for the trading relations. Every mutating method takes
// an explicit pgx.Tx so the caller controls the transaction boundary; mutual
// exclusion between concurrent settlers comes from row locking, not from
// process-local state.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

const orderColumns = "id, account_id, user_id, symbol, side, type, status, quantity, price, leverage, executed_quantity, avg_price, reserved_margin, filled_at, created_at, updated_at"

func scanOrder(row pgx.Row) (model.Order, error) {
	var o model.Order
	var side, typ, status string
	err := row.Scan(&o.ID, &o.AccountID, &o.UserID, &o.Symbol, &side, &typ, &status, &o.Quantity, &o.Price, &o.Leverage, &o.ExecutedQty, &o.AvgPrice, &o.ReservedMargin, &o.FilledAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.Side = types.OrderSide(side)
	o.Type = types.OrderType(typ)
	o.Status = types.OrderStatus(status)
	return o, nil
}

func (s *Store) CreateOrder(ctx context.Context, tx pgx.Tx, o model.Order) error {
	_, err := tx.Exec(ctx, `
		insert into orders (id, account_id, user_id, symbol, side, type, status, quantity, price, leverage, executed_quantity, reserved_margin, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,$11,now(),now())
	`, o.ID, o.AccountID, o.UserID, o.Symbol, string(o.Side), string(o.Type), string(o.Status), o.Quantity, o.Price, o.Leverage, o.ReservedMargin)
	return err
}

func (s *Store) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (model.Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx, "select "+orderColumns+" from orders where id = $1 for update", orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, ErrNotFound
	}
	return o, err
}

// ClaimNextCrossedOrder locks one pending limit order on symbol whose limit
// price crosses tradePrice. SKIP LOCKED makes the claim exclusive across
// concurrent matchers: a row already claimed by another transaction is
// skipped, never settled twice.
func (s *Store) ClaimNextCrossedOrder(ctx context.Context, tx pgx.Tx, symbol string, tradePrice decimal.Decimal) (model.Order, bool, error) {
	o, err := scanOrder(tx.QueryRow(ctx, `
		select `+orderColumns+` from orders
		where symbol = $1 and type = 'LIMIT' and status = 'PENDING'
		  and ((side = 'BUY' and price >= $2) or (side = 'SELL' and price <= $2))
		order by created_at asc, id asc
		limit 1
		for update skip locked
	`, symbol, tradePrice))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Order{}, false, nil
	}
	if err != nil {
		return model.Order{}, false, err
	}
	return o, true, nil
}

func (s *Store) MarkOrderFilled(ctx context.Context, tx pgx.Tx, orderID string, executedQty, avgPrice decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		update orders
		set status = 'FILLED', executed_quantity = $1, avg_price = $2, filled_at = now(), updated_at = now()
		where id = $3
	`, executedQty, avgPrice, orderID)
	return err
}

func (s *Store) UpdateOrderStatus(ctx context.Context, tx pgx.Tx, orderID string, status types.OrderStatus) error {
	_, err := tx.Exec(ctx, "update orders set status = $1, updated_at = now() where id = $2", string(status), orderID)
	return err
}

func (s *Store) ListOrders(ctx context.Context, tx pgx.Tx, accountID string, statuses []types.OrderStatus, limit int) ([]model.Order, error) {
	vals := make([]string, 0, len(statuses))
	for _, st := range statuses {
		vals = append(vals, string(st))
	}
	rows, err := tx.Query(ctx, `
		select `+orderColumns+` from orders
		where account_id = $1 and status = any($2)
		order by created_at desc
		limit $3
	`, accountID, vals, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const positionColumns = "id, account_id, user_id, symbol, side, status, quantity, initial_quantity, entry_price, leverage, margin, liquidation_price, closed_at, created_at, updated_at"

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var side, status string
	err := row.Scan(&p.ID, &p.AccountID, &p.UserID, &p.Symbol, &side, &status, &p.Quantity, &p.InitialQuantity, &p.EntryPrice, &p.Leverage, &p.Margin, &p.LiquidationPrice, &p.ClosedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.Side = types.PositionSide(side)
	p.Status = types.PositionStatus(status)
	return p, nil
}

// OpenPositionForUpdate locks the single OPEN position on (account, symbol,
// side) if one exists. A settlement racing the liquidation monitor blocks
// here and sees the post-commit state.
func (s *Store) OpenPositionForUpdate(ctx context.Context, tx pgx.Tx, accountID, symbol string, side types.PositionSide) (model.Position, bool, error) {
	p, err := scanPosition(tx.QueryRow(ctx, `
		select `+positionColumns+` from positions
		where account_id = $1 and symbol = $2 and side = $3 and status = 'OPEN'
		for update
	`, accountID, symbol, string(side)))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, err
	}
	return p, true, nil
}

func (s *Store) InsertPosition(ctx context.Context, tx pgx.Tx, p model.Position) error {
	_, err := tx.Exec(ctx, `
		insert into positions (id, account_id, user_id, symbol, side, status, quantity, initial_quantity, entry_price, leverage, margin, liquidation_price, created_at, updated_at)
		values ($1,$2,$3,$4,$5,'OPEN',$6,$6,$7,$8,$9,$10,now(),now())
	`, p.ID, p.AccountID, p.UserID, p.Symbol, string(p.Side), p.Quantity, p.EntryPrice, p.Leverage, p.Margin, p.LiquidationPrice)
	return err
}

// ExtendPosition adds quantity and margin to an existing open position and
// re-averages the entry price. The liquidation price is left untouched.
func (s *Store) ExtendPosition(ctx context.Context, tx pgx.Tx, positionID string, quantity, entryPrice, margin decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		update positions
		set quantity = $1, entry_price = $2, margin = $3, updated_at = now()
		where id = $4
	`, quantity, entryPrice, margin, positionID)
	return err
}

func (s *Store) ReducePosition(ctx context.Context, tx pgx.Tx, positionID string, quantity, margin decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		update positions
		set quantity = $1, margin = $2, updated_at = now()
		where id = $3
	`, quantity, margin, positionID)
	return err
}

func (s *Store) ClosePosition(ctx context.Context, tx pgx.Tx, positionID string, status types.PositionStatus) error {
	_, err := tx.Exec(ctx, `
		update positions
		set status = $1, quantity = 0, margin = 0, closed_at = now(), updated_at = now()
		where id = $2
	`, string(status), positionID)
	return err
}

// GetPositionForUpdate locks one position row by id. Callers racing the
// matching engine block here and must re-check the reloaded state before
// acting on it.
func (s *Store) GetPositionForUpdate(ctx context.Context, tx pgx.Tx, positionID string) (model.Position, error) {
	p, err := scanPosition(tx.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1 for update", positionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// OpenPositionsForLiquidation returns every OPEN position that has a
// liquidation price set. No locks are taken; the caller re-locks each
// candidate individually before liquidating it.
func (s *Store) OpenPositionsForLiquidation(ctx context.Context, tx pgx.Tx) ([]model.Position, error) {
	rows, err := tx.Query(ctx, `
		select `+positionColumns+` from positions
		where status = 'OPEN' and liquidation_price is not null
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListOpenPositions(ctx context.Context, tx pgx.Tx, accountID string) ([]model.Position, error) {
	rows, err := tx.Query(ctx, `
		select `+positionColumns+` from positions
		where account_id = $1 and status = 'OPEN' and quantity > 0
		order by created_at asc
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ApplyBalanceDelta adjusts one account's balances in place. The UPDATE takes
// the row lock, so concurrent settlements serialize per account.
func (s *Store) ApplyBalanceDelta(ctx context.Context, tx pgx.Tx, accountID string, available, margin, total decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		update accounts
		set available_balance = available_balance + $1,
		    margin_balance = margin_balance + $2,
		    total_balance = total_balance + $3,
		    updated_at = now()
		where id = $4
	`, available, margin, total, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (model.Account, error) {
	var a model.Account
	err := tx.QueryRow(ctx, `
		select id, user_id, name, is_default, total_balance, available_balance, margin_balance, unrealized_pnl, total_pnl, created_at, updated_at
		from accounts where id = $1
		for update
	`, accountID).Scan(&a.ID, &a.UserID, &a.Name, &a.IsDefault, &a.TotalBalance, &a.AvailableBalance, &a.MarginBalance, &a.UnrealizedPnL, &a.TotalPnL, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (s *Store) InsertTrade(ctx context.Context, tx pgx.Tx, t model.Trade) error {
	_, err := tx.Exec(ctx, `
		insert into trades (id, order_id, account_id, user_id, symbol, side, quantity, price, realized_pnl, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, t.ID, t.OrderID, t.AccountID, t.UserID, t.Symbol, string(t.Side), t.Quantity, t.Price, t.RealizedPnL, timeOrNow(t.CreatedAt))
	return err
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
