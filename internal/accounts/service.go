package accounts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"perpsim/internal/model"
	"perpsim/internal/types"
)

const maxAccountsPerUser = 5

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountMismatch = errors.New("account does not belong to user")
	ErrTooManyAccounts = errors.New("account limit reached")
	ErrNameTaken       = errors.New("account name already in use")
)

// MarkSource supplies the mid prices used to value open positions.
type MarkSource interface {
	MarkPrices(ctx context.Context) (map[string]decimal.Decimal, error)
}

type Service struct {
	pool            *pgxpool.Pool
	market          MarkSource
	startingBalance decimal.Decimal
}

func NewService(pool *pgxpool.Pool, market MarkSource, startingBalance decimal.Decimal) *Service {
	return &Service{pool: pool, market: market, startingBalance: startingBalance}
}

const accountColumns = "id, user_id, name, is_default, total_balance, available_balance, margin_balance, unrealized_pnl, total_pnl, created_at, updated_at"

func scanAccount(row pgx.Row) (model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.IsDefault, &a.TotalBalance, &a.AvailableBalance, &a.MarginBalance, &a.UnrealizedPnL, &a.TotalPnL, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// Resolve returns the account orders and queries should act on. An empty
// accountID resolves to the user's default account, creating it with the
// starting balance on first contact.
func (s *Service) Resolve(ctx context.Context, userID, accountID string) (model.Account, error) {
	if userID == "" {
		return model.Account{}, errors.New("user_id is required")
	}
	if accountID != "" {
		acc, err := scanAccount(s.pool.QueryRow(ctx, "select "+accountColumns+" from accounts where id = $1", accountID))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Account{}, ErrAccountNotFound
		}
		if err != nil {
			return model.Account{}, err
		}
		if acc.UserID != userID {
			return model.Account{}, ErrAccountMismatch
		}
		return acc, nil
	}

	acc, err := scanAccount(s.pool.QueryRow(ctx, "select "+accountColumns+" from accounts where user_id = $1 and is_default = true", userID))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, err
	}
	acc, err = s.createAccount(ctx, userID, "Main Account", true, s.startingBalance)
	if isUniqueViolation(err) {
		// A concurrent first request created the default; use theirs.
		return scanAccount(s.pool.QueryRow(ctx, "select "+accountColumns+" from accounts where user_id = $1 and is_default = true", userID))
	}
	return acc, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Service) createAccount(ctx context.Context, userID, name string, isDefault bool, balance decimal.Decimal) (model.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Account{}, err
	}
	defer tx.Rollback(ctx)

	var count int
	if err := tx.QueryRow(ctx, "select count(*) from accounts where user_id = $1", userID).Scan(&count); err != nil {
		return model.Account{}, err
	}
	if count >= maxAccountsPerUser {
		return model.Account{}, ErrTooManyAccounts
	}
	var taken bool
	if err := tx.QueryRow(ctx, "select exists(select 1 from accounts where user_id = $1 and name = $2)", userID, name).Scan(&taken); err != nil {
		return model.Account{}, err
	}
	if taken {
		return model.Account{}, ErrNameTaken
	}

	acc, err := scanAccount(tx.QueryRow(ctx, `
		insert into accounts (id, user_id, name, is_default, total_balance, available_balance, margin_balance, unrealized_pnl, total_pnl, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $5, 0, 0, 0, now(), now())
		returning `+accountColumns, uuid.NewString(), userID, name, isDefault, balance))
	if err != nil {
		return model.Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Account{}, err
	}
	return acc, nil
}

func (s *Service) Create(ctx context.Context, userID, name string, balance *decimal.Decimal) (model.Account, error) {
	if userID == "" {
		return model.Account{}, errors.New("user_id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Account{}, errors.New("name is required")
	}
	initial := s.startingBalance
	if balance != nil {
		if balance.IsNegative() {
			return model.Account{}, errors.New("balance cannot be negative")
		}
		initial = *balance
	}
	return s.createAccount(ctx, userID, name, false, initial)
}

// List returns the user's accounts, oldest first. A user with no accounts
// gets the default one created on the way.
func (s *Service) List(ctx context.Context, userID string) ([]model.Account, error) {
	if _, err := s.Resolve(ctx, userID, ""); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "select "+accountColumns+" from accounts where user_id = $1 order by created_at asc", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Service) Delete(ctx context.Context, userID, accountID string) error {
	acc, err := s.Resolve(ctx, userID, accountID)
	if err != nil {
		return err
	}
	if acc.IsDefault {
		return errors.New("default account cannot be deleted")
	}
	var open int
	if err := s.pool.QueryRow(ctx, "select count(*) from positions where account_id = $1 and status = 'OPEN'", acc.ID).Scan(&open); err != nil {
		return err
	}
	if open > 0 {
		return errors.New("account has open positions")
	}
	_, err = s.pool.Exec(ctx, "delete from accounts where id = $1", acc.ID)
	return err
}

// PositionView is an open position valued at the current mark price. ROE is
// the unrealized PnL as a percentage of the isolated margin.
type PositionView struct {
	ID               string           `json:"id"`
	Symbol           string           `json:"symbol"`
	Side             string           `json:"side"`
	Quantity         decimal.Decimal  `json:"quantity"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	MarkPrice        *decimal.Decimal `json:"mark_price,omitempty"`
	Leverage         int              `json:"leverage"`
	Margin           decimal.Decimal  `json:"margin"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	ROE              decimal.Decimal  `json:"roe"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Positions projects the account's open positions with unrealized PnL at the
// current marks. Symbols with no quote keep a zero PnL.
func (s *Service) Positions(ctx context.Context, userID, accountID string) ([]PositionView, error) {
	acc, err := s.Resolve(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	marks, err := s.market.MarkPrices(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		select id, symbol, side, quantity, entry_price, leverage, margin, liquidation_price, created_at
		from positions
		where account_id = $1 and status = 'OPEN' and quantity > 0
		order by created_at asc
	`, acc.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PositionView
	for rows.Next() {
		var v PositionView
		if err := rows.Scan(&v.ID, &v.Symbol, &v.Side, &v.Quantity, &v.EntryPrice, &v.Leverage, &v.Margin, &v.LiquidationPrice, &v.CreatedAt); err != nil {
			return nil, err
		}
		if mark, ok := marks[v.Symbol]; ok {
			m := mark
			v.MarkPrice = &m
			v.UnrealizedPnL = unrealizedPnL(types.PositionSide(v.Side), v.EntryPrice, mark, v.Quantity)
			if v.Margin.GreaterThan(decimal.Zero) {
				v.ROE = v.UnrealizedPnL.Div(v.Margin).Mul(decimal.NewFromInt(100))
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Summary is an account snapshot with equity valued at current marks.
type Summary struct {
	Account       model.Account   `json:"account"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Equity        decimal.Decimal `json:"equity"`
	OpenPositions int             `json:"open_positions"`
}

func (s *Service) Summarize(ctx context.Context, userID, accountID string) (Summary, error) {
	acc, err := s.Resolve(ctx, userID, accountID)
	if err != nil {
		return Summary{}, err
	}
	positions, err := s.Positions(ctx, userID, acc.ID)
	if err != nil {
		return Summary{}, err
	}
	upnl := decimal.Zero
	for _, p := range positions {
		upnl = upnl.Add(p.UnrealizedPnL)
	}
	return Summary{
		Account:       acc,
		UnrealizedPnL: upnl,
		Equity:        acc.TotalBalance.Add(upnl),
		OpenPositions: len(positions),
	}, nil
}

func unrealizedPnL(side types.PositionSide, entry, mark, qty decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(entry)
	if side == types.PositionSideShort {
		diff = entry.Sub(mark)
	}
	return diff.Mul(qty)
}
