package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"perpsim/internal/model"
	"perpsim/internal/types"
)

var ErrNoQuote = errors.New("no quote available")

// Store reads and maintains the orderbook snapshot and the raw trade prints.
// The snapshot is owned by the collector; the engine only reads it.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Depth returns up to limit resting levels of one book side, best-first:
// asks ascending, bids descending.
func (s *Store) Depth(ctx context.Context, symbol string, side types.BookSide, limit int) ([]model.BookLevel, error) {
	order := "asc"
	if side == types.BookSideBid {
		order = "desc"
	}
	rows, err := s.pool.Query(ctx, "select price, quantity from orderbook where symbol = $1 and side = $2 order by price "+order+" limit $3", symbol, string(side), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BookLevel
	for rows.Next() {
		var lvl model.BookLevel
		if err := rows.Scan(&lvl.Price, &lvl.Quantity); err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, rows.Err()
}

// BestBidAsk returns the top of book for one symbol.
func (s *Store) BestBidAsk(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error) {
	err = s.pool.QueryRow(ctx, `
		select
			(select price from orderbook where symbol = $1 and side = 'BID' order by price desc limit 1),
			(select price from orderbook where symbol = $1 and side = 'ASK' order by price asc limit 1)
	`, symbol).Scan(&bid, &ask)
	if err != nil {
		return decimal.Zero, decimal.Zero, ErrNoQuote
	}
	return bid, ask, nil
}

// MarkPrices computes the bid/ask midpoint per symbol for every symbol that
// has both sides of the book. Symbols missing a side are skipped.
func (s *Store) MarkPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `
		select o.symbol,
			(select price from orderbook where symbol = o.symbol and side = 'BID' order by price desc limit 1) as bid,
			(select price from orderbook where symbol = o.symbol and side = 'ASK' order by price asc limit 1) as ask
		from (select distinct symbol from orderbook) o
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	marks := make(map[string]decimal.Decimal)
	two := decimal.NewFromInt(2)
	for rows.Next() {
		var symbol string
		var bid, ask *decimal.Decimal
		if err := rows.Scan(&symbol, &bid, &ask); err != nil {
			return nil, err
		}
		if bid == nil || ask == nil {
			continue
		}
		marks[symbol] = bid.Add(*ask).Div(two)
	}
	return marks, rows.Err()
}

// UpsertLevel replaces the resting quantity at one price level. A zero
// quantity removes the row.
func (s *Store) UpsertLevel(ctx context.Context, symbol string, side types.BookSide, price, qty decimal.Decimal) error {
	if qty.IsZero() {
		_, err := s.pool.Exec(ctx, "delete from orderbook where symbol = $1 and side = $2 and price = $3", symbol, string(side), price)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		insert into orderbook (symbol, side, price, quantity, updated_at)
		values ($1, $2, $3, $4, now())
		on conflict (symbol, side, price)
		do update set quantity = excluded.quantity, updated_at = now()
	`, symbol, string(side), price, qty)
	return err
}

// TradePrint is a single upstream execution from the exchange feed.
type TradePrint struct {
	Symbol    string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Side      types.OrderSide
	TradeTime time.Time
	TradeID   string
}

// InsertTradePrints persists a batch of trade prints in one transaction.
func (s *Store) InsertTradePrints(ctx context.Context, prints []TradePrint) error {
	if len(prints) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	batch := &pgx.Batch{}
	for _, p := range prints {
		batch.Queue(
			"insert into market_trades (symbol, price, quantity, side, trade_time, trade_id) values ($1,$2,$3,$4,$5,$6)",
			p.Symbol, p.Price, p.Quantity, string(p.Side), p.TradeTime, p.TradeID,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
