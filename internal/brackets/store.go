package brackets

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"perpsim/internal/model"
)

// Store resolves maintenance margin rates from the leverage bracket table.
// Brackets are tiered by position notional; bigger positions carry a higher
// maintenance rate.
type Store struct {
	pool       *pgxpool.Pool
	defaultMMR decimal.Decimal
	log        *logrus.Logger
}

func NewStore(pool *pgxpool.Pool, defaultMMR decimal.Decimal, log *logrus.Logger) *Store {
	return &Store{pool: pool, defaultMMR: defaultMMR, log: log}
}

// MaintMarginRate returns the maintenance margin rate of the bracket whose
// notional range contains notional. Symbols without brackets fall back to the
// configured default rate.
func (s *Store) MaintMarginRate(ctx context.Context, symbol string, notional decimal.Decimal) (decimal.Decimal, error) {
	brs, err := s.List(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return RateFor(brs, notional, s.defaultMMR), nil
}

// RateFor picks the first bracket (lowest id) whose [min, max) notional
// range contains notional. Notional beyond the last cap uses the last
// bracket's rate; an empty ladder uses the fallback.
func RateFor(brs []model.LeverageBracket, notional, fallback decimal.Decimal) decimal.Decimal {
	if len(brs) == 0 {
		return fallback
	}
	for _, b := range brs {
		if notional.GreaterThanOrEqual(b.MinNotional) && notional.LessThan(b.MaxNotional) {
			return b.MaintMarginRate
		}
	}
	return brs[len(brs)-1].MaintMarginRate
}

func (s *Store) List(ctx context.Context, symbol string) ([]model.LeverageBracket, error) {
	rows, err := s.pool.Query(ctx, `
		select symbol, bracket_id, initial_leverage, min_notional, max_notional, maint_margin_rate, cum_maint_amount
		from leverage_brackets
		where symbol = $1
		order by bracket_id asc
	`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LeverageBracket
	for rows.Next() {
		var b model.LeverageBracket
		if err := rows.Scan(&b.Symbol, &b.BracketID, &b.InitialLeverage, &b.MinNotional, &b.MaxNotional, &b.MaintMarginRate, &b.CumMaintAmount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) upsert(ctx context.Context, tx pgx.Tx, b model.LeverageBracket) error {
	_, err := tx.Exec(ctx, `
		insert into leverage_brackets (symbol, bracket_id, initial_leverage, min_notional, max_notional, maint_margin_rate, cum_maint_amount)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (symbol, bracket_id)
		do update set initial_leverage = excluded.initial_leverage,
		              min_notional = excluded.min_notional,
		              max_notional = excluded.max_notional,
		              maint_margin_rate = excluded.maint_margin_rate,
		              cum_maint_amount = excluded.cum_maint_amount
	`, b.Symbol, b.BracketID, b.InitialLeverage, b.MinNotional, b.MaxNotional, b.MaintMarginRate, b.CumMaintAmount)
	return err
}

// Seed loads the BTCUSDT bracket ladder if the symbol has none yet. The
// ladder mirrors the exchange's published tiers so liquidation prices in the
// simulation track the real venue.
func (s *Store) Seed(ctx context.Context) error {
	var count int
	if err := s.pool.QueryRow(ctx, "select count(*) from leverage_brackets where symbol = 'BTCUSDT'").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, b := range defaultBTCBrackets() {
		if err := s.upsert(ctx, tx, b); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.WithField("symbol", "BTCUSDT").Info("seeded leverage brackets")
	return nil
}

func defaultBTCBrackets() []model.LeverageBracket {
	mk := func(id, lev int, floor, cap int64, mmr string, cum int64) model.LeverageBracket {
		rate, _ := decimal.NewFromString(mmr)
		return model.LeverageBracket{
			Symbol:          "BTCUSDT",
			BracketID:       id,
			InitialLeverage: lev,
			MinNotional:     decimal.NewFromInt(floor),
			MaxNotional:     decimal.NewFromInt(cap),
			MaintMarginRate: rate,
			CumMaintAmount:  decimal.NewFromInt(cum),
		}
	}
	return []model.LeverageBracket{
		mk(1, 150, 0, 20000, "0.004", 0),
		mk(2, 125, 20000, 50000, "0.005", 20),
		mk(3, 100, 50000, 250000, "0.01", 1270),
		mk(4, 50, 250000, 1000000, "0.025", 15020),
		mk(5, 20, 1000000, 5000000, "0.05", 140020),
		mk(6, 10, 5000000, 20000000, "0.1", 1140020),
		mk(7, 5, 20000000, 50000000, "0.15", 3640020),
		mk(8, 2, 50000000, 100000000, "0.2", 8640020),
		mk(9, 1, 100000000, 200000000, "0.25", 18640020),
	}
}
