package liquidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"perpsim/internal/ledger"
	"perpsim/internal/marketdata"
	"perpsim/internal/model"
	"perpsim/internal/types"
)

// Store is the slice of the ledger store the monitor needs.
type Store interface {
	OpenPositionsForLiquidation(ctx context.Context, tx pgx.Tx) ([]model.Position, error)
	GetPositionForUpdate(ctx context.Context, tx pgx.Tx, positionID string) (model.Position, error)
	ClosePosition(ctx context.Context, tx pgx.Tx, positionID string, status types.PositionStatus) error
	ApplyBalanceDelta(ctx context.Context, tx pgx.Tx, accountID string, available, margin, total decimal.Decimal) error
	InsertTrade(ctx context.Context, tx pgx.Tx, t model.Trade) error
}

// MarkSource supplies the mid prices positions are tested against.
type MarkSource interface {
	MarkPrices(ctx context.Context) (map[string]decimal.Decimal, error)
}

type Publisher interface {
	Publish(evt marketdata.Event)
}

// Monitor scans open positions on a fixed interval and force-closes any
// whose mark price has crossed the liquidation threshold. A failed tick is
// logged and the loop keeps running.
type Monitor struct {
	pool     *pgxpool.Pool
	store    Store
	market   MarkSource
	pub      Publisher
	log      *logrus.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewMonitor(pool *pgxpool.Pool, store Store, market MarkSource, pub Publisher, log *logrus.Logger, interval time.Duration) *Monitor {
	return &Monitor{pool: pool, store: store, market: market, pub: pub, log: log, interval: interval}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("liquidation monitor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.run(runCtx)
	m.log.WithField("interval", m.interval.String()).Info("liquidation monitor started")
	return nil
}

// Stop cancels the loop and waits for any in-flight tick to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.log.Info("liquidation monitor stopped")
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.WithError(err).Error("liquidation tick failed")
			}
		}
	}
}

// CheckOnce runs one scan. Candidates are read without locks, then each
// breached position is re-locked and re-checked in its own transaction, so a
// position settled concurrently is simply skipped.
func (m *Monitor) CheckOnce(ctx context.Context) error {
	marks, err := m.market.MarkPrices(ctx)
	if err != nil {
		return fmt.Errorf("read mark prices: %w", err)
	}
	if len(marks) == 0 {
		return nil
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	candidates, err := m.store.OpenPositionsForLiquidation(ctx, tx)
	tx.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("scan positions: %w", err)
	}

	for _, pos := range candidates {
		mark, ok := marks[pos.Symbol]
		if !ok || pos.LiquidationPrice == nil {
			continue
		}
		if !Breached(pos.Side, mark, *pos.LiquidationPrice) {
			continue
		}
		if err := m.liquidate(ctx, pos.ID, mark); err != nil {
			m.log.WithError(err).WithField("position_id", pos.ID).Error("liquidation failed")
		}
	}
	return nil
}

// Breached reports whether mark has crossed the liquidation price: at or
// below it for a LONG, at or above it for a SHORT.
func Breached(side types.PositionSide, mark, liq decimal.Decimal) bool {
	if side == types.PositionSideLong {
		return mark.LessThanOrEqual(liq)
	}
	return mark.GreaterThanOrEqual(liq)
}

func (m *Monitor) liquidate(ctx context.Context, positionID string, mark decimal.Decimal) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	pos, err := m.store.GetPositionForUpdate(ctx, tx, positionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// The row may have been settled while we waited for the lock.
	if pos.Status != types.PositionStatusOpen || pos.LiquidationPrice == nil {
		return nil
	}
	if !Breached(pos.Side, mark, *pos.LiquidationPrice) {
		return nil
	}

	if err := m.store.ClosePosition(ctx, tx, pos.ID, types.PositionStatusLiquidated); err != nil {
		return fmt.Errorf("mark liquidated: %w", err)
	}
	// The whole isolated margin is lost: it leaves margin_balance and
	// total_balance, nothing returns to available.
	if err := m.store.ApplyBalanceDelta(ctx, tx, pos.AccountID, decimal.Zero, pos.Margin.Neg(), pos.Margin.Neg()); err != nil {
		return fmt.Errorf("apply margin loss: %w", err)
	}
	trade := model.Trade{
		ID:          uuid.NewString(),
		AccountID:   pos.AccountID,
		UserID:      pos.UserID,
		Symbol:      pos.Symbol,
		Side:        pos.Side.ClosingOrderSide(),
		Quantity:    pos.Quantity,
		Price:       mark,
		RealizedPnL: pos.Margin.Neg(),
	}
	if err := m.store.InsertTrade(ctx, tx, trade); err != nil {
		return fmt.Errorf("insert liquidation trade: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"side":        pos.Side,
		"mark":        mark.String(),
		"margin_lost": pos.Margin.String(),
	}).Warn("position liquidated")
	if m.pub != nil {
		m.pub.Publish(marketdata.Event{Type: "liquidation", Data: map[string]string{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"side":        string(pos.Side),
			"quantity":    pos.Quantity.String(),
			"price":       mark.String(),
		}})
	}
	return nil
}
