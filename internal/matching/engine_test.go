package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"perpsim/internal/model"
	"perpsim/internal/types"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeDB struct {
	txs []*fakeTx
}

func (d *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	d.txs = append(d.txs, tx)
	return tx, nil
}

type balanceDelta struct {
	available decimal.Decimal
	margin    decimal.Decimal
	total     decimal.Decimal
}

type extendCall struct {
	positionID string
	quantity   decimal.Decimal
	entryPrice decimal.Decimal
	margin     decimal.Decimal
}

// fakeStore keeps the account and open positions in memory and records every
// mutation the settlement makes.
type fakeStore struct {
	account   model.Account
	positions map[types.PositionSide]*model.Position
	claims    []model.Order

	deltas   []balanceDelta
	inserted []model.Position
	extended []extendCall
	closed   []string
	trades   []model.Trade
}

func (s *fakeStore) ClaimNextCrossedOrder(ctx context.Context, tx pgx.Tx, symbol string, tradePrice decimal.Decimal) (model.Order, bool, error) {
	if len(s.claims) == 0 {
		return model.Order{}, false, nil
	}
	ord := s.claims[0]
	s.claims = s.claims[1:]
	return ord, true, nil
}

func (s *fakeStore) MarkOrderFilled(ctx context.Context, tx pgx.Tx, orderID string, executedQty, avgPrice decimal.Decimal) error {
	return nil
}

func (s *fakeStore) OpenPositionForUpdate(ctx context.Context, tx pgx.Tx, accountID, symbol string, side types.PositionSide) (model.Position, bool, error) {
	pos, ok := s.positions[side]
	if !ok {
		return model.Position{}, false, nil
	}
	return *pos, true, nil
}

func (s *fakeStore) InsertPosition(ctx context.Context, tx pgx.Tx, p model.Position) error {
	s.inserted = append(s.inserted, p)
	cp := p
	s.positions[p.Side] = &cp
	return nil
}

func (s *fakeStore) ExtendPosition(ctx context.Context, tx pgx.Tx, positionID string, quantity, entryPrice, margin decimal.Decimal) error {
	s.extended = append(s.extended, extendCall{positionID, quantity, entryPrice, margin})
	for _, pos := range s.positions {
		if pos.ID == positionID {
			pos.Quantity = quantity
			pos.EntryPrice = entryPrice
			pos.Margin = margin
		}
	}
	return nil
}

func (s *fakeStore) ReducePosition(ctx context.Context, tx pgx.Tx, positionID string, quantity, margin decimal.Decimal) error {
	for _, pos := range s.positions {
		if pos.ID == positionID {
			pos.Quantity = quantity
			pos.Margin = margin
		}
	}
	return nil
}

func (s *fakeStore) ClosePosition(ctx context.Context, tx pgx.Tx, positionID string, status types.PositionStatus) error {
	s.closed = append(s.closed, positionID)
	for side, pos := range s.positions {
		if pos.ID == positionID {
			delete(s.positions, side)
		}
	}
	return nil
}

func (s *fakeStore) ApplyBalanceDelta(ctx context.Context, tx pgx.Tx, accountID string, available, margin, total decimal.Decimal) error {
	s.deltas = append(s.deltas, balanceDelta{available, margin, total})
	s.account.AvailableBalance = s.account.AvailableBalance.Add(available)
	s.account.MarginBalance = s.account.MarginBalance.Add(margin)
	s.account.TotalBalance = s.account.TotalBalance.Add(total)
	return nil
}

func (s *fakeStore) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (model.Account, error) {
	return s.account, nil
}

func (s *fakeStore) InsertTrade(ctx context.Context, tx pgx.Tx, t model.Trade) error {
	s.trades = append(s.trades, t)
	return nil
}

type fakeMarket struct {
	levels []model.BookLevel
}

func (m *fakeMarket) Depth(ctx context.Context, symbol string, side types.BookSide, limit int) ([]model.BookLevel, error) {
	return m.levels, nil
}

type fakeBrackets struct{}

func (fakeBrackets) MaintMarginRate(ctx context.Context, symbol string, notional decimal.Decimal) (decimal.Decimal, error) {
	return dec("0.004"), nil
}

func newTestEngine(db *fakeDB, store *fakeStore, levels []model.BookLevel) *Engine {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewEngine(db, store, &fakeMarket{levels: levels}, fakeBrackets{}, nil, log)
}

func newAccount(available, margin string) model.Account {
	return model.Account{
		ID:               "acc-1",
		AvailableBalance: dec(available),
		MarginBalance:    dec(margin),
		TotalBalance:     dec(available).Add(dec(margin)),
	}
}

// identity: total_balance must equal available + margin after every settlement
func checkAccountIdentity(t *testing.T, acc model.Account) {
	t.Helper()
	if !acc.TotalBalance.Equal(acc.AvailableBalance.Add(acc.MarginBalance)) {
		t.Errorf("balance identity broken: total %s, available %s, margin %s",
			acc.TotalBalance, acc.AvailableBalance, acc.MarginBalance)
	}
}

func marketBuy(qty string, leverage int) model.Order {
	return model.Order{
		ID:        "ord-1",
		AccountID: "acc-1",
		UserID:    "user-1",
		Symbol:    "BTCUSDT",
		Side:      types.OrderSideBuy,
		Type:      types.OrderTypeMarket,
		Status:    types.OrderStatusPending,
		Quantity:  dec(qty),
		Leverage:  leverage,
	}
}

func TestExecuteMarket_OpensPosition(t *testing.T) {
	db := &fakeDB{}
	store := &fakeStore{
		account:   newAccount("10000", "0"),
		positions: map[types.PositionSide]*model.Position{},
	}
	e := newTestEngine(db, store, []model.BookLevel{level("50000", "2")})

	ord, res, err := e.ExecuteMarket(context.Background(), marketBuy("1", 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ord.Status != types.OrderStatusFilled {
		t.Errorf("expected FILLED, got %s", ord.Status)
	}
	if !res.FilledQty.Equal(dec("1")) || !res.AvgPrice.Equal(dec("50000")) {
		t.Errorf("unexpected sweep result %+v", res)
	}
	if len(store.deltas) != 1 {
		t.Fatalf("expected 1 balance delta, got %d", len(store.deltas))
	}
	d := store.deltas[0]
	if !d.available.Equal(dec("-5000")) || !d.margin.Equal(dec("5000")) || !d.total.IsZero() {
		t.Errorf("unexpected margin pledge %+v", d)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 position, got %d", len(store.inserted))
	}
	pos := store.inserted[0]
	if pos.Side != types.PositionSideLong || !pos.EntryPrice.Equal(dec("50000")) || !pos.Margin.Equal(dec("5000")) {
		t.Errorf("unexpected position %+v", pos)
	}
	if pos.LiquidationPrice == nil || !pos.LiquidationPrice.Equal(dec("45200")) {
		t.Errorf("unexpected liquidation price %v", pos.LiquidationPrice)
	}
	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(store.trades))
	}
	if !store.trades[0].RealizedPnL.IsZero() {
		t.Errorf("opening trade should realize nothing, got %s", store.trades[0].RealizedPnL)
	}
	if len(db.txs) != 1 || !db.txs[0].committed {
		t.Error("settlement transaction was not committed")
	}
	checkAccountIdentity(t, store.account)
}

func TestExecuteMarket_InsufficientMarginRollsBack(t *testing.T) {
	db := &fakeDB{}
	store := &fakeStore{
		account:   newAccount("100", "0"),
		positions: map[types.PositionSide]*model.Position{},
	}
	e := newTestEngine(db, store, []model.BookLevel{level("50000", "2")})

	_, _, err := e.ExecuteMarket(context.Background(), marketBuy("1", 10))
	if !errors.Is(err, ErrInsufficientMargin) {
		t.Fatalf("expected ErrInsufficientMargin, got %v", err)
	}

	if len(store.deltas) != 0 {
		t.Errorf("no balance must move, got %d deltas", len(store.deltas))
	}
	if len(store.trades) != 0 {
		t.Errorf("no trade must be recorded, got %d", len(store.trades))
	}
	if len(store.inserted) != 0 {
		t.Errorf("no position must open, got %d", len(store.inserted))
	}
	if len(db.txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(db.txs))
	}
	if db.txs[0].committed || !db.txs[0].rolledBack {
		t.Error("settlement transaction must roll back")
	}
	if !store.account.AvailableBalance.Equal(dec("100")) {
		t.Errorf("available balance moved to %s", store.account.AvailableBalance)
	}
}

func TestExecuteMarket_NetsThenExtends(t *testing.T) {
	short := &model.Position{
		ID:         "pos-short",
		Side:       types.PositionSideShort,
		Quantity:   dec("0.5"),
		EntryPrice: dec("51000"),
		Margin:     dec("2550"),
	}
	long := &model.Position{
		ID:         "pos-long",
		Side:       types.PositionSideLong,
		Quantity:   dec("1.5"),
		EntryPrice: dec("49000"),
		Margin:     dec("7350"),
	}
	db := &fakeDB{}
	store := &fakeStore{
		account: newAccount("10000", "9900"),
		positions: map[types.PositionSide]*model.Position{
			types.PositionSideShort: short,
			types.PositionSideLong:  long,
		},
	}
	e := newTestEngine(db, store, []model.BookLevel{level("52000", "2")})

	_, res, err := e.ExecuteMarket(context.Background(), marketBuy("1", 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.FilledQty.Equal(dec("1")) {
		t.Fatalf("expected full fill, got %s", res.FilledQty)
	}

	// The fill first nets the 0.5 short at a 500 loss, releasing its margin.
	if len(store.closed) != 1 || store.closed[0] != "pos-short" {
		t.Fatalf("expected the short to close, got %v", store.closed)
	}
	if len(store.deltas) != 2 {
		t.Fatalf("expected 2 balance deltas, got %d", len(store.deltas))
	}
	net := store.deltas[0]
	if !net.available.Equal(dec("2050")) || !net.margin.Equal(dec("-2550")) || !net.total.Equal(dec("-500")) {
		t.Errorf("unexpected netting delta %+v", net)
	}
	pledge := store.deltas[1]
	if !pledge.available.Equal(dec("-2600")) || !pledge.margin.Equal(dec("2600")) || !pledge.total.IsZero() {
		t.Errorf("unexpected margin pledge %+v", pledge)
	}

	// The 0.5 residual extends the long at a blended entry.
	if len(store.extended) != 1 {
		t.Fatalf("expected 1 extend, got %d", len(store.extended))
	}
	ext := store.extended[0]
	if ext.positionID != "pos-long" {
		t.Errorf("extended wrong position %s", ext.positionID)
	}
	if !ext.quantity.Equal(dec("2")) || !ext.entryPrice.Equal(dec("49750")) || !ext.margin.Equal(dec("9950")) {
		t.Errorf("unexpected extend %+v", ext)
	}

	// Exactly one trade row for the whole fill, carrying the netted loss.
	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(store.trades))
	}
	tr := store.trades[0]
	if !tr.Quantity.Equal(dec("1")) || !tr.Price.Equal(dec("52000")) || !tr.RealizedPnL.Equal(dec("-500")) {
		t.Errorf("unexpected trade %+v", tr)
	}
	checkAccountIdentity(t, store.account)
}

func TestMatchLimits_FullyNettedLimitReleasesReservation(t *testing.T) {
	price := dec("51000")
	long := &model.Position{
		ID:         "pos-long",
		Side:       types.PositionSideLong,
		Quantity:   dec("1"),
		EntryPrice: dec("50000"),
		Margin:     dec("5000"),
	}
	db := &fakeDB{}
	store := &fakeStore{
		account: newAccount("0", "10100"),
		positions: map[types.PositionSide]*model.Position{
			types.PositionSideLong: long,
		},
		claims: []model.Order{{
			ID:             "ord-limit",
			AccountID:      "acc-1",
			UserID:         "user-1",
			Symbol:         "BTCUSDT",
			Side:           types.OrderSideSell,
			Type:           types.OrderTypeLimit,
			Status:         types.OrderStatusPending,
			Quantity:       dec("1"),
			Price:          &price,
			Leverage:       10,
			ReservedMargin: dec("5100"),
		}},
	}
	e := newTestEngine(db, store, nil)

	settled, err := e.MatchLimits(context.Background(), "BTCUSDT", dec("51000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settled != 1 {
		t.Fatalf("expected 1 settled order, got %d", settled)
	}

	if len(store.trades) != 1 {
		t.Fatalf("expected exactly 1 trade, got %d", len(store.trades))
	}
	if !store.trades[0].RealizedPnL.Equal(dec("1000")) {
		t.Errorf("expected realized pnl 1000, got %s", store.trades[0].RealizedPnL)
	}
	if len(store.closed) != 1 || store.closed[0] != "pos-long" {
		t.Errorf("expected the long to close, got %v", store.closed)
	}

	// Netting credit plus the released intake reservation, nothing else.
	if len(store.deltas) != 2 {
		t.Fatalf("expected 2 balance deltas, got %d", len(store.deltas))
	}
	net := store.deltas[0]
	if !net.available.Equal(dec("6000")) || !net.margin.Equal(dec("-5000")) || !net.total.Equal(dec("1000")) {
		t.Errorf("unexpected netting delta %+v", net)
	}
	release := store.deltas[1]
	if !release.available.Equal(dec("5100")) || !release.margin.Equal(dec("-5100")) || !release.total.IsZero() {
		t.Errorf("unexpected reservation release %+v", release)
	}

	// One committed settlement per claim; the empty follow-up claim rolls back.
	if len(db.txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(db.txs))
	}
	if !db.txs[0].committed {
		t.Error("settlement transaction was not committed")
	}
	if db.txs[1].committed {
		t.Error("empty claim must not commit")
	}

	if !store.account.AvailableBalance.Equal(dec("11100")) {
		t.Errorf("expected available 11100, got %s", store.account.AvailableBalance)
	}
	if !store.account.MarginBalance.IsZero() {
		t.Errorf("expected margin 0, got %s", store.account.MarginBalance)
	}
	checkAccountIdentity(t, store.account)
}
