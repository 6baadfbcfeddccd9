package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"perpsim/internal/accounts"
	"perpsim/internal/ledger"
	"perpsim/internal/matching"
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

func (d *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type balanceDelta struct {
	available decimal.Decimal
	margin    decimal.Decimal
	total     decimal.Decimal
}

type fakeStore struct {
	account model.Account
	orders  map[string]*model.Order

	created  []model.Order
	deltas   []balanceDelta
	statuses map[string]types.OrderStatus
}

func newFakeStore(available string) *fakeStore {
	return &fakeStore{
		account:  model.Account{ID: "acc-1", AvailableBalance: dec(available)},
		orders:   map[string]*model.Order{},
		statuses: map[string]types.OrderStatus{},
	}
}

func (s *fakeStore) CreateOrder(ctx context.Context, tx pgx.Tx, o model.Order) error {
	s.created = append(s.created, o)
	cp := o
	s.orders[o.ID] = &cp
	return nil
}

func (s *fakeStore) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (model.Order, error) {
	ord, ok := s.orders[orderID]
	if !ok {
		return model.Order{}, ledger.ErrNotFound
	}
	return *ord, nil
}

func (s *fakeStore) UpdateOrderStatus(ctx context.Context, tx pgx.Tx, orderID string, status types.OrderStatus) error {
	s.statuses[orderID] = status
	if ord, ok := s.orders[orderID]; ok {
		ord.Status = status
	}
	return nil
}

func (s *fakeStore) ListOrders(ctx context.Context, tx pgx.Tx, accountID string, statuses []types.OrderStatus, limit int) ([]model.Order, error) {
	return nil, nil
}

func (s *fakeStore) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (model.Account, error) {
	return s.account, nil
}

func (s *fakeStore) ApplyBalanceDelta(ctx context.Context, tx pgx.Tx, accountID string, available, margin, total decimal.Decimal) error {
	s.deltas = append(s.deltas, balanceDelta{available, margin, total})
	s.account.AvailableBalance = s.account.AvailableBalance.Add(available)
	s.account.MarginBalance = s.account.MarginBalance.Add(margin)
	s.account.TotalBalance = s.account.TotalBalance.Add(total)
	return nil
}

type fakeResolver struct {
	acc model.Account
}

func (f *fakeResolver) Resolve(ctx context.Context, userID, accountID string) (model.Account, error) {
	return f.acc, nil
}

type fakeExecutor struct {
	res matching.SweepResult
	err error
}

func (f *fakeExecutor) ExecuteMarket(ctx context.Context, ord model.Order) (model.Order, matching.SweepResult, error) {
	if f.err != nil {
		return ord, matching.SweepResult{}, f.err
	}
	out := ord
	out.Status = types.OrderStatusFilled
	out.ExecutedQty = f.res.FilledQty
	out.AvgPrice = &f.res.AvgPrice
	return out, f.res, nil
}

func newTestService(db *fakeDB, store *fakeStore, exec *fakeExecutor) *Service {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewService(db, store, &fakeResolver{acc: store.account}, exec, log)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func validMarket() PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID:   "user-1",
		Symbol:   "BTCUSDT",
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeMarket,
		Quantity: dec("0.5"),
		Leverage: 10,
	}
}

func TestPlaceOrder_LimitReservesMargin(t *testing.T) {
	db := &fakeDB{}
	store := newFakeStore("10000")
	svc := newTestService(db, store, &fakeExecutor{})

	price := dec("50000")
	req := validMarket()
	req.Type = types.OrderTypeLimit
	req.Price = &price
	req.Quantity = dec("1")

	res, err := svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != types.OrderStatusPending {
		t.Errorf("expected PENDING, got %s", res.Status)
	}
	if len(store.deltas) != 1 {
		t.Fatalf("expected 1 balance delta, got %d", len(store.deltas))
	}
	d := store.deltas[0]
	if !d.available.Equal(dec("-5000")) || !d.margin.Equal(dec("5000")) || !d.total.IsZero() {
		t.Errorf("unexpected reservation delta %+v", d)
	}
	if len(store.created) != 1 {
		t.Fatalf("expected 1 created order, got %d", len(store.created))
	}
	if !store.created[0].ReservedMargin.Equal(dec("5000")) {
		t.Errorf("expected reserved margin 5000, got %s", store.created[0].ReservedMargin)
	}
	if len(db.txs) != 1 || !db.txs[0].committed {
		t.Error("intake transaction was not committed")
	}
}

func TestPlaceOrder_LimitInsufficientBalance(t *testing.T) {
	db := &fakeDB{}
	store := newFakeStore("100")
	svc := newTestService(db, store, &fakeExecutor{})

	price := dec("50000")
	req := validMarket()
	req.Type = types.OrderTypeLimit
	req.Price = &price
	req.Quantity = dec("1")

	_, err := svc.PlaceOrder(context.Background(), req)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(store.created) != 0 {
		t.Errorf("no order must be created, got %d", len(store.created))
	}
	if len(store.deltas) != 0 {
		t.Errorf("no balance must move, got %d deltas", len(store.deltas))
	}
	if len(db.txs) != 1 || db.txs[0].committed {
		t.Error("intake transaction must not commit")
	}
}

func TestPlaceOrder_MarketRejectedWhenMarginShort(t *testing.T) {
	db := &fakeDB{}
	store := newFakeStore("100")
	svc := newTestService(db, store, &fakeExecutor{err: matching.ErrInsufficientMargin})

	_, err := svc.PlaceOrder(context.Background(), validMarket())
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(store.created) != 1 {
		t.Fatalf("expected 1 created order, got %d", len(store.created))
	}
	// The order must not stay PENDING after the settlement rolled back.
	if got := store.statuses[store.created[0].ID]; got != types.OrderStatusRejected {
		t.Errorf("expected REJECTED, got %q", got)
	}
}

func TestCancel_RefundsReservation(t *testing.T) {
	db := &fakeDB{}
	store := newFakeStore("0")
	store.account.MarginBalance = dec("500")
	store.orders["ord-1"] = &model.Order{
		ID:             "ord-1",
		AccountID:      "acc-1",
		UserID:         "user-1",
		Status:         types.OrderStatusPending,
		Type:           types.OrderTypeLimit,
		ReservedMargin: dec("500"),
	}
	svc := newTestService(db, store, &fakeExecutor{})

	if err := svc.Cancel(context.Background(), "user-1", "", "ord-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.deltas) != 1 {
		t.Fatalf("expected 1 balance delta, got %d", len(store.deltas))
	}
	d := store.deltas[0]
	if !d.available.Equal(dec("500")) || !d.margin.Equal(dec("-500")) || !d.total.IsZero() {
		t.Errorf("unexpected refund delta %+v", d)
	}
	if got := store.statuses["ord-1"]; got != types.OrderStatusCancelled {
		t.Errorf("expected CANCELLED, got %q", got)
	}
	if len(db.txs) != 1 || !db.txs[0].committed {
		t.Error("cancel transaction was not committed")
	}
}

func TestCancel_Rejections(t *testing.T) {
	filled := &model.Order{ID: "ord-filled", AccountID: "acc-1", UserID: "user-1", Status: types.OrderStatusFilled}
	foreign := &model.Order{ID: "ord-foreign", AccountID: "acc-2", UserID: "user-2", Status: types.OrderStatusPending}

	tests := []struct {
		name    string
		orderID string
		wantErr error
	}{
		{"unknown order", "nope", ErrOrderNotFound},
		{"already filled", "ord-filled", ErrOrderNotCancellable},
		{"someone else's order", "ord-foreign", accounts.ErrAccountMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{}
			store := newFakeStore("0")
			store.orders[filled.ID] = filled
			store.orders[foreign.ID] = foreign
			svc := newTestService(db, store, &fakeExecutor{})

			err := svc.Cancel(context.Background(), "user-1", "", tt.orderID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(store.deltas) != 0 {
				t.Errorf("no balance must move, got %d deltas", len(store.deltas))
			}
		})
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, defaultListLimit},
		{-5, defaultListLimit},
		{50, 50},
		{maxListLimit + 1, maxListLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	limitPrice := dec("50000")
	zeroPrice := decimal.Zero

	tests := []struct {
		name    string
		mutate  func(*PlaceOrderRequest)
		wantErr bool
	}{
		{"valid market", func(r *PlaceOrderRequest) {}, false},
		{"valid limit", func(r *PlaceOrderRequest) {
			r.Type = types.OrderTypeLimit
			r.Price = &limitPrice
		}, false},
		{"missing user", func(r *PlaceOrderRequest) { r.UserID = "" }, true},
		{"missing symbol", func(r *PlaceOrderRequest) { r.Symbol = "" }, true},
		{"bad side", func(r *PlaceOrderRequest) { r.Side = "HOLD" }, true},
		{"bad type", func(r *PlaceOrderRequest) { r.Type = "STOP" }, true},
		{"zero quantity", func(r *PlaceOrderRequest) { r.Quantity = decimal.Zero }, true},
		{"negative quantity", func(r *PlaceOrderRequest) { r.Quantity = dec("-1") }, true},
		{"limit without price", func(r *PlaceOrderRequest) { r.Type = types.OrderTypeLimit }, true},
		{"limit with zero price", func(r *PlaceOrderRequest) {
			r.Type = types.OrderTypeLimit
			r.Price = &zeroPrice
		}, true},
		{"leverage too low", func(r *PlaceOrderRequest) { r.Leverage = 0 }, true},
		{"leverage too high", func(r *PlaceOrderRequest) { r.Leverage = 126 }, true},
		{"leverage at cap", func(r *PlaceOrderRequest) { r.Leverage = 125 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validMarket()
			tt.mutate(&req)
			err := validate(req)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
