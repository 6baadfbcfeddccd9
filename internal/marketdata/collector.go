package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"perpsim/internal/types"
)

const (
	tradeBufferSize    = 50
	tradeFlushInterval = time.Second
	reconnectDelay     = 5 * time.Second
)

// LimitMatcher is notified of every upstream trade print so resting limit
// orders can be settled against it.
type LimitMatcher interface {
	MatchLimits(ctx context.Context, symbol string, tradePrice decimal.Decimal) (int, error)
}

// BookWriter is the write surface the collector needs from the store.
type BookWriter interface {
	UpsertLevel(ctx context.Context, symbol string, side types.BookSide, price, qty decimal.Decimal) error
	InsertTradePrints(ctx context.Context, prints []TradePrint) error
}

// Collector maintains the orderbook snapshot and trade tape from the
// exchange's combined websocket stream, republishing everything on the bus
// and feeding trade prints to the limit matcher.
type Collector struct {
	store   BookWriter
	bus     *Bus
	matcher LimitMatcher
	log     *logrus.Logger

	feedURL string
	symbols []string

	// Depth updates arrive every 100ms per symbol; the limiter keeps the
	// snapshot writes from saturating the pool.
	depthLimit *rate.Limiter

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastMessage time.Time

	tradeBuf  []TradePrint
	lastFlush time.Time
}

func NewCollector(store BookWriter, bus *Bus, matcher LimitMatcher, log *logrus.Logger, feedURL string, symbols []string) *Collector {
	return &Collector{
		store:      store,
		bus:        bus,
		matcher:    matcher,
		log:        log,
		feedURL:    feedURL,
		symbols:    symbols,
		depthLimit: rate.NewLimiter(rate.Every(50*time.Millisecond), 20),
	}
}

func (c *Collector) streamURL() string {
	streams := make([]string, 0, len(c.symbols)*3)
	for _, s := range c.symbols {
		lower := strings.ToLower(s)
		streams = append(streams, lower+"@ticker", lower+"@aggTrade", lower+"@depth20@100ms")
	}
	return c.feedURL + "?streams=" + strings.Join(streams, "/")
}

func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("collector already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.lastFlush = time.Now()
	go c.run(runCtx)
	c.log.WithFields(logrus.Fields{"url": c.feedURL, "symbols": c.symbols}).Info("collector started")
	return nil
}

func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	c.flushRemaining()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.log.Info("collector stopped")
}

// flushRemaining persists whatever trade prints are still buffered. The run
// context is already cancelled here, so the write gets its own deadline.
func (c *Collector) flushRemaining() {
	c.mu.Lock()
	batch := c.tradeBuf
	c.tradeBuf = nil
	c.mu.Unlock()
	if len(batch) == 0 || c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.InsertTradePrints(ctx, batch); err != nil {
		c.log.WithError(err).WithField("count", len(batch)).Error("failed to persist trade batch")
	}
}

type Status struct {
	Running     bool      `json:"running"`
	Symbols     []string  `json:"symbols"`
	LastMessage time.Time `json:"last_message"`
}

func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Running: c.running, LastMessage: c.lastMessage}
	if c.running {
		st.Symbols = c.symbols
	}
	return st
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)
	url := c.streamURL()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.consume(ctx, url); err != nil && !errors.Is(err, context.Canceled) {
			c.log.WithError(err).Error("feed connection lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Collector) consume(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.log.Info("feed connected")

	// Reads block; close the socket on cancellation to unblock them.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.mu.Lock()
		c.lastMessage = time.Now()
		c.mu.Unlock()
		if err := c.handleMessage(ctx, raw); err != nil {
			c.log.WithError(err).Error("failed to handle feed message")
		}
	}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type aggTradeEvent struct {
	Symbol     string          `json:"s"`
	Price      decimal.Decimal `json:"p"`
	Quantity   decimal.Decimal `json:"q"`
	TradeID    int64           `json:"a"`
	TradeTime  int64           `json:"T"`
	BuyerMaker bool            `json:"m"`
}

type depthEvent struct {
	Symbol string              `json:"s"`
	Bids   [][]decimal.Decimal `json:"b"`
	Asks   [][]decimal.Decimal `json:"a"`
}

type tickerEvent struct {
	Symbol    string          `json:"s"`
	LastPrice decimal.Decimal `json:"c"`
	EventTime int64           `json:"E"`
}

func (c *Collector) handleMessage(ctx context.Context, raw []byte) error {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	switch {
	case strings.Contains(msg.Stream, "aggTrade"):
		return c.handleTrade(ctx, msg.Data)
	case strings.Contains(msg.Stream, "depth"):
		return c.handleDepth(ctx, msg.Data)
	case strings.Contains(msg.Stream, "ticker"):
		return c.handleTicker(msg.Data)
	default:
		return nil
	}
}

func (c *Collector) handleTrade(ctx context.Context, data json.RawMessage) error {
	var evt aggTradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	side := types.OrderSideBuy
	if evt.BuyerMaker {
		side = types.OrderSideSell
	}
	print := TradePrint{
		Symbol:    evt.Symbol,
		Price:     evt.Price,
		Quantity:  evt.Quantity,
		Side:      side,
		TradeTime: time.UnixMilli(evt.TradeTime).UTC(),
		TradeID:   strconv.FormatInt(evt.TradeID, 10),
	}

	c.bus.Publish(Event{Type: "trade", Data: map[string]string{
		"symbol":   print.Symbol,
		"price":    print.Price.String(),
		"quantity": print.Quantity.String(),
		"side":     string(print.Side),
	}})

	// A failed match never takes the feed down with it.
	if c.matcher != nil {
		if n, err := c.matcher.MatchLimits(ctx, print.Symbol, print.Price); err != nil {
			c.log.WithError(err).WithField("symbol", print.Symbol).Error("limit matching failed")
		} else if n > 0 {
			c.log.WithFields(logrus.Fields{"symbol": print.Symbol, "settled": n}).Info("limit orders filled")
		}
	}

	c.mu.Lock()
	c.tradeBuf = append(c.tradeBuf, print)
	flush := len(c.tradeBuf) >= tradeBufferSize || time.Since(c.lastFlush) > tradeFlushInterval
	var batch []TradePrint
	if flush {
		batch = c.tradeBuf
		c.tradeBuf = nil
		c.lastFlush = time.Now()
	}
	c.mu.Unlock()
	if flush {
		if err := c.store.InsertTradePrints(ctx, batch); err != nil {
			c.log.WithError(err).Error("failed to persist trade batch")
		}
	}
	return nil
}

func (c *Collector) handleDepth(ctx context.Context, data json.RawMessage) error {
	var evt depthEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	c.bus.Publish(Event{Type: "depth", Data: map[string]any{
		"symbol": evt.Symbol,
		"bids":   evt.Bids,
		"asks":   evt.Asks,
	}})
	if !c.depthLimit.Allow() {
		return nil
	}
	for _, lvl := range evt.Bids {
		if len(lvl) < 2 {
			continue
		}
		if err := c.store.UpsertLevel(ctx, evt.Symbol, types.BookSideBid, lvl[0], lvl[1]); err != nil {
			return err
		}
	}
	for _, lvl := range evt.Asks {
		if len(lvl) < 2 {
			continue
		}
		if err := c.store.UpsertLevel(ctx, evt.Symbol, types.BookSideAsk, lvl[0], lvl[1]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) handleTicker(data json.RawMessage) error {
	var evt tickerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	c.bus.Publish(Event{Type: "ticker", Data: map[string]string{
		"symbol": evt.Symbol,
		"price":  evt.LastPrice.String(),
	}})
	return nil
}
