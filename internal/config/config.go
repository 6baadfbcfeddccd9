package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr        string
	DBDSN           string
	WebSocketOrigin string
	InternalToken   string
	FeedURL         string
	FeedSymbols     []string
	StartingBalance decimal.Decimal
	LiqInterval     time.Duration
	DefaultMMR      decimal.Decimal
}

func Load() (Config, error) {
	var c Config
	var missing []string
	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")
	if c.WebSocketOrigin == "" {
		missing = append(missing, "WS_ORIGIN")
	}
	c.InternalToken = os.Getenv("INTERNAL_API_TOKEN")
	if c.InternalToken == "" {
		missing = append(missing, "INTERNAL_API_TOKEN")
	}
	c.FeedURL = os.Getenv("FEED_URL")
	if c.FeedURL == "" {
		c.FeedURL = "wss://fstream.binance.com/stream"
	}
	symbols := os.Getenv("FEED_SYMBOLS")
	if symbols == "" {
		symbols = "BTCUSDT"
	}
	for _, s := range strings.Split(symbols, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			c.FeedSymbols = append(c.FeedSymbols, s)
		}
	}
	if len(c.FeedSymbols) == 0 {
		return c, errors.New("invalid FEED_SYMBOLS")
	}
	balance := os.Getenv("STARTING_BALANCE")
	if balance == "" {
		balance = "100000"
	}
	b, err := decimal.NewFromString(balance)
	if err != nil || !b.GreaterThan(decimal.Zero) {
		return c, errors.New("invalid STARTING_BALANCE")
	}
	c.StartingBalance = b
	interval := os.Getenv("LIQ_INTERVAL")
	if interval == "" {
		interval = "1s"
	}
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		return c, errors.New("invalid LIQ_INTERVAL")
	}
	c.LiqInterval = d
	mmr := os.Getenv("MMR_DEFAULT")
	if mmr == "" {
		mmr = "0.004"
	}
	m, err := decimal.NewFromString(mmr)
	if err != nil || m.IsNegative() {
		return c, errors.New("invalid MMR_DEFAULT")
	}
	c.DefaultMMR = m
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}
