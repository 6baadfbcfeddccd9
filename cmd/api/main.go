package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"perpsim/internal/accounts"
	"perpsim/internal/brackets"
	"perpsim/internal/config"
	"perpsim/internal/db"
	"perpsim/internal/health"
	"perpsim/internal/httpserver"
	"perpsim/internal/ledger"
	"perpsim/internal/liquidation"
	"perpsim/internal/marketdata"
	"perpsim/internal/matching"
	"perpsim/internal/orders"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	bus := marketdata.NewBus()
	market := marketdata.NewStore(pool)
	store := ledger.NewStore()
	bracketStore := brackets.NewStore(pool, cfg.DefaultMMR, log)
	if err := bracketStore.Seed(ctx); err != nil {
		log.Fatal(err)
	}

	engine := matching.NewEngine(pool, store, market, bracketStore, bus, log)
	accountSvc := accounts.NewService(pool, market, cfg.StartingBalance)
	orderSvc := orders.NewService(pool, store, accountSvc, engine, log)

	collector := marketdata.NewCollector(market, bus, engine, log, cfg.FeedURL, cfg.FeedSymbols)
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	monitor := liquidation.NewMonitor(pool, store, market, bus, log, cfg.LiqInterval)
	if err := monitor.Start(ctx); err != nil {
		log.Fatal(err)
	}

	router := httpserver.NewRouter(httpserver.RouterDeps{
		AccountsHandler: accounts.NewHandler(accountSvc),
		OrderHandler:    orders.NewHandler(orderSvc),
		MarketHandler:   marketdata.NewHandler(market, collector, bracketStore),
		HealthHandler:   health.NewHandler(pool, time.Now()),
		StreamWS:        marketdata.NewStreamWS(bus, cfg.WebSocketOrigin, log),
		InternalToken:   cfg.InternalToken,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	log.WithField("addr", cfg.HTTPAddr).Info("server listening")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}

	// Server is down; drain the background loops before closing the pool.
	monitor.Stop()
	collector.Stop()
}
