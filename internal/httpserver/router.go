package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"perpsim/internal/accounts"
	"perpsim/internal/health"
	"perpsim/internal/marketdata"
	"perpsim/internal/orders"
)

type RouterDeps struct {
	AccountsHandler *accounts.Handler
	OrderHandler    *orders.Handler
	MarketHandler   *marketdata.Handler
	HealthHandler   *health.Handler
	StreamWS        http.Handler
	InternalToken   string
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(CORS)
	r.Use(SecurityHeaders)
	r.Use(RateLimitMiddleware)

	r.Get("/health", d.HealthHandler.Liveness)
	r.Get("/ready", d.HealthHandler.Readiness)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", d.AccountsHandler.List)
			r.Post("/", d.AccountsHandler.Create)
			r.Delete("/{accountID}", d.AccountsHandler.Delete)
			r.Get("/positions", d.AccountsHandler.Positions)
			r.Get("/summary", d.AccountsHandler.Summary)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", d.OrderHandler.Place)
			r.Get("/open", d.OrderHandler.ListOpen)
			r.Get("/history", d.OrderHandler.History)
			r.Post("/{orderID}/cancel", d.OrderHandler.Cancel)
		})
		r.Get("/trades", d.OrderHandler.Trades)

		r.Route("/market", func(r chi.Router) {
			r.Get("/depth/{symbol}", d.MarketHandler.Depth)
			r.Get("/price/{symbol}", d.MarketHandler.Price)
			r.Get("/leverage-brackets/{symbol}", d.MarketHandler.Brackets)
			r.Get("/ws", d.StreamWS.ServeHTTP)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuth(d.InternalToken))
		r.Post("/feed/start", d.MarketHandler.StartFeed)
		r.Post("/feed/stop", d.MarketHandler.StopFeed)
		r.Get("/feed/status", d.MarketHandler.FeedStatus)
	})

	return r
}
