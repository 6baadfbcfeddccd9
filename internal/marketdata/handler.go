package marketdata

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"perpsim/internal/httputil"
	"perpsim/internal/model"
	"perpsim/internal/types"
)

const defaultDepthLimit = 20

// BracketLister exposes the leverage bracket ladder for a symbol.
type BracketLister interface {
	List(ctx context.Context, symbol string) ([]model.LeverageBracket, error)
}

type Handler struct {
	store     *Store
	collector *Collector
	brackets  BracketLister
}

func NewHandler(store *Store, collector *Collector, brackets BracketLister) *Handler {
	return &Handler{store: store, collector: collector, brackets: brackets}
}

func (h *Handler) Depth(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	limit := defaultDepthLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	bids, err := h.store.Depth(r.Context(), symbol, types.BookSideBid, limit)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	asks, err := h.store.Depth(r.Context(), symbol, types.BookSideAsk, limit)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if bids == nil {
		bids = []model.BookLevel{}
	}
	if asks == nil {
		asks = []model.BookLevel{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "bids": bids, "asks": asks})
}

func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	bid, ask, err := h.store.BestBidAsk(r.Context(), symbol)
	if errors.Is(err, ErrNoQuote) {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "no quote for symbol"})
		return
	}
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	mark := bid.Add(ask).Div(decimal.NewFromInt(2))
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"symbol":     symbol,
		"bid":        bid.String(),
		"ask":        ask.String(),
		"mark_price": mark.String(),
	})
}

func (h *Handler) Brackets(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	out, err := h.brackets.List(r.Context(), symbol)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if out == nil {
		out = []model.LeverageBracket{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// Feed control is mounted behind the internal token middleware.

func (h *Handler) StartFeed(w http.ResponseWriter, r *http.Request) {
	// The collector must outlive this request.
	if err := h.collector.Start(context.WithoutCancel(r.Context())); err != nil {
		httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handler) StopFeed(w http.ResponseWriter, r *http.Request) {
	h.collector.Stop()
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) FeedStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.collector.Status())
}
