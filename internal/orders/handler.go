package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"perpsim/internal/accounts"
	"perpsim/internal/httputil"
	"perpsim/internal/model"
	"perpsim/internal/types"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// statusForError keeps 4xx for the request's own faults; anything
// unrecognized is treated as a transient store failure the caller may retry.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, accounts.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, accounts.ErrAccountMismatch):
		return http.StatusForbidden
	case errors.Is(err, ErrOrderNotCancellable):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type placeOrderRequest struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price"`
	Leverage  int    `json:"leverage"`
}

func (h *Handler) Place(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid quantity"})
		return
	}
	var price *decimal.Decimal
	if req.Price != "" {
		p, err := decimal.NewFromString(req.Price)
		if err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid price"})
			return
		}
		price = &p
	}
	res, err := h.svc.PlaceOrder(r.Context(), PlaceOrderRequest{
		UserID:    req.UserID,
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      types.OrderSide(req.Side),
		Type:      types.OrderType(req.Type),
		Quantity:  qty,
		Price:     price,
		Leverage:  req.Leverage,
	})
	if err != nil {
		httputil.WriteJSON(w, statusForError(err), httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		AccountID string `json:"account_id"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	orderID := chi.URLParam(r, "orderID")
	if err := h.svc.Cancel(r.Context(), req.UserID, req.AccountID, orderID); err != nil {
		httputil.WriteJSON(w, statusForError(err), httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "status": string(types.OrderStatusCancelled)})
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	accountID := r.URL.Query().Get("account_id")
	out, err := h.svc.ListOpen(r.Context(), userID, accountID, queryLimit(r))
	if err != nil {
		httputil.WriteJSON(w, statusForError(err), httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if out == nil {
		out = []model.Order{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	accountID := r.URL.Query().Get("account_id")
	out, err := h.svc.History(r.Context(), userID, accountID, queryLimit(r))
	if err != nil {
		httputil.WriteJSON(w, statusForError(err), httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if out == nil {
		out = []model.Order{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Trades(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	accountID := r.URL.Query().Get("account_id")
	out, err := h.svc.Trades(r.Context(), userID, accountID, queryLimit(r))
	if err != nil {
		httputil.WriteJSON(w, statusForError(err), httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if out == nil {
		out = []model.Trade{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
