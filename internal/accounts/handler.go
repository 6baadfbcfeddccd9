package accounts

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"perpsim/internal/httputil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAccountMismatch):
		return http.StatusForbidden
	case errors.Is(err, ErrTooManyAccounts), errors.Is(err, ErrNameTaken):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	accounts, err := h.svc.List(r.Context(), userID)
	if err != nil {
		httputil.WriteJSON(w, statusForError(err), httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, accounts)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		Name    string `json:"name"`
		Balance string `json:"balance"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	var balance *decimal.Decimal
	if req.Balance != "" {
		b, err := decimal.NewFromString(req.Balance)
		if err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid balance"})
			return
		}
		balance = &b
	}
	acc, err := h.svc.Create(r.Context(), req.UserID, req.Name, balance)
	if err != nil {
		httputil.WriteJSON(w, statusForError(err), httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acc)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	accountID := chi.URLParam(r, "accountID")
	if err := h.svc.Delete(r.Context(), userID, accountID); err != nil {
		httputil.WriteJSON(w, statusForError(err), httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	accountID := r.URL.Query().Get("account_id")
	positions, err := h.svc.Positions(r.Context(), userID, accountID)
	if err != nil {
		httputil.WriteJSON(w, statusForError(err), httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if positions == nil {
		positions = []PositionView{}
	}
	httputil.WriteJSON(w, http.StatusOK, positions)
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	accountID := r.URL.Query().Get("account_id")
	sum, err := h.svc.Summarize(r.Context(), userID, accountID)
	if err != nil {
		httputil.WriteJSON(w, statusForError(err), httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sum)
}
