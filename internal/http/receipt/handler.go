package receipt

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
)

// Handler exposes the validation authority.
type Handler struct {
	authority receipt.Authority
}

func NewHandler(authority receipt.Authority) *Handler {
	return &Handler{authority: authority}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/validate", h.validate)
}

type validateRequest struct {
	Receipt string     `json:"receipt"`
	OrderID *uuid.UUID `json:"order_id,omitempty"`
}

type validateResponse struct {
	Valid        bool                `json:"valid"`
	Environment  receipt.Environment `json:"environment,omitempty"`
	AppVersion   string              `json:"app_version,omitempty"`
	CreatedAt    *time.Time          `json:"created_at,omitempty"`
	Transactions []receipt.Claims    `json:"transactions"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// statusOf answers an order mismatch with 422 so it can never be mistaken for a retriable conflict.
func statusOf(err error) int {
	if errors.Is(err, order.ErrMismatch) {
		return http.StatusUnprocessableEntity
	}

	return apperr.HTTPStatus(err)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = apperr.Wrap(receipt.ErrInvalidFormat, err)
		writeJSON(w, statusOf(err), apperr.BodyOf(err))

		return
	}

	res, err := h.authority.Validate(r.Context(), receipt.Request{Receipt: []byte(req.Receipt), OrderID: req.OrderID})
	if err != nil {
		status := statusOf(err)
		if status == http.StatusInternalServerError {
			slog.Error("receipt validation failed", "order_id", req.OrderID, "error", err)
		}

		writeJSON(w, status, apperr.BodyOf(err))

		return
	}

	resp := validateResponse{
		Valid:        res.Valid,
		Environment:  res.Environment,
		AppVersion:   res.AppVersion,
		Transactions: res.Transactions,
	}

	if !res.CreatedAt.IsZero() {
		resp.CreatedAt = new(res.CreatedAt)
	}

	writeJSON(w, http.StatusOK, resp)
}
