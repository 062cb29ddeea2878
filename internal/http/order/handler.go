package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/metrics"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
)

// Handler serves the order records the SDK's network client talks to.
type Handler struct {
	store   order.Backend
	metrics *metrics.Registry
}

func NewHandler(store order.Backend, m *metrics.Registry) *Handler {
	return &Handler{store: store, metrics: m}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Patch("/{id}", h.update)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, operation string, err error) {
	body := apperr.BodyOf(err)
	h.metrics.ObserveOrderRequest(operation, body.Code)

	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("order request failed", "operation", operation, "error", err)
	}

	h.writeJSON(w, status, body)
}

type createOrderRequest struct {
	ID        uuid.UUID         `json:"id"`
	ProductID string            `json:"product_id"`
	UserInfo  map[string]string `json:"user_info,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// create is idempotent on the client-chosen id so a retried request never makes a second order.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "create", apperr.Wrap(order.ErrMalformed, err))
		return
	}

	if req.ID == uuid.Nil || req.ProductID == "" {
		h.fail(w, "create", apperr.Wrap(order.ErrMalformed, errors.New("id and product_id are required")))
		return
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" && key != req.ID.String() {
		h.fail(w, "create", apperr.Wrap(order.ErrMalformed, errors.New("idempotency key does not match order id")))
		return
	}

	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	o := &order.Order{
		ID:        req.ID,
		ProductID: req.ProductID,
		UserInfo:  req.UserInfo,
		Status:    order.StatusCreated,
		CreatedAt: createdAt,
		ExpiresAt: req.ExpiresAt,
	}

	if err := h.store.CreateOrder(r.Context(), o); err != nil {
		h.fail(w, "create", err)
		return
	}

	h.metrics.ObserveOrderRequest("create", "ok")
	h.writeJSON(w, http.StatusCreated, toResponse(o))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := order.ListFilter{}

	if s := r.URL.Query().Get("product_id"); s != "" {
		filter.ProductID = new(s)
	}

	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			status := order.Status(part)
			if !status.Valid() {
				h.fail(w, "list", apperr.Wrap(order.ErrMalformed, fmt.Errorf("unknown status %q", part)))
				return
			}

			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if s := r.URL.Query().Get("created_before"); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			filter.CreatedBefore = new(t)
		}
	}

	orders, err := h.store.ListOrders(r.Context(), filter)
	if err != nil {
		h.fail(w, "list", err)
		return
	}

	h.metrics.ObserveOrderRequest("list", "ok")
	h.writeJSON(w, http.StatusOK, toResponseList(orders))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get", apperr.Wrap(order.ErrMalformed, errors.New("invalid id")))
		return
	}

	o, err := h.store.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, "get", err)
		return
	}

	h.metrics.ObserveOrderRequest("get", "ok")
	h.writeJSON(w, http.StatusOK, toResponse(o))
}

type updateOrderRequest struct {
	Status        *order.Status `json:"status,omitempty"`
	TransactionID *string       `json:"transaction_id,omitempty"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "update", apperr.Wrap(order.ErrMalformed, errors.New("invalid id")))
		return
	}

	var req updateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "update", apperr.Wrap(order.ErrMalformed, err))
		return
	}

	o, err := h.store.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, "update", err)
		return
	}

	if req.Status != nil && *req.Status != o.Status {
		if o.Status.IsTerminal() {
			h.fail(w, "update", apperr.Wrap(order.TerminalError(o.Status), fmt.Errorf("order %s", id)))
			return
		}

		if !order.CanTransition(o.Status, *req.Status) {
			h.fail(w, "update", apperr.Wrap(order.ErrInvalidTransition, fmt.Errorf("%s to %s", o.Status, *req.Status)))
			return
		}

		o.Status = *req.Status
	}

	if req.TransactionID != nil {
		o.TransactionID = *req.TransactionID
	}

	if err := h.store.UpdateOrder(r.Context(), o); err != nil {
		h.fail(w, "update", err)
		return
	}

	updated, err := h.store.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, "update", err)
		return
	}

	h.metrics.ObserveOrderRequest("update", "ok")
	h.writeJSON(w, http.StatusOK, toResponse(updated))
}
