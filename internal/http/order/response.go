package order

import (
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/iapkit/internal/order"
)

type orderResponse struct {
	ID            uuid.UUID         `json:"id"`
	ProductID     string            `json:"product_id"`
	ServerOrderID string            `json:"server_order_id,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	UserInfo      map[string]string `json:"user_info,omitempty"`
	Status        order.Status      `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     *time.Time        `json:"updated_at,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
}

func toResponse(o *order.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		ProductID:     o.ProductID,
		ServerOrderID: o.ServerOrderID,
		TransactionID: o.TransactionID,
		UserInfo:      o.UserInfo,
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		ExpiresAt:     o.ExpiresAt,
	}
}

func toResponseList(orders []*order.Order) []orderResponse {
	resp := make([]orderResponse, len(orders))
	for i, o := range orders {
		resp[i] = toResponse(o)
	}

	return resp
}
