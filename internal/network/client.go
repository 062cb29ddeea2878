// Package network is the HTTP client for the order back end and the receipt validation
// authority. Failed round trips surface as transient apperr kinds; requests are never
// retried here, so a create can not be duplicated by the transport.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
)

type Options struct {
	// Timeout bounds each request. Zero leaves it to the caller's context.
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

func NewClient(baseURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
	}
}

var (
	_ order.Backend     = (*Client)(nil)
	_ receipt.Authority = (*Client)(nil)
)

// do sends body as JSON and decodes a 2xx answer into out.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)

		defer cancel()
	}

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	for k, v := range header {
		req.Header[k] = v
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(ctx, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return classifyStatus(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrap(apperr.ErrServerRejected, fmt.Errorf("decoding response: %w", err))
	}

	return nil
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.Wrap(apperr.ErrTimeout, err)
	}

	return apperr.Wrap(apperr.ErrNetwork, err)
}

// classifyStatus rebuilds the back end's error envelope so the original code still matches
// its sentinel under errors.Is.
func classifyStatus(status int, data []byte) error {
	cause := fmt.Errorf("status %d", status)

	if status >= http.StatusInternalServerError {
		return apperr.Wrap(apperr.ErrServerUnavailable, cause)
	}

	var body apperr.Body
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" || body.Kind == "" {
		return apperr.Wrap(apperr.ErrServerRejected, fmt.Errorf("%w: %s", cause, bytes.TrimSpace(data)))
	}

	return &apperr.Error{Kind: body.Kind, Code: body.Code, Message: body.Message, Err: cause}
}

type orderPayload struct {
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

func (p orderPayload) toOrder() *order.Order {
	return &order.Order{
		ID:            p.ID,
		ProductID:     p.ProductID,
		ServerOrderID: p.ServerOrderID,
		TransactionID: p.TransactionID,
		UserInfo:      p.UserInfo,
		Status:        p.Status,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
		ExpiresAt:     p.ExpiresAt,
	}
}

type createOrderRequest struct {
	ID        uuid.UUID         `json:"id"`
	ProductID string            `json:"product_id"`
	UserInfo  map[string]string `json:"user_info,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// CreateOrder registers o and fills in what the back end assigned. The order id doubles as
// the idempotency key.
func (c *Client) CreateOrder(ctx context.Context, o *order.Order) error {
	req := createOrderRequest{
		ID:        o.ID,
		ProductID: o.ProductID,
		UserInfo:  o.UserInfo,
		CreatedAt: o.CreatedAt,
		ExpiresAt: o.ExpiresAt,
	}

	header := http.Header{"Idempotency-Key": []string{o.ID.String()}}

	var resp orderPayload
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", header, req, &resp); err != nil {
		return err
	}

	*o = *resp.toOrder()

	return nil
}

func (c *Client) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	var resp orderPayload
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+id.String(), nil, nil, &resp); err != nil {
		return nil, err
	}

	return resp.toOrder(), nil
}

func (c *Client) ListOrders(ctx context.Context, filter order.ListFilter) ([]*order.Order, error) {
	q := url.Values{}

	if filter.ProductID != nil {
		q.Set("product_id", *filter.ProductID)
	}

	if len(filter.Statuses) > 0 {
		parts := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			parts[i] = string(s)
		}

		q.Set("status", strings.Join(parts, ","))
	}

	if filter.CreatedBefore != nil {
		q.Set("created_before", filter.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}

	path := "/api/v1/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp []orderPayload
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*order.Order, len(resp))
	for i, p := range resp {
		out[i] = p.toOrder()
	}

	return out, nil
}

type updateOrderRequest struct {
	Status        *order.Status `json:"status,omitempty"`
	TransactionID *string       `json:"transaction_id,omitempty"`
}

func (c *Client) UpdateOrder(ctx context.Context, o *order.Order) error {
	req := updateOrderRequest{Status: new(o.Status)}
	if o.TransactionID != "" {
		req.TransactionID = new(o.TransactionID)
	}

	return c.do(ctx, http.MethodPatch, "/api/v1/orders/"+o.ID.String(), nil, req, nil)
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

// Validate asks the authority to verify req. An order mismatch keeps its non-retriable
// conflict kind.
func (c *Client) Validate(ctx context.Context, req receipt.Request) (*receipt.Result, error) {
	var resp validateResponse

	body := validateRequest{Receipt: string(req.Receipt), OrderID: req.OrderID}
	if err := c.do(ctx, http.MethodPost, "/api/v1/receipts/validate", nil, body, &resp); err != nil {
		return nil, err
	}

	res := &receipt.Result{
		Valid:        resp.Valid,
		Environment:  resp.Environment,
		AppVersion:   resp.AppVersion,
		Transactions: resp.Transactions,
	}

	if resp.CreatedAt != nil {
		res.CreatedAt = *resp.CreatedAt
	}

	return res, nil
}
