// Package remote talks to the kasirinaja backend over HTTP/JSON and maps every
// failure onto the syncerr taxonomy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/syncerr"
)

const (
	maxResponseBodySize = 4 << 20
	defaultPageSize     = 200
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL string, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ProductQuery selects one page of the outlet catalog. A zero ChangedSince asks
// for the full catalog.
type ProductQuery struct {
	OutletID     string
	Page         int
	Size         int
	ChangedSince time.Time
}

type ProductPage struct {
	Items      []domain.CachedProduct `json:"items"`
	Page       int                    `json:"page"`
	Size       int                    `json:"size"`
	HasMore    bool                   `json:"has_more"`
	ServerTime time.Time              `json:"server_time"`
}

type transactionPayload struct {
	domain.SaleRequest
	OfflineID string `json:"offline_id"`
}

type heldListPayload struct {
	Items []domain.HeldSale `json:"items"`
}

// CreateTransaction submits one sale with offlineID as the idempotency key. A
// backend that already applied the key answers either 409 (Conflict error) or a
// record flagged Duplicate.
func (c *Client) CreateTransaction(ctx context.Context, offlineID string, req domain.SaleRequest) (domain.TransactionRecord, error) {
	const op = "create transaction"
	var record domain.TransactionRecord
	headers := map[string]string{"Idempotency-Key": offlineID}
	err := c.do(ctx, op, http.MethodPost, "/transactions", transactionPayload{SaleRequest: req, OfflineID: offlineID}, headers, &record)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	if record.OfflineID == "" {
		record.OfflineID = offlineID
	}
	return record, nil
}

func (c *Client) ListProducts(ctx context.Context, q ProductQuery) (ProductPage, error) {
	values := url.Values{}
	values.Set("outlet_id", q.OutletID)
	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.Size
	if size < 1 {
		size = defaultPageSize
	}
	values.Set("page", strconv.Itoa(page))
	values.Set("size", strconv.Itoa(size))
	if !q.ChangedSince.IsZero() {
		values.Set("changed_since", q.ChangedSince.UTC().Format(time.RFC3339Nano))
	}

	var result ProductPage
	if err := c.do(ctx, "list products", http.MethodGet, "/products?"+values.Encode(), nil, nil, &result); err != nil {
		return ProductPage{}, err
	}
	if result.Page == 0 {
		result.Page = page
	}
	return result, nil
}

func (c *Client) CreateHeldReceipt(ctx context.Context, held domain.HeldSale) (domain.HeldSale, error) {
	var created domain.HeldSale
	headers := map[string]string{}
	if held.ID != "" {
		headers["Idempotency-Key"] = held.ID
	}
	if err := c.do(ctx, "create held receipt", http.MethodPost, "/held-receipts", held, headers, &created); err != nil {
		return domain.HeldSale{}, err
	}
	if created.ID == "" {
		return domain.HeldSale{}, syncerr.Validation("create held receipt", errors.New("backend returned no id"))
	}
	created.Synced = true
	return created, nil
}

func (c *Client) ListHeldReceipts(ctx context.Context, outletID string) ([]domain.HeldSale, error) {
	var payload heldListPayload
	path := "/held-receipts?outlet_id=" + url.QueryEscape(outletID)
	if err := c.do(ctx, "list held receipts", http.MethodGet, path, nil, nil, &payload); err != nil {
		return nil, err
	}
	for i := range payload.Items {
		payload.Items[i].Synced = true
	}
	return payload.Items, nil
}

// DeleteHeldReceipt treats 404 as success: the receipt is already gone.
func (c *Client) DeleteHeldReceipt(ctx context.Context, id string) error {
	err := c.do(ctx, "delete held receipt", http.MethodDelete, "/held-receipts/"+url.PathEscape(id), nil, nil, nil)
	var se *syncerr.Error
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, op string, method string, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return syncerr.Validation(op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return syncerr.Validation(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return syncerr.Transient(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(op, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return syncerr.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// ID is set when the backend answers a replay with the record it already holds.
	ID string `json:"id"`
}

// classify maps a non-2xx response. Auth failures are transient because an
// operator can fix the token without touching the queued records. A 409 is a
// Conflict only when the backend says the request was already applied; other
// 409s (insufficient stock, invalid transaction) are rejections.
func classify(op string, status int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	var body errorBody
	parsed := json.Unmarshal(raw, &body) == nil
	if parsed {
		switch {
		case body.Error != "":
			msg = body.Error
		case body.Message != "":
			msg = body.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	kind := syncerr.KindValidation
	switch {
	case status >= 400 && status < 500 && reportsAlreadyApplied(msg),
		status == http.StatusConflict && parsed && body.ID != "":
		kind = syncerr.KindConflict
	case status >= 500,
		status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden:
		kind = syncerr.KindTransient
	}

	return &syncerr.Error{Kind: kind, Op: op, Status: status, Err: errors.New(msg)}
}

func reportsAlreadyApplied(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "duplicate") || strings.Contains(lower, "already applied") || strings.Contains(lower, "already exists")
}

func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
