package printify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/onlyintx/api/internal/domain"
)

const (
	defaultBaseURL       = "https://api.printify.com/v1"
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
	maxResponseBytes     = 1 << 20
)

var (
	// ErrNotFound indicates the upstream product does not exist.
	ErrNotFound = errors.New("printify: not found")
	// ErrUnavailable indicates a transient upstream failure (network error, 5xx, 429, timeout).
	ErrUnavailable = errors.New("printify: upstream unavailable")
)

// RejectedError is a terminal upstream rejection (4xx business-logic refusal).
// It is never retried.
type RejectedError struct {
	StatusCode int
	Reason     string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return fmt.Sprintf("printify: rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("printify: rejected with status %d: %s", e.StatusCode, e.Reason)
}

// Logger defines the logging contract for client operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// ClientConfig configures the Client.
type ClientConfig struct {
	APIToken       string
	ShopID         string
	BaseURL        string
	HTTPClient     *http.Client
	RetryAttempts  int
	RetryBaseDelay time.Duration
	Logger         Logger
	Sleep          func(ctx context.Context, d time.Duration) error
}

// Client is a typed wrapper over the Printify v1 API covering product lookup
// and fulfillment order creation.
type Client struct {
	token      string
	shopID     string
	baseURL    string
	httpClient *http.Client
	attempts   int
	baseDelay  time.Duration
	logger     Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient constructs a Client using the given configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	token := strings.TrimSpace(cfg.APIToken)
	if token == "" {
		return nil, errors.New("printify: api token is required")
	}
	shopID := strings.TrimSpace(cfg.ShopID)
	if shopID == "" {
		return nil, errors.New("printify: shop id is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Client{
		token:      token,
		shopID:     shopID,
		baseURL:    baseURL,
		httpClient: httpClient,
		attempts:   attempts,
		baseDelay:  baseDelay,
		logger:     logger,
		sleep:      sleep,
	}, nil
}

type variantPayload struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Price     int64  `json:"price"`
	IsEnabled bool   `json:"is_enabled"`
}

type productPayload struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Variants []variantPayload `json:"variants"`
}

// OrderLineItem is one product/variant/quantity entry on an order request.
type OrderLineItem struct {
	ProductID string `json:"product_id"`
	VariantID int64  `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// Address is the delivery block on an order request.
type Address struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Country   string `json:"country"`
	Region    string `json:"region"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2"`
	City      string `json:"city"`
	ZIP       string `json:"zip"`
}

// OrderRequest is the payload for creating one fulfillment order. The pipeline
// issues one request per cart line item so partial failure stays attributable.
type OrderRequest struct {
	ExternalID               string          `json:"external_id"`
	Label                    string          `json:"label"`
	LineItems                []OrderLineItem `json:"line_items"`
	ShippingMethod           int             `json:"shipping_method"`
	SendShippingNotification bool            `json:"send_shipping_notification"`
	AddressTo                Address         `json:"address_to"`
}

type orderResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// GetProduct fetches a product and its variants from the configured shop.
func (c *Client) GetProduct(ctx context.Context, productID string) (domain.CatalogProduct, error) {
	if c == nil {
		return domain.CatalogProduct{}, errors.New("printify: client is nil")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.CatalogProduct{}, errors.New("printify: product id is required")
	}

	url := fmt.Sprintf("%s/shops/%s/products/%s.json", c.baseURL, c.shopID, productID)

	var payload productPayload
	err := c.doWithRetry(ctx, "printify.product.get", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, url, nil, &payload)
	})
	if err != nil {
		return domain.CatalogProduct{}, err
	}

	product := domain.CatalogProduct{
		ID:       payload.ID,
		Title:    payload.Title,
		Variants: make([]domain.CatalogVariant, 0, len(payload.Variants)),
	}
	if product.ID == "" {
		product.ID = productID
	}
	for _, v := range payload.Variants {
		product.Variants = append(product.Variants, domain.CatalogVariant{
			ID:        v.ID,
			Title:     v.Title,
			PriceCent: v.Price,
			Enabled:   v.IsEnabled,
		})
	}
	return product, nil
}

// CreateOrder submits one fulfillment order and returns the upstream reference id.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c == nil {
		return "", errors.New("printify: client is nil")
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		return "", errors.New("printify: external id is required")
	}
	if len(req.LineItems) == 0 {
		return "", errors.New("printify: at least one line item is required")
	}

	url := fmt.Sprintf("%s/shops/%s/orders.json", c.baseURL, c.shopID)

	var payload orderResponse
	err := c.doWithRetry(ctx, "printify.order.create", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, url, req, &payload)
	})
	if err != nil {
		return "", err
	}
	if payload.ID == "" {
		return "", fmt.Errorf("%w: order response missing id", ErrUnavailable)
	}

	c.logger(ctx, "printify.order.created", map[string]any{
		"externalId": req.ExternalID,
		"reference":  payload.ID,
	})
	return payload.ID, nil
}

// doWithRetry retries fn with doubling delays while it fails with ErrUnavailable.
func (c *Client) doWithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	delay := c.baseDelay
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrUnavailable) {
			return lastErr
		}
		if attempt == c.attempts {
			break
		}
		c.logger(ctx, op+".retry", map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   lastErr.Error(),
		})
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
	return lastErr
}

func (c *Client) doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("printify: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("printify: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("printify: decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return &RejectedError{
			StatusCode: resp.StatusCode,
			Reason:     rejectionReason(data),
		}
	}
}

func rejectionReason(data []byte) string {
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	reason := strings.TrimSpace(string(data))
	if len(reason) > 200 {
		reason = reason[:200]
	}
	return reason
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
