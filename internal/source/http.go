package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Config contains HTTP client configuration
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// HTTPClient implements Client against a JSON order-management API
type HTTPClient struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewHTTPClient creates a client for the order API
func NewHTTPClient(cfg Config, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type ordersResponse struct {
	Orders []Record `json:"orders"`
}

type countResponse struct {
	Count int `json:"count"`
}

// FetchPage retrieves one page of orders
func (c *HTTPClient) FetchPage(ctx context.Context, page, pageSize int, filters Filters) ([]Record, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	addFilters(q, filters)

	var resp ordersResponse
	if err := c.getJSON(ctx, "/orders", q, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// EstimateCount retrieves the expected record count for the filters
func (c *HTTPClient) EstimateCount(ctx context.Context, filters Filters) (int, error) {
	q := url.Values{}
	addFilters(q, filters)

	var resp countResponse
	if err := c.getJSON(ctx, "/orders/count", q, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func addFilters(q url.Values, filters Filters) {
	if filters.Status != "" {
		q.Set("status", filters.Status)
	}
	if filters.UpdatedSince != "" {
		q.Set("updated_since", filters.UpdatedSince)
	}
	for k, v := range filters.Extra {
		q.Set(k, v)
	}
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Source API call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	apiErr := &APIError{Status: resp.StatusCode, Message: string(body)}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
	}
	return apiErr
}
