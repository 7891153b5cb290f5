// Package pushclient sends price and availability updates to the terminal
// vendor's HTTP API.
package pushclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/reconcile"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	// RatePerMinute caps outgoing requests; the limiter allows a burst of one.
	RatePerMinute int
	Timeout       time.Duration
}

// ConfigFromEnv reads VENDOR_API_BASE_URL, VENDOR_API_KEY,
// VENDOR_API_KEY_HEADER and VENDOR_RATE_LIMIT_PER_MIN.
func ConfigFromEnv() Config {
	cfg := Config{
		BaseURL:       strings.TrimSpace(os.Getenv("VENDOR_API_BASE_URL")),
		APIKey:        strings.TrimSpace(os.Getenv("VENDOR_API_KEY")),
		APIKeyHeader:  strings.TrimSpace(os.Getenv("VENDOR_API_KEY_HEADER")),
		RatePerMinute: 60,
		Timeout:       15 * time.Second,
	}
	if v := strings.TrimSpace(os.Getenv("VENDOR_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RatePerMinute = n
		}
	}
	return cfg
}

type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("pushclient: vendor base url is empty")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("pushclient: vendor api key is empty")
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		apiKeyHdr: cfg.APIKeyHeader,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1),
	}, nil
}

var _ reconcile.Pusher = (*Client)(nil)

type itemUpdate struct {
	Price     decimal.Decimal `json:"price"`
	Available bool            `json:"available"`
}

// Push issues PUT {base}/v1/machines/{machine}/items/{code}. Any non-2xx
// answer is an error; retrying is left to the caller.
func (c *Client) Push(ctx context.Context, req reconcile.PushRequest) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(itemUpdate{Price: req.Price, Available: req.Available})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v1/machines/%s/items/%s", c.baseURL, url.PathEscape(req.MachineId), url.PathEscape(req.ItemCode))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set(c.apiKeyHdr, c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if id := appctx.CorrelationId(ctx); id != "" {
		httpReq.Header.Set("X-Correlation-Id", id)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vendor api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}
