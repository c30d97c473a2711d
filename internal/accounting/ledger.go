package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"imagine/internal/domain"
	"imagine/internal/infra"
)

// Ledger is the accounting collaborator. The orchestrator reserves cost
// before any engine call and reverses the reservation on permanent failure.
type Ledger interface {
	// Reserve books amount against the user's balance and returns the usage
	// id needed to reverse it. Fails with domain.ErrInsufficientFunds.
	Reserve(ctx context.Context, userID string, amount float64) (string, error)
	// Cancel reverses a reservation. Unknown usage ids are ignored upstream.
	Cancel(ctx context.Context, usageID string) error
	// Quota returns the user's remaining balance. May be served from a short
	// cache.
	Quota(ctx context.Context, userID string) (float64, error)
}

// Options configures the HTTP ledger client.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Redis enables the short-lived quota cache; nil disables caching.
	Redis    *redis.Client
	CacheTTL time.Duration
	Logger   *infra.Logger
}

// Client talks to the usage/quota service over HTTP, with quota lookups
// cached in Redis for a few seconds to absorb bulk fan-out bursts.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	redis      *redis.Client
	cacheTTL   time.Duration
	logger     *infra.Logger
}

type usageResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type quotaResponse struct {
	Quota float64 `json:"quota"`
}

// NewClient constructs a ledger client with sane defaults.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		redis:      opts.Redis,
		cacheTTL:   ttl,
		logger:     opts.Logger,
	}
}

// Reserve books a usage record before the engine is contacted.
func (c *Client) Reserve(ctx context.Context, userID string, amount float64) (string, error) {
	body := map[string]any{
		"user_id": userID,
		"asset":   "coin",
		"amount":  amount,
		"variant": "imagine",
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("accounting: encode usage: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/usages", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("accounting: build request: %w", err)
	}
	c.setHeaders(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("accounting: reserve: %w", err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	switch {
	case res.StatusCode == http.StatusPaymentRequired || res.StatusCode == http.StatusConflict:
		return "", fmt.Errorf("%w: need %.2f coins", domain.ErrInsufficientFunds, amount)
	case res.StatusCode >= http.StatusBadRequest:
		return "", fmt.Errorf("accounting: reserve status %d", res.StatusCode)
	}

	var usage usageResponse
	if err := json.Unmarshal(raw, &usage); err != nil {
		return "", fmt.Errorf("accounting: decode usage: %w", err)
	}
	if usage.ID == "" {
		return "", fmt.Errorf("accounting: usage id missing")
	}
	c.invalidateQuota(ctx, userID)
	return usage.ID, nil
}

// Cancel reverses a reservation after a permanent failure.
func (c *Client) Cancel(ctx context.Context, usageID string) error {
	if usageID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/usages/"+url.PathEscape(usageID), nil)
	if err != nil {
		return fmt.Errorf("accounting: build request: %w", err)
	}
	c.setHeaders(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("accounting: cancel: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode >= http.StatusBadRequest && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("accounting: cancel status %d", res.StatusCode)
	}
	return nil
}

// Quota returns the remaining balance, served from the Redis cache when
// fresh.
func (c *Client) Quota(ctx context.Context, userID string) (float64, error) {
	if c.redis != nil {
		if cached, err := c.redis.Get(ctx, quotaKey(userID)).Result(); err == nil {
			if quota, err := strconv.ParseFloat(cached, 64); err == nil {
				return quota, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/quotas?user_id=%s&asset=coin&variant=imagine", c.baseURL, url.QueryEscape(userID)), nil)
	if err != nil {
		return 0, fmt.Errorf("accounting: build request: %w", err)
	}
	c.setHeaders(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("accounting: quota: %w", err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("accounting: quota status %d", res.StatusCode)
	}

	var quota quotaResponse
	if err := json.Unmarshal(raw, &quota); err != nil {
		return 0, fmt.Errorf("accounting: decode quota: %w", err)
	}

	if c.redis != nil {
		if err := c.redis.Set(ctx, quotaKey(userID), strconv.FormatFloat(quota.Quota, 'f', -1, 64), c.cacheTTL).Err(); err != nil && c.logger != nil {
			c.logger.Warn().Err(err).Msg("accounting: quota cache write failed")
		}
	}
	return quota.Quota, nil
}

func (c *Client) invalidateQuota(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, quotaKey(userID)).Err(); err != nil && c.logger != nil {
		c.logger.Warn().Err(err).Msg("accounting: quota cache invalidation failed")
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func quotaKey(userID string) string {
	return "quota:imagine:" + userID
}

var _ Ledger = (*Client)(nil)
