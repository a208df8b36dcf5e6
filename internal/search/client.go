// Package search executes queries against the external search-engine service.
package search

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

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// Config controls the search client.
type Config struct {
	BaseURL  string
	EngineID string
	PageSize int
	Timeout  time.Duration
}

// Client implements discovery.SearchClient over the JSON search API. Quota
// responses map to discovery.ErrRateLimited so the caller rotates credentials
// instead of retrying the same slot.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type searchResponse struct {
	Items []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// Search issues one query with the given credential.
func (c *Client) Search(ctx context.Context, query string, cred discovery.Credential) ([]discovery.SearchResult, error) {
	endpoint, err := c.buildURL(query, cred)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute search: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusForbidden:
		// Daily quota exceeded surfaces as 403 on this API, 429 mid-burst.
		return nil, fmt.Errorf("slot %s status %d: %w", cred.SlotID, resp.StatusCode, discovery.ErrRateLimited)
	default:
		return nil, fmt.Errorf("search status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]discovery.SearchResult, 0, len(body.Items))
	for _, item := range body.Items {
		if item.Link == "" {
			continue
		}
		results = append(results, discovery.SearchResult{
			URL:     item.Link,
			Title:   item.Title,
			Snippet: item.Snippet,
		})
	}
	c.logger.Debug("search executed",
		zap.String("slot_id", cred.SlotID),
		zap.Bool("paid", cred.Paid),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func (c *Client) buildURL(query string, cred discovery.Credential) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse search base url: %w", err)
	}
	q := base.Query()
	q.Set("key", cred.Key)
	q.Set("cx", c.cfg.EngineID)
	q.Set("q", query)
	q.Set("num", strconv.Itoa(c.cfg.PageSize))
	base.RawQuery = q.Encode()
	return base.String(), nil
}
