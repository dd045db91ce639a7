// Package search queries the Google Programmable Search JSON API.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/emberchat/ember/internal/log"
)

const defaultBaseURL = "https://www.googleapis.com/customsearch/v1"

// ErrUnavailable indicates the search backend could not serve the query.
// Callers degrade to an empty result set rather than failing the response.
var ErrUnavailable = errors.New("search unavailable")

// Result is one web search hit.
type Result struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Snippet     string `json:"snippet"`
	DisplayLink string `json:"displayLink,omitempty"`
}

// Config contains all required parameters for the search client.
type Config struct {
	APIKey     string
	EngineID   string
	MaxResults int           // hits per query, capped at 10 by the API
	Timeout    time.Duration // per-query deadline (default 10s)
	BaseURL    string        // override for tests
	Logger     log.Logger
}

// Client performs web searches. Not configured credentials are allowed:
// Enabled reports false and Search fails with ErrUnavailable.
type Client struct {
	apiKey     string
	engineID   string
	maxResults int
	baseURL    string
	httpClient *http.Client
	logger     log.Logger
}

// New creates a search client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 3
	}
	if maxResults > 10 {
		maxResults = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:     cfg.APIKey,
		engineID:   cfg.EngineID,
		maxResults: maxResults,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
	}, nil
}

// Enabled reports whether search credentials are configured.
func (c *Client) Enabled() bool {
	return c.apiKey != "" && c.engineID != ""
}

// Search runs the query and returns up to MaxResults hits.
// Any backend failure is reported as ErrUnavailable.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%w: credentials not configured", ErrUnavailable)
	}
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrUnavailable)
	}

	params := url.Values{
		"key": {c.apiKey},
		"cx":  {c.engineID},
		"q":   {query},
		"num": {strconv.Itoa(c.maxResults)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		Items []Result `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}

	c.logger.Debug("search completed", "query", query, "results", len(body.Items))
	if len(body.Items) > c.maxResults {
		body.Items = body.Items[:c.maxResults]
	}
	return body.Items, nil
}
