// Package supabase is the REST-style accessor to the persistence layer
// (PostgREST semantics): filtered selects and conditional patches against
// named tables. The settlement engine is its only consumer; it treats any
// non-success response as a typed *Error, distinct from an empty result.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nashlabs/lendmarket/internal/domain"
)

// Error is returned for any non-2xx response from the data store.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("supabase: request failed (%d): %s", e.Status, e.Body)
}

// ClientConfig holds connection parameters for the data store.
type ClientConfig struct {
	// ApiURL is the project base URL, e.g. "https://xyz.supabase.co".
	ApiURL string
	// ServiceRoleKey authenticates both the apikey and bearer headers.
	ServiceRoleKey string
	// Timeout bounds connect+read for every request. Zero means 15s.
	Timeout time.Duration
}

// Client is a long-lived data-store client constructed once at process start.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for the given configuration.
func New(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.ApiURL) == "" {
		return nil, fmt.Errorf("supabase: api url is required")
	}
	if strings.TrimSpace(cfg.ServiceRoleKey) == "" {
		return nil, fmt.Errorf("supabase: service role key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.ApiURL, "/"),
		apiKey:  cfg.ServiceRoleKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Select fetches the rows of table matching params (PostgREST query syntax,
// e.g. "select" projections and "id" => "eq.<value>" filters) and decodes the
// JSON response into dest. An empty result decodes to an empty slice; it is
// not an error.
func (c *Client) Select(ctx context.Context, table string, params map[string]string, dest any) error {
	body, err := c.do(ctx, http.MethodGet, table, params, nil)
	if err != nil {
		return err
	}
	if dest == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("supabase: decode %s rows: %w", table, err)
	}
	return nil
}

// Patch applies partial attributes to the rows of table matched by filters.
func (c *Client) Patch(ctx context.Context, table string, attrs map[string]any, filters map[string]string) error {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("supabase: encode %s patch: %w", table, err)
	}
	_, err = c.do(ctx, http.MethodPatch, table, filters, payload)
	return err
}

// do performs one REST request and returns the raw response body. Non-2xx
// responses become *Error.
func (c *Client) do(ctx context.Context, method, table string, params map[string]string, payload []byte) ([]byte, error) {
	endpoint := c.baseURL + "/rest/v1/" + url.PathEscape(table)
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		endpoint += "?" + q.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("supabase: build %s request: %w", table, err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase: %s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("supabase: read %s response: %w", table, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	return data, nil
}

// Compile-time interface check.
var _ domain.DataStore = (*Client)(nil)
