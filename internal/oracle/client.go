// Package oracle is the client for the external scoring oracle. Settlement
// posts a batch of borrower identifiers after a pass and receives the
// recomputed NashScore mapping back.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nashlabs/lendmarket/internal/crypto"
	"github.com/nashlabs/lendmarket/internal/domain"
)

// ClientConfig holds the oracle endpoint and the shared secrets stamped onto
// every request.
type ClientConfig struct {
	// URL is the oracle's compute endpoint.
	URL string
	// Password is sent verbatim in the Password header.
	Password string
	// SharedSecret signs the request body (X-Signature: sha256=<hex>).
	SharedSecret string
	// Timeout bounds the whole call. Zero means 30s.
	Timeout time.Duration
}

// Client posts identifier batches to the scoring oracle.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// New creates an oracle Client.
func New(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// oracleEnvelope is the response wrapper some oracle deployments use; others
// reply with the bare mapping.
type oracleEnvelope struct {
	Mapping map[string]any `json:"mapping"`
}

// RefreshScores posts `{"uuids":[...]}` and parses the returned
// identifier-to-score mapping. A transport failure or a 4xx/5xx status is an
// error; an unparseable body yields an empty mapping, which callers treat as
// "nothing to apply".
func (c *Client) RefreshScores(ctx context.Context, uuids []string) (map[string]float64, error) {
	payload, err := json.Marshal(map[string][]string{"uuids": uuids})
	if err != nil {
		return nil, fmt.Errorf("oracle: encode uuids: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("oracle: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Password != "" {
		req.Header.Set("Password", c.cfg.Password)
	}
	if c.cfg.SharedSecret != "" {
		req.Header.Set("X-Signature", crypto.SignBody(c.cfg.SharedSecret, payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: post uuids: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("oracle: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oracle: scoring request failed (%d)", resp.StatusCode)
	}

	return parseMapping(body), nil
}

// parseMapping accepts either a flat `{id: score}` object or an envelope with
// a "mapping" key. Anything else decodes to an empty mapping.
func parseMapping(body []byte) map[string]float64 {
	var envelope oracleEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Mapping != nil {
		return coerceScores(envelope.Mapping)
	}

	var flat map[string]any
	if err := json.Unmarshal(body, &flat); err == nil {
		delete(flat, "mapping")
		return coerceScores(flat)
	}

	return map[string]float64{}
}

// coerceScores converts the loosely typed JSON values into floats, dropping
// entries that cannot be read as numbers.
func coerceScores(raw map[string]any) map[string]float64 {
	scores := make(map[string]float64, len(raw))
	for id, v := range raw {
		if id == "" {
			continue
		}
		switch val := v.(type) {
		case float64:
			scores[id] = val
		case string:
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				scores[id] = f
			}
		case json.Number:
			if f, err := val.Float64(); err == nil {
				scores[id] = f
			}
		}
	}
	return scores
}

// Compile-time interface check.
var _ domain.ScoreOracle = (*Client)(nil)
