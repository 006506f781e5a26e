package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"lirevox.dev/common"
)

// HTTPClient talks to an external normalization service over JSON. Rate
// limits and server-side failures are marked transient; everything else is
// a permanent request problem.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient builds a client against the given endpoint. The overall
// call deadline is carried by the context, not the http.Client.
func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

type normalizeRequest struct {
	Text     string                    `json:"text"`
	Settings common.ProcessingSettings `json:"settings"`
}

type normalizeResponse struct {
	Sentences []string `json:"sentences"`
	Tokens    int      `json:"tokens"`
	Error     string   `json:"error,omitempty"`
}

func (c *HTTPClient) Normalize(ctx context.Context, text string, settings common.ProcessingSettings) (Result, error) {
	body, err := json.Marshal(normalizeRequest{Text: text, Settings: settings})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode normalize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build normalize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Network-level failures are worth retrying.
		return Result{}, Transient(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Result{}, Transient(fmt.Errorf("failed to read normalize response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, Transient(fmt.Errorf("normalize returned status %d", resp.StatusCode))
	default:
		return Result{}, fmt.Errorf("normalize returned status %d: %s", resp.StatusCode, raw)
	}

	var out normalizeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("failed to decode normalize response: %w", err)
	}
	if out.Error != "" {
		return Result{}, fmt.Errorf("normalize failed: %s", out.Error)
	}
	return Result{Sentences: out.Sentences, Tokens: out.Tokens}, nil
}
