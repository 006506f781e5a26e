package pdf

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ServiceExtractor implements Extractor against a PDF sidecar service.
// Documents travel base64-encoded in JSON; the sidecar answers 422 for
// bytes it cannot parse, which maps to ErrCorrupt.
type ServiceExtractor struct {
	endpoint string
	client   *http.Client
}

func NewServiceExtractor(endpoint string) *ServiceExtractor {
	return &ServiceExtractor{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

type extractRequest struct {
	Document string `json:"document"`
	Start    *int   `json:"start,omitempty"`
	End      *int   `json:"end,omitempty"`
}

type extractResponse struct {
	Pages    int    `json:"pages,omitempty"`
	Document string `json:"document,omitempty"`
	Text     string `json:"text,omitempty"`
}

func (s *ServiceExtractor) PageCount(ctx context.Context, doc []byte) (int, error) {
	var out extractResponse
	if err := s.call(ctx, "/pages", extractRequest{Document: encode(doc)}, &out); err != nil {
		return 0, err
	}
	return out.Pages, nil
}

func (s *ServiceExtractor) Slice(ctx context.Context, doc []byte, start, end int) ([]byte, error) {
	var out extractResponse
	req := extractRequest{Document: encode(doc), Start: &start, End: &end}
	if err := s.call(ctx, "/slice", req, &out); err != nil {
		return nil, err
	}
	sub, err := base64.StdEncoding.DecodeString(out.Document)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sliced document: %w", err)
	}
	return sub, nil
}

func (s *ServiceExtractor) Text(ctx context.Context, doc []byte) (string, error) {
	var out extractResponse
	if err := s.call(ctx, "/text", extractRequest{Document: encode(doc)}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (s *ServiceExtractor) call(ctx context.Context, path string, in extractRequest, out *extractResponse) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("pdf service unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return fmt.Errorf("failed to read extract response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return ErrCorrupt
	default:
		return fmt.Errorf("pdf service returned status %d: %s", resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode extract response: %w", err)
	}
	return nil
}

func encode(doc []byte) string {
	return base64.StdEncoding.EncodeToString(doc)
}
