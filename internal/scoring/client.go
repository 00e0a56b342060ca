// Package scoring asks the external scoring service to recompute a
// manuscript's score. Requests that fail are parked in Redis and retried on a
// cron schedule; a failure never affects the operation that triggered it.
package scoring

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
)

type Scorer interface {
	Recompute(ctx context.Context, manuscriptID string, duplicate bool) error
}

type recomputeRequest struct {
	ManuscriptID string `json:"manuscriptId"`
	Duplicate    bool   `json:"duplicate"`
}

// HTTPClient posts to {baseURL}/manuscripts/{id}/recompute.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Recompute(ctx context.Context, manuscriptID string, duplicate bool) error {
	payload, err := json.Marshal(recomputeRequest{ManuscriptID: manuscriptID, Duplicate: duplicate})
	if err != nil {
		return fmt.Errorf("marshal recompute request: %w", err)
	}
	endpoint := c.baseURL + "/manuscripts/" + url.PathEscape(manuscriptID) + "/recompute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build recompute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("recompute %s: %w", manuscriptID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("recompute %s: scoring service returned %d", manuscriptID, resp.StatusCode)
	}
	return nil
}

// Noop is used when no scoring service is configured.
type Noop struct{}

func (Noop) Recompute(context.Context, string, bool) error { return nil }
