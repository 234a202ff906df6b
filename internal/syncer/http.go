package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEndpoint posts payloads as JSON. The request id travels as an
// Idempotency-Key header so the collector can drop replays of an upload it
// already accepted but whose confirmation never reached the device.
type HTTPEndpoint struct {
	URL       string
	AuthToken string
	Client    *http.Client
}

func NewHTTPEndpoint(url, authToken string, timeout time.Duration) *HTTPEndpoint {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPEndpoint{
		URL:       url,
		AuthToken: authToken,
		Client:    &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEndpoint) Name() string { return "http" }

func (e *HTTPEndpoint) Upload(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.RequestID)
	if e.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.AuthToken)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post payload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Read a bounded slice of the body for the error message.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if isPermanentStatus(resp.StatusCode) {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, snippet)
	}
	return fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, snippet)
}

// isPermanentStatus marks client errors that no retry can fix. 408 and 429
// stay transient; so does every 5xx.
func isPermanentStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
