// Package upstream talks to the Cloud Code v1internal API, walking the
// configured endpoints in order.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/version"
)

// API paths relative to a base URL.
const (
	PathLoadCodeAssist         = "/v1internal:loadCodeAssist"
	PathFetchAvailableModels   = "/v1internal:fetchAvailableModels"
	PathGenerateContent        = "/v1internal:generateContent"
	PathStreamGenerateContent  = "/v1internal:streamGenerateContent"
	clientMetadataHeaderValue  = `{"ideType":"ANTIGRAVITY","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`
	googleAPIClientHeaderValue = "google-cloud-sdk vscode_cloudshelleditor/0.1"
)

var (
	// ErrNoEndpoints is returned when no base URL is configured.
	ErrNoEndpoints = errors.New("no upstream endpoints configured")
	// ErrResponseTooLarge is returned when a response body exceeds maxResponseBody.
	ErrResponseTooLarge = errors.New("upstream response too large")
)

var maxResponseBody int64 = 32 << 20

// Response is a completed upstream exchange. Non-2xx statuses are returned
// as responses, not errors.
type Response struct {
	Header     http.Header
	Endpoint   string
	Body       []byte
	StatusCode int
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// SetHeaders applies the headers the upstream expects from the Antigravity
// client.
func SetHeaders(h http.Header, accessToken string) {
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", version.UserAgent())
	h.Set("X-Goog-Api-Client", googleAPIClientHeaderValue)
	h.Set("Client-Metadata", clientMetadataHeaderValue)
}

// retryable reports whether another endpoint may succeed where this one did
// not.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Post sends body to path on each base URL until one answers with a status
// that another endpoint would not improve on. Transport errors are returned
// only when every endpoint failed that way.
func Post(ctx context.Context, client *http.Client, baseURLs []string, path, accessToken string, body []byte) (*Response, error) {
	if len(baseURLs) == 0 {
		return nil, ErrNoEndpoints
	}

	var (
		lastResp *Response
		lastErr  error
	)

	for _, base := range baseURLs {
		url := strings.TrimRight(base, "/") + path
		resp, err := post(ctx, client, url, accessToken, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug("upstream request failed", "endpoint", url, "error", err)
			lastErr = err
			continue
		}
		if retryable(resp.StatusCode) {
			logger.Debug("upstream endpoint unavailable", "endpoint", url, "status", resp.StatusCode)
			lastResp = resp
			continue
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func post(ctx context.Context, client *http.Client, url, accessToken string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	SetHeaders(req.Header, accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > maxResponseBody {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrResponseTooLarge, maxResponseBody, url)
	}

	return &Response{
		Header:     resp.Header.Clone(),
		Endpoint:   url,
		Body:       data,
		StatusCode: resp.StatusCode,
	}, nil
}

// Snippet truncates a response body for logs and error messages.
func Snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
