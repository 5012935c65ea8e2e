package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services/clientpool"
	"github.com/j-veylop/antigravity-pool/internal/services/upstream"
)

// WarmupPath is the loopback route that performs a warmup call.
const WarmupPath = "/internal/warmup"

// ErrInvalidWarmup is returned for warmup requests missing a field.
var ErrInvalidWarmup = errors.New("warmup request needs email, model, access_token and project_id")

// warmupBody asks for a single output token.
const warmupBody = `{"request":{"contents":[{"role":"user","parts":[{"text":"Hi"}]}],"generationConfig":{"maxOutputTokens":1}}}`

// Warmup issues a minimal generateContent call for a specific account and
// model without account selection. Non-2xx upstream answers are returned as
// responses.
func (d *Dispatcher) Warmup(ctx context.Context, req models.WarmupRequest) (*upstream.Response, error) {
	if req.Email == "" || req.Model == "" || req.AccessToken == "" || req.ProjectID == "" {
		return nil, ErrInvalidWarmup
	}

	acc := models.Account{Email: req.Email}
	for _, a := range d.accounts.List() {
		if strings.EqualFold(a.Email, req.Email) {
			acc = a
			break
		}
	}

	requestID := uuid.NewString()
	body, err := wrapPayload([]byte(warmupBody), req.Model, req.ProjectID, requestID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	client := d.clients.ClientFor(acc.ID, clientpool.Background)
	resp, err := upstream.Post(ctx, client, d.baseURLs, upstream.PathGenerateContent, req.AccessToken, body)

	call := &models.APICall{
		Timestamp:  start,
		AccountID:  acc.ID,
		Email:      req.Email,
		Model:      req.Model,
		Path:       WarmupPath,
		RequestID:  requestID,
		Attempt:    1,
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	if err != nil {
		call.Error = err.Error()
	} else {
		call.StatusCode = resp.StatusCode
		if !resp.OK() {
			call.Error = upstream.Snippet(resp.Body)
		}
	}
	d.record(call)

	return resp, err
}

// LoopbackSource provides clients that bypass any proxy.
type LoopbackSource interface {
	Loopback(class clientpool.Class) *http.Client
}

// WarmupClient fires warmups through this process's own listener.
type WarmupClient struct {
	clients LoopbackSource
	url     string
}

// NewWarmupClient creates a client posting to baseURL + WarmupPath.
func NewWarmupClient(clients LoopbackSource, baseURL string) *WarmupClient {
	return &WarmupClient{clients: clients, url: strings.TrimRight(baseURL, "/") + WarmupPath}
}

// Warm reports whether the warmup call got a 2xx answer. Failures are
// logged, never returned.
func (c *WarmupClient) Warm(ctx context.Context, item models.WarmupItem) bool {
	if err := c.post(ctx, item); err != nil {
		logger.Warn("warmup failed", "email", item.Email, "model", item.Model, "percent", item.Percent, "error", err)
		return false
	}
	logger.Info("warmup triggered", "email", item.Email, "model", item.Model, "percent", item.Percent)
	return true
}

func (c *WarmupClient) post(ctx context.Context, item models.WarmupItem) error {
	payload, err := json.Marshal(models.WarmupRequest{
		Email:       item.Email,
		Model:       item.Model,
		AccessToken: item.AccessToken,
		ProjectID:   item.ProjectID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.clients.Loopback(clientpool.Background).Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, upstream.Snippet(text))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
