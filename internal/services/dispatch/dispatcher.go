// Package dispatch routes upstream calls through the pool, choosing the
// account with the most remaining quota and failing over on account errors.
package dispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services/clientpool"
	"github.com/j-veylop/antigravity-pool/internal/services/upstream"
)

var (
	// ErrNoAccounts is wrapped by DispatchError when the pool has no
	// eligible account.
	ErrNoAccounts = errors.New("no eligible accounts")
	// ErrInvalidBody is returned for request bodies that are not JSON.
	ErrInvalidBody = errors.New("request body is not valid JSON")
)

// DispatchError is returned once every candidate account failed.
type DispatchError struct {
	Err      error
	Attempts int
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Backoff applied to an account after a failed attempt. Backed-off accounts
// are tried after every other candidate until the time passes.
const (
	defaultRateLimitBackoff = time.Minute
	authBackoff             = 5 * time.Minute
	serverBackoff           = 30 * time.Second
)

// statusError is an upstream response that disqualifies the account.
type statusError struct {
	RetryAt    time.Time
	Body       string
	StatusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// AccountSource lists pool accounts.
type AccountSource interface {
	List() []models.Account
}

// TokenSource provides and force-refreshes access tokens.
type TokenSource interface {
	EnsureFresh(ctx context.Context, acc models.Account) (models.Token, error)
	ForceRefresh(ctx context.Context, acc models.Account) (models.Token, error)
}

// ProjectResolver provides project ids and remembers unentitled accounts.
type ProjectResolver interface {
	Resolve(ctx context.Context, acc models.Account, accessToken string) (string, error)
	NotEntitled(accountID string) bool
}

// QuotaView exposes cached snapshots for ranking.
type QuotaView interface {
	Get(accountID string) *models.QuotaSnapshot
}

// ClientSource provides per-account and loopback HTTP clients.
type ClientSource interface {
	ClientFor(accountID string, class clientpool.Class) *http.Client
}

// OutcomeRecorder receives one record per upstream attempt.
type OutcomeRecorder interface {
	InsertAPICall(call *models.APICall) error
}

// Request is a call to forward upstream.
type Request struct {
	// Path is the v1internal method path, e.g. upstream.PathGenerateContent.
	Path string
	// Model overrides the model named in Body.
	Model string
	Body  []byte
}

// Response is the upstream answer together with the account that served it.
type Response struct {
	Header     http.Header
	AccountID  string
	Email      string
	Body       []byte
	StatusCode int
	Attempts   int
}

// Dispatcher forwards requests through pool accounts.
type Dispatcher struct {
	accounts AccountSource
	tokens   TokenSource
	projects ProjectResolver
	quotas   QuotaView
	clients  ClientSource
	recorder OutcomeRecorder
	now      func() time.Time
	baseURLs []string

	mu      sync.Mutex
	backoff map[backoffKey]time.Time
}

// backoffKey scopes a backoff to one model, or to the whole account when
// model is empty.
type backoffKey struct {
	accountID string
	model     string
}

// New creates a Dispatcher. recorder may be nil.
func New(accounts AccountSource, tokens TokenSource, projects ProjectResolver, quotas QuotaView,
	clients ClientSource, recorder OutcomeRecorder, baseURLs []string) *Dispatcher {
	return &Dispatcher{
		accounts: accounts,
		tokens:   tokens,
		projects: projects,
		quotas:   quotas,
		clients:  clients,
		recorder: recorder,
		now:      time.Now,
		baseURLs: baseURLs,
		backoff:  make(map[backoffKey]time.Time),
	}
}

// backedOff reports whether the account is backing off for model.
func (d *Dispatcher) backedOff(accountID, model string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range []backoffKey{{accountID, ""}, {accountID, model}} {
		until, ok := d.backoff[key]
		if !ok {
			continue
		}
		if now.Before(until) {
			return true
		}
		delete(d.backoff, key)
	}
	return false
}

func (d *Dispatcher) setBackoff(key backoffKey, until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if until.After(d.backoff[key]) {
		d.backoff[key] = until
	}
}

func (d *Dispatcher) clearBackoff(accountID, model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.backoff, backoffKey{accountID, ""})
	delete(d.backoff, backoffKey{accountID, model})
}

// noteFailure backs the account off according to how the attempt failed.
// Rate limits are scoped to the model; everything else to the account.
func (d *Dispatcher) noteFailure(acc models.Account, model string, err error) {
	now := d.now()

	var se *statusError
	if !errors.As(err, &se) {
		d.setBackoff(backoffKey{acc.ID, ""}, now.Add(serverBackoff))
		return
	}

	switch {
	case se.StatusCode == http.StatusTooManyRequests:
		until := se.RetryAt
		if until.IsZero() {
			until = d.quotaReset(acc.ID, model, now)
		}
		d.setBackoff(backoffKey{acc.ID, model}, until)
		logger.Debug("account rate limited", "email", acc.Email, "model", model, "until", until)
	case se.StatusCode == http.StatusUnauthorized, se.StatusCode == http.StatusForbidden:
		d.setBackoff(backoffKey{acc.ID, ""}, now.Add(authBackoff))
	default:
		d.setBackoff(backoffKey{acc.ID, ""}, now.Add(serverBackoff))
	}
}

// quotaReset returns the model's cached reset time when it lies ahead, else
// the default rate-limit backoff.
func (d *Dispatcher) quotaReset(accountID, model string, now time.Time) time.Time {
	if snap := d.quotas.Get(accountID); snap != nil {
		if mq, ok := snap.Models[model]; ok && mq.ResetTime != nil && mq.ResetTime.After(now) {
			return *mq.ResetTime
		}
	}
	return now.Add(defaultRateLimitBackoff)
}

// retryAt reads the retry hint of a 429 from the Retry-After header or the
// RetryInfo detail of a Google error body. Zero means no hint.
func retryAt(resp *upstream.Response, now time.Time) time.Time {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	var until time.Time
	gjson.GetBytes(resp.Body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if !strings.HasSuffix(detail.Map()["@type"].String(), "RetryInfo") {
			return true
		}
		if d, err := time.ParseDuration(detail.Get("retryDelay").String()); err == nil && d > 0 {
			until = now.Add(d)
		}
		return false
	})
	return until
}

// candidates returns the routable accounts, highest remaining quota for
// model first. Accounts without a known percentage sort after known ones and
// backed-off accounts come last.
func (d *Dispatcher) candidates(model string) []models.Account {
	type ranked struct {
		acc       models.Account
		pct       int
		known     bool
		backedOff bool
	}

	now := d.now()
	var list []ranked
	for _, acc := range d.accounts.List() {
		if !acc.Eligible() || d.projects.NotEntitled(acc.ID) {
			continue
		}
		pct, known := d.quotas.Get(acc.ID).Percent(model)
		list = append(list, ranked{acc: acc, pct: pct, known: known, backedOff: d.backedOff(acc.ID, model, now)})
	}

	slices.SortStableFunc(list, func(a, b ranked) int {
		if a.backedOff != b.backedOff {
			if b.backedOff {
				return -1
			}
			return 1
		}
		if a.known != b.known {
			if a.known {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.pct, a.pct); c != 0 {
			return c
		}
		return cmp.Compare(a.acc.ID, b.acc.ID)
	})

	out := make([]models.Account, len(list))
	for i, r := range list {
		out[i] = r.acc
	}
	return out
}

// Dispatch forwards req through the best account, moving to the next
// candidate on auth, entitlement, quota or server failures. Client errors
// other than 401, 403 and 429 are returned as responses.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = gjson.GetBytes(req.Body, "model").String()
	}
	if len(req.Body) > 0 && !gjson.ValidBytes(req.Body) {
		return nil, ErrInvalidBody
	}
	requestID := uuid.NewString()

	candidates := d.candidates(model)
	if len(candidates) == 0 {
		return nil, &DispatchError{Err: ErrNoAccounts}
	}

	var lastErr error
	for i, acc := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := d.try(ctx, acc, req, model, requestID, i+1)
		if err == nil {
			d.clearBackoff(acc.ID, model)
			resp.Attempts = i + 1
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.noteFailure(acc, model, err)

		logger.Warn("dispatch attempt failed, trying next account",
			"email", acc.Email, "model", model, "attempt", i+1, "error", err)
		lastErr = err
	}

	return nil, &DispatchError{Attempts: len(candidates), Err: lastErr}
}

// try runs one account's attempt, including the single forced refresh after
// a 401. A nil error means the response goes back to the caller.
func (d *Dispatcher) try(ctx context.Context, acc models.Account, req *Request, model, requestID string, attempt int) (*Response, error) {
	tok, err := d.tokens.EnsureFresh(ctx, acc)
	if err != nil {
		return nil, err
	}

	projectID, err := d.projects.Resolve(ctx, acc, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	body, err := wrapPayload(req.Body, model, projectID, requestID)
	if err != nil {
		return nil, fmt.Errorf("prepare request body: %w", err)
	}

	resp, err := d.send(ctx, acc, req.Path, model, tok.AccessToken, body, requestID, attempt)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		logger.Info("upstream rejected token, forcing refresh", "email", acc.Email)
		acc.Token = tok
		tok, err = d.tokens.ForceRefresh(ctx, acc)
		if err != nil {
			return nil, err
		}
		resp, err = d.send(ctx, acc, req.Path, model, tok.AccessToken, body, requestID, attempt)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case resp.OK():
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		se := &statusError{StatusCode: resp.StatusCode, Body: upstream.Snippet(resp.Body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			se.RetryAt = retryAt(resp, d.now())
		}
		return nil, se
	}

	return &Response{
		Header:     resp.Header,
		AccountID:  acc.ID,
		Email:      acc.Email,
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
	}, nil
}

func (d *Dispatcher) send(ctx context.Context, acc models.Account, path, model, accessToken string, body []byte, requestID string, attempt int) (*upstream.Response, error) {
	start := time.Now()
	client := d.clients.ClientFor(acc.ID, clientpool.Interactive)
	resp, err := upstream.Post(ctx, client, d.baseURLs, path, accessToken, body)

	call := &models.APICall{
		Timestamp:  start,
		AccountID:  acc.ID,
		Email:      acc.Email,
		Model:      model,
		Path:       path,
		RequestID:  requestID,
		Attempt:    attempt,
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

func (d *Dispatcher) record(call *models.APICall) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.InsertAPICall(call); err != nil {
		logger.Error("failed to record api call", "error", err)
	}
}

// wrapPayload sets the routing fields the upstream reads from the body.
func wrapPayload(body []byte, model, projectID, requestID string) ([]byte, error) {
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidBody
	}

	var err error
	if body, err = sjson.SetBytes(body, "project", projectID); err != nil {
		return nil, err
	}
	if model != "" {
		if body, err = sjson.SetBytes(body, "model", model); err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(body, "requestId").Exists() {
		if body, err = sjson.SetBytes(body, "requestId", "agent-"+requestID); err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(body, "userAgent").Exists() {
		if body, err = sjson.SetBytes(body, "userAgent", "antigravity"); err != nil {
			return nil, err
		}
	}
	return body, nil
}
