// Package project resolves the Cloud Code project bound to an account.
package project

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services/clientpool"
	"github.com/j-veylop/antigravity-pool/internal/services/upstream"
)

// ErrNotEntitled means the upstream returned no project for the account.
var ErrNotEntitled = errors.New("account is not entitled to a cloudaicompanion project")

var loadCodeAssistBody = []byte(`{"metadata":{"ideType":"ANTIGRAVITY"}}`)

// ResolutionError reports a failed loadCodeAssist exchange.
type ResolutionError struct {
	Err        error
	Email      string
	Body       string
	StatusCode int
}

func (e *ResolutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("resolve project for %s: status %d: %s", e.Email, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("resolve project for %s: %v", e.Email, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Store is the part of the account store the resolver needs.
type Store interface {
	Update(id string, fn func(*models.Account)) (models.Account, error)
}

// ClientSource provides per-account HTTP clients.
type ClientSource interface {
	ClientFor(accountID string, class clientpool.Class) *http.Client
}

// Resolver looks up and caches project ids.
type Resolver struct {
	store       Store
	clients     ClientSource
	notEntitled sync.Map // account id -> struct{}
	group       singleflight.Group
	baseURLs    []string
}

// New creates a Resolver.
func New(store Store, clients ClientSource, baseURLs []string) *Resolver {
	return &Resolver{store: store, clients: clients, baseURLs: baseURLs}
}

// Resolve returns the account's project id, calling loadCodeAssist only when
// none is stored yet.
func (r *Resolver) Resolve(ctx context.Context, acc models.Account, accessToken string) (string, error) {
	if acc.ProjectID != "" {
		return acc.ProjectID, nil
	}
	if r.NotEntitled(acc.ID) {
		return "", ErrNotEntitled
	}

	v, err, _ := r.group.Do(acc.ID, func() (any, error) {
		return r.resolve(ctx, acc, accessToken)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) resolve(ctx context.Context, acc models.Account, accessToken string) (string, error) {
	client := r.clients.ClientFor(acc.ID, clientpool.Background)
	resp, err := upstream.Post(ctx, client, r.baseURLs, upstream.PathLoadCodeAssist, accessToken, loadCodeAssistBody)
	if err != nil {
		return "", &ResolutionError{Email: acc.Email, Err: err}
	}
	if !resp.OK() {
		return "", &ResolutionError{
			Email:      acc.Email,
			StatusCode: resp.StatusCode,
			Body:       upstream.Snippet(resp.Body),
			Err:        fmt.Errorf("loadCodeAssist returned %d", resp.StatusCode),
		}
	}

	projectID, tier := parseLoadCodeAssist(resp.Body)
	if projectID == "" {
		r.notEntitled.Store(acc.ID, struct{}{})
		logger.Warn("account not entitled to a project", "email", acc.Email)
		return "", ErrNotEntitled
	}

	_, err = r.store.Update(acc.ID, func(a *models.Account) {
		a.ProjectID = projectID
		if tier != "" {
			a.Tier = tier
		}
	})
	if err != nil {
		logger.Error("failed to persist project id", "email", acc.Email, "error", err)
	}

	logger.Info("project resolved", "email", acc.Email, "project_id", projectID, "tier", tier)
	return projectID, nil
}

// parseLoadCodeAssist extracts the project id, which is either a string or
// an object with an id, and the subscription tier id.
func parseLoadCodeAssist(body []byte) (projectID, tier string) {
	res := gjson.ParseBytes(body)

	project := res.Get("cloudaicompanionProject")
	switch {
	case project.Type == gjson.String:
		projectID = project.String()
	case project.IsObject():
		projectID = project.Get("id").String()
	}

	tier = res.Get("paidTier.id").String()
	if tier == "" {
		tier = res.Get("currentTier.id").String()
	}
	return projectID, tier
}

// NotEntitled reports whether the account was found to have no project.
func (r *Resolver) NotEntitled(accountID string) bool {
	_, ok := r.notEntitled.Load(accountID)
	return ok
}

// Recheck clears the not-entitled mark so the next Resolve asks again.
func (r *Resolver) Recheck(accountID string) {
	r.notEntitled.Delete(accountID)
}
