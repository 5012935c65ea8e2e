// Package quota fetches, caches and classifies per-account model quota.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services/clientpool"
	"github.com/j-veylop/antigravity-pool/internal/services/upstream"
)

// FetchError reports a failed quota fetch with no previous snapshot to fall
// back on.
type FetchError struct {
	Err        error
	Email      string
	StatusCode int
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch quota for %s: status %d: %v", e.Email, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch quota for %s: %v", e.Email, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ClientSource provides per-account HTTP clients.
type ClientSource interface {
	ClientFor(accountID string, class clientpool.Class) *http.Client
}

// HistoryRecorder receives every freshly fetched snapshot.
type HistoryRecorder interface {
	RecordQuotaSnapshot(snap *models.QuotaSnapshot) error
}

// Options configures a Cache.
type Options struct {
	Recorder HistoryRecorder
	Now      func() time.Time
	BaseURLs []string
}

// Cache holds the latest snapshot per account. Snapshots are replaced whole,
// never mutated.
type Cache struct {
	clients   ClientSource
	recorder  HistoryRecorder
	now       func() time.Time
	snapshots sync.Map // account id -> *models.QuotaSnapshot
	group     singleflight.Group
	baseURLs  []string
}

// New creates a quota cache.
func New(clients ClientSource, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		clients:  clients,
		recorder: opts.Recorder,
		now:      opts.Now,
		baseURLs: opts.BaseURLs,
	}
}

// fetchModelsResponse is the fetchAvailableModels payload. Every quota field
// is optional.
type fetchModelsResponse struct {
	Models map[string]struct {
		QuotaInfo *struct {
			RemainingFraction *float64 `json:"remainingFraction"`
			ResetTime         *string  `json:"resetTime"`
		} `json:"quotaInfo"`
		DisplayName string `json:"displayName"`
	} `json:"models"`
}

// Fetch returns the account's quota snapshot. With useCache set, a cached
// snapshot is returned without network access. A failed live fetch falls
// back to the previous snapshot marked stale.
func (c *Cache) Fetch(ctx context.Context, acc models.Account, accessToken, projectID string, useCache bool) (*models.QuotaSnapshot, error) {
	if useCache {
		if snap := c.Get(acc.ID); snap != nil {
			return snap, nil
		}
	}

	v, err, _ := c.group.Do(acc.ID, func() (any, error) {
		return c.fetch(ctx, acc, accessToken, projectID)
	})
	if err != nil {
		if prev := c.Get(acc.ID); prev != nil {
			logger.Warn("quota fetch failed, serving stale snapshot",
				"email", acc.Email, "fetched_at", prev.FetchedAt, "error", err)
			return prev.WithStale(), nil
		}
		return nil, err
	}
	return v.(*models.QuotaSnapshot), nil
}

func (c *Cache) fetch(ctx context.Context, acc models.Account, accessToken, projectID string) (*models.QuotaSnapshot, error) {
	body, err := json.Marshal(map[string]string{"project": projectID})
	if err != nil {
		return nil, &FetchError{Email: acc.Email, Err: err}
	}

	client := c.clients.ClientFor(acc.ID, clientpool.Background)
	resp, err := upstream.Post(ctx, client, c.baseURLs, upstream.PathFetchAvailableModels, accessToken, body)
	if err != nil {
		return nil, &FetchError{Email: acc.Email, Err: err}
	}
	if !resp.OK() {
		return nil, &FetchError{
			Email:      acc.Email,
			StatusCode: resp.StatusCode,
			Err:        errors.New(upstream.Snippet(resp.Body)),
		}
	}

	snap, err := c.parseSnapshot(acc, resp.Body)
	if err != nil {
		return nil, &FetchError{Email: acc.Email, Err: err}
	}

	c.snapshots.Store(acc.ID, snap)

	if c.recorder != nil {
		if err := c.recorder.RecordQuotaSnapshot(snap); err != nil {
			logger.Error("failed to record quota history", "email", acc.Email, "error", err)
		}
	}

	logger.Debug("quota fetched", "email", acc.Email, "models", len(snap.Models), "tier", snap.Tier)
	return snap, nil
}

func (c *Cache) parseSnapshot(acc models.Account, body []byte) (*models.QuotaSnapshot, error) {
	var resp fetchModelsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse quota response: %w", err)
	}

	snap := &models.QuotaSnapshot{
		FetchedAt: c.now(),
		Models:    make(map[string]models.ModelQuota, len(resp.Models)),
		AccountID: acc.ID,
		Email:     acc.Email,
	}

	for name, m := range resp.Models {
		// A model without a fraction is unknown, not exhausted.
		if m.QuotaInfo == nil || m.QuotaInfo.RemainingFraction == nil {
			continue
		}
		mq := models.ModelQuota{
			Name:    name,
			Percent: models.ClampPercent(*m.QuotaInfo.RemainingFraction),
		}
		if m.QuotaInfo.ResetTime != nil {
			if t, err := time.Parse(time.RFC3339, *m.QuotaInfo.ResetTime); err == nil {
				mq.ResetTime = &t
			}
		}
		snap.Models[name] = mq
	}

	snap.Tier = string(GetTierFromQuotas(snap.Models, c.now()))
	return snap, nil
}

// Get returns the cached snapshot, or nil.
func (c *Cache) Get(accountID string) *models.QuotaSnapshot {
	v, ok := c.snapshots.Load(accountID)
	if !ok {
		return nil
	}
	return v.(*models.QuotaSnapshot)
}

// All returns every cached snapshot keyed by account id.
func (c *Cache) All() map[string]*models.QuotaSnapshot {
	out := make(map[string]*models.QuotaSnapshot)
	c.snapshots.Range(func(k, v any) bool {
		out[k.(string)] = v.(*models.QuotaSnapshot)
		return true
	})
	return out
}

// Invalidate forgets the account's snapshot.
func (c *Cache) Invalidate(accountID string) {
	c.snapshots.Delete(accountID)
}
