package quota

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services/clientpool"
)

const modelsBody = `{
	"models": {
		"gemini-3-pro-high": {"quotaInfo": {"remainingFraction": 1, "resetTime": "2030-01-01T00:00:00Z"}},
		"claude-sonnet-4-5": {"quotaInfo": {"remainingFraction": 0.965}},
		"gemini-2.5-flash": {"quotaInfo": {"remainingFraction": 0}},
		"chat_20706": {"quotaInfo": {}},
		"tab_flash_lite_preview": {}
	}
}`

type recorder struct {
	snaps []*models.QuotaSnapshot
	mu    sync.Mutex
}

func (r *recorder) RecordQuotaSnapshot(s *models.QuotaSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

type quotaServer struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Int32
}

func newQuotaServer(t *testing.T) *quotaServer {
	t.Helper()
	qs := &quotaServer{}
	qs.status.Store(http.StatusOK)
	qs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qs.hits.Add(1)
		if r.URL.Path != "/v1internal:fetchAvailableModels" {
			t.Errorf("path = %q", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		var body map[string]string
		if err := json.Unmarshal(data, &body); err != nil || body["project"] != "proj-1" {
			t.Errorf("request body = %s", data)
		}
		status := int(qs.status.Load())
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(modelsBody))
		}
	}))
	t.Cleanup(qs.Close)
	return qs
}

var testAccount = models.Account{ID: "a1", Email: "a@example.com"}

func newTestCache(srv *quotaServer, rec HistoryRecorder) *Cache {
	return New(clientpool.New(nil, clientpool.Options{}), Options{
		BaseURLs: []string{srv.URL},
		Recorder: rec,
	})
}

func TestFetch_Parses(t *testing.T) {
	srv := newQuotaServer(t)
	rec := &recorder{}
	c := newTestCache(srv, rec)

	snap, err := c.Fetch(context.Background(), testAccount, "tok", "proj-1", false)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	want := map[string]int{
		"gemini-3-pro-high": 100,
		"claude-sonnet-4-5": 96,
		"gemini-2.5-flash":  0,
	}
	if len(snap.Models) != len(want) {
		t.Errorf("got %d models, want %d: %v", len(snap.Models), len(want), snap.ModelNames())
	}
	for name, pct := range want {
		if got, ok := snap.Percent(name); !ok || got != pct {
			t.Errorf("Percent(%s) = %d, %v; want %d", name, got, ok, pct)
		}
	}
	if _, ok := snap.Percent("chat_20706"); ok {
		t.Error("a model without a fraction must be unknown")
	}
	if snap.Models["gemini-3-pro-high"].ResetTime == nil {
		t.Error("reset time should be parsed")
	}
	if snap.AccountID != "a1" || snap.Email != "a@example.com" || snap.Stale {
		t.Errorf("snapshot metadata = %+v", snap)
	}
	if len(rec.snaps) != 1 {
		t.Errorf("recorder got %d snapshots, want 1", len(rec.snaps))
	}
}

func TestFetch_UseCache(t *testing.T) {
	srv := newQuotaServer(t)
	c := newTestCache(srv, nil)

	first, err := c.Fetch(context.Background(), testAccount, "tok", "proj-1", true)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	second, err := c.Fetch(context.Background(), testAccount, "tok", "proj-1", true)
	if err != nil {
		t.Fatalf("cached Fetch() failed: %v", err)
	}
	if first != second {
		t.Error("useCache must return the cached snapshot")
	}
	if srv.hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", srv.hits.Load())
	}

	third, err := c.Fetch(context.Background(), testAccount, "tok", "proj-1", false)
	if err != nil {
		t.Fatalf("live Fetch() failed: %v", err)
	}
	if third == first {
		t.Error("a live fetch must replace the snapshot")
	}
	if c.Get("a1") != third {
		t.Error("Get() should return the latest snapshot")
	}
	if first.Stale {
		t.Error("replaced snapshots are never mutated")
	}
}

func TestFetch_StaleFallback(t *testing.T) {
	srv := newQuotaServer(t)
	c := newTestCache(srv, nil)

	fresh, err := c.Fetch(context.Background(), testAccount, "tok", "proj-1", false)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	srv.status.Store(http.StatusInternalServerError)
	stale, err := c.Fetch(context.Background(), testAccount, "tok", "proj-1", false)
	if err != nil {
		t.Fatalf("Fetch() with previous snapshot must not fail: %v", err)
	}
	if !stale.Stale {
		t.Error("fallback snapshot must be marked stale")
	}
	if fresh.Stale || c.Get("a1").Stale {
		t.Error("the cached snapshot itself must stay unflagged")
	}
	if pct, _ := stale.Percent("gemini-3-pro-high"); pct != 100 {
		t.Errorf("stale Percent() = %d, want 100", pct)
	}
}

func TestFetch_ErrorWithoutSnapshot(t *testing.T) {
	srv := newQuotaServer(t)
	srv.status.Store(http.StatusForbidden)
	c := newTestCache(srv, nil)

	_, err := c.Fetch(context.Background(), testAccount, "tok", "proj-1", false)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %v, want *FetchError", err)
	}
	if fetchErr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", fetchErr.StatusCode)
	}
	if c.Get("a1") != nil {
		t.Error("a failed fetch must not store a snapshot")
	}
}

func TestFetch_Tier(t *testing.T) {
	now := time.Date(2029, 12, 31, 22, 0, 0, 0, time.UTC)
	srv := newQuotaServer(t)
	c := New(clientpool.New(nil, clientpool.Options{}), Options{
		BaseURLs: []string{srv.URL},
		Now:      func() time.Time { return now },
	})

	snap, err := c.Fetch(context.Background(), testAccount, "tok", "proj-1", false)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if snap.Tier != string(TierPro) {
		t.Errorf("Tier = %q, want PRO", snap.Tier)
	}
	if !snap.FetchedAt.Equal(now) {
		t.Errorf("FetchedAt = %v, want %v", snap.FetchedAt, now)
	}
}

func TestCache_AllAndInvalidate(t *testing.T) {
	srv := newQuotaServer(t)
	c := newTestCache(srv, nil)

	other := models.Account{ID: "a2", Email: "b@example.com"}
	for _, acc := range []models.Account{testAccount, other} {
		if _, err := c.Fetch(context.Background(), acc, "tok", "proj-1", false); err != nil {
			t.Fatalf("Fetch() failed: %v", err)
		}
	}
	if len(c.All()) != 2 {
		t.Errorf("All() = %d snapshots, want 2", len(c.All()))
	}

	c.Invalidate("a1")
	if c.Get("a1") != nil {
		t.Error("Invalidate() should drop the snapshot")
	}
	if len(c.All()) != 1 {
		t.Errorf("All() after invalidate = %d, want 1", len(c.All()))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		percent int
		want    State
	}{
		{100, StateReady},
		{96, StateNearReady},
		{95, StateNearReady},
		{94, StateNotActionable},
		{0, StateNotActionable},
	}

	for _, tt := range tests {
		if got := Classify(tt.percent, DefaultNearReadyThreshold); got != tt.want {
			t.Errorf("Classify(%d) = %v, want %v", tt.percent, got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	if StateReady.String() != "ready" || StateNearReady.String() != "near-ready" || StateNotActionable.String() != "not-actionable" {
		t.Error("unexpected State names")
	}
}
