package models

import (
	"slices"
	"testing"
)

func TestClampPercent(t *testing.T) {
	tests := []struct {
		fraction float64
		want     int
	}{
		{fraction: 1.0, want: 100},
		{fraction: 0.965, want: 96},
		{fraction: 0.995, want: 99},
		{fraction: 0.999, want: 99},
		{fraction: 0.5, want: 50},
		{fraction: 0, want: 0},
		{fraction: -0.2, want: 0},
		{fraction: 1.7, want: 100},
	}

	for _, tt := range tests {
		if got := ClampPercent(tt.fraction); got != tt.want {
			t.Errorf("ClampPercent(%v) = %d, want %d", tt.fraction, got, tt.want)
		}
	}
}

func TestQuotaSnapshot_Percent(t *testing.T) {
	snap := &QuotaSnapshot{Models: map[string]ModelQuota{
		"m1": {Name: "m1", Percent: 0},
	}}

	if pct, ok := snap.Percent("m1"); !ok || pct != 0 {
		t.Errorf("Percent(m1) = %d, %v; want 0, true", pct, ok)
	}
	if _, ok := snap.Percent("missing"); ok {
		t.Error("missing model must be unknown")
	}

	var nilSnap *QuotaSnapshot
	if _, ok := nilSnap.Percent("m1"); ok {
		t.Error("nil snapshot must report unknown")
	}
}

func TestQuotaSnapshot_WithStale(t *testing.T) {
	snap := &QuotaSnapshot{AccountID: "a", Models: map[string]ModelQuota{"b": {}, "a": {}}}
	stale := snap.WithStale()

	if snap.Stale {
		t.Error("original snapshot must not be flagged")
	}
	if !stale.Stale {
		t.Error("copy must be flagged stale")
	}
	if !slices.Equal(stale.ModelNames(), []string{"a", "b"}) {
		t.Errorf("ModelNames() = %v", stale.ModelNames())
	}
}

func TestWarmupItem_CooldownKey(t *testing.T) {
	item := WarmupItem{Email: "a@x.com", Model: "model-1"}
	if got := item.CooldownKey().String(); got != "a@x.com:model-1:100" {
		t.Errorf("CooldownKey() = %q", got)
	}
}
