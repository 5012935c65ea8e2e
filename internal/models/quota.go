// Package models defines data structures and domain types.
package models

import (
	"maps"
	"slices"
	"time"
)

// ModelQuota is the remaining quota of a single model.
type ModelQuota struct {
	ResetTime *time.Time `json:"resetTime,omitempty"`
	Name      string     `json:"name"`
	Percent   int        `json:"percent"`
}

// QuotaSnapshot is the per-account view of remaining quota by model name.
// Snapshots are never mutated after construction; a fetch replaces the whole
// value. A model missing from Models is unknown, not exhausted.
type QuotaSnapshot struct {
	FetchedAt time.Time             `json:"fetchedAt"`
	Models    map[string]ModelQuota `json:"models"`
	AccountID string                `json:"accountId"`
	Email     string                `json:"email"`
	Tier      string                `json:"tier,omitempty"`
	// Stale is set on the copy returned when a live fetch failed and the
	// previous snapshot was served instead.
	Stale bool `json:"stale,omitempty"`
}

// Percent returns the remaining percentage for model and whether it is known.
func (s *QuotaSnapshot) Percent(model string) (int, bool) {
	if s == nil {
		return 0, false
	}
	mq, ok := s.Models[model]
	if !ok {
		return 0, false
	}
	return mq.Percent, true
}

// ModelNames returns the snapshot's model names in sorted order.
func (s *QuotaSnapshot) ModelNames() []string {
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.Models))
}

// WithStale returns a shallow copy of the snapshot flagged as stale. The model
// map is shared, which is safe because snapshots are immutable.
func (s *QuotaSnapshot) WithStale() *QuotaSnapshot {
	c := *s
	c.Stale = true
	return &c
}

// ClampPercent converts a remaining fraction into an integer percentage in
// [0, 100]. Fractions are truncated so only a full quota reads as 100.
func ClampPercent(fraction float64) int {
	pct := int(fraction * 100)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
