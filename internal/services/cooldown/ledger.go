// Package cooldown tracks when each warmup target last fired so the same
// account and model are not warmed again within the window.
package cooldown

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
)

// DefaultWindow is the minimum interval between two warmups of one target.
const DefaultWindow = 4 * time.Hour

// Persister stores ledger entries across restarts.
type Persister interface {
	SaveCooldown(key string, firedAt time.Time) error
	LoadCooldowns() (map[string]time.Time, error)
}

// Options configures a Ledger.
type Options struct {
	Persister Persister
	Now       func() time.Time
}

// Ledger maps cooldown keys to their last-fired time. Keys being fired by a
// running job are held as claims until recorded or released.
type Ledger struct {
	persister Persister
	now       func() time.Time
	fired     map[string]time.Time
	inflight  map[string]struct{}
	mu        sync.Mutex
}

// New creates a ledger, loading existing entries from the persister.
func New(opts Options) (*Ledger, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Ledger{
		persister: opts.Persister,
		now:       opts.Now,
		fired:     make(map[string]time.Time),
		inflight:  make(map[string]struct{}),
	}

	if l.persister != nil {
		entries, err := l.persister.LoadCooldowns()
		if err != nil {
			return nil, fmt.Errorf("failed to load warmup history: %w", err)
		}
		maps.Copy(l.fired, entries)
	}

	return l, nil
}

func (l *Ledger) coolingLocked(key string, window time.Duration, now time.Time) bool {
	last, ok := l.fired[key]
	return ok && now.Sub(last) < window
}

// IsCoolingDown reports whether key fired less than window ago.
func (l *Ledger) IsCoolingDown(key models.CooldownKey, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.coolingLocked(key.String(), window, l.now())
}

// Claim reserves key for firing. It fails when the key is cooling down or
// already claimed by another job.
func (l *Ledger) Claim(key models.CooldownKey, window time.Duration) bool {
	k := key.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.inflight[k]; busy {
		return false
	}
	if l.coolingLocked(k, window, l.now()) {
		return false
	}
	l.inflight[k] = struct{}{}
	return true
}

// Release drops a claim without recording a firing.
func (l *Ledger) Release(key models.CooldownKey) {
	l.mu.Lock()
	delete(l.inflight, key.String())
	l.mu.Unlock()
}

// Record stores ts as the key's last-fired time and drops any claim.
func (l *Ledger) Record(key models.CooldownKey, ts time.Time) {
	k := key.String()

	l.mu.Lock()
	l.fired[k] = ts
	delete(l.inflight, k)
	l.mu.Unlock()

	if l.persister != nil {
		if err := l.persister.SaveCooldown(k, ts); err != nil {
			logger.Error("failed to persist warmup history", "key", k, "error", err)
		}
	}
}

// Entries returns a copy of every recorded key and time.
func (l *Ledger) Entries() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.fired)
}
