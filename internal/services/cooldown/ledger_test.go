package cooldown

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/j-veylop/antigravity-pool/internal/db"
	"github.com/j-veylop/antigravity-pool/internal/models"
)

type clock struct {
	now time.Time
	mu  sync.Mutex
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var key = models.CooldownKey{Email: "a@x.com", Model: "m1", Target: models.WarmupTarget}

func newLedger(t *testing.T, c *clock) *Ledger {
	t.Helper()
	l, err := New(Options{Now: c.Now})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return l
}

func TestIsCoolingDown_Window(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	c := &clock{now: t0}
	l := newLedger(t, c)

	if l.IsCoolingDown(key, DefaultWindow) {
		t.Fatal("unknown key must not be cooling down")
	}

	l.Record(key, t0)

	c.Set(t0.Add(1000 * time.Second))
	if !l.IsCoolingDown(key, DefaultWindow) {
		t.Error("key should be cooling down 1000s after firing")
	}

	c.Set(t0.Add(14401 * time.Second))
	if l.IsCoolingDown(key, DefaultWindow) {
		t.Error("key should be free 14401s after firing")
	}

	other := models.CooldownKey{Email: "a@x.com", Model: "m2", Target: models.WarmupTarget}
	c.Set(t0)
	if l.IsCoolingDown(other, DefaultWindow) {
		t.Error("keys for other models are independent")
	}
}

func TestClaim(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	c := &clock{now: t0}
	l := newLedger(t, c)

	if !l.Claim(key, DefaultWindow) {
		t.Fatal("first Claim() should succeed")
	}
	if l.Claim(key, DefaultWindow) {
		t.Fatal("second Claim() must fail while the key is in flight")
	}

	l.Release(key)
	if !l.Claim(key, DefaultWindow) {
		t.Fatal("Claim() after Release() should succeed")
	}

	l.Record(key, t0)
	if l.Claim(key, DefaultWindow) {
		t.Fatal("Claim() must fail while cooling down")
	}
	if ts, ok := l.Entries()[key.String()]; !ok || !ts.Equal(t0) {
		t.Errorf("Entries()[%s] = %v, %v", key, ts, ok)
	}
}

func TestClaim_Concurrent(t *testing.T) {
	l := newLedger(t, &clock{now: time.Now()})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Claim(key, DefaultWindow) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("Claim() succeeded %d times, want 1", wins.Load())
	}
}

func TestLedger_Persistence(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("db.New() failed: %v", err)
	}
	defer func() { _ = database.Close() }()

	t0 := time.Unix(1_700_000_000, 0)
	c := &clock{now: t0.Add(time.Minute)}

	l1, err := New(Options{Persister: database, Now: c.Now})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	l1.Record(key, t0)

	l2, err := New(Options{Persister: database, Now: c.Now})
	if err != nil {
		t.Fatalf("New() reload failed: %v", err)
	}
	if !l2.IsCoolingDown(key, DefaultWindow) {
		t.Error("reloaded ledger should remember the firing")
	}
	if len(l2.Entries()) != 1 {
		t.Errorf("Entries() = %v", l2.Entries())
	}
}

type failingPersister struct{}

func (failingPersister) SaveCooldown(string, time.Time) error { return errors.New("disk full") }
func (failingPersister) LoadCooldowns() (map[string]time.Time, error) {
	return nil, errors.New("corrupt")
}

func TestNew_LoadError(t *testing.T) {
	if _, err := New(Options{Persister: failingPersister{}}); err == nil {
		t.Error("New() should surface load errors")
	}
}
