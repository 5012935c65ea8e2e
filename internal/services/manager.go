// Package services wires the pool services together and runs their
// background loops.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/j-veylop/antigravity-pool/internal/config"
	"github.com/j-veylop/antigravity-pool/internal/db"
	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services/accounts"
	"github.com/j-veylop/antigravity-pool/internal/services/clientpool"
	"github.com/j-veylop/antigravity-pool/internal/services/cooldown"
	"github.com/j-veylop/antigravity-pool/internal/services/dispatch"
	"github.com/j-veylop/antigravity-pool/internal/services/project"
	"github.com/j-veylop/antigravity-pool/internal/services/quota"
	"github.com/j-veylop/antigravity-pool/internal/services/token"
	"github.com/j-veylop/antigravity-pool/internal/services/warmup"
)

// historyRetention bounds how long quota readings are kept.
const historyRetention = 7 * 24 * time.Hour

// criticalPercent triggers a low-quota notification when crossed downwards.
const criticalPercent = 5

type (
	// AccountQuota pairs an account with its cached quota snapshot, which
	// is nil until the first fetch.
	AccountQuota struct {
		Snapshot *models.QuotaSnapshot `json:"quota,omitempty"`
		Account  models.Account        `json:"account"`
	}

	// Stats summarises the pool.
	Stats struct {
		AccountCount int `json:"accounts"`
		Eligible     int `json:"eligible"`
		QuotaCached  int `json:"quota_cached"`
		CoolingDown  int `json:"cooling_down"`
	}
)

// Manager owns every pool service.
type Manager struct {
	cfg        *config.Config
	database   *db.DB
	accounts   *accounts.Service
	clients    *clientpool.Pool
	tokens     *token.Refresher
	projects   *project.Resolver
	quota      *quota.Cache
	ledger     *cooldown.Ledger
	dispatcher *dispatch.Dispatcher
	warmup     *warmup.Orchestrator
	notify     warmup.Notifier

	stopChan  chan struct{}
	loops     sync.WaitGroup
	closeOnce sync.Once

	mu             sync.Mutex
	previousQuotas map[string]*models.QuotaSnapshot
}

// NewManager creates every service from cfg. Background loops start with
// Start.
func NewManager(cfg *config.Config) (*Manager, error) {
	m := &Manager{
		cfg:            cfg,
		stopChan:       make(chan struct{}),
		previousQuotas: make(map[string]*models.QuotaSnapshot),
	}
	if cfg.WarmupNotify {
		m.notify = warmup.DesktopNotifier
	}

	var err error
	m.database, err = db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	m.accounts, err = accounts.New(cfg.AccountsPath)
	if err != nil {
		_ = m.database.Close()
		return nil, err
	}

	m.ledger, err = cooldown.New(cooldown.Options{Persister: m.database})
	if err != nil {
		_ = m.accounts.Close()
		_ = m.database.Close()
		return nil, err
	}

	m.clients = clientpool.New(m.accounts, clientpool.Options{
		ProxyURL:           cfg.UpstreamProxyURL,
		InteractiveTimeout: cfg.InteractiveTimeout,
		BackgroundTimeout:  cfg.BackgroundTimeout,
	})

	m.tokens = token.New(m.accounts, m.clients, token.Options{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		TokenURL:     cfg.TokenURL,
	})
	m.projects = project.New(m.accounts, m.clients, cfg.UpstreamBaseURLs)
	m.quota = quota.New(m.clients, quota.Options{
		Recorder: m.database,
		BaseURLs: cfg.UpstreamBaseURLs,
	})

	m.dispatcher = dispatch.New(m.accounts, m.tokens, m.projects, m.quota, m.clients, m.database, cfg.UpstreamBaseURLs)

	m.warmup = warmup.New(m.accounts, m.tokens, m.projects, m.quota, m.ledger,
		dispatch.NewWarmupClient(m.clients, cfg.LoopbackBaseURL()),
		warmup.Options{
			Notify:         m.notify,
			ScreenBatch:    cfg.ScreenBatchSize,
			ExecBatch:      cfg.ExecBatchSize,
			NearReady:      cfg.NearReadyThreshold,
			MaxRetries:     cfg.WarmupMaxRetries,
			RetryDelay:     cfg.WarmupRetryDelay,
			BatchPause:     cfg.BatchPause,
			CooldownWindow: cfg.CooldownWindow,
			Interval:       cfg.WarmupInterval,
		})

	return m, nil
}

// Start launches event routing, the quota poller and the warmup schedule.
// They stop when ctx is done or the manager is closed.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-m.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		m.routeEvents(ctx)
	}()

	if m.cfg.QuotaRefreshInterval > 0 {
		m.loops.Add(1)
		go func() {
			defer m.loops.Done()
			m.pollQuota(ctx)
		}()
	}

	m.warmup.Start(ctx)
}

// routeEvents keeps caches consistent with account store changes.
func (m *Manager) routeEvents(ctx context.Context) {
	for {
		select {
		case event := <-m.accounts.Events():
			m.handleAccountEvent(event)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleAccountEvent(event accounts.Event) {
	switch event.Type {
	case accounts.EventAccountSaved:
		for _, id := range event.ProxyChanged {
			m.clients.Invalidate(id)
		}

	case accounts.EventAccountDeleted:
		if event.Account != nil {
			m.clients.Invalidate(event.Account.ID)
			m.quota.Invalidate(event.Account.ID)
			m.mu.Lock()
			delete(m.previousQuotas, event.Account.ID)
			m.mu.Unlock()
		}

	case accounts.EventAccountsChanged:
		for _, id := range event.ProxyChanged {
			m.clients.Invalidate(id)
		}

	case accounts.EventError:
		logger.Error("account store error", "error", event.Error)
	}
}

// pollQuota refreshes every account's quota on the configured interval and
// prunes old history.
func (m *Manager) pollQuota(ctx context.Context) {
	m.RefreshQuota(ctx)

	ticker := time.NewTicker(m.cfg.QuotaRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RefreshQuota(ctx)
			if n, err := m.database.PruneQuotaHistory(time.Now().Add(-historyRetention)); err != nil {
				logger.Warn("failed to prune quota history", "error", err)
			} else if n > 0 {
				logger.Debug("pruned quota history", "rows", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RefreshQuota fetches live quota for every eligible account and returns
// how many snapshots were refreshed.
func (m *Manager) RefreshQuota(ctx context.Context) int {
	var (
		g  errgroup.Group
		mu sync.Mutex
		ok int
	)
	g.SetLimit(max(m.cfg.ScreenBatchSize, 1))

	for _, acc := range m.accounts.List() {
		if !acc.Eligible() {
			continue
		}
		g.Go(func() error {
			snap, err := m.RefreshQuotaForAccount(ctx, acc)
			if err != nil {
				logger.Warn("quota refresh failed", "email", acc.Email, "error", err)
				return nil
			}
			if !snap.Stale {
				mu.Lock()
				ok++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return ok
}

// RefreshQuotaForAccount fetches live quota for one account.
func (m *Manager) RefreshQuotaForAccount(ctx context.Context, acc models.Account) (*models.QuotaSnapshot, error) {
	tok, err := m.tokens.EnsureFresh(ctx, acc)
	if err != nil {
		return nil, err
	}
	projectID, err := m.projects.Resolve(ctx, acc, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	snap, err := m.quota.Fetch(ctx, acc, tok.AccessToken, projectID, false)
	if err != nil {
		return nil, err
	}
	if !snap.Stale {
		m.checkNotifications(snap)
	}
	return snap, nil
}

// checkNotifications compares a fresh snapshot with the previous one and
// notifies on resets and on models dropping below the critical level.
func (m *Manager) checkNotifications(snap *models.QuotaSnapshot) {
	m.mu.Lock()
	old, exists := m.previousQuotas[snap.AccountID]
	m.previousQuotas[snap.AccountID] = snap
	m.mu.Unlock()

	if !exists || m.notify == nil {
		return
	}

	for _, name := range snap.ModelNames() {
		newPct := snap.Models[name].Percent
		oldPct, known := old.Percent(name)
		if !known {
			continue
		}

		switch {
		case newPct < criticalPercent && oldPct >= criticalPercent:
			m.sendNotification(fmt.Sprintf("Critical Quota: %s", snap.Email),
				fmt.Sprintf("%s is below %d%% (%d%%)", name, criticalPercent, newPct))
		case newPct == 100 && oldPct < 100:
			m.sendNotification(fmt.Sprintf("Quota Reset: %s", snap.Email),
				fmt.Sprintf("%s quota has been refreshed.", name))
		}
	}
}

func (m *Manager) sendNotification(title, body string) {
	if err := m.notify(title, body); err != nil {
		logger.Debug("notification failed", "title", title, "error", err)
	}
}

// RecheckAccount clears the account's not-entitled mark and resolves its
// project again, returning the project id.
func (m *Manager) RecheckAccount(ctx context.Context, id string) (string, error) {
	acc, err := m.accounts.Get(id)
	if err != nil {
		return "", err
	}
	m.projects.Recheck(id)

	tok, err := m.tokens.EnsureFresh(ctx, acc)
	if err != nil {
		return "", err
	}
	projectID, err := m.projects.Resolve(ctx, acc, tok.AccessToken)
	if err != nil {
		return "", err
	}
	logger.Info("account rechecked", "email", acc.Email, "project_id", projectID)
	return projectID, nil
}

// QuotaOverview returns every account with its cached snapshot.
func (m *Manager) QuotaOverview() []AccountQuota {
	accs := m.accounts.List()
	out := make([]AccountQuota, len(accs))
	for i, acc := range accs {
		out[i] = AccountQuota{Account: acc, Snapshot: m.quota.Get(acc.ID)}
	}
	return out
}

// RecordedOverview is QuotaOverview built from the last recorded readings
// rather than the in-memory cache, for processes that have not fetched yet.
// Recorded snapshots are marked stale.
func (m *Manager) RecordedOverview() ([]AccountQuota, error) {
	latest, err := m.database.LatestQuotaSnapshots()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	accs := m.accounts.List()
	out := make([]AccountQuota, len(accs))
	for i, acc := range accs {
		out[i] = AccountQuota{Account: acc}
		if snap, ok := latest[acc.ID]; ok {
			snap.Stale = true
			snap.Tier = string(quota.GetTierFromQuotas(snap.Models, now))
			out[i].Snapshot = snap
		}
	}
	return out, nil
}

// Stats returns pool-wide counters.
func (m *Manager) Stats() Stats {
	accs := m.accounts.List()
	s := Stats{
		AccountCount: len(accs),
		QuotaCached:  len(m.quota.All()),
	}
	for _, acc := range accs {
		if acc.Eligible() {
			s.Eligible++
		}
	}
	cutoff := time.Now().Add(-m.cfg.CooldownWindow)
	for _, firedAt := range m.ledger.Entries() {
		if firedAt.After(cutoff) {
			s.CoolingDown++
		}
	}
	return s
}

// History returns an account's quota readings for a model since the given
// time.
func (m *Manager) History(email, model string, since time.Time) ([]db.QuotaPoint, error) {
	return m.database.GetQuotaHistory(email, model, since)
}

// RecentCalls returns the latest recorded upstream calls.
func (m *Manager) RecentCalls(limit int) ([]models.APICall, error) {
	return m.database.GetRecentAPICalls(limit)
}

// Accounts returns the account store.
func (m *Manager) Accounts() *accounts.Service {
	return m.accounts
}

// Quota returns the quota cache.
func (m *Manager) Quota() *quota.Cache {
	return m.quota
}

// Dispatcher returns the request dispatcher.
func (m *Manager) Dispatcher() *dispatch.Dispatcher {
	return m.dispatcher
}

// Warmup returns the warmup orchestrator.
func (m *Manager) Warmup() *warmup.Orchestrator {
	return m.warmup
}

// Database returns the database instance for direct access.
func (m *Manager) Database() *db.DB {
	return m.database
}

// Close stops the background loops, waits for running warmup jobs and
// releases every resource.
func (m *Manager) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		close(m.stopChan)
		m.loops.Wait()
		m.warmup.Wait()

		if err := m.accounts.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := m.database.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
