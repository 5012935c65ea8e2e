// Package warmup screens the account pool for models whose quota is full
// and fires a minimal call at each so the quota window starts counting.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services/cooldown"
	"github.com/j-veylop/antigravity-pool/internal/services/quota"
)

// ErrAccountDisabled is returned when warming an account excluded from the
// pool.
var ErrAccountDisabled = errors.New("account is disabled")

// AccountSource lists pool accounts.
type AccountSource interface {
	List() []models.Account
	Get(id string) (models.Account, error)
}

// TokenSource provides fresh access tokens.
type TokenSource interface {
	EnsureFresh(ctx context.Context, acc models.Account) (models.Token, error)
}

// ProjectResolver provides the account's project id.
type ProjectResolver interface {
	Resolve(ctx context.Context, acc models.Account, accessToken string) (string, error)
}

// QuotaSource provides quota snapshots.
type QuotaSource interface {
	Fetch(ctx context.Context, acc models.Account, accessToken, projectID string, useCache bool) (*models.QuotaSnapshot, error)
}

// Ledger records warmup firings.
type Ledger interface {
	Claim(key models.CooldownKey, window time.Duration) bool
	Release(key models.CooldownKey)
	Record(key models.CooldownKey, ts time.Time)
}

// Warmer fires a single warmup call and reports success.
type Warmer interface {
	Warm(ctx context.Context, item models.WarmupItem) bool
}

// Notifier shows a job summary to the user.
type Notifier func(title, message string) error

// Options tunes the orchestrator. Zero batch sizes, threshold and window
// fall back to the defaults; start from DefaultOptions for the full tuning.
type Options struct {
	Notify         Notifier
	Now            func() time.Time
	ScreenBatch    int
	ExecBatch      int
	NearReady      int
	MaxRetries     int
	RetryDelay     time.Duration
	BatchPause     time.Duration
	CooldownWindow time.Duration
	Interval       time.Duration
}

// Defaults.
const (
	DefaultScreenBatch = 5
	DefaultExecBatch   = 3
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 30 * time.Second
	DefaultBatchPause  = 2 * time.Second
)

func (o *Options) applyDefaults() {
	if o.ScreenBatch <= 0 {
		o.ScreenBatch = DefaultScreenBatch
	}
	if o.ExecBatch <= 0 {
		o.ExecBatch = DefaultExecBatch
	}
	if o.NearReady <= 0 {
		o.NearReady = quota.DefaultNearReadyThreshold
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.CooldownWindow <= 0 {
		o.CooldownWindow = cooldown.DefaultWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		ScreenBatch:    DefaultScreenBatch,
		ExecBatch:      DefaultExecBatch,
		NearReady:      quota.DefaultNearReadyThreshold,
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelay,
		BatchPause:     DefaultBatchPause,
		CooldownWindow: cooldown.DefaultWindow,
	}
}

// Outcome classifies a warmup run.
type Outcome int

const (
	// OutcomeNoWarmupNeeded means no model was ready.
	OutcomeNoWarmupNeeded Outcome = iota
	// OutcomeTriggered means a background job was started.
	OutcomeTriggered
	// OutcomeAllSkipped means every ready model was cooling down.
	OutcomeAllSkipped
	// OutcomeNoAccounts means no eligible account exists.
	OutcomeNoAccounts
)

// Result is what a trigger reports back immediately.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	Triggered int     `json:"triggered"`
	Skipped   int     `json:"skipped"`
	Rescans   int     `json:"rescans"`
}

func (r Result) String() string {
	switch r.Outcome {
	case OutcomeTriggered:
		if r.Skipped > 0 {
			return fmt.Sprintf("Warmup task triggered for %d models, skipped %d in cooldown", r.Triggered, r.Skipped)
		}
		return fmt.Sprintf("Warmup task triggered for %d models", r.Triggered)
	case OutcomeAllSkipped:
		return fmt.Sprintf("All models are in cooldown, skipped %d items", r.Skipped)
	case OutcomeNoAccounts:
		return "No accounts available"
	default:
		return "No models need warmup"
	}
}

// Orchestrator runs warmup cycles. Background jobs outlive the call that
// started them; Wait blocks until they finish.
type Orchestrator struct {
	accounts AccountSource
	tokens   TokenSource
	projects ProjectResolver
	quotas   QuotaSource
	ledger   Ledger
	warmer   Warmer
	jobs     sync.WaitGroup
	opts     Options
}

// New creates an Orchestrator.
func New(accounts AccountSource, tokens TokenSource, projects ProjectResolver, quotas QuotaSource,
	ledger Ledger, warmer Warmer, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		accounts: accounts,
		tokens:   tokens,
		projects: projects,
		quotas:   quotas,
		ledger:   ledger,
		warmer:   warmer,
		opts:     opts,
	}
}

// screenResult is the outcome of screening one account.
type screenResult struct {
	items     []models.WarmupItem
	nearReady bool
}

// screenAccount fetches the account's quota and turns ready models into
// warmup items. Rescans pass useCache=false so a recovering model is seen.
func (o *Orchestrator) screenAccount(ctx context.Context, acc models.Account, useCache bool) (screenResult, error) {
	tok, err := o.tokens.EnsureFresh(ctx, acc)
	if err != nil {
		return screenResult{}, fmt.Errorf("token: %w", err)
	}
	projectID, err := o.projects.Resolve(ctx, acc, tok.AccessToken)
	if err != nil {
		return screenResult{}, fmt.Errorf("project: %w", err)
	}
	snap, err := o.quotas.Fetch(ctx, acc, tok.AccessToken, projectID, useCache)
	if err != nil {
		return screenResult{}, fmt.Errorf("quota: %w", err)
	}

	var res screenResult
	for _, name := range snap.ModelNames() {
		pct := snap.Models[name].Percent
		switch quota.Classify(pct, o.opts.NearReady) {
		case quota.StateReady:
			res.items = append(res.items, models.WarmupItem{
				AccountID:   acc.ID,
				Email:       acc.Email,
				Model:       name,
				AccessToken: tok.AccessToken,
				ProjectID:   projectID,
				Percent:     pct,
			})
		case quota.StateNearReady:
			res.nearReady = true
		}
	}
	return res, nil
}

// screen runs screenAccount over the accounts in bounded batches. Accounts
// that fail are logged and left out.
func (o *Orchestrator) screen(ctx context.Context, accounts []models.Account, useCache bool) ([]models.WarmupItem, bool) {
	results := make([]screenResult, len(accounts))

	for start := 0; start < len(accounts); start += o.opts.ScreenBatch {
		end := min(start+o.opts.ScreenBatch, len(accounts))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				res, err := o.screenAccount(ctx, accounts[i], useCache)
				if err != nil {
					logger.Warn("warmup screening failed", "email", accounts[i].Email, "error", err)
					return nil
				}
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()
	}

	var (
		items     []models.WarmupItem
		nearReady bool
	)
	for _, r := range results {
		items = append(items, r.items...)
		nearReady = nearReady || r.nearReady
	}
	return items, nearReady
}

// claim filters out items whose key is cooling down or already being fired.
func (o *Orchestrator) claim(items []models.WarmupItem) (claimed []models.WarmupItem, skipped int) {
	for _, item := range items {
		if o.ledger.Claim(item.CooldownKey(), o.opts.CooldownWindow) {
			claimed = append(claimed, item)
		} else {
			skipped++
		}
	}
	return claimed, skipped
}

func eligible(accounts []models.Account) []models.Account {
	return slices.DeleteFunc(accounts, func(a models.Account) bool { return !a.Eligible() })
}

// WarmupAll screens every eligible account and starts a background job for
// the ready models. When nothing is ready but some model is close, it waits
// and rescans up to MaxRetries times.
func (o *Orchestrator) WarmupAll(ctx context.Context) (Result, error) {
	for rescans := 0; ; rescans++ {
		accounts := eligible(o.accounts.List())
		if len(accounts) == 0 {
			return Result{Outcome: OutcomeNoAccounts}, nil
		}

		logger.Info("warmup screening", "accounts", len(accounts), "rescan", rescans)
		items, nearReady := o.screen(ctx, accounts, rescans == 0)

		if len(items) > 0 {
			claimed, skipped := o.claim(items)
			if len(claimed) == 0 {
				logger.Info("all ready models in cooldown", "skipped", skipped)
				return Result{Outcome: OutcomeAllSkipped, Skipped: skipped, Rescans: rescans}, nil
			}
			if skipped > 0 {
				logger.Info("skipped models in cooldown", "skipped", skipped, "pending", len(claimed))
			}
			o.startJob(ctx, claimed)
			return Result{Outcome: OutcomeTriggered, Triggered: len(claimed), Skipped: skipped, Rescans: rescans}, nil
		}

		if !nearReady || rescans >= o.opts.MaxRetries {
			return Result{Outcome: OutcomeNoWarmupNeeded, Rescans: rescans}, nil
		}

		logger.Info("near-ready model detected, waiting to rescan",
			"delay", o.opts.RetryDelay, "attempt", rescans+1, "max", o.opts.MaxRetries)
		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeNoWarmupNeeded, Rescans: rescans}, ctx.Err()
		case <-time.After(o.opts.RetryDelay):
		}
	}
}

// WarmupAccount warms the ready models of a single account.
func (o *Orchestrator) WarmupAccount(ctx context.Context, accountID string) (Result, error) {
	acc, err := o.accounts.Get(accountID)
	if err != nil {
		return Result{}, err
	}
	if !acc.Eligible() {
		return Result{}, fmt.Errorf("%w: %s", ErrAccountDisabled, acc.Email)
	}

	res, err := o.screenAccount(ctx, acc, true)
	if err != nil {
		return Result{}, fmt.Errorf("screen %s: %w", acc.Email, err)
	}
	if len(res.items) == 0 {
		return Result{Outcome: OutcomeNoWarmupNeeded}, nil
	}

	claimed, skipped := o.claim(res.items)
	if len(claimed) == 0 {
		return Result{Outcome: OutcomeAllSkipped, Skipped: skipped}, nil
	}
	o.startJob(ctx, claimed)
	return Result{Outcome: OutcomeTriggered, Triggered: len(claimed), Skipped: skipped}, nil
}

// startJob executes the items on a goroutine detached from the caller's
// cancellation.
func (o *Orchestrator) startJob(ctx context.Context, items []models.WarmupItem) {
	jobCtx := context.WithoutCancel(ctx)
	o.jobs.Add(1)
	go func() {
		defer o.jobs.Done()
		o.execute(jobCtx, items)
	}()
}

// execute fires items in batches. Each success is recorded in the ledger as
// soon as it completes.
func (o *Orchestrator) execute(ctx context.Context, items []models.WarmupItem) {
	start := time.Now()
	logger.Info("warmup job started", "items", len(items))

	var (
		mu        sync.Mutex
		succeeded int
	)
	for batchStart := 0; batchStart < len(items); batchStart += o.opts.ExecBatch {
		if batchStart > 0 && o.opts.BatchPause > 0 {
			time.Sleep(o.opts.BatchPause)
		}

		batch := items[batchStart:min(batchStart+o.opts.ExecBatch, len(items))]
		var g errgroup.Group
		for _, item := range batch {
			g.Go(func() error {
				key := item.CooldownKey()
				if !o.warmer.Warm(ctx, item) {
					o.ledger.Release(key)
					return nil
				}
				o.ledger.Record(key, o.opts.Now())
				mu.Lock()
				succeeded++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	logger.Info("warmup job completed", "succeeded", succeeded, "total", len(items), "duration", time.Since(start))

	o.refreshQuota(ctx, items)

	if o.opts.Notify != nil {
		msg := fmt.Sprintf("Warmed %d of %d models", succeeded, len(items))
		if err := o.opts.Notify("Antigravity warmup", msg); err != nil {
			logger.Debug("warmup notification failed", "error", err)
		}
	}
}

// refreshQuota re-fetches the snapshots of the accounts touched by a job.
func (o *Orchestrator) refreshQuota(ctx context.Context, items []models.WarmupItem) {
	seen := make(map[string]bool)
	for _, item := range items {
		if seen[item.AccountID] {
			continue
		}
		seen[item.AccountID] = true

		acc, err := o.accounts.Get(item.AccountID)
		if err != nil {
			continue
		}
		tok, err := o.tokens.EnsureFresh(ctx, acc)
		if err != nil {
			logger.Warn("post-warmup quota refresh skipped", "email", acc.Email, "error", err)
			continue
		}
		if _, err := o.quotas.Fetch(ctx, acc, tok.AccessToken, item.ProjectID, false); err != nil {
			logger.Warn("post-warmup quota refresh failed", "email", acc.Email, "error", err)
		}
	}
}

// Wait blocks until every background job has finished.
func (o *Orchestrator) Wait() {
	o.jobs.Wait()
}

// Start runs WarmupAll every Interval until ctx is done. A zero Interval
// disables the schedule.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.opts.Interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(o.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				res, err := o.WarmupAll(ctx)
				if err != nil {
					logger.Warn("scheduled warmup failed", "error", err)
					continue
				}
				logger.Info("scheduled warmup", "result", res.String())
			case <-ctx.Done():
				return
			}
		}
	}()
}
