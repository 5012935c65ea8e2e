// Package token keeps account access tokens fresh using the OAuth
// refresh-token grant.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services/clientpool"
)

// DefaultTokenURL is Google's OAuth token endpoint.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

var errNoRefreshToken = errors.New("account has no refresh token")

// AuthError reports a failed refresh. Revoked is set when the provider
// rejected the grant, meaning the account must sign in again.
type AuthError struct {
	Err       error
	AccountID string
	Email     string
	Revoked   bool
}

func (e *AuthError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("token refresh for %s: grant revoked: %v", e.Email, e.Err)
	}
	return fmt.Sprintf("token refresh for %s: %v", e.Email, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Store is the part of the account store the refresher needs.
type Store interface {
	Get(id string) (models.Account, error)
	Update(id string, fn func(*models.Account)) (models.Account, error)
}

// ClientSource provides per-account HTTP clients.
type ClientSource interface {
	ClientFor(accountID string, class clientpool.Class) *http.Client
}

// Options configures a Refresher.
type Options struct {
	Now          func() time.Time
	ClientID     string
	ClientSecret string
	TokenURL     string
	Skew         time.Duration
}

// Refresher refreshes access tokens, at most one exchange per account at a
// time.
type Refresher struct {
	store   Store
	clients ClientSource
	oauth   *oauth2.Config
	now     func() time.Time
	locks   sync.Map // account id -> *sync.Mutex
	skew    time.Duration
}

// New creates a Refresher.
func New(store Store, clients ClientSource, opts Options) *Refresher {
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.Skew <= 0 {
		opts.Skew = models.DefaultTokenSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Refresher{
		store:   store,
		clients: clients,
		now:     opts.Now,
		skew:    opts.Skew,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func (r *Refresher) lockFor(id string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// current returns the stored copy of the account, falling back to the
// caller's copy when the store no longer has it.
func (r *Refresher) current(acc models.Account) models.Account {
	stored, err := r.store.Get(acc.ID)
	if err != nil {
		return acc
	}
	return stored
}

// EnsureFresh returns a usable access token for the account, refreshing it
// when it expires within the skew.
func (r *Refresher) EnsureFresh(ctx context.Context, acc models.Account) (models.Token, error) {
	if acc.Token.Usable(r.now(), r.skew) {
		return acc.Token, nil
	}

	mu := r.lockFor(acc.ID)
	mu.Lock()
	defer mu.Unlock()

	// Another caller may have refreshed while we waited.
	latest := r.current(acc)
	if latest.Token.Usable(r.now(), r.skew) {
		return latest.Token, nil
	}

	return r.refresh(ctx, latest)
}

// ForceRefresh exchanges the refresh token regardless of expiry. Used after
// the upstream rejected a token it should have accepted.
func (r *Refresher) ForceRefresh(ctx context.Context, acc models.Account) (models.Token, error) {
	mu := r.lockFor(acc.ID)
	mu.Lock()
	defer mu.Unlock()

	latest := r.current(acc)
	if latest.Token.AccessToken != acc.Token.AccessToken && latest.Token.Usable(r.now(), r.skew) {
		return latest.Token, nil
	}

	return r.refresh(ctx, latest)
}

// refresh performs one exchange and persists the result (must hold the
// account lock).
func (r *Refresher) refresh(ctx context.Context, acc models.Account) (models.Token, error) {
	if acc.Token.RefreshToken == "" {
		return models.Token{}, &AuthError{AccountID: acc.ID, Email: acc.Email, Err: errNoRefreshToken}
	}

	if r.clients != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.clients.ClientFor(acc.ID, clientpool.Background))
	}

	start := time.Now()
	src := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.Token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		authErr := &AuthError{AccountID: acc.ID, Email: acc.Email, Err: err, Revoked: isRevoked(err)}
		logger.Warn("token refresh failed", "email", acc.Email, "revoked", authErr.Revoked, "error", err)
		return models.Token{}, authErr
	}

	next := models.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = acc.Token.RefreshToken
	}
	if next.Expiry.IsZero() {
		next.Expiry = r.now().Add(time.Hour)
	}

	if _, err := r.store.Update(acc.ID, func(a *models.Account) { a.Token = next }); err != nil {
		return models.Token{}, fmt.Errorf("persist refreshed token: %w", err)
	}

	logger.Debug("token refreshed", "email", acc.Email, "expires_at", next.Expiry, "duration", time.Since(start))
	return next, nil
}

func isRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
		return true
	}
	return strings.Contains(string(re.Body), "invalid_grant")
}
