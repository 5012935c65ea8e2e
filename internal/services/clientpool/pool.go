// Package clientpool hands out HTTP clients per account and request class,
// honouring per-account and global upstream proxies.
package clientpool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
)

// Class selects the timeout profile of a client.
type Class int

const (
	// Interactive clients serve user-facing dispatches.
	Interactive Class = iota
	// Background clients serve warmup screening and quota refresh.
	Background
)

func (c Class) String() string {
	if c == Background {
		return "background"
	}
	return "interactive"
}

// Default timeouts per class.
const (
	DefaultInteractiveTimeout = 15 * time.Second
	DefaultBackgroundTimeout  = 60 * time.Second
)

// AccountLookup resolves an account id to its current record.
type AccountLookup interface {
	Get(id string) (models.Account, error)
}

// Options configures a Pool.
type Options struct {
	// ProxyURL is the global upstream proxy used when an account has none.
	ProxyURL           string
	InteractiveTimeout time.Duration
	BackgroundTimeout  time.Duration
}

// Pool caches one client per (account, class). Clients are safe for
// concurrent use; racing creators converge on a single stored client.
type Pool struct {
	accounts AccountLookup
	clients  sync.Map // clientKey -> *http.Client
	loopback sync.Map // Class -> *http.Client
	opts     Options
}

type clientKey struct {
	accountID string
	class     Class
}

// New creates a client pool.
func New(accounts AccountLookup, opts Options) *Pool {
	if opts.InteractiveTimeout <= 0 {
		opts.InteractiveTimeout = DefaultInteractiveTimeout
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = DefaultBackgroundTimeout
	}
	return &Pool{accounts: accounts, opts: opts}
}

func (p *Pool) timeout(class Class) time.Duration {
	if class == Background {
		return p.opts.BackgroundTimeout
	}
	return p.opts.InteractiveTimeout
}

// ClientFor returns the cached client for the account and class, creating it
// on first use.
func (p *Pool) ClientFor(accountID string, class Class) *http.Client {
	key := clientKey{accountID: accountID, class: class}
	if c, ok := p.clients.Load(key); ok {
		return c.(*http.Client)
	}

	proxyURL := p.opts.ProxyURL
	if p.accounts != nil {
		if acc, err := p.accounts.Get(accountID); err == nil && strings.TrimSpace(acc.ProxyURL) != "" {
			proxyURL = acc.ProxyURL
		}
	}

	transport, err := buildTransport(proxyURL)
	if err != nil {
		logger.Warn("invalid proxy, connecting directly",
			"account_id", accountID, "proxy", redact(proxyURL), "error", err)
		transport, _ = buildTransport("")
	}

	client := &http.Client{Transport: transport, Timeout: p.timeout(class)}
	actual, loaded := p.clients.LoadOrStore(key, client)
	if loaded {
		transport.CloseIdleConnections()
	}
	return actual.(*http.Client)
}

// Loopback returns a client that never uses a proxy, for calls to this
// process's own listener.
func (p *Pool) Loopback(class Class) *http.Client {
	if c, ok := p.loopback.Load(class); ok {
		return c.(*http.Client)
	}
	t := baseTransport()
	t.Proxy = nil
	client := &http.Client{Transport: t, Timeout: p.timeout(class)}
	actual, _ := p.loopback.LoadOrStore(class, client)
	return actual.(*http.Client)
}

// Invalidate drops the account's cached clients so the next request picks
// up proxy changes.
func (p *Pool) Invalidate(accountID string) {
	for _, class := range []Class{Interactive, Background} {
		if c, ok := p.clients.LoadAndDelete(clientKey{accountID: accountID, class: class}); ok {
			c.(*http.Client).CloseIdleConnections()
		}
	}
}

func baseTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// buildTransport creates a transport routed through proxyURL, which may be
// empty or use the http, https or socks5 scheme.
func buildTransport(proxyURL string) (*http.Transport, error) {
	t := baseTransport()
	t.Proxy = nil

	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		switch parsed.Scheme {
		case "socks5", "socks5h":
			var auth *proxy.Auth
			if parsed.User != nil {
				password, _ := parsed.User.Password()
				auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
			}
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("create socks5 dialer: %w", err)
			}
			t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		case "http", "https":
			t.Proxy = http.ProxyURL(parsed)
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
		}
	}

	h2, err := http2.ConfigureTransports(t)
	if err == nil {
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}
	return t, nil
}

// redact hides proxy credentials in log output.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
