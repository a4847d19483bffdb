// Package discovery resolves email domains to primary identity
// providers by fetching and caching their /.well-known/browserid
// support documents. Failure to discover a primary is deliberately
// indistinguishable from non-adoption: any unreachable or malformed
// document degrades to "not a primary" so a broken third-party IdP
// falls back to local password validation instead of locking its
// users out.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/browserid/personad/assertion"
)

// WellKnownPath is the location of a domain's support document.
const WellKnownPath = "/.well-known/browserid"

const (
	// DefaultCacheTTL matches the original six-hour well-known cache.
	DefaultCacheTTL = 6 * time.Hour
	// DefaultFetchTimeout bounds a single well-known fetch.
	DefaultFetchTimeout = 10 * time.Second
	// maxDocumentSize caps how much of a support document we read.
	maxDocumentSize = 64 * 1024
	// maxDelegationDepth bounds proxy-map chains.
	maxDelegationDepth = 5
)

var (
	// ErrNotPrimary is returned when a domain does not advertise primary
	// support, for whatever reason.
	ErrNotPrimary = errors.New("domain is not a primary")

	// ErrPrimaryDisabled is returned when a domain's support document
	// carries disabled:true, an explicit opt-out that is cached and not
	// retried until expiry.
	ErrPrimaryDisabled = errors.New("primary support explicitly disabled")
)

// Info describes a resolved primary identity provider.
type Info struct {
	AuthenticationURL string
	ProvisioningURL   string
	PublicKey         *assertion.PublicKey
}

// wellKnownDoc is the on-the-wire shape of a support document.
type wellKnownDoc struct {
	Authentication string          `json:"authentication"`
	Provisioning   string          `json:"provisioning"`
	PublicKey      json.RawMessage `json:"public-key"`
	Disabled       bool            `json:"disabled"`
}

type cacheEntry struct {
	info      *Info // nil when the domain is not (or no longer) a primary
	disabled  bool
	fetchedAt time.Time
}

// Discovery caches per-domain primary support with lazy revalidation.
// Concurrent cold lookups for the same domain collapse into a single
// outbound fetch.
type Discovery struct {
	client   *http.Client
	scheme   string
	ttl      time.Duration
	disabled bool

	mu       sync.RWMutex
	cache    map[string]*cacheEntry
	lastSeen map[string]time.Time
	shims    map[string]*Info
	proxies  map[string]string

	group singleflight.Group
}

// Option configures a Discovery.
type Option func(*Discovery)

// WithCacheTTL overrides the support-document cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(d *Discovery) { d.ttl = ttl }
}

// WithFetchTimeout overrides the per-fetch timeout.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(d *Discovery) { d.client.Timeout = timeout }
}

// WithScheme overrides the fetch scheme. Production uses https;
// plain http exists for local shims and tests.
func WithScheme(scheme string) Option {
	return func(d *Discovery) { d.scheme = scheme }
}

// WithProxies installs the domain-to-delegate proxy map. A proxied
// domain only resolves through its delegate when no genuine primary
// answers for it directly.
func WithProxies(proxies map[string]string) Option {
	return func(d *Discovery) {
		for k, v := range proxies {
			d.proxies[strings.ToLower(k)] = strings.ToLower(v)
		}
	}
}

// Disabled turns off primary support entirely: every domain resolves
// as not-a-primary.
func Disabled() Option {
	return func(d *Discovery) { d.disabled = true }
}

// New constructs a Discovery.
func New(opts ...Option) *Discovery {
	d := &Discovery{
		client:   &http.Client{Timeout: DefaultFetchTimeout},
		scheme:   "https",
		ttl:      DefaultCacheTTL,
		cache:    make(map[string]*cacheEntry),
		lastSeen: make(map[string]time.Time),
		shims:    make(map[string]*Info),
		proxies:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddStatic installs a static primary record for a domain, bypassing
// live fetch entirely. Used for shimmed primaries in development.
func (d *Discovery) AddStatic(domain string, info *Info) {
	d.mu.Lock()
	d.shims[strings.ToLower(domain)] = info
	d.mu.Unlock()
}

// AddShim reads a support document from disk and installs it as a
// static primary for domain, rewriting its URLs to point at origin.
// The shim value format mirrors SHIMMED_PRIMARIES:
// "domain|origin|path-to-well-known-file".
func (d *Discovery) AddShim(shim string) error {
	parts := strings.Split(shim, "|")
	if len(parts) != 3 {
		return fmt.Errorf("malformed shim %q, want domain|origin|path", shim)
	}
	domain, origin, path := strings.ToLower(parts[0]), parts[1], parts[2]
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading shim document for %s: %w", domain, err)
	}
	info, disabled, err := parseWellKnown(body, "https://"+domain)
	if err != nil {
		return fmt.Errorf("parsing shim document for %s: %w", domain, err)
	}
	if disabled {
		return fmt.Errorf("shim document for %s is disabled", domain)
	}
	info.AuthenticationURL = strings.Replace(info.AuthenticationURL, "https://"+domain, origin, 1)
	info.ProvisioningURL = strings.Replace(info.ProvisioningURL, "https://"+domain, origin, 1)
	d.AddStatic(domain, info)
	return nil
}

// Resolve returns the primary record for a domain, or ErrNotPrimary /
// ErrPrimaryDisabled. Static overrides win over live fetch, except
// that a genuine live primary always beats a proxy mapping.
func (d *Discovery) Resolve(ctx context.Context, domain string) (*Info, error) {
	return d.resolve(ctx, strings.ToLower(domain), 0)
}

func (d *Discovery) resolve(ctx context.Context, domain string, depth int) (*Info, error) {
	if d.disabled || domain == "" {
		return nil, ErrNotPrimary
	}
	if depth > maxDelegationDepth {
		return nil, ErrNotPrimary
	}

	d.mu.RLock()
	shim := d.shims[domain]
	delegate, proxied := d.proxies[domain]
	d.mu.RUnlock()

	if shim != nil {
		d.touch(domain)
		return shim, nil
	}

	entry, err := d.lookup(ctx, domain)
	if err != nil {
		return nil, err
	}
	switch {
	case entry.info != nil:
		d.touch(domain)
		return entry.info, nil
	case entry.disabled:
		return nil, ErrPrimaryDisabled
	case proxied:
		return d.resolve(ctx, delegate, depth+1)
	default:
		return nil, ErrNotPrimary
	}
}

// PublicKey resolves a domain and returns its advertised public key.
func (d *Discovery) PublicKey(ctx context.Context, domain string) (*assertion.PublicKey, error) {
	info, err := d.Resolve(ctx, domain)
	if err != nil {
		return nil, err
	}
	return info.PublicKey, nil
}

// LastSeen reports when a domain last resolved as a working primary.
// Unlike the cache it is not expired, so callers can distinguish a
// domain that recently dropped primary support from one that never
// had it.
func (d *Discovery) LastSeen(domain string) (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.lastSeen[strings.ToLower(domain)]
	return t, ok
}

func (d *Discovery) touch(domain string) {
	d.mu.Lock()
	d.lastSeen[domain] = time.Now()
	d.mu.Unlock()
}

// lookup returns a fresh-enough cache entry for domain, fetching at
// most once per domain regardless of caller concurrency.
func (d *Discovery) lookup(ctx context.Context, domain string) (*cacheEntry, error) {
	d.mu.RLock()
	entry, ok := d.cache[domain]
	d.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < d.ttl {
		return entry, nil
	}

	v, err, _ := d.group.Do(domain, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed.
		d.mu.RLock()
		entry, ok := d.cache[domain]
		d.mu.RUnlock()
		if ok && time.Since(entry.fetchedAt) < d.ttl {
			return entry, nil
		}
		entry = d.fetch(ctx, domain)
		d.mu.Lock()
		d.cache[domain] = entry
		d.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cacheEntry), nil
}

// fetch retrieves and parses a support document. All failure modes
// collapse into a cached not-a-primary entry.
func (d *Discovery) fetch(ctx context.Context, domain string) *cacheEntry {
	entry := &cacheEntry{fetchedAt: time.Now()}

	base := d.scheme + "://" + domain
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+WellKnownPath, nil)
	if err != nil {
		return entry
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return entry
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return entry
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return entry
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return entry
	}

	info, disabled, err := parseWellKnown(body, base)
	if err != nil {
		return entry
	}
	if disabled {
		entry.disabled = true
		return entry
	}
	entry.info = info
	return entry
}

// parseWellKnown validates a support document and resolves its URLs
// against base. Relative paths are joined to the domain origin;
// absolute URLs pass through.
func parseWellKnown(body []byte, base string) (*Info, bool, error) {
	var doc wellKnownDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false, fmt.Errorf("malformed support document: %w", err)
	}
	if doc.Disabled {
		return nil, true, nil
	}
	if doc.Authentication == "" || doc.Provisioning == "" || len(doc.PublicKey) == 0 {
		return nil, false, errors.New("support document missing required keys")
	}
	pk, err := assertion.ParsePublicKey(doc.PublicKey)
	if err != nil {
		return nil, false, fmt.Errorf("support document public key: %w", err)
	}
	return &Info{
		AuthenticationURL: resolveURL(base, doc.Authentication),
		ProvisioningURL:   resolveURL(base, doc.Provisioning),
		PublicKey:         pk,
	}, false, nil
}

func resolveURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return base + ref
}
