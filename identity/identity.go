// Package identity drives the per-email authentication state machine:
// deriving the externally visible state of an address, staging and
// redeeming verification secrets, and authenticating passwords with
// failed-attempt lockout.
package identity

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/browserid/personad/discovery"
	"github.com/browserid/personad/store"
)

var (
	// ErrNoSuchUser is returned when an email maps to no account.
	ErrNoSuchUser = errors.New("no such user")

	// ErrNoPassword is returned when the account has no password
	// credential to compare against.
	ErrNoPassword = errors.New("no password set for user")

	// ErrPasswordMismatch is returned on a wrong password.
	ErrPasswordMismatch = errors.New("password mismatch")

	// ErrAccountLocked is returned once the consecutive failure limit is
	// reached. Further attempts fail fast without touching the
	// credential until a reset flow clears the counter.
	ErrAccountLocked = errors.New("account locked")

	// ErrPasswordRequired is returned when redeeming a verification
	// token from a browsing context other than the one that staged it
	// without also proving the password. A stolen link alone must not
	// complete account creation or linkage.
	ErrPasswordRequired = errors.New("password required")

	// ErrTokenExpired is returned for a staged secret past its TTL.
	ErrTokenExpired = errors.New("verification token expired")

	// ErrThrottled is returned when an email is re-staged too quickly.
	ErrThrottled = errors.New("too many emails sent to that address, try again later")
)

const (
	// DefaultMaxFailedAuth locks the account after this many
	// consecutive password failures.
	DefaultMaxFailedAuth = 3

	// DefaultTokenTTL is the staged-secret lifetime.
	DefaultTokenTTL = 24 * time.Hour

	// DefaultStageInterval throttles re-staging of the same address.
	DefaultStageInterval = time.Minute

	// DefaultSeenWindow is how recently a domain must have worked as a
	// primary for its outage to read as "offline" rather than
	// non-adoption.
	DefaultSeenWindow = 30 * 24 * time.Hour
)

// Manager composes the account store and primary discovery into the
// email authentication state machine.
type Manager struct {
	store         store.Store
	discovery     *discovery.Discovery
	hostname      string
	logger        *slog.Logger
	bcryptCost    int
	maxFailedAuth int
	tokenTTL      time.Duration
	stageInterval time.Duration
	seenWindow    time.Duration
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBcryptCost sets the bcrypt work factor for new password hashes.
func WithBcryptCost(cost int) Option {
	return func(m *Manager) { m.bcryptCost = cost }
}

// WithMaxFailedAuth sets the consecutive-failure lockout threshold.
func WithMaxFailedAuth(n int) Option {
	return func(m *Manager) { m.maxFailedAuth = n }
}

// WithTokenTTL sets the staged-secret lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.tokenTTL = ttl }
}

// WithStageInterval sets the minimum time between stagings of one address.
func WithStageInterval(d time.Duration) Option {
	return func(m *Manager) { m.stageInterval = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager. hostname is this service's public hostname,
// reported as the issuer for secondary addresses.
func New(st store.Store, disc *discovery.Discovery, hostname string, opts ...Option) *Manager {
	m := &Manager{
		store:         st,
		discovery:     disc,
		hostname:      hostname,
		bcryptCost:    0, // resolved below so the option can override
		maxFailedAuth: DefaultMaxFailedAuth,
		tokenTTL:      DefaultTokenTTL,
		stageInterval: DefaultStageInterval,
		seenWindow:    DefaultSeenWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bcryptCost == 0 {
		m.bcryptCost = defaultBcryptCost
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return m
}
