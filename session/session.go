// Package session issues and validates signed browser session tokens.
// A session carries the signed-in account, the strength of the proof
// that established it, and an anti-forgery secret bound to the
// session rather than the cookie jar.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/browserid/personad/internal/util"
)

// Level is the strength of the proof that established a session.
type Level string

const (
	// LevelAssertion marks a session established by a verified
	// assertion. It cannot exercise password-guarded operations.
	LevelAssertion Level = "assertion"

	// LevelPassword marks a session established with the account
	// password.
	LevelPassword Level = "password"

	// LevelPrimary marks a session established through a primary
	// authority's own sign-in flow. It ranks with password.
	LevelPrimary Level = "primary"
)

// AtLeast reports whether l provides at least the strength of want.
func (l Level) AtLeast(want Level) bool {
	return rank(l) >= rank(want)
}

func rank(l Level) int {
	switch l {
	case LevelPassword, LevelPrimary:
		return 2
	case LevelAssertion:
		return 1
	default:
		return 0
	}
}

const (
	// DefaultDuration is the long-lived session length for users who
	// asked to be remembered.
	DefaultDuration = 14 * 24 * time.Hour

	// DefaultEphemeralDuration is the session length on shared or
	// untrusted machines.
	DefaultEphemeralDuration = time.Hour

	csrfLength = 24
)

var (
	// ErrInvalidSession is returned for tokens that fail signature or
	// claim validation, including expiry.
	ErrInvalidSession = errors.New("invalid session")
)

// Claims is the session token payload.
type Claims struct {
	AccountID  int64  `json:"uid"`
	Level      Level  `json:"level"`
	CSRF       string `json:"csrf"`
	DurationMS int64  `json:"duration_ms"`
	jwt.RegisteredClaims
}

// Duration returns the session length the token was minted with.
func (c *Claims) Duration() time.Duration {
	return time.Duration(c.DurationMS) * time.Millisecond
}

// Manager mints and validates session tokens with an HMAC secret.
type Manager struct {
	secret    []byte
	issuer    string
	duration  time.Duration
	ephemeral time.Duration
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDuration sets the long-lived session length.
func WithDuration(d time.Duration) Option {
	return func(m *Manager) { m.duration = d }
}

// WithEphemeralDuration sets the ephemeral session length.
func WithEphemeralDuration(d time.Duration) Option {
	return func(m *Manager) { m.ephemeral = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager signing with secret and naming issuer in
// minted tokens.
func New(secret []byte, issuer string, opts ...Option) *Manager {
	m := &Manager{
		secret:    secret,
		issuer:    issuer,
		duration:  DefaultDuration,
		ephemeral: DefaultEphemeralDuration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Authenticate mints a session for accountID at the given level. An
// ephemeral session expires quickly regardless of activity prolonging
// it.
func (m *Manager) Authenticate(accountID int64, level Level, ephemeral bool) (string, *Claims, error) {
	d := m.duration
	if ephemeral {
		d = m.ephemeral
	}
	csrf, err := util.RandomChars(csrfLength)
	if err != nil {
		return "", nil, err
	}
	return m.mint(accountID, level, csrf, d)
}

// Validate parses and verifies a session token.
func (m *Manager) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// Prolong upgrades a valid session to the long duration in place:
// same identity and anti-forgery secret, fresh expiry. The returned
// token is always distinct from the input.
func (m *Manager) Prolong(token string) (string, *Claims, error) {
	claims, err := m.Validate(token)
	if err != nil {
		return "", nil, err
	}
	return m.mint(claims.AccountID, claims.Level, claims.CSRF, m.duration)
}

// Logout mints an expired anonymous token to overwrite the client's
// session cookie.
func (m *Manager) Logout() (string, error) {
	now := m.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing session: %w", err)
	}
	return token, nil
}

func (m *Manager) mint(accountID int64, level Level, csrf string, d time.Duration) (string, *Claims, error) {
	now := m.now()
	claims := &Claims{
		AccountID:  accountID,
		Level:      level,
		CSRF:       csrf,
		DurationMS: d.Milliseconds(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing session: %w", err)
	}
	return token, claims, nil
}
