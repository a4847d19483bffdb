// Package ca implements the certificate authority: it signs short-lived
// certificates binding a user-supplied public key to an email principal
// under the service's own signing key.
package ca

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/browserid/personad/assertion"
	"github.com/browserid/personad/secrets"
)

// DefaultValidity caps certificate lifetimes when the caller does not
// ask for a shorter one.
const DefaultValidity = 24 * time.Hour

var (
	// ErrInvalidExpiration is returned when the requested validity period
	// resolves to a non-positive duration.
	ErrInvalidExpiration = errors.New("invalid expiration")

	// ErrMissingPublicKey is returned when no public key accompanies a
	// certify request.
	ErrMissingPublicKey = errors.New("missing public key")
)

// Request carries the parameters of a single certify call. ForceIssuer
// overrides the issuer name recorded in the certificate; it is used by
// deployments that certify on behalf of a delegated hostname.
type Request struct {
	Email       string
	PublicKey   *assertion.PublicKey
	Validity    time.Duration
	Unverified  bool
	ForceIssuer string
}

// Authority signs certificates with the service's long-lived key.
type Authority struct {
	hostname string
	key      *ecdsa.PrivateKey
	public   *assertion.PublicKey
	now      func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// New loads the signing key from the secret store. Failure here is fatal
// to the process: an identity service must not start without its key.
func New(store *secrets.Store, hostname string, opts ...Option) (*Authority, error) {
	key, err := store.SigningKey()
	if err != nil {
		return nil, fmt.Errorf("loading CA signing key: %w", err)
	}
	a := &Authority{
		hostname: hostname,
		key:      key,
		public:   store.PublicKey(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Hostname returns the issuer name this authority signs as by default.
func (a *Authority) Hostname() string {
	return a.hostname
}

// PublicKey returns the verification key matching the authority's
// signing key.
func (a *Authority) PublicKey() *assertion.PublicKey {
	return a.public
}

// Certify signs a certificate binding req.PublicKey to req.Email. The
// principal is recorded as unverified-email when req.Unverified is set;
// callers are responsible for refusing unverified certification of
// secondary addresses unless explicitly requested.
func (a *Authority) Certify(req Request) (string, error) {
	if req.Validity <= 0 {
		return "", ErrInvalidExpiration
	}
	if req.PublicKey == nil || req.PublicKey.Key == nil {
		return "", ErrMissingPublicKey
	}

	issuer := req.ForceIssuer
	if issuer == "" {
		issuer = a.hostname
	}

	principal := assertion.Principal{Email: req.Email}
	if req.Unverified {
		principal = assertion.Principal{UnverifiedEmail: req.Email}
	}

	now := a.now()
	claims := &assertion.CertificateClaims{
		PublicKey: req.PublicKey,
		Principal: principal,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.Validity)),
		},
	}
	cert, err := assertion.SignCertificate(a.key, claims)
	if err != nil {
		return "", fmt.Errorf("signing certificate: %w", err)
	}
	return cert, nil
}
