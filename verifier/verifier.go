// Package verifier validates certificate-plus-assertion bundles: the
// signature chain, issuer authority, expiry, and audience binding.
// Every failure carries a stable machine-checkable reason string;
// these are part of the external contract and are never rephrased.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/browserid/personad/assertion"
	"github.com/browserid/personad/discovery"
	"github.com/browserid/personad/internal/util"
)

// Reason strings shared with relying parties.
const (
	ReasonMalformed    = "malformed assertion"
	ReasonChaining     = "certificate chaining is not yet allowed"
	ReasonFailure      = "verification failure"
	ReasonUnverified   = "unverified email"
	reasonAudiencePref = "audience mismatch: "
)

// Error is a verification failure with a stable reason.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func failure(reason string) *Error { return &Error{Reason: reason} }

// Result is a successful verification outcome.
type Result struct {
	// Email is the certified address when the principal is verified;
	// otherwise UnverifiedEmail is set instead.
	Email           string
	UnverifiedEmail string
	Issuer          string
	Audience        string
	Expires         time.Time
}

// Address returns whichever address the result carries.
func (r *Result) Address() string {
	if r.Email != "" {
		return r.Email
	}
	return r.UnverifiedEmail
}

// Verifier checks bundles against this service's CA key and, for
// primary-issued certificates, against discovered issuer keys.
type Verifier struct {
	hostname       string
	caKey          *assertion.PublicKey
	discovery      *discovery.Discovery
	disablePrimary bool
}

// Option configures a Verifier.
type Option func(*Verifier)

// DisablePrimarySupport restricts the verifier to certificates issued
// by this service itself.
func DisablePrimarySupport() Option {
	return func(v *Verifier) { v.disablePrimary = true }
}

// New constructs a Verifier that trusts caKey for certificates issued
// as hostname and resolves all other issuers through disc.
func New(hostname string, caKey *assertion.PublicKey, disc *discovery.Discovery, opts ...Option) *Verifier {
	v := &Verifier{
		hostname:  hostname,
		caKey:     caKey,
		discovery: disc,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates a bundle against an RP-supplied audience at the
// given instant. allowUnverified permits principals certified as
// unverified-email; without it such bundles fail.
func (v *Verifier) Verify(ctx context.Context, bundle, audience string, now time.Time, allowUnverified bool) (*Result, error) {
	parsed, err := assertion.ParseBundle(bundle)
	if err != nil {
		return nil, failure(ReasonMalformed)
	}
	if len(parsed.Certificates) > 1 {
		return nil, failure(ReasonChaining)
	}
	certToken := parsed.Certificates[0]

	cert, err := assertion.PeekCertificate(certToken)
	if err != nil {
		return nil, failure(ReasonMalformed)
	}
	if cert.PublicKey == nil || cert.Principal.Address() == "" || cert.Issuer == "" {
		return nil, failure(ReasonMalformed)
	}

	// Assertion signature under the certified key.
	assert, err := assertion.ParseAssertion(parsed.Assertion, cert.PublicKey)
	if err != nil {
		if errors.Is(err, assertion.ErrBadSignature) {
			return nil, failure(ReasonFailure)
		}
		return nil, failure(ReasonMalformed)
	}

	// Certificate signature under the issuer's key.
	issuerKey, verr := v.issuerKey(ctx, cert.Issuer)
	if verr != nil {
		return nil, verr
	}
	if _, err := assertion.ParseCertificate(certToken, issuerKey); err != nil {
		if errors.Is(err, assertion.ErrBadSignature) {
			return nil, failure(ReasonFailure)
		}
		return nil, failure(ReasonMalformed)
	}

	// A primary may only vouch for addresses in its own domain.
	emailDomain := util.EmailDomain(cert.Principal.Address())
	if cert.Issuer != v.hostname && cert.Issuer != emailDomain {
		return nil, failure(fmt.Sprintf("issuer issue '%s' may not speak for emails from '%s'",
			cert.Issuer, emailDomain))
	}

	// Both the certificate and the assertion must still be live.
	if !expiresAfter(cert.ExpiresAt, now) || !expiresAfter(assert.ExpiresAt, now) {
		return nil, failure(ReasonFailure)
	}

	if reason := compareAudiences(assert.Audience(), audience); reason != "" {
		return nil, failure(reasonAudiencePref + reason)
	}

	res := &Result{
		Issuer:   cert.Issuer,
		Audience: assert.Audience(),
		Expires:  assert.ExpiresAt.Time,
	}
	if cert.Principal.Unverified() {
		if !allowUnverified {
			return nil, failure(ReasonUnverified)
		}
		res.UnverifiedEmail = cert.Principal.UnverifiedEmail
	} else {
		res.Email = cert.Principal.Email
	}
	return res, nil
}

func (v *Verifier) issuerKey(ctx context.Context, issuer string) (*assertion.PublicKey, *Error) {
	if issuer == v.hostname {
		return v.caKey, nil
	}
	if v.disablePrimary {
		return nil, failure("this verifier doesn't respect certs issued from domains other than: " + v.hostname)
	}
	key, err := v.discovery.PublicKey(ctx, issuer)
	if err != nil {
		return nil, failure("can't get public key for " + issuer)
	}
	return key, nil
}

func expiresAfter(exp *jwt.NumericDate, now time.Time) bool {
	return exp != nil && exp.Time.After(now)
}
