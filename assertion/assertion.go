// Package assertion defines the wire format shared by the certificate
// authority and the verifier: certificates binding a public key to an
// email principal, audience-bound assertions, and the bundle encoding
// that carries both to a relying party.
package assertion

import (
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// bundleDelimiter separates the compact-serialized certificates and the
// trailing assertion inside a bundle.
const bundleDelimiter = "~"

var (
	// ErrMalformedBundle is returned when a bundle string cannot be split
	// into at least one certificate and a trailing assertion.
	ErrMalformedBundle = errors.New("malformed bundle")

	// ErrBadSignature is returned when a token's signature does not verify
	// under the given key.
	ErrBadSignature = errors.New("signature verification failed")
)

// Principal identifies the email address a certificate speaks for.
// Exactly one of Email or UnverifiedEmail is set.
type Principal struct {
	Email           string `json:"email,omitempty"`
	UnverifiedEmail string `json:"unverified-email,omitempty"`
}

// Address returns whichever address the principal carries.
func (p Principal) Address() string {
	if p.Email != "" {
		return p.Email
	}
	return p.UnverifiedEmail
}

// Unverified reports whether the principal carries an unverified email.
func (p Principal) Unverified() bool {
	return p.Email == "" && p.UnverifiedEmail != ""
}

// CertificateClaims is the payload of a certificate: issuer, validity
// window, the certified public key and the principal it is bound to.
type CertificateClaims struct {
	PublicKey *PublicKey `json:"public-key"`
	Principal Principal  `json:"principal"`
	jwt.RegisteredClaims
}

// AssertionClaims is the payload of a user assertion: an audience and an
// expiry, signed by the ephemeral key named in the trailing certificate.
type AssertionClaims struct {
	jwt.RegisteredClaims
}

// Audience returns the single audience the assertion is bound to, or an
// empty string when none is present.
func (a *AssertionClaims) Audience() string {
	if len(a.RegisteredClaims.Audience) == 0 {
		return ""
	}
	return a.RegisteredClaims.Audience[0]
}

// Bundle is an ordered list of certificates plus one trailing assertion.
type Bundle struct {
	Certificates []string
	Assertion    string
}

// ParseBundle splits a bundle string into its certificates and assertion.
func ParseBundle(s string) (*Bundle, error) {
	parts := strings.Split(s, bundleDelimiter)
	if len(parts) < 2 {
		return nil, ErrMalformedBundle
	}
	for _, p := range parts {
		if p == "" {
			return nil, ErrMalformedBundle
		}
	}
	return &Bundle{
		Certificates: parts[:len(parts)-1],
		Assertion:    parts[len(parts)-1],
	}, nil
}

// String re-encodes the bundle into its wire form.
func (b *Bundle) String() string {
	return strings.Join(append(append([]string(nil), b.Certificates...), b.Assertion), bundleDelimiter)
}

// SignCertificate produces the compact serialization of a certificate
// signed with the issuer's private key.
func SignCertificate(key *ecdsa.PrivateKey, claims *CertificateClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
}

// SignAssertion produces the compact serialization of an assertion signed
// with the subject's ephemeral private key.
func SignAssertion(key *ecdsa.PrivateKey, claims *AssertionClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
}

// parser accepts only ES256 and leaves temporal validation to the caller:
// the verifier checks expiry itself against a caller-supplied clock so
// that the distinct failure reasons stay ordered.
var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
	jwt.WithoutClaimsValidation(),
)

// PeekCertificate decodes certificate claims without verifying the
// signature. Callers must follow up with ParseCertificate once the
// issuer's key is known.
func PeekCertificate(token string) (*CertificateClaims, error) {
	claims := &CertificateClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseCertificate decodes certificate claims and verifies the signature
// under the issuer's public key.
func ParseCertificate(token string, issuerKey *PublicKey) (*CertificateClaims, error) {
	if issuerKey == nil || issuerKey.Key == nil {
		return nil, ErrInvalidPublicKey
	}
	claims := &CertificateClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return issuerKey.Key, nil
	})
	if err != nil {
		return nil, badSignatureOr(err)
	}
	return claims, nil
}

// PeekAssertion decodes assertion claims without verifying the signature.
func PeekAssertion(token string) (*AssertionClaims, error) {
	claims := &AssertionClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseAssertion decodes assertion claims and verifies the signature
// under the certified public key.
func ParseAssertion(token string, subjectKey *PublicKey) (*AssertionClaims, error) {
	if subjectKey == nil || subjectKey.Key == nil {
		return nil, ErrInvalidPublicKey
	}
	claims := &AssertionClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return subjectKey.Key, nil
	})
	if err != nil {
		return nil, badSignatureOr(err)
	}
	return claims, nil
}

func badSignatureOr(err error) error {
	if errors.Is(err, jwt.ErrSignatureInvalid) || errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return ErrBadSignature
	}
	return err
}
