package assertion

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
)

// ErrInvalidPublicKey is returned when a serialized public key cannot be
// decoded or does not describe a valid P-256 curve point.
var ErrInvalidPublicKey = errors.New("invalid public key")

// PublicKey wraps an ECDSA P-256 public key together with the JSON
// serialization used in .well-known/browserid documents and in the
// "public-key" claim of certificates.
type PublicKey struct {
	Key *ecdsa.PublicKey
}

type publicKeyJSON struct {
	Algorithm string `json:"algorithm"`
	X         string `json:"x"`
	Y         string `json:"y"`
}

// algES identifies ECDSA keys in serialized form.
const algES = "ES"

// NewPublicKey wraps an ecdsa.PublicKey.
func NewPublicKey(key *ecdsa.PublicKey) *PublicKey {
	return &PublicKey{Key: key}
}

// MarshalJSON serializes the key as {"algorithm":"ES","x":...,"y":...}
// with base64url-encoded coordinates.
func (pk *PublicKey) MarshalJSON() ([]byte, error) {
	if pk == nil || pk.Key == nil {
		return nil, ErrInvalidPublicKey
	}
	return json.Marshal(publicKeyJSON{
		Algorithm: algES,
		X:         base64.RawURLEncoding.EncodeToString(pk.Key.X.Bytes()),
		Y:         base64.RawURLEncoding.EncodeToString(pk.Key.Y.Bytes()),
	})
}

// UnmarshalJSON decodes a serialized key and validates that it names a
// point on the P-256 curve.
func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	var raw publicKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Algorithm != algES {
		return ErrInvalidPublicKey
	}
	xb, err := base64.RawURLEncoding.DecodeString(raw.X)
	if err != nil {
		return ErrInvalidPublicKey
	}
	yb, err := base64.RawURLEncoding.DecodeString(raw.Y)
	if err != nil {
		return ErrInvalidPublicKey
	}
	key := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return ErrInvalidPublicKey
	}
	pk.Key = key
	return nil
}

// ParsePublicKey decodes a serialized public key document.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	var pk PublicKey
	if err := json.Unmarshal(data, &pk); err != nil {
		return nil, err
	}
	return &pk, nil
}

// Equal reports whether two public keys name the same curve point.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil || pk.Key == nil || other.Key == nil {
		return false
	}
	return pk.Key.Equal(other.Key)
}
