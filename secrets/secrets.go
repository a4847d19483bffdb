// Package secrets manages the service's long-lived signing keypair and
// per-purpose random secrets. The private key is kept sealed in a
// memguard enclave between load and use so that key material never sits
// in plain heap memory longer than necessary.
package secrets

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/browserid/personad/assertion"
	"github.com/browserid/personad/internal/util"
)

const (
	signingKeyFile = "root.key"
	publicKeyFile  = "root.pub"

	secretBytes = 32
)

var (
	// ErrNoSigningKey is returned when the signing keypair is absent. The
	// process must not serve without one; callers treat this as fatal.
	ErrNoSigningKey = errors.New("signing keypair not found")

	// ErrInvalidKeyPEM is returned when on-disk key material cannot be
	// decoded.
	ErrInvalidKeyPEM = errors.New("invalid signing key PEM")
)

// Store loads and caches the service's secrets from a var directory.
type Store struct {
	dir     string
	enclave *memguard.Enclave
	public  *assertion.PublicKey

	mu      sync.Mutex
	secrets map[string][]byte
}

// Load opens the secret store rooted at dir. The signing keypair must
// already exist; ErrNoSigningKey is returned otherwise.
func Load(dir string) (*Store, error) {
	pemBytes, err := os.ReadFile(filepath.Join(dir, signingKeyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSigningKey, dir)
		}
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	key, err := parseSigningKeyPEM(pemBytes)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:     dir,
		enclave: memguard.NewEnclave(pemBytes),
		public:  assertion.NewPublicKey(&key.PublicKey),
		secrets: make(map[string][]byte),
	}
	return s, nil
}

// LoadOrCreate opens the secret store rooted at dir, generating a fresh
// signing keypair when none exists.
func LoadOrCreate(dir string) (*Store, error) {
	s, err := Load(dir)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNoSigningKey) {
		return nil, err
	}
	if err := GenerateKeyPair(dir); err != nil {
		return nil, err
	}
	return Load(dir)
}

// GenerateKeyPair writes a new P-256 signing keypair under dir. The
// private key is written 0600; the serialized public key sits alongside
// for publication in the .well-known document.
func GenerateKeyPair(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating secrets directory: %w", err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding signing key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, signingKeyFile), pemBytes, 0o600); err != nil {
		return fmt.Errorf("writing signing key: %w", err)
	}
	pubJSON, err := assertion.NewPublicKey(&key.PublicKey).MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pubJSON, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// SigningKey opens the sealed private key. The caller owns the returned
// key for the life of the process; the enclave keeps the PEM encrypted
// at rest in memory.
func (s *Store) SigningKey() (*ecdsa.PrivateKey, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening signing key enclave: %w", err)
	}
	defer buf.Destroy()
	return parseSigningKeyPEM(buf.Bytes())
}

// PublicKey returns the service's serializable public signing key.
func (s *Store) PublicKey() *assertion.PublicKey {
	return s.public
}

// Secret returns the named per-purpose secret, generating and persisting
// a fresh 32-byte value on first use. Purpose names become file names,
// so they are restricted to lowercase identifiers.
func (s *Store) Secret(purpose string) ([]byte, error) {
	if purpose == "" || strings.ContainsAny(purpose, "/. ") {
		return nil, fmt.Errorf("invalid secret purpose %q", purpose)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.secrets[purpose]; ok {
		return v, nil
	}

	path := filepath.Join(s.dir, purpose+".secret")
	data, err := os.ReadFile(path)
	if err == nil {
		v, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, fmt.Errorf("decoding %s secret: %w", purpose, decErr)
		}
		s.secrets[purpose] = v
		return v, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s secret: %w", purpose, err)
	}

	v, err := util.RandomBytes(secretBytes)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(v)), 0o600); err != nil {
		return nil, fmt.Errorf("writing %s secret: %w", purpose, err)
	}
	s.secrets[purpose] = v
	return v, nil
}

func parseSigningKeyPEM(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, ErrInvalidKeyPEM
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
	}
	return key, nil
}
