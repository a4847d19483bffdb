// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full personad configuration, loaded from PERSONAD_*
// environment variables with flag overrides applied by the CLI.
type Config struct {
	// Hostname is the public hostname this service certifies for. It
	// appears as the issuer in every certificate it mints.
	Hostname string `env:"PERSONAD_HOSTNAME" envDefault:"localhost"`

	// PublicURL is the externally visible origin, used to resolve
	// relative URLs in the served support document.
	PublicURL string `env:"PERSONAD_PUBLIC_URL" envDefault:"http://localhost:8080"`

	// Addr is the listen address.
	Addr string `env:"PERSONAD_ADDR" envDefault:":8080"`

	// VarDir holds key material and file-backed state.
	VarDir string `env:"PERSONAD_VAR_DIR" envDefault:"var"`

	// Backend selects the account store: memory, bolt, or sqlite.
	Backend string `env:"PERSONAD_BACKEND" envDefault:"memory"`

	// BoltPath is the bbolt database file when Backend is bolt.
	BoltPath string `env:"PERSONAD_BOLT_PATH" envDefault:"var/personad.db"`

	// SQLitePath is the database file when Backend is sqlite.
	SQLitePath string `env:"PERSONAD_SQLITE_PATH" envDefault:"var/personad.sqlite"`

	// CertValidity caps how long a minted certificate lives.
	CertValidity time.Duration `env:"PERSONAD_CERT_VALIDITY" envDefault:"24h"`

	// SessionDuration is the long-lived session length.
	SessionDuration time.Duration `env:"PERSONAD_SESSION_DURATION" envDefault:"336h"`

	// EphemeralSessionDuration is the session length on untrusted
	// machines.
	EphemeralSessionDuration time.Duration `env:"PERSONAD_EPHEMERAL_SESSION_DURATION" envDefault:"1h"`

	// TokenTTL is the verification-token lifetime.
	TokenTTL time.Duration `env:"PERSONAD_TOKEN_TTL" envDefault:"24h"`

	// StageInterval throttles repeated staging of one address.
	StageInterval time.Duration `env:"PERSONAD_STAGE_INTERVAL" envDefault:"1m"`

	// MaxFailedAuth locks an account after this many consecutive
	// password failures.
	MaxFailedAuth int `env:"PERSONAD_MAX_FAILED_AUTH" envDefault:"3"`

	// BcryptCost is the password hashing work factor; 0 takes the
	// library default.
	BcryptCost int `env:"PERSONAD_BCRYPT_COST" envDefault:"0"`

	// DiscoveryTTL caches support documents for this long.
	DiscoveryTTL time.Duration `env:"PERSONAD_DISCOVERY_TTL" envDefault:"6h"`

	// DiscoveryTimeout bounds a single support-document fetch.
	DiscoveryTimeout time.Duration `env:"PERSONAD_DISCOVERY_TIMEOUT" envDefault:"10s"`

	// DiscoveryScheme is http or https for well-known fetches; http is
	// for local testing only.
	DiscoveryScheme string `env:"PERSONAD_DISCOVERY_SCHEME" envDefault:"https"`

	// Shims pins domains to fixed support-document locations, each as
	// "domain|origin|path".
	Shims []string `env:"PERSONAD_SHIMS" envSeparator:","`

	// Proxies delegates discovery for domains to a proxy authority,
	// each as "domain=authority".
	Proxies map[string]string `env:"PERSONAD_PROXIES"`

	// DisablePrimarySupport makes the verifier reject certificates from
	// any issuer but this host.
	DisablePrimarySupport bool `env:"PERSONAD_DISABLE_PRIMARY_SUPPORT" envDefault:"false"`

	// AllowUnverified accepts assertions over unverified addresses when
	// the relying party asks for them.
	AllowUnverified bool `env:"PERSONAD_ALLOW_UNVERIFIED" envDefault:"false"`

	// SigningWorkers sizes the certificate signing pool.
	SigningWorkers int `env:"PERSONAD_SIGNING_WORKERS" envDefault:"2"`

	// SigningTimeout bounds a single certificate signing request.
	SigningTimeout time.Duration `env:"PERSONAD_SIGNING_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
