// Package store defines the account storage contract: accounts, email
// address bindings, staged verification secrets, and failed-auth
// counters. Backends are selected once at process start; every
// implementation must keep read-modify-write operations on a single
// account or email key atomic.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an account or email does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTokenNotFound is returned when a verification token is unknown,
	// already redeemed, or superseded by a later staging.
	ErrTokenNotFound = errors.New("verification token not found")

	// ErrUnavailable is returned when the backend cannot be reached.
	// It must never be collapsed into a lookup miss: "try again" and
	// "not an identity" are different answers.
	ErrUnavailable = errors.New("storage unavailable")
)

// EmailType records how an address was established or last used.
type EmailType string

const (
	TypePrimary   EmailType = "primary"
	TypeSecondary EmailType = "secondary"
	TypeNone      EmailType = "none"
)

// SiteInfo is the relying-party metadata captured when staging.
type SiteInfo struct {
	Origin   string `json:"origin"`
	Branding string `json:"branding,omitempty"`
}

// Staged is a pending verification secret.
type Staged struct {
	Token        string    `json:"token"`
	Email        string    `json:"email"`
	AccountID    int64     `json:"account_id"` // 0 = creates a new account
	PasswordHash string    `json:"password_hash,omitempty"`
	// NeedsPassword reports that redemption must supply a password:
	// no candidate hash was staged and the target account has none.
	NeedsPassword bool      `json:"needs_password"`
	Site          SiteInfo  `json:"site"`
	CreatedAt     time.Time `json:"created_at"`
}

// EmailInfo is everything the state machine derives from.
type EmailInfo struct {
	AccountID   int64
	Type        EmailType
	LastUsedAs  EmailType
	Verified    bool
	HasPassword bool
}

// Credentials is an account's password hash plus its consecutive
// failed-auth count.
type Credentials struct {
	PasswordHash string
	FailedAuth   int
}

// Store is the account storage contract. Implementations exist for
// in-memory maps, an embedded bolt file, and sqlite.
type Store interface {
	// StageUser stages account creation for email with a candidate
	// password hash, returning a fresh single-use token. Re-staging the
	// same email invalidates the prior token; the newest non-empty
	// candidate password wins.
	StageUser(ctx context.Context, email, passwordHash string, site SiteInfo) (string, error)

	// StageEmail stages adding email to an existing account. The
	// candidate password is deferred to redemption.
	StageEmail(ctx context.Context, accountID int64, email string, site SiteInfo) (string, error)

	// LastStaged reports when email was last staged; zero when never.
	LastStaged(ctx context.Context, email string) (time.Time, error)

	// EmailForToken returns the staged record for an unredeemed token.
	// Idempotent until redemption; afterwards ErrTokenNotFound.
	EmailForToken(ctx context.Context, token string) (*Staged, error)

	// CompleteCreation redeems a token: creates or reuses the linked
	// account, applies passwordHash (or the staged candidate when
	// passwordHash is empty), binds the email as a verified secondary,
	// clears the failed-auth counter, and burns the token. The binding
	// steals the email from a prior owner if necessary.
	CompleteCreation(ctx context.Context, token, passwordHash string) (int64, error)

	EmailKnown(ctx context.Context, email string) (bool, error)
	EmailInfo(ctx context.Context, email string) (*EmailInfo, error)
	EmailType(ctx context.Context, email string) (EmailType, error)
	EmailToAccount(ctx context.Context, email string) (int64, error)
	UpdateEmailLastUsedAs(ctx context.Context, email string, as EmailType) error

	// CheckAuth returns the account's credential state.
	CheckAuth(ctx context.Context, accountID int64) (*Credentials, error)
	UpdatePassword(ctx context.Context, accountID int64, passwordHash string) error

	// IncrementFailedAuth atomically bumps and returns the consecutive
	// failed-auth count.
	IncrementFailedAuth(ctx context.Context, accountID int64) (int, error)
	ResetFailedAuth(ctx context.Context, accountID int64) error

	RemoveEmail(ctx context.Context, accountID int64, email string) error

	// CancelAccount destroys an account and cascades to its emails and
	// staged secrets.
	CancelAccount(ctx context.Context, accountID int64) error

	// CreateUserWithPrimaryEmail creates an account owning email as a
	// verified primary address.
	CreateUserWithPrimaryEmail(ctx context.Context, email string) (int64, error)

	// AddPrimaryEmailToAccount binds email to accountID as a primary
	// address, stealing it from a prior owner if present.
	AddPrimaryEmailToAccount(ctx context.Context, accountID int64, email string) error

	Close() error
}
