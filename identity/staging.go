package identity

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/browserid/personad/internal/util"
	"github.com/browserid/personad/store"
)

// StageUser stages account creation for a new secondary address with a
// candidate password, returning the single-use verification token.
// Re-staging the same address supersedes the prior token; the latest
// password wins.
func (m *Manager) StageUser(ctx context.Context, email, password string, site store.SiteInfo) (string, error) {
	norm, err := util.NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	if err := m.checkThrottle(ctx, norm); err != nil {
		return "", err
	}
	hash, err := m.hashPassword(password)
	if err != nil {
		return "", err
	}
	token, err := m.store.StageUser(ctx, norm, hash, site)
	if err != nil {
		return "", err
	}
	m.logger.Info("staged user creation", "email", norm, "site", site.Origin)
	return token, nil
}

// StageEmail stages adding an address to an existing account. No
// candidate password is captured; the account's existing password (or
// one supplied at redemption) applies.
func (m *Manager) StageEmail(ctx context.Context, accountID int64, email string, site store.SiteInfo) (string, error) {
	norm, err := util.NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	if err := m.checkThrottle(ctx, norm); err != nil {
		return "", err
	}
	token, err := m.store.StageEmail(ctx, accountID, norm, site)
	if err != nil {
		return "", err
	}
	m.logger.Info("staged email addition", "email", norm, "account_id", accountID)
	return token, nil
}

// StageExisting stages re-proof of a known address: the reset flow and
// the transition-to-secondary flow both ride this. An optional new
// password may be staged alongside.
func (m *Manager) StageExisting(ctx context.Context, email, password string, site store.SiteInfo) (string, error) {
	norm, err := util.NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	accountID, err := m.store.EmailToAccount(ctx, norm)
	if err != nil {
		return "", err
	}
	if err := m.checkThrottle(ctx, norm); err != nil {
		return "", err
	}
	if password != "" {
		// Stage the candidate hash first; the account link below
		// inherits it and its token supersedes this one.
		hash, err := m.hashPassword(password)
		if err != nil {
			return "", err
		}
		if _, err := m.store.StageUser(ctx, norm, hash, site); err != nil {
			return "", err
		}
	}
	token, err := m.store.StageEmail(ctx, accountID, norm, site)
	if err != nil {
		return "", err
	}
	m.logger.Info("staged re-verification", "email", norm, "account_id", accountID)
	return token, nil
}

// EmailForToken returns the staged record behind an unredeemed token,
// enforcing the token TTL. Repeated calls are idempotent until the
// token is redeemed.
func (m *Manager) EmailForToken(ctx context.Context, token string) (*store.Staged, error) {
	staged, err := m.store.EmailForToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if m.now().Sub(staged.CreatedAt) > m.tokenTTL {
		return nil, ErrTokenExpired
	}
	return staged, nil
}

// Complete redeems a verification token. sameBrowser reports whether
// the redeeming context is the one that staged the secret (matching
// session); redemption from elsewhere must additionally prove the
// password, otherwise a stolen link would suffice. On success the
// email is bound verified, type and last-used-as move to secondary in
// one step, and any lockout is cleared.
func (m *Manager) Complete(ctx context.Context, token, password string, sameBrowser bool) (int64, error) {
	staged, err := m.EmailForToken(ctx, token)
	if err != nil {
		return 0, err
	}

	if !sameBrowser {
		if password == "" {
			return 0, ErrPasswordRequired
		}
		if err := m.proveStagedPassword(ctx, staged, password); err != nil {
			return 0, err
		}
	}

	var override string
	if staged.NeedsPassword {
		if password == "" {
			return 0, ErrPasswordRequired
		}
		if override, err = m.hashPassword(password); err != nil {
			return 0, err
		}
	}

	accountID, err := m.store.CompleteCreation(ctx, token, override)
	if err != nil {
		return 0, err
	}
	m.logger.Info("verification complete", "email", staged.Email, "account_id", accountID)
	return accountID, nil
}

// proveStagedPassword checks a supplied password against the staged
// candidate hash, falling back to the linked account's password.
func (m *Manager) proveStagedPassword(ctx context.Context, staged *store.Staged, password string) error {
	hash := staged.PasswordHash
	if hash == "" && staged.AccountID != 0 {
		creds, err := m.store.CheckAuth(ctx, staged.AccountID)
		if err != nil {
			return err
		}
		hash = creds.PasswordHash
	}
	if hash == "" {
		return ErrPasswordRequired
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrPasswordRequired
	}
	return nil
}

func (m *Manager) checkThrottle(ctx context.Context, email string) error {
	last, err := m.store.LastStaged(ctx, email)
	if err != nil {
		return err
	}
	if !last.IsZero() && m.now().Sub(last) < m.stageInterval {
		return fmt.Errorf("%w: %s", ErrThrottled, email)
	}
	return nil
}
