package identity

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/browserid/personad/internal/util"
	"github.com/browserid/personad/store"
)

const defaultBcryptCost = bcrypt.DefaultCost

// Authenticate checks a password for the account owning email and
// returns the account id. The lockout check runs before the hash
// comparison, so a locked account rejects even the correct password.
// A wrong password bumps the failure counter; a success clears it and
// transparently re-hashes the credential if the configured work factor
// has moved.
func (m *Manager) Authenticate(ctx context.Context, email, password string) (int64, error) {
	norm, err := util.NormalizeEmail(email)
	if err != nil {
		return 0, err
	}
	accountID, err := m.store.EmailToAccount(ctx, norm)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrNoSuchUser
		}
		return 0, err
	}
	creds, err := m.store.CheckAuth(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if creds.FailedAuth >= m.maxFailedAuth {
		return 0, ErrAccountLocked
	}
	if creds.PasswordHash == "" {
		return 0, ErrNoPassword
	}
	if bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)) != nil {
		failures, err := m.store.IncrementFailedAuth(ctx, accountID)
		if err != nil {
			return 0, err
		}
		m.logger.Warn("password mismatch", "email", norm, "failures", failures)
		if failures >= m.maxFailedAuth {
			m.logger.Warn("account locked", "email", norm, "account_id", accountID)
		}
		return 0, ErrPasswordMismatch
	}
	if creds.FailedAuth > 0 {
		if err := m.store.ResetFailedAuth(ctx, accountID); err != nil {
			return 0, err
		}
	}
	m.maybeUpgradeHash(ctx, accountID, creds.PasswordHash, password)
	if err := m.store.UpdateEmailLastUsedAs(ctx, norm, store.TypeSecondary); err != nil {
		return 0, err
	}
	return accountID, nil
}

// UpdatePassword changes the account password after proving the old
// one. The lockout counter applies here as well.
func (m *Manager) UpdatePassword(ctx context.Context, accountID int64, oldPassword, newPassword string) error {
	creds, err := m.store.CheckAuth(ctx, accountID)
	if err != nil {
		return err
	}
	if creds.FailedAuth >= m.maxFailedAuth {
		return ErrAccountLocked
	}
	if creds.PasswordHash == "" {
		return ErrNoPassword
	}
	if bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(oldPassword)) != nil {
		if _, err := m.store.IncrementFailedAuth(ctx, accountID); err != nil {
			return err
		}
		return ErrPasswordMismatch
	}
	hash, err := m.hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := m.store.UpdatePassword(ctx, accountID, hash); err != nil {
		return err
	}
	m.logger.Info("password updated", "account_id", accountID)
	return nil
}

// ProvisionPrimary records a successful primary-protocol sign-in for
// email, creating the account on first contact. The address is bound
// verified with type and last-used-as primary.
func (m *Manager) ProvisionPrimary(ctx context.Context, email string) (int64, error) {
	norm, err := util.NormalizeEmail(email)
	if err != nil {
		return 0, err
	}
	accountID, err := m.store.EmailToAccount(ctx, norm)
	if errors.Is(err, store.ErrNotFound) {
		accountID, err = m.store.CreateUserWithPrimaryEmail(ctx, norm)
		if err != nil {
			return 0, err
		}
		m.logger.Info("account created via primary", "email", norm, "account_id", accountID)
		return accountID, nil
	}
	if err != nil {
		return 0, err
	}
	if err := m.store.AddPrimaryEmailToAccount(ctx, accountID, norm); err != nil {
		return 0, err
	}
	return accountID, nil
}

// AddPrimaryToAccount binds a primary-verified address to an existing
// signed-in account, stealing it from any other account it was bound
// to.
func (m *Manager) AddPrimaryToAccount(ctx context.Context, accountID int64, email string) error {
	norm, err := util.NormalizeEmail(email)
	if err != nil {
		return err
	}
	return m.store.AddPrimaryEmailToAccount(ctx, accountID, norm)
}

// RemoveEmail unbinds an address from the account that owns it.
func (m *Manager) RemoveEmail(ctx context.Context, accountID int64, email string) error {
	norm, err := util.NormalizeEmail(email)
	if err != nil {
		return err
	}
	owner, err := m.store.EmailToAccount(ctx, norm)
	if err != nil {
		return err
	}
	if owner != accountID {
		return fmt.Errorf("%w: %s", store.ErrNotFound, norm)
	}
	if err := m.store.RemoveEmail(ctx, accountID, norm); err != nil {
		return err
	}
	m.logger.Info("email removed", "email", norm, "account_id", accountID)
	return nil
}

// CancelAccount deletes the account and everything hanging off it.
func (m *Manager) CancelAccount(ctx context.Context, accountID int64) error {
	if err := m.store.CancelAccount(ctx, accountID); err != nil {
		return err
	}
	m.logger.Info("account cancelled", "account_id", accountID)
	return nil
}

func (m *Manager) hashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// maybeUpgradeHash re-hashes the credential at the configured cost
// after a successful login when the stored hash was produced at a
// different cost. Failures are logged and ignored; the login already
// succeeded.
func (m *Manager) maybeUpgradeHash(ctx context.Context, accountID int64, hash, password string) {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil || cost == m.bcryptCost {
		return
	}
	fresh, err := bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
	if err != nil {
		return
	}
	if err := m.store.UpdatePassword(ctx, accountID, string(fresh)); err != nil {
		m.logger.Warn("password re-hash failed", "account_id", accountID, "error", err)
		return
	}
	m.logger.Info("password re-hashed", "account_id", accountID, "from_cost", cost, "to_cost", m.bcryptCost)
}
