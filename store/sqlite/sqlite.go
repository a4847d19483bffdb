// Package sqlite provides a SQL-backed implementation of store.Store
// using the modernc sqlite driver. Token redemption and counter
// updates run inside transactions so that concurrent attempts on the
// same key cannot double-spend a token or corrupt the lockout count.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/browserid/personad/internal/util"
	"github.com/browserid/personad/store"
)

//go:embed schema.sql
var schema string

// Store implements store.Store over a sqlite database.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) a sqlite store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent request handling.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// wrap converts driver-level failures into ErrUnavailable so callers
// can distinguish "backend down" from "no such record".
func wrap(err error) error {
	if err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrTokenNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func (s *Store) stage(ctx context.Context, email string, accountID int64, passwordHash string, site store.SiteInfo) (string, error) {
	token, err := util.RandomToken()
	if err != nil {
		return "", err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if accountID != 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, accountID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			if err != nil {
				return err
			}
		}
		// Superseding a prior staging keeps its candidate password when
		// the new staging carries none.
		if passwordHash == "" {
			var prior string
			err := tx.QueryRowContext(ctx, `SELECT password_hash FROM staged WHERE email = ?`, email).Scan(&prior)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			passwordHash = prior
		}
		var acct any
		if accountID != 0 {
			acct = accountID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO staged (email, token, account_id, password_hash, origin, branding, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(email) DO UPDATE SET
				token = excluded.token,
				account_id = excluded.account_id,
				password_hash = excluded.password_hash,
				origin = excluded.origin,
				branding = excluded.branding,
				created_at = excluded.created_at`,
			email, token, acct, passwordHash, site.Origin, site.Branding, time.Now().Unix())
		return err
	})
	if err != nil {
		return "", wrap(err)
	}
	return token, nil
}

func (s *Store) StageUser(ctx context.Context, email, passwordHash string, site store.SiteInfo) (string, error) {
	return s.stage(ctx, email, 0, passwordHash, site)
}

func (s *Store) StageEmail(ctx context.Context, accountID int64, email string, site store.SiteInfo) (string, error) {
	return s.stage(ctx, email, accountID, "", site)
}

func (s *Store) LastStaged(ctx context.Context, email string) (time.Time, error) {
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM staged WHERE email = ?`, email).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, wrap(err)
	}
	return time.Unix(created, 0), nil
}

func (s *Store) EmailForToken(ctx context.Context, token string) (*store.Staged, error) {
	staged, err := s.stagedForToken(ctx, s.db, token)
	return staged, wrap(err)
}

// queryer covers *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) stagedForToken(ctx context.Context, q queryer, token string) (*store.Staged, error) {
	var (
		rec     store.Staged
		acct    sql.NullInt64
		created int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT email, token, account_id, password_hash, origin, branding, created_at
		FROM staged WHERE token = ?`, token).
		Scan(&rec.Email, &rec.Token, &acct, &rec.PasswordHash, &rec.Site.Origin, &rec.Site.Branding, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.AccountID = acct.Int64
	rec.CreatedAt = time.Unix(created, 0)

	rec.NeedsPassword = rec.PasswordHash == ""
	if rec.NeedsPassword && rec.AccountID != 0 {
		var hash string
		err := q.QueryRowContext(ctx, `SELECT password_hash FROM accounts WHERE id = ?`, rec.AccountID).Scan(&hash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if hash != "" {
			rec.NeedsPassword = false
		}
	}
	return &rec, nil
}

func (s *Store) CompleteCreation(ctx context.Context, token, passwordHash string) (int64, error) {
	var accountID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		staged, err := s.stagedForToken(ctx, tx, token)
		if err != nil {
			return err
		}
		if passwordHash == "" {
			passwordHash = staged.PasswordHash
		}

		accountID = staged.AccountID
		if accountID == 0 {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO accounts (password_hash, created_at) VALUES (?, ?)`,
				passwordHash, time.Now().Unix())
			if err != nil {
				return err
			}
			accountID, err = res.LastInsertId()
			if err != nil {
				return err
			}
		} else if passwordHash != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE accounts SET password_hash = ? WHERE id = ?`, passwordHash, accountID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET failed_auth = 0 WHERE id = ?`, accountID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO emails (address, account_id, type, last_used_as, verified)
			VALUES (?, ?, 'secondary', 'secondary', 1)
			ON CONFLICT(address) DO UPDATE SET
				account_id = excluded.account_id,
				type = excluded.type,
				last_used_as = excluded.last_used_as,
				verified = excluded.verified`,
			staged.Email, accountID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM staged WHERE token = ?`, token)
		return err
	})
	if err != nil {
		return 0, wrap(err)
	}
	return accountID, nil
}

func (s *Store) EmailKnown(ctx context.Context, email string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM emails WHERE address = ?`, email).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap(err)
	}
	return true, nil
}

func (s *Store) EmailInfo(ctx context.Context, email string) (*store.EmailInfo, error) {
	var (
		info     store.EmailInfo
		verified int
		hash     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT e.account_id, e.type, e.last_used_as, e.verified, a.password_hash
		FROM emails e JOIN accounts a ON a.id = e.account_id
		WHERE e.address = ?`, email).
		Scan(&info.AccountID, &info.Type, &info.LastUsedAs, &verified, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	info.Verified = verified != 0
	info.HasPassword = hash != ""
	return &info, nil
}

func (s *Store) EmailType(ctx context.Context, email string) (store.EmailType, error) {
	var typ store.EmailType
	err := s.db.QueryRowContext(ctx, `SELECT type FROM emails WHERE address = ?`, email).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return store.TypeNone, nil
	}
	if err != nil {
		return store.TypeNone, wrap(err)
	}
	return typ, nil
}

func (s *Store) EmailToAccount(ctx context.Context, email string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT account_id FROM emails WHERE address = ?`, email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, wrap(err)
	}
	return id, nil
}

func (s *Store) UpdateEmailLastUsedAs(ctx context.Context, email string, as store.EmailType) error {
	res, err := s.db.ExecContext(ctx, `UPDATE emails SET last_used_as = ? WHERE address = ?`, as, email)
	if err != nil {
		return wrap(err)
	}
	return errIfNoRows(res)
}

func (s *Store) CheckAuth(ctx context.Context, accountID int64) (*store.Credentials, error) {
	var creds store.Credentials
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash, failed_auth FROM accounts WHERE id = ?`, accountID).
		Scan(&creds.PasswordHash, &creds.FailedAuth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	return &creds, nil
}

func (s *Store) UpdatePassword(ctx context.Context, accountID int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET password_hash = ? WHERE id = ?`, passwordHash, accountID)
	if err != nil {
		return wrap(err)
	}
	return errIfNoRows(res)
}

func (s *Store) IncrementFailedAuth(ctx context.Context, accountID int64) (int, error) {
	var count int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET failed_auth = failed_auth + 1 WHERE id = ?`, accountID)
		if err != nil {
			return err
		}
		if err := errIfNoRows(res); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT failed_auth FROM accounts WHERE id = ?`, accountID).Scan(&count)
	})
	if err != nil {
		return 0, wrap(err)
	}
	return count, nil
}

func (s *Store) ResetFailedAuth(ctx context.Context, accountID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET failed_auth = 0 WHERE id = ?`, accountID)
	if err != nil {
		return wrap(err)
	}
	return errIfNoRows(res)
}

func (s *Store) RemoveEmail(ctx context.Context, accountID int64, email string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM emails WHERE address = ? AND account_id = ?`, email, accountID)
		if err != nil {
			return err
		}
		if err := errIfNoRows(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM staged WHERE email = ?`, email)
		return err
	})
	return wrap(err)
}

func (s *Store) CancelAccount(ctx context.Context, accountID int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM staged WHERE account_id = ?
			OR email IN (SELECT address FROM emails WHERE account_id = ?)`,
			accountID, accountID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, accountID)
		if err != nil {
			return err
		}
		return errIfNoRows(res)
	})
	return wrap(err)
}

func (s *Store) CreateUserWithPrimaryEmail(ctx context.Context, email string) (int64, error) {
	var accountID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (created_at) VALUES (?)`, time.Now().Unix())
		if err != nil {
			return err
		}
		accountID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		return upsertPrimaryEmail(ctx, tx, accountID, email)
	})
	if err != nil {
		return 0, wrap(err)
	}
	return accountID, nil
}

func (s *Store) AddPrimaryEmailToAccount(ctx context.Context, accountID int64, email string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, accountID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return upsertPrimaryEmail(ctx, tx, accountID, email)
	})
	return wrap(err)
}

func upsertPrimaryEmail(ctx context.Context, tx *sql.Tx, accountID int64, email string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO emails (address, account_id, type, last_used_as, verified)
		VALUES (?, ?, 'primary', 'primary', 1)
		ON CONFLICT(address) DO UPDATE SET
			account_id = excluded.account_id,
			type = excluded.type,
			last_used_as = excluded.last_used_as,
			verified = excluded.verified`,
		email, accountID)
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func errIfNoRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
