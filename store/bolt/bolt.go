// Package bolt provides a bbolt-backed implementation of store.Store,
// the embedded single-file backend.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/browserid/personad/internal/util"
	"github.com/browserid/personad/store"
)

var (
	bucketAccounts = []byte("accounts")
	bucketEmails   = []byte("emails")
	bucketStaged   = []byte("staged") // keyed by email
	bucketTokens   = []byte("tokens") // token -> email
)

type accountRec struct {
	PasswordHash string `json:"password_hash,omitempty"`
	FailedAuth   int    `json:"failed_auth,omitempty"`
}

type emailRec struct {
	AccountID  int64           `json:"account_id"`
	Type       store.EmailType `json:"type"`
	LastUsedAs store.EmailType `json:"last_used_as"`
	Verified   bool            `json:"verified"`
}

type stagedRec struct {
	Token        string         `json:"token"`
	AccountID    int64          `json:"account_id,omitempty"`
	PasswordHash string         `json:"password_hash,omitempty"`
	Site         store.SiteInfo `json:"site"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Store implements store.Store backed by a bbolt database.
type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) a bolt store at path.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAccounts, bucketEmails, bucketStaged, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initializing bolt buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func accountKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func getJSON[T any](b *bbolt.Bucket, key []byte) (*T, bool, error) {
	data := b.Get(key)
	if data == nil {
		return nil, false, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, err
	}
	return &v, true, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *Store) stage(email string, accountID int64, passwordHash string, site store.SiteInfo) (string, error) {
	token, err := util.RandomToken()
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		staged := tx.Bucket(bucketStaged)
		tokens := tx.Bucket(bucketTokens)

		if accountID != 0 {
			if tx.Bucket(bucketAccounts).Get(accountKey(accountID)) == nil {
				return store.ErrNotFound
			}
		}

		prior, ok, err := getJSON[stagedRec](staged, []byte(email))
		if err != nil {
			return err
		}
		if ok {
			if err := tokens.Delete([]byte(prior.Token)); err != nil {
				return err
			}
			if passwordHash == "" {
				passwordHash = prior.PasswordHash
			}
		}
		rec := stagedRec{
			Token:        token,
			AccountID:    accountID,
			PasswordHash: passwordHash,
			Site:         site,
			CreatedAt:    time.Now().UTC(),
		}
		if err := putJSON(staged, []byte(email), rec); err != nil {
			return err
		}
		return tokens.Put([]byte(token), []byte(email))
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *Store) StageUser(_ context.Context, email, passwordHash string, site store.SiteInfo) (string, error) {
	return s.stage(email, 0, passwordHash, site)
}

func (s *Store) StageEmail(_ context.Context, accountID int64, email string, site store.SiteInfo) (string, error) {
	return s.stage(email, accountID, "", site)
}

func (s *Store) LastStaged(_ context.Context, email string) (time.Time, error) {
	var last time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, ok, err := getJSON[stagedRec](tx.Bucket(bucketStaged), []byte(email))
		if err != nil || !ok {
			return err
		}
		last = rec.CreatedAt
		return nil
	})
	return last, err
}

func (s *Store) EmailForToken(_ context.Context, token string) (*store.Staged, error) {
	var out *store.Staged
	err := s.db.View(func(tx *bbolt.Tx) error {
		staged, err := stagedForToken(tx, token)
		if err != nil {
			return err
		}
		out = staged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func stagedForToken(tx *bbolt.Tx, token string) (*store.Staged, error) {
	email := tx.Bucket(bucketTokens).Get([]byte(token))
	if email == nil {
		return nil, store.ErrTokenNotFound
	}
	rec, ok, err := getJSON[stagedRec](tx.Bucket(bucketStaged), email)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Token != token {
		return nil, store.ErrTokenNotFound
	}

	needsPassword := rec.PasswordHash == ""
	if needsPassword && rec.AccountID != 0 {
		acct, ok, err := getJSON[accountRec](tx.Bucket(bucketAccounts), accountKey(rec.AccountID))
		if err != nil {
			return nil, err
		}
		if ok && acct.PasswordHash != "" {
			needsPassword = false
		}
	}
	return &store.Staged{
		Token:         rec.Token,
		Email:         string(email),
		AccountID:     rec.AccountID,
		PasswordHash:  rec.PasswordHash,
		NeedsPassword: needsPassword,
		Site:          rec.Site,
		CreatedAt:     rec.CreatedAt,
	}, nil
}

func (s *Store) CompleteCreation(_ context.Context, token, passwordHash string) (int64, error) {
	var accountID int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		staged, err := stagedForToken(tx, token)
		if err != nil {
			return err
		}
		if passwordHash == "" {
			passwordHash = staged.PasswordHash
		}

		accounts := tx.Bucket(bucketAccounts)
		accountID = staged.AccountID
		var acct *accountRec
		if accountID == 0 {
			seq, err := accounts.NextSequence()
			if err != nil {
				return err
			}
			accountID = int64(seq)
			acct = &accountRec{}
		} else {
			var ok bool
			acct, ok, err = getJSON[accountRec](accounts, accountKey(accountID))
			if err != nil {
				return err
			}
			if !ok {
				return store.ErrNotFound
			}
		}
		if passwordHash != "" {
			acct.PasswordHash = passwordHash
		}
		acct.FailedAuth = 0
		if err := putJSON(accounts, accountKey(accountID), acct); err != nil {
			return err
		}

		rec := emailRec{
			AccountID:  accountID,
			Type:       store.TypeSecondary,
			LastUsedAs: store.TypeSecondary,
			Verified:   true,
		}
		if err := putJSON(tx.Bucket(bucketEmails), []byte(staged.Email), rec); err != nil {
			return err
		}

		if err := tx.Bucket(bucketStaged).Delete([]byte(staged.Email)); err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Delete([]byte(token))
	})
	if err != nil {
		return 0, err
	}
	return accountID, nil
}

func (s *Store) EmailKnown(_ context.Context, email string) (bool, error) {
	var known bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		known = tx.Bucket(bucketEmails).Get([]byte(email)) != nil
		return nil
	})
	return known, err
}

func (s *Store) EmailInfo(_ context.Context, email string) (*store.EmailInfo, error) {
	var info *store.EmailInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, ok, err := getJSON[emailRec](tx.Bucket(bucketEmails), []byte(email))
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		info = &store.EmailInfo{
			AccountID:  rec.AccountID,
			Type:       rec.Type,
			LastUsedAs: rec.LastUsedAs,
			Verified:   rec.Verified,
		}
		acct, ok, err := getJSON[accountRec](tx.Bucket(bucketAccounts), accountKey(rec.AccountID))
		if err != nil {
			return err
		}
		if ok {
			info.HasPassword = acct.PasswordHash != ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Store) EmailType(_ context.Context, email string) (store.EmailType, error) {
	typ := store.TypeNone
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, ok, err := getJSON[emailRec](tx.Bucket(bucketEmails), []byte(email))
		if err != nil || !ok {
			return err
		}
		typ = rec.Type
		return nil
	})
	return typ, err
}

func (s *Store) EmailToAccount(_ context.Context, email string) (int64, error) {
	var id int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, ok, err := getJSON[emailRec](tx.Bucket(bucketEmails), []byte(email))
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		id = rec.AccountID
		return nil
	})
	return id, err
}

func (s *Store) UpdateEmailLastUsedAs(_ context.Context, email string, as store.EmailType) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		rec, ok, err := getJSON[emailRec](emails, []byte(email))
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		rec.LastUsedAs = as
		return putJSON(emails, []byte(email), rec)
	})
}

func (s *Store) CheckAuth(_ context.Context, accountID int64) (*store.Credentials, error) {
	var creds *store.Credentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		acct, ok, err := getJSON[accountRec](tx.Bucket(bucketAccounts), accountKey(accountID))
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		creds = &store.Credentials{
			PasswordHash: acct.PasswordHash,
			FailedAuth:   acct.FailedAuth,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (s *Store) UpdatePassword(_ context.Context, accountID int64, passwordHash string) error {
	return s.mutateAccount(accountID, func(acct *accountRec) {
		acct.PasswordHash = passwordHash
	})
}

func (s *Store) IncrementFailedAuth(_ context.Context, accountID int64) (int, error) {
	var count int
	err := s.mutateAccount(accountID, func(acct *accountRec) {
		acct.FailedAuth++
		count = acct.FailedAuth
	})
	return count, err
}

func (s *Store) ResetFailedAuth(_ context.Context, accountID int64) error {
	return s.mutateAccount(accountID, func(acct *accountRec) {
		acct.FailedAuth = 0
	})
}

// mutateAccount applies fn to an account inside a write transaction,
// which is what keeps concurrent counter updates consistent.
func (s *Store) mutateAccount(accountID int64, fn func(*accountRec)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		accounts := tx.Bucket(bucketAccounts)
		acct, ok, err := getJSON[accountRec](accounts, accountKey(accountID))
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		fn(acct)
		return putJSON(accounts, accountKey(accountID), acct)
	})
}

func (s *Store) RemoveEmail(_ context.Context, accountID int64, email string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		rec, ok, err := getJSON[emailRec](emails, []byte(email))
		if err != nil {
			return err
		}
		if !ok || rec.AccountID != accountID {
			return store.ErrNotFound
		}
		if err := emails.Delete([]byte(email)); err != nil {
			return err
		}
		return deleteStagedLocked(tx, email)
	})
}

func deleteStagedLocked(tx *bbolt.Tx, email string) error {
	staged := tx.Bucket(bucketStaged)
	rec, ok, err := getJSON[stagedRec](staged, []byte(email))
	if err != nil || !ok {
		return err
	}
	if err := tx.Bucket(bucketTokens).Delete([]byte(rec.Token)); err != nil {
		return err
	}
	return staged.Delete([]byte(email))
}

func (s *Store) CancelAccount(_ context.Context, accountID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		accounts := tx.Bucket(bucketAccounts)
		if accounts.Get(accountKey(accountID)) == nil {
			return store.ErrNotFound
		}
		if err := accounts.Delete(accountKey(accountID)); err != nil {
			return err
		}

		emails := tx.Bucket(bucketEmails)
		var owned []string
		cur := emails.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec emailRec
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.AccountID == accountID {
				owned = append(owned, string(k))
			}
		}
		for _, email := range owned {
			if err := emails.Delete([]byte(email)); err != nil {
				return err
			}
			if err := deleteStagedLocked(tx, email); err != nil {
				return err
			}
		}

		staged := tx.Bucket(bucketStaged)
		var linked []string
		cur = staged.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec stagedRec
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.AccountID == accountID {
				linked = append(linked, string(k))
			}
		}
		for _, email := range linked {
			if err := deleteStagedLocked(tx, email); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) CreateUserWithPrimaryEmail(_ context.Context, email string) (int64, error) {
	var accountID int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		accounts := tx.Bucket(bucketAccounts)
		seq, err := accounts.NextSequence()
		if err != nil {
			return err
		}
		accountID = int64(seq)
		if err := putJSON(accounts, accountKey(accountID), &accountRec{}); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketEmails), []byte(email), emailRec{
			AccountID:  accountID,
			Type:       store.TypePrimary,
			LastUsedAs: store.TypePrimary,
			Verified:   true,
		})
	})
	if err != nil {
		return 0, err
	}
	return accountID, nil
}

func (s *Store) AddPrimaryEmailToAccount(_ context.Context, accountID int64, email string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketAccounts).Get(accountKey(accountID)) == nil {
			return store.ErrNotFound
		}
		return putJSON(tx.Bucket(bucketEmails), []byte(email), emailRec{
			AccountID:  accountID,
			Type:       store.TypePrimary,
			LastUsedAs: store.TypePrimary,
			Verified:   true,
		})
	})
}
