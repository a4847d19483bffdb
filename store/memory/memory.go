// Package memory provides a thread-safe in-memory implementation of
// store.Store. Suitable for tests, demos, and single-process use.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/browserid/personad/internal/util"
	"github.com/browserid/personad/store"
)

type account struct {
	passwordHash string
	failedAuth   int
}

type emailRec struct {
	accountID  int64
	typ        store.EmailType
	lastUsedAs store.EmailType
	verified   bool
}

type stagedRec struct {
	token        string
	email        string
	accountID    int64
	passwordHash string
	site         store.SiteInfo
	createdAt    time.Time
}

// Store is an in-memory store.Store.
type Store struct {
	mu         sync.Mutex
	nextID     int64
	accounts   map[int64]*account
	emails     map[string]*emailRec
	staged     map[string]*stagedRec // keyed by email
	tokens     map[string]string     // token -> email
	lastStaged map[string]time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		accounts:   make(map[int64]*account),
		emails:     make(map[string]*emailRec),
		staged:     make(map[string]*stagedRec),
		tokens:     make(map[string]string),
		lastStaged: make(map[string]time.Time),
	}
}

func (s *Store) stage(email string, accountID int64, passwordHash string, site store.SiteInfo) (string, error) {
	token, err := util.RandomToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-staging supersedes the prior token. The newest candidate
	// password wins; an empty candidate inherits the previous one.
	if prior, ok := s.staged[email]; ok {
		delete(s.tokens, prior.token)
		if passwordHash == "" {
			passwordHash = prior.passwordHash
		}
	}
	s.staged[email] = &stagedRec{
		token:        token,
		email:        email,
		accountID:    accountID,
		passwordHash: passwordHash,
		site:         site,
		createdAt:    time.Now(),
	}
	s.tokens[token] = email
	s.lastStaged[email] = time.Now()
	return token, nil
}

func (s *Store) StageUser(_ context.Context, email, passwordHash string, site store.SiteInfo) (string, error) {
	return s.stage(email, 0, passwordHash, site)
}

func (s *Store) StageEmail(_ context.Context, accountID int64, email string, site store.SiteInfo) (string, error) {
	s.mu.Lock()
	_, ok := s.accounts[accountID]
	s.mu.Unlock()
	if !ok {
		return "", store.ErrNotFound
	}
	return s.stage(email, accountID, "", site)
}

func (s *Store) LastStaged(_ context.Context, email string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStaged[email], nil
}

func (s *Store) EmailForToken(_ context.Context, token string) (*store.Staged, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stagedForTokenLocked(token)
}

func (s *Store) stagedForTokenLocked(token string) (*store.Staged, error) {
	email, ok := s.tokens[token]
	if !ok {
		return nil, store.ErrTokenNotFound
	}
	rec, ok := s.staged[email]
	if !ok || rec.token != token {
		return nil, store.ErrTokenNotFound
	}
	needsPassword := rec.passwordHash == ""
	if needsPassword && rec.accountID != 0 {
		if acct, ok := s.accounts[rec.accountID]; ok && acct.passwordHash != "" {
			needsPassword = false
		}
	}
	return &store.Staged{
		Token:         rec.token,
		Email:         rec.email,
		AccountID:     rec.accountID,
		PasswordHash:  rec.passwordHash,
		NeedsPassword: needsPassword,
		Site:          rec.site,
		CreatedAt:     rec.createdAt,
	}, nil
}

func (s *Store) CompleteCreation(_ context.Context, token, passwordHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.tokens[token]
	if !ok {
		return 0, store.ErrTokenNotFound
	}
	rec := s.staged[email]
	if rec == nil || rec.token != token {
		return 0, store.ErrTokenNotFound
	}

	if passwordHash == "" {
		passwordHash = rec.passwordHash
	}

	accountID := rec.accountID
	if accountID == 0 {
		s.nextID++
		accountID = s.nextID
		s.accounts[accountID] = &account{}
	}
	acct, ok := s.accounts[accountID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if passwordHash != "" {
		acct.passwordHash = passwordHash
	}
	acct.failedAuth = 0

	s.emails[email] = &emailRec{
		accountID:  accountID,
		typ:        store.TypeSecondary,
		lastUsedAs: store.TypeSecondary,
		verified:   true,
	}

	delete(s.staged, email)
	delete(s.tokens, token)
	return accountID, nil
}

func (s *Store) EmailKnown(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.emails[email]
	return ok, nil
}

func (s *Store) EmailInfo(_ context.Context, email string) (*store.EmailInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.emails[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	info := &store.EmailInfo{
		AccountID:  rec.accountID,
		Type:       rec.typ,
		LastUsedAs: rec.lastUsedAs,
		Verified:   rec.verified,
	}
	if acct, ok := s.accounts[rec.accountID]; ok {
		info.HasPassword = acct.passwordHash != ""
	}
	return info, nil
}

func (s *Store) EmailType(_ context.Context, email string) (store.EmailType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.emails[email]
	if !ok {
		return store.TypeNone, nil
	}
	return rec.typ, nil
}

func (s *Store) EmailToAccount(_ context.Context, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.emails[email]
	if !ok {
		return 0, store.ErrNotFound
	}
	return rec.accountID, nil
}

func (s *Store) UpdateEmailLastUsedAs(_ context.Context, email string, as store.EmailType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.emails[email]
	if !ok {
		return store.ErrNotFound
	}
	rec.lastUsedAs = as
	return nil
}

func (s *Store) CheckAuth(_ context.Context, accountID int64) (*store.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.Credentials{
		PasswordHash: acct.passwordHash,
		FailedAuth:   acct.failedAuth,
	}, nil
}

func (s *Store) UpdatePassword(_ context.Context, accountID int64, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	acct.passwordHash = passwordHash
	return nil
}

func (s *Store) IncrementFailedAuth(_ context.Context, accountID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return 0, store.ErrNotFound
	}
	acct.failedAuth++
	return acct.failedAuth, nil
}

func (s *Store) ResetFailedAuth(_ context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	acct.failedAuth = 0
	return nil
}

func (s *Store) RemoveEmail(_ context.Context, accountID int64, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.emails[email]
	if !ok || rec.accountID != accountID {
		return store.ErrNotFound
	}
	delete(s.emails, email)
	if staged, ok := s.staged[email]; ok {
		delete(s.tokens, staged.token)
		delete(s.staged, email)
	}
	return nil
}

func (s *Store) CancelAccount(_ context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return store.ErrNotFound
	}
	delete(s.accounts, accountID)
	for email, rec := range s.emails {
		if rec.accountID == accountID {
			delete(s.emails, email)
		}
	}
	for email, rec := range s.staged {
		if rec.accountID == accountID {
			delete(s.tokens, rec.token)
			delete(s.staged, email)
		}
	}
	return nil
}

func (s *Store) CreateUserWithPrimaryEmail(_ context.Context, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	accountID := s.nextID
	s.accounts[accountID] = &account{}
	s.emails[email] = &emailRec{
		accountID:  accountID,
		typ:        store.TypePrimary,
		lastUsedAs: store.TypePrimary,
		verified:   true,
	}
	return accountID, nil
}

func (s *Store) AddPrimaryEmailToAccount(_ context.Context, accountID int64, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return store.ErrNotFound
	}
	// Steals the address from a prior owner if one exists.
	s.emails[email] = &emailRec{
		accountID:  accountID,
		typ:        store.TypePrimary,
		lastUsedAs: store.TypePrimary,
		verified:   true,
	}
	return nil
}

func (s *Store) Close() error { return nil }
