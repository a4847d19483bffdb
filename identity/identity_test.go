package identity_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/browserid/personad/assertion"
	"github.com/browserid/personad/discovery"
	"github.com/browserid/personad/identity"
	"github.com/browserid/personad/store"
	"github.com/browserid/personad/store/memory"
)

const hostname = "persona.example"

type fixture struct {
	store *memory.Store
	disc  *discovery.Discovery
	mgr   *identity.Manager
	now   time.Time
}

func newFixture(t *testing.T, opts ...identity.Option) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		disc:  discovery.New(discovery.WithFetchTimeout(200 * time.Millisecond)),
		now:   time.Now(),
	}
	opts = append([]identity.Option{
		identity.WithBcryptCost(bcrypt.MinCost),
		identity.WithStageInterval(0),
		identity.WithClock(func() time.Time { return f.now }),
	}, opts...)
	f.mgr = identity.New(f.store, f.disc, hostname, opts...)
	return f
}

// createUser stages and redeems an account with the given password.
func (f *fixture) createUser(t *testing.T, email, password string) int64 {
	t.Helper()
	token, err := f.mgr.StageUser(context.Background(), email, password, store.SiteInfo{})
	require.NoError(t, err)
	accountID, err := f.mgr.Complete(context.Background(), token, "", true)
	require.NoError(t, err)
	return accountID
}

func (f *fixture) addPrimary(t *testing.T, domain string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	f.disc.AddStatic(domain, &discovery.Info{
		AuthenticationURL: "https://" + domain + "/auth",
		ProvisioningURL:   "https://" + domain + "/prov",
		PublicKey:         assertion.NewPublicKey(&key.PublicKey),
	})
}

func TestCreateAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	accountID := f.createUser(t, "bob@example.com", "s3cret")

	got, err := f.mgr.Authenticate(context.Background(), "bob@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, accountID, got)

	// Addresses are normalized before lookup.
	got, err = f.mgr.Authenticate(context.Background(), "Bob@Example.COM", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, accountID, got)
}

func TestAuthenticateFailures(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob@example.com", "s3cret")

	_, err := f.mgr.Authenticate(context.Background(), "nobody@example.com", "s3cret")
	assert.ErrorIs(t, err, identity.ErrNoSuchUser)

	_, err = f.mgr.Authenticate(context.Background(), "bob@example.com", "wrong")
	assert.ErrorIs(t, err, identity.ErrPasswordMismatch)
}

func TestLockoutAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob@example.com", "s3cret")

	for i := 0; i < 3; i++ {
		_, err := f.mgr.Authenticate(context.Background(), "bob@example.com", "wrong")
		assert.ErrorIs(t, err, identity.ErrPasswordMismatch)
	}

	// Locked: even the correct password fails fast now.
	_, err := f.mgr.Authenticate(context.Background(), "bob@example.com", "s3cret")
	assert.ErrorIs(t, err, identity.ErrAccountLocked)
	_, err = f.mgr.Authenticate(context.Background(), "bob@example.com", "wrong")
	assert.ErrorIs(t, err, identity.ErrAccountLocked)
}

func TestSuccessClearsFailureCounter(t *testing.T) {
	f := newFixture(t)
	accountID := f.createUser(t, "bob@example.com", "s3cret")

	for i := 0; i < 2; i++ {
		_, err := f.mgr.Authenticate(context.Background(), "bob@example.com", "wrong")
		assert.ErrorIs(t, err, identity.ErrPasswordMismatch)
	}
	_, err := f.mgr.Authenticate(context.Background(), "bob@example.com", "s3cret")
	require.NoError(t, err)

	creds, err := f.store.CheckAuth(context.Background(), accountID)
	require.NoError(t, err)
	assert.Zero(t, creds.FailedAuth)
}

func TestResetFlowClearsLockout(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob@example.com", "s3cret")

	for i := 0; i < 3; i++ {
		f.mgr.Authenticate(context.Background(), "bob@example.com", "wrong")
	}
	_, err := f.mgr.Authenticate(context.Background(), "bob@example.com", "s3cret")
	require.ErrorIs(t, err, identity.ErrAccountLocked)

	token, err := f.mgr.StageExisting(context.Background(), "bob@example.com", "newpass", store.SiteInfo{})
	require.NoError(t, err)
	_, err = f.mgr.Complete(context.Background(), token, "", true)
	require.NoError(t, err)

	_, err = f.mgr.Authenticate(context.Background(), "bob@example.com", "newpass")
	assert.NoError(t, err)
}

func TestStageThrottle(t *testing.T) {
	f := newFixture(t, identity.WithStageInterval(time.Minute))

	_, err := f.mgr.StageUser(context.Background(), "bob@example.com", "s3cret", store.SiteInfo{})
	require.NoError(t, err)
	_, err = f.mgr.StageUser(context.Background(), "bob@example.com", "s3cret", store.SiteInfo{})
	assert.ErrorIs(t, err, identity.ErrThrottled)

	// Past the interval, staging works again.
	f.now = f.now.Add(2 * time.Minute)
	_, err = f.mgr.StageUser(context.Background(), "bob@example.com", "s3cret", store.SiteInfo{})
	assert.NoError(t, err)
}

func TestTokenExpiry(t *testing.T) {
	f := newFixture(t, identity.WithTokenTTL(time.Hour))

	token, err := f.mgr.StageUser(context.Background(), "bob@example.com", "s3cret", store.SiteInfo{})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.mgr.EmailForToken(context.Background(), token)
	assert.ErrorIs(t, err, identity.ErrTokenExpired)
	_, err = f.mgr.Complete(context.Background(), token, "", true)
	assert.ErrorIs(t, err, identity.ErrTokenExpired)
}

func TestCompleteCrossContextRequiresPassword(t *testing.T) {
	f := newFixture(t)

	token, err := f.mgr.StageUser(context.Background(), "bob@example.com", "s3cret", store.SiteInfo{})
	require.NoError(t, err)

	// A stolen link alone must not complete creation.
	_, err = f.mgr.Complete(context.Background(), token, "", false)
	assert.ErrorIs(t, err, identity.ErrPasswordRequired)
	_, err = f.mgr.Complete(context.Background(), token, "wrong", false)
	assert.ErrorIs(t, err, identity.ErrPasswordRequired)

	// Proving the password completes from any context.
	accountID, err := f.mgr.Complete(context.Background(), token, "s3cret", false)
	require.NoError(t, err)
	assert.NotZero(t, accountID)
}

func TestRestagedPasswordWins(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.StageUser(context.Background(), "bob@example.com", "first", store.SiteInfo{})
	require.NoError(t, err)
	token, err := f.mgr.StageUser(context.Background(), "bob@example.com", "second", store.SiteInfo{})
	require.NoError(t, err)

	_, err = f.mgr.Complete(context.Background(), token, "", true)
	require.NoError(t, err)

	_, err = f.mgr.Authenticate(context.Background(), "bob@example.com", "first")
	assert.ErrorIs(t, err, identity.ErrPasswordMismatch)
	_, err = f.mgr.Authenticate(context.Background(), "bob@example.com", "second")
	assert.NoError(t, err)
}

func TestWorkFactorUpgradeOnLogin(t *testing.T) {
	f := newFixture(t, identity.WithBcryptCost(bcrypt.MinCost+1))
	ctx := context.Background()

	// Seed a hash at a lower cost than the manager is configured with.
	low, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	token, err := f.store.StageUser(ctx, "bob@example.com", string(low), store.SiteInfo{})
	require.NoError(t, err)
	accountID, err := f.store.CompleteCreation(ctx, token, "")
	require.NoError(t, err)

	_, err = f.mgr.Authenticate(ctx, "bob@example.com", "s3cret")
	require.NoError(t, err)

	creds, err := f.store.CheckAuth(ctx, accountID)
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(creds.PasswordHash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost+1, cost)
}

func TestUpdatePassword(t *testing.T) {
	f := newFixture(t)
	accountID := f.createUser(t, "bob@example.com", "s3cret")

	err := f.mgr.UpdatePassword(context.Background(), accountID, "wrong", "newpass")
	assert.ErrorIs(t, err, identity.ErrPasswordMismatch)

	require.NoError(t, f.mgr.UpdatePassword(context.Background(), accountID, "s3cret", "newpass"))
	_, err = f.mgr.Authenticate(context.Background(), "bob@example.com", "newpass")
	assert.NoError(t, err)
}

func TestProvisionPrimary(t *testing.T) {
	f := newFixture(t)

	first, err := f.mgr.ProvisionPrimary(context.Background(), "alice@primary.example")
	require.NoError(t, err)
	require.NotZero(t, first)

	// Idempotent for a known address.
	again, err := f.mgr.ProvisionPrimary(context.Background(), "alice@primary.example")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	info, err := f.store.EmailInfo(context.Background(), "alice@primary.example")
	require.NoError(t, err)
	assert.Equal(t, store.TypePrimary, info.Type)
	assert.Equal(t, store.TypePrimary, info.LastUsedAs)
}

func TestAddressInfoUnknownSecondary(t *testing.T) {
	f := newFixture(t)

	info, err := f.mgr.AddressInfo(context.Background(), "new@127.0.0.1:1", "")
	require.NoError(t, err)
	assert.Equal(t, store.TypeSecondary, info.Type)
	assert.Equal(t, identity.StateUnknown, info.State)
	assert.Equal(t, hostname, info.Issuer)
}

func TestAddressInfoKnownSecondary(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob@127.0.0.1:1", "s3cret")

	info, err := f.mgr.AddressInfo(context.Background(), "bob@127.0.0.1:1", "")
	require.NoError(t, err)
	assert.Equal(t, store.TypeSecondary, info.Type)
	assert.Equal(t, identity.StateKnown, info.State)
}

func TestAddressInfoLivePrimary(t *testing.T) {
	f := newFixture(t)
	f.addPrimary(t, "primary.example")

	info, err := f.mgr.AddressInfo(context.Background(), "alice@primary.example", "")
	require.NoError(t, err)
	assert.Equal(t, store.TypePrimary, info.Type)
	assert.Equal(t, identity.StateUnknown, info.State)
	assert.Equal(t, "primary.example", info.Issuer)
	assert.Equal(t, "https://primary.example/auth", info.AuthURL)
	assert.Equal(t, "https://primary.example/prov", info.ProvURL)

	_, err = f.mgr.ProvisionPrimary(context.Background(), "alice@primary.example")
	require.NoError(t, err)

	info, err = f.mgr.AddressInfo(context.Background(), "alice@primary.example", "")
	require.NoError(t, err)
	assert.Equal(t, identity.StateKnown, info.State)
}

func TestAddressInfoTransitionToSecondary(t *testing.T) {
	f := newFixture(t)

	// A formerly primary address; the domain no longer answers.
	accountID, err := f.store.CreateUserWithPrimaryEmail(context.Background(), "alice@127.0.0.1:1")
	require.NoError(t, err)

	info, err := f.mgr.AddressInfo(context.Background(), "alice@127.0.0.1:1", "")
	require.NoError(t, err)
	assert.Equal(t, identity.StateTransitionNoPassword, info.State)

	// With a password set, re-proof suffices.
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdatePassword(context.Background(), accountID, string(hash)))

	info, err = f.mgr.AddressInfo(context.Background(), "alice@127.0.0.1:1", "")
	require.NoError(t, err)
	assert.Equal(t, identity.StateTransitionToSecondary, info.State)
}

func TestAddressInfoTransitionToPrimary(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob@primary.example", "s3cret")
	f.addPrimary(t, "primary.example")

	info, err := f.mgr.AddressInfo(context.Background(), "bob@primary.example", "")
	require.NoError(t, err)
	assert.Equal(t, store.TypePrimary, info.Type)
	assert.Equal(t, identity.StateTransitionToPrimary, info.State)
}

func TestAddressInfoOffline(t *testing.T) {
	// An address whose primary worked recently but is unreachable now
	// reads as offline rather than unknown.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	raw, err := assertion.NewPublicKey(&key.PublicKey).MarshalJSON()
	require.NoError(t, err)
	doc := []byte(`{"authentication":"/auth","provisioning":"/prov","public-key":` + string(raw) + `}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	domain := u.Host

	st := memory.New()
	disc := discovery.New(
		discovery.WithScheme("http"),
		discovery.WithCacheTTL(time.Nanosecond),
		discovery.WithFetchTimeout(200*time.Millisecond),
	)
	mgr := identity.New(st, disc, hostname, identity.WithBcryptCost(bcrypt.MinCost))

	_, err = mgr.ProvisionPrimary(context.Background(), "alice@"+domain)
	require.NoError(t, err)
	info, err := mgr.AddressInfo(context.Background(), "alice@"+domain, "")
	require.NoError(t, err)
	require.Equal(t, identity.StateKnown, info.State)

	srv.Close()
	info, err = mgr.AddressInfo(context.Background(), "alice@"+domain, "")
	require.NoError(t, err)
	assert.Equal(t, identity.StateOffline, info.State)
}

func TestAddressInfoForcedIssuer(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "bob@example.com", "s3cret")

	info, err := f.mgr.AddressInfo(context.Background(), "bob@example.com", "issuer.example")
	require.NoError(t, err)
	assert.Equal(t, "issuer.example", info.Issuer)
	assert.Equal(t, identity.StateKnown, info.State)
}

func TestRemoveEmailRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	accountID := f.createUser(t, "bob@example.com", "s3cret")
	other := f.createUser(t, "eve@example.com", "s3cret")

	assert.Error(t, f.mgr.RemoveEmail(context.Background(), other, "bob@example.com"))
	assert.NoError(t, f.mgr.RemoveEmail(context.Background(), accountID, "bob@example.com"))
}

func TestCancelAccount(t *testing.T) {
	f := newFixture(t)
	accountID := f.createUser(t, "bob@example.com", "s3cret")

	require.NoError(t, f.mgr.CancelAccount(context.Background(), accountID))
	_, err := f.mgr.Authenticate(context.Background(), "bob@example.com", "s3cret")
	assert.ErrorIs(t, err, identity.ErrNoSuchUser)
}
