package api_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/browserid/personad/api"
	"github.com/browserid/personad/assertion"
	"github.com/browserid/personad/ca"
	"github.com/browserid/personad/discovery"
	"github.com/browserid/personad/identity"
	"github.com/browserid/personad/secrets"
	"github.com/browserid/personad/session"
	"github.com/browserid/personad/store"
	"github.com/browserid/personad/store/memory"
	"github.com/browserid/personad/verifier"
)

const (
	testHostname  = "persona.example"
	testPublicURL = "https://persona.example"
)

type fixture struct {
	srv       *httptest.Server
	tokens    chan string
	authority *ca.Authority
}

func setupServer(t *testing.T) *fixture {
	t.Helper()

	sec, err := secrets.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	authority, err := ca.New(sec, testHostname)
	require.NoError(t, err)
	signer := ca.NewSigner(authority, 2, 5*time.Second)
	t.Cleanup(signer.Close)

	st := memory.New()
	disc := discovery.New(discovery.WithFetchTimeout(500 * time.Millisecond))
	idm := identity.New(st, disc, testHostname,
		identity.WithBcryptCost(bcrypt.MinCost),
		identity.WithStageInterval(time.Hour),
	)
	secret, err := sec.Secret("session")
	require.NoError(t, err)
	sessions := session.New(secret, testHostname)
	verif := verifier.New(testHostname, authority.PublicKey(), disc)

	tokens := make(chan string, 8)
	a := api.New(idm, sessions, authority, signer, verif, st, testHostname,
		api.WithPublicURL(testPublicURL),
		api.WithTokenSender(func(ctx context.Context, email, token string, site store.SiteInfo) {
			tokens <- token
		}),
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	r := chi.NewRouter()
	r.Mount("/", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, tokens: tokens, authority: authority}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url, csrf string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// createUser stages and redeems a new account from the same client, so
// no password proof is needed at redemption. The client ends up with a
// password-level session.
func createUser(t *testing.T, f *fixture, client *http.Client, email, pass string) int64 {
	t.Helper()

	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/stage_user", "", api.StageUserRequest{
		Email:    email,
		Password: pass,
		Site:     api.SiteRequest{Origin: "https://rp.example"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	token := <-f.tokens

	resp = doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/complete_user_creation", "", api.CompleteRequest{Token: token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	complete := decodeBody[api.CompleteResponse](t, resp)
	require.True(t, complete.Success)
	require.NotZero(t, complete.AccountID)
	return complete.AccountID
}

// csrfToken reads the anti-forgery secret for the client's session.
func csrfToken(t *testing.T, f *fixture, client *http.Client) string {
	t.Helper()
	resp := doJSON(t, client, http.MethodGet, f.srv.URL+"/wsapi/session_context", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sc := decodeBody[api.SessionContextResponse](t, resp)
	require.True(t, sc.Authenticated)
	require.NotEmpty(t, sc.CSRFToken)
	return sc.CSRFToken
}

func genBrowserKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubJSON, err := json.Marshal(assertion.NewPublicKey(&key.PublicKey))
	require.NoError(t, err)
	return key, string(pubJSON)
}

func TestStageAndCompleteUser(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)

	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/stage_user", "", api.StageUserRequest{
		Email:    "Alice@Example.COM",
		Password: "hunter2!",
		Site:     api.SiteRequest{Origin: "https://rp.example"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	token := <-f.tokens

	resp = doJSON(t, client, http.MethodGet, f.srv.URL+"/wsapi/email_for_token?token="+token, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	eft := decodeBody[api.EmailForTokenResponse](t, resp)
	assert.Equal(t, "alice@example.com", eft.Email)
	assert.False(t, eft.Known)
	assert.False(t, eft.NeedsPassword)
	assert.Equal(t, "https://rp.example", eft.Origin)

	resp = doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/complete_user_creation", "", api.CompleteRequest{Token: token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	complete := decodeBody[api.CompleteResponse](t, resp)
	assert.True(t, complete.Success)
	assert.Equal(t, "alice@example.com", complete.Email)

	resp = doJSON(t, client, http.MethodGet, f.srv.URL+"/wsapi/session_context", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sc := decodeBody[api.SessionContextResponse](t, resp)
	assert.True(t, sc.Authenticated)
	assert.Equal(t, string(session.LevelPassword), sc.AuthLevel)
	assert.Equal(t, complete.AccountID, sc.AccountID)
}

func TestCompleteFromAnotherBrowserRequiresPassword(t *testing.T) {
	f := setupServer(t)
	staging := newClient(t)

	resp := doJSON(t, staging, http.MethodPost, f.srv.URL+"/wsapi/stage_user", "", api.StageUserRequest{
		Email:    "bob@example.com",
		Password: "letmein1",
		Site:     api.SiteRequest{Origin: "https://rp.example"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	token := <-f.tokens

	other := newClient(t)
	resp = doJSON(t, other, http.MethodPost, f.srv.URL+"/wsapi/complete_user_creation", "", api.CompleteRequest{Token: token})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, other, http.MethodPost, f.srv.URL+"/wsapi/complete_user_creation", "", api.CompleteRequest{
		Token:    token,
		Password: "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, other, http.MethodPost, f.srv.URL+"/wsapi/complete_user_creation", "", api.CompleteRequest{
		Token:    token,
		Password: "letmein1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	complete := decodeBody[api.CompleteResponse](t, resp)
	assert.True(t, complete.Success)
}

func TestAuthenticateUser(t *testing.T) {
	f := setupServer(t)
	createUser(t, f, newClient(t), "carol@example.com", "s3cretpass")

	client := newClient(t)
	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/authenticate_user", "", api.AuthenticateRequest{
		Email:    "carol@example.com",
		Password: "not-the-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errResp := decodeBody[api.ErrorResponse](t, resp)
	assert.False(t, errResp.Success)

	resp = doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/authenticate_user", "", api.AuthenticateRequest{
		Email:    "carol@example.com",
		Password: "s3cretpass",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	auth := decodeBody[api.AuthenticateResponse](t, resp)
	assert.True(t, auth.Success)
	assert.Equal(t, string(session.LevelPassword), auth.AuthLevel)
	assert.Equal(t, session.DefaultDuration.Milliseconds(), auth.DurationMS)
	assert.NotEmpty(t, auth.CSRFToken)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	f := setupServer(t)
	createUser(t, f, newClient(t), "dave@example.com", "correct-pass")

	client := newClient(t)
	for i := 0; i < 3; i++ {
		resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/authenticate_user", "", api.AuthenticateRequest{
			Email:    "dave@example.com",
			Password: "wrong-pass",
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	// The correct password no longer works once locked.
	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/authenticate_user", "", api.AuthenticateRequest{
		Email:    "dave@example.com",
		Password: "correct-pass",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestStageThrottled(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)

	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/stage_user", "", api.StageUserRequest{
		Email:    "eve@example.com",
		Password: "password1",
		Site:     api.SiteRequest{Origin: "https://rp.example"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	<-f.tokens

	resp = doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/stage_user", "", api.StageUserRequest{
		Email:    "eve@example.com",
		Password: "password1",
		Site:     api.SiteRequest{Origin: "https://rp.example"},
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestCSRFProtection(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	createUser(t, f, client, "frank@example.com", "password1")

	// Session cookie present but no anti-forgery header.
	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/stage_email", "", api.StageEmailRequest{
		Email: "frank2@example.com",
		Site:  api.SiteRequest{Origin: "https://rp.example"},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	csrf := csrfToken(t, f, client)
	resp = doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/stage_email", csrf, api.StageEmailRequest{
		Email: "frank2@example.com",
		Site:  api.SiteRequest{Origin: "https://rp.example"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	<-f.tokens
}

func TestCertKeyAndVerify(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	createUser(t, f, client, "grace@example.com", "password1")
	csrf := csrfToken(t, f, client)

	browserKey, pubJSON := genBrowserKey(t)
	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/cert_key", csrf, api.CertKeyRequest{
		Email:     "grace@example.com",
		PublicKey: pubJSON,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	certResp := decodeBody[api.CertKeyResponse](t, resp)
	require.NotEmpty(t, certResp.Certificate)

	audience := "https://rp.example"
	asrt, err := assertion.SignAssertion(browserKey, &assertion.AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	require.NoError(t, err)
	bundle := (&assertion.Bundle{Certificates: []string{certResp.Certificate}, Assertion: asrt}).String()

	resp = doJSON(t, newClient(t), http.MethodPost, f.srv.URL+"/verify", "", api.VerifyRequest{
		Assertion: bundle,
		Audience:  audience,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	okay := decodeBody[api.VerifyResponse](t, resp)
	assert.Equal(t, "okay", okay.Status)
	assert.Equal(t, "grace@example.com", okay.Email)
	assert.Equal(t, testHostname, okay.Issuer)
	assert.Equal(t, audience, okay.Audience)
	assert.NotZero(t, okay.Expires)

	resp = doJSON(t, newClient(t), http.MethodPost, f.srv.URL+"/verify", "", api.VerifyRequest{
		Assertion: bundle,
		Audience:  "https://other.example",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	mismatch := decodeBody[api.VerifyResponse](t, resp)
	assert.Equal(t, "failure", mismatch.Status)
	assert.Equal(t, "audience mismatch: domain mismatch", mismatch.Reason)

	resp = doJSON(t, newClient(t), http.MethodPost, f.srv.URL+"/verify", "", api.VerifyRequest{
		Assertion: "garbage",
		Audience:  audience,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	malformed := decodeBody[api.VerifyResponse](t, resp)
	assert.Equal(t, "failure", malformed.Status)
	assert.Equal(t, "malformed assertion", malformed.Reason)
}

func TestAssertionSessionCannotChangePassword(t *testing.T) {
	f := setupServer(t)
	createUser(t, f, newClient(t), "heidi@example.com", "password1")

	// A self-issued certificate over the service's own origin signs the
	// user in at assertion level only.
	browserKey, pubJSON := genBrowserKey(t)
	pub, err := assertion.ParsePublicKey([]byte(pubJSON))
	require.NoError(t, err)
	cert, err := f.authority.Certify(ca.Request{
		Email:     "heidi@example.com",
		PublicKey: pub,
		Validity:  time.Minute,
	})
	require.NoError(t, err)
	asrt, err := assertion.SignAssertion(browserKey, &assertion.AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{testPublicURL},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	require.NoError(t, err)
	bundle := (&assertion.Bundle{Certificates: []string{cert}, Assertion: asrt}).String()

	client := newClient(t)
	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/auth_with_assertion", "", api.AuthWithAssertionRequest{
		Assertion: bundle,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	auth := decodeBody[api.AuthenticateResponse](t, resp)
	require.True(t, auth.Success)
	assert.Equal(t, string(session.LevelAssertion), auth.AuthLevel)

	resp = doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/update_password", auth.CSRFToken, api.UpdatePasswordRequest{
		OldPassword: "password1",
		NewPassword: "password2",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/cert_key", auth.CSRFToken, api.CertKeyRequest{
		Email:     "heidi@example.com",
		PublicKey: pubJSON,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestUpdatePassword(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	createUser(t, f, client, "ivan@example.com", "old-password")
	csrf := csrfToken(t, f, client)

	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/update_password", csrf, api.UpdatePasswordRequest{
		OldPassword: "old-password",
		NewPassword: "new-password",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	fresh := newClient(t)
	resp = doJSON(t, fresh, http.MethodPost, f.srv.URL+"/wsapi/authenticate_user", "", api.AuthenticateRequest{
		Email:    "ivan@example.com",
		Password: "new-password",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestProlongSession(t *testing.T) {
	f := setupServer(t)
	createUser(t, f, newClient(t), "judy@example.com", "password1")

	client := newClient(t)
	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/authenticate_user", "", api.AuthenticateRequest{
		Email:     "judy@example.com",
		Password:  "password1",
		Ephemeral: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	auth := decodeBody[api.AuthenticateResponse](t, resp)
	require.Equal(t, session.DefaultEphemeralDuration.Milliseconds(), auth.DurationMS)

	resp = doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/prolong_session", auth.CSRFToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prolonged := decodeBody[api.AuthenticateResponse](t, resp)
	assert.Equal(t, session.DefaultDuration.Milliseconds(), prolonged.DurationMS)
	assert.Equal(t, auth.CSRFToken, prolonged.CSRFToken)
	assert.Equal(t, auth.AccountID, prolonged.AccountID)
}

func TestLogout(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	createUser(t, f, client, "kate@example.com", "password1")
	csrf := csrfToken(t, f, client)

	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/logout", csrf, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodGet, f.srv.URL+"/wsapi/session_context", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sc := decodeBody[api.SessionContextResponse](t, resp)
	assert.False(t, sc.Authenticated)
}

func TestAccountCancel(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	createUser(t, f, client, "leo@example.com", "password1")
	csrf := csrfToken(t, f, client)

	resp := doJSON(t, client, http.MethodPost, f.srv.URL+"/wsapi/account_cancel", csrf, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	fresh := newClient(t)
	resp = doJSON(t, fresh, http.MethodPost, f.srv.URL+"/wsapi/authenticate_user", "", api.AuthenticateRequest{
		Email:    "leo@example.com",
		Password: "password1",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestAddressInfoUnknownSecondary(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)

	// An unreachable domain with no history is a plain secondary.
	resp := doJSON(t, client, http.MethodGet, f.srv.URL+"/wsapi/address_info?email=nobody@127.0.0.1:1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decodeBody[identity.AddressInfo](t, resp)
	assert.Equal(t, identity.StateUnknown, info.State)
	assert.Equal(t, store.TypeSecondary, info.Type)
	assert.Equal(t, testHostname, info.Issuer)
}

func TestWellKnown(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)

	resp := doJSON(t, client, http.MethodGet, f.srv.URL+"/.well-known/browserid", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeBody[api.WellKnownResponse](t, resp)
	assert.NotNil(t, doc.PublicKey)
	assert.NotEmpty(t, doc.Authentication)
	assert.NotEmpty(t, doc.Provisioning)
}
