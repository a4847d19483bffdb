package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/browserid/personad/assertion"
	"github.com/browserid/personad/ca"
	"github.com/browserid/personad/identity"
	"github.com/browserid/personad/internal/util"
	"github.com/browserid/personad/session"
	"github.com/browserid/personad/store"
)

// AddressInfo handles GET /wsapi/address_info.
func (a *API) AddressInfo(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	issuer := r.URL.Query().Get("issuer")
	info, err := a.identity.AddressInfo(r.Context(), email, issuer)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// StageUser handles POST /wsapi/stage_user.
func (a *API) StageUser(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[StageUserRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and pass are required")
		return
	}
	site := store.SiteInfo{Origin: req.Site.Origin, Branding: req.Site.Branding}
	token, err := a.identity.StageUser(r.Context(), req.Email, req.Password, site)
	if err != nil {
		if errors.Is(err, identity.ErrThrottled) {
			a.audit.logEvent(AuditStageThrottled, r, req.Email)
		}
		mapError(w, err)
		return
	}
	a.sendToken(r.Context(), req.Email, token, site)
	writeStagedCookie(w, r, token)
	a.audit.logEvent(AuditUserStaged, r, req.Email, slog.String("site", site.Origin))
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// StageEmail handles POST /wsapi/stage_email. Requires a session.
func (a *API) StageEmail(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[StageEmailRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	claims := sessionClaims(r)
	site := store.SiteInfo{Origin: req.Site.Origin, Branding: req.Site.Branding}
	token, err := a.identity.StageEmail(r.Context(), claims.AccountID, req.Email, site)
	if err != nil {
		mapError(w, err)
		return
	}
	a.sendToken(r.Context(), req.Email, token, site)
	writeStagedCookie(w, r, token)
	a.audit.logEvent(AuditEmailStaged, r, req.Email)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// StageReset handles POST /wsapi/stage_reset: re-proof of a known
// address, optionally staging a new password. Redeeming it clears any
// lockout.
func (a *API) StageReset(w http.ResponseWriter, r *http.Request) {
	a.stageExisting(w, r)
}

// StageTransition handles POST /wsapi/stage_transition: a formerly
// primary address whose domain dropped primary support proves
// ownership once and becomes a secondary.
func (a *API) StageTransition(w http.ResponseWriter, r *http.Request) {
	a.stageExisting(w, r)
}

func (a *API) stageExisting(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[StageExistingRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	site := store.SiteInfo{Origin: req.Site.Origin, Branding: req.Site.Branding}
	token, err := a.identity.StageExisting(r.Context(), req.Email, req.Password, site)
	if err != nil {
		mapError(w, err)
		return
	}
	a.sendToken(r.Context(), req.Email, token, site)
	writeStagedCookie(w, r, token)
	a.audit.logEvent(AuditEmailStaged, r, req.Email)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// CompleteUserCreation handles POST /wsapi/complete_user_creation.
func (a *API) CompleteUserCreation(w http.ResponseWriter, r *http.Request) {
	a.complete(w, r, AuditUserCreated, true)
}

// CompleteEmailAddition handles POST /wsapi/complete_email_addition.
func (a *API) CompleteEmailAddition(w http.ResponseWriter, r *http.Request) {
	a.complete(w, r, AuditEmailVerified, false)
}

// CompleteReset handles POST /wsapi/complete_reset.
func (a *API) CompleteReset(w http.ResponseWriter, r *http.Request) {
	a.complete(w, r, AuditEmailVerified, true)
}

// CompleteTransition handles POST /wsapi/complete_transition.
func (a *API) CompleteTransition(w http.ResponseWriter, r *http.Request) {
	a.complete(w, r, AuditEmailVerified, true)
}

// complete redeems a verification token. The redeeming context counts
// as the staging one when the staged cookie carries the same token or
// the active session already owns the linked account; any other
// context must prove the password. When signIn is set a successful
// redemption also establishes a password-level session, since the
// password was either just set or just proven.
func (a *API) complete(w http.ResponseWriter, r *http.Request, event AuditEvent, signIn bool) {
	req, ok := decodeJSON[CompleteRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	staged, err := a.identity.EmailForToken(r.Context(), req.Token)
	if err != nil {
		mapError(w, err)
		return
	}
	sameBrowser := false
	if cookie, err := r.Cookie(stagedCookieName); err == nil && cookie.Value == req.Token {
		sameBrowser = true
	} else if claims, ok := a.sessionFromRequest(r); ok && staged.AccountID != 0 && claims.AccountID == staged.AccountID {
		sameBrowser = true
	}

	accountID, err := a.identity.Complete(r.Context(), req.Token, req.Password, sameBrowser)
	if err != nil {
		mapError(w, err)
		return
	}
	clearStagedCookie(w, r)
	a.audit.logEvent(event, r, staged.Email, slog.Int64("account_id", accountID))

	if signIn {
		token, claims, err := a.sessions.Authenticate(accountID, session.LevelPassword, false)
		if err != nil {
			mapError(w, err)
			return
		}
		writeSessionCookie(w, r, token, claims.ExpiresAt.Time)
	}
	writeJSON(w, http.StatusOK, CompleteResponse{Success: true, AccountID: accountID, Email: staged.Email})
}

// AuthenticateUser handles POST /wsapi/authenticate_user.
func (a *API) AuthenticateUser(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[AuthenticateRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and pass are required")
		return
	}
	accountID, err := a.identity.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrAccountLocked):
			a.audit.logFailure(AuditAccountLocked, r, err.Error(), slog.String("email", req.Email))
		default:
			a.audit.logFailure(AuditAuthFailure, r, err.Error(), slog.String("email", req.Email))
		}
		mapError(w, err)
		return
	}
	a.establishSession(w, r, accountID, session.LevelPassword, req.Ephemeral, AuditAuthSuccess, req.Email)
}

// AuthWithAssertion handles POST /wsapi/auth_with_assertion: sign-in
// with an assertion over this service's own origin. A primary-issued
// assertion provisions the account on first contact; the resulting
// session cannot exercise password-guarded operations.
func (a *API) AuthWithAssertion(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[AuthWithAssertionRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Assertion == "" {
		writeError(w, http.StatusBadRequest, "assertion is required")
		return
	}
	res, err := a.verifier.Verify(r.Context(), req.Assertion, a.publicURL, time.Now(), a.allowUnverified)
	if err != nil {
		a.audit.logFailure(AuditAuthFailure, r, err.Error())
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	email := res.Address()
	var (
		accountID int64
		level     session.Level
	)
	if res.Issuer == a.hostname {
		accountID, err = a.store.EmailToAccount(r.Context(), email)
		level = session.LevelAssertion
	} else {
		accountID, err = a.identity.ProvisionPrimary(r.Context(), email)
		level = session.LevelPrimary
	}
	if err != nil {
		mapError(w, err)
		return
	}
	a.establishSession(w, r, accountID, level, req.Ephemeral, AuditAssertionAuth, email)
}

func (a *API) establishSession(w http.ResponseWriter, r *http.Request, accountID int64,
	level session.Level, ephemeral bool, event AuditEvent, email string) {
	token, claims, err := a.sessions.Authenticate(accountID, level, ephemeral)
	if err != nil {
		mapError(w, err)
		return
	}
	writeSessionCookie(w, r, token, claims.ExpiresAt.Time)
	a.audit.logEvent(event, r, email, slog.Int64("account_id", accountID))
	writeJSON(w, http.StatusOK, AuthenticateResponse{
		Success:    true,
		AccountID:  accountID,
		AuthLevel:  string(level),
		DurationMS: claims.DurationMS,
		CSRFToken:  claims.CSRF,
	})
}

// UpdatePassword handles POST /wsapi/update_password. Password level
// required.
func (a *API) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UpdatePasswordRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "oldpass and newpass are required")
		return
	}
	claims := sessionClaims(r)
	if err := a.identity.UpdatePassword(r.Context(), claims.AccountID, req.OldPassword, req.NewPassword); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditPasswordUpdated, r, slog.Int64("account_id", claims.AccountID))
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// CertKey handles POST /wsapi/cert_key: certify a browser-held public
// key for one of the session's addresses. Password level required.
func (a *API) CertKey(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CertKeyRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Email == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "email and pubkey are required")
		return
	}
	norm, err := util.NormalizeEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claims := sessionClaims(r)
	owner, err := a.store.EmailToAccount(r.Context(), norm)
	if err != nil {
		mapError(w, err)
		return
	}
	if owner != claims.AccountID {
		writeError(w, http.StatusUnauthorized, "email is not bound to this account")
		return
	}
	info, err := a.store.EmailInfo(r.Context(), norm)
	if err != nil {
		mapError(w, err)
		return
	}
	unverified := !info.Verified
	if unverified && !(req.AllowUnverified && a.allowUnverified) {
		writeError(w, http.StatusForbidden, "email is not verified")
		return
	}

	pub, err := assertion.ParsePublicKey([]byte(req.PublicKey))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	validity := a.certValidity
	if req.DurationMS > 0 {
		if requested := time.Duration(req.DurationMS) * time.Millisecond; requested < validity {
			validity = requested
		}
	}
	cert, err := a.signer.Certify(r.Context(), ca.Request{
		Email:       norm,
		PublicKey:   pub,
		Validity:    validity,
		Unverified:  unverified,
		ForceIssuer: req.ForceIssuer,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertIssued, r, norm, slog.Int64("account_id", claims.AccountID))
	writeJSON(w, http.StatusOK, CertKeyResponse{Success: true, Certificate: cert})
}

// EmailForToken handles GET /wsapi/email_for_token.
func (a *API) EmailForToken(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	staged, err := a.identity.EmailForToken(r.Context(), token)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EmailForTokenResponse{
		Success:       true,
		Email:         staged.Email,
		NeedsPassword: staged.NeedsPassword,
		Known:         staged.AccountID != 0,
		Origin:        staged.Site.Origin,
	})
}

// RemoveEmail handles POST /wsapi/remove_email. Requires a session.
func (a *API) RemoveEmail(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RemoveEmailRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	claims := sessionClaims(r)
	if err := a.identity.RemoveEmail(r.Context(), claims.AccountID, req.Email); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditEmailRemoved, r, req.Email, slog.Int64("account_id", claims.AccountID))
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// AccountCancel handles POST /wsapi/account_cancel. Requires a
// session; the session cookie is invalidated along with the account.
func (a *API) AccountCancel(w http.ResponseWriter, r *http.Request) {
	claims := sessionClaims(r)
	if err := a.identity.CancelAccount(r.Context(), claims.AccountID); err != nil {
		mapError(w, err)
		return
	}
	a.writeLogoutCookie(w, r)
	a.audit.log(AuditAccountCancel, r, slog.Int64("account_id", claims.AccountID))
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// Logout handles POST /wsapi/logout. The replacement cookie is always
// a fresh token, so a replayed old cookie value is stale.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	a.writeLogoutCookie(w, r)
	a.audit.log(AuditLogout, r)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (a *API) writeLogoutCookie(w http.ResponseWriter, r *http.Request) {
	token, err := a.sessions.Logout()
	if err != nil {
		mapError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// ProlongSession handles POST /wsapi/prolong_session: upgrades the
// session to the long duration in place.
func (a *API) ProlongSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	token, claims, err := a.sessions.Prolong(cookie.Value)
	if err != nil {
		mapError(w, err)
		return
	}
	writeSessionCookie(w, r, token, claims.ExpiresAt.Time)
	writeJSON(w, http.StatusOK, AuthenticateResponse{
		Success:    true,
		AccountID:  claims.AccountID,
		AuthLevel:  string(claims.Level),
		DurationMS: claims.DurationMS,
		CSRFToken:  claims.CSRF,
	})
}

// SessionContext handles GET /wsapi/session_context.
func (a *API) SessionContext(w http.ResponseWriter, r *http.Request) {
	resp := SessionContextResponse{ServerTime: time.Now().UnixMilli()}
	if claims, ok := a.sessionFromRequest(r); ok {
		resp.Authenticated = true
		resp.AccountID = claims.AccountID
		resp.AuthLevel = string(claims.Level)
		resp.DurationMS = claims.DurationMS
		resp.CSRFToken = claims.CSRF
	}
	writeJSON(w, http.StatusOK, resp)
}
