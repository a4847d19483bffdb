package api

import (
	"context"
	"net/http"
	"time"

	"github.com/browserid/personad/session"
)

type contextKey int

const sessionKey contextKey = iota

const (
	sessionCookieName = "personad_session"
	stagedCookieName  = "personad_staged"
	csrfHeaderName    = "X-CSRF-Token"
)

// AuthMiddleware requires a valid session cookie and stores its claims
// on the request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := a.sessionFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePassword gates operations that need password-strength proof.
// A session established by assertion alone is turned away until the
// user re-authenticates with the password.
func (a *API) RequirePassword(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := sessionClaims(r)
		if claims == nil || !claims.Level.AtLeast(session.LevelPassword) {
			writeError(w, http.StatusUnauthorized, "password authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CSRFMiddleware enforces double-submit protection for
// cookie-authenticated mutating requests: the X-CSRF-Token header must
// match the secret minted into the session. Safe methods and requests
// without a session cookie are exempt; cross-origin requests cannot
// set custom headers.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		claims, ok := a.sessionFromRequest(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get(csrfHeaderName) != claims.CSRF {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionFromRequest validates the session cookie, if any.
func (a *API) sessionFromRequest(r *http.Request) (*session.Claims, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	claims, err := a.sessions.Validate(cookie.Value)
	if err != nil {
		return nil, false
	}
	return claims, true
}

// sessionClaims returns the claims stored by AuthMiddleware, or the
// cookie's claims when the handler runs without the middleware.
func sessionClaims(r *http.Request) *session.Claims {
	claims, _ := r.Context().Value(sessionKey).(*session.Claims)
	return claims
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
	})
}

// writeStagedCookie marks the staging browsing context so that
// redemption from the same browser does not need a password proof.
func writeStagedCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     stagedCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearStagedCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     stagedCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return r.Header.Get("X-Forwarded-Proto") == "https"
}
