// Package api exposes the service over HTTP: the wsapi surface the
// browser-side code drives, the relying-party verification endpoint,
// and this host's own support document.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/browserid/personad/ca"
	"github.com/browserid/personad/identity"
	"github.com/browserid/personad/session"
	"github.com/browserid/personad/store"
	"github.com/browserid/personad/verifier"
)

//go:embed openapi.yaml
var openapiSpec []byte

// TokenSender delivers a staged verification token to an address. The
// default logs the token; production wires an email sender, tests wire
// an interceptor that captures it.
type TokenSender func(ctx context.Context, email, token string, site store.SiteInfo)

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	identity        *identity.Manager
	sessions        *session.Manager
	authority       *ca.Authority
	signer          *ca.Signer
	verifier        *verifier.Verifier
	store           store.Store
	hostname        string
	publicURL       string
	certValidity    time.Duration
	allowUnverified bool
	sendToken       TokenSender
	audit           *auditLogger
	logger          *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for handler and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithTokenSender replaces verification-token delivery.
func WithTokenSender(send TokenSender) Option {
	return func(a *API) { a.sendToken = send }
}

// WithPublicURL sets the externally visible origin, used as the
// audience for assertion sign-ins and to resolve support-document
// URLs.
func WithPublicURL(origin string) Option {
	return func(a *API) { a.publicURL = origin }
}

// WithCertValidity caps minted certificate lifetimes.
func WithCertValidity(d time.Duration) Option {
	return func(a *API) { a.certValidity = d }
}

// AllowUnverified accepts assertion sign-ins over unverified
// addresses.
func AllowUnverified() Option {
	return func(a *API) { a.allowUnverified = true }
}

// New creates a new API instance.
func New(idm *identity.Manager, sessions *session.Manager, authority *ca.Authority,
	signer *ca.Signer, verif *verifier.Verifier, st store.Store, hostname string, opts ...Option) *API {
	a := &API{
		identity:     idm,
		sessions:     sessions,
		authority:    authority,
		signer:       signer,
		verifier:     verif,
		store:        st,
		hostname:     hostname,
		certValidity: ca.DefaultValidity,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.publicURL == "" {
		a.publicURL = "https://" + hostname
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	if a.sendToken == nil {
		a.sendToken = func(ctx context.Context, email, token string, site store.SiteInfo) {
			a.logger.InfoContext(ctx, "verification token issued",
				"email", email, "site", site.Origin)
		}
	}
	return a
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Get("/.well-known/browserid", a.WellKnown)
	r.Post("/verify", a.VerifyAssertion)

	r.Route("/wsapi", func(r chi.Router) {
		r.Use(a.CSRFMiddleware)

		r.Get("/address_info", a.AddressInfo)
		r.Get("/session_context", a.SessionContext)
		r.Get("/email_for_token", a.EmailForToken)

		r.Post("/stage_user", a.StageUser)
		r.Post("/complete_user_creation", a.CompleteUserCreation)
		r.Post("/stage_reset", a.StageReset)
		r.Post("/complete_reset", a.CompleteReset)
		r.Post("/stage_transition", a.StageTransition)
		r.Post("/complete_transition", a.CompleteTransition)
		r.Post("/complete_email_addition", a.CompleteEmailAddition)

		r.Post("/authenticate_user", a.AuthenticateUser)
		r.Post("/auth_with_assertion", a.AuthWithAssertion)
		r.Post("/logout", a.Logout)
		r.Post("/prolong_session", a.ProlongSession)

		r.With(a.AuthMiddleware).Post("/stage_email", a.StageEmail)
		r.With(a.AuthMiddleware).Post("/remove_email", a.RemoveEmail)
		r.With(a.AuthMiddleware).Post("/account_cancel", a.AccountCancel)
		r.With(a.AuthMiddleware, a.RequirePassword).Post("/update_password", a.UpdatePassword)
		r.With(a.AuthMiddleware, a.RequirePassword).Post("/cert_key", a.CertKey)
	})

	return r
}
