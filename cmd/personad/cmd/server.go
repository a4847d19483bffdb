package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/browserid/personad/api"
	"github.com/browserid/personad/ca"
	"github.com/browserid/personad/config"
	"github.com/browserid/personad/discovery"
	"github.com/browserid/personad/identity"
	"github.com/browserid/personad/secrets"
	"github.com/browserid/personad/session"
	"github.com/browserid/personad/store"
	boltstore "github.com/browserid/personad/store/bolt"
	"github.com/browserid/personad/store/memory"
	sqlitestore "github.com/browserid/personad/store/sqlite"
	"github.com/browserid/personad/verifier"
)

var (
	addr     string
	varDir   string
	backend  string
	hostname string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the identity provider server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.Addr = addr
		}
		if varDir != "" {
			cfg.VarDir = varDir
		}
		if backend != "" {
			cfg.Backend = backend
		}
		if hostname != "" {
			cfg.Hostname = hostname
		}

		if err := os.MkdirAll(cfg.VarDir, 0o700); err != nil {
			return fmt.Errorf("failed to create var directory: %w", err)
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		// Missing key material aborts startup: certifying without a
		// trustworthy key is worse than not starting.
		sec, err := secrets.LoadOrCreate(cfg.VarDir)
		if err != nil {
			return fmt.Errorf("failed to load key material: %w", err)
		}
		authority, err := ca.New(sec, cfg.Hostname)
		if err != nil {
			return err
		}
		signer := ca.NewSigner(authority, cfg.SigningWorkers, cfg.SigningTimeout)
		defer signer.Close()

		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open account store: %w", err)
		}
		defer st.Close()

		discOpts := []discovery.Option{
			discovery.WithCacheTTL(cfg.DiscoveryTTL),
			discovery.WithFetchTimeout(cfg.DiscoveryTimeout),
			discovery.WithScheme(cfg.DiscoveryScheme),
		}
		if len(cfg.Proxies) > 0 {
			discOpts = append(discOpts, discovery.WithProxies(cfg.Proxies))
		}
		if cfg.DisablePrimarySupport {
			discOpts = append(discOpts, discovery.Disabled())
		}
		disc := discovery.New(discOpts...)
		for _, shim := range cfg.Shims {
			if err := disc.AddShim(shim); err != nil {
				return fmt.Errorf("invalid shim %q: %w", shim, err)
			}
		}

		sessionSecret, err := sec.Secret("session")
		if err != nil {
			return fmt.Errorf("failed to load session secret: %w", err)
		}
		sessions := session.New(sessionSecret, cfg.Hostname,
			session.WithDuration(cfg.SessionDuration),
			session.WithEphemeralDuration(cfg.EphemeralSessionDuration),
		)

		idm := identity.New(st, disc, cfg.Hostname,
			identity.WithLogger(logger),
			identity.WithBcryptCost(cfg.BcryptCost),
			identity.WithMaxFailedAuth(cfg.MaxFailedAuth),
			identity.WithTokenTTL(cfg.TokenTTL),
			identity.WithStageInterval(cfg.StageInterval),
		)

		var verifierOpts []verifier.Option
		if cfg.DisablePrimarySupport {
			verifierOpts = append(verifierOpts, verifier.DisablePrimarySupport())
		}
		verif := verifier.New(cfg.Hostname, authority.PublicKey(), disc, verifierOpts...)

		apiOpts := []api.Option{
			api.WithLogger(logger),
			api.WithPublicURL(cfg.PublicURL),
			api.WithCertValidity(cfg.CertValidity),
		}
		if cfg.AllowUnverified {
			apiOpts = append(apiOpts, api.AllowUnverified())
		}
		a := api.New(idm, sessions, authority, signer, verif, st, cfg.Hostname, apiOpts...)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("Starting %s on %s (backend: %s, var: %s)...\n",
			cfg.Hostname, cfg.Addr, cfg.Backend, cfg.VarDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "bolt":
		return boltstore.Open(cfg.BoltPath, nil)
	case "sqlite":
		return sqlitestore.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides PERSONAD_ADDR)")
	serverCmd.Flags().StringVar(&varDir, "var-dir", "", "Directory for key material and state")
	serverCmd.Flags().StringVar(&backend, "backend", "", "Account store backend: memory, bolt, or sqlite")
	serverCmd.Flags().StringVar(&hostname, "hostname", "", "Public hostname this service certifies for")
}
