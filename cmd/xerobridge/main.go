// Command xerobridge runs the OAuth bridge: it brokers the Xero
// authorization-code flow, stores the resulting tokens, and creates
// invoices on behalf of authenticated callers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"xerobridge/config"
	"xerobridge/httpapi"
	"xerobridge/instrumentation"
	"xerobridge/providers"
	"xerobridge/providers/xero"
	"xerobridge/security"
	"xerobridge/server"
	"xerobridge/storage"
	"xerobridge/storage/memory"
	"xerobridge/storage/valkey"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("xerobridge exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "xerobridge",
		Enabled:     true,
	})
	if err != nil {
		return err
	}

	tokens, err := newTokenStore(cfg, logger, inst)
	if err != nil {
		return err
	}
	defer tokens.Close()

	usedCodes := server.NewUsedCodeTracker(cfg.UsedCodeSweepInterval, logger)
	defer usedCodes.Stop()

	var provider providers.Provider
	if cfg.ExchangeConfigured() {
		provider, err = xero.New(&xero.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       cfg.Scopes,
		})
		if err != nil {
			return err
		}
	} else {
		// The service still serves diagnostics; the exchange endpoints
		// answer server_misconfigured.
		logger.Warn("Xero client credentials not fully configured, exchange path disabled")
		provider, _ = xero.New(&xero.Config{ClientID: "unconfigured", ClientSecret: "unconfigured", RedirectURL: "http://localhost/unconfigured"})
	}

	srv := server.New(server.Config{
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		RedirectURL:     cfg.CallbackURL,
		DefaultTenantID: cfg.DefaultTenantID,
	}, provider, tokens, usedCodes, logger)
	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditEnabled))
	srv.SetInstrumentation(inst)

	handlerCfg := httpapi.Config{
		FrontendURL: cfg.FrontendURL,
		PublicURL:   cfg.PublicURL,
	}
	if cfg.AdminToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminToken), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		handlerCfg.AdminTokenHash = hash
	}

	handler := httpapi.NewHandler(srv, handlerCfg, logger)

	rateLimiter := security.NewRateLimiter(cfg.RateLimitRate, cfg.RateLimitBurst, logger)
	defer rateLimiter.Stop()
	handler.SetRateLimiter(rateLimiter)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting xerobridge", "addr", cfg.HTTPAddr, "token_store", cfg.TokenStore)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return inst.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newTokenStore(cfg config.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.TokenStore, error) {
	switch cfg.TokenStore {
	case "valkey":
		return valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			Logger:   logger,
		})
	default:
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, nil
	}
}
