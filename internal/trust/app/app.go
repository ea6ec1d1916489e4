package app

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

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/events"
	httpapi "github.com/aussiebroadwan/trustcore/internal/trust/http"
	"github.com/aussiebroadwan/trustcore/internal/trust/obs"
	"github.com/aussiebroadwan/trustcore/internal/trust/service"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/internal/trust/store/drivers/sqlite"
	"github.com/aussiebroadwan/trustcore/pkg/cryptox"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application encapsulates the trust core with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db      store.Store
	codec   *tokenx.Codec
	secrets *cryptox.SecretBox
	metrics *obs.Metrics
	bus     *events.Bus

	// Services
	policyService        *service.PolicyService
	auditService         *service.AuditService
	sessionService       *service.SessionService
	mfaService           *service.MFAService
	loginService         *service.LoginService
	impersonationService *service.ImpersonationService
	oidcService          *service.OIDCService
	userService          *service.UserService
	bootstrapService     *service.BootstrapService
	housekeepingService  *service.HousekeepingService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "trustcore",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if cfg.SessionSecret == "" || cfg.ImpersonationSecret == "" {
		return nil, errors.New("TRUST_SESSION_SECRET and TRUST_IMPERSONATION_SECRET must be set")
	}
	if cfg.SessionSecret == cfg.ImpersonationSecret {
		return nil, errors.New("session and impersonation secrets must differ")
	}
	if cfg.MFAEncryptionKey == "" {
		return nil, errors.New("TRUST_MFA_ENCRYPTION_KEY must be set")
	}

	secrets, err := cryptox.NewSecretBox([]byte(cfg.MFAEncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MFA secret encryption: %w", err)
	}
	app.secrets = secrets

	app.codec = &tokenx.Codec{
		Issuer:              cfg.Issuer,
		SessionSecret:       []byte(cfg.SessionSecret),
		ImpersonationSecret: []byte(cfg.ImpersonationSecret),
		Leeway:              30 * time.Second,
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	app.metrics = obs.NewMetrics()
	app.bus = events.NewBus(app.logger)
	app.bus.Subscribe(func(ctx context.Context, e domain.Event) {
		app.logger.Info("domain event",
			"event", e.Name,
			"occurred_at", e.OccurredAt,
			"payload", e.Payload,
		)
	})

	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("trust core starting",
		"port", app.cfg.Port,
		"version", BuildVersion,
		"oidc_providers", len(app.cfg.OIDCProviders),
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down trust core...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	// Drain the event bus before closing the database so in-flight handlers
	// see a live store.
	app.bus.Close()
	if dropped := app.bus.Dropped(); dropped > 0 {
		app.logger.Warn("event bus dropped events during lifetime", "count", dropped)
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("trust core stopped")
	return nil
}

// initDatabase initializes the database and applies migrations.
func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initServices initializes all business logic services.
func (app *Application) initServices() {
	app.policyService = &service.PolicyService{Store: app.db}

	app.auditService = &service.AuditService{
		Store:   app.db,
		Metrics: app.metrics,
	}

	app.sessionService = &service.SessionService{
		Store:      app.db,
		Codec:      app.codec,
		Audit:      app.auditService,
		Metrics:    app.metrics,
		AccessTTL:  app.cfg.AccessTTL,
		RefreshTTL: app.cfg.RefreshTTL,
	}

	app.mfaService = &service.MFAService{
		Store:     app.db,
		Secrets:   app.secrets,
		Codec:     app.codec,
		Issuer:    app.cfg.Issuer,
		AccessTTL: app.cfg.AccessTTL,
		Freshness: app.cfg.MFAFreshness,
	}

	app.loginService = &service.LoginService{
		Store:    app.db,
		Sessions: app.sessionService,
		MFA:      app.mfaService,
		Policy:   app.policyService,
		Audit:    app.auditService,
		Metrics:  app.metrics,
	}

	app.impersonationService = &service.ImpersonationService{
		Store:   app.db,
		Codec:   app.codec,
		Policy:  app.policyService,
		MFA:     app.mfaService,
		Audit:   app.auditService,
		Bus:     app.bus,
		Metrics: app.metrics,
		MaxTTL:  app.cfg.ImpersonationMaxTTL,
	}

	app.oidcService = &service.OIDCService{
		Providers: app.cfg.OIDCProviders,
		Store:     app.db,
		Sessions:  app.sessionService,
		Policy:    app.policyService,
		Audit:     app.auditService,
		Metrics:   app.metrics,
	}

	app.userService = &service.UserService{
		Store:    app.db,
		Policy:   app.policyService,
		Audit:    app.auditService,
		Sessions: app.sessionService,
		Bus:      app.bus,
	}

	app.bootstrapService = &service.BootstrapService{
		Store: app.db,
		Token: app.cfg.BootstrapToken,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}

// initHTTP initializes the HTTP router and server.
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.codec,
		BuildVersion,
		app.db,
		app.metrics,
		app.cfg.AllowedOrigins,
		app.logger,
	)

	// Wire services to router
	router.LoginService = app.loginService
	router.SessionService = app.sessionService
	router.MFAService = app.mfaService
	router.ImpersonationService = app.impersonationService
	router.AuditService = app.auditService
	router.PolicyService = app.policyService
	router.OIDCService = app.oidcService
	router.UserService = app.userService
	router.BootstrapService = app.bootstrapService
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
