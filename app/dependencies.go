package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/upb/sensor-gateway/cognito"
	"github.com/upb/sensor-gateway/config"
	"github.com/upb/sensor-gateway/handlers"
	"github.com/upb/sensor-gateway/middleware"
	"github.com/upb/sensor-gateway/observability"
	"github.com/upb/sensor-gateway/repositories"
	"github.com/upb/sensor-gateway/repositories/postgres"
	"github.com/upb/sensor-gateway/revocation"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Logger  *zap.Logger
	Metrics *observability.Metrics // nil when metrics are disabled

	// Repositories
	Sensors repositories.SensorRepository

	// Auth
	Revocations    revocation.Store
	KeyCache       *cognito.KeyCache
	Verifier       *cognito.Verifier
	Authenticator  *cognito.Authenticator
	AuthMiddleware *middleware.AuthMiddleware

	// Handlers
	AuthHandler   *handlers.AuthHandler
	SensorHandler *handlers.SensorHandler
	HealthHandler *handlers.HealthHandler

	redisClient *redis.Client
	idp         cognito.IdentityProviderClient
	keyFetcher  cognito.KeyFetcher
}

// Option overrides a dependency that would otherwise be built from config.
type Option func(*Dependencies)

// WithDB uses an already opened database instead of connecting from config.
func WithDB(db *postgres.DB) Option {
	return func(d *Dependencies) {
		d.DB = db
	}
}

// WithIdentityProvider uses the given Cognito API client instead of building
// one from the AWS credential chain.
func WithIdentityProvider(client cognito.IdentityProviderClient) Option {
	return func(d *Dependencies) {
		d.idp = client
	}
}

// WithKeyFetcher replaces the HTTP JWKS fetcher.
func WithKeyFetcher(f cognito.KeyFetcher) Option {
	return func(d *Dependencies) {
		d.keyFetcher = f
	}
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Dependencies, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}
	for _, opt := range opts {
		opt(deps)
	}

	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics(cfg.Observability.MetricsNamespace)
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps.Sensors = postgres.NewSensorRepository(deps.DB, logger)

	if err := deps.initRevocation(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize revocation store: %w", err)
	}

	if err := deps.initAuth(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	deps.initHandlers()

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase opens the PostgreSQL pool unless one was injected
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if d.DB == nil {
		db, err := postgres.NewDB(ctx, cfg.Database, d.Logger)
		if err != nil {
			return err
		}
		d.DB = db
	}

	if cfg.Database.InitSchema {
		if err := d.DB.InitSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// initRevocation picks Redis when configured, otherwise an in-process store
func (d *Dependencies) initRevocation(cfg *config.Config) error {
	if cfg.Revocation.RedisURL == "" {
		d.Revocations = revocation.NewMemoryStore(cfg.Revocation.TTL)
		d.Logger.Warn("REDIS_URL not set, sign-out revocations are kept in memory")
		return nil
	}

	store, client, err := revocation.NewRedisStoreFromURL(
		cfg.Revocation.RedisURL,
		cfg.Revocation.TTL,
		revocation.WithKeyPrefix(cfg.Revocation.KeyPrefix),
	)
	if err != nil {
		return err
	}
	d.Revocations = store
	d.redisClient = client
	d.Logger.Info("revocation store using redis")
	return nil
}

func (d *Dependencies) initAuth(ctx context.Context, cfg *config.Config) error {
	cc := cfg.Cognito

	fetcher := d.keyFetcher
	if fetcher == nil {
		fetcher = cognito.NewHTTPKeyFetcher(cc.KeySetURL(), nil, cc.JWKSFetchTimeout)
	}
	d.KeyCache = cognito.NewKeyCache(fetcher, cognito.KeyCacheConfig{
		TTL:                 cc.JWKSCacheTTL,
		GracePeriod:         cc.JWKSGracePeriod,
		FetchTimeout:        cc.JWKSFetchTimeout,
		MissRefreshInterval: cc.MissRefreshInterval,
	}, d.Logger, cognito.WithKeyCacheMetrics(d.Metrics))

	verifier, err := cognito.NewVerifier(d.KeyCache, cognito.VerifierConfig{
		Issuer:    cc.Issuer(),
		ClientID:  cc.ClientID,
		Algorithm: cc.Algorithm,
		TokenUse:  cc.TokenUse,
		Leeway:    cc.Leeway,
	}, d.Logger,
		cognito.WithRevocations(d.Revocations),
		cognito.WithVerifierMetrics(d.Metrics),
	)
	if err != nil {
		return err
	}
	d.Verifier = verifier

	if d.idp == nil {
		client, err := cognito.NewClient(ctx, cognito.ClientConfig{
			Region:      cc.Region,
			Endpoint:    cc.Endpoint,
			HTTPTimeout: cc.ProviderTimeout,
		})
		if err != nil {
			return err
		}
		d.idp = client
	}

	d.Authenticator = cognito.NewAuthenticator(d.idp, cognito.AuthenticatorConfig{
		ClientID:        cc.ClientID,
		ClientSecret:    cc.ClientSecret,
		Timeout:         cc.ProviderTimeout,
		BreakerFailures: uint32(cc.BreakerFailures),
		BreakerCooldown: cc.BreakerCooldown,
	}, d.Logger,
		cognito.WithRevocationRecorder(d.Revocations),
		cognito.WithAuthenticatorMetrics(d.Metrics),
	)

	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Verifier, cc.ClientID, d.Logger)
	d.Logger.Info("cognito auth initialized",
		zap.String("issuer", cc.Issuer()),
		zap.String("jwks_url", cc.KeySetURL()),
		zap.Bool("client_secret", cc.ClientSecret != ""))
	return nil
}

func (d *Dependencies) initHandlers() {
	d.AuthHandler = handlers.NewAuthHandler(d.Authenticator, d.Logger)
	d.SensorHandler = handlers.NewSensorHandler(d.Sensors, d.Logger)

	checks := map[string]handlers.CheckFunc{
		"database": d.DB.HealthCheck,
	}
	if store, ok := d.Revocations.(*revocation.RedisStore); ok {
		checks["revocation"] = store.Ping
	}
	d.HealthHandler = handlers.NewHealthHandler(checks, d.Logger)
}

// WarmUp fetches the signing keys ahead of the first request. A failure is
// logged and left to the lazy refresh on first use.
func (d *Dependencies) WarmUp(ctx context.Context) {
	set, err := d.KeyCache.Refresh(ctx)
	if err != nil {
		d.Logger.Warn("initial JWKS fetch failed", zap.Error(err))
		return
	}
	d.Logger.Info("signing keys loaded", zap.Int("keys", set.Len()))
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
