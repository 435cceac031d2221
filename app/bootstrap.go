package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"store-api/internal/auth"
	"store-api/internal/db"
	"store-api/internal/maintenance"
	"store-api/internal/media"
	"store-api/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Config  Config
	Logger  *observability.Logger
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := LoadConfig(os.Getenv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.Environment)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment, cfg.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := OpenDatabase(context.Background(), cfg.Database)
	if err != nil {
		return nil, err
	}

	if options.RunMigrations {
		applied, err := db.RunMigrations(context.Background(), database)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	authRepo := auth.NewRepository(database)
	authService, issuer, err := NewAuthService(cfg.Auth, authRepo)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	authService.WithRoles(authRepo).WithMailer(auth.NewLogMailer(logger))

	cloudinaryClient, err := media.NewCloudinary(cfg.CloudinaryURL)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init cloudinary: %w", err)
	}
	authService.WithAvatarUploader(cloudinaryClient)

	if cfg.Google.Enabled() {
		authService.WithIdentityProvider(auth.NewGoogleProvider(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL))
	}

	if err := authService.BootstrapAdmin(context.Background(), cfg.AdminEmail, cfg.AdminName, cfg.AdminPassword); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	var redisClient *redis.Client
	var counter auth.HitCounter = auth.NewMemoryHitCounter(5000)
	if cfg.RedisURL != "" {
		redisClient, err = openRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.Warn("redis_unavailable", map[string]any{"error": err.Error()})
		} else {
			counter = auth.NewRedisHitCounter(redisClient)
		}
	}

	cookies := auth.CookieConfig{
		Secure:     cfg.CookieSecure,
		AccessTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTTL: cfg.Auth.RefreshTokenTTL,
	}
	gate := auth.NewGate(auth.NewSessionResolver(issuer, authRepo), cookies, cfg.Auth)
	authHandler := auth.NewHandler(authService, cookies)
	loginLimiter := auth.NewLoginRateLimiter(counter, cfg.LoginRateLimitMax, cfg.LoginRateLimitWait).
		WithTrustedProxies(cfg.TrustedProxies)
	cleanupHandler := maintenance.NewCleanupHandler(authRepo, logger, cfg.CronSecret, cfg.CleanupBatchSize)
	mediaUploadHandler := media.NewUploadHandler(cloudinaryClient)

	mux := http.NewServeMux()
	registerRoutes(mux, authHandler, gate, loginLimiter)
	mux.Handle("POST /media/upload", gate.RequireAdmin(http.HandlerFunc(mediaUploadHandler.Upload)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(authRepo))

	handler := observability.RequestIDMiddleware(
		observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux)),
	)

	return &Runtime{
		Config:  cfg,
		Logger:  logger,
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			_ = logger.Sync()
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return database.Close()
		},
	}, nil
}

func registerRoutes(mux *http.ServeMux, h *auth.Handler, gate *auth.Gate, limiter *auth.LoginRateLimiter) {
	mux.HandleFunc("POST /api/user/register", h.Register)
	mux.Handle("POST /api/user/login", limiter.Middleware(http.HandlerFunc(h.Login)))
	mux.HandleFunc("GET /api/user/google-login", h.ProviderRedirect)
	mux.HandleFunc("POST /api/user/google-login", h.ProviderLogin)
	mux.HandleFunc("POST /api/user/verify-email", h.VerifyEmail)
	mux.HandleFunc("POST /api/user/forgot-password", h.RequestPasswordReset)
	mux.HandleFunc("PATCH /api/user/forgot-password", h.ResetPassword)
	mux.HandleFunc("POST /api/user/refresh", h.Refresh)

	mux.Handle("GET /api/user/get-details", gate.RequireUser(http.HandlerFunc(h.Details)))
	mux.Handle("POST /api/user/change-password", gate.RequireUser(http.HandlerFunc(h.ChangePassword)))
	mux.Handle("POST /api/user/logout", gate.RequireUser(http.HandlerFunc(h.Logout)))

	mux.Handle("POST /api/user/me", gate.RequireAdmin(http.HandlerFunc(h.Me)))
	mux.Handle("POST /api/user/add-role", gate.RequireAdmin(http.HandlerFunc(h.AddRole)))
	mux.Handle("GET /api/user/roles", gate.RequireAdmin(http.HandlerFunc(h.ListRoles)))
}

// NewAuthService assembles the cipher, issuer and service over store.
func NewAuthService(cfg auth.Config, store auth.AccountStore) (*auth.Service, *auth.TokenIssuer, error) {
	cipher, err := auth.NewPayloadCipher(cfg.CipherSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("init payload cipher: %w", err)
	}
	issuer, err := auth.NewTokenIssuer(cipher, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init token issuer: %w", err)
	}
	return auth.NewService(store, issuer, cfg), issuer, nil
}

func OpenDatabase(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.MaxOpenConns)
	database.SetMaxIdleConns(cfg.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return database, nil
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
