package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/DEVector-it/Mythai/internal/api"
	"github.com/DEVector-it/Mythai/internal/chat"
	"github.com/DEVector-it/Mythai/internal/config"
	"github.com/DEVector-it/Mythai/internal/database"
	"github.com/DEVector-it/Mythai/internal/events"
	"github.com/DEVector-it/Mythai/internal/genai"
	"github.com/DEVector-it/Mythai/internal/identity"
	"github.com/DEVector-it/Mythai/internal/middleware"
	"github.com/DEVector-it/Mythai/internal/plans"
	"github.com/DEVector-it/Mythai/internal/quota"
	iredis "github.com/DEVector-it/Mythai/internal/redis"
	"github.com/DEVector-it/Mythai/internal/server"
	"github.com/DEVector-it/Mythai/internal/settings"
	"github.com/DEVector-it/Mythai/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Durable store
	st, pool, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("opening store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Redis (optional, backs burst and rate limiting)
	var redisClient *goredis.Client
	if cfg.Redis.Enabled {
		redisClient, err = iredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Error("connecting to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
	}

	// NATS events (optional)
	var natsClient *events.Client
	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		natsClient, err = events.NewClient(ctx, cfg.NATS.URL)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		publisher = events.NewPublisher(natsClient.JetStream())

		var sink events.AuditSink = events.LogAuditSink{}
		if pool != nil {
			sink = events.NewPostgresAuditSink(pool)
		}
		consumer := events.NewAuditConsumer(natsClient.JetStream(), sink)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("audit consumer stopped", "error", err)
			}
		}()
	}

	// Model backend
	model := genai.NewClient(cfg.GenAI.APIKey, cfg.GenAI.BaseURL)

	// Plans and quota
	catalog := plans.NewCatalog(cfg.GenAI.Model, cfg.GenAI.PremiumModel)

	if err := bootstrap(ctx, st, catalog, cfg); err != nil {
		slog.Error("bootstrapping state", "error", err)
		os.Exit(1)
	}

	var burst *quota.BurstLimiter
	if redisClient != nil {
		burst = quota.NewBurstLimiter(redisClient)
	}
	tracker := quota.NewTracker(st, catalog, burst, cfg.Quota.BurstPerMinute)

	// Chat pipeline
	chatSvc := chat.NewService(st, tracker, catalog, model, publisher, chat.Config{
		MaxHistoryTurns:  cfg.History.MaxTurns,
		MaxHistoryTokens: cfg.History.MaxTokens,
		StreamTimeout:    cfg.GenAI.StreamTimeout,
		TitleTimeout:     cfg.GenAI.TitleTimeout,
	})
	chatHandler := chat.NewHandler(chatSvc)

	quotaHandler := quota.NewHandler(tracker)
	settingsHandler := settings.NewHandler(st)

	// Identity
	jwtManager := identity.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	apiKeys := identity.NewAPIKeys(st)

	// Router
	routerCfg := api.RouterConfig{CORSAllowedOrigins: cfg.CORS.AllowedOrigins}
	if cfg.RateLimit.Enabled && redisClient != nil {
		limiter := middleware.NewRateLimiter(redisClient, cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSeconds)
		routerCfg.TurnRateLimiter = limiter.Middleware
	}

	handlerSet := api.HandlerSet{
		CreateChat: chatHandler.Create,
		ListChats:  chatHandler.List,
		StreamTurn: chatHandler.StreamTurn,
		RenameChat: chatHandler.Rename,
		DeleteChat: chatHandler.Delete,
		ShareChat:  chatHandler.Share,
		SharedChat: chatHandler.SharedChat,

		GetQuota:        quotaHandler.Get,
		GetAnnouncement: settingsHandler.GetAnnouncement,

		AuthMiddleware:      identity.Middleware(jwtManager, apiKeys),
		OwnershipMiddleware: chatHandler.OwnershipMiddleware,
	}
	if redisClient != nil {
		rc := redisClient
		handlerSet.RedisHealthy = func() bool {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return rc.Ping(pingCtx).Err() == nil
		}
	}

	router := api.NewRouter(st, natsClient, routerCfg, handlerSet)

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// openStore picks the durable backend. The pool is non-nil only for the
// postgres driver; the audit sink reuses it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *pgxpool.Pool, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if err := database.RunMigrations(cfg.DB.DSN(), cfg.Store.MigrationsPath); err != nil {
			return nil, nil, err
		}
		pool, err := database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgres(pool), pool, nil
	default:
		fs, err := store.OpenFile(cfg.Store.Path, cfg.Store.Backups)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("opened file store", "path", cfg.Store.Path)
		return fs, nil, nil
	}
}

// bootstrap applies configured site state: the announcement banner and the
// initial user a fresh deployment signs tokens for.
func bootstrap(ctx context.Context, st store.Store, catalog *plans.Catalog, cfg *config.Config) error {
	if cfg.Site.Announcement != "" {
		if err := st.SetAnnouncement(ctx, cfg.Site.Announcement); err != nil {
			return fmt.Errorf("setting announcement: %w", err)
		}
	}

	if cfg.Bootstrap.UserID == "" {
		return nil
	}
	if !catalog.Known(plans.Plan(cfg.Bootstrap.Plan)) {
		slog.Warn("bootstrap user has an unknown plan, free limits apply", "plan", cfg.Bootstrap.Plan)
	}
	existing, err := st.GetUser(ctx, cfg.Bootstrap.UserID)
	if err != nil {
		return fmt.Errorf("checking bootstrap user: %w", err)
	}
	if existing != nil {
		return nil
	}

	u := &store.User{
		ID:        cfg.Bootstrap.UserID,
		Username:  cfg.Bootstrap.Username,
		Role:      cfg.Bootstrap.Role,
		Plan:      cfg.Bootstrap.Plan,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.PutUser(ctx, u); err != nil {
		return fmt.Errorf("creating bootstrap user: %w", err)
	}
	slog.Info("bootstrap user created", "user_id", u.ID, "plan", u.Plan)
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
