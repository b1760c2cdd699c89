package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/admin"
	"github.com/line-relay/backend/internal/api/handlers"
	"github.com/line-relay/backend/internal/assistant"
	"github.com/line-relay/backend/internal/buffer"
	"github.com/line-relay/backend/internal/cache/redis"
	"github.com/line-relay/backend/internal/extractor"
	"github.com/line-relay/backend/internal/feed"
	"github.com/line-relay/backend/internal/handover"
	"github.com/line-relay/backend/internal/line"
	"github.com/line-relay/backend/internal/llm"
	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/internal/middleware/ratelimit"
	"github.com/line-relay/backend/internal/middleware/security"
	"github.com/line-relay/backend/internal/middleware/validation"
	"github.com/line-relay/backend/internal/onboarding"
	"github.com/line-relay/backend/internal/processor"
	"github.com/line-relay/backend/internal/router"
	"github.com/line-relay/backend/internal/search/web"
	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/memory"
	"github.com/line-relay/backend/internal/storage/postgres"
	"github.com/line-relay/backend/internal/storage/sqlite"
	"github.com/line-relay/backend/internal/tools"
	"github.com/line-relay/backend/pkg/config"
	appLogger "github.com/line-relay/backend/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	if err := cfg.Validate(); err != nil {
		appLogger.Fatal("Invalid configuration", zap.Error(err))
	}

	appLogger.Info("Starting LINE relay server", zap.String("environment", cfg.Server.Environment))
	metrics.Init()

	store, err := openStore(cfg)
	if err != nil {
		appLogger.Fatal("Failed to open store", zap.Error(err))
	}
	if err := store.InitSchema(context.Background()); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var (
		redisClient *redis.Client
		searchCache web.Cache
		counter     processor.Counter
		counters    handlers.CounterReader
	)
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, continuing without cache", zap.Error(err))
		} else {
			searchCache = redisClient
			counter = redisClient
			counters = redisClient
		}
	}

	lineClient, err := line.NewClient(cfg.Line.APIBaseURL, cfg.Line.ChannelAccessToken, time.Duration(cfg.Line.TimeoutSec)*time.Second)
	if err != nil {
		appLogger.Fatal("Failed to create LINE client", zap.Error(err))
	}
	sender := line.NewSender(lineClient, cfg.Line.MaxMessageLength)
	notifier := line.NewNotifier(sender, cfg.Line.AdminUserID)
	if cfg.Line.AdminUserID == "" {
		appLogger.Warn("No admin user configured, admin notices are disabled")
	}

	flags := handover.NewService(store, cfg.Router.HandoverTTL)
	flags.SetNotifier(func(ctx context.Context, userID, reason string) error {
		return notifier.NotifyAdmin(ctx, line.Notice{
			Title:       line.TitleHandover,
			UserID:      userID,
			UserMessage: reason,
		})
	})
	sweeper, err := handover.NewSweeper(flags, cfg.Scheduler.HandoverCleanupCron)
	if err != nil {
		appLogger.Fatal("Failed to create handover sweeper", zap.Error(err))
	}

	dispatcher := tools.NewDispatcher(
		tools.NewDateTimeTool(),
		tools.NewOrgInfoTool(store),
		tools.NewHandoverTool(flags),
	)
	if searcher := newSearcher(cfg, searchCache); searcher != nil {
		if tool := tools.NewWebSearchTool(searcher, cfg.Search.MaxResults); tool != nil {
			dispatcher.Register(tool)
		}
	}
	appLogger.Info("Assistant tools registered", zap.Strings("tools", dispatcher.Names()))

	llmClient := llm.NewClient(llm.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.ExtractionModel,
	})
	extractors := extractor.NewChain(extractor.NewLLMExtractor(llmClient), extractor.NewKeywordExtractor())

	rt := router.New(flags, router.Config{
		Threshold:   cfg.Router.ConfidenceThreshold,
		Keywords:    cfg.Router.HandoverKeywords,
		Development: cfg.Server.IsDevelopment(),
	})

	machine := onboarding.NewMachine(store, extractors, notifier, onboarding.WithPassthrough(rt.IsHandoverRequest))

	backend := assistant.NewOpenAIBackend(assistant.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		AssistantID: cfg.OpenAI.AssistantID,
		BaseURL:     cfg.OpenAI.BaseURL,
	})
	gateway := assistant.NewGateway(backend, store, assistant.Config{
		PollInterval:   cfg.OpenAI.PollInterval,
		PollMaxRetries: cfg.OpenAI.PollMaxRetries,
	},
		assistant.WithDispatcher(dispatcher),
		assistant.WithPreamble(machine.Context),
	)

	commands := admin.NewService(admin.Deps{
		Profiles:   store,
		History:    store,
		Handover:   flags,
		Threads:    gateway,
		Onboarding: machine,
	})

	hub := feed.NewHub()

	proc := processor.New(processor.Deps{
		Gateway:    gateway,
		Router:     rt,
		Onboarding: machine,
		Sender:     sender,
		Notifier:   notifier,
		Flags:      flags,
		History:    store,
		Commands:   commands,
		Feed:       hub,
		Counter:    counter,
	}, processor.Config{
		AdminUserID: cfg.Line.AdminUserID,
		Buffer: buffer.Config{
			Timeout:      cfg.Buffer.Timeout,
			MaxFragments: cfg.Buffer.MaxFragments,
			MinLength:    cfg.Buffer.MinLength,
			MaxCJKChars:  cfg.Buffer.MaxCJKChars,
		},
	}, nil)
	commands.SetBuffer(proc)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Admin.RequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	checks := []handlers.Check{{Name: "store", Probe: storeProbe(store)}}
	if redisClient != nil {
		checks = append(checks, handlers.Check{Name: "redis", Probe: redisClient.Ping})
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.Server.IsDevelopment()}))

	handlers.Register(app, handlers.Routes{
		Webhook: handlers.NewWebhookHandler(proc),
		Admin: handlers.NewAdminHandler(handlers.AdminDeps{
			Profiles:     store,
			Users:        store,
			History:      store,
			Handover:     flags,
			Buffer:       proc,
			Counters:     counters,
			CounterNames: []string{processor.CounterMessages, processor.CounterHandovers},
		}),
		Feed:      handlers.NewFeedHandler(hub),
		Health:    handlers.NewHealthHandler(checks...),
		Signature: validation.LineSignature(validation.Config{ChannelSecret: cfg.Line.ChannelSecret, Logger: appLogger.GetLogger()}),
		AdminGuard: []fiber.Handler{
			security.BearerAuth(cfg.Admin.APIToken),
			limiter.Middleware(),
		},
	})

	sweeper.Start(context.Background())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sweeper.Stop()
	if err := app.ShutdownWithContext(ctx); err != nil {
		appLogger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	if err := proc.Close(ctx); err != nil {
		appLogger.Error("Failed to drain processor", zap.Error(err))
	}
	hub.Close()
	if redisClient != nil {
		redisClient.Close()
	}
	if err := store.Close(); err != nil {
		appLogger.Error("Failed to close store", zap.Error(err))
	}

	appLogger.Info("Server stopped")
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.NewClient(cfg.Postgres.DSN)
	case "memory":
		appLogger.Warn("Using in-memory store, data is lost on restart")
		return memory.NewStore(), nil
	default:
		return sqlite.NewClient(cfg.SQLite.Path)
	}
}

// newSearcher builds the web search client. The configured provider is tried
// first and DuckDuckGo is always the fallback.
func newSearcher(cfg *config.Config, cache web.Cache) *web.Client {
	if !cfg.Search.Enabled {
		return nil
	}

	var providers []web.Provider
	if strings.EqualFold(cfg.Search.Provider, "serpapi") {
		if cfg.Search.SerpAPIKey == "" {
			appLogger.Warn("SerpAPI selected without an API key, falling back to DuckDuckGo")
		} else {
			providers = append(providers, web.NewSerpAPIProvider(cfg.Search.SerpAPIKey))
		}
	}
	providers = append(providers, web.NewDuckDuckGoProvider())

	return web.NewClient(web.Config{
		Timeout:  time.Duration(cfg.Search.TimeoutSec) * time.Second,
		CacheTTL: cfg.Search.CacheTTL,
	}, cache, providers...)
}

// storeProbe treats a missing row as a healthy round trip.
func storeProbe(store storage.Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := store.GetHandoverFlag(ctx, "__readiness__")
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	}
}
