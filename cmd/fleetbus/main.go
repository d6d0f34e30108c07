package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fleetbus/fleetbus-server/internal/account"
	"github.com/fleetbus/fleetbus-server/internal/api"
	"github.com/fleetbus/fleetbus-server/internal/config"
	"github.com/fleetbus/fleetbus-server/internal/devicetype"
	"github.com/fleetbus/fleetbus-server/internal/eventlog"
	"github.com/fleetbus/fleetbus-server/internal/httputil"
	"github.com/fleetbus/fleetbus-server/internal/hub"
	"github.com/fleetbus/fleetbus-server/internal/postgres"
	"github.com/fleetbus/fleetbus-server/internal/topic"
	"github.com/fleetbus/fleetbus-server/internal/valkey"
	"github.com/fleetbus/fleetbus-server/internal/webhook"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Str("version", version).Msg("Starting fleetbus")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Repositories and the account-limits cache
	accountRepo := account.NewPGRepository(db)
	devtypeRepo := devicetype.NewPGRepository(db)
	topicRepo := topic.NewPGRepository(db)
	webhookRepo := webhook.NewPGRepository(db)
	logStore := eventlog.NewPGStore(db)

	recorder := eventlog.NewRecorder(logStore, log.Logger)
	limitsCache := account.NewValkeyCache(rdb, cfg.AccountCacheTTL)
	limits := account.NewResolver(accountRepo, limitsCache, log.Logger)

	// Broker core
	publisher := hub.NewWebhookPublisher(webhookRepo, recorder, cfg, version, log.Logger)
	broker := hub.NewHub(limits, topicRepo, recorder, publisher, cfg, log.Logger)

	app := newApp()
	registerRoutes(app, cfg, db, rdb, broker, accountRepo, devtypeRepo, topicRepo, webhookRepo, logStore)

	g, gctx := errgroup.WithContext(ctx)

	// The hub outlives the trigger context so the restart close frames fan out before its run loop stops.
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()

	g.Go(func() error {
		if err := broker.Run(hubCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("hub: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := publisher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("webhook publisher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.BindAddr).Msg("Server listening")
		if err := app.Listen(cfg.BindAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server")
		// Every connected device receives the restart close frame, then the hub and listener stop.
		broker.Shutdown()
		hubCancel()
		return app.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "fleetbus",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.CodeInternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = fiberStatusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    code,
					Message: message,
				},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	return app
}

func registerRoutes(
	app *fiber.App,
	cfg *config.Config,
	db *pgxpool.Pool,
	rdb *redis.Client,
	broker *hub.Hub,
	accountRepo account.Repository,
	devtypeRepo devicetype.Repository,
	topicRepo topic.Repository,
	webhookRepo webhook.Repository,
	logStore eventlog.Store,
) {
	signed := api.RequireSignature(cfg.HMACKey)
	tenant := api.RequireAccountID(cfg.MaxHeaderIDLen)

	health := api.NewHealthHandler(db, redisPinger{client: rdb})
	app.Get("/healthz", health.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	ws := api.NewWSHandler(broker, accountRepo, devtypeRepo, cfg, log.Logger)
	app.Get("/ws/", ws.Upgrade)

	messages := api.NewMessageHandler(broker, log.Logger)
	app.Post("/message", signed, tenant, messages.Publish)
	app.Get("/active_devices", tenant, messages.ActiveDevices)

	accounts := api.NewAccountHandler(accountRepo, cfg, log.Logger)
	app.Post("/accounts", signed, accounts.Create)
	app.Get("/accounts/api_key", signed, tenant, accounts.APIKey)

	devtypes := api.NewDeviceTypeHandler(devtypeRepo, log.Logger)
	app.Post("/device_types", signed, tenant, devtypes.Create)
	app.Get("/device_types", tenant, devtypes.List)

	topics := api.NewTopicHandler(topicRepo, log.Logger)
	app.Post("/topics", signed, tenant, topics.Create)
	app.Get("/topics", tenant, topics.List)

	webhooks := api.NewWebhookHandler(webhookRepo, log.Logger)
	app.Post("/webhooks", signed, tenant, webhooks.Create)
	app.Get("/webhooks", tenant, webhooks.List)
	app.Delete("/webhooks/:id", signed, tenant, webhooks.Delete)
	app.Post("/webhooks/:id/topics", signed, tenant, webhooks.BindTopic)
	app.Delete("/webhook_topics/:id", signed, tenant, webhooks.UnbindTopic)

	logs := api.NewLogsHandler(logStore, cfg, log.Logger)
	app.Get("/logs", tenant, logs.List)
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// fiberStatusToCode maps an HTTP status from Fiber's built-in errors (404, 405, etc.) to the closest response code.
func fiberStatusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.CodeNotFound
	case status == fiber.StatusTooManyRequests:
		return httputil.CodeRateLimited
	case status == fiber.StatusServiceUnavailable:
		return httputil.CodeServiceUnavailable
	case status >= 400 && status < 500:
		return httputil.CodeValidationError
	default:
		return httputil.CodeInternalError
	}
}
