// Package bootstrap wires the pieces every service process runs: database,
// broker, outbox relay, retention janitor, HTTP server and event consumer.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/config"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/database"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/housekeeping"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/inbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/messaging"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/outbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/telemetry"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	Config config.Service
	Source *config.Source
	Log    *logger.Logger
	DB     *sql.DB
	Rabbit *messaging.RabbitMQClient

	shutdown telemetry.ShutdownFunc
}

// Start loads configuration and connects to Postgres and RabbitMQ. Schema
// statements are applied when DB_AUTO_MIGRATE is true.
func Start(ctx context.Context, name, defaultPort, defaultDB string, schema ...string) (*Service, error) {
	src, err := config.Load()
	if err != nil {
		return nil, err
	}
	svcCfg := src.Service(name, defaultPort)
	log, err := logger.New(svcCfg.LogMode, svcCfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log = log.With("service", svcCfg.Name)
	log.Info("starting", "version", svcCfg.Version, "port", svcCfg.Port)

	shutdown, err := telemetry.Init(ctx, src, svcCfg, log)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, src.Database(defaultDB), log)
	if err != nil {
		return nil, err
	}
	if src.Bool("DB_AUTO_MIGRATE", true) {
		ddl := append([]string{database.ReliabilitySchema}, schema...)
		if err := database.EnsureSchema(ctx, db, ddl...); err != nil {
			db.Close()
			return nil, err
		}
	}

	rabbit := messaging.NewRabbitMQClient(messaging.NewRabbitMQConfig(src), log)
	if err := rabbit.Connect(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}

	return &Service{
		Config:   svcCfg,
		Source:   src,
		Log:      log,
		DB:       db,
		Rabbit:   rabbit,
		shutdown: shutdown,
	}, nil
}

func (s *Service) NewFiberApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      fmt.Sprintf("%s v%s", s.Config.Name, s.Config.Version),
		ErrorHandler: s.errorHandler,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${method} ${path} - ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID,Idempotency-Key",
	}))
	return app
}

// NotFound must be registered after every route.
func NotFound(app *fiber.App) {
	app.Use("*", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Route not found",
		})
	})
}

func (s *Service) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	s.Log.Error("request failed", "path", c.Path(), "status", code, "error", err)

	return c.Status(code).JSON(fiber.Map{
		"success":   false,
		"message":   message,
		"timestamp": time.Now(),
	})
}

func (s *Service) Relay() *outbox.Relay {
	publisher := messaging.NewPublisher(s.Rabbit, s.Log)
	return outbox.NewRelay(outbox.NewSQLStore(s.DB), publisher, s.Source.Outbox(), s.Log)
}

func (s *Service) Janitor() *housekeeping.Janitor {
	cfg := s.Source.Outbox()
	return housekeeping.NewJanitor(cfg.RetentionSchedule, cfg.Retention, s.Log).
		Add("outbox", outbox.NewSQLStore(s.DB).DeletePublishedBefore).
		Add("processed_event", inbox.NewSQLStore(s.DB).DeleteProcessedBefore)
}

// Consumer wraps handler with the inbox guard and subscribes it to bindings.
func (s *Service) Consumer(queue string, bindings []string, handler messaging.Handler) func(ctx context.Context) error {
	consumer := messaging.NewConsumer(s.Rabbit, queue, s.Config.Name, s.Log)
	guarded := inbox.NewGuard(inbox.NewSQLStore(s.DB), s.Log).Wrap(handler)
	return func(ctx context.Context) error {
		return consumer.Run(ctx, bindings, guarded)
	}
}

// Run serves HTTP and runs every task until ctx is cancelled or one of them
// fails, then shuts the rest down.
func (s *Service) Run(ctx context.Context, app *fiber.App, tasks ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Log.Info("http listening", "port", s.Config.Port)
		if err := app.Listen(":" + s.Config.Port); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Log.Info("shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	})
	for _, task := range tasks {
		task := task
		g.Go(func() error { return task(gctx) })
	}
	return g.Wait()
}

func (s *Service) Close() {
	if err := s.Rabbit.Close(); err != nil {
		s.Log.Warn("rabbitmq close", "error", err)
	}
	if err := s.DB.Close(); err != nil {
		s.Log.Warn("database close", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shutdown(ctx); err != nil {
		s.Log.Warn("telemetry shutdown", "error", err)
	}
	s.Log.Sync()
}
