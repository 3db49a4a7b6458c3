package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/waveloc/api/internal/cache"
	"github.com/waveloc/api/internal/client"
	"github.com/waveloc/api/internal/config"
	"github.com/waveloc/api/internal/handler"
	"github.com/waveloc/api/internal/middleware"
	"github.com/waveloc/api/internal/pubsub"
	"github.com/waveloc/api/internal/queue"
	"github.com/waveloc/api/internal/service"
	"github.com/waveloc/api/internal/store"
	"github.com/waveloc/api/internal/worker"
	ws "github.com/waveloc/api/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := newLogger(cfg.Server)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()
	logg := zl.Sugar()

	s, err := store.Open(&cfg.Postgres)
	if err != nil {
		logg.Fatalw("failed to open store", "error", err)
	}
	defer s.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logg.Warnw("redis not available at startup", "error", err)
	}

	asynqRedis := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(asynqRedis)
	defer asynqClient.Close()

	objects, err := client.NewMinioStore(&cfg.Minio)
	if err != nil {
		logg.Fatalw("failed to create object store client", "error", err)
	}
	if err := objects.EnsureBuckets(ctx, cfg.Minio.DataBucket, cfg.Minio.ModelBucket); err != nil {
		logg.Warnw("bucket check failed", "error", err)
	}

	var predictor client.Predictor
	script := client.NewScriptPredictor(&cfg.Predictor)
	if script.IsConfigured() {
		predictor = script
	} else {
		logg.Info("no prediction script configured, using mock predictor")
		predictor = &client.MockPredictor{Delay: 2 * time.Second}
	}

	jobs := store.NewJobStore(s, logg)
	catalog := store.NewCatalogStore(s)
	statusCache := cache.NewRedisCache(redisClient, time.Duration(cfg.Worker.StatusTTL)*time.Hour)
	bus := pubsub.NewRedisBus(redisClient, logg)
	enqueuer := service.NewAsynqEnqueuer(asynqClient, cfg.Worker.MaxRetry)

	localizeService := service.NewLocalizeService(jobs, catalog, statusCache, bus, enqueuer, logg)
	catalogService := service.NewCatalogService(catalog)

	validate := validator.New()
	localizeHandler := handler.NewLocalizeHandler(localizeService, validate)
	catalogHandler := handler.NewCatalogHandler(catalogService, validate)
	streamHandler := handler.NewStreamHandler(localizeService, bus, logg)
	hub := ws.NewHub(localizeService, bus, logg)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	var consumer *queue.Consumer
	var consumerHealthy func() bool
	if cfg.Rabbit.Enabled {
		consumer = queue.NewConsumer(localizeService, cfg.Rabbit, logg)
		consumerHealthy = consumer.Healthy
	}
	healthHandler := handler.NewHealthHandler(s, redisClient, consumerHealthy)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	app.Get("/health", healthHandler.Health)

	api := app.Group("/api")
	api.Post("/localize", rateLimiter.SubmitLimit(60), localizeHandler.Submit)
	api.Get("/status/:jobId", localizeHandler.Status)
	api.Delete("/jobs/:jobId", localizeHandler.Cancel)
	api.Get("/jobs", localizeHandler.List)
	api.Get("/stats", localizeHandler.Stats)
	api.Get("/stream/:jobId", streamHandler.Stream)

	catalogGroup := api.Group("", rateLimiter.CatalogLimit(60))
	catalogGroup.Post("/datasets", catalogHandler.CreateDataset)
	catalogGroup.Post("/rooms", catalogHandler.CreateRoom)
	catalogGroup.Post("/methods", catalogHandler.CreateMethod)
	api.Get("/datasets", catalogHandler.ListDatasets)
	api.Get("/rooms", catalogHandler.ListRooms)
	api.Get("/methods", catalogHandler.ListMethods)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		logg.Infow("server starting", "addr", addr)
		return app.Listen(addr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		logg.Info("shutting down server")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	g.Go(func() error {
		return runWorkerServer(gCtx, cfg, asynqRedis, localizeService, catalog, objects, predictor, logg)
	})

	g.Go(func() error {
		return runSweepScheduler(gCtx, cfg, asynqRedis, logg)
	})

	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gCtx)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		logg.Errorw("server exited", "error", err)
	}
}

func newLogger(cfg config.ServerConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.LogLevel); err != nil {
		level = zapcore.InfoLevel
	}
	var zcfg zap.Config
	if cfg.Env == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// runWorkerServer hosts the asynq processors: the localization worker
// on the dedicated queue plus the periodic sweep.
func runWorkerServer(
	ctx context.Context,
	cfg *config.Config,
	redisOpt asynq.RedisClientOpt,
	localizeService *service.LocalizeService,
	catalog *store.CatalogStore,
	objects client.ObjectStore,
	predictor client.Predictor,
	logg *zap.SugaredLogger,
) error {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			service.QueueLocalize: 9,
			"default":             1,
		},
		LogLevel: asynqLogLevel,
	})

	localizeWorker := worker.NewLocalizeWorker(
		localizeService, catalog, objects, predictor, logg,
		cfg.Minio.DataBucket, cfg.Minio.ModelBucket,
	)
	sweeper := worker.NewSweeper(localizeService, cfg.Worker, logg)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeLocalize, localizeWorker.ProcessTask)
	mux.HandleFunc(service.TaskTypeSweep, sweeper.ProcessTask)

	if err := srv.Start(mux); err != nil {
		return err
	}
	<-ctx.Done()
	srv.Shutdown()
	return ctx.Err()
}

// runSweepScheduler enqueues the sweep task on a fixed interval.
func runSweepScheduler(ctx context.Context, cfg *config.Config, redisOpt asynq.RedisClientOpt, logg *zap.SugaredLogger) error {
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})

	interval := cfg.Worker.SweepIntervalSecs
	if interval <= 0 {
		interval = 60
	}
	spec := "@every " + (time.Duration(interval) * time.Second).String()
	if _, err := scheduler.Register(spec, asynq.NewTask(service.TaskTypeSweep, nil)); err != nil {
		return err
	}

	if err := scheduler.Start(); err != nil {
		return err
	}
	logg.Infow("sweep scheduler started", "interval", spec)
	<-ctx.Done()
	scheduler.Shutdown()
	return ctx.Err()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": err.Error(),
		},
	})
}
