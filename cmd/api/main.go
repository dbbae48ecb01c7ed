package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/subwave-io/subwave/broker"
	"github.com/subwave-io/subwave/cache"
	"github.com/subwave-io/subwave/db"
	"github.com/subwave-io/subwave/subscription"
	"github.com/subwave-io/subwave/user"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       env != "production",
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot initialize zapsentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	gormDB, err := db.New(logger, os.Getenv("POSTGRES_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	planCache, err := cache.NewRedis(rdb)
	if err != nil {
		logger.Fatal("Cannot initialize Cache",
			zap.Error(err),
		)
	}

	amqpBroker, err := broker.NewAMQPBroker(os.Getenv("AMQP_URI"), logger)
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	planManager, err := subscription.NewPlanManager(subscription.PlanManagerOptions{
		DB:     gormDB,
		Logger: logger,
		Cache:  planCache,
	})
	if err != nil {
		logger.Fatal("Cannot initialize PlanManager",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:      gormDB,
		Logger:  logger,
		Gateway: amqpBroker,
		Plans:   planManager,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	reconciler, err := subscription.NewReconciler(subscription.ReconcilerOptions{
		DB:     gormDB,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Reconciler",
			zap.Error(err),
		)
	}

	webhookTask, err := subscription.NewTask(subscription.TaskOptions{
		Reconciler: reconciler,
		Consumer:   amqpBroker,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize webhook Task",
			zap.Error(err),
		)
	}
	if err := webhookTask.HandleWebhooks(); err != nil {
		logger.Fatal("Cannot subscribe to webhook topic",
			zap.Error(err),
		)
	}

	userManager, err := user.NewManager(user.ManagerOptions{
		DB:     gormDB,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize UserManager",
			zap.Error(err),
		)
	}

	subscriptionRouter, err := subscription.NewService(subscription.ServiceOptions{
		Manager:    subscriptionManager,
		Plans:      planManager,
		Reconciler: reconciler,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	userRouter, err := user.NewService(user.ServiceOptions{
		Manager: userManager,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize User Service Router",
			zap.Error(err),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := amqpBroker.Start(ctx); err != nil {
		logger.Fatal("Cannot start Broker consumers",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-User-Id"},
		MaxAge:         300,
	}))

	rootRouter.Mount("/subscriptions", subscriptionRouter.Router())
	rootRouter.Mount("/plans", subscriptionRouter.PlanRouter())
	rootRouter.Mount("/users", userRouter.Router())

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    ":42069",
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server stopped",
				zap.Error(err),
			)
		}
	}()
	logger.Info("API started", zap.String("Addr", srv.Addr))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed",
			zap.Error(err),
		)
	}
}
