package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/config"
	"github.com/CaoNhatLinh/squareup-sub001/handlers"
	"github.com/CaoNhatLinh/squareup-sub001/middlewares"
	"github.com/CaoNhatLinh/squareup-sub001/models"
	"github.com/CaoNhatLinh/squareup-sub001/payment"
	"github.com/CaoNhatLinh/squareup-sub001/store"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/CaoNhatLinh/squareup-sub001/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// backend holds whatever main connected, so shutdown can close it.
type backend struct {
	store    store.Store
	redis    *redis.Client
	locker   utils.Locker
	sessions middlewares.SessionResolver
	events   workflow.OrderEventPublisher
	closers  []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func main() {
	settings := config.LoadSettings()
	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP. Until dependencies are connected the gate
	// answers /healthz and returns 503 for everything else.
	var app atomic.Pointer[gin.Engine]
	gate := gin.New()
	gate.Use(middlewares.ReadinessGate(func() bool { return app.Load() != nil }))
	gate.NoRoute(func(c *gin.Context) {
		app.Load().ServeHTTP(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: gate,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	deps, err := connectBackend(sigCtx, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Error("failed to connect dependencies: " + err.Error())
		shutdownServer(srv, logger)
		return
	}
	defer deps.close()

	processor := payment.NewStripeProcessor(settings.StripeSecretKey, settings.StripeWebhookSecret, settings.PaymentCurrency, settings.PaymentTimeout)
	if settings.StripeSecretKey == "" {
		logger.WithFields(logrus.Fields{"field": "payment"}).Warn("STRIPE_SECRET_KEY is empty; checkout calls will fail")
	}

	reconciler := workflow.NewPaymentReconciler(deps.store, processor, deps.locker, deps.events, logger)
	reconciler.SuccessURL = settings.CheckoutSuccessURL
	reconciler.CancelURL = settings.CheckoutCancelURL
	reconciler.PaymentTimeout = settings.PaymentTimeout

	// Background workers stop before the HTTP drain.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if settings.SweeperEnabled {
		sweeper := workflow.NewStalePendingSweeper(reconciler.Ledger, logger)
		sweeper.TTL = settings.PendingOrderTTL
		sweeper.Interval = settings.SweepInterval
		go sweeper.Run(workerCtx)
	}

	app.Store(newRouter(settings, logger, deps, handlers.Dependencies{
		Tables:     models.NewTableRepository(deps.store),
		Reconciler: reconciler,
	}))

	logger.WithFields(logrus.Fields{
		"info":    "Connection Established",
		"backend": settings.StoreBackend,
		"events":  settings.EventBus,
	}).Info("listening on port ", settings.Port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	cancelWorkers()
	shutdownServer(srv, logger)
}

func shutdownServer(srv *http.Server, logger *logrus.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}

func connectBackend(ctx context.Context, settings config.Settings, logger *logrus.Logger) (*backend, error) {
	b := &backend{locker: utils.NopLocker{}, events: workflow.NopPublisher{}}

	switch settings.StoreBackend {
	case config.StoreBackendMemory:
		if settings.IsProduction() {
			return nil, errors.New("the memory store backend is not allowed in production")
		}
		logger.WithFields(logrus.Fields{"field": "store"}).Warn("using the in-memory store; data is lost on restart")
		b.store = store.NewMemoryStore()
		b.sessions = middlewares.StaticSessions(settings.DevSessions)
	case config.StoreBackendRedis, config.StoreBackendMySQL:
		// Redis backs sessions, locks and rate limiting for both backends.
		b.redis = config.ConnectRedisWithRetry(ctx, settings.RedisAddress)
		if b.redis == nil {
			return nil, ctx.Err()
		}
		b.closers = append(b.closers, func() { _ = b.redis.Close() })
		b.locker = utils.NewRedisLocker(config.GetRedisLock(), logger)
		b.sessions = middlewares.RedisSessions{Client: b.redis}

		if settings.StoreBackend == config.StoreBackendRedis {
			b.store = store.NewRedisStore(b.redis, settings.RedisKeyPrefix)
			break
		}
		db := config.ConnectDatabaseWithRetry(ctx)
		if db == nil {
			b.close()
			return nil, ctx.Err()
		}
		if sqlDB, err := db.DB(); err == nil {
			b.closers = append(b.closers, func() { _ = sqlDB.Close() })
		}
		gormStore := store.NewGormStore(db)
		// AutoMigrate can block tables; allow running it as a separate job.
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
			if err := gormStore.Migrate(); err != nil {
				b.close()
				return nil, err
			}
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
		b.store = gormStore
	default:
		return nil, errors.New("unknown STORE_BACKEND " + settings.StoreBackend)
	}

	if err := connectEventBus(ctx, settings, logger, b); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

func connectEventBus(ctx context.Context, settings config.Settings, logger *logrus.Logger, b *backend) error {
	switch settings.EventBus {
	case config.EventBusNone, "":
		return nil
	case config.EventBusPubSub:
		client, err := config.GetPubSubClient(ctx)
		if err != nil {
			return err
		}
		topic, err := config.CreateTopicIfNotExists(ctx, client, settings.OrderEventsTopic)
		if err != nil {
			_ = client.Close()
			return err
		}
		b.events = workflow.NewPubSubPublisher(topic)
		b.closers = append(b.closers, func() {
			topic.Stop()
			_ = client.Close()
		})
	case config.EventBusRabbitMQ:
		conn, ch, err := config.ConnectRabbitMQ(ctx, settings.RabbitMQURL, settings.RabbitMQExchange)
		if err != nil {
			return err
		}
		b.events = workflow.NewRabbitMQPublisher(ch, settings.RabbitMQExchange)
		b.closers = append(b.closers, func() {
			_ = ch.Close()
			_ = conn.Close()
		})
	default:
		return errors.New("unknown EVENT_BUS " + settings.EventBus)
	}
	logger.WithFields(logrus.Fields{"field": "events", "bus": settings.EventBus}).Info("order events enabled")
	return nil
}

func newRouter(settings config.Settings, logger *logrus.Logger, b *backend, deps handlers.Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationId())

	corsConfig := cors.DefaultConfig()
	// In production require an explicit allowlist; deny all if none is set.
	if settings.IsProduction() {
		if len(settings.CorsAllowedOrigins) > 0 {
			corsConfig.AllowOrigins = settings.CorsAllowedOrigins
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.CorrelationIdHeader)
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	if settings.RateLimitEnabled && b.redis != nil {
		limiter := middlewares.NewRateLimiter(b.redis, settings.RateLimitMaxRequests, settings.RateLimitWindow)
		r.Use(limiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware(b.sessions))
	r.Use(middlewares.ErrorLogger(logger))
	r.Use(gin.Recovery())

	handlers.RegisterRoutes(r, deps)
	r.NoRoute(middlewares.NotFound)
	return r
}
