package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/studio-payments/internal/api"
	"github.com/lexure-intelligence/studio-payments/internal/config"
	"github.com/lexure-intelligence/studio-payments/internal/database"
	"github.com/lexure-intelligence/studio-payments/internal/eventbus"
	"github.com/lexure-intelligence/studio-payments/internal/services"
)

const migrationsDir = "migrations"

func main() {
	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.Provide(
			initLogger,
			loadConfig,
			initDatabase,
			initEventBus,
			newMediatorRegistry,
			newNotificationService,
			newWebhookService,
			newPaymentLinkService,
			services.NewTransactionService,
			newMonitoringService,
			api.NewHandlers,
			newRouter,
		),
		fx.Invoke(startServer),
		fx.StopTimeout(30*time.Second),
	)

	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start studio payments service: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down studio payments service...")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}

// initLogger starts at info; loadConfig adjusts the level once log.level is known.
func initLogger() (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	logger, err := cfg.Build()
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}

func loadConfig(logger *zap.Logger, level zap.AtomicLevel) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		logger.Warn("Unknown log level, keeping info", zap.String("level", cfg.Log.Level))
	} else {
		level.SetLevel(lvl)
	}

	if cfg.Vault.URL == "" || cfg.Vault.Token == "" {
		logger.Info("Using config-based secrets (Vault not configured)")
		return cfg, nil
	}

	vaultClient, err := services.NewVaultClient(cfg.Vault.URL, cfg.Vault.Token, logger)
	if err != nil {
		logger.Warn("Failed to initialize Vault client, using config-based secrets", zap.Error(err))
		return cfg, nil
	}
	secrets := vaultClient.LoadSecrets(cfg.Vault.Service)
	if len(secrets) == 0 {
		return cfg, nil
	}
	logger.Info("Secrets loaded from Vault", zap.Int("keys", len(secrets)))
	return config.Override(secrets)
}

func initDatabase(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			return nil, err
		}
		logger.Info("Database schema auto-migrated")
	} else if _, err := os.Stat(migrationsDir); err == nil {
		if err := database.RunMigrations(db, migrationsDir); err != nil {
			return nil, err
		}
		logger.Info("Database migrations applied", zap.String("dir", migrationsDir))
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})
	return db, nil
}

func initEventBus(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) eventbus.EventBus {
	if cfg.Redis.Addr == "" {
		logger.Info("Redis not configured, domain events disabled")
		return eventbus.NopEventBus{}
	}

	bus, err := eventbus.NewRedisEventBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Stream, logger)
	if err != nil {
		logger.Warn("Redis event bus unavailable, domain events disabled", zap.Error(err))
		return eventbus.NopEventBus{}
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return bus.Close()
		},
	})
	return bus
}

func newMediatorRegistry(cfg *config.Config, logger *zap.Logger) *services.MediatorRegistry {
	return services.NewMediatorRegistry(services.RegistryOptions{
		MercadoPagoURL: cfg.MercadoPago.BaseURL,
		RequestTimeout: cfg.Webhook.RequestTimeout,
		MessageTimeout: cfg.Messaging.Timeout,
		ProviderRPS:    cfg.Webhook.ProviderRPS,
	}, logger)
}

func newNotificationService(db *gorm.DB, registry *services.MediatorRegistry, cfg *config.Config, logger *zap.Logger) *services.NotificationService {
	return services.NewNotificationService(db, registry.MessageSender, cfg.Messaging.CountryCode, logger)
}

func newWebhookService(db *gorm.DB, registry *services.MediatorRegistry, notifier *services.NotificationService, bus eventbus.EventBus, cfg *config.Config, logger *zap.Logger) *services.WebhookService {
	return services.NewWebhookService(db, registry.PaymentProvider, notifier, bus,
		services.WebhookServiceOptions{ProbeBudget: cfg.Webhook.ProbeBudget}, logger)
}

func newPaymentLinkService(db *gorm.DB, registry *services.MediatorRegistry, cfg *config.Config, logger *zap.Logger) *services.PaymentLinkService {
	return services.NewPaymentLinkService(db, registry.PaymentProvider, cfg.MercadoPago.NotificationURL, cfg.MercadoPago.BackURL, logger)
}

func newMonitoringService(db *gorm.DB, webhookService *services.WebhookService, bus eventbus.EventBus) *services.MonitoringService {
	monitoring := services.NewMonitoringService(db, webhookService)
	if _, ok := bus.(eventbus.NopEventBus); ok {
		monitoring.UpdateComponentStatus("event_bus", "degraded", "domain events disabled")
	} else {
		monitoring.UpdateComponentStatus("event_bus", "healthy", "redis stream connected")
	}
	return monitoring
}

func newRouter(cfg *config.Config, handlers *api.Handlers, monitoring *services.MonitoringService) *gin.Engine {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.Use(corsMiddleware())

	router.GET("/health", monitoring.HandleHealthCheck)
	router.GET("/metrics", monitoring.HandleMetrics)

	handlers.RegisterRoutes(router.Group("/api/v1"))
	return router
}

// corsMiddleware answers preflight requests before any routing or body parsing.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Signature, X-Request-Id")
		c.Header("Access-Control-Expose-Headers", "Content-Length")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func startServer(lc fx.Lifecycle, cfg *config.Config, router *gin.Engine, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				var err error
				if cfg.Server.HTTPS {
					logger.Info("Starting HTTPS server",
						zap.String("addr", srv.Addr),
						zap.String("cert_file", cfg.Server.CertFile))
					err = srv.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
				} else {
					logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
					err = srv.ListenAndServe()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("HTTP server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping HTTP server")
			defer logger.Sync() //nolint:errcheck
			return srv.Shutdown(ctx)
		},
	})
}
