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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/production_backend/config"
	"github.com/mmdatafocus/production_backend/middlewares"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
	"github.com/mmdatafocus/production_backend/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

const defaultPort = "8080"

const serviceName = "production-backend"

// application is served before storage is connected; handlers answer 503
// until services are installed.
type application struct {
	svc atomic.Pointer[services]
}

func (a *application) handle(h func(*services) gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc := a.svc.Load()
		if svc == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		h(svc)(c)
	}
}

func (a *application) loaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		if svc := a.svc.Load(); svc != nil {
			middlewares.LoaderMiddleware(svc.catalog)(c)
			return
		}
		c.Next()
	}
}

// buildServices wires the workflow components onto MySQL, with Redis for the
// catalog cache, shift locks and optionally counters when rdb is not nil.
func buildServices(db *gorm.DB, rdb *redis.Client, logger *logrus.Logger) *services {
	store := repository.NewGormStore(db)

	var catalog repository.Catalog = store
	var counters repository.CounterStore = store
	var locker repository.ShiftLocker = repository.NoopShiftLocker{}
	if rdb != nil {
		catalog = repository.NewCachedCatalog(store, rdb, config.CatalogCacheLifespan(), logger)
		if rl := config.GetRedisLock(); rl != nil {
			locker = repository.NewRedisShiftLocker(rl, logger)
		}
	}
	switch {
	case config.CounterBackend() == config.CounterBackendRedis && rdb != nil:
		counters = repository.NewRedisCounterStore(rdb, store, logger)
		logger.WithFields(logrus.Fields{"field": "counters"}).Info("counter backend: redis")
	case config.CounterBackend() == config.CounterBackendRedis:
		logger.WithFields(logrus.Fields{"field": "counters"}).Warn("COUNTER_BACKEND=redis but redis is not connected; using database counters")
	default:
		logger.WithFields(logrus.Fields{"field": "counters"}).Info("counter backend: db")
	}

	allocator := workflow.NewCounterAllocator(counters, logger)
	composer := workflow.NewSerialComposer(config.FacilityCode())
	return &services{
		catalog:  catalog,
		minter:   workflow.NewUnitMinter(catalog, store, allocator, composer, logger),
		recorder: workflow.NewConsumptionRecorder(catalog, store, store, locker, logger),
		graph:    workflow.NewLineageGraph(store, store, logger),
		logger:   logger,
		db:       db,
	}
}

func newRouter(app *application, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			// deny all
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization",
		middlewares.HeaderCorrelationId, middlewares.HeaderOperatorId, middlewares.HeaderOperatorCode,
		middlewares.HeaderMachineCode, middlewares.HeaderShiftId, middlewares.HeaderProductionDate)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.HeaderCorrelationId)

	r.Use(cors.New(corsConfig))

	api := r.Group("/")
	api.Use(otelgin.Middleware(serviceName))
	api.Use(middlewares.AuthMiddleware())
	api.Use(middlewares.SessionMiddleware())
	api.Use(app.loaders())
	api.Use(customErrorLogger(logger))
	api.Use(gin.Recovery())

	api.POST("/units", app.handle(mintUnitHandler))
	api.GET("/units/:serial", app.handle(getUnitHandler))
	api.GET("/units/:serial/lineage", app.handle(lineageHandler))
	api.GET("/units/:serial/lineage/export", app.handle(lineageExportHandler))
	api.POST("/barcodes/decode", decodeBarcodeHandler())
	api.POST("/shifts/:shiftId/consumption", app.handle(recordConsumptionHandler))
	api.GET("/tiers/:tier/sources", tierSourcesHandler())
	if key := internalAPIKey(); key != "" {
		internal := api.Group("/internal", requireInternalKey(key))
		internal.POST("/operators/token", operatorTokenHandler())
		internal.GET("/outbox/:referenceKey", app.handle(outboxStatusHandler))
		internal.POST("/outbox/:recordId/replay", app.handle(outboxReplayHandler))
	}
	r.NoRoute(customNotFoundHandler)
	return r
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	app := &application{}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(app, logger),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	if os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry()
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS not set; running without catalog cache and shift locks")
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	app.svc.Store(buildServices(db, config.GetRedisDB(), logger))

	// Publishes production events AFTER commit.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.PubSubEnabled() {
		go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)
	} else {
		logger.WithFields(logrus.Fields{"field": "outbox"}).Warn("pubsub not configured; production events stay pending")
	}

	logger.WithFields(logrus.Fields{
		"info":     "Connection Established",
		"facility": config.FacilityCode(),
	}).Info("production backend listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
