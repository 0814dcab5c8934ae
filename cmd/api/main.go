package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/modelsmith/cad-orchestrator/internal/agents"
	"github.com/modelsmith/cad-orchestrator/internal/auth"
	"github.com/modelsmith/cad-orchestrator/internal/config"
	"github.com/modelsmith/cad-orchestrator/internal/engine"
	"github.com/modelsmith/cad-orchestrator/internal/gateway"
	"github.com/modelsmith/cad-orchestrator/internal/metrics"
	"github.com/modelsmith/cad-orchestrator/internal/model"
	"github.com/modelsmith/cad-orchestrator/internal/render"
	"github.com/modelsmith/cad-orchestrator/internal/session"

	_ "github.com/modelsmith/cad-orchestrator/docs" // swagger docs
)

// @title CAD Orchestrator API
// @version 1.0
// @description Multi-agent service that turns natural-language requests into validated parametric 3D model programs.
// @description
// @description A generation session runs a plan/generate/assemble/inspect loop bounded by a retry budget,
// @description streaming progress over a per-session websocket.

// @contact.name API Support
// @contact.email support@modelsmith.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

func main() {
	cfg := config.MustLoad()

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := initTracer(); err != nil {
		logger.Fatal("failed to initialize tracer", zap.Error(err))
	}

	logger.Info("connecting to database")
	pool, err := connectDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	jwtManager, err := auth.NewJWTManager()
	if err != nil {
		logger.Fatal("failed to initialize JWT manager", zap.Error(err))
	}

	runMetrics, err := metrics.NewRunMetrics()
	if err != nil {
		logger.Fatal("failed to initialize run metrics", zap.Error(err))
	}

	runtime := agents.NewRuntimeClient(cfg.Agents.BaseURL, logger)
	planner := agents.NewRuntimePlanner(runtime, cfg.Agents.PlannerTimeout, logger)
	workers := agents.NewWorkerSet(
		agents.NewRuntimeWorker(runtime, model.PartKindLoop, cfg.Agents.WorkerTimeout, logger),
		agents.NewRuntimeWorker(runtime, model.PartKindProfile, cfg.Agents.WorkerTimeout, logger),
		agents.NewRuntimeWorker(runtime, model.PartKindSolid, cfg.Agents.WorkerTimeout, logger),
	)
	comparator := agents.NewRuntimeComparator(runtime, cfg.Agents.InspectorTimeout, logger)

	renderer := render.New(render.Config{
		Binary:    cfg.Render.Binary,
		OutputDir: cfg.Render.OutputDir,
		Timeout:   cfg.Render.Timeout,
		ImageSize: cfg.Render.ImageSize,
	}, logger)
	if renderer.Available() {
		logger.Info("renderer available, visual inspection enabled",
			zap.String("binary", cfg.Render.Binary))
	} else {
		logger.Warn("renderer not found, inspection falls back to code review",
			zap.String("binary", cfg.Render.Binary))
	}

	store := session.NewStore(pool)
	feed := gateway.NewFeed(logger)

	eng := engine.New(
		planner,
		engine.NewPool(workers, logger),
		engine.NewAssembler(logger),
		engine.NewInspector(renderer, comparator, logger),
		store,
		feed,
		runMetrics,
		engine.Config{
			MaxIterations:     cfg.Engine.MaxIterations,
			DropStaleFindings: cfg.Engine.DropStaleFindings,
		},
		logger,
	)

	handler := gateway.NewHandler(eng, store, runtime, jwtManager, pool, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "database connection failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("/api")
	api.POST("/auth/login", handler.Login)

	protected := api.Group("")
	protected.Use(auth.RequireAuth(jwtManager, logger))

	protected.POST("/sessions", handler.CreateSession)
	protected.GET("/sessions/:id", handler.GetSession)
	protected.POST("/sessions/:id/generate", handler.StartGeneration)
	protected.POST("/sessions/:id/cancel", handler.CancelSession)
	protected.GET("/sessions/:id/iterations", handler.ListIterations)
	protected.GET("/sessions/:id/artifact", handler.GetArtifact)
	protected.PATCH("/sessions/:id/artifact/parameters", handler.UpdateArtifactParameter)

	protected.GET("/ws/sessions/:id", feed.Serve)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting CAD orchestrator API server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func connectDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var err error

	retries := cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		pool, err = pgxpool.New(context.Background(), cfg.URL)
		if err == nil {
			err = pool.Ping(context.Background())
			if err == nil {
				return pool, nil
			}
		}
		logger.Warn("waiting for database",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", retries),
			zap.Error(err))
		time.Sleep(cfg.ConnectInterval)
	}
	return nil, fmt.Errorf("database unreachable after %d attempts: %w", retries, err)
}

// initTracer initializes OpenTelemetry tracing.
func initTracer() error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)

	return nil
}

// requestLogger logs one structured line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
		}
		if userID, ok := c.Get("user_id"); ok {
			fields = append(fields, zap.Any("user_id", userID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info("request", fields...)
	}
}
