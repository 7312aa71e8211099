// convochaind is the conversation-ledger server. It persists per-agent
// chat logs as tamper-evident hash chains, verifies every stored chain
// at startup, and exposes append/verify/rebuild/migrate/report over
// HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/convochain/convochain/internal/conversation"
	"github.com/convochain/convochain/internal/identity"
	"github.com/convochain/convochain/internal/integrity"
	"github.com/convochain/convochain/internal/logstore"
	"github.com/convochain/convochain/internal/server/handler"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("convochaind exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────
	viper.SetConfigName("convochaind")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.base_url", "")
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.operator_secret", "")
	viper.SetDefault("server.token_ttl_seconds", 3600)
	viper.SetDefault("chain.global_salt", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("store.driver", "file")
	viper.SetDefault("store.path", "logs")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Store ────────────────────────────────────────────────────────
	store, cleanup, err := openStore(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// ── Integrity registry + service ─────────────────────────────────
	globalSalt := viper.GetString("chain.global_salt")
	if globalSalt != "" {
		logger.Info("using one shared chain salt for all agents")
	}
	reg := integrity.NewRegistry(globalSalt)
	svc := conversation.New(store, reg, logger)

	// Startup sweep: verify every stored chain before serving.
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	results, err := svc.VerifyAll(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("startup integrity sweep: %w", err)
	}
	failed := 0
	for _, r := range results {
		if !r.Valid {
			failed++
		}
	}
	logger.Info("startup integrity sweep complete",
		zap.Int("agents", len(results)),
		zap.Int("failed", failed),
	)

	// ── Operator tokens ──────────────────────────────────────────────
	httpPort := viper.GetInt("server.port")
	baseURL := viper.GetString("server.base_url")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", httpPort)
	}

	secret := viper.GetString("server.operator_secret")
	if secret == "" {
		logger.Warn("server.operator_secret not set; rebuild and migrate endpoints will reject all requests")
	}
	tokenTTL := time.Duration(viper.GetInt("server.token_ttl_seconds")) * time.Second
	tokens := identity.NewTokenIssuer([]byte(secret), baseURL, tokenTTL)

	// ── HTTP router ──────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(rps, rps*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	handler.NewAuthHandler(tokens, secret, logger).Register(v1)
	handler.NewConversationHandler(svc, logger).Register(v1, handler.RequireOperator(tokens, logger))

	// ── Serve + graceful shutdown ────────────────────────────────────
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("convochaind listening", zap.Int("port", httpPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down convochaind...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("convochaind stopped")
	return nil
}

// openStore picks the conversation store from configuration: postgres
// when database.url is set, otherwise the store.driver / store.path
// pair (sqlite file or JSON log directory).
func openStore(logger *zap.Logger) (logstore.Store, func(), error) {
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(context.Background()); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return logstore.NewPostgresStore(pool, logger), pool.Close, nil
	}

	path := viper.GetString("store.path")
	switch driver := viper.GetString("store.driver"); driver {
	case "sqlite":
		s, err := logstore.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite store", zap.String("path", path))
		return s, func() { _ = s.Close() }, nil
	case "file":
		s, err := logstore.NewFileStore(path, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using file store", zap.String("dir", path))
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store.driver %q", driver)
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
