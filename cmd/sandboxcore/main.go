// =============================================================================
// sandboxcore 主入口
// =============================================================================
// 完整服务入口点：计费摄取端点、图运行触发端点、健康检查、Prometheus 指标
//
// 使用方法:
//
//	sandboxcore serve                       # 启动服务
//	sandboxcore serve --config config.yaml  # 指定配置文件
//	sandboxcore version                     # 显示版本信息
//	sandboxcore health                      # 健康检查
//	sandboxcore migrate up                  # 运行数据库迁移
//	sandboxcore migrate down                # 回滚最后一次迁移
//	sandboxcore migrate status              # 查看迁移状态
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/cogni-dao/sandboxcore/config"
	"github.com/cogni-dao/sandboxcore/internal/billing"
	"github.com/cogni-dao/sandboxcore/internal/cache"
	"github.com/cogni-dao/sandboxcore/internal/database"
	"github.com/cogni-dao/sandboxcore/internal/ephemeral"
	"github.com/cogni-dao/sandboxcore/internal/gateway"
	"github.com/cogni-dao/sandboxcore/internal/graph"
	"github.com/cogni-dao/sandboxcore/internal/metrics"
	"github.com/cogni-dao/sandboxcore/internal/proxy"
	"github.com/cogni-dao/sandboxcore/internal/server"
	"github.com/cogni-dao/sandboxcore/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting sandboxcore",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector("sandboxcore", logger)

	pool, err := openDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to billing database", zap.Error(err))
	}
	defer pool.Close()

	var mirror *cache.Manager
	if cfg.Redis.Addr != "" {
		mirror, err = cache.NewManager(cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			logger.Warn("redis live-set mirror unavailable, falling back to in-process only", zap.Error(err))
			mirror = nil
		} else {
			defer mirror.Close()
		}
	}

	proxyMgr := proxy.NewManager(cfg.Proxy, logger, mirror)
	defer proxyMgr.Close()
	proxyMgr.StartSweeper(ctx)

	runner := ephemeral.NewRunner(cfg.Ephemeral, logger)

	var gwClient *gateway.Client
	if cfg.Gateway.URL != "" {
		gwClient = gateway.NewClient(cfg.Gateway, logger)
		if err := gwClient.Connect(ctx); err != nil {
			logger.Warn("initial gateway connect failed, will retry in background", zap.Error(err))
		}
		defer gwClient.Close()
	}

	provider := graph.NewProvider(cfg.Ephemeral, cfg.Graphs, logger, proxyMgr, runner, gwClient)

	billingRepo := billing.NewGormRepository(pool, cfg.Billing.TenantSessionVar, logger)
	billingHandler := billing.NewHandler(billingRepo, cfg.Billing, collector, logger)
	runHandler := graph.NewHandler(provider, logger)

	ingestMux := http.NewServeMux()
	ingestMux.Handle("/internal/billing/ingest", Chain(billingHandler,
		RequestID(),
		SecurityHeaders(),
		Recovery(logger),
		RequestLogger(logger),
		MetricsMiddleware(collector),
		OTelTracing(),
		RateLimiter(ctx, 50, 100, logger),
		IngestAuth(cfg.Billing, logger),
	))
	ingestMux.Handle("/v1/runs", Chain(runHandler,
		RequestID(),
		SecurityHeaders(),
		Recovery(logger),
		RequestLogger(logger),
		MetricsMiddleware(collector),
		OTelTracing(),
	))

	ingestSrv := server.NewManager(ingestMux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.IngestPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)
	if err := ingestSrv.Start(); err != nil {
		logger.Fatal("failed to start ingest server", zap.Error(err))
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/health", healthHandler)
	metricsMux.HandleFunc("/healthz", healthHandler)
	metricsMux.HandleFunc("/ready", readyHandler(pool))
	metricsMux.HandleFunc("/readyz", readyHandler(pool))
	metricsMux.HandleFunc("/version", versionHandler(Version, BuildTime, GitCommit))
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/internal/proxy/", proxyDebugHandler(proxyMgr, logger))

	metricsSrv := server.NewManager(metricsMux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)
	if err := metricsSrv.Start(); err != nil {
		logger.Fatal("failed to start metrics server", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-ingestSrv.Errors():
		logger.Error("ingest server exited unexpectedly", zap.Error(err))
	case err := <-metricsSrv.Errors():
		logger.Error("metrics server exited unexpectedly", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := ingestSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingest server shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}
	if otelProviders != nil {
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	logger.Info("sandboxcore stopped")
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func readyHandler(pool *database.PoolManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "database unavailable: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

func versionHandler(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"version":%q,"build_time":%q,"git_commit":%q}`, version, buildTime, gitCommit)
	}
}

// proxyDebugHandler serves /internal/proxy/{runId}/... by reverse-proxying
// into the named run's live proxy container over its unix socket, so an
// operator can probe it (e.g. GET /internal/proxy/<runId>/health) without
// execing into the container.
func proxyDebugHandler(proxyMgr *proxy.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/internal/proxy/")
		runID, subPath, found := strings.Cut(rest, "/")
		if runID == "" {
			http.Error(w, "run id required", http.StatusBadRequest)
			return
		}
		if !found {
			subPath = ""
		}

		rp, err := proxyMgr.DebugHandler(runID)
		if err != nil {
			logger.Warn("proxy debug handler lookup failed", zap.String("run_id", runID), zap.Error(err))
			http.Error(w, "unknown or inactive run id", http.StatusNotFound)
			return
		}

		r.URL.Path = "/" + subPath
		rp.ServeHTTP(w, r)
	}
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9091", "Metrics server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("sandboxcore %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`sandboxcore - Sandboxed Agent Execution Core

Usage:
  sandboxcore <command> [options]

Commands:
  serve     Start the sandboxcore server
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version
  migrate goto <v>  Migrate to a specific version
  migrate force <v> Force set migration version
  migrate reset     Rollback all migrations

Examples:
  sandboxcore serve
  sandboxcore serve --config /etc/sandboxcore/config.yaml
  sandboxcore migrate up
  sandboxcore migrate status
  sandboxcore health --addr http://localhost:9091
  sandboxcore version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}

// openDatabase opens the GORM connection the billing repository writes
// through. Only Postgres is supported — the schema's RLS policies and
// migrations are Postgres-specific.
func openDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger) (*database.PoolManager, error) {
	if dbCfg.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres)", dbCfg.Driver)
	}

	db, err := gorm.Open(postgres.Open(dbCfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns:    dbCfg.MaxIdleConns,
		MaxOpenConns:    dbCfg.MaxOpenConns,
		ConnMaxLifetime: dbCfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("database connected", zap.String("driver", dbCfg.Driver))
	return pool, nil
}
