package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"alertengine/api/server"
	"alertengine/internal/alert"
	"alertengine/internal/config"
	"alertengine/internal/database"
	"alertengine/internal/elasticsearch"
	"alertengine/internal/grpc"
	"alertengine/internal/logger"
	"alertengine/internal/notify"
	"alertengine/internal/runlock"
	"alertengine/internal/scheduler"

	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "etc/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 优先从配置文件加载，如果失败则从环境变量加载
	cfg, configPath, err := loadConfig(ctx, *configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志系统
	if err := logger.Init(cfg.Logger.Level, cfg.Logger.Output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting alerts engine",
		zap.String("version", version),
		zap.String("config_file", configPath),
	)

	// 初始化数据库
	db, err := database.Open(database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}, logger.Named("gorm"))
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	logger.Info("Database initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("database", cfg.Database.DBName),
	)

	// 初始化 Elasticsearch（如果启用）
	esClient, err := elasticsearch.NewClient(cfg.Elasticsearch)
	if err != nil {
		logger.Fatal("Failed to initialize Elasticsearch", zap.Error(err))
	}
	if esClient != nil {
		if err := esClient.CreateIndexTemplate(ctx); err != nil {
			logger.Warn("Failed to create index template", zap.Error(err))
		}
		logger.Info("Elasticsearch initialized")
	} else {
		logger.Info("Elasticsearch is disabled")
	}

	// 通知分发
	notifier, err := notify.NewNotifier(cfg.Notify, cfg.Kafka)
	if err != nil {
		logger.Fatal("Failed to initialize notifier", zap.Error(err))
	}
	relay := notify.NewRelay(db, notifier, cfg.Notify)

	writer := alert.NewWriter(db, cfg.Alerts.DedupWindow).WithWaker(relay)
	if esClient != nil {
		writer = writer.WithIndexer(esClient)
	}
	engine := alert.NewEngine(db, writer)

	locker, closeLocker, err := runlock.New(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to initialize run lock", zap.Error(err))
	}

	if err := logger.InitRunLog(cfg.RunLog.Dir); err != nil {
		logger.Fatal("Failed to initialize run log", zap.Error(err))
	}
	sched := scheduler.NewService(db, engine, locker, cfg.Scheduler, cfg.RunLog.Dir)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()

	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
		logger.Info("Scheduler started",
			zap.Duration("interval", cfg.Scheduler.Interval),
			zap.Int("workers", cfg.Scheduler.Workers))
	}

	// 启动HTTP服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           server.NewServer(ctx, db, engine, sched, esClient, configPath, cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 启动gRPC服务器
	grpcAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
	grpcServer := grpc.NewGRPCServer(engine)
	go func() {
		logger.Info("Starting gRPC server", zap.String("address", grpcAddr))
		if err := grpc.Serve(grpcServer, grpcAddr); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("Alerts engine is running",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
	)

	// 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down...", zap.String("signal", sig.String()))

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	grpcServer.GracefulStop()

	cancel()
	sched.Wait()
	wg.Wait()

	if closer, ok := notifier.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("Failed to close notifier", zap.Error(err))
		}
	}
	if err := closeLocker(); err != nil {
		logger.Warn("Failed to close run lock", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("Alerts engine stopped")
}

// loadConfig 返回配置及其文件路径；从环境变量加载时路径为空
func loadConfig(ctx context.Context, path string) (*config.Config, string, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := config.LoadFromFile(path)
		if err == nil {
			return cfg, path, nil
		}
		fmt.Printf("Failed to load config from file: %v\n", err)
		fmt.Println("Falling back to environment variables...")
	} else {
		fmt.Println("Config file not found, loading from environment variables...")
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}
