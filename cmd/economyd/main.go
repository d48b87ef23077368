package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"Agent-Economy/internal/api"
	"Agent-Economy/internal/config"
	"Agent-Economy/internal/economy"
	"Agent-Economy/internal/observability/metrics"
	"Agent-Economy/pkg/logger"
)

// main 是经济体守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("economyd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	eco, err := economy.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := eco.Close(); err != nil {
			logger.L().Warn("释放经济体资源失败", slog.Any("error", err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := eco.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("经济体异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(runCtx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, eco)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("ECONOMY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "economy.json")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// 没有配置文件时使用内置默认值，全部后端为单机实现。
		return config.Default(), nil
	}
	return config.Load(configPath)
}
