package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"masstree-go/redis"
)

func main() {
	configPath := flag.String("config", "", "YAML 配置文件")
	addr := flag.String("addr", "", "监听地址，覆盖配置文件")
	flag.Parse()

	cfg := redis.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = redis.LoadConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	level, err := cfg.Level()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	server, err := redis.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", zap.Error(err))
		}
	}
	if err := server.Close(); err != nil {
		logger.Warn("close server", zap.Error(err))
	}
}
