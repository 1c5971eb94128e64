package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-similarity/internal/app"
	"github.com/example/face-similarity/internal/config"
	"github.com/example/face-similarity/internal/discovery"
	"github.com/example/face-similarity/internal/handlers"
	"github.com/example/face-similarity/internal/logging"
	"github.com/example/face-similarity/internal/repository"
	"github.com/example/face-similarity/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	engine, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}
	defer engine.Close() //nolint:errcheck

	repo := initRepository(ctx, cfg, logger)
	cache := initCache(ctx, cfg, logger)
	uc := usecase.NewClassificationUseCase(engine.Pipeline, repo, cache, cfg.ResultTTL, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(handlers.RequestLogger(logger), gin.Recovery())
	handlers.RegisterRoutes(r, uc)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.WithCORS(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	registrar := initRegistrar(cfg, logger)
	if err := registrar.Register(ctx); err != nil {
		logger.Fatal("service registration failed", zap.Error(err))
	}

	logger.Info("face similarity API listening", zap.String("addr", cfg.Addr()))
	serveErr := serveHTTPServer(server, cfg.ShutdownTimeout, logger)

	deregisterCtx, deregisterCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer deregisterCancel()
	if err := registrar.Deregister(deregisterCtx); err != nil {
		logger.Error("service deregistration failed", zap.Error(err))
	}
	if serveErr != nil {
		logger.Error("server failed", zap.Error(serveErr))
	}
}

func initRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) usecase.AnalysisRepository {
	if cfg.DatabaseDSN == "" {
		logger.Info("DATABASE_DSN not set, audit log disabled")
		return nil
	}
	db, err := repository.OpenPostgres(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

func initCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) usecase.Cache {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set, result caching disabled")
		return nil
	}
	client, err := usecase.DialRedis(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	return usecase.NewRedisCache(client)
}

func initRegistrar(cfg *config.Config, logger *zap.Logger) discovery.Registrar {
	if cfg.EurekaServer == "" {
		return discovery.Noop{}
	}
	return discovery.NewEurekaClient(discovery.EurekaOptions{
		ServerURL:    cfg.EurekaServer,
		AppName:      cfg.AppName,
		InstanceHost: cfg.InstanceHost,
		Port:         cfg.ServerPort,
		Heartbeat:    cfg.EurekaHeartbeat,
	}, logger)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
