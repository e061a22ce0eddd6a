package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhuxbo/certfront/internal/account"
	"github.com/zhuxbo/certfront/internal/config"
	"github.com/zhuxbo/certfront/internal/dcv"
	"github.com/zhuxbo/certfront/internal/gateway"
	"github.com/zhuxbo/certfront/internal/nonce"
	"github.com/zhuxbo/certfront/internal/order"
	"github.com/zhuxbo/certfront/internal/server"
	"github.com/zhuxbo/certfront/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("certfront starting...", zap.String("external_url", cfg.ExternalURL))

	store, err := storage.NewStorage(
		cfg.StorageType,
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
		cfg.DBCert,
		cfg.DBKey,
		cfg.DBRootCert,
	)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	defer store.Close()
	logger.Info("storage initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nonces := nonce.NewService(store, cfg.NonceTTL)
	nonces.StartCleanupLoop(ctx, cfg.NonceTTL/2)

	psl := dcv.NewSuffixCache(cfg.PSLRefreshURL, cfg.PSLRefreshTTL)
	checker := dcv.NewDNSChecker(cfg.DNSResolver, cfg.DNSTimeout)
	gw := gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewayToken, cfg.GatewayTimeout)
	resolver := dcv.NewResolver(store, psl, checker, gw, cfg.DelegationZone, cfg.DelegationSalt)
	accounts := account.NewManager(store)
	engine := order.NewEngine(store, gw, resolver, cfg.AuthzValidity, cfg.ChallengeType)

	e := echo.New()
	server.ApplyCommonMiddleware(e, server.Deps{
		Store:    store,
		Config:   cfg,
		Nonces:   nonces,
		Accounts: accounts,
		Engine:   engine,
		Resolver: resolver,
		Logger:   logger,
	})
	server.SetupRouter(e)

	go func() {
		logger.Info("listening", zap.String("address", cfg.HTTPAddress))
		if err := e.Start(cfg.HTTPAddress); err != nil && err != http.ErrServerClosed {
			logger.Fatal("error starting HTTP server", zap.Error(err), zap.String("address", cfg.HTTPAddress))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
