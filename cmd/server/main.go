package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nathanyu/securities-exchange/internal/auth"
	"github.com/nathanyu/securities-exchange/internal/config"
	"github.com/nathanyu/securities-exchange/internal/domain"
	"github.com/nathanyu/securities-exchange/internal/exchange"
	"github.com/nathanyu/securities-exchange/internal/handler"
	"github.com/nathanyu/securities-exchange/internal/marketdata"
	"github.com/nathanyu/securities-exchange/internal/middleware"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("loading configuration", zap.Error(err))
	}

	logger.Info("starting securities exchange service")

	// --- Core components ---

	x := exchange.New(exchange.Options{
		MaxBookDepth:    cfg.MaxBookDepth,
		MaxTradeHistory: cfg.MaxTradeHistory,
	}, logger)

	stream := marketdata.NewStream(logger)
	x.OnTrade(stream.Publish)

	users := auth.NewStore()
	admin, err := users.Register(cfg.AdminName, domain.RoleAdmin)
	if err != nil {
		logger.Fatal("bootstrapping admin user", zap.Error(err))
	}
	logger.Info("admin user created", zap.String("user_id", admin.ID), zap.String("api_key", admin.APIKey))

	// --- HTTP server ---

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Prometheus())

	h := handler.New(x, users, stream, cfg.DefaultQuote, logger)
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// --- Metrics server ---

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("securities exchange service stopped")
}
