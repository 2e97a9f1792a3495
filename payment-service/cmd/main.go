package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/cache"
	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/gateway"
	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/handlers"
	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/repository"
	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/service"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Start(ctx, "payment-service", "8002", "payment_db", repository.Schema)
	if err != nil {
		os.Stderr.WriteString("payment-service: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer svc.Close()

	cfg := service.NewConfig(svc.Source)
	var refunds cache.RefundCache = cache.NewMemoryRefundCache()
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedisRefundCache(ctx, cfg.RedisAddr, cfg.RefundCacheTTL)
		if err != nil {
			svc.Log.Error("redis unavailable, refund cache is process-local", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer redisCache.Close()
			refunds = redisCache
		}
	}

	gatewayCfg := gateway.NewSimulatedConfig(svc.Source)
	paymentGateway := gateway.NewSimulatedGateway(gatewayCfg, svc.Log)
	svc.Log.Info("simulated payment gateway ready",
		"decline_rate", gatewayCfg.DeclineRate,
		"transient_error_rate", gatewayCfg.TransientErrorRate,
		"chaos_prefix", gatewayCfg.ChaosPrefix,
	)

	paymentRepo := repository.NewPaymentRepository(svc.DB)
	paymentService := service.NewPaymentService(paymentRepo, paymentGateway, refunds, cfg, svc.Log)
	paymentHandler := handlers.NewPaymentHandler(paymentService, svc.Log)

	app := svc.NewFiberApp()
	paymentHandler.RegisterRoutes(app.Group("/api/v1"))
	bootstrap.NotFound(app)

	err = svc.Run(ctx, app,
		svc.Consumer("payment-service-queue", handlers.Bindings(), paymentHandler.HandleEvent),
		svc.Relay().Run,
		svc.Janitor().Run,
	)
	if err != nil {
		svc.Log.Error("payment service stopped", "error", err)
	}
}
