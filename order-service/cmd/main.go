package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/handlers"
	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/repository"
	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/service"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Start(ctx, "order-service", "8001", "order_db", repository.Schema)
	if err != nil {
		os.Stderr.WriteString("order-service: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer svc.Close()

	orderRepo := repository.NewOrderRepository(svc.DB)
	orderService := service.NewOrderService(orderRepo, service.NewConfig(svc.Source), svc.Log)
	orderHandler := handlers.NewOrderHandler(orderService, svc.Log)

	app := svc.NewFiberApp()
	orderHandler.RegisterRoutes(app.Group("/api/v1"))
	bootstrap.NotFound(app)

	err = svc.Run(ctx, app,
		svc.Consumer("order-service-queue", handlers.Bindings(), orderHandler.HandleEvent),
		svc.Relay().Run,
		svc.Janitor().Run,
	)
	if err != nil {
		svc.Log.Error("order service stopped", "error", err)
	}
}
