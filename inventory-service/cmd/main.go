package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/distributed-ecommerce-saga/choreography/inventory-service/internal/handlers"
	"github.com/distributed-ecommerce-saga/choreography/inventory-service/internal/repository"
	"github.com/distributed-ecommerce-saga/choreography/inventory-service/internal/service"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Start(ctx, "inventory-service", "8003", "inventory_db", repository.Schema)
	if err != nil {
		os.Stderr.WriteString("inventory-service: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer svc.Close()

	inventoryRepo := repository.NewInventoryRepository(svc.DB)
	inventoryService := service.NewInventoryService(inventoryRepo, service.NewConfig(svc.Source), svc.Log)
	inventoryHandler := handlers.NewInventoryHandler(inventoryService, svc.Log)

	app := svc.NewFiberApp()
	inventoryHandler.RegisterRoutes(app.Group("/api/v1"))
	bootstrap.NotFound(app)

	err = svc.Run(ctx, app,
		svc.Consumer("inventory-service-queue", handlers.Bindings(), inventoryHandler.HandleEvent),
		svc.Relay().Run,
		svc.Janitor().Run,
		inventoryService.RunSweeper,
	)
	if err != nil {
		svc.Log.Error("inventory service stopped", "error", err)
	}
}
