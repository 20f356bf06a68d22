package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/dataflow/cmd/dataflow/routes"
	"github.com/lyzr/dataflow/common/bootstrap"
	"github.com/lyzr/dataflow/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (store, registry, orchestrator, client)
	components, err := bootstrap.Setup(ctx, "dataflow")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap dataflow: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	routes.RegisterDataflowRoutes(e, components)

	// Start server
	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", echo.WrapHandler(server.HealthHandler("dataflow", components.Health)))
}

// startServer runs the HTTP server with graceful shutdown
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting dataflow service", "port", port)

	srv := server.New(server.Opts{
		Name:    "dataflow",
		Port:    port,
		Handler: e,
		Logger:  components.Logger,
	})
	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
