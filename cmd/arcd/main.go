package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/arcdash/arc/api"
	"github.com/arcdash/arc/bus"
	"github.com/arcdash/arc/chat"
	"github.com/arcdash/arc/config"
	"github.com/arcdash/arc/engine"
	"github.com/arcdash/arc/gateway"
	"github.com/arcdash/arc/store"
	"github.com/arcdash/arc/telegram"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting arcd...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Agent command: %s", cfg.AgentCommand)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load agent definitions from disk
	registry := engine.NewRegistry(db, cfg.AgentsDir)
	registry.LoadAll(ctx)

	// Initialize event bus
	eventBus := bus.New()

	// Initialize agent runner and chat manager
	runner := engine.NewRunner(cfg.AgentCommand, cfg.AgentTimeout, cfg.TmpDir)
	manager := chat.NewManager(db, eventBus, runner)

	// Initialize the WebSocket gateway
	hub := gateway.NewHub()
	gw := gateway.NewServer(cfg, hub, db)
	go gw.Run(ctx, eventBus)

	// Initialize HTTP handlers
	h := api.NewHandler(manager, registry, db, runner)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register routes
	h.RegisterRoutes(e)
	e.GET("/ws", gw.HandleWebSocket)

	// Optional Telegram bridge
	if cfg.TelegramToken != "" {
		bridge, err := telegram.New(cfg.TelegramToken, manager, registry, eventBus)
		if err != nil {
			log.Fatalf("Failed to initialize telegram bridge: %v", err)
		}
		go bridge.Run(ctx)
		log.Printf("Telegram bridge started")
	}

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down arcd...")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("arcd stopped")
}
