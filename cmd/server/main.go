package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/wa-session-console/backend/api/handlers"
	"github.com/wa-session-console/backend/internal/backup"
	"github.com/wa-session-console/backend/internal/bridge"
	"github.com/wa-session-console/backend/internal/db"
	"github.com/wa-session-console/backend/internal/driver"
	"github.com/wa-session-console/backend/internal/lifecycle"
	"github.com/wa-session-console/backend/internal/registry"
	"github.com/wa-session-console/backend/internal/repository"
	"github.com/wa-session-console/backend/internal/ws"
)

func main() {
	// Get configuration from environment
	port := getEnv("PORT", "8080")
	dbPath := getEnv("DB_PATH", "data/console.db")
	stateDir := getEnv("STATE_DIR", "data/sessions")
	wsToken := getEnv("WS_TOKEN", "")

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		log.Fatalf("Failed to create session state directory: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()

	// Initialize repositories
	instanceRepo := repository.NewInstanceRepository(database)
	backupRepo := repository.NewBackupRepository(database)

	// Instances that were live when a previous process died are flagged so
	// the dashboard shows them as disconnected rather than stuck.
	if n, err := instanceRepo.MarkLiveDisconnected(context.Background(), "RESTART"); err != nil {
		log.Printf("Failed to flag stale instances: %v", err)
	} else if n > 0 {
		log.Printf("Flagged %d stale instances as disconnected", n)
	}

	// Initialize backup store
	backupStore := backup.NewStore(backupRepo, backup.Config{StateDir: stateDir})

	// Initialize session driver. The scripted driver backs dev deployments;
	// production wires a real driver through pkg/driver.
	sessionDriver := driver.NewScriptedDriver(stateDir, true)
	defer sessionDriver.Close()

	// Initialize registry
	instanceRegistry := registry.NewRegistry(sessionDriver, instanceRepo, registry.Config{})

	// Initialize hub and bridge
	hub := ws.NewHub(ws.Config{Token: wsToken})
	defer hub.Close()
	eventBridge := bridge.New(hub)

	// Initialize lifecycle supervisor
	supervisor := lifecycle.NewSupervisor(instanceRegistry, backupStore, sessionDriver, eventBridge, lifecycle.Config{})
	eventBridge.SetInstanceOps(supervisor)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go supervisor.Run(runCtx)
	go hub.Run()

	// Initialize handlers
	instanceHandler := handlers.NewInstanceHandler(supervisor, backupStore)
	wsHandler := handlers.NewWebSocketHandler(ws.NewHandler(hub, eventBridge))

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	// API routes
	api := r.Group("/api")
	{
		instanceHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down server...")
		cancelRun()
		instanceRegistry.Close(context.Background())
		hub.Close()
		db.CloseDB()
		os.Exit(0)
	}()

	// Start server
	log.Printf("Starting server on port %s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
