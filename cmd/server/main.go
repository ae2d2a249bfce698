// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Corphon/StoryWeaver/internal/api"
	"github.com/Corphon/StoryWeaver/internal/app"
	"github.com/Corphon/StoryWeaver/internal/config"
	"github.com/Corphon/StoryWeaver/internal/di"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}

	setupLogging(cfg)
	logrus.WithField("port", cfg.Port).Info("starting StoryWeaver server")

	createDirectories(cfg)

	if err := app.InitServices(cfg); err != nil {
		logrus.Fatalf("failed to initialize services: %v", err)
	}

	if err := performHealthCheck(); err != nil {
		logrus.Fatalf("service health check failed: %v", err)
	}

	router, err := api.SetupRouter(cfg)
	if err != nil {
		logrus.Fatalf("failed to set up routes: %v", err)
	}

	logrus.Infof("listening on http://localhost:%s", cfg.Port)
	runWithGracefulShutdown(router, cfg.Port)
}

// setupLogging configures logrus, mirroring output to a log file when the
// log directory is writable.
func setupLogging(cfg *config.Config) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if cfg.DebugMode {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	logPath := filepath.Join(cfg.LogDir, "server.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logrus.WithError(err).Warn("failed to open log file, logging to stderr only")
		return
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, file))
}

// performHealthCheck verifies that the critical services are registered.
func performHealthCheck() error {
	container := di.GetContainer()

	criticalServices := []string{"llm", "imagegen", "character", "story", "social"}
	for _, name := range criticalServices {
		if container.Get(name) == nil {
			return fmt.Errorf("critical service not registered: %s", name)
		}
	}
	return nil
}

// runWithGracefulShutdown serves until SIGINT/SIGTERM, then drains.
func runWithGracefulShutdown(router *gin.Engine, port string) {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Fatalf("forced shutdown: %v", err)
	}

	logrus.Info("server stopped")
}

// createDirectories ensures the data layout exists before services start.
func createDirectories(cfg *config.Config) {
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "characters"),
		filepath.Join(cfg.DataDir, "library"),
		cfg.StaticDir,
		cfg.LogDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logrus.Fatalf("failed to create directory %s: %v", dir, err)
		}
	}
}
