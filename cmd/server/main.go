package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/lecture-processor/api/routes"
	"github.com/feichai0017/lecture-processor/internal/app"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

func main() {
	settings, err := app.LoadSettings()
	if err != nil {
		panic(err)
	}

	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel(settings.Server.LogLevel),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{settings.Server.LogOutput, "logs/app.log"}),
		logger.WithInitialFields(map[string]interface{}{"role": "server"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// init application
	application, err := app.New(ctx, settings, app.Overrides{}, log)
	if err != nil {
		log.Fatal("Failed to init application", logger.Error(err))
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Error("Failed to close application", logger.Error(err))
		}
	}()

	gin.SetMode(settings.Server.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, application.Handlers(), log, routes.Options{
		AllowOrigins:       originsOrAll(settings.Server.AllowedOrigins),
		MaxMultipartMemory: 32 << 20,
	})

	srv := &http.Server{
		Addr:              ":" + settings.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// start server
	go func() {
		log.Info("Server starting",
			logger.String("addr", srv.Addr),
			logger.String("queueMode", settings.Server.QueueMode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			cancel()
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}

// originsOrAll maps the "*" wildcard to an empty list, which allows any origin.
func originsOrAll(origins []string) []string {
	for _, o := range origins {
		if o == "*" {
			return nil
		}
	}
	return origins
}
