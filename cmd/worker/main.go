package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/lecture-processor/internal/app"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

func main() {
	settings, err := app.LoadSettings()
	if err != nil {
		panic(err)
	}

	// 初始化日志
	log, err := logger.NewLogger(
		logger.WithLevel(settings.Server.LogLevel),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{settings.Server.LogOutput, "logs/worker.log"}),
		logger.WithInitialFields(map[string]interface{}{"role": "worker"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// 创建上下文和取消函数
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if settings.Server.QueueMode == app.QueueModeLocal {
		log.Error("QUEUE_MODE=local runs tasks inside the server, the worker is not needed")
		os.Exit(1)
	}

	// 创建应用
	application, err := app.New(ctx, settings, app.Overrides{}, log)
	if err != nil {
		log.Error("Failed to init application", logger.Error(err))
		os.Exit(1)
	}
	defer application.Close()

	// 创建 worker
	documentWorker, err := application.NewWorker()
	if err != nil {
		log.Error("Failed to create document worker", logger.Error(err))
		os.Exit(1)
	}

	// 启动 worker
	if err := documentWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Worker started")

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	_ = documentWorker.Stop()
	log.Info("Worker stopped")
}
