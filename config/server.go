package config

import (
	"strings"
	"sync"
)

var (
	serverOnce   sync.Once
	serverConfig *ServerConfig
)

type ServerConfig struct {
	Port        string
	GinMode     string
	StorageType string
	// QueueMode 为 asynq 时使用 Redis，为 local 时在进程内执行任务
	QueueMode      string
	LogLevel       string
	LogOutput      string
	AllowedOrigins []string
	PipelineConfig string
}

func GetServerConfig() *ServerConfig {
	serverOnce.Do(func() {
		loadEnv()

		serverConfig = &ServerConfig{
			Port:           getEnv("PORT", "8080"),
			GinMode:        getEnv("GIN_MODE", "release"),
			StorageType:    getEnv("STORAGE_TYPE", "minio"),
			QueueMode:      getEnv("QUEUE_MODE", "asynq"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogOutput:      getEnv("LOG_OUTPUT", "stdout"),
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
			PipelineConfig: getEnv("PIPELINE_CONFIG", "config/pipeline.yaml"),
		}
	})
	return serverConfig
}

func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
