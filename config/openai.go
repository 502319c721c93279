package config

import (
	"sync"
	"time"
)

var (
	openAIOnce   sync.Once
	openAIConfig *OpenAIConfig
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// RPS 和 Burst 控制对外请求速率
	RPS   float64
	Burst int
}

func GetOpenAIConfig() *OpenAIConfig {
	openAIOnce.Do(func() {
		loadEnv()

		openAIConfig = &OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
			Model:   getEnv("OPENAI_MODEL", "gpt-4-turbo-preview"),
			Timeout: getEnvDuration("OPENAI_TIMEOUT", 60*time.Second),
			RPS:     float64(getEnvInt("OPENAI_RPS", 5)),
			Burst:   getEnvInt("OPENAI_BURST", 10),
		}
	})
	return openAIConfig
}
