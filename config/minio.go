package config

import (
	"sync"
)

var (
	minioOnce   sync.Once
	minioConfig *MinioConfig
)

type MinioConfig struct {
	AccessKey  string
	SecretKey  string
	Endpoint   string
	UseSSL     bool
	Region     string
	BucketName string
	// PublicEndpoint 用于生成给浏览器的预签名地址，为空时沿用 Endpoint
	PublicEndpoint string
}

func GetMinioConfig() *MinioConfig {
	minioOnce.Do(func() {
		loadEnv()

		minioConfig = &MinioConfig{
			AccessKey:      getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey:      getEnv("MINIO_SECRET_KEY", ""),
			Endpoint:       getEnv("MINIO_ENDPOINT", "localhost:9000"),
			UseSSL:         getEnvBool("MINIO_USE_SSL", false),
			Region:         getEnv("MINIO_REGION", "us-east-1"),
			BucketName:     getEnv("MINIO_BUCKET_NAME", "lectures"),
			PublicEndpoint: getEnv("MINIO_PUBLIC_ENDPOINT", ""),
		}
	})
	return minioConfig
}
