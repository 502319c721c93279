package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/lecture-processor/api/handlers"
	"github.com/feichai0017/lecture-processor/api/middleware"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

// Options tunes the router.
type Options struct {
	AllowOrigins []string
	// MaxMultipartMemory 超出部分写入临时文件
	MaxMultipartMemory int64
}

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, log logger.Logger, opts Options) {
	if opts.MaxMultipartMemory > 0 {
		r.MaxMultipartMemory = opts.MaxMultipartMemory
	}

	// 全局中间件
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.CORS(opts.AllowOrigins))

	// API 版本组
	v1 := r.Group("/api/v1")
	v1.Use(middleware.Owner())

	v1.GET("/health", h.Health.Health)

	// 文档路由组
	docs := v1.Group("/documents")
	{
		docs.POST("/upload-url", h.Document.RequestUploadURL)
		docs.POST("", h.Document.RegisterDocument)
		docs.POST("/upload", h.Document.UploadDocument)
		docs.POST("/batch", h.Document.UploadBatch)
		docs.GET("", h.Document.ListDocuments)
		docs.GET("/:id", h.Document.GetDocument)
		docs.GET("/:id/status", h.Document.GetStatus)
		docs.GET("/:id/content", h.Document.GetContent)
		docs.DELETE("/:id", h.Document.DeleteDocument)
	}

	v1.POST("/search", h.Search.Search)
	v1.GET("/tasks/:taskId", h.Task.GetTask)
	v1.DELETE("/tasks/:taskId", h.Task.CancelTask)
}
