package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/feichai0017/lecture-processor/pkg/logger"
)

const (
	HeaderRequestID = "X-Request-ID"
	// HeaderUserID 调用方身份，鉴权不在本服务范围内
	HeaderUserID = "X-User-ID"

	ownerKey = "owner_id"
)

// RequestID reuses the caller's request id or mints one, and puts it on the
// request context for logging.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Request = c.Request.WithContext(logger.ContextWithRequestID(c.Request.Context(), reqID))
		c.Set("request_id", reqID)
		c.Writer.Header().Set(HeaderRequestID, reqID)
		c.Next()
	}
}

// Owner reads the caller identity from X-User-ID.
func Owner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if owner != "" {
			c.Request = c.Request.WithContext(logger.ContextWithOwnerID(c.Request.Context(), owner))
			c.Set(ownerKey, owner)
		}
		c.Next()
	}
}

// OwnerID returns the identity set by Owner, or "".
func OwnerID(c *gin.Context) string {
	return c.GetString(ownerKey)
}

// AccessLog logs one line per request, at a level that follows the status.
func AccessLog(log logger.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		l := logger.FromContext(c.Request.Context(), log)
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", status),
			logger.Duration("elapsed", time.Since(start)),
		}
		switch {
		case status >= 500:
			l.Error("HTTP request", fields...)
		case status >= 400:
			l.Warn("HTTP request", fields...)
		default:
			l.Info("HTTP request", fields...)
		}
	}
}
