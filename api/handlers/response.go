package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Fields  []apperr.FieldError `json:"fields,omitempty"`
	Status  int                 `json:"upstreamStatus,omitempty"`
	Detail  string              `json:"upstreamBody,omitempty"`
}

// respondError 统一错误处理. The status code comes from the error kind.
func respondError(c *gin.Context, log logger.Logger, message string, err error) {
	status := apperr.HTTPStatus(err)
	l := logger.FromContext(c.Request.Context(), log)
	fields := []logger.Field{logger.String("path", c.Request.URL.Path), logger.Error(err)}
	if status >= 500 {
		l.Error(message, fields...)
	} else {
		l.Warn(message, fields...)
	}

	resp := ErrorResponse{
		Error:   apperr.Code(err),
		Message: message,
	}
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	var terr *apperr.TransportError
	if errors.As(err, &terr) {
		resp.Status = terr.StatusCode
		resp.Detail = terr.Body
	}
	if len(resp.Fields) == 0 && err != nil {
		resp.Message = message + ": " + err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}
