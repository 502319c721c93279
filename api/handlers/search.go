package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/service/search"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

type SearchHandler struct {
	service search.Searcher
	logger  logger.Logger
}

type SearchRequest struct {
	Query       string   `json:"query"`
	ExternalIDs []string `json:"externalIds"`
}

func NewSearchHandler(service search.Searcher, log logger.Logger) *SearchHandler {
	return &SearchHandler{service: service, logger: log.Named("search_handler")}
}

// Search blocks until the run finishes or the poll ceiling is hit.
func (h *SearchHandler) Search(c *gin.Context) {
	if h.service == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "SEARCH_DISABLED",
			Message: "AI service is not configured",
		})
		return
	}
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, "Invalid request body", apperr.Invalid("body", err.Error()))
		return
	}
	res, err := h.service.SearchDocuments(c.Request.Context(), req.Query, req.ExternalIDs)
	if err != nil {
		respondError(c, h.logger, "Search failed", err)
		return
	}
	c.JSON(http.StatusOK, res)
}
