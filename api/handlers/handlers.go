package handlers

import (
	"github.com/feichai0017/lecture-processor/internal/service/document"
	"github.com/feichai0017/lecture-processor/internal/service/search"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

type Handlers struct {
	Document *DocumentHandler
	Search   *SearchHandler
	Task     *TaskHandler
	Health   *HealthHandler
}

// NewHandlers wires every HTTP handler. searcher may be nil when no AI
// service is configured.
func NewHandlers(
	documentService document.DocumentProcessor,
	searcher search.Searcher,
	tasks TaskStore,
	checks map[string]HealthCheck,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Document: NewDocumentHandler(documentService, logger),
		Search:   NewSearchHandler(searcher, logger),
		Task:     NewTaskHandler(tasks, logger),
		Health:   NewHealthHandler(checks),
	}
}
