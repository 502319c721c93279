package repository

import (
	"context"

	"github.com/feichai0017/lecture-processor/internal/models"
)

// DocumentRepository is the record store adapter for DocumentRecord.
//
// Patch with a non-nil expectedVersion is a compare-and-swap: it fails with
// apperr.ErrConcurrentModification and changes nothing when the stored
// version differs, otherwise it applies the patch and bumps the version by
// one. Patch with a nil expectedVersion is last-writer-wins and leaves the
// version untouched. An empty patch changes nothing, version included.
type DocumentRepository interface {
	Create(ctx context.Context, rec *models.DocumentRecord) (string, error)
	Get(ctx context.Context, id string) (*models.DocumentRecord, error)
	Patch(ctx context.Context, id string, patch models.RecordPatch, expectedVersion *int) (*models.DocumentRecord, error)
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string) ([]*models.DocumentRecord, error)
	ListByStatus(ctx context.Context, localProcessed, externalProcessed bool) ([]*models.DocumentRecord, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.DocumentRecord, error)
}
