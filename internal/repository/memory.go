package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
)

var _ DocumentRepository = (*MemoryRepository)(nil)

// MemoryRepository keeps records in process memory. It backs local mode and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*models.DocumentRecord
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*models.DocumentRecord),
		now:     time.Now,
	}
}

func (r *MemoryRepository) Create(_ context.Context, rec *models.DocumentRecord) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := rec.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if _, exists := r.records[stored.ID]; exists {
		return "", fmt.Errorf("record %s already exists", stored.ID)
	}
	if stored.ExternalID != nil {
		if r.findByExternalIDLocked(*stored.ExternalID) != nil {
			return "", fmt.Errorf("external id %s already assigned", *stored.ExternalID)
		}
	}
	now := r.now().UTC()
	stored.Tags = models.NormalizeTags(stored.Tags)
	stored.Version = 0
	if stored.UploadedAt.IsZero() {
		stored.UploadedAt = now
	}
	stored.LastUpdated = now

	r.records[stored.ID] = stored
	return stored.ID, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.DocumentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) Patch(_ context.Context, id string, patch models.RecordPatch, expectedVersion *int) (*models.DocumentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	if expectedVersion != nil && rec.Version != *expectedVersion {
		return nil, fmt.Errorf("document %s at version %d, expected %d: %w",
			id, rec.Version, *expectedVersion, apperr.ErrConcurrentModification)
	}
	if patch.IsEmpty() {
		return rec.Clone(), nil
	}
	if err := patch.Validate(rec); err != nil {
		return nil, err
	}
	if patch.ExternalID != nil {
		if other := r.findByExternalIDLocked(*patch.ExternalID); other != nil && other.ID != id {
			return nil, fmt.Errorf("external id %s already assigned to %s", *patch.ExternalID, other.ID)
		}
	}

	updated := rec.Clone()
	patch.Apply(updated, r.now().UTC())
	if expectedVersion != nil {
		updated.Version++
	}
	r.records[id] = updated
	return updated.Clone(), nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	delete(r.records, id)
	return nil
}

func (r *MemoryRepository) ListByOwner(_ context.Context, ownerID string) ([]*models.DocumentRecord, error) {
	return r.filter(func(rec *models.DocumentRecord) bool {
		return rec.OwnerID == ownerID
	}), nil
}

func (r *MemoryRepository) ListByStatus(_ context.Context, localProcessed, externalProcessed bool) ([]*models.DocumentRecord, error) {
	return r.filter(func(rec *models.DocumentRecord) bool {
		return rec.LocalProcessed == localProcessed && rec.ExternalProcessed == externalProcessed
	}), nil
}

func (r *MemoryRepository) FindByExternalID(_ context.Context, externalID string) (*models.DocumentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec := r.findByExternalIDLocked(externalID); rec != nil {
		return rec.Clone(), nil
	}
	return nil, fmt.Errorf("document with external id %s: %w", externalID, apperr.ErrNotFound)
}

func (r *MemoryRepository) findByExternalIDLocked(externalID string) *models.DocumentRecord {
	for _, rec := range r.records {
		if rec.ExternalID != nil && *rec.ExternalID == externalID {
			return rec
		}
	}
	return nil
}

// filter returns matches ordered by upload time, oldest first.
func (r *MemoryRepository) filter(match func(*models.DocumentRecord) bool) []*models.DocumentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.DocumentRecord, 0)
	for _, rec := range r.records {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	return out
}
