package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

var _ DocumentRepository = (*GormRepository)(nil)

// documentRow is the persisted shape of a DocumentRecord.
type documentRow struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	OwnerID    string `gorm:"not null;index:idx_documents_owner"`
	StorageRef string `gorm:"not null"`
	FileName   string `gorm:"not null"`
	FileType   string
	FileSize   int64 `gorm:"not null"`

	Title       string `gorm:"not null"`
	Description string
	Tags        datatypes.JSON

	LocalProcessed bool `gorm:"not null;index:idx_documents_status,priority:1"`
	LocalComplete  bool `gorm:"not null"`
	LocalError     *string

	ExternalRequested bool    `gorm:"not null;default:false"`
	ExternalID        *string `gorm:"uniqueIndex:idx_documents_external_id"`
	ExternalProcessed bool    `gorm:"not null;index:idx_documents_status,priority:2"`
	ExternalEmbedded  bool    `gorm:"not null"`

	Version     int       `gorm:"not null"`
	LastUpdated time.Time `gorm:"not null"`
	UploadedAt  time.Time `gorm:"not null;index"`
}

func (documentRow) TableName() string { return "documents" }

func rowFromModel(rec *models.DocumentRecord) (*documentRow, error) {
	tags, err := json.Marshal(models.NormalizeTags(rec.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	return &documentRow{
		ID:                rec.ID,
		OwnerID:           rec.OwnerID,
		StorageRef:        rec.StorageRef,
		FileName:          rec.FileName,
		FileType:          rec.FileType,
		FileSize:          rec.FileSize,
		Title:             rec.Title,
		Description:       rec.Description,
		Tags:              datatypes.JSON(tags),
		LocalProcessed:    rec.LocalProcessed,
		LocalComplete:     rec.LocalComplete,
		LocalError:        rec.LocalError,
		ExternalRequested: rec.ExternalRequested,
		ExternalID:        rec.ExternalID,
		ExternalProcessed: rec.ExternalProcessed,
		ExternalEmbedded:  rec.ExternalEmbedded,
		Version:           rec.Version,
		LastUpdated:       rec.LastUpdated,
		UploadedAt:        rec.UploadedAt,
	}, nil
}

func (row *documentRow) toModel() (*models.DocumentRecord, error) {
	tags := []string{}
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", row.ID, err)
		}
	}
	return &models.DocumentRecord{
		ID:                row.ID,
		OwnerID:           row.OwnerID,
		StorageRef:        row.StorageRef,
		FileName:          row.FileName,
		FileType:          row.FileType,
		FileSize:          row.FileSize,
		Title:             row.Title,
		Description:       row.Description,
		Tags:              models.NormalizeTags(tags),
		LocalProcessed:    row.LocalProcessed,
		LocalComplete:     row.LocalComplete,
		LocalError:        row.LocalError,
		ExternalRequested: row.ExternalRequested,
		ExternalID:        row.ExternalID,
		ExternalProcessed: row.ExternalProcessed,
		ExternalEmbedded:  row.ExternalEmbedded,
		Version:           row.Version,
		LastUpdated:       row.LastUpdated,
		UploadedAt:        row.UploadedAt,
	}, nil
}

// patchColumns converts a patch into a gorm column map.
func patchColumns(p models.RecordPatch) (map[string]interface{}, error) {
	cols := make(map[string]interface{})
	if p.Title != nil {
		cols["title"] = *p.Title
	}
	if p.Description != nil {
		cols["description"] = *p.Description
	}
	if p.Tags != nil {
		raw, err := json.Marshal(models.NormalizeTags(*p.Tags))
		if err != nil {
			return nil, fmt.Errorf("failed to encode tags: %w", err)
		}
		cols["tags"] = datatypes.JSON(raw)
	}
	if p.LocalProcessed != nil {
		cols["local_processed"] = *p.LocalProcessed
	}
	if p.LocalComplete != nil {
		cols["local_complete"] = *p.LocalComplete
	}
	if p.LocalError != nil {
		cols["local_error"] = *p.LocalError
	}
	if p.ClearLocalError {
		cols["local_error"] = nil
	}
	if p.ExternalID != nil {
		cols["external_id"] = *p.ExternalID
	}
	if p.ExternalProcessed != nil {
		cols["external_processed"] = *p.ExternalProcessed
	}
	if p.ExternalEmbedded != nil {
		cols["external_embedded"] = *p.ExternalEmbedded
	}
	return cols, nil
}

// GormRepository stores records in Postgres or SQLite through gorm.
type GormRepository struct {
	db     *gorm.DB
	logger logger.Logger
	now    func() time.Time
}

func NewGormRepository(db *gorm.DB, log logger.Logger) *GormRepository {
	return &GormRepository{
		db:     db,
		logger: log.Named("document_repo"),
		now:    time.Now,
	}
}

// AutoMigrate creates or updates the documents table.
func (r *GormRepository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&documentRow{}); err != nil {
		return fmt.Errorf("failed to migrate documents: %w", err)
	}
	return nil
}

func (r *GormRepository) Create(ctx context.Context, rec *models.DocumentRecord) (string, error) {
	row, err := rowFromModel(rec)
	if err != nil {
		return "", err
	}
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	now := r.now().UTC()
	row.Version = 0
	if row.UploadedAt.IsZero() {
		row.UploadedAt = now
	}
	row.LastUpdated = now

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}
	return row.ID, nil
}

func (r *GormRepository) Get(ctx context.Context, id string) (*models.DocumentRecord, error) {
	return r.getWith(r.db.WithContext(ctx), id)
}

func (r *GormRepository) getWith(tx *gorm.DB, id string) (*models.DocumentRecord, error) {
	var row documentRow
	if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return row.toModel()
}

func (r *GormRepository) Patch(ctx context.Context, id string, patch models.RecordPatch, expectedVersion *int) (*models.DocumentRecord, error) {
	cols, err := patchColumns(patch)
	if err != nil {
		return nil, err
	}

	var out *models.DocumentRecord
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := r.getWith(tx, id)
		if err != nil {
			return err
		}
		if expectedVersion != nil && current.Version != *expectedVersion {
			return fmt.Errorf("document %s at version %d, expected %d: %w",
				id, current.Version, *expectedVersion, apperr.ErrConcurrentModification)
		}
		// 空补丁不写库，也不推进版本
		if patch.IsEmpty() {
			out = current
			return nil
		}
		if err := patch.Validate(current); err != nil {
			return err
		}

		cols["last_updated"] = r.now().UTC()
		q := tx.Model(&documentRow{}).Where("id = ?", id)
		if expectedVersion != nil {
			// the version predicate keeps the swap atomic if another writer
			// committed between the read above and this update
			q = q.Where("version = ?", *expectedVersion)
			cols["version"] = gorm.Expr("version + ?", 1)
		}
		res := q.Updates(cols)
		if res.Error != nil {
			return fmt.Errorf("failed to update document %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 && expectedVersion != nil {
			return fmt.Errorf("document %s changed during update: %w", id, apperr.ErrConcurrentModification)
		}

		out, err = r.getWith(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *GormRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&documentRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (r *GormRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.DocumentRecord, error) {
	return r.list(r.db.WithContext(ctx).Where("owner_id = ?", ownerID))
}

func (r *GormRepository) ListByStatus(ctx context.Context, localProcessed, externalProcessed bool) ([]*models.DocumentRecord, error) {
	return r.list(r.db.WithContext(ctx).
		Where("local_processed = ? AND external_processed = ?", localProcessed, externalProcessed))
}

func (r *GormRepository) FindByExternalID(ctx context.Context, externalID string) (*models.DocumentRecord, error) {
	var row documentRow
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("document with external id %s: %w", externalID, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find document by external id: %w", err)
	}
	return row.toModel()
}

func (r *GormRepository) list(q *gorm.DB) ([]*models.DocumentRecord, error) {
	var rows []documentRow
	if err := q.Order("uploaded_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	out := make([]*models.DocumentRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
