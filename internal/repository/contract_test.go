package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
)

func newRecord(owner, title string) *models.DocumentRecord {
	return &models.DocumentRecord{
		OwnerID:    owner,
		StorageRef: "documents/" + owner + "/" + title + ".pdf",
		FileName:   title + ".pdf",
		FileType:   "application/pdf",
		FileSize:   1024,
		Title:      title,
		Tags:       []string{"lecture"},
	}
}

// runRepositoryContract checks the behaviour every DocumentRepository shares.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) DocumentRepository) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "anatomy"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		rec, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "anatomy", rec.Title)
		assert.Equal(t, 0, rec.Version)
		assert.Equal(t, []string{"lecture"}, rec.Tags)
		assert.False(t, rec.LocalProcessed)
		assert.False(t, rec.ExternalProcessed)
		assert.Nil(t, rec.ExternalID)
		assert.False(t, rec.UploadedAt.IsZero())
	})

	t.Run("get missing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("plain patch keeps version", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "physiology"))
		require.NoError(t, err)

		rec, err := repo.Patch(ctx, id, models.RecordPatch{LocalProcessed: models.Bool(true)}, nil)
		require.NoError(t, err)
		assert.True(t, rec.LocalProcessed)
		assert.Equal(t, 0, rec.Version)
	})

	t.Run("compare and swap bumps version once", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "pharmacology"))
		require.NoError(t, err)

		rec, err := repo.Patch(ctx, id, models.RecordPatch{
			ExternalID:        models.Str("file-1"),
			ExternalProcessed: models.Bool(true),
		}, models.Version(0))
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Version)
		assert.True(t, rec.AIReady())

		_, err = repo.Patch(ctx, id, models.RecordPatch{Title: models.Str("stale")}, models.Version(0))
		assert.ErrorIs(t, err, apperr.ErrConcurrentModification)

		after, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "pharmacology", after.Title)
		assert.Equal(t, 1, after.Version)
	})

	t.Run("empty patch is a no-op", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "histology"))
		require.NoError(t, err)
		before, err := repo.Get(ctx, id)
		require.NoError(t, err)

		rec, err := repo.Patch(ctx, id, models.RecordPatch{}, models.Version(0))
		require.NoError(t, err)
		assert.Equal(t, 0, rec.Version)
		assert.True(t, before.LastUpdated.Equal(rec.LastUpdated))

		_, err = repo.Patch(ctx, id, models.RecordPatch{}, models.Version(3))
		assert.ErrorIs(t, err, apperr.ErrConcurrentModification)
	})

	t.Run("external request is persisted", func(t *testing.T) {
		repo := newRepo(t)
		in := newRecord("u1", "microbiology")
		in.ExternalRequested = true
		id, err := repo.Create(ctx, in)
		require.NoError(t, err)

		rec, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.ExternalRequested)
		assert.True(t, rec.ExternalPending())

		rec, err = repo.Patch(ctx, id, models.RecordPatch{
			ExternalID:        models.Str("file-m"),
			ExternalProcessed: models.Bool(true),
		}, models.Version(0))
		require.NoError(t, err)
		assert.True(t, rec.ExternalRequested)
		assert.False(t, rec.ExternalPending())
	})

	t.Run("patch missing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Patch(ctx, "missing", models.RecordPatch{Title: models.Str("x")}, nil)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("external processed needs an id", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "histology"))
		require.NoError(t, err)

		_, err = repo.Patch(ctx, id, models.RecordPatch{ExternalProcessed: models.Bool(true)}, nil)
		assert.ErrorIs(t, err, apperr.ErrValidation)

		rec, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, rec.ExternalProcessed)
	})

	t.Run("local and external updates do not clobber each other", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "biochem"))
		require.NoError(t, err)

		_, err = repo.Patch(ctx, id, models.RecordPatch{LocalProcessed: models.Bool(true)}, nil)
		require.NoError(t, err)
		_, err = repo.Patch(ctx, id, models.RecordPatch{
			ExternalID:        models.Str("file-b"),
			ExternalProcessed: models.Bool(true),
		}, models.Version(0))
		require.NoError(t, err)
		_, err = repo.Patch(ctx, id, models.RecordPatch{
			LocalComplete:   models.Bool(true),
			ClearLocalError: true,
		}, nil)
		require.NoError(t, err)

		rec, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.LocalComplete)
		assert.True(t, rec.ExternalProcessed)
		require.NotNil(t, rec.ExternalID)
		assert.Equal(t, "file-b", *rec.ExternalID)
		assert.Equal(t, models.LocalComplete, rec.LocalState())
	})

	t.Run("local error set and cleared", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "neuro"))
		require.NoError(t, err)

		rec, err := repo.Patch(ctx, id, models.RecordPatch{LocalProcessed: models.Bool(true), LocalError: models.Str("bad pdf")}, nil)
		require.NoError(t, err)
		require.NotNil(t, rec.LocalError)
		assert.Equal(t, models.LocalFailed, rec.LocalState())

		rec, err = repo.Patch(ctx, id, models.RecordPatch{ClearLocalError: true}, nil)
		require.NoError(t, err)
		assert.Nil(t, rec.LocalError)
	})

	t.Run("list by owner and status", func(t *testing.T) {
		repo := newRepo(t)
		a, err := repo.Create(ctx, newRecord("alice", "a"))
		require.NoError(t, err)
		b, err := repo.Create(ctx, newRecord("alice", "b"))
		require.NoError(t, err)
		_, err = repo.Create(ctx, newRecord("bob", "c"))
		require.NoError(t, err)

		owned, err := repo.ListByOwner(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, owned, 2)

		_, err = repo.Patch(ctx, a, models.RecordPatch{LocalProcessed: models.Bool(true)}, nil)
		require.NoError(t, err)

		pending, err := repo.ListByStatus(ctx, false, false)
		require.NoError(t, err)
		ids := make([]string, 0, len(pending))
		for _, rec := range pending {
			ids = append(ids, rec.ID)
		}
		assert.Contains(t, ids, b)
		assert.NotContains(t, ids, a)

		none, err := repo.ListByOwner(ctx, "carol")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("find by external id", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "path"))
		require.NoError(t, err)
		_, err = repo.Patch(ctx, id, models.RecordPatch{ExternalID: models.Str("file-x")}, nil)
		require.NoError(t, err)

		rec, err := repo.FindByExternalID(ctx, "file-x")
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)

		_, err = repo.FindByExternalID(ctx, "file-y")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "micro"))
		require.NoError(t, err)

		require.NoError(t, repo.Delete(ctx, id))
		_, err = repo.Get(ctx, id)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, id), apperr.ErrNotFound)
	})

	t.Run("concurrent compare and swap has one winner", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "race"))
		require.NoError(t, err)

		const writers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			conflict int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Patch(ctx, id, models.RecordPatch{ExternalEmbedded: models.Bool(true)}, models.Version(0))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if assert.ErrorIs(t, err, apperr.ErrConcurrentModification) {
					conflict++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflict)
		rec, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Version)
	})

	t.Run("last updated moves forward", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.Create(ctx, newRecord("u1", "clock"))
		require.NoError(t, err)
		before, err := repo.Get(ctx, id)
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		after, err := repo.Patch(ctx, id, models.RecordPatch{Description: models.Str("week 3")}, nil)
		require.NoError(t, err)
		assert.True(t, after.LastUpdated.After(before.LastUpdated))
	})
}
