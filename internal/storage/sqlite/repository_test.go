package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/parallel_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *InstrumentedHistoryRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewInstrumentedHistoryRepository(db, "test-instance", nil)
}

func TestInitDB_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	db, err := InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestHistory_RecordAndList(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.RecordTransfer(ctx, storage.HistoryRecord{
		URL:        "https://host/a.png",
		CacheDir:   "/tmp/cache",
		Status:     storage.StatusSucceeded,
		Bytes:      2048,
		FinishedAt: base,
	}))
	require.NoError(t, repo.RecordTransfer(ctx, storage.HistoryRecord{
		URL:        "https://host/b.png",
		Status:     storage.StatusFailed,
		ErrorKind:  "timeout",
		Error:      "timeout error for https://host/b.png",
		FinishedAt: base.Add(time.Minute),
	}))

	records, err := repo.ListTransfers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "https://host/b.png", records[0].URL, "newest first")
	assert.Equal(t, "timeout", records[0].ErrorKind)
	assert.Empty(t, records[0].CacheDir)
	assert.Equal(t, "test-instance", records[0].InstanceID)

	assert.Equal(t, "https://host/a.png", records[1].URL)
	assert.Equal(t, int64(2048), records[1].Bytes)
	assert.Equal(t, "/tmp/cache", records[1].CacheDir)
	assert.True(t, base.Equal(records[1].FinishedAt))

	limited, err := repo.ListTransfers(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestHistory_LatestTransfer(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.LatestTransfer(ctx, "https://host/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	base := time.Now().UTC()
	require.NoError(t, repo.RecordTransfer(ctx, storage.HistoryRecord{
		URL: "https://host/a.png", Status: storage.StatusFailed, FinishedAt: base,
	}))
	require.NoError(t, repo.RecordTransfer(ctx, storage.HistoryRecord{
		URL: "https://host/a.png", Status: storage.StatusSucceeded, FinishedAt: base.Add(time.Second),
	}))

	rec, err := repo.LatestTransfer(ctx, "https://host/a.png")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSucceeded, rec.Status)
}

func TestHistory_OrdersBySubSecondFinishTime(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.RecordTransfer(ctx, storage.HistoryRecord{
		URL: "https://host/a.png", Status: storage.StatusSucceeded, FinishedAt: base.Add(123 * time.Millisecond),
	}))
	require.NoError(t, repo.RecordTransfer(ctx, storage.HistoryRecord{
		URL: "https://host/a.png", Status: storage.StatusFailed, FinishedAt: base.Add(100 * time.Millisecond),
	}))
	require.NoError(t, repo.RecordTransfer(ctx, storage.HistoryRecord{
		URL: "https://host/a.png", Status: storage.StatusFailed, FinishedAt: base,
	}))

	records, err := repo.ListTransfers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.True(t, base.Add(123*time.Millisecond).Equal(records[0].FinishedAt), "newest first")
	assert.True(t, base.Add(100*time.Millisecond).Equal(records[1].FinishedAt))
	assert.True(t, base.Equal(records[2].FinishedAt))

	rec, err := repo.LatestTransfer(ctx, "https://host/a.png")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSucceeded, rec.Status)
}

func TestHistory_RecordDefaultsFinishedAt(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	before := time.Now().Add(-time.Second)
	require.NoError(t, repo.RecordTransfer(ctx, storage.HistoryRecord{URL: "u", Status: storage.StatusSucceeded}))

	rec, err := repo.LatestTransfer(ctx, "u")
	require.NoError(t, err)
	assert.True(t, rec.FinishedAt.After(before))
}
