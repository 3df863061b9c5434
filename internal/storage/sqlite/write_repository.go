package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/parallel_downloader/internal/storage"
)

// finishedAtLayout pads fractional seconds to a fixed width so that the stored
// text orders the same way as the instants it encodes.
const finishedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// HistoryWriteRepository implements storage.HistoryWriteRepository
// and stores transfer outcomes in SQLite.
type HistoryWriteRepository struct {
	db         *sql.DB
	instanceID string
}

func NewHistoryWriteRepository(db *sql.DB, instanceID string) *HistoryWriteRepository {
	return &HistoryWriteRepository{db: db, instanceID: instanceID}
}

func (r *HistoryWriteRepository) RecordTransfer(ctx context.Context, rec storage.HistoryRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}

	if rec.InstanceID == "" {
		rec.InstanceID = r.instanceID
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transfers (url, cache_dir, status, error_kind, error, bytes, instance_id, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.URL, rec.CacheDir, rec.Status, rec.ErrorKind, rec.Error, rec.Bytes, rec.InstanceID,
		rec.FinishedAt.UTC().Format(finishedAtLayout),
	)

	return err
}
