package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/parallel_downloader/internal/storage"
)

const selectColumns = `id, url, cache_dir, status, error_kind, error, bytes, instance_id, finished_at`

type HistoryReadRepository struct {
	db *sql.DB
}

func NewHistoryReadRepository(dbConn *sql.DB) *HistoryReadRepository {
	return &HistoryReadRepository{db: dbConn}
}

// ListTransfers returns the most recent outcomes first, up to limit.
func (r *HistoryReadRepository) ListTransfers(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+`
		FROM transfers
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.HistoryRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// LatestTransfer returns the newest outcome recorded for url.
func (r *HistoryReadRepository) LatestTransfer(ctx context.Context, url string) (storage.HistoryRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+`
		FROM transfers
		WHERE url = ?
		ORDER BY finished_at DESC, id DESC
		LIMIT 1`, url)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.HistoryRecord{}, storage.ErrNotFound
	}

	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.HistoryRecord, error) {
	var (
		rec        storage.HistoryRecord
		cacheDir   sql.NullString
		errorKind  sql.NullString
		errMsg     sql.NullString
		instanceID sql.NullString
		finishedAt string
	)

	if err := s.Scan(&rec.ID, &rec.URL, &cacheDir, &rec.Status, &errorKind, &errMsg, &rec.Bytes, &instanceID, &finishedAt); err != nil {
		return storage.HistoryRecord{}, err
	}

	rec.CacheDir = cacheDir.String
	rec.ErrorKind = errorKind.String
	rec.Error = errMsg.String
	rec.InstanceID = instanceID.String

	// RFC3339Nano also accepts rows written before the fixed-width layout.
	t, err := time.Parse(time.RFC3339Nano, finishedAt)
	if err != nil {
		return storage.HistoryRecord{}, fmt.Errorf("invalid finished_at %q: %w", finishedAt, err)
	}

	rec.FinishedAt = t

	return rec, nil
}
