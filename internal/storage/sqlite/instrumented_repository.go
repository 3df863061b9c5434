package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/parallel_downloader/internal/storage"
	"github.com/italolelis/parallel_downloader/internal/telemetry"
)

// InstrumentedHistoryRepository wraps the history repositories with telemetry.
type InstrumentedHistoryRepository struct {
	read      *HistoryReadRepository
	write     *HistoryWriteRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(dbConn *sql.DB, instanceID string, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		read:      NewHistoryReadRepository(dbConn),
		write:     NewHistoryWriteRepository(dbConn, instanceID),
		telemetry: tel,
	}
}

// RecordTransfer stores an outcome with telemetry.
func (r *InstrumentedHistoryRepository) RecordTransfer(ctx context.Context, rec storage.HistoryRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_transfer", func(ctx context.Context) error {
		return r.write.RecordTransfer(ctx, rec)
	})
}

// ListTransfers lists outcomes with telemetry.
func (r *InstrumentedHistoryRepository) ListTransfers(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	var result []storage.HistoryRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_transfers", func(ctx context.Context) error {
		var err error
		result, err = r.read.ListTransfers(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// LatestTransfer looks up the newest outcome for url with telemetry.
func (r *InstrumentedHistoryRepository) LatestTransfer(ctx context.Context, url string) (storage.HistoryRecord, error) {
	var result storage.HistoryRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "latest_transfer", func(ctx context.Context) error {
		var err error
		result, err = r.read.LatestTransfer(ctx, url)

		return err
	})

	return result, err
}
