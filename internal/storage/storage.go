package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no history record matches a lookup.
var ErrNotFound = errors.New("record not found")

// Transfer statuses stored in the history.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// HistoryRecord represents one terminal outcome of a transfer.
type HistoryRecord struct {
	ID         int64
	URL        string
	CacheDir   string
	Status     string
	ErrorKind  string
	Error      string
	Bytes      int64
	InstanceID string
	FinishedAt time.Time
}

// HistoryReadRepository lists recorded transfer outcomes.
type HistoryReadRepository interface {
	ListTransfers(ctx context.Context, limit int) ([]HistoryRecord, error)
	LatestTransfer(ctx context.Context, url string) (HistoryRecord, error)
}

// HistoryWriteRepository records transfer outcomes.
type HistoryWriteRepository interface {
	RecordTransfer(ctx context.Context, rec HistoryRecord) error
}
