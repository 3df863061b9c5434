package transfer

import (
	"context"

	"github.com/italolelis/parallel_downloader/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher    Fetcher
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry, clientType string) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:    fetcher,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Fetch starts the fetch inside a span and counts its outcome.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, key string, cfg Config, ev Events) (Handle, error) {
	var result Handle

	wrapped := Events{
		Progress: ev.Progress,
		Finished: func(location string) {
			f.telemetry.RecordClientOperation(f.clientType, "transfer", "success")

			if ev.Finished != nil {
				ev.Finished(location)
			}
		},
		Failed: func(err error) {
			f.telemetry.RecordClientOperation(f.clientType, "transfer", "error")

			if ev.Failed != nil {
				ev.Failed(err)
			}
		},
	}

	err := f.telemetry.InstrumentClientOperation(ctx, f.clientType, "fetch", func(ctx context.Context) error {
		var err error
		result, err = f.fetcher.Fetch(ctx, key, cfg, wrapped)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
