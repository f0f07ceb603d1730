package db

import (
	"context"
	"log/slog"

	"github.com/ymgch/tether/internal/model"
)

// BestEffortLogs wraps the log side of a Store with the degradation
// contract callers rely on: storage failures are logged and counted, never
// propagated. Reads degrade to empty results, writes to no-ops.
type BestEffortLogs struct {
	store   *Store
	log     *slog.Logger
	dropped func()
}

// NewBestEffortLogs builds the facade. onError is invoked once for every
// swallowed storage failure; pass nil when no counter is wired.
func NewBestEffortLogs(store *Store, log *slog.Logger, onError func()) *BestEffortLogs {
	if log == nil {
		log = slog.Default()
	}
	if onError == nil {
		onError = func() {}
	}
	return &BestEffortLogs{store: store, log: log, dropped: onError}
}

func (b *BestEffortLogs) UpsertBatch(ctx context.Context, records []model.StructuredLogRecord) int {
	applied, err := b.store.UpsertLogBatch(ctx, records)
	if err != nil {
		b.dropped()
		b.log.Warn("log upsert degraded", "applied", applied, "total", len(records), "error", err)
	}
	return applied
}

func (b *BestEffortLogs) Query(ctx context.Context, filter model.LogFilter, limit int) []model.StructuredLogRecord {
	out, err := b.store.QueryLogs(ctx, filter, limit)
	if err != nil {
		b.dropped()
		b.log.Warn("log query degraded to empty result", "error", err)
		return []model.StructuredLogRecord{}
	}
	return out
}

func (b *BestEffortLogs) MaxEventID(ctx context.Context, host string, port int, serverID string) int64 {
	mark, err := b.store.MaxEventID(ctx, host, port, serverID)
	if err != nil {
		b.dropped()
		b.log.Warn("max event id degraded to zero", "host", host, "port", port, "error", err)
		return 0
	}
	return mark
}
