// Package logsync incrementally replicates remote structured event logs
// into the local store. Every pass resumes from the store's high-water
// mark, so overlapping or repeated passes are safe: the store upserts are
// individually idempotent.
package logsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ymgch/tether/internal/db"
	"github.com/ymgch/tether/internal/model"
)

// ErrPassInProgress is returned when a pass for the same server is already
// running. Passes for distinct servers proceed concurrently; a second pass
// for one server would only reread a stale mark and waste fetches.
var ErrPassInProgress = errors.New("sync pass already in progress for this server")

const defaultBatchLimit = 500

// Source fetches log records with EventID strictly greater than
// afterEventID, in ascending EventID order, up to limit records.
type Source interface {
	FetchSince(ctx context.Context, reg model.ServerRegistration, afterEventID int64, limit int) ([]model.StructuredLogRecord, error)
}

// Stats summarizes one completed pass.
type Stats struct {
	Fetched       int
	Applied       int
	HighWaterMark int64
}

type Synchronizer struct {
	store      *db.Store
	source     Source
	limiter    *rate.Limiter
	log        *slog.Logger
	batchLimit int

	mu      sync.Mutex
	running map[string]struct{}

	onPass    func(result string)
	onRecords func(n int)
	onMark    func(serverID string, mark int64)
}

func New(store *db.Store, source Source, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		store:      store,
		source:     source,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		log:        log,
		batchLimit: defaultBatchLimit,
		running:    map[string]struct{}{},
	}
}

// WithRateLimit bounds remote fetches across all servers.
func (s *Synchronizer) WithRateLimit(perSecond float64, burst int) *Synchronizer {
	if perSecond > 0 && burst > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return s
}

func (s *Synchronizer) WithBatchLimit(limit int) *Synchronizer {
	if limit > 0 {
		s.batchLimit = limit
	}
	return s
}

// WithObservers installs metric callbacks; any of them may be nil.
func (s *Synchronizer) WithObservers(onPass func(result string), onRecords func(n int), onMark func(serverID string, mark int64)) *Synchronizer {
	s.onPass = onPass
	s.onRecords = onRecords
	s.onMark = onMark
	return s
}

// SyncServer runs one catch-up pass for reg. It reads the durable
// high-water mark, fetches strictly newer records in batches, and upserts
// them. A mid-batch failure leaves the mark wherever the store got to;
// the next pass resumes from there.
func (s *Synchronizer) SyncServer(ctx context.Context, reg model.ServerRegistration) (Stats, error) {
	s.mu.Lock()
	if _, busy := s.running[reg.ServerID]; busy {
		s.mu.Unlock()
		s.observePass("skipped")
		return Stats{}, ErrPassInProgress
	}
	s.running[reg.ServerID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, reg.ServerID)
		s.mu.Unlock()
	}()

	mark, err := s.store.MaxEventID(ctx, reg.Host, reg.Port, reg.ServerID)
	if err != nil {
		s.observePass("error")
		return Stats{}, fmt.Errorf("read high-water mark: %w", err)
	}

	stats := Stats{HighWaterMark: mark}
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			s.observePass("error")
			return stats, err
		}
		records, err := s.source.FetchSince(ctx, reg, stats.HighWaterMark, s.batchLimit)
		if err != nil {
			s.observePass("error")
			return stats, fmt.Errorf("fetch after %d: %w", stats.HighWaterMark, err)
		}
		if len(records) == 0 {
			break
		}
		stats.Fetched += len(records)

		applied, err := s.store.UpsertLogBatch(ctx, records)
		stats.Applied += applied
		if s.onRecords != nil && applied > 0 {
			s.onRecords(applied)
		}
		for _, rec := range records[:applied] {
			if rec.EventID > stats.HighWaterMark {
				stats.HighWaterMark = rec.EventID
			}
		}
		if err != nil {
			s.observePass("error")
			return stats, fmt.Errorf("upsert batch: %w", err)
		}
		if len(records) < s.batchLimit {
			break
		}
	}

	if s.onMark != nil {
		s.onMark(reg.ServerID, stats.HighWaterMark)
	}
	s.observePass("ok")
	if stats.Applied > 0 {
		s.log.Info("log sync pass",
			"server_id", reg.ServerID, "host", reg.Host, "port", reg.Port,
			"applied", stats.Applied, "high_water_mark", stats.HighWaterMark)
	}
	return stats, nil
}

// SyncAll runs one pass per registration, servers in parallel. In-progress
// servers are skipped; other failures are logged and do not stop the rest.
func (s *Synchronizer) SyncAll(ctx context.Context, regs []model.ServerRegistration) {
	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg model.ServerRegistration) {
			defer wg.Done()
			if _, err := s.SyncServer(ctx, reg); err != nil && !errors.Is(err, ErrPassInProgress) {
				s.log.Warn("sync pass failed", "server_id", reg.ServerID, "error", err)
			}
		}(reg)
	}
	wg.Wait()
}

func (s *Synchronizer) observePass(result string) {
	if s.onPass != nil {
		s.onPass(result)
	}
}
