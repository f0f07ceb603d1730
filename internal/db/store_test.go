package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ymgch/tether/internal/model"
)

func openStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func record(serverID, host string, port int, eventID int64, at time.Time) model.StructuredLogRecord {
	return model.StructuredLogRecord{
		ServerID:     serverID,
		EventID:      eventID,
		TimestampUTC: at,
		Level:        model.LevelInfo,
		EventType:    "agent.heartbeat",
		Message:      "heartbeat",
		Component:    "agent",
		SourceHost:   host,
		SourcePort:   port,
	}
}

func TestSaveRegistrationAssignsServerID(t *testing.T) {
	store, ctx := openStore(t)

	reg, err := store.SaveRegistration(ctx, model.ServerRegistration{
		Host: "127.0.0.1",
		Port: 5243,
	})
	if err != nil {
		t.Fatalf("save registration: %v", err)
	}
	if reg.ServerID == "" {
		t.Fatalf("expected auto-assigned server id")
	}
	if reg.DisplayName != "127.0.0.1:5243" {
		t.Fatalf("unexpected default display name: %q", reg.DisplayName)
	}

	got, err := store.GetRegistration(ctx, reg.ServerID)
	if err != nil {
		t.Fatalf("get registration: %v", err)
	}
	if got.Host != "127.0.0.1" || got.Port != 5243 {
		t.Fatalf("unexpected registration row: %+v", got)
	}
}

func TestSaveRegistrationValidation(t *testing.T) {
	store, ctx := openStore(t)

	cases := []struct {
		name string
		reg  model.ServerRegistration
	}{
		{"empty host", model.ServerRegistration{Host: "  ", Port: 5243}},
		{"port zero", model.ServerRegistration{Host: "127.0.0.1", Port: 0}},
		{"port out of range", model.ServerRegistration{Host: "127.0.0.1", Port: 70000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.SaveRegistration(ctx, tc.reg); err == nil {
				t.Fatalf("expected validation failure for %+v", tc.reg)
			}
		})
	}
}

func TestSaveRegistrationUpsertsByID(t *testing.T) {
	store, ctx := openStore(t)

	first, err := store.SaveRegistration(ctx, model.ServerRegistration{
		ServerID: "srv-local", DisplayName: "old", Host: "127.0.0.1", Port: 5243, APIKey: "k1",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err = store.SaveRegistration(ctx, model.ServerRegistration{
		ServerID: "srv-local", DisplayName: "new", Host: "127.0.0.1", Port: 5244, APIKey: "k2",
	})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}

	regs, err := store.ListRegistrations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(regs) != 1 {
		t.Fatalf("expected single registration, got %d", len(regs))
	}
	if regs[0].DisplayName != "new" || regs[0].Port != 5244 || regs[0].APIKey != "k2" {
		t.Fatalf("upsert did not overwrite: %+v", regs[0])
	}
	if regs[0].ServerID != first.ServerID {
		t.Fatalf("server id changed on upsert")
	}
}

func TestDeleteRegistration(t *testing.T) {
	store, ctx := openStore(t)

	if err := store.DeleteRegistration(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	reg, err := store.SaveRegistration(ctx, model.ServerRegistration{Host: "10.0.0.2", Port: 8443})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.DeleteRegistration(ctx, reg.ServerID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetRegistration(ctx, reg.ServerID); err != ErrNotFound {
		t.Fatalf("expected deleted registration, got %v", err)
	}
}

func TestUpsertLogBatchIdempotent(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []model.StructuredLogRecord{
		record("srv-local", "127.0.0.1", 5243, 1, base),
		record("srv-local", "127.0.0.1", 5243, 2, base.Add(time.Second)),
		record("srv-local", "127.0.0.1", 5243, 3, base.Add(2*time.Second)),
	}
	for i := 0; i < 3; i++ {
		if _, err := store.UpsertLogBatch(ctx, batch); err != nil {
			t.Fatalf("upsert pass %d: %v", i, err)
		}
	}

	got, err := store.QueryLogs(ctx, model.LogFilter{}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records after repeated upserts, got %d", len(got))
	}
}

func TestUpsertLogBatchLastWriteWins(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := record("srv-local", "127.0.0.1", 5243, 7, base)
	first.Message = "first"
	if _, err := store.UpsertLogBatch(ctx, []model.StructuredLogRecord{first}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := first
	second.Message = "second"
	second.Level = model.LevelWarning
	if _, err := store.UpsertLogBatch(ctx, []model.StructuredLogRecord{second}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.QueryLogs(ctx, model.LogFilter{}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected overwrite not duplicate, got %d rows", len(got))
	}
	if got[0].Message != "second" || got[0].Level != model.LevelWarning {
		t.Fatalf("last write did not win: %+v", got[0])
	}
}

func TestQueryLogsOrderAndLimit(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := make([]model.StructuredLogRecord, 0, 5)
	for i := int64(1); i <= 5; i++ {
		batch = append(batch, record("srv-local", "127.0.0.1", 5243, i, base.Add(time.Duration(i)*time.Second)))
	}
	if _, err := store.UpsertLogBatch(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.QueryLogs(ctx, model.LogFilter{}, 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected limit 3, got %d", len(got))
	}
	if got[0].EventID != 5 || got[1].EventID != 4 || got[2].EventID != 3 {
		t.Fatalf("expected newest-first order, got %d %d %d", got[0].EventID, got[1].EventID, got[2].EventID)
	}

	all, err := store.QueryLogs(ctx, model.LogFilter{}, 0)
	if err != nil {
		t.Fatalf("query default limit: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("default limit should return all 5, got %d", len(all))
	}
}

func TestQueryLogsFilters(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := record("srv-a", "127.0.0.1", 5243, 1, base)
	a.SessionID = "sess-1"
	a.CorrelationID = "corr-1"
	a.Level = model.LevelError
	b := record("srv-b", "10.0.0.2", 5243, 1, base.Add(time.Minute))
	b.EventType = "session.closed"
	if _, err := store.UpsertLogBatch(ctx, []model.StructuredLogRecord{a, b}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cases := []struct {
		name   string
		filter model.LogFilter
		want   int64
	}{
		{"by server", model.LogFilter{ServerID: "srv-a"}, 1},
		{"by session", model.LogFilter{SessionID: "sess-1"}, 1},
		{"by correlation", model.LogFilter{CorrelationID: "corr-1"}, 1},
		{"by level case-insensitive", model.LogFilter{Level: "ERROR"}, 1},
		{"by event type", model.LogFilter{EventType: "session.closed"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.QueryLogs(ctx, tc.filter, 10)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("expected one match, got %d", len(got))
			}
		})
	}

	since := base.Add(30 * time.Second)
	ranged, err := store.QueryLogs(ctx, model.LogFilter{Since: &since}, 10)
	if err != nil {
		t.Fatalf("query since: %v", err)
	}
	if len(ranged) != 1 || ranged[0].ServerID != "srv-b" {
		t.Fatalf("unexpected time-range result: %+v", ranged)
	}
}

func TestMaxEventID(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mark, err := store.MaxEventID(ctx, "127.0.0.1", 5243, "srv-local")
	if err != nil {
		t.Fatalf("max event id empty: %v", err)
	}
	if mark != 0 {
		t.Fatalf("expected zero sentinel on empty store, got %d", mark)
	}

	batch := []model.StructuredLogRecord{
		record("srv-local", "127.0.0.1", 5243, 3, base),
		record("srv-local", "127.0.0.1", 5243, 1, base),
		record("srv-local", "127.0.0.1", 5243, 7, base),
		record("srv-local", "127.0.0.1", 5243, 5, base),
		record("srv-other", "127.0.0.1", 5300, 99, base),
	}
	if _, err := store.UpsertLogBatch(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	mark, err = store.MaxEventID(ctx, "127.0.0.1", 5243, "srv-local")
	if err != nil {
		t.Fatalf("max event id: %v", err)
	}
	if mark != 7 {
		t.Fatalf("expected high-water mark 7, got %d", mark)
	}

	anyServer, err := store.MaxEventID(ctx, "127.0.0.1", 5300, "")
	if err != nil {
		t.Fatalf("max event id any server: %v", err)
	}
	if anyServer != 99 {
		t.Fatalf("expected 99 for unscoped server, got %d", anyServer)
	}
}

func TestOverlappingBatchesScenario(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.SaveRegistration(ctx, model.ServerRegistration{
		ServerID: "srv-local", Host: "127.0.0.1", Port: 5243,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	batch1 := make([]model.StructuredLogRecord, 0, 5)
	for i := int64(1); i <= 5; i++ {
		batch1 = append(batch1, record("srv-local", "127.0.0.1", 5243, i, base.Add(time.Duration(i)*time.Second)))
	}
	batch2 := make([]model.StructuredLogRecord, 0, 6)
	for i := int64(3); i <= 8; i++ {
		batch2 = append(batch2, record("srv-local", "127.0.0.1", 5243, i, base.Add(time.Duration(i)*time.Second)))
	}
	if _, err := store.UpsertLogBatch(ctx, batch1); err != nil {
		t.Fatalf("batch1: %v", err)
	}
	if _, err := store.UpsertLogBatch(ctx, batch2); err != nil {
		t.Fatalf("batch2: %v", err)
	}

	got, err := store.QueryLogs(ctx, model.LogFilter{}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 8 {
		t.Fatalf("expected 8 distinct records from overlapping batches, got %d", len(got))
	}
	for i, rec := range got {
		want := int64(8 - i)
		if rec.EventID != want {
			t.Fatalf("position %d: expected event id %d, got %d", i, want, rec.EventID)
		}
	}
}
