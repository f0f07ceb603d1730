package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ymgch/tether/internal/db"
	"github.com/ymgch/tether/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "tether-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedRegistration(t *testing.T, store *db.Store, ctx context.Context, serverID, host string, port int) model.ServerRegistration {
	t.Helper()
	reg, err := store.SaveRegistration(ctx, model.ServerRegistration{
		ServerID:    serverID,
		DisplayName: serverID,
		Host:        host,
		Port:        port,
		APIKey:      "test-key",
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed registration: %v", err)
	}
	return reg
}

// Record builds a log record for the given source with deterministic
// content derived from the event id.
func Record(serverID, host string, port int, eventID int64, at time.Time) model.StructuredLogRecord {
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
