package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ymgch/tether/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
)

const defaultQueryLimit = 100

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveRegistration upserts a server profile. An empty ServerID is assigned
// a fresh identity on first save; the assigned record is returned.
func (s *Store) SaveRegistration(ctx context.Context, reg model.ServerRegistration) (model.ServerRegistration, error) {
	reg.Host = strings.TrimSpace(reg.Host)
	reg.DisplayName = strings.TrimSpace(reg.DisplayName)
	if reg.Host == "" {
		return model.ServerRegistration{}, fmt.Errorf("host is required")
	}
	if reg.Port < 1 || reg.Port > 65535 {
		return model.ServerRegistration{}, fmt.Errorf("port out of range: %d", reg.Port)
	}
	if strings.TrimSpace(reg.ServerID) == "" {
		reg.ServerID = uuid.NewString()
	}
	if reg.DisplayName == "" {
		reg.DisplayName = fmt.Sprintf("%s:%d", reg.Host, reg.Port)
	}
	if reg.UpdatedAt.IsZero() {
		reg.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO registrations(server_id, display_name, host, port, api_key, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(server_id) DO UPDATE SET
	display_name=excluded.display_name,
	host=excluded.host,
	port=excluded.port,
	api_key=excluded.api_key,
	updated_at=excluded.updated_at
`, reg.ServerID, reg.DisplayName, reg.Host, reg.Port, reg.APIKey, ts(reg.UpdatedAt))
	if err != nil {
		return model.ServerRegistration{}, fmt.Errorf("save registration: %w", err)
	}
	return reg, nil
}

func (s *Store) GetRegistration(ctx context.Context, serverID string) (model.ServerRegistration, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT server_id, display_name, host, port, api_key, updated_at
FROM registrations
WHERE server_id = ?
`, strings.TrimSpace(serverID))
	return scanRegistration(row)
}

func (s *Store) ListRegistrations(ctx context.Context) ([]model.ServerRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT server_id, display_name, host, port, api_key, updated_at
FROM registrations
ORDER BY display_name ASC, server_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	out := make([]model.ServerRegistration, 0)
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter registrations: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteRegistration(ctx context.Context, serverID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE server_id = ?`, strings.TrimSpace(serverID))
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete registration rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRegistration(scanner interface{ Scan(dest ...any) error }) (model.ServerRegistration, error) {
	var (
		reg       model.ServerRegistration
		updatedAt string
	)
	if err := scanner.Scan(&reg.ServerID, &reg.DisplayName, &reg.Host, &reg.Port, &reg.APIKey, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ServerRegistration{}, ErrNotFound
		}
		return model.ServerRegistration{}, fmt.Errorf("scan registration: %w", err)
	}
	var err error
	reg.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.ServerRegistration{}, fmt.Errorf("parse registration updated_at: %w", err)
	}
	return reg, nil
}

// UpsertLogBatch writes every record keyed by its composite id. Repeated
// submissions of the same id are no-ops in effect; on conflict the last
// write wins for every field other than the key. Records are written one
// by one, so a failure leaves earlier records durably stored.
func (s *Store) UpsertLogBatch(ctx context.Context, records []model.StructuredLogRecord) (int, error) {
	applied := 0
	now := time.Now().UTC()
	for _, rec := range records {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO logs(composite_id, server_id, event_id, timestamp_utc, level, event_type, message, component, session_id, correlation_id, details_json, source_host, source_port, ingested_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(composite_id) DO UPDATE SET
	timestamp_utc=excluded.timestamp_utc,
	level=excluded.level,
	event_type=excluded.event_type,
	message=excluded.message,
	component=excluded.component,
	session_id=excluded.session_id,
	correlation_id=excluded.correlation_id,
	details_json=excluded.details_json,
	ingested_at=excluded.ingested_at
`, rec.CompositeID(), rec.ServerID, rec.EventID, ts(rec.TimestampUTC), rec.Level, rec.EventType, rec.Message, rec.Component,
			nullIfEmpty(rec.SessionID), nullIfEmpty(rec.CorrelationID), nullIfEmpty(rec.DetailsJSON), rec.SourceHost, rec.SourcePort, ts(now))
		if err != nil {
			return applied, fmt.Errorf("upsert log %s: %w", rec.CompositeID(), err)
		}
		applied++
	}
	return applied, nil
}

// QueryLogs returns up to limit records newest-first by timestamp. A
// non-positive limit applies the default bound. Zero-value filter fields
// match any record.
func (s *Store) QueryLogs(ctx context.Context, filter model.LogFilter, limit int) ([]model.StructuredLogRecord, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query := `
SELECT server_id, event_id, timestamp_utc, level, event_type, message, component, COALESCE(session_id, ''), COALESCE(correlation_id, ''), COALESCE(details_json, ''), source_host, source_port
FROM logs`
	clauses := make([]string, 0, 7)
	args := make([]any, 0, 8)
	if filter.ServerID != "" {
		clauses = append(clauses, "server_id = ?")
		args = append(args, filter.ServerID)
	}
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ? COLLATE NOCASE")
		args = append(args, filter.EventType)
	}
	if filter.Level != "" {
		clauses = append(clauses, "level = ? COLLATE NOCASE")
		args = append(args, filter.Level)
	}
	if filter.Since != nil {
		clauses = append(clauses, "timestamp_utc >= ?")
		args = append(args, ts(*filter.Since))
	}
	if filter.Until != nil {
		clauses = append(clauses, "timestamp_utc <= ?")
		args = append(args, ts(*filter.Until))
	}
	if len(clauses) > 0 {
		query += "\nWHERE " + strings.Join(clauses, " AND ")
	}
	query += "\nORDER BY timestamp_utc DESC, event_id DESC\nLIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	out := make([]model.StructuredLogRecord, 0)
	for rows.Next() {
		var (
			rec       model.StructuredLogRecord
			timestamp string
		)
		if err := rows.Scan(&rec.ServerID, &rec.EventID, &timestamp, &rec.Level, &rec.EventType, &rec.Message, &rec.Component,
			&rec.SessionID, &rec.CorrelationID, &rec.DetailsJSON, &rec.SourceHost, &rec.SourcePort); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		rec.TimestampUTC, err = parseTS(timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse log timestamp: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter logs: %w", err)
	}
	return out, nil
}

// MaxEventID returns the high-water mark for the given source scope, or 0
// when nothing is stored yet. An empty serverID matches every server at
// that host:port.
func (s *Store) MaxEventID(ctx context.Context, host string, port int, serverID string) (int64, error) {
	query := `SELECT COALESCE(MAX(event_id), 0) FROM logs WHERE source_host = ? AND source_port = ?`
	args := []any{host, port}
	if strings.TrimSpace(serverID) != "" {
		query += ` AND server_id = ?`
		args = append(args, strings.TrimSpace(serverID))
	}
	var maxID int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("scan max event_id: %w", err)
	}
	return maxID, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
