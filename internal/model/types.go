package model

import (
	"fmt"
	"strings"
	"time"
)

// SessionState is the lifecycle state of a remote session.
type SessionState string

const (
	SessionIdle          SessionState = "idle"
	SessionConnecting    SessionState = "connecting"
	SessionConnected     SessionState = "connected"
	SessionDisconnecting SessionState = "disconnecting"
	SessionTerminated    SessionState = "terminated"
)

// ServerRegistration is a remembered remote agent endpoint.
type ServerRegistration struct {
	ServerID    string
	DisplayName string
	Host        string
	Port        int
	APIKey      string
	UpdatedAt   time.Time
}

// SessionItem is a live or recently-live connection to a registration.
// Identity is immutable once created; only State changes afterwards.
type SessionItem struct {
	SessionID   string
	WorkspaceID string
	ServerID    string
	Host        string
	Port        int
	State       SessionState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Log levels mirror what remote agents emit.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// StructuredLogRecord is one event emitted by a remote agent. EventID is
// monotonic per (ServerID, SourceHost, SourcePort) and is the authoritative
// order key, not arrival order.
type StructuredLogRecord struct {
	ServerID      string
	EventID       int64
	TimestampUTC  time.Time
	Level         string
	EventType     string
	Message       string
	Component     string
	SessionID     string
	CorrelationID string
	DetailsJSON   string
	SourceHost    string
	SourcePort    int
}

// CompositeID is the sole deduplication key for stored records.
func (r StructuredLogRecord) CompositeID() string {
	return fmt.Sprintf("%s:%s:%d:%d", r.ServerID, r.SourceHost, r.SourcePort, r.EventID)
}

// LogFilter is a query predicate over stored records. A zero-value field
// matches any record.
type LogFilter struct {
	ServerID      string
	SessionID     string
	CorrelationID string
	EventType     string
	Level         string
	Since         *time.Time
	Until         *time.Time
}

// Matches reports whether rec satisfies every set matcher.
func (f LogFilter) Matches(rec StructuredLogRecord) bool {
	if f.ServerID != "" && f.ServerID != rec.ServerID {
		return false
	}
	if f.SessionID != "" && f.SessionID != rec.SessionID {
		return false
	}
	if f.CorrelationID != "" && f.CorrelationID != rec.CorrelationID {
		return false
	}
	if f.EventType != "" && !strings.EqualFold(f.EventType, rec.EventType) {
		return false
	}
	if f.Level != "" && !strings.EqualFold(f.Level, rec.Level) {
		return false
	}
	if f.Since != nil && rec.TimestampUTC.Before(*f.Since) {
		return false
	}
	if f.Until != nil && rec.TimestampUTC.After(*f.Until) {
		return false
	}
	return true
}

// CommandResult is the outcome of a dispatched request. It is always
// produced, even when the handler trapped an internal failure. SessionID
// and ServerID name the entities the command touched, when any.
type CommandResult struct {
	Success   bool
	Message   string
	Error     string
	SessionID string
	ServerID  string
}

func OK(message string) CommandResult {
	return CommandResult{Success: true, Message: message}
}

func Fail(message string, err error) CommandResult {
	out := CommandResult{Success: false, Message: message}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// Error codes surfaced through the daemon API contract.
const (
	ErrCodeValidation      = "E_VALIDATION"
	ErrCodeUnhandled       = "E_UNHANDLED_REQUEST"
	ErrCodeSessionBusy     = "E_SESSION_BUSY"
	ErrCodeSessionFailed   = "E_SESSION_FAILED"
	ErrCodeSessionNotFound = "E_SESSION_NOT_FOUND"
	ErrCodePairingInvalid  = "E_PAIRING_INVALID"
	ErrCodeServerNotFound  = "E_SERVER_NOT_FOUND"
)
