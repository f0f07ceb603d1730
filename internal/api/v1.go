package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// ResultEnvelope carries a dispatched command's outcome.
type ResultEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	Error         string    `json:"error,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	SessionID     string    `json:"session_id,omitempty"`
	ServerID      string    `json:"server_id,omitempty"`
}

type SessionResponse struct {
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`
	ServerID    string `json:"server_id,omitempty"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	State       string `json:"state"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type SessionsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Sessions      []SessionResponse `json:"sessions"`
}

type ServerResponse struct {
	ServerID    string `json:"server_id"`
	DisplayName string `json:"display_name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	UpdatedAt   string `json:"updated_at"`
}

type ServersEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Servers       []ServerResponse `json:"servers"`
}

type LogRecordResponse struct {
	ServerID      string `json:"server_id"`
	EventID       int64  `json:"event_id"`
	TimestampUTC  string `json:"timestamp_utc"`
	Level         string `json:"level"`
	EventType     string `json:"event_type"`
	Message       string `json:"message"`
	Component     string `json:"component"`
	SessionID     string `json:"session_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	DetailsJSON   string `json:"details_json,omitempty"`
	SourceHost    string `json:"source_host"`
	SourcePort    int    `json:"source_port"`
}

type LogsEnvelope struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Logs          []LogRecordResponse `json:"logs"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

// Request bodies accepted by the daemon.

type PairBody struct {
	URI         string `json:"uri"`
	DisplayName string `json:"display_name,omitempty"`
}

type CreateSessionBody struct {
	ServerID string `json:"server_id,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

type SaveServerBody struct {
	ServerID    string `json:"server_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	APIKey      string `json:"api_key"`
}

type SyncBody struct {
	ServerID string `json:"server_id,omitempty"`
}
