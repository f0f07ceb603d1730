package handlers

import (
	"github.com/ymgch/tether/internal/command"
)

// The closed set of request kinds. Every mutating operation in the system
// is one of these, bound to exactly one handler at daemon startup.
const (
	KindCreateSession     command.Kind = "session.create"
	KindConnectSession    command.Kind = "session.connect"
	KindDisconnectSession command.Kind = "session.disconnect"
	KindTerminateSession  command.Kind = "session.terminate"
	KindPair              command.Kind = "pairing.resolve"
	KindSaveServerProfile command.Kind = "server.save"
	KindDeleteServer      command.Kind = "server.delete"
	KindSyncLogs          command.Kind = "logs.sync"
)

// Base carries the provenance every request shares.
type Base struct {
	Correlation string
	Workspace   string
}

func (b Base) CorrelationID() string { return b.Correlation }
func (b Base) WorkspaceID() string   { return b.Workspace }

// CreateSessionRequest allocates and connects a new session, either from
// raw parameters or from a saved registration (ServerID set, rest empty).
type CreateSessionRequest struct {
	Base
	ServerID string
	Host     string
	Port     int
	APIKey   string
}

func (CreateSessionRequest) Kind() command.Kind { return KindCreateSession }

// ConnectSessionRequest attaches to an already-known registration.
type ConnectSessionRequest struct {
	Base
	ServerID string
}

func (ConnectSessionRequest) Kind() command.Kind { return KindConnectSession }

type DisconnectSessionRequest struct {
	Base
	SessionID string
}

func (DisconnectSessionRequest) Kind() command.Kind { return KindDisconnectSession }

type TerminateSessionRequest struct {
	Base
	SessionID string
}

func (TerminateSessionRequest) Kind() command.Kind { return KindTerminateSession }

// PairRequest resolves a pairing URI (deep link or scan, equivalently)
// into a saved registration and a connected session.
type PairRequest struct {
	Base
	URI         string
	DisplayName string
}

func (PairRequest) Kind() command.Kind { return KindPair }

type SaveServerProfileRequest struct {
	Base
	ServerID    string
	DisplayName string
	Host        string
	Port        int
	APIKey      string
}

func (SaveServerProfileRequest) Kind() command.Kind { return KindSaveServerProfile }

type DeleteServerProfileRequest struct {
	Base
	ServerID string
}

func (DeleteServerProfileRequest) Kind() command.Kind { return KindDeleteServer }

// SyncLogsRequest runs a catch-up pass for one registration, or for all
// of them when ServerID is empty.
type SyncLogsRequest struct {
	Base
	ServerID string
}

func (SyncLogsRequest) Kind() command.Kind { return KindSyncLogs }
