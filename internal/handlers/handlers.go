// Package handlers binds every request kind to its handler. Validation
// and pairing failures never escape a handler; they become failed
// CommandResults with field-specific messages.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ymgch/tether/internal/command"
	"github.com/ymgch/tether/internal/db"
	"github.com/ymgch/tether/internal/logsync"
	"github.com/ymgch/tether/internal/model"
	"github.com/ymgch/tether/internal/pairing"
	"github.com/ymgch/tether/internal/security"
	"github.com/ymgch/tether/internal/session"
)

// Deps are the collaborators handlers mutate. The dispatcher itself
// stays free of business state.
type Deps struct {
	Sessions *session.Manager
	Store    *db.Store
	Sync     *logsync.Synchronizer
	Log      *slog.Logger
}

type handlers struct {
	deps Deps
}

// RegisterAll binds the full request-kind table. It is called once during
// process setup, before any dispatch.
func RegisterAll(d *command.Dispatcher, deps Deps) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	h := &handlers{deps: deps}
	d.MustRegister(KindCreateSession, command.HandlerFunc(h.createSession))
	d.MustRegister(KindConnectSession, command.HandlerFunc(h.connectSession))
	d.MustRegister(KindDisconnectSession, command.HandlerFunc(h.disconnectSession))
	d.MustRegister(KindTerminateSession, command.HandlerFunc(h.terminateSession))
	d.MustRegister(KindPair, command.HandlerFunc(h.pair))
	d.MustRegister(KindSaveServerProfile, command.HandlerFunc(h.saveServerProfile))
	d.MustRegister(KindDeleteServer, command.HandlerFunc(h.deleteServerProfile))
	d.MustRegister(KindSyncLogs, command.HandlerFunc(h.syncLogs))
}

func (h *handlers) createSession(ctx context.Context, req command.Request) model.CommandResult {
	r, ok := req.(CreateSessionRequest)
	if !ok {
		return model.Fail("invalid request payload for session.create", nil)
	}

	params := session.ConnectParams{ServerID: r.ServerID, Host: r.Host, Port: r.Port, APIKey: r.APIKey}
	if r.Host == "" && r.ServerID != "" {
		reg, err := h.deps.Store.GetRegistration(ctx, r.ServerID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return model.Fail(fmt.Sprintf("unknown server %q", r.ServerID), err)
			}
			return model.Fail("load server profile", err)
		}
		params = session.ConnectParams{ServerID: reg.ServerID, Host: reg.Host, Port: reg.Port, APIKey: reg.APIKey}
	}
	if params.Host == "" {
		return model.Fail("host is required", nil)
	}
	if params.Port < 1 || params.Port > 65535 {
		return model.Fail(fmt.Sprintf("port out of range: %d", params.Port), nil)
	}

	item, err := h.deps.Sessions.Create(ctx, r.WorkspaceID(), r.CorrelationID(), params)
	if err != nil {
		if errors.Is(err, session.ErrWorkspaceBusy) {
			return model.Fail("another connect attempt is in progress", err)
		}
		return model.Fail(fmt.Sprintf("connect to %s:%d failed", params.Host, params.Port), err)
	}
	return model.CommandResult{
		Success:   true,
		Message:   fmt.Sprintf("session %s connected", item.SessionID),
		SessionID: item.SessionID,
		ServerID:  item.ServerID,
	}
}

func (h *handlers) connectSession(ctx context.Context, req command.Request) model.CommandResult {
	r, ok := req.(ConnectSessionRequest)
	if !ok {
		return model.Fail("invalid request payload for session.connect", nil)
	}
	if r.ServerID == "" {
		return model.Fail("server_id is required", nil)
	}
	reg, err := h.deps.Store.GetRegistration(ctx, r.ServerID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.Fail(fmt.Sprintf("unknown server %q", r.ServerID), err)
		}
		return model.Fail("load server profile", err)
	}

	item, err := h.deps.Sessions.Connect(ctx, r.WorkspaceID(), r.CorrelationID(), reg)
	if err != nil {
		if errors.Is(err, session.ErrWorkspaceBusy) {
			return model.Fail("another connect attempt is in progress", err)
		}
		return model.Fail(fmt.Sprintf("connect to %s:%d failed", reg.Host, reg.Port), err)
	}
	return model.CommandResult{
		Success:   true,
		Message:   fmt.Sprintf("session %s connected", item.SessionID),
		SessionID: item.SessionID,
		ServerID:  reg.ServerID,
	}
}

func (h *handlers) disconnectSession(ctx context.Context, req command.Request) model.CommandResult {
	r, ok := req.(DisconnectSessionRequest)
	if !ok {
		return model.Fail("invalid request payload for session.disconnect", nil)
	}
	if r.SessionID == "" {
		return model.Fail("session_id is required", nil)
	}
	item, err := h.deps.Sessions.Disconnect(ctx, r.SessionID, r.CorrelationID())
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return model.Fail(fmt.Sprintf("unknown session %q", r.SessionID), err)
		}
		return model.Fail("disconnect failed", err)
	}
	return model.CommandResult{
		Success:   true,
		Message:   fmt.Sprintf("session %s disconnected", item.SessionID),
		SessionID: item.SessionID,
	}
}

func (h *handlers) terminateSession(ctx context.Context, req command.Request) model.CommandResult {
	r, ok := req.(TerminateSessionRequest)
	if !ok {
		return model.Fail("invalid request payload for session.terminate", nil)
	}
	if r.SessionID == "" {
		return model.Fail("session_id is required", nil)
	}
	if err := h.deps.Sessions.Terminate(ctx, r.SessionID, r.CorrelationID()); err != nil {
		return model.Fail("terminate failed", err)
	}
	return model.CommandResult{
		Success:   true,
		Message:   fmt.Sprintf("session %s terminated", r.SessionID),
		SessionID: r.SessionID,
	}
}

// pair validates the URI first; a malformed URI never reaches session
// creation. On success the endpoint is saved as a registration and a
// session is opened against it.
func (h *handlers) pair(ctx context.Context, req command.Request) model.CommandResult {
	r, ok := req.(PairRequest)
	if !ok {
		return model.Fail("invalid request payload for pairing.resolve", nil)
	}
	h.deps.Log.Info("pairing requested",
		"uri", security.RedactPairingURI(r.URI),
		"correlation_id", r.CorrelationID(),
	)
	params, err := pairing.Parse(r.URI)
	if err != nil {
		return model.Fail("pairing uri rejected", err)
	}

	reg, err := h.deps.Store.SaveRegistration(ctx, model.ServerRegistration{
		DisplayName: r.DisplayName,
		Host:        params.Host,
		Port:        params.Port,
		APIKey:      params.Key,
	})
	if err != nil {
		return model.Fail("save paired server", err)
	}

	item, err := h.deps.Sessions.Connect(ctx, r.WorkspaceID(), r.CorrelationID(), reg)
	if err != nil {
		if errors.Is(err, session.ErrWorkspaceBusy) {
			return model.Fail("another connect attempt is in progress", err)
		}
		return model.CommandResult{
			Success:  false,
			Message:  fmt.Sprintf("paired %s:%d but connect failed", reg.Host, reg.Port),
			Error:    err.Error(),
			ServerID: reg.ServerID,
		}
	}
	return model.CommandResult{
		Success:   true,
		Message:   fmt.Sprintf("paired and connected to %s:%d", reg.Host, reg.Port),
		SessionID: item.SessionID,
		ServerID:  reg.ServerID,
	}
}

func (h *handlers) saveServerProfile(ctx context.Context, req command.Request) model.CommandResult {
	r, ok := req.(SaveServerProfileRequest)
	if !ok {
		return model.Fail("invalid request payload for server.save", nil)
	}
	if r.Host == "" {
		return model.Fail("host is required", nil)
	}
	if r.Port < 1 || r.Port > 65535 {
		return model.Fail(fmt.Sprintf("port out of range: %d", r.Port), nil)
	}
	reg, err := h.deps.Store.SaveRegistration(ctx, model.ServerRegistration{
		ServerID:    r.ServerID,
		DisplayName: r.DisplayName,
		Host:        r.Host,
		Port:        r.Port,
		APIKey:      r.APIKey,
	})
	if err != nil {
		return model.Fail("save server profile", err)
	}
	return model.CommandResult{
		Success:  true,
		Message:  fmt.Sprintf("server %s saved", reg.DisplayName),
		ServerID: reg.ServerID,
	}
}

// deleteServerProfile removes the registration only. A live session
// against it stays up until explicitly terminated.
func (h *handlers) deleteServerProfile(ctx context.Context, req command.Request) model.CommandResult {
	r, ok := req.(DeleteServerProfileRequest)
	if !ok {
		return model.Fail("invalid request payload for server.delete", nil)
	}
	if r.ServerID == "" {
		return model.Fail("server_id is required", nil)
	}
	if err := h.deps.Store.DeleteRegistration(ctx, r.ServerID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.Fail(fmt.Sprintf("unknown server %q", r.ServerID), err)
		}
		return model.Fail("delete server profile", err)
	}
	return model.CommandResult{
		Success:  true,
		Message:  fmt.Sprintf("server %s deleted", r.ServerID),
		ServerID: r.ServerID,
	}
}

func (h *handlers) syncLogs(ctx context.Context, req command.Request) model.CommandResult {
	r, ok := req.(SyncLogsRequest)
	if !ok {
		return model.Fail("invalid request payload for logs.sync", nil)
	}

	if r.ServerID != "" {
		reg, err := h.deps.Store.GetRegistration(ctx, r.ServerID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return model.Fail(fmt.Sprintf("unknown server %q", r.ServerID), err)
			}
			return model.Fail("load server profile", err)
		}
		stats, err := h.deps.Sync.SyncServer(ctx, reg)
		if err != nil {
			if errors.Is(err, logsync.ErrPassInProgress) {
				return model.OK("sync already running")
			}
			return model.Fail("sync failed", err)
		}
		return model.CommandResult{
			Success:  true,
			Message:  fmt.Sprintf("synced %d records, high-water mark %d", stats.Applied, stats.HighWaterMark),
			ServerID: reg.ServerID,
		}
	}

	regs, err := h.deps.Store.ListRegistrations(ctx)
	if err != nil {
		return model.Fail("list server profiles", err)
	}
	h.deps.Sync.SyncAll(ctx, regs)
	return model.OK(fmt.Sprintf("sync pass finished for %d servers", len(regs)))
}
