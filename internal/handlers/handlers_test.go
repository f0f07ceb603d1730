package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ymgch/tether/internal/command"
	"github.com/ymgch/tether/internal/db"
	"github.com/ymgch/tether/internal/logsync"
	"github.com/ymgch/tether/internal/model"
	"github.com/ymgch/tether/internal/session"
	"github.com/ymgch/tether/internal/testutil"
)

type fakeConn struct{}

func (fakeConn) Close(ctx context.Context) error { return nil }

type fakeDialer struct {
	mu    sync.Mutex
	dials []session.ConnectParams
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, host string, port int, apiKey string) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, session.ConnectParams{Host: host, Port: port, APIKey: apiKey})
	if d.err != nil {
		return nil, d.err
	}
	return fakeConn{}, nil
}

func (d *fakeDialer) lastDial(t *testing.T) session.ConnectParams {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) == 0 {
		t.Fatal("no dial recorded")
	}
	return d.dials[len(d.dials)-1]
}

type memorySource struct {
	records []model.StructuredLogRecord
}

func (s *memorySource) FetchSince(ctx context.Context, reg model.ServerRegistration, afterEventID int64, limit int) ([]model.StructuredLogRecord, error) {
	var out []model.StructuredLogRecord
	for _, r := range s.records {
		if r.SourceHost == reg.Host && r.SourcePort == reg.Port && r.EventID > afterEventID {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fixture struct {
	dispatcher *command.Dispatcher
	sessions   *session.Manager
	store      *db.Store
	dialer     *fakeDialer
	ctx        context.Context
}

func newFixture(t *testing.T, source logsync.Source) *fixture {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := &fakeDialer{}
	sessions := session.NewManager(dialer, log)
	if source == nil {
		source = &memorySource{}
	}
	syncer := logsync.New(store, source, log)

	d := command.NewDispatcher()
	RegisterAll(d, Deps{Sessions: sessions, Store: store, Sync: syncer, Log: log})
	return &fixture{dispatcher: d, sessions: sessions, store: store, dialer: dialer, ctx: ctx}
}

func (f *fixture) send(t *testing.T, req command.Request) model.CommandResult {
	t.Helper()
	res, err := f.dispatcher.Send(f.ctx, req)
	if err != nil {
		t.Fatalf("dispatch %s: %v", req.Kind(), err)
	}
	return res
}

func TestPairSavesRegistrationAndConnects(t *testing.T) {
	f := newFixture(t, nil)

	res := f.send(t, PairRequest{
		Base:        Base{Correlation: "c1", Workspace: "ws1"},
		URI:         "tether://pair?host=10.0.0.5&port=7070&key=s3cret",
		DisplayName: "laptop",
	})
	if !res.Success {
		t.Fatalf("pair failed: %s (%s)", res.Message, res.Error)
	}
	if res.ServerID == "" || res.SessionID == "" {
		t.Fatalf("expected server and session ids, got %+v", res)
	}

	reg, err := f.store.GetRegistration(f.ctx, res.ServerID)
	if err != nil {
		t.Fatalf("registration not saved: %v", err)
	}
	if reg.Host != "10.0.0.5" || reg.Port != 7070 || reg.APIKey != "s3cret" || reg.DisplayName != "laptop" {
		t.Fatalf("unexpected registration %+v", reg)
	}

	item, ok := f.sessions.Get(res.SessionID)
	if !ok {
		t.Fatal("session not tracked")
	}
	if item.State != model.SessionConnected {
		t.Fatalf("state = %s, want %s", item.State, model.SessionConnected)
	}
	if got := f.dialer.lastDial(t); got.APIKey != "s3cret" {
		t.Fatalf("dial used key %q", got.APIKey)
	}
}

func TestPairRejectsMalformedURI(t *testing.T) {
	f := newFixture(t, nil)

	res := f.send(t, PairRequest{
		Base: Base{Correlation: "c1", Workspace: "ws1"},
		URI:  "tether://pair?host=10.0.0.5&port=7070",
	})
	if res.Success {
		t.Fatal("expected failure for uri without key")
	}

	regs, err := f.store.ListRegistrations(f.ctx)
	if err != nil {
		t.Fatalf("list registrations: %v", err)
	}
	if len(regs) != 0 {
		t.Fatalf("malformed uri saved a registration: %+v", regs)
	}
	if items := f.sessions.List(""); len(items) != 0 {
		t.Fatalf("malformed uri created sessions: %+v", items)
	}
}

func TestPairReportsConnectFailureWithServerID(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.err = errors.New("connection refused")

	res := f.send(t, PairRequest{
		Base: Base{Correlation: "c1", Workspace: "ws1"},
		URI:  "tether://pair?host=10.0.0.5&port=7070&key=k",
	})
	if res.Success {
		t.Fatal("expected connect failure")
	}
	if res.ServerID == "" {
		t.Fatal("registration should survive a failed connect")
	}
	if _, err := f.store.GetRegistration(f.ctx, res.ServerID); err != nil {
		t.Fatalf("registration not saved: %v", err)
	}
}

func TestCreateSessionResolvesSavedProfile(t *testing.T) {
	f := newFixture(t, nil)
	testutil.SeedRegistration(t, f.store, f.ctx, "srv-1", "192.168.1.20", 9000)

	res := f.send(t, CreateSessionRequest{
		Base:     Base{Correlation: "c1", Workspace: "ws1"},
		ServerID: "srv-1",
	})
	if !res.Success {
		t.Fatalf("create failed: %s (%s)", res.Message, res.Error)
	}
	got := f.dialer.lastDial(t)
	if got.Host != "192.168.1.20" || got.Port != 9000 {
		t.Fatalf("dialed %s:%d, want profile endpoint", got.Host, got.Port)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, nil)

	cases := []struct {
		name string
		req  CreateSessionRequest
		want string
	}{
		{"missing host", CreateSessionRequest{Base: Base{Workspace: "ws1"}}, "host"},
		{"port out of range", CreateSessionRequest{Base: Base{Workspace: "ws1"}, Host: "h", Port: 70000}, "port"},
		{"unknown server", CreateSessionRequest{Base: Base{Workspace: "ws1"}, ServerID: "nope"}, "unknown server"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.send(t, tc.req)
			if res.Success {
				t.Fatal("expected failure")
			}
			if !strings.Contains(res.Message, tc.want) {
				t.Fatalf("message %q does not mention %q", res.Message, tc.want)
			}
		})
	}
	if items := f.sessions.List(""); len(items) != 0 {
		t.Fatalf("validation failures created sessions: %+v", items)
	}
}

func TestConnectUnknownServerFails(t *testing.T) {
	f := newFixture(t, nil)

	res := f.send(t, ConnectSessionRequest{Base: Base{Workspace: "ws1"}, ServerID: "ghost"})
	if res.Success {
		t.Fatal("expected failure for unknown server")
	}
	if !strings.Contains(res.Message, "ghost") {
		t.Fatalf("message %q does not name the server", res.Message)
	}
}

func TestDisconnectAndTerminateFlow(t *testing.T) {
	f := newFixture(t, nil)

	created := f.send(t, CreateSessionRequest{
		Base: Base{Correlation: "c1", Workspace: "ws1"},
		Host: "10.0.0.9", Port: 8080, APIKey: "k",
	})
	if !created.Success {
		t.Fatalf("create failed: %s", created.Message)
	}

	res := f.send(t, DisconnectSessionRequest{Base: Base{Workspace: "ws1"}, SessionID: created.SessionID})
	if !res.Success {
		t.Fatalf("disconnect failed: %s", res.Message)
	}
	item, ok := f.sessions.Get(created.SessionID)
	if !ok || item.State != model.SessionIdle {
		t.Fatalf("after disconnect got %+v, want idle and still listed", item)
	}

	res = f.send(t, TerminateSessionRequest{Base: Base{Workspace: "ws1"}, SessionID: created.SessionID})
	if !res.Success {
		t.Fatalf("terminate failed: %s", res.Message)
	}
	if _, ok := f.sessions.Get(created.SessionID); ok {
		t.Fatal("terminated session still tracked")
	}
}

func TestTerminateUnknownSessionSucceeds(t *testing.T) {
	f := newFixture(t, nil)

	res := f.send(t, TerminateSessionRequest{Base: Base{Workspace: "ws1"}, SessionID: "never-existed"})
	if !res.Success {
		t.Fatalf("terminate of unknown session should succeed, got %s", res.Message)
	}
}

func TestDisconnectUnknownSessionFails(t *testing.T) {
	f := newFixture(t, nil)

	res := f.send(t, DisconnectSessionRequest{Base: Base{Workspace: "ws1"}, SessionID: "never-existed"})
	if res.Success {
		t.Fatal("expected failure for unknown session")
	}
}

func TestSaveAndDeleteServerProfile(t *testing.T) {
	f := newFixture(t, nil)

	saved := f.send(t, SaveServerProfileRequest{
		Base: Base{Workspace: "ws1"},
		Host: "172.16.0.2", Port: 7070, APIKey: "k", DisplayName: "desk",
	})
	if !saved.Success || saved.ServerID == "" {
		t.Fatalf("save failed: %+v", saved)
	}

	res := f.send(t, SaveServerProfileRequest{Base: Base{Workspace: "ws1"}, Host: "h"})
	if res.Success {
		t.Fatal("expected port validation failure")
	}

	res = f.send(t, DeleteServerProfileRequest{Base: Base{Workspace: "ws1"}, ServerID: saved.ServerID})
	if !res.Success {
		t.Fatalf("delete failed: %s", res.Message)
	}
	if _, err := f.store.GetRegistration(f.ctx, saved.ServerID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("registration still present after delete: %v", err)
	}

	res = f.send(t, DeleteServerProfileRequest{Base: Base{Workspace: "ws1"}, ServerID: saved.ServerID})
	if res.Success {
		t.Fatal("deleting a missing profile should fail")
	}
}

func TestSyncLogsSingleServer(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	source := &memorySource{}
	for i := int64(1); i <= 4; i++ {
		source.records = append(source.records, testutil.Record("srv-1", "10.0.0.5", 7070, i, now.Add(time.Duration(i)*time.Second)))
	}

	f := newFixture(t, source)
	testutil.SeedRegistration(t, f.store, f.ctx, "srv-1", "10.0.0.5", 7070)

	res := f.send(t, SyncLogsRequest{Base: Base{Workspace: "ws1"}, ServerID: "srv-1"})
	if !res.Success {
		t.Fatalf("sync failed: %s (%s)", res.Message, res.Error)
	}
	n, err := f.store.CountRows(f.ctx, "logs")
	if err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if n != 4 {
		t.Fatalf("logs rows = %d, want 4", n)
	}

	// A second pass has nothing new and changes nothing.
	res = f.send(t, SyncLogsRequest{Base: Base{Workspace: "ws1"}, ServerID: "srv-1"})
	if !res.Success {
		t.Fatalf("repeat sync failed: %s", res.Message)
	}
	if n, _ = f.store.CountRows(f.ctx, "logs"); n != 4 {
		t.Fatalf("repeat sync changed row count to %d", n)
	}
}

func TestSyncLogsUnknownServerFails(t *testing.T) {
	f := newFixture(t, nil)

	res := f.send(t, SyncLogsRequest{Base: Base{Workspace: "ws1"}, ServerID: "ghost"})
	if res.Success {
		t.Fatal("expected failure for unknown server")
	}
}
