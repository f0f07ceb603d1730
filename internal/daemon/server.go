// Package daemon is the long-running tetherd process: a unix-socket HTTP
// server fronting the dispatcher, plus the periodic log-sync loop.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ymgch/tether/internal/api"
	"github.com/ymgch/tether/internal/command"
	"github.com/ymgch/tether/internal/config"
	"github.com/ymgch/tether/internal/db"
	"github.com/ymgch/tether/internal/handlers"
	"github.com/ymgch/tether/internal/logsync"
	"github.com/ymgch/tether/internal/metrics"
	"github.com/ymgch/tether/internal/model"
	"github.com/ymgch/tether/internal/remote"
	"github.com/ymgch/tether/internal/session"
)

const correlationHeader = "X-Correlation-ID"

type Server struct {
	cfg        config.Config
	log        *slog.Logger
	httpSrv    *http.Server
	listener   net.Listener
	lockFile   *os.File
	store      *db.Store
	sessions   *session.Manager
	dispatcher *command.Dispatcher
	logs       *db.BestEffortLogs
	syncer     *logsync.Synchronizer
	metrics    *metrics.DaemonMetrics

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, log *slog.Logger) *Server {
	return NewServerWithDeps(cfg, store, log, nil, nil)
}

// NewServerWithDeps allows tests to substitute the dialer and log source.
// Nil values fall back to the HTTP remote client.
func NewServerWithDeps(cfg config.Config, store *db.Store, log *slog.Logger, dialer session.Dialer, source logsync.Source) *Server {
	if log == nil {
		log = slog.Default()
	}
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	client := remote.NewClient(&http.Client{Timeout: cfg.ConnectTimeout})
	if dialer == nil {
		dialer = client
	}
	if source == nil {
		source = client
	}

	sessions := session.NewManager(dialer, log).
		WithCountObserver(func(active int) { m.SessionsActive.Set(float64(active)) })
	logs := db.NewBestEffortLogs(store, log, m.StorageDropped.Inc)
	syncer := logsync.New(store, source, log).
		WithRateLimit(cfg.FetchRate, cfg.FetchBurst).
		WithBatchLimit(cfg.SyncBatchLimit).
		WithObservers(
			func(result string) { m.SyncPassesTotal.WithLabelValues(result).Inc() },
			func(n int) { m.RecordsUpserted.Add(float64(n)) },
			func(serverID string, mark int64) { m.SyncLastEventID.WithLabelValues(serverID).Set(float64(mark)) },
		)

	dispatcher := command.NewDispatcher().
		WithObserver(func(kind command.Kind, success bool) {
			outcome := "ok"
			if !success {
				outcome = "error"
			}
			m.RequestsTotal.WithLabelValues(string(kind), outcome).Inc()
		})
	handlers.RegisterAll(dispatcher, handlers.Deps{
		Sessions: sessions,
		Store:    store,
		Sync:     syncer,
		Log:      log,
	})

	mux := http.NewServeMux()
	s := &Server{
		cfg:        cfg,
		log:        log,
		store:      store,
		sessions:   sessions,
		dispatcher: dispatcher,
		logs:       logs,
		syncer:     syncer,
		metrics:    m,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/pair", s.pairHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionByIDHandler)
	mux.HandleFunc("/v1/servers", s.serversHandler)
	mux.HandleFunc("/v1/servers/", s.serverByIDHandler)
	mux.HandleFunc("/v1/logs", s.logsHandler)
	mux.HandleFunc("/v1/sync", s.syncHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return s
}

// Handler exposes the route table for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("tetherd listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// RunSyncLoop periodically replicates logs from every saved registration.
// Blocks until ctx is cancelled.
func (s *Server) RunSyncLoop(ctx context.Context) {
	if s.cfg.SyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			regs, err := s.store.ListRegistrations(ctx)
			if err != nil {
				s.log.Warn("sync loop: list registrations", "error", err)
				continue
			}
			s.syncer.SyncAll(ctx, regs)
		}
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) pairHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var body api.PairBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	req := handlers.PairRequest{
		Base:        s.provenance(r),
		URI:         strings.TrimSpace(body.URI),
		DisplayName: strings.TrimSpace(body.DisplayName),
	}
	s.dispatch(w, r, req)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSessions(w, r)
	case http.MethodPost:
		s.createSession(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	items := s.sessions.List(strings.TrimSpace(r.URL.Query().Get("workspace")))
	resp := api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      make([]api.SessionResponse, 0, len(items)),
	}
	for _, item := range items {
		resp.Sessions = append(resp.Sessions, toSessionResponse(item))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body api.CreateSessionBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	base := s.provenance(r)
	if body.Host == "" && body.ServerID != "" {
		s.dispatch(w, r, handlers.ConnectSessionRequest{Base: base, ServerID: strings.TrimSpace(body.ServerID)})
		return
	}
	s.dispatch(w, r, handlers.CreateSessionRequest{
		Base:   base,
		Host:   strings.TrimSpace(body.Host),
		Port:   body.Port,
		APIKey: body.APIKey,
	})
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrCodeSessionNotFound, "session route not found")
		return
	}
	sessionID, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid session id encoding")
		return
	}
	base := s.provenance(r)

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			item, ok := s.sessions.Get(sessionID)
			if !ok {
				s.writeError(w, http.StatusNotFound, model.ErrCodeSessionNotFound, "session not found")
				return
			}
			s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
				SchemaVersion: api.SchemaVersion,
				GeneratedAt:   time.Now().UTC(),
				Sessions:      []api.SessionResponse{toSessionResponse(item)},
			})
		case http.MethodDelete:
			s.dispatch(w, r, handlers.TerminateSessionRequest{Base: base, SessionID: sessionID})
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
		return
	}
	if len(parts) == 2 && parts[1] == "disconnect" {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.dispatch(w, r, handlers.DisconnectSessionRequest{Base: base, SessionID: sessionID})
		return
	}
	s.writeError(w, http.StatusNotFound, model.ErrCodeSessionNotFound, "session route not found")
}

func (s *Server) serversHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listServers(w, r)
	case http.MethodPost:
		s.saveServer(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	regs, err := s.store.ListRegistrations(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeValidation, "failed to list servers")
		return
	}
	resp := api.ServersEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Servers:       make([]api.ServerResponse, 0, len(regs)),
	}
	for _, reg := range regs {
		resp.Servers = append(resp.Servers, toServerResponse(reg))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) saveServer(w http.ResponseWriter, r *http.Request) {
	var body api.SaveServerBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	s.dispatch(w, r, handlers.SaveServerProfileRequest{
		Base:        s.provenance(r),
		ServerID:    strings.TrimSpace(body.ServerID),
		DisplayName: strings.TrimSpace(body.DisplayName),
		Host:        strings.TrimSpace(body.Host),
		Port:        body.Port,
		APIKey:      body.APIKey,
	})
}

func (s *Server) serverByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/servers/"), "/")
	if tail == "" || strings.Contains(tail, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrCodeServerNotFound, "server route not found")
		return
	}
	serverID, err := url.PathUnescape(tail)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid server id encoding")
		return
	}
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}
	s.dispatch(w, r, handlers.DeleteServerProfileRequest{Base: s.provenance(r), ServerID: serverID})
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	filter := model.LogFilter{
		ServerID:      strings.TrimSpace(q.Get("server_id")),
		SessionID:     strings.TrimSpace(q.Get("session_id")),
		CorrelationID: strings.TrimSpace(q.Get("correlation_id")),
		EventType:     strings.TrimSpace(q.Get("event_type")),
		Level:         strings.TrimSpace(q.Get("level")),
	}
	var timeErr error
	filter.Since, timeErr = parseTimeParam(q.Get("since"))
	if timeErr != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "since must be RFC3339")
		return
	}
	filter.Until, timeErr = parseTimeParam(q.Get("until"))
	if timeErr != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "until must be RFC3339")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	records := s.logs.Query(r.Context(), filter, limit)
	resp := api.LogsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Logs:          make([]api.LogRecordResponse, 0, len(records)),
	}
	for _, rec := range records {
		resp.Logs = append(resp.Logs, toLogRecordResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var body api.SyncBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	s.dispatch(w, r, handlers.SyncLogsRequest{Base: s.provenance(r), ServerID: strings.TrimSpace(body.ServerID)})
}

// dispatch funnels one HTTP mutation through the command dispatcher and
// renders its result. Unhandled kinds are wiring defects and surface as 500.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req command.Request) {
	res, err := s.dispatcher.Send(r.Context(), req)
	if err != nil {
		var unhandled *command.UnhandledRequestError
		if errors.As(err, &unhandled) {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeUnhandled, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeValidation, err.Error())
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, api.ResultEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Success:       res.Success,
		Message:       res.Message,
		Error:         res.Error,
		CorrelationID: req.CorrelationID(),
		SessionID:     res.SessionID,
		ServerID:      res.ServerID,
	})
}

// provenance builds the request Base from transport headers. A missing
// correlation id gets a fresh one so every result is traceable.
func (s *Server) provenance(r *http.Request) handlers.Base {
	correlation := strings.TrimSpace(r.Header.Get(correlationHeader))
	if correlation == "" {
		correlation = uuid.NewString()
	}
	return handlers.Base{
		Correlation: correlation,
		Workspace:   strings.TrimSpace(r.Header.Get("X-Workspace-ID")),
	}
}

func parseTimeParam(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	t := parsed.UTC()
	return &t, nil
}

func toSessionResponse(item model.SessionItem) api.SessionResponse {
	return api.SessionResponse{
		SessionID:   item.SessionID,
		WorkspaceID: item.WorkspaceID,
		ServerID:    item.ServerID,
		Host:        item.Host,
		Port:        item.Port,
		State:       string(item.State),
		CreatedAt:   item.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   item.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toServerResponse(reg model.ServerRegistration) api.ServerResponse {
	return api.ServerResponse{
		ServerID:    reg.ServerID,
		DisplayName: reg.DisplayName,
		Host:        reg.Host,
		Port:        reg.Port,
		UpdatedAt:   reg.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toLogRecordResponse(rec model.StructuredLogRecord) api.LogRecordResponse {
	return api.LogRecordResponse{
		ServerID:      rec.ServerID,
		EventID:       rec.EventID,
		TimestampUTC:  rec.TimestampUTC.UTC().Format(time.RFC3339Nano),
		Level:         rec.Level,
		EventType:     rec.EventType,
		Message:       rec.Message,
		Component:     rec.Component,
		SessionID:     rec.SessionID,
		CorrelationID: rec.CorrelationID,
		DetailsJSON:   rec.DetailsJSON,
		SourceHost:    rec.SourceHost,
		SourcePort:    rec.SourcePort,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeValidation, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
