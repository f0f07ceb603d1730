package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPairCallsAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pair", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["uri"] != "tether://pair?host=h&port=7070&key=k" || body["display_name"] != "laptop" {
			t.Fatalf("unexpected body: %v", body)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","success":true,"message":"paired and connected to h:7070","correlation_id":"c1","session_id":"s1","server_id":"srv1"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	code := r.Run(context.Background(), []string{"pair", "tether://pair?host=h&port=7070&key=k", "--name", "laptop"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "paired and connected") || !strings.Contains(out.String(), "session: s1") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestPairRequiresURI(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient("http://example.invalid", &http.Client{}, out, errOut)
	if code := r.Run(context.Background(), []string{"pair"}); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "usage: tether pair") {
		t.Fatalf("expected usage message, got: %s", errOut.String())
	}
}

func TestConnectSendsWorkspaceHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Workspace-ID"); got != "ws-7" {
			t.Fatalf("workspace header = %q, want ws-7", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["server_id"] != "srv1" {
			t.Fatalf("unexpected body: %v", body)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","success":true,"message":"session s1 connected","correlation_id":"c1","session_id":"s1","server_id":"srv1"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	if code := r.Run(context.Background(), []string{"--workspace", "ws-7", "connect", "srv1"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
}

func TestTerminateCallsDelete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/s1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","success":true,"message":"session s1 terminated","correlation_id":"c1","session_id":"s1"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	if code := r.Run(context.Background(), []string{"terminate", "s1"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
}

func TestSessionListTabularOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","sessions":[{"session_id":"s1","workspace_id":"ws1","server_id":"srv1","host":"10.0.0.5","port":7070,"state":"connected","created_at":"2026-02-13T00:00:00Z","updated_at":"2026-02-13T00:00:00Z"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	if code := r.Run(context.Background(), []string{"session", "list"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "s1\tconnected\t10.0.0.5:7070\tws1") {
		t.Fatalf("expected tabular session output, got: %s", out.String())
	}
}

func TestServerSaveAndDelete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/servers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["host"] != "172.16.0.2" || body["port"] != float64(7070) {
			t.Fatalf("unexpected body: %v", body)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","success":true,"message":"server desk saved","correlation_id":"c1","server_id":"srv1"}`)
	})
	mux.HandleFunc("/v1/servers/srv1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","success":true,"message":"server srv1 deleted","correlation_id":"c1","server_id":"srv1"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	if code := r.Run(context.Background(), []string{"server", "save", "--host", "172.16.0.2", "--port", "7070", "--key", "k", "--name", "desk"}); code != 0 {
		t.Fatalf("save: expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if code := r.Run(context.Background(), []string{"server", "delete", "srv1"}); code != 0 {
		t.Fatalf("delete: expected exit 0, got %d stderr=%s", code, errOut.String())
	}
}

func TestLogsPassesFilters(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("server_id") != "srv1" || q.Get("level") != "error" || q.Get("limit") != "5" {
			t.Fatalf("unexpected query: %v", q)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","logs":[{"server_id":"srv1","event_id":9,"timestamp_utc":"2026-02-13T00:00:00Z","level":"error","event_type":"task.failed","message":"boom","component":"agent","source_host":"h","source_port":7070}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	if code := r.Run(context.Background(), []string{"logs", "--server", "srv1", "--level", "error", "--limit", "5"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "task.failed\tboom") {
		t.Fatalf("expected tabular log output, got: %s", out.String())
	}
}

func TestFailedCommandSurfacesDaemonMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sync", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","success":false,"message":"unknown server \"ghost\"","error":"registration not found","correlation_id":"c1"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	if code := r.Run(context.Background(), []string{"sync", "--server", "ghost"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown server") {
		t.Fatalf("expected daemon message on stderr, got: %s", errOut.String())
	}
}

func TestDoctorUsesSocketOverride(t *testing.T) {
	tmp := t.TempDir()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient("http://example.invalid", &http.Client{}, out, errOut)
	code := r.Run(context.Background(), []string{"--socket", tmp + "/tetherd.sock", "doctor", "--json"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"checks"`) {
		t.Fatalf("expected doctor JSON output, got: %s", out.String())
	}
}

func TestUnknownCommandPrintsUsage(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient("http://example.invalid", &http.Client{}, out, errOut)
	if code := r.Run(context.Background(), []string{"frobnicate"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "usage: tether") {
		t.Fatalf("expected usage output, got: %s", errOut.String())
	}
}
