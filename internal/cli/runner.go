// Package cli implements the tether command line client. Every command is
// a thin wrapper over the tetherd unix-socket API.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ymgch/tether/internal/api"
	"github.com/ymgch/tether/internal/config"
	"github.com/ymgch/tether/internal/integration"
)

type Runner struct {
	baseURL   string
	client    *http.Client
	out       io.Writer
	errOut    io.Writer
	workspace string
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewRunnerWithClient("http://unix", &http.Client{Transport: transport}, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		out:     out,
		errOut:  errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, workspace, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.baseURL == "http://unix" {
		*r = *NewRunner(socketPath, r.out, r.errOut)
	}
	r.workspace = workspace
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "pair":
		return r.runPair(ctx, rest[1:])
	case "connect":
		return r.runConnect(ctx, rest[1:])
	case "disconnect":
		return r.runDisconnect(ctx, rest[1:])
	case "terminate":
		return r.runTerminate(ctx, rest[1:])
	case "session", "sessions":
		return r.runSession(ctx, rest[1:])
	case "server":
		return r.runServer(ctx, rest[1:])
	case "logs":
		return r.runLogs(ctx, rest[1:])
	case "sync":
		return r.runSync(ctx, rest[1:])
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "doctor":
		return r.runDoctor(rest[1:], socketPath)
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, string, []string, error) {
	socket := config.Default().SocketPath
	workspace := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--socket":
			if i+1 >= len(args) {
				return "", "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
		case "--workspace":
			if i+1 >= len(args) {
				return "", "", nil, fmt.Errorf("--workspace requires value")
			}
			workspace = args[i+1]
			i++
		default:
			rest = append(rest, args[i])
		}
	}
	return socket, workspace, rest, nil
}

func (r *Runner) runPair(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "display name for the paired server")
	jsonOut := fs.Bool("json", false, "output JSON")
	uri := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		uri = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if uri == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: tether pair <uri> [--name <name>]")
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/pair", nil, api.PairBody{URI: uri, DisplayName: *name})
	if err != nil {
		return r.handleErr(err)
	}
	return r.printResult(body, *jsonOut)
}

func (r *Runner) runConnect(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	host := fs.String("host", "", "remote host (instead of a saved server)")
	port := fs.Int("port", 0, "remote port")
	key := fs.String("key", "", "api key")
	jsonOut := fs.Bool("json", false, "output JSON")
	serverID := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		serverID = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if serverID == "" && *host == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: tether connect <server-id> | tether connect --host <host> --port <port> --key <key>")
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/sessions", nil, api.CreateSessionBody{
		ServerID: serverID,
		Host:     *host,
		Port:     *port,
		APIKey:   *key,
	})
	if err != nil {
		return r.handleErr(err)
	}
	return r.printResult(body, *jsonOut)
}

func (r *Runner) runDisconnect(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("disconnect", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	sessionID := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sessionID = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if sessionID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: tether disconnect <session-id>")
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/disconnect", nil, struct{}{})
	if err != nil {
		return r.handleErr(err)
	}
	return r.printResult(body, *jsonOut)
}

func (r *Runner) runTerminate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("terminate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	sessionID := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sessionID = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if sessionID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: tether terminate <session-id>")
		return 2
	}
	body, err := r.request(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	return r.printResult(body, *jsonOut)
}

func (r *Runner) runSession(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] != "list" {
		_, _ = fmt.Fprintln(r.errOut, "usage: tether session list")
		return 2
	}
	fs := flag.NewFlagSet("session list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	query := url.Values{}
	if r.workspace != "" {
		query.Set("workspace", r.workspace)
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/sessions", query, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.SessionsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, s := range env.Sessions {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s:%d\t%s\n", s.SessionID, s.State, s.Host, s.Port, s.WorkspaceID)
	}
	return 0
}

func (r *Runner) runServer(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: tether server <list|save|delete>")
		return 2
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("server list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		body, err := r.request(ctx, http.MethodGet, "/v1/servers", nil, nil)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			_, _ = r.out.Write(body)
			_, _ = fmt.Fprintln(r.out)
			return 0
		}
		var env api.ServersEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return r.handleErr(err)
		}
		for _, s := range env.Servers {
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s:%d\n", s.ServerID, s.DisplayName, s.Host, s.Port)
		}
		return 0
	case "save":
		fs := flag.NewFlagSet("server save", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "server id (empty assigns a new one)")
		name := fs.String("name", "", "display name")
		host := fs.String("host", "", "remote host")
		port := fs.Int("port", 0, "remote port")
		key := fs.String("key", "", "api key")
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if *host == "" || *port == 0 {
			_, _ = fmt.Fprintln(r.errOut, "usage: tether server save --host <host> --port <port> --key <key> [--id <id>] [--name <name>]")
			return 2
		}
		body, err := r.request(ctx, http.MethodPost, "/v1/servers", nil, api.SaveServerBody{
			ServerID:    *id,
			DisplayName: *name,
			Host:        *host,
			Port:        *port,
			APIKey:      *key,
		})
		if err != nil {
			return r.handleErr(err)
		}
		return r.printResult(body, *jsonOut)
	case "delete":
		fs := flag.NewFlagSet("server delete", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		rest := args[1:]
		id := ""
		if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
			id = rest[0]
			rest = rest[1:]
		}
		if err := fs.Parse(rest); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if id == "" {
			_, _ = fmt.Fprintln(r.errOut, "usage: tether server delete <server-id>")
			return 2
		}
		body, err := r.request(ctx, http.MethodDelete, "/v1/servers/"+url.PathEscape(id), nil, nil)
		if err != nil {
			return r.handleErr(err)
		}
		return r.printResult(body, *jsonOut)
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown server subcommand: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runLogs(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	server := fs.String("server", "", "filter by server id")
	sessionID := fs.String("session", "", "filter by session id")
	correlation := fs.String("correlation", "", "filter by correlation id")
	eventType := fs.String("type", "", "filter by event type")
	level := fs.String("level", "", "filter by level")
	since := fs.String("since", "", "RFC3339 lower bound")
	until := fs.String("until", "", "RFC3339 upper bound")
	limit := fs.Int("limit", 0, "maximum records (0 = server default)")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	query := url.Values{}
	setIfPresent := func(k, v string) {
		if v != "" {
			query.Set(k, v)
		}
	}
	setIfPresent("server_id", *server)
	setIfPresent("session_id", *sessionID)
	setIfPresent("correlation_id", *correlation)
	setIfPresent("event_type", *eventType)
	setIfPresent("level", *level)
	setIfPresent("since", *since)
	setIfPresent("until", *until)
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/logs", query, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.LogsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, rec := range env.Logs {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n", rec.TimestampUTC, rec.Level, rec.ServerID, rec.EventType, rec.Message)
	}
	return 0
}

func (r *Runner) runSync(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	server := fs.String("server", "", "sync one server instead of all")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/sync", nil, api.SyncBody{ServerID: *server})
	if err != nil {
		return r.handleErr(err)
	}
	return r.printResult(body, *jsonOut)
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var health api.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "tetherd %s\n", health.Status)
	return 0
}

func (r *Runner) runDoctor(args []string, socketPath string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	cfg := config.Default()
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	result := integration.Doctor(cfg)
	if *jsonOut {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return r.handleErr(err)
		}
	} else {
		for _, c := range result.Checks {
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", c.Status, c.Name, c.Message)
		}
	}
	if !result.OK {
		return 1
	}
	return 0
}

// printResult renders a command envelope. Failed results still print the
// message; the daemon already reported them with a 4xx status, which the
// request helper surfaced as an error.
func (r *Runner) printResult(body []byte, jsonOut bool) int {
	if jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var res api.ResultEnvelope
	if err := json.Unmarshal(body, &res); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, res.Message)
	if res.SessionID != "" {
		_, _ = fmt.Fprintf(r.out, "session: %s\n", res.SessionID)
	}
	if res.ServerID != "" {
		_, _ = fmt.Fprintf(r.out, "server: %s\n", res.ServerID)
	}
	return 0
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.workspace != "" {
		req.Header.Set("X-Workspace-ID", r.workspace)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		var res api.ResultEnvelope
		if unmarshalErr := json.Unmarshal(payload, &res); unmarshalErr == nil && res.Message != "" {
			if res.Error != "" {
				return nil, fmt.Errorf("%s: %s", res.Message, res.Error)
			}
			return nil, fmt.Errorf("%s", res.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: tether [--socket <path>] [--workspace <id>] <pair|connect|disconnect|terminate|session|server|logs|sync|status|doctor> ...")
}
