// Package remote is the HTTP boundary to a remote agent process. It
// implements both the session dialer and the log source consumed by the
// core; the agent's transport is an assumed plain HTTP channel.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ymgch/tether/internal/model"
	"github.com/ymgch/tether/internal/security"
	"github.com/ymgch/tether/internal/session"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	client       *http.Client
	unaryTimeout time.Duration
}

func NewClient(client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{client: client, unaryTimeout: defaultUnaryTimeout}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

// RequestError is a typed agent API failure.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type sessionOpened struct {
	SessionID string `json:"session_id"`
}

type agentLogRecord struct {
	EventID       int64  `json:"event_id"`
	TimestampUTC  string `json:"timestamp_utc"`
	Level         string `json:"level"`
	EventType     string `json:"event_type"`
	Message       string `json:"message"`
	Component     string `json:"component"`
	SessionID     string `json:"session_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	DetailsJSON   string `json:"details_json,omitempty"`
}

type agentLogsEnvelope struct {
	Logs []agentLogRecord `json:"logs"`
}

type agentError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// conn is an open remote session; Close tears it down best-effort.
type conn struct {
	c         *Client
	base      string
	apiKey    string
	sessionID string
}

func (s *conn) Close(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.base+"/v1/sessions/"+url.PathEscape(s.sessionID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	resp, err := s.c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return readError(resp)
	}
	return nil
}

// Dial opens a session on the agent at host:port.
func (c *Client) Dial(ctx context.Context, host string, port int, apiKey string) (session.Conn, error) {
	base := c.baseURL(host, port)
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/sessions", bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, readError(resp)
	}

	var opened sessionOpened
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil {
		return nil, fmt.Errorf("decode session open response: %w", err)
	}
	if opened.SessionID == "" {
		return nil, fmt.Errorf("agent returned empty session id")
	}
	return &conn{c: c, base: base, apiKey: apiKey, sessionID: opened.SessionID}, nil
}

// FetchSince pulls log records with event id strictly greater than
// afterEventID, ascending, at most limit.
func (c *Client) FetchSince(ctx context.Context, reg model.ServerRegistration, afterEventID int64, limit int) ([]model.StructuredLogRecord, error) {
	base := c.baseURL(reg.Host, reg.Port)
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterEventID, 10))
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/logs?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+reg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, readError(resp)
	}

	var envelope agentLogsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode logs response: %w", err)
	}

	out := make([]model.StructuredLogRecord, 0, len(envelope.Logs))
	for _, raw := range envelope.Logs {
		timestamp, err := time.Parse(time.RFC3339Nano, raw.TimestampUTC)
		if err != nil {
			return nil, fmt.Errorf("parse log timestamp %q: %w", raw.TimestampUTC, err)
		}
		out = append(out, model.StructuredLogRecord{
			ServerID:      reg.ServerID,
			EventID:       raw.EventID,
			TimestampUTC:  timestamp.UTC(),
			Level:         raw.Level,
			EventType:     raw.EventType,
			Message:       raw.Message,
			Component:     raw.Component,
			SessionID:     raw.SessionID,
			CorrelationID: raw.CorrelationID,
			DetailsJSON:   raw.DetailsJSON,
			SourceHost:    reg.Host,
			SourcePort:    reg.Port,
		})
	}
	return out, nil
}

func (c *Client) baseURL(host string, port int) string {
	return "http://" + netJoin(host, port)
}

func netJoin(host string, port int) string {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// readError parses an agent error envelope. Messages are redacted before
// they can travel into logs or CLI output.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var parsed agentError
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Error.Code != "" || parsed.Error.Message != "") {
		return &RequestError{StatusCode: resp.StatusCode, Code: parsed.Error.Code, Message: security.RedactPayload(parsed.Error.Message)}
	}
	return &RequestError{StatusCode: resp.StatusCode, Message: security.RedactPayload(strings.TrimSpace(string(body)))}
}
