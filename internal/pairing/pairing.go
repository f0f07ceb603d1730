// Package pairing turns a scanned or deep-linked URI into validated
// connection parameters. Both entry points deliver a plain string, so the
// resolver behaves identically regardless of which produced it.
package pairing

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	Scheme = "tether"
	host   = "pair"
)

// Params are the validated connection parameters consumed by session
// creation.
type Params struct {
	Host string
	Port int
	Key  string
}

// Error reports a malformed or incomplete pairing URI. It is always
// produced before any session-creation attempt is made.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pairing uri invalid: %s: %s", e.Field, e.Reason)
}

// Parse validates raw and extracts host, port and credential.
func Parse(raw string) (Params, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Params{}, &Error{Field: "uri", Reason: "empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Params{}, &Error{Field: "uri", Reason: err.Error()}
	}
	if u.Scheme != Scheme {
		return Params{}, &Error{Field: "scheme", Reason: fmt.Sprintf("expected %q, got %q", Scheme, u.Scheme)}
	}
	if u.Host != host {
		return Params{}, &Error{Field: "authority", Reason: fmt.Sprintf("expected %q, got %q", host, u.Host)}
	}
	q := u.Query()

	p := Params{
		Host: strings.TrimSpace(q.Get("host")),
		Key:  q.Get("key"),
	}
	if p.Host == "" {
		return Params{}, &Error{Field: "host", Reason: "missing"}
	}
	portStr := strings.TrimSpace(q.Get("port"))
	if portStr == "" {
		return Params{}, &Error{Field: "port", Reason: "missing"}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Params{}, &Error{Field: "port", Reason: "not numeric"}
	}
	if port < 1 || port > 65535 {
		return Params{}, &Error{Field: "port", Reason: "out of range"}
	}
	p.Port = port
	if p.Key == "" {
		return Params{}, &Error{Field: "key", Reason: "missing"}
	}
	return p, nil
}

// Build encodes params as a pairing URI. Parse(Build(p)) == p.
func Build(p Params) string {
	q := url.Values{}
	q.Set("host", p.Host)
	q.Set("port", strconv.Itoa(p.Port))
	q.Set("key", p.Key)
	u := url.URL{Scheme: Scheme, Host: host, RawQuery: q.Encode()}
	return u.String()
}
