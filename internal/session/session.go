// Package session resolves the caller-chosen session id of HTTP requests.
package session

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

const (
	HeaderName  = "X-Session-ID"
	QueryParam  = "session_id"
	DefaultID   = "default"
	maxIDLength = 128
)

type contextKey int

const idKey contextKey = iota

type requestSession struct {
	id       string
	explicit bool
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// FromContext returns the request's session id, or DefaultID.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(idKey).(requestSession); ok {
		return v.id
	}
	return DefaultID
}

// ExplicitFromContext returns the session id only if the caller supplied a
// valid one.
func ExplicitFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(idKey).(requestSession); ok && v.explicit {
		return v.id, true
	}
	return "", false
}

// WithID returns a context carrying an explicit session id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, requestSession{id: id, explicit: true})
}

func sanitize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if len(id) > maxIDLength || !idPattern.MatchString(id) {
		return DefaultID, false
	}
	return id, true
}

func fromRequest(r *http.Request) requestSession {
	sid := r.Header.Get(HeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(QueryParam)
	}
	id, ok := sanitize(sid)
	return requestSession{id: id, explicit: ok}
}

// Middleware injects the per-request session id. Missing or invalid ids
// fall back to DefaultID.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), idKey, fromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
