// Package identity carries the caller's identity and chat id through a request.
package identity

import (
	"context"
	"net"
	"net/http"
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

const (
	UserEmailHeader = "X-User-Email"
	UserNameHeader  = "X-User-Name"
	ChatIDHeader    = "X-Chat-Id"
	AnonymousEmail  = "anonymous"
)

type contextKey int

const (
	userEmailKey contextKey = iota
	userNameKey
)

// UserEmailFromContext returns the caller's email, or AnonymousEmail.
func UserEmailFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userEmailKey).(string); ok && v != "" {
		return v
	}
	return AnonymousEmail
}

// UserNameFromContext returns the caller's display name.
func UserNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userNameKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns ctx carrying the given identity.
func WithUser(ctx context.Context, email, name string) context.Context {
	ctx = context.WithValue(ctx, userEmailKey, email)
	return context.WithValue(ctx, userNameKey, name)
}

func sanitizeEmail(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	addr, err := mail.ParseAddress(v)
	if err != nil {
		return ""
	}
	return strings.ToLower(addr.Address)
}

func sanitizeName(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 128 {
		v = v[:128]
	}
	return v
}

// Middleware reads the identity headers set by the fronting auth layer.
// Requests without a valid email are treated as anonymous.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := sanitizeEmail(r.Header.Get(UserEmailHeader))
		name := sanitizeName(r.Header.Get(UserNameHeader))
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), email, name)))
	})
}

// ValidChatID reports whether id is a UUID.
func ValidChatID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// ResolveChatID returns id if it is valid, or a fresh UUID and true.
func ResolveChatID(id string) (string, bool) {
	if ValidChatID(id) {
		return id, false
	}
	return uuid.NewString(), true
}

// NewMessageID returns a fresh message id.
func NewMessageID() string {
	return uuid.NewString()
}

// RateLimitKey identifies the caller for throttling: the email when known,
// otherwise the remote IP.
func RateLimitKey(r *http.Request) string {
	if email := UserEmailFromContext(r.Context()); email != AnonymousEmail {
		return email
	}
	return IPFromRequest(r)
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
