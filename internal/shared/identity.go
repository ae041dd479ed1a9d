package shared

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// Role is the coarse access level assigned by the authenticating gateway.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity describes the already-authenticated caller. The gateway in
// front of this service performs authentication and forwards the result
// in headers; an Identity with Anonymous set carries no user ID or role.
type Identity struct {
	UserID    int64
	Role      Role
	Anonymous bool
}

// IsAdmin reports whether the caller holds the admin role.
func (id Identity) IsAdmin() bool {
	return !id.Anonymous && id.Role == RoleAdmin
}

// Anonymous returns the identity used for unauthenticated callers.
func AnonymousIdentity() Identity {
	return Identity{Anonymous: true}
}

const (
	// HeaderUserID carries the authenticated user ID set by the gateway.
	HeaderUserID = "X-Gatehouse-User"
	// HeaderRole carries the authenticated role set by the gateway.
	HeaderRole = "X-Gatehouse-Role"
)

type identityContextKey struct{}

// ContextWithIdentity stores the caller identity in the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the caller identity, or the anonymous
// identity when none was attached.
func IdentityFromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityContextKey{}).(Identity); ok {
		return id
	}
	return AnonymousIdentity()
}

// IdentityFromRequest parses the gateway headers into an Identity.
// Missing or malformed headers yield the anonymous identity rather than
// an error: unauthenticated callers are a supported case.
func IdentityFromRequest(r *http.Request) Identity {
	raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if raw == "" {
		return AnonymousIdentity()
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return AnonymousIdentity()
	}
	role := RoleUser
	if strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderRole)), string(RoleAdmin)) {
		role = RoleAdmin
	}
	return Identity{UserID: userID, Role: role}
}
