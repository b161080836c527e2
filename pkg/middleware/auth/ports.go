package auth

import "context"

// PermissionChecker is the minimal RBAC interface used by authorization
// middleware. Decisions are scoped to one organization.
type PermissionChecker interface {
	Enforce(userID, organizationID, object, action string) (bool, error)
}

// RevocationChecker reports whether a session token was revoked by logout.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}
