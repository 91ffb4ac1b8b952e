package security

import (
	"context"
	"fmt"
)

// Decision is the outcome of an authorization check. Reason is only set on denial
// and is meant for audit logs and error messages.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the positive Decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a negative Decision carrying reason.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Gate is the built-in authorization rule for creating connections: the caller must
// hold AdminRole or be a member of ServiceGroup.
type Gate struct {
	AdminRole    string
	ServiceGroup string
}

// NewGate returns a Gate requiring the admin role or membership in serviceGroup.
func NewGate(serviceGroup string) Gate {
	return Gate{AdminRole: RoleAdmin, ServiceGroup: serviceGroup}
}

// Check evaluates the rule. It has no side effects.
func (g Gate) Check(caller Identity) Decision {
	if g.AdminRole != "" && caller.HasRole(g.AdminRole) {
		return Allow()
	}
	if g.ServiceGroup != "" && caller.HasGroup(g.ServiceGroup) {
		return Allow()
	}
	return Deny(DenialReason(caller.UserID, g.AdminRole, g.ServiceGroup))
}

// Authorize implements connections.Authorizer.
func (g Gate) Authorize(_ context.Context, caller Identity) Decision {
	return g.Check(caller)
}

// DenialReason formats the audit message for a refused connection request.
func DenialReason(user, adminRole, group string) string {
	return fmt.Sprintf("permission denied, user '%s' must be an %s or be in group '%s'", user, adminRole, group)
}
