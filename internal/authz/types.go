package authz

import (
	"fmt"
	"strings"
)

// Role is one of the four fixed roles of the back office. There is no role
// hierarchy; capabilities come exclusively from the permission matrix.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleFinance Role = "finance"
	RoleAuditor Role = "auditor"
	RoleClient  Role = "client"
)

// ParseRole normalizes and validates a role name.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(raw))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleFinance:
		return RoleFinance, nil
	case RoleAuditor:
		return RoleAuditor, nil
	case RoleClient:
		return RoleClient, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// Resource identifies a protected resource kind.
type Resource string

const (
	ResourceClient      Resource = "client"
	ResourceUser        Resource = "user"
	ResourceTransaction Resource = "transaction"
	ResourceInvoice     Resource = "invoice"
	ResourceAuditLog    Resource = "audit_log"
)

// Action is a CRUD verb.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Mutating reports whether the action changes state. Only mutating
// evaluations are audited; read polling would grow the trail without bound.
func (a Action) Mutating() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// Scope is the breadth of a grant: every record, records owned by the
// caller, or nothing.
type Scope string

const (
	ScopeAll  Scope = "all"
	ScopeOwn  Scope = "own"
	ScopeNone Scope = "none"
)

// Actor is the authenticated caller as supplied by the identity layer.
type Actor struct {
	ID   string
	Role Role
}

// Decision is the result of one evaluation.
type Decision struct {
	Allowed bool
	Scope   Scope
}
