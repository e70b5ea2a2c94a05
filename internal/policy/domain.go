// Package policy implements the authorization engine: coarse per-model CRUD
// grants, row-level record rules expressed as portable domains, and the
// group hierarchy both are scoped by.
package policy

import "errors"

var (
	// ErrPrincipalNotFound indicates the principal does not exist in the store.
	ErrPrincipalNotFound = errors.New("policy: principal not found")
)

// Operation is a CRUD operation being authorized.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpCreate Operation = "create"
	OpDelete Operation = "delete"
)

// Operations lists all CRUD operations in a stable order.
func Operations() []Operation {
	return []Operation{OpRead, OpWrite, OpCreate, OpDelete}
}

// Valid reports whether op is one of the four CRUD operations.
func (op Operation) Valid() bool {
	switch op {
	case OpRead, OpWrite, OpCreate, OpDelete:
		return true
	}
	return false
}

// SystemAdminGroup is the distinguished administrator group; membership,
// direct or implied, bypasses all checks.
const SystemAdminGroup = "base.group_system"

// RoleOwner is the distinguished owner role marker on a principal.
const RoleOwner = "owner"

// Group is a named permission bucket. Groups may imply other groups; holding
// a group transitively grants everything its implied groups grant. The engine
// only ever reads groups; the rule loader owns their lifecycle.
type Group struct {
	ID       string // dotted namespaced identifier, e.g. "base.group_user"
	Name     string
	Category string
	Module   string
	Active   bool
	Implied  []string // directly implied group IDs
}

// Principal is the authenticated actor whose access is being checked. Attrs
// carries scalar or list attributes (tenant/company IDs and the like) used
// for domain variable substitution. The engine never mutates principals.
type Principal struct {
	ID            int64
	Active        bool
	SuperAdmin    bool
	PlatformAdmin bool
	Role          string
	Attrs         map[string]any
}

// Bypasses reports the principal-local super-admin signals. Group membership
// is the fourth signal and is checked by the service against the resolved
// closure.
func (p Principal) Bypasses() bool {
	return p.SuperAdmin || p.PlatformAdmin || p.Role == RoleOwner
}

// ModelAccess is a coarse CRUD grant for a model, optionally scoped to one
// group. An empty GroupID applies to every principal. Grants are purely
// additive: the effective permission is the disjunction over all applicable
// active rows, and there is no explicit deny.
type ModelAccess struct {
	ID      int64
	Model   string // opaque model key, e.g. "invoicing.invoice"
	GroupID string // empty = global ACL
	Module  string
	Active  bool
	Read    bool
	Write   bool
	Create  bool
	Delete  bool
}

// Allows reports whether this row grants the operation.
func (a ModelAccess) Allows(op Operation) bool {
	switch op {
	case OpRead:
		return a.Read
	case OpWrite:
		return a.Write
	case OpCreate:
		return a.Create
	case OpDelete:
		return a.Delete
	}
	return false
}

// RecordRule restricts which records of a model may be touched for an
// operation. Global rules apply to everyone and combine with AND; non-global
// rules are linked to groups and combine with OR among the rules a
// principal's groups qualify for. Priority orders rules within the group
// bucket and does not short-circuit evaluation.
type RecordRule struct {
	ID       int64
	Name     string
	Model    string
	Domain   string
	Global   bool
	GroupIDs []string
	Priority int
	Module   string
	Active   bool
	Read     bool
	Write    bool
	Create   bool
	Delete   bool
}

// AppliesTo reports whether the rule is active for the operation.
func (r RecordRule) AppliesTo(op Operation) bool {
	switch op {
	case OpRead:
		return r.Read
	case OpWrite:
		return r.Write
	case OpCreate:
		return r.Create
	case OpDelete:
		return r.Delete
	}
	return false
}

// RuleSet buckets the record rules applicable to one (model, operation,
// group-set) query.
type RuleSet struct {
	Global []RecordRule
	Group  []RecordRule // ascending priority
}

// Empty reports whether no rule applies at all.
func (rs RuleSet) Empty() bool {
	return len(rs.Global) == 0 && len(rs.Group) == 0
}

// AccessFlags summarizes effective CRUD permissions on one model.
type AccessFlags struct {
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Create bool `json:"create"`
	Delete bool `json:"delete"`
}

// PermissionSummary is the read-only presentation view of a principal's
// effective permissions.
type PermissionSummary struct {
	PrincipalID  int64                  `json:"principal_id"`
	Groups       []string               `json:"groups"`
	Access       map[string]AccessFlags `json:"access"`
	IsSuperAdmin bool                   `json:"is_super_admin"`
}
