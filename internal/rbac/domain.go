package rbac

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Action is the verb a permission grants.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionAdmin   Action = "admin"
)

// Actions lists every action in display order.
func Actions() []Action {
	return []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionApprove, ActionAdmin}
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionApprove, ActionAdmin:
		return true
	}
	return false
}

// Scope is the breadth a permission applies to.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeCompany    Scope = "company"
	ScopeDepartment Scope = "department"
	ScopeTeam       Scope = "team"
	ScopeOwn        Scope = "own"
)

// Scopes lists every scope from broadest to narrowest.
func Scopes() []Scope {
	return []Scope{ScopeGlobal, ScopeCompany, ScopeDepartment, ScopeTeam, ScopeOwn}
}

func (s Scope) breadth() int {
	switch s {
	case ScopeGlobal:
		return 5
	case ScopeCompany:
		return 4
	case ScopeDepartment:
		return 3
	case ScopeTeam:
		return 2
	case ScopeOwn:
		return 1
	}
	return 0
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s.breadth() > 0
}

// Covers reports whether s contains other: global ⊇ company ⊇ department ⊇ team ⊇ own.
func (s Scope) Covers(other Scope) bool {
	if !s.Valid() || !other.Valid() {
		return false
	}
	return s.breadth() >= other.breadth()
}

// PermissionKey identifies a grantable capability. Scope may be empty on override
// keys, meaning the key applies at every scope.
type PermissionKey struct {
	Module       string `json:"module" yaml:"module"`
	Action       Action `json:"action" yaml:"action"`
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	Scope        Scope  `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// String renders module.action.resource_type[@scope].
func (k PermissionKey) String() string {
	base := k.Module + "." + string(k.Action) + "." + k.ResourceType
	if k.Scope == "" {
		return base
	}
	return base + "@" + string(k.Scope)
}

// Validate checks the key is well formed.
func (k PermissionKey) Validate() error {
	if k.Module == "" || k.ResourceType == "" {
		return fmt.Errorf("rbac: permission key %q: module and resource type required: %w", k.String(), shared.ErrValidation)
	}
	if !k.Action.Valid() {
		return fmt.Errorf("rbac: permission key %q: unknown action: %w", k.String(), shared.ErrValidation)
	}
	if k.Scope != "" && !k.Scope.Valid() {
		return fmt.Errorf("rbac: permission key %q: unknown scope: %w", k.String(), shared.ErrValidation)
	}
	return nil
}

// SameTarget reports whether both keys address the same module, action and resource type.
func (k PermissionKey) SameTarget(other PermissionKey) bool {
	return k.Module == other.Module && k.Action == other.Action && k.ResourceType == other.ResourceType
}

// ParsePermissionKey parses the canonical form produced by String.
func ParsePermissionKey(raw string) (PermissionKey, error) {
	raw = normalizeIdent(raw)
	var scope string
	if at := strings.LastIndexByte(raw, '@'); at >= 0 {
		raw, scope = raw[:at], raw[at+1:]
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return PermissionKey{}, fmt.Errorf("rbac: parse permission key %q: %w", raw, shared.ErrValidation)
	}
	key := PermissionKey{Module: parts[0], Action: Action(parts[1]), ResourceType: parts[2], Scope: Scope(scope)}
	if err := key.Validate(); err != nil {
		return PermissionKey{}, err
	}
	return key, nil
}

// MustParsePermissionKey is ParsePermissionKey for static declarations.
func MustParsePermissionKey(raw string) PermissionKey {
	key, err := ParsePermissionKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}

// normalizeIdent case-folds and trims identifiers coming from config files and admin input.
func normalizeIdent(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Permission is a key plus optional descriptive conditions.
type Permission struct {
	Key        PermissionKey     `json:"key" yaml:",inline"`
	Conditions map[string]string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// RoleLevel is a catalog rank. Lower Rank means more privilege; rank 1 is the owner tier.
type RoleLevel struct {
	Rank         int      `json:"rank" yaml:"rank"`
	Name         string   `json:"name" yaml:"name"`
	Color        string   `json:"color,omitempty" yaml:"color,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	MaxScope     Scope    `json:"max_scope" yaml:"max_scope"`
}

// Coarse level capabilities consulted outside permission checks.
const (
	CapabilityApproveRequests = "approve_requests"
	CapabilityManageRoles     = "manage_roles"
	CapabilityViewAudit       = "view_audit"
)

// HasCapability reports whether the level carries the coarse feature flag.
func (l RoleLevel) HasCapability(name string) bool {
	for _, c := range l.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// MorePrivileged reports whether rank a outranks rank b.
func MorePrivileged(a, b int) bool {
	return a < b
}

// Role groups permissions. A nil CompanyID marks a system-wide template.
type Role struct {
	ID           int64        `json:"id" yaml:"id"`
	CompanyID    *int64       `json:"company_id,omitempty" yaml:"company_id,omitempty"`
	Name         string       `json:"name" yaml:"name"`
	Level        int          `json:"level" yaml:"level"`
	Permissions  []Permission `json:"permissions" yaml:"permissions"`
	Inherits     []int64      `json:"inherits,omitempty" yaml:"inherits,omitempty"`
	IsSystemRole bool         `json:"is_system_role" yaml:"system"`
	IsActive     bool         `json:"is_active" yaml:"active"`
}

// AvailableTo reports whether the role may be assigned within companyID.
func (r Role) AvailableTo(companyID int64) bool {
	return r.CompanyID == nil || *r.CompanyID == companyID
}

// Assignment binds a user to a role within a company.
type Assignment struct {
	ID         uuid.UUID  `json:"id"`
	UserID     int64      `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	CompanyID  int64      `json:"company_id"`
	AssignedBy int64      `json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
}

// ActiveAt reports whether the assignment participates in evaluation at t.
func (a Assignment) ActiveAt(t time.Time) bool {
	return a.IsActive && (a.ExpiresAt == nil || a.ExpiresAt.After(t))
}

// Override is a user-specific grant or denial that supersedes role defaults.
type Override struct {
	ID           uuid.UUID     `json:"id"`
	TargetUserID int64         `json:"target_user_id"`
	CompanyID    int64         `json:"company_id"`
	Key          PermissionKey `json:"permission"`
	Granted      bool          `json:"granted"`
	Reason       string        `json:"reason"`
	CreatedBy    int64         `json:"created_by"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	RequestID    *uuid.UUID    `json:"request_id,omitempty"`
}

// ActiveAt reports whether the override is in force at t.
func (o Override) ActiveAt(t time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(t)
}

// Applies reports whether the override speaks to a check on target at the requested scope.
func (o Override) Applies(target PermissionKey, requested Scope) bool {
	if !o.Key.SameTarget(target) {
		return false
	}
	return o.Key.Scope == "" || o.Key.Scope.Covers(requested)
}

// PermissionCheck is the unit of every authorization question.
type PermissionCheck struct {
	Module       string `json:"module" validate:"required"`
	Action       Action `json:"action" validate:"required"`
	ResourceType string `json:"resource_type" validate:"required"`
	ResourceID   string `json:"resource_id,omitempty"`
	Scope        Scope  `json:"scope,omitempty"`
	// OwnerID is the owner of ResourceID when known; it narrows own-scoped grants.
	OwnerID int64 `json:"owner_id,omitempty"`
}

// Check builds a PermissionCheck from a canonical key string.
func Check(raw string) PermissionCheck {
	key := MustParsePermissionKey(raw)
	return PermissionCheck{Module: key.Module, Action: key.Action, ResourceType: key.ResourceType, Scope: key.Scope}
}

// Target returns the check's key with the effective requested scope.
func (c PermissionCheck) Target() PermissionKey {
	return PermissionKey{Module: c.Module, Action: c.Action, ResourceType: c.ResourceType, Scope: c.RequestedScope()}
}

// RequestedScope defaults to own, the narrowest scope, when unspecified.
func (c PermissionCheck) RequestedScope() Scope {
	if c.Scope == "" {
		return ScopeOwn
	}
	return c.Scope
}

// Validate checks the check is well formed.
func (c PermissionCheck) Validate() error {
	return c.Target().Validate()
}

// DecisionSource names what decided a verdict.
type DecisionSource string

const (
	SourceOverride DecisionSource = "override"
	SourceRole     DecisionSource = "role"
	SourceMatrix   DecisionSource = "matrix"
	SourceMFA      DecisionSource = "mfa"
	SourceInvalid  DecisionSource = "invalid"
	SourceNone     DecisionSource = "none"
)

// Decision is the full outcome of an evaluation.
type Decision struct {
	Allowed    bool           `json:"allowed"`
	Source     DecisionSource `json:"source"`
	Reason     string         `json:"reason"`
	RoleID     int64          `json:"role_id,omitempty"`
	OverrideID uuid.UUID      `json:"override_id,omitempty"`
	CheckedAt  time.Time      `json:"checked_at"`
}
