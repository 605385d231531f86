package rbac

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RoleSource reports the roles a user holds in a company.
type RoleSource interface {
	// ActiveRoles returns roles of active assignments not expired at asOf.
	ActiveRoles(ctx context.Context, userID, companyID int64, asOf time.Time) ([]Role, error)
	// HeldRoles returns roles of active assignments regardless of expiry.
	HeldRoles(ctx context.Context, userID, companyID int64) ([]Role, error)
	// HighestRole returns the most privileged active role, nil when none.
	HighestRole(ctx context.Context, userID, companyID int64, asOf time.Time) (*Role, error)
}

// OverrideSource reports user-specific overrides.
type OverrideSource interface {
	// ActiveOverrides returns overrides not expired at asOf, newest first.
	ActiveOverrides(ctx context.Context, userID, companyID int64, asOf time.Time) ([]Override, error)
	// ListOverrides returns every override regardless of expiry, newest first.
	ListOverrides(ctx context.Context, userID, companyID int64) ([]Override, error)
}

// AuditRecorder receives security events. Implementations must not block.
type AuditRecorder interface {
	Record(ctx context.Context, event audit.SecurityEvent)
}

// DecisionObserver is notified of every verdict.
type DecisionObserver interface {
	ObserveDecision(source string, allowed bool)
}

// BulkAuditPolicy controls audit entries written by HasAll and HasAny.
type BulkAuditPolicy string

const (
	// BulkAuditFailing audits only the decisive denial.
	BulkAuditFailing BulkAuditPolicy = "failing"
	// BulkAuditEach audits every evaluated sub-check as a single check would be.
	BulkAuditEach BulkAuditPolicy = "each"
	// BulkAuditAggregate writes one aggregate entry for a denied bulk check.
	BulkAuditAggregate BulkAuditPolicy = "aggregate"
)

// ParseBulkAuditPolicy maps configuration values, defaulting to BulkAuditFailing.
func ParseBulkAuditPolicy(raw string) BulkAuditPolicy {
	switch BulkAuditPolicy(normalizeIdent(raw)) {
	case BulkAuditEach:
		return BulkAuditEach
	case BulkAuditAggregate:
		return BulkAuditAggregate
	}
	return BulkAuditFailing
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Catalogs  CatalogProvider
	Matrix    *MatrixResolver
	Roles     RoleSource
	Overrides OverrideSource
	Audit     AuditRecorder
	Observer  DecisionObserver
	Logger    *slog.Logger
	BulkAudit BulkAuditPolicy
	Clock     func() time.Time
}

// Engine decides whether a subject may perform a check. It holds no state of its own;
// every call reads the stores as of now.
type Engine struct {
	catalogs  CatalogProvider
	matrix    *MatrixResolver
	roles     RoleSource
	overrides OverrideSource
	audit     AuditRecorder
	observer  DecisionObserver
	logger    *slog.Logger
	bulk      BulkAuditPolicy
	now       func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		catalogs:  cfg.Catalogs,
		matrix:    cfg.Matrix,
		roles:     cfg.Roles,
		overrides: cfg.Overrides,
		audit:     cfg.Audit,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		bulk:      cfg.BulkAudit,
		now:       cfg.Clock,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.bulk == "" {
		e.bulk = BulkAuditFailing
	}
	if e.matrix == nil && e.catalogs != nil {
		e.matrix = NewMatrixResolver(e.catalogs, 0, 0)
	}
	return e
}

type checkOptions struct {
	requireMFA    bool
	skipOverrides bool
	ignoreExpiry  bool
	enforced      bool
	silent        bool
}

// CheckOption adjusts a single evaluation.
type CheckOption func(*checkOptions)

// RequireMFA denies unless the subject verified a second factor.
func RequireMFA() CheckOption {
	return func(o *checkOptions) { o.requireMFA = true }
}

// WithoutOverrides evaluates role and matrix defaults only.
func WithoutOverrides() CheckOption {
	return func(o *checkOptions) { o.skipOverrides = true }
}

// IgnoreExpiry also consults expired assignments and overrides.
func IgnoreExpiry() CheckOption {
	return func(o *checkOptions) { o.ignoreExpiry = true }
}

// Enforced marks the check as coming from an enforcement point; its denials are audited.
func Enforced() CheckOption {
	return func(o *checkOptions) { o.enforced = true }
}

func buildOptions(opts []CheckOption) checkOptions {
	var o checkOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// HasPermission reports whether subject may perform check.
func (e *Engine) HasPermission(ctx context.Context, subject shared.Identity, check PermissionCheck, opts ...CheckOption) bool {
	return e.Evaluate(ctx, subject, check, opts...).Allowed
}

// Evaluate returns the full decision for check.
func (e *Engine) Evaluate(ctx context.Context, subject shared.Identity, check PermissionCheck, opts ...CheckOption) Decision {
	return e.evaluate(ctx, subject, check, buildOptions(opts))
}

func (e *Engine) evaluate(ctx context.Context, subject shared.Identity, check PermissionCheck, o checkOptions) Decision {
	now := e.now()
	check = normalizeCheck(check)
	var d Decision
	switch {
	case !subject.Valid():
		d = Decision{Source: SourceInvalid, Reason: "no authenticated subject"}
	case check.Validate() != nil:
		d = Decision{Source: SourceInvalid, Reason: "malformed permission check"}
	default:
		d = e.decide(ctx, subject, check, o, now)
	}
	if d.Allowed && o.requireMFA && !subject.MFAVerified {
		d = Decision{Source: SourceMFA, Reason: "multi-factor verification required"}
	}
	d.CheckedAt = now
	if e.observer != nil {
		e.observer.ObserveDecision(string(d.Source), d.Allowed)
	}
	if o.enforced && !o.silent {
		e.auditDecision(ctx, subject, check, d)
	}
	return d
}

func normalizeCheck(c PermissionCheck) PermissionCheck {
	c.Module = normalizeIdent(c.Module)
	c.Action = Action(normalizeIdent(string(c.Action)))
	c.ResourceType = normalizeIdent(c.ResourceType)
	c.Scope = Scope(normalizeIdent(string(c.Scope)))
	return c
}

func (e *Engine) decide(ctx context.Context, subject shared.Identity, check PermissionCheck, o checkOptions, now time.Time) Decision {
	target := check.Target()
	requested := check.RequestedScope()

	if !o.skipOverrides {
		for _, ov := range e.loadOverrides(ctx, subject, o, now) {
			if !ov.Applies(target, requested) {
				continue
			}
			reason := "denied by override"
			if ov.Granted {
				reason = "granted by override"
			}
			return Decision{Allowed: ov.Granted, Source: SourceOverride, Reason: reason, OverrideID: ov.ID}
		}
	}

	catalog := e.currentCatalog()
	roles := e.loadRoles(ctx, subject, o, now)
	if catalog != nil {
		for _, role := range roles {
			if perm, ok := grantingPermission(catalog, role, target, check.OwnerID, subject.UserID); ok {
				return Decision{Allowed: true, Source: SourceRole, RoleID: role.ID, Reason: "granted by role permission " + perm.Key.String()}
			}
		}
	}

	if e.matrix != nil {
		for _, role := range roles {
			caps := e.matrix.Resolve(target.Module, role.Level)
			if caps.Allows(target.Action) && caps.CoversScope(requested) {
				return Decision{Allowed: true, Source: SourceMatrix, RoleID: role.ID, Reason: fmt.Sprintf("granted by level %d defaults", role.Level)}
			}
		}
	}

	return Decision{Source: SourceNone, Reason: "no matching grant"}
}

// grantingPermission finds a permission of role that covers target. Permissions wider
// than the role level's ceiling are ignored; own-scoped permissions require ownership
// when the owner is known.
func grantingPermission(catalog *Catalog, role Role, target PermissionKey, ownerID, userID int64) (Permission, bool) {
	lvl, ok := catalog.Level(role.Level)
	if !ok {
		return Permission{}, false
	}
	for _, perm := range catalog.EffectivePermissions(role.ID) {
		if !perm.Key.SameTarget(target) {
			continue
		}
		if !lvl.MaxScope.Covers(perm.Key.Scope) || !perm.Key.Scope.Covers(target.Scope) {
			continue
		}
		if perm.Key.Scope == ScopeOwn && ownerID != 0 && ownerID != userID {
			continue
		}
		return perm, true
	}
	return Permission{}, false
}

func (e *Engine) currentCatalog() *Catalog {
	if e.catalogs == nil {
		return nil
	}
	return e.catalogs.Current()
}

// loadOverrides degrades read failures to "no overrides" so default-deny holds.
func (e *Engine) loadOverrides(ctx context.Context, subject shared.Identity, o checkOptions, now time.Time) []Override {
	if e.overrides == nil {
		return nil
	}
	var (
		list []Override
		err  error
	)
	if o.ignoreExpiry {
		list, err = e.overrides.ListOverrides(ctx, subject.UserID, subject.CompanyID)
	} else {
		list, err = e.overrides.ActiveOverrides(ctx, subject.UserID, subject.CompanyID, now)
	}
	if err != nil {
		e.logger.Warn("rbac load overrides", slog.Int64("user_id", subject.UserID), slog.Int64("company_id", subject.CompanyID), slog.Any("error", err))
		return nil
	}
	out := make([]Override, 0, len(list))
	for _, ov := range list {
		if ov.TargetUserID != subject.UserID || ov.CompanyID != subject.CompanyID {
			continue
		}
		if !o.ignoreExpiry && !ov.ActiveAt(now) {
			continue
		}
		out = append(out, ov)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// loadRoles degrades read failures to "no roles" so default-deny holds.
func (e *Engine) loadRoles(ctx context.Context, subject shared.Identity, o checkOptions, now time.Time) []Role {
	if e.roles == nil {
		return nil
	}
	var (
		roles []Role
		err   error
	)
	if o.ignoreExpiry {
		roles, err = e.roles.HeldRoles(ctx, subject.UserID, subject.CompanyID)
	} else {
		roles, err = e.roles.ActiveRoles(ctx, subject.UserID, subject.CompanyID, now)
	}
	if err != nil {
		e.logger.Warn("rbac load roles", slog.Int64("user_id", subject.UserID), slog.Int64("company_id", subject.CompanyID), slog.Any("error", err))
		return nil
	}
	out := roles[:0:0]
	for _, role := range roles {
		if role.IsActive && role.AvailableTo(subject.CompanyID) {
			out = append(out, role)
		}
	}
	return out
}

// HasAllPermissions is the logical AND of HasPermission, short-circuiting on the first denial.
func (e *Engine) HasAllPermissions(ctx context.Context, subject shared.Identity, checks []PermissionCheck, opts ...CheckOption) bool {
	o := buildOptions(opts)
	sub := o
	sub.silent = e.bulk != BulkAuditEach
	for _, check := range checks {
		d := e.evaluate(ctx, subject, check, sub)
		if d.Allowed {
			continue
		}
		if o.enforced {
			switch e.bulk {
			case BulkAuditFailing:
				e.auditDecision(ctx, subject, normalizeCheck(check), d)
			case BulkAuditAggregate:
				e.auditBulk(ctx, subject, "all", checks, d)
			}
		}
		return false
	}
	return true
}

// HasAnyPermission is the logical OR of HasPermission, short-circuiting on the first grant.
// When every check is denied under the failing or aggregate policy one aggregate entry
// is written, since no single sub-check is decisive.
func (e *Engine) HasAnyPermission(ctx context.Context, subject shared.Identity, checks []PermissionCheck, opts ...CheckOption) bool {
	o := buildOptions(opts)
	sub := o
	sub.silent = e.bulk != BulkAuditEach
	var last Decision
	for _, check := range checks {
		last = e.evaluate(ctx, subject, check, sub)
		if last.Allowed {
			return true
		}
	}
	if o.enforced && e.bulk != BulkAuditEach && len(checks) > 0 {
		e.auditBulk(ctx, subject, "any", checks, last)
	}
	return false
}

// EffectivePermissions lists canonical keys the subject holds through roles and active
// overrides. It is for display and audit only; authorization always goes through
// HasPermission.
func (e *Engine) EffectivePermissions(ctx context.Context, subject shared.Identity) []string {
	if !subject.Valid() {
		return []string{}
	}
	now := e.now()
	set := make(map[PermissionKey]struct{})
	if catalog := e.currentCatalog(); catalog != nil {
		for _, role := range e.loadRoles(ctx, subject, checkOptions{}, now) {
			lvl, ok := catalog.Level(role.Level)
			if !ok {
				continue
			}
			for _, perm := range catalog.EffectivePermissions(role.ID) {
				if lvl.MaxScope.Covers(perm.Key.Scope) {
					set[perm.Key] = struct{}{}
				}
			}
		}
	}

	overrides := e.loadOverrides(ctx, subject, checkOptions{}, now)
	// Apply oldest first so the newest override for a key has the last word.
	for i := len(overrides) - 1; i >= 0; i-- {
		ov := overrides[i]
		if ov.Granted {
			set[ov.Key] = struct{}{}
			continue
		}
		for key := range set {
			if key.SameTarget(ov.Key) && (ov.Key.Scope == "" || ov.Key.Scope == key.Scope) {
				delete(set, key)
			}
		}
	}

	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key.String())
	}
	sort.Strings(out)
	return out
}

// HighestRole returns the subject's most privileged active role in the company.
func (e *Engine) HighestRole(ctx context.Context, userID, companyID int64) (*Role, error) {
	if e.roles == nil {
		return nil, nil
	}
	return e.roles.HighestRole(ctx, userID, companyID, e.now())
}

// HasCapability reports whether the level of the user's highest active role carries
// the named capability. Users without an active role have none.
func (e *Engine) HasCapability(ctx context.Context, userID, companyID int64, name string) (bool, error) {
	role, err := e.HighestRole(ctx, userID, companyID)
	if err != nil || role == nil {
		return false, err
	}
	catalog := e.currentCatalog()
	if catalog == nil {
		return false, nil
	}
	lvl, ok := catalog.Level(role.Level)
	return ok && lvl.HasCapability(name), nil
}

func (e *Engine) auditDecision(ctx context.Context, subject shared.Identity, check PermissionCheck, d Decision) {
	if e.audit == nil {
		return
	}
	var (
		eventType audit.EventType
		risk      audit.RiskLevel
	)
	switch {
	case !d.Allowed:
		eventType, risk = audit.EventPermissionDenied, audit.RiskMedium
	case d.Source == SourceOverride:
		eventType, risk = audit.EventPermissionGranted, audit.RiskHigh
	default:
		return
	}
	data := map[string]any{
		"permission": check.Target().String(),
		"source":     string(d.Source),
		"reason":     d.Reason,
	}
	if check.ResourceID != "" {
		data["resource_id"] = check.ResourceID
	}
	if d.OverrideID != uuid.Nil {
		data["override_id"] = d.OverrideID.String()
	}
	e.audit.Record(ctx, audit.SecurityEvent{
		UserID:      subject.UserID,
		CompanyID:   subject.CompanyID,
		EventType:   eventType,
		Description: fmt.Sprintf("%s %s", check.Target(), d.Reason),
		IPAddress:   subject.IPAddress,
		UserAgent:   subject.UserAgent,
		RiskLevel:   risk,
		Data:        data,
		Timestamp:   d.CheckedAt,
	})
}

func (e *Engine) auditBulk(ctx context.Context, subject shared.Identity, mode string, checks []PermissionCheck, last Decision) {
	if e.audit == nil {
		return
	}
	keys := make([]string, 0, len(checks))
	for _, c := range checks {
		keys = append(keys, normalizeCheck(c).Target().String())
	}
	e.audit.Record(ctx, audit.SecurityEvent{
		UserID:      subject.UserID,
		CompanyID:   subject.CompanyID,
		EventType:   audit.EventBulkPermissionDenied,
		Description: fmt.Sprintf("bulk %s check denied for %d permissions", mode, len(checks)),
		IPAddress:   subject.IPAddress,
		UserAgent:   subject.UserAgent,
		RiskLevel:   audit.RiskMedium,
		Data:        map[string]any{"mode": mode, "permissions": keys, "reason": last.Reason},
		Timestamp:   last.CheckedAt,
	})
}
