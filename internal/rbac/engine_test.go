package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	roleFinanceManager int64 = 10
	roleClerk          int64 = 11
	roleController     int64 = 12
	roleRetired        int64 = 13
	roleOtherTenant    int64 = 14
	roleOwner          int64 = 15
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	otherCompany := int64(2)
	c, err := NewCatalog(CatalogSpec{
		Levels: testLevels(),
		Roles: []Role{
			{ID: roleFinanceManager, Name: "finance manager", Level: 2, IsActive: true, Permissions: perms("finance.read.transaction@company")},
			{ID: roleClerk, Name: "clerk", Level: 4, IsActive: true, Permissions: perms("sales.update.order@own")},
			{ID: roleController, Name: "controller", Level: 2, IsActive: true, Inherits: []int64{roleFinanceManager}, Permissions: perms("finance.approve.transaction@company")},
			{ID: roleRetired, Name: "retired", Level: 2, IsActive: false, Permissions: perms("finance.delete.transaction@company")},
			{ID: roleOtherTenant, Name: "other tenant", Level: 2, CompanyID: &otherCompany, IsActive: true, Permissions: perms("finance.delete.transaction@company")},
			{ID: roleOwner, Name: "owner", Level: 1, IsActive: true, Permissions: perms("security.admin.role_assignment@company")},
		},
		Matrix: []MatrixEntry{
			{Module: "inventory", Level: 2, Actions: []Action{ActionRead, ActionUpdate}, Scopes: []Scope{ScopeCompany}},
			{Module: "inventory", Level: 4, Actions: []Action{ActionRead}, Scopes: []Scope{ScopeOwn}},
		},
	})
	require.NoError(t, err)
	return c
}

type stubRoles struct {
	catalog *Catalog
	active  []int64
	expired []int64
	err     error
}

func (s *stubRoles) lookup(ids []int64) []Role {
	var out []Role
	for _, id := range ids {
		if role, ok := s.catalog.Role(id); ok {
			out = append(out, role)
		}
	}
	return out
}

func (s *stubRoles) ActiveRoles(ctx context.Context, userID, companyID int64, asOf time.Time) ([]Role, error) {
	return s.lookup(s.active), s.err
}

func (s *stubRoles) HeldRoles(ctx context.Context, userID, companyID int64) ([]Role, error) {
	return s.lookup(append(append([]int64(nil), s.active...), s.expired...)), s.err
}

func (s *stubRoles) HighestRole(ctx context.Context, userID, companyID int64, asOf time.Time) (*Role, error) {
	if s.err != nil {
		return nil, s.err
	}
	var best *Role
	for _, role := range s.lookup(s.active) {
		role := role
		if best == nil || MorePrivileged(role.Level, best.Level) {
			best = &role
		}
	}
	return best, nil
}

type stubOverrides struct {
	mu    sync.Mutex
	items []Override
	err   error
}

func (s *stubOverrides) add(o Override) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	s.items = append(s.items, o)
}

func (s *stubOverrides) ActiveOverrides(ctx context.Context, userID, companyID int64, asOf time.Time) ([]Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Override
	for _, o := range s.items {
		if o.ActiveAt(asOf) {
			out = append(out, o)
		}
	}
	return out, s.err
}

func (s *stubOverrides) ListOverrides(ctx context.Context, userID, companyID int64) ([]Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Override(nil), s.items...), s.err
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (r *recordingAudit) Record(ctx context.Context, ev audit.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingAudit) all() []audit.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.SecurityEvent(nil), r.events...)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingObserver) ObserveDecision(source string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[source]++
}

type engineFixture struct {
	engine    *Engine
	roles     *stubRoles
	overrides *stubOverrides
	audit     *recordingAudit
	holder    *CatalogHolder
	now       *time.Time
}

var subject = shared.Identity{UserID: 7, CompanyID: 1, IPAddress: "10.0.0.7"}

func newEngineFixture(t *testing.T, policy BulkAuditPolicy, active ...int64) engineFixture {
	t.Helper()
	catalog := testCatalog(t)
	holder := NewCatalogHolder(catalog)
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	f := engineFixture{
		roles:     &stubRoles{catalog: catalog, active: active},
		overrides: &stubOverrides{},
		audit:     &recordingAudit{},
		holder:    holder,
		now:       &now,
	}
	f.engine = NewEngine(EngineConfig{
		Catalogs:  holder,
		Matrix:    NewMatrixResolver(holder, 64, time.Minute),
		Roles:     f.roles,
		Overrides: f.overrides,
		Audit:     f.audit,
		BulkAudit: policy,
		Clock:     func() time.Time { return now },
	})
	return f
}

func TestDefaultDeny(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing)
	d := f.engine.Evaluate(context.Background(), subject, Check("finance.read.transaction@company"))
	require.False(t, d.Allowed)
	require.Equal(t, SourceNone, d.Source)
}

func TestInvalidSubjectOrCheckIsDenied(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleFinanceManager)
	ctx := context.Background()

	d := f.engine.Evaluate(ctx, shared.Identity{UserID: 7}, Check("finance.read.transaction@company"))
	require.False(t, d.Allowed)
	require.Equal(t, SourceInvalid, d.Source)

	d = f.engine.Evaluate(ctx, subject, PermissionCheck{Module: "finance", Action: "steal", ResourceType: "transaction"})
	require.False(t, d.Allowed)
	require.Equal(t, SourceInvalid, d.Source)
}

func TestRolePermissionScopes(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleFinanceManager, roleClerk)
	ctx := context.Background()

	d := f.engine.Evaluate(ctx, subject, Check("finance.read.transaction@company"))
	require.True(t, d.Allowed)
	require.Equal(t, SourceRole, d.Source)
	require.Equal(t, roleFinanceManager, d.RoleID)

	require.True(t, f.engine.HasPermission(ctx, subject, Check("finance.read.transaction@department")))
	require.True(t, f.engine.HasPermission(ctx, subject, PermissionCheck{Module: "FINANCE", Action: "Read", ResourceType: "transaction"}))
	require.False(t, f.engine.HasPermission(ctx, subject, Check("finance.read.transaction@global")))
	require.False(t, f.engine.HasPermission(ctx, subject, Check("finance.delete.transaction@company")))
}

func TestOwnScopeRequiresOwnership(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleClerk)
	ctx := context.Background()
	check := Check("sales.update.order@own")

	require.True(t, f.engine.HasPermission(ctx, subject, check))
	check.OwnerID = subject.UserID
	require.True(t, f.engine.HasPermission(ctx, subject, check))
	check.OwnerID = 99
	require.False(t, f.engine.HasPermission(ctx, subject, check))
}

func TestInheritedPermissions(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleController)
	ctx := context.Background()
	require.True(t, f.engine.HasPermission(ctx, subject, Check("finance.approve.transaction@company")))
	require.True(t, f.engine.HasPermission(ctx, subject, Check("finance.read.transaction@company")))
}

func TestInactiveAndForeignRolesAreIgnored(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleRetired, roleOtherTenant)
	require.False(t, f.engine.HasPermission(context.Background(), subject, Check("finance.delete.transaction@company")))
}

func TestMatrixDefaults(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleFinanceManager)
	ctx := context.Background()

	d := f.engine.Evaluate(ctx, subject, Check("inventory.update.item@company"))
	require.True(t, d.Allowed)
	require.Equal(t, SourceMatrix, d.Source)
	require.False(t, f.engine.HasPermission(ctx, subject, Check("inventory.delete.item@company")))
	require.False(t, f.engine.HasPermission(ctx, subject, Check("inventory.read.item@global")))
	require.False(t, f.engine.HasPermission(ctx, subject, Check("payroll.read.item@own")), "unconfigured modules deny")
}

func TestOverridePrecedence(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleFinanceManager)
	ctx := context.Background()
	read := Check("finance.read.transaction@company")

	f.overrides.add(Override{TargetUserID: 7, CompanyID: 1, Key: MustParsePermissionKey("finance.read.transaction"), Granted: false, CreatedAt: f.now.Add(-2 * time.Hour)})
	d := f.engine.Evaluate(ctx, subject, read)
	require.False(t, d.Allowed, "a denying override beats the role grant")
	require.Equal(t, SourceOverride, d.Source)

	require.True(t, f.engine.HasPermission(ctx, subject, read, WithoutOverrides()))

	f.overrides.add(Override{TargetUserID: 7, CompanyID: 1, Key: MustParsePermissionKey("finance.read.transaction"), Granted: true, CreatedAt: f.now.Add(-time.Hour)})
	require.True(t, f.engine.HasPermission(ctx, subject, read), "the newest override wins")

	expired := f.now.Add(-time.Minute)
	f.overrides.add(Override{TargetUserID: 7, CompanyID: 1, Key: MustParsePermissionKey("finance.read.transaction"), Granted: false, CreatedAt: f.now.Add(-30 * time.Minute), ExpiresAt: &expired})
	require.True(t, f.engine.HasPermission(ctx, subject, read), "expired overrides are ignored")
	require.False(t, f.engine.HasPermission(ctx, subject, read, IgnoreExpiry()))
}

func TestOverridesFromOtherTenantsAreIgnored(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing)
	f.overrides.add(Override{TargetUserID: 7, CompanyID: 2, Key: MustParsePermissionKey("finance.delete.transaction"), Granted: true, CreatedAt: *f.now})
	require.False(t, f.engine.HasPermission(context.Background(), subject, Check("finance.delete.transaction@company")))
}

func TestTemporaryGrantLifecycle(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleFinanceManager)
	ctx := context.Background()
	del := Check("finance.delete.transaction@company")

	require.True(t, f.engine.HasPermission(ctx, subject, Check("finance.read.transaction@company")))
	require.False(t, f.engine.HasPermission(ctx, subject, del))

	expires := f.now.Add(7 * 24 * time.Hour)
	f.overrides.add(Override{TargetUserID: 7, CompanyID: 1, Key: MustParsePermissionKey("finance.delete.transaction"), Granted: true, CreatedAt: *f.now, ExpiresAt: &expires})
	require.True(t, f.engine.HasPermission(ctx, subject, del))

	*f.now = f.now.Add(8 * 24 * time.Hour)
	require.False(t, f.engine.HasPermission(ctx, subject, del))
}

func TestExpiredRoleAssignments(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing)
	f.roles.expired = []int64{roleFinanceManager}
	ctx := context.Background()
	read := Check("finance.read.transaction@company")
	require.False(t, f.engine.HasPermission(ctx, subject, read))
	require.True(t, f.engine.HasPermission(ctx, subject, read, IgnoreExpiry()))
}

func TestRequireMFA(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleFinanceManager)
	ctx := context.Background()
	read := Check("finance.read.transaction@company")

	d := f.engine.Evaluate(ctx, subject, read, RequireMFA())
	require.False(t, d.Allowed)
	require.Equal(t, SourceMFA, d.Source)

	verified := subject
	verified.MFAVerified = true
	require.True(t, f.engine.HasPermission(ctx, verified, read, RequireMFA()))
}

func TestStoreFailuresDegradeToDeny(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleFinanceManager)
	f.roles.err = errors.New("connection reset")
	f.overrides.err = errors.New("connection reset")
	d := f.engine.Evaluate(context.Background(), subject, Check("finance.read.transaction@company"))
	require.False(t, d.Allowed)
	require.Equal(t, SourceNone, d.Source)
}

func TestEnforcedDecisionsAreAudited(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleFinanceManager)
	ctx := context.Background()

	f.engine.HasPermission(ctx, subject, Check("finance.delete.transaction@company"))
	require.Empty(t, f.audit.all(), "plain checks are not audited")

	f.engine.HasPermission(ctx, subject, Check("finance.read.transaction@company"), Enforced())
	require.Empty(t, f.audit.all(), "role grants are not audited")

	check := Check("finance.delete.transaction@company")
	check.ResourceID = "INV-2024-0001"
	f.engine.HasPermission(ctx, subject, check, Enforced())
	events := f.audit.all()
	require.Len(t, events, 1)
	require.Equal(t, audit.EventPermissionDenied, events[0].EventType)
	require.Equal(t, subject.IPAddress, events[0].IPAddress)
	require.Equal(t, "finance.delete.transaction@company", events[0].Data["permission"])
	require.Equal(t, "INV-2024-0001", events[0].Data["resource_id"])

	f.overrides.add(Override{TargetUserID: 7, CompanyID: 1, Key: MustParsePermissionKey("finance.delete.transaction"), Granted: true, CreatedAt: *f.now})
	require.True(t, f.engine.HasPermission(ctx, subject, check, Enforced()))
	events = f.audit.all()
	require.Len(t, events, 2)
	require.Equal(t, audit.EventPermissionGranted, events[1].EventType)
	require.Equal(t, audit.RiskHigh, events[1].RiskLevel)
}

func TestBulkChecks(t *testing.T) {
	checks := []PermissionCheck{
		Check("finance.read.transaction@company"),
		Check("finance.delete.transaction@company"),
		Check("finance.approve.transaction@company"),
	}
	ctx := context.Background()

	t.Run("failing", func(t *testing.T) {
		f := newEngineFixture(t, BulkAuditFailing, roleFinanceManager)
		require.False(t, f.engine.HasAllPermissions(ctx, subject, checks, Enforced()))
		events := f.audit.all()
		require.Len(t, events, 1)
		require.Equal(t, audit.EventPermissionDenied, events[0].EventType)
		require.Equal(t, "finance.delete.transaction@company", events[0].Data["permission"])
	})

	t.Run("each", func(t *testing.T) {
		f := newEngineFixture(t, BulkAuditEach)
		require.False(t, f.engine.HasAnyPermission(ctx, subject, checks, Enforced()))
		require.Len(t, f.audit.all(), len(checks))
	})

	t.Run("aggregate", func(t *testing.T) {
		f := newEngineFixture(t, BulkAuditAggregate, roleFinanceManager)
		require.False(t, f.engine.HasAllPermissions(ctx, subject, checks, Enforced()))
		events := f.audit.all()
		require.Len(t, events, 1)
		require.Equal(t, audit.EventBulkPermissionDenied, events[0].EventType)
		require.Equal(t, "all", events[0].Data["mode"])
	})

	t.Run("any grants on first match", func(t *testing.T) {
		f := newEngineFixture(t, BulkAuditFailing, roleFinanceManager)
		require.True(t, f.engine.HasAnyPermission(ctx, subject, checks, Enforced()))
		require.Empty(t, f.audit.all())
	})

	t.Run("any denied writes one aggregate entry", func(t *testing.T) {
		f := newEngineFixture(t, BulkAuditFailing)
		require.False(t, f.engine.HasAnyPermission(ctx, subject, checks, Enforced()))
		events := f.audit.all()
		require.Len(t, events, 1)
		require.Equal(t, audit.EventBulkPermissionDenied, events[0].EventType)
		require.Equal(t, "any", events[0].Data["mode"])
	})

	t.Run("empty inputs", func(t *testing.T) {
		f := newEngineFixture(t, BulkAuditFailing)
		require.True(t, f.engine.HasAllPermissions(ctx, subject, nil))
		require.False(t, f.engine.HasAnyPermission(ctx, subject, nil))
	})
}

func TestEffectivePermissions(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleController, roleClerk)
	ctx := context.Background()

	require.Equal(t, []string{
		"finance.approve.transaction@company",
		"finance.read.transaction@company",
		"sales.update.order@own",
	}, f.engine.EffectivePermissions(ctx, subject))

	f.overrides.add(Override{TargetUserID: 7, CompanyID: 1, Key: MustParsePermissionKey("finance.approve.transaction"), Granted: false, CreatedAt: f.now.Add(-time.Hour)})
	f.overrides.add(Override{TargetUserID: 7, CompanyID: 1, Key: MustParsePermissionKey("finance.delete.transaction@company"), Granted: true, CreatedAt: *f.now})
	require.Equal(t, []string{
		"finance.delete.transaction@company",
		"finance.read.transaction@company",
		"sales.update.order@own",
	}, f.engine.EffectivePermissions(ctx, subject))

	require.Empty(t, f.engine.EffectivePermissions(ctx, shared.Identity{}))
}

func TestHighestRoleAndObserver(t *testing.T) {
	f := newEngineFixture(t, BulkAuditFailing, roleClerk, roleOwner, roleFinanceManager)
	role, err := f.engine.HighestRole(context.Background(), subject.UserID, subject.CompanyID)
	require.NoError(t, err)
	require.NotNil(t, role)
	require.Equal(t, roleOwner, role.ID)

	observer := &countingObserver{}
	engine := NewEngine(EngineConfig{Catalogs: f.holder, Roles: f.roles, Observer: observer})
	engine.HasPermission(context.Background(), subject, Check("finance.read.transaction@company"))
	engine.HasPermission(context.Background(), subject, Check("payroll.read.slip@own"))
	require.Equal(t, map[string]int{"role": 1, "none": 1}, observer.counts)
}

func TestHasCapabilityFollowsHighestRoleLevel(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, BulkAuditFailing, roleClerk, roleOwner)
	ok, err := f.engine.HasCapability(ctx, subject.UserID, subject.CompanyID, CapabilityManageRoles)
	require.NoError(t, err)
	require.True(t, ok)

	f = newEngineFixture(t, BulkAuditFailing, roleFinanceManager)
	ok, err = f.engine.HasCapability(ctx, subject.UserID, subject.CompanyID, CapabilityApproveRequests)
	require.NoError(t, err)
	require.False(t, ok, "manager level carries no capabilities")

	f = newEngineFixture(t, BulkAuditFailing)
	ok, err = f.engine.HasCapability(ctx, subject.UserID, subject.CompanyID, CapabilityApproveRequests)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseBulkAuditPolicy(t *testing.T) {
	require.Equal(t, BulkAuditEach, ParseBulkAuditPolicy(" EACH "))
	require.Equal(t, BulkAuditAggregate, ParseBulkAuditPolicy("aggregate"))
	require.Equal(t, BulkAuditFailing, ParseBulkAuditPolicy(""))
	require.Equal(t, BulkAuditFailing, ParseBulkAuditPolicy("loud"))
}
