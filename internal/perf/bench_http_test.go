package perf

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/overrides"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/roles"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// newBenchEngine builds an engine over 50 roles and 500 assigned users.
func newBenchEngine(tb testing.TB) *rbac.Engine {
	tb.Helper()
	spec := rbac.CatalogSpec{
		Levels: []rbac.RoleLevel{
			{Rank: 1, Name: "admin", MaxScope: rbac.ScopeCompany},
			{Rank: 2, Name: "staff", MaxScope: rbac.ScopeOwn},
		},
		Matrix: []rbac.MatrixEntry{{Module: "inventory", Level: 2, Actions: []rbac.Action{rbac.ActionRead}, Scopes: []rbac.Scope{rbac.ScopeOwn}}},
	}
	for i := int64(1); i <= 50; i++ {
		role := rbac.Role{ID: i, Name: fmt.Sprintf("role-%d", i), Level: 2, IsActive: true}
		for j := 0; j < 20; j++ {
			role.Permissions = append(role.Permissions, rbac.Permission{Key: rbac.PermissionKey{
				Module: fmt.Sprintf("module%d", j), Action: rbac.ActionRead, ResourceType: "record", Scope: rbac.ScopeOwn,
			}})
		}
		spec.Roles = append(spec.Roles, role)
	}
	catalog, err := rbac.NewCatalog(spec)
	if err != nil {
		tb.Fatalf("catalog: %v", err)
	}
	holder := rbac.NewCatalogHolder(catalog)
	roleSvc := roles.NewService(roles.ServiceConfig{Store: roles.NewMemoryStore(), Catalogs: holder, Locker: shared.NewMutexLocker()})
	ctx := context.Background()
	for u := int64(1); u <= 500; u++ {
		if _, err := roleSvc.AssignRole(ctx, roles.AssignInput{UserID: u, RoleID: u%50 + 1, CompanyID: 1}); err != nil {
			tb.Fatalf("assign: %v", err)
		}
	}
	return rbac.NewEngine(rbac.EngineConfig{
		Catalogs:  holder,
		Matrix:    rbac.NewMatrixResolver(holder, 256, time.Minute),
		Roles:     roleSvc,
		Overrides: overrides.NewService(overrides.NewMemoryStore(), nil, nil, nil),
	})
}

func TestDecisionLatencyTargets(t *testing.T) {
	engine := newBenchEngine(t)
	ctx := context.Background()
	checks := []rbac.PermissionCheck{
		rbac.Check("module7.read.record@own"),
		rbac.Check("module7.read.record@company"),
		rbac.Check("inventory.read.item@own"),
	}
	samples := make([]time.Duration, 0, 300)
	for i := 0; i < 300; i++ {
		subject := shared.Identity{UserID: int64(i%500 + 1), CompanyID: 1}
		start := time.Now()
		engine.Evaluate(ctx, subject, checks[i%len(checks)])
		samples = append(samples, time.Since(start))
	}
	if p95 := percentile95(samples); p95 > 5*time.Millisecond {
		t.Fatalf("decision latency regression: p95=%s threshold=5ms", p95)
	}
}

func BenchmarkEvaluate(b *testing.B) {
	engine := newBenchEngine(b)
	ctx := context.Background()
	check := rbac.Check("module7.read.record@own")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.Evaluate(ctx, shared.Identity{UserID: int64(i%500 + 1), CompanyID: 1}, check)
	}
}

func BenchmarkHasAllPermissions(b *testing.B) {
	engine := newBenchEngine(b)
	ctx := context.Background()
	checks := []rbac.PermissionCheck{
		rbac.Check("module1.read.record@own"),
		rbac.Check("module2.read.record@own"),
		rbac.Check("module3.read.record@own"),
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.HasAllPermissions(ctx, shared.Identity{UserID: int64(i%500 + 1), CompanyID: 1}, checks)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
