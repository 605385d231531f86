package rbac

import (
	"errors"
	"testing"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func TestScopeCovers(t *testing.T) {
	cases := []struct {
		granted   Scope
		requested Scope
		want      bool
	}{
		{ScopeGlobal, ScopeOwn, true},
		{ScopeGlobal, ScopeGlobal, true},
		{ScopeCompany, ScopeDepartment, true},
		{ScopeCompany, ScopeGlobal, false},
		{ScopeTeam, ScopeOwn, true},
		{ScopeOwn, ScopeTeam, false},
		{ScopeOwn, ScopeOwn, true},
		{Scope("planet"), ScopeOwn, false},
		{ScopeGlobal, Scope(""), false},
	}
	for _, tc := range cases {
		if got := tc.granted.Covers(tc.requested); got != tc.want {
			t.Fatalf("%q covers %q: got %v want %v", tc.granted, tc.requested, got, tc.want)
		}
	}
}

func TestParsePermissionKey(t *testing.T) {
	key, err := ParsePermissionKey("  Finance.READ.Transaction@Company ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := PermissionKey{Module: "finance", Action: ActionRead, ResourceType: "transaction", Scope: ScopeCompany}
	if key != want {
		t.Fatalf("unexpected key %+v", key)
	}
	if key.String() != "finance.read.transaction@company" {
		t.Fatalf("unexpected string %q", key.String())
	}

	unscoped, err := ParsePermissionKey("finance.delete.transaction")
	if err != nil {
		t.Fatalf("parse unscoped: %v", err)
	}
	if unscoped.Scope != "" || unscoped.String() != "finance.delete.transaction" {
		t.Fatalf("unexpected unscoped key %+v", unscoped)
	}

	for _, raw := range []string{"", "finance.read", "finance.steal.transaction", "finance.read.transaction@galaxy", "a.b.c.d", ".read.transaction"} {
		if _, err := ParsePermissionKey(raw); !errors.Is(err, shared.ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", raw, err)
		}
	}
}

func TestOverrideApplies(t *testing.T) {
	target := MustParsePermissionKey("finance.delete.transaction@department")
	unscoped := Override{Key: MustParsePermissionKey("finance.delete.transaction")}
	if !unscoped.Applies(target, ScopeDepartment) {
		t.Fatalf("unscoped override should apply at every scope")
	}
	narrow := Override{Key: MustParsePermissionKey("finance.delete.transaction@team")}
	if narrow.Applies(target, ScopeDepartment) {
		t.Fatalf("team override must not speak for department checks")
	}
	other := Override{Key: MustParsePermissionKey("finance.read.transaction")}
	if other.Applies(target, ScopeDepartment) {
		t.Fatalf("override on another action must not apply")
	}
}

func TestCheckDefaultsToOwnScope(t *testing.T) {
	c := PermissionCheck{Module: "sales", Action: ActionRead, ResourceType: "order"}
	if c.RequestedScope() != ScopeOwn {
		t.Fatalf("expected own scope, got %q", c.RequestedScope())
	}
	if !MorePrivileged(1, 2) || MorePrivileged(3, 3) {
		t.Fatalf("lower rank must outrank higher rank")
	}
}
