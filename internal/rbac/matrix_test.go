package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatrixResolverDeniesUnconfiguredCells(t *testing.T) {
	c, err := NewCatalog(CatalogSpec{Levels: testLevels()})
	require.NoError(t, err)
	m := NewMatrixResolver(NewCatalogHolder(c), 16, time.Minute)

	caps := m.Resolve("inventory", 2)
	for _, a := range Actions() {
		require.False(t, caps.Allows(a), "action %s", a)
	}
	require.False(t, caps.CoversScope(ScopeOwn))
}

func TestMatrixResolverFollowsCatalogSwap(t *testing.T) {
	first, err := NewCatalog(CatalogSpec{
		Levels: testLevels(),
		Matrix: []MatrixEntry{{Module: "inventory", Level: 2, Actions: []Action{ActionRead}, Scopes: []Scope{ScopeCompany}}},
	})
	require.NoError(t, err)
	holder := NewCatalogHolder(first)
	m := NewMatrixResolver(holder, 16, time.Minute)

	caps := m.Resolve("inventory", 2)
	require.True(t, caps.Allows(ActionRead))
	require.False(t, caps.Allows(ActionUpdate))
	require.True(t, caps.CoversScope(ScopeDepartment))
	require.False(t, caps.CoversScope(ScopeGlobal))

	second, err := NewCatalog(CatalogSpec{
		Levels: testLevels(),
		Matrix: []MatrixEntry{{Module: "inventory", Level: 2, Actions: []Action{ActionRead, ActionUpdate}, Scopes: []Scope{ScopeOwn}}},
	})
	require.NoError(t, err)
	holder.Swap(second)

	caps = m.Resolve("inventory", 2)
	require.True(t, caps.Allows(ActionUpdate))
	require.False(t, caps.CoversScope(ScopeCompany))

	m.Purge()
	require.Equal(t, caps, m.Resolve("inventory", 2))
}

func TestMatrixResolverWithoutCache(t *testing.T) {
	c, err := NewCatalog(CatalogSpec{
		Levels: testLevels(),
		Matrix: []MatrixEntry{{Module: "sales", Level: 4, Actions: []Action{ActionCreate}, Scopes: []Scope{ScopeOwn}}},
	})
	require.NoError(t, err)
	m := NewMatrixResolver(NewCatalogHolder(c), 0, 0)
	require.True(t, m.Resolve("sales", 4).Allows(ActionCreate))
	require.False(t, m.Resolve("sales", 3).Allows(ActionCreate))
}
