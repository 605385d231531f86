package rbac

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// MatrixEntry declares the default capabilities of a role level within a module.
type MatrixEntry struct {
	Module  string   `json:"module" yaml:"module"`
	Level   int      `json:"level" yaml:"level"`
	Actions []Action `json:"actions" yaml:"actions"`
	Scopes  []Scope  `json:"scopes" yaml:"scopes"`
}

// CatalogSpec is the declarative form of a catalog, as loaded from configuration.
type CatalogSpec struct {
	Levels []RoleLevel   `json:"levels" yaml:"levels"`
	Roles  []Role        `json:"roles" yaml:"roles"`
	Matrix []MatrixEntry `json:"matrix" yaml:"matrix"`
}

type matrixKey struct {
	module string
	level  int
}

// Catalog is an immutable, validated set of levels, roles and matrix defaults.
type Catalog struct {
	levels    map[int]RoleLevel
	roles     map[int64]Role
	matrix    map[matrixKey]MatrixEntry
	effective map[int64][]Permission
	version   string
}

// NewCatalog validates spec and precomputes effective role permissions.
func NewCatalog(spec CatalogSpec) (*Catalog, error) {
	c := &Catalog{
		levels:    make(map[int]RoleLevel, len(spec.Levels)),
		roles:     make(map[int64]Role, len(spec.Roles)),
		matrix:    make(map[matrixKey]MatrixEntry, len(spec.Matrix)),
		effective: make(map[int64][]Permission, len(spec.Roles)),
	}
	for _, lvl := range spec.Levels {
		if lvl.Rank <= 0 {
			return nil, fmt.Errorf("rbac: catalog: level %q: rank must be positive: %w", lvl.Name, shared.ErrValidation)
		}
		if _, dup := c.levels[lvl.Rank]; dup {
			return nil, fmt.Errorf("rbac: catalog: duplicate level rank %d: %w", lvl.Rank, shared.ErrValidation)
		}
		lvl.MaxScope = Scope(normalizeIdent(string(lvl.MaxScope)))
		if lvl.MaxScope == "" {
			lvl.MaxScope = ScopeOwn
		}
		if !lvl.MaxScope.Valid() {
			return nil, fmt.Errorf("rbac: catalog: level %d: unknown max scope %q: %w", lvl.Rank, lvl.MaxScope, shared.ErrValidation)
		}
		c.levels[lvl.Rank] = lvl
	}
	for _, role := range spec.Roles {
		if _, dup := c.roles[role.ID]; dup {
			return nil, fmt.Errorf("rbac: catalog: duplicate role id %d: %w", role.ID, shared.ErrValidation)
		}
		lvl, ok := c.levels[role.Level]
		if !ok {
			return nil, fmt.Errorf("rbac: catalog: role %d: unknown level %d: %w", role.ID, role.Level, shared.ErrValidation)
		}
		perms := make([]Permission, 0, len(role.Permissions))
		for _, p := range role.Permissions {
			p.Key = normalizeKey(p.Key)
			if p.Key.Scope == "" {
				p.Key.Scope = lvl.MaxScope
			}
			if err := p.Key.Validate(); err != nil {
				return nil, fmt.Errorf("rbac: catalog: role %d: %w", role.ID, err)
			}
			if !lvl.MaxScope.Covers(p.Key.Scope) {
				return nil, fmt.Errorf("rbac: catalog: role %d: %s exceeds level %d scope %s: %w", role.ID, p.Key, lvl.Rank, lvl.MaxScope, shared.ErrValidation)
			}
			perms = append(perms, p)
		}
		role.Permissions = perms
		c.roles[role.ID] = role
	}
	for _, role := range c.roles {
		for _, parent := range role.Inherits {
			if _, ok := c.roles[parent]; !ok {
				return nil, fmt.Errorf("rbac: catalog: role %d inherits unknown role %d: %w", role.ID, parent, shared.ErrValidation)
			}
		}
	}
	for _, entry := range spec.Matrix {
		entry.Module = normalizeIdent(entry.Module)
		if _, ok := c.levels[entry.Level]; !ok {
			return nil, fmt.Errorf("rbac: catalog: matrix %s: unknown level %d: %w", entry.Module, entry.Level, shared.ErrValidation)
		}
		for _, a := range entry.Actions {
			if !a.Valid() {
				return nil, fmt.Errorf("rbac: catalog: matrix %s/%d: unknown action %q: %w", entry.Module, entry.Level, a, shared.ErrValidation)
			}
		}
		for _, s := range entry.Scopes {
			if !s.Valid() {
				return nil, fmt.Errorf("rbac: catalog: matrix %s/%d: unknown scope %q: %w", entry.Module, entry.Level, s, shared.ErrValidation)
			}
		}
		c.matrix[matrixKey{module: entry.Module, level: entry.Level}] = entry
	}
	for id := range c.roles {
		c.effective[id] = c.resolveInherited(id)
	}
	version, err := specVersion(spec)
	if err != nil {
		return nil, err
	}
	c.version = version
	return c, nil
}

func normalizeKey(k PermissionKey) PermissionKey {
	return PermissionKey{
		Module:       normalizeIdent(k.Module),
		Action:       Action(normalizeIdent(string(k.Action))),
		ResourceType: normalizeIdent(k.ResourceType),
		Scope:        Scope(normalizeIdent(string(k.Scope))),
	}
}

// resolveInherited unions a role's own and transitively inherited permissions,
// de-duplicated by key. Inheritance cycles are cut at the first revisit.
func (c *Catalog) resolveInherited(id int64) []Permission {
	seen := map[int64]bool{}
	byKey := map[PermissionKey]Permission{}
	var order []PermissionKey
	var walk func(int64)
	walk = func(rid int64) {
		if seen[rid] {
			return
		}
		seen[rid] = true
		role, ok := c.roles[rid]
		if !ok {
			return
		}
		for _, p := range role.Permissions {
			if _, dup := byKey[p.Key]; dup {
				continue
			}
			byKey[p.Key] = p
			order = append(order, p.Key)
		}
		for _, parent := range role.Inherits {
			walk(parent)
		}
	}
	walk(id)
	out := make([]Permission, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func specVersion(spec CatalogSpec) (string, error) {
	canonical := CatalogSpec{
		Levels: append([]RoleLevel(nil), spec.Levels...),
		Roles:  append([]Role(nil), spec.Roles...),
		Matrix: append([]MatrixEntry(nil), spec.Matrix...),
	}
	sort.Slice(canonical.Levels, func(i, j int) bool { return canonical.Levels[i].Rank < canonical.Levels[j].Rank })
	sort.Slice(canonical.Roles, func(i, j int) bool { return canonical.Roles[i].ID < canonical.Roles[j].ID })
	sort.Slice(canonical.Matrix, func(i, j int) bool {
		if canonical.Matrix[i].Module != canonical.Matrix[j].Module {
			return canonical.Matrix[i].Module < canonical.Matrix[j].Module
		}
		return canonical.Matrix[i].Level < canonical.Matrix[j].Level
	})
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("rbac: catalog version: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Version is the content hash of the catalog.
func (c *Catalog) Version() string {
	return c.version
}

// Level returns the level with the given rank.
func (c *Catalog) Level(rank int) (RoleLevel, bool) {
	lvl, ok := c.levels[rank]
	return lvl, ok
}

// Levels returns all levels ordered from most to least privileged.
func (c *Catalog) Levels() []RoleLevel {
	out := make([]RoleLevel, 0, len(c.levels))
	for _, lvl := range c.levels {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool { return MorePrivileged(out[i].Rank, out[j].Rank) })
	return out
}

// Role returns the role with the given id.
func (c *Catalog) Role(id int64) (Role, bool) {
	role, ok := c.roles[id]
	return role, ok
}

// Roles returns every role ordered by id.
func (c *Catalog) Roles() []Role {
	out := make([]Role, 0, len(c.roles))
	for _, role := range c.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EffectivePermissions returns the role's own and inherited permissions.
func (c *Catalog) EffectivePermissions(roleID int64) []Permission {
	return c.effective[roleID]
}

func (c *Catalog) matrixEntry(module string, level int) (MatrixEntry, bool) {
	entry, ok := c.matrix[matrixKey{module: module, level: level}]
	return entry, ok
}

// CatalogProvider exposes the catalog in force.
type CatalogProvider interface {
	Current() *Catalog
}

// CatalogHolder swaps catalogs atomically so readers never see a partial update.
type CatalogHolder struct {
	current atomic.Pointer[Catalog]
}

// NewCatalogHolder constructs a holder seeded with initial.
func NewCatalogHolder(initial *Catalog) *CatalogHolder {
	h := &CatalogHolder{}
	if initial == nil {
		initial, _ = NewCatalog(CatalogSpec{})
	}
	h.current.Store(initial)
	return h
}

// Current returns the catalog in force.
func (h *CatalogHolder) Current() *Catalog {
	return h.current.Load()
}

// Swap installs next and returns the previous catalog.
func (h *CatalogHolder) Swap(next *Catalog) *Catalog {
	return h.current.Swap(next)
}
