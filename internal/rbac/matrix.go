package rbac

import (
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Capabilities is the default grid cell for a module and role level.
type Capabilities struct {
	Create  bool    `json:"create"`
	Read    bool    `json:"read"`
	Update  bool    `json:"update"`
	Delete  bool    `json:"delete"`
	Approve bool    `json:"approve"`
	Admin   bool    `json:"admin"`
	Scopes  []Scope `json:"scope"`
}

// Allows reports whether the action is enabled.
func (c Capabilities) Allows(a Action) bool {
	switch a {
	case ActionCreate:
		return c.Create
	case ActionRead:
		return c.Read
	case ActionUpdate:
		return c.Update
	case ActionDelete:
		return c.Delete
	case ActionApprove:
		return c.Approve
	case ActionAdmin:
		return c.Admin
	}
	return false
}

// CoversScope reports whether any granted scope contains requested.
func (c Capabilities) CoversScope(requested Scope) bool {
	for _, s := range c.Scopes {
		if s.Covers(requested) {
			return true
		}
	}
	return false
}

// MatrixResolver looks up default capabilities. Cached cells are keyed by catalog
// version so a swapped catalog never serves stale cells.
type MatrixResolver struct {
	catalogs CatalogProvider
	cache    *expirable.LRU[string, Capabilities]
	group    singleflight.Group
}

// NewMatrixResolver constructs a resolver. size <= 0 disables caching.
func NewMatrixResolver(catalogs CatalogProvider, size int, ttl time.Duration) *MatrixResolver {
	m := &MatrixResolver{catalogs: catalogs}
	if size > 0 {
		m.cache = expirable.NewLRU[string, Capabilities](size, nil, ttl)
	}
	return m
}

// Resolve returns the capabilities of level within module, deny-all when unconfigured.
func (m *MatrixResolver) Resolve(module string, level int) Capabilities {
	catalog := m.catalogs.Current()
	if catalog == nil {
		return Capabilities{}
	}
	if m.cache == nil {
		return computeCapabilities(catalog, module, level)
	}
	key := catalog.Version() + "|" + module + "|" + strconv.Itoa(level)
	if caps, ok := m.cache.Get(key); ok {
		return caps
	}
	v, _, _ := m.group.Do(key, func() (interface{}, error) {
		caps := computeCapabilities(catalog, module, level)
		m.cache.Add(key, caps)
		return caps, nil
	})
	return v.(Capabilities)
}

// Purge drops every cached cell.
func (m *MatrixResolver) Purge() {
	if m.cache != nil {
		m.cache.Purge()
	}
}

func computeCapabilities(catalog *Catalog, module string, level int) Capabilities {
	entry, ok := catalog.matrixEntry(module, level)
	if !ok {
		return Capabilities{}
	}
	caps := Capabilities{}
	for _, a := range entry.Actions {
		switch a {
		case ActionCreate:
			caps.Create = true
		case ActionRead:
			caps.Read = true
		case ActionUpdate:
			caps.Update = true
		case ActionDelete:
			caps.Delete = true
		case ActionApprove:
			caps.Approve = true
		case ActionAdmin:
			caps.Admin = true
		}
	}
	for _, s := range Scopes() {
		for _, granted := range entry.Scopes {
			if granted == s {
				caps.Scopes = append(caps.Scopes, s)
				break
			}
		}
	}
	return caps
}
