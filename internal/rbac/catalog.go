package rbac

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// defaultRestrictedRoles applies when a restricted sub-feature lists no roles.
var defaultRestrictedRoles = []Role{RoleTeacher, RoleMember}

// ResourceDescriptor identifies a protected resource and who may touch it.
// Descriptors are values owned by an immutable Catalog.
type ResourceDescriptor struct {
	resourceType ResourceType
	key          string
	description  string
	allowed      map[Role]struct{}
	restricted   map[string]map[Role]struct{}
}

// Type returns the resource type.
func (d ResourceDescriptor) Type() ResourceType { return d.resourceType }

// Key returns the resource key.
func (d ResourceDescriptor) Key() string { return d.key }

// Description returns the optional human description.
func (d ResourceDescriptor) Description() string { return d.description }

// AllowedRoles lists the roles allowed by default, sorted by name.
func (d ResourceDescriptor) AllowedRoles() []Role {
	out := make([]Role, 0, len(d.allowed))
	for r := range d.allowed {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RestrictedSubFeatures lists restricted sub-feature names, sorted.
func (d ResourceDescriptor) RestrictedSubFeatures() []string {
	out := make([]string, 0, len(d.restricted))
	for name := range d.restricted {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AllowsRole reports whether role is in the allowed set.
func (d ResourceDescriptor) AllowsRole(role Role) bool {
	_, ok := d.allowed[role]
	return ok
}

// Restricts reports whether subFeature is restricted for role.
func (d ResourceDescriptor) Restricts(role Role, subFeature string) bool {
	roles, ok := d.restricted[strings.TrimSpace(subFeature)]
	if !ok {
		return false
	}
	_, ok = roles[role]
	return ok
}

type catalogKey struct {
	resourceType ResourceType
	key          string
}

// Catalog is the load-once mapping of resource keys to descriptors. It is
// never mutated after construction; a reload builds a new Catalog.
type Catalog struct {
	entries map[catalogKey]ResourceDescriptor
}

// Lookup finds the descriptor for a resource.
func (c *Catalog) Lookup(resourceType ResourceType, resourceKey string) (ResourceDescriptor, bool) {
	if c == nil {
		return ResourceDescriptor{}, false
	}
	d, ok := c.entries[catalogKey{resourceType: resourceType, key: NormalizeKey(resourceType, resourceKey)}]
	return d, ok
}

// IsRoleAllowed reports whether role is in the descriptor's allowed roles.
func (c *Catalog) IsRoleAllowed(d ResourceDescriptor, role Role) bool {
	return d.AllowsRole(role)
}

// IsFeatureRestrictedForRole reports whether subFeature is restricted for role
// on the descriptor.
func (c *Catalog) IsFeatureRestrictedForRole(d ResourceDescriptor, role Role, subFeature string) bool {
	return d.Restricts(role, subFeature)
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Descriptors returns every entry sorted by type then key.
func (c *Catalog) Descriptors() []ResourceDescriptor {
	if c == nil {
		return nil
	}
	out := make([]ResourceDescriptor, 0, len(c.entries))
	for _, d := range c.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].resourceType != out[j].resourceType {
			return out[i].resourceType < out[j].resourceType
		}
		return out[i].key < out[j].key
	})
	return out
}

// NormalizeKey canonicalizes a resource key. Page keys lose any trailing
// slash so /admin/students/ and /admin/students are the same page.
func NormalizeKey(resourceType ResourceType, key string) string {
	key = strings.TrimSpace(key)
	if resourceType == ResourcePage && len(key) > 1 {
		key = strings.TrimRight(key, "/")
		if key == "" {
			key = "/"
		}
	}
	return key
}

type catalogFile struct {
	Resources []catalogEntry `yaml:"resources"`
}

type catalogEntry struct {
	Type         string              `yaml:"type"`
	Key          string              `yaml:"key"`
	Description  string              `yaml:"description"`
	AllowedRoles []string            `yaml:"allowed_roles"`
	Restricted   []restrictedFeature `yaml:"restricted_sub_features"`
}

type restrictedFeature struct {
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// LoadCatalog parses and validates a YAML catalog definition against reg.
func LoadCatalog(r io.Reader, reg *Registry) (*Catalog, error) {
	if reg == nil {
		return nil, errors.New("rbac: catalog requires a role registry")
	}
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidCatalog, err)
	}
	entries := make(map[catalogKey]ResourceDescriptor, len(file.Resources))
	for i, entry := range file.Resources {
		d, err := buildDescriptor(entry, reg)
		if err != nil {
			return nil, fmt.Errorf("%w: resource #%d: %v", ErrInvalidCatalog, i+1, err)
		}
		k := catalogKey{resourceType: d.resourceType, key: d.key}
		if _, dup := entries[k]; dup {
			return nil, fmt.Errorf("%w: duplicate %s %q", ErrInvalidCatalog, d.resourceType, d.key)
		}
		entries[k] = d
	}
	return &Catalog{entries: entries}, nil
}

// LoadCatalogFile reads a YAML catalog from path.
func LoadCatalogFile(path string, reg *Registry) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: open catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f, reg)
}

// DefaultCatalog parses the embedded catalog definition.
func DefaultCatalog(reg *Registry) (*Catalog, error) {
	return LoadCatalog(bytes.NewReader(defaultCatalogYAML), reg)
}

func buildDescriptor(entry catalogEntry, reg *Registry) (ResourceDescriptor, error) {
	rt := ResourceType(strings.TrimSpace(strings.ToLower(entry.Type)))
	if !rt.Valid() {
		return ResourceDescriptor{}, fmt.Errorf("unknown resource type %q", entry.Type)
	}
	key := NormalizeKey(rt, entry.Key)
	if key == "" {
		return ResourceDescriptor{}, errors.New("resource key required")
	}
	d := ResourceDescriptor{
		resourceType: rt,
		key:          key,
		description:  strings.TrimSpace(entry.Description),
		allowed:      make(map[Role]struct{}, len(entry.AllowedRoles)),
		restricted:   make(map[string]map[Role]struct{}, len(entry.Restricted)),
	}
	for _, name := range entry.AllowedRoles {
		role, err := reg.ParseRole(name)
		if err != nil {
			return ResourceDescriptor{}, err
		}
		d.allowed[role] = struct{}{}
	}
	for _, rf := range entry.Restricted {
		name := strings.TrimSpace(rf.Name)
		if name == "" {
			return ResourceDescriptor{}, fmt.Errorf("%s %q: restricted sub-feature name required", rt, key)
		}
		if _, dup := d.restricted[name]; dup {
			return ResourceDescriptor{}, fmt.Errorf("%s %q: duplicate restricted sub-feature %q", rt, key, name)
		}
		roles := make(map[Role]struct{})
		if len(rf.Roles) == 0 {
			for _, r := range defaultRestrictedRoles {
				roles[r] = struct{}{}
			}
		}
		for _, rn := range rf.Roles {
			role, err := reg.ParseRole(rn)
			if err != nil {
				return ResourceDescriptor{}, err
			}
			roles[role] = struct{}{}
		}
		d.restricted[name] = roles
	}
	return d, nil
}

// CatalogHolder publishes the current catalog to concurrent readers. A reload
// swaps the whole immutable value.
type CatalogHolder struct {
	current atomic.Pointer[Catalog]
}

// NewCatalogHolder wraps an initial catalog.
func NewCatalogHolder(c *Catalog) *CatalogHolder {
	h := &CatalogHolder{}
	h.current.Store(c)
	return h
}

// Load returns the catalog currently in effect.
func (h *CatalogHolder) Load() *Catalog {
	if h == nil {
		return nil
	}
	return h.current.Load()
}

// Reload builds a new catalog with load and swaps it in. On error the
// previous catalog stays in effect.
func (h *CatalogHolder) Reload(load func() (*Catalog, error)) (*Catalog, error) {
	next, err := load()
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("%w: loader returned nil catalog", ErrInvalidCatalog)
	}
	h.current.Store(next)
	return next, nil
}
