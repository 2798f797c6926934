package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// Role is the identity class a user acts under.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleMember  Role = "member"
	RoleParent  Role = "parent"
)

// RoleRank pairs a role with its privilege rank. Higher ranks are more
// privileged.
type RoleRank struct {
	Role Role
	Rank int
}

// Registry is the fixed role table loaded at process start. It is read-only
// after construction and safe for concurrent use.
type Registry struct {
	ranks map[Role]int
	order []Role
}

// DefaultRoleRanks returns the built-in role table.
func DefaultRoleRanks() []RoleRank {
	return []RoleRank{
		{Role: RoleOwner, Rank: 50},
		{Role: RoleAdmin, Rank: 40},
		{Role: RoleTeacher, Rank: 30},
		{Role: RoleMember, Rank: 20},
		{Role: RoleParent, Rank: 10},
	}
}

// NewRegistry builds a registry from the given table. Role names and ranks
// must both be unique.
func NewRegistry(entries []RoleRank) (*Registry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("rbac: registry requires at least one role")
	}
	ranks := make(map[Role]int, len(entries))
	seenRank := make(map[int]Role, len(entries))
	for _, e := range entries {
		name := Role(strings.TrimSpace(strings.ToLower(string(e.Role))))
		if name == "" {
			return nil, fmt.Errorf("rbac: registry role name required")
		}
		if _, dup := ranks[name]; dup {
			return nil, fmt.Errorf("rbac: duplicate role %q", name)
		}
		if other, dup := seenRank[e.Rank]; dup {
			return nil, fmt.Errorf("rbac: roles %q and %q share rank %d", other, name, e.Rank)
		}
		ranks[name] = e.Rank
		seenRank[e.Rank] = name
	}
	order := make([]Role, 0, len(ranks))
	for r := range ranks {
		order = append(order, r)
	}
	sort.Slice(order, func(i, j int) bool { return ranks[order[i]] > ranks[order[j]] })
	return &Registry{ranks: ranks, order: order}, nil
}

// DefaultRegistry returns the registry built from DefaultRoleRanks.
func DefaultRegistry() *Registry {
	reg, err := NewRegistry(DefaultRoleRanks())
	if err != nil {
		panic(err)
	}
	return reg
}

// RankOf returns the rank of role or an *UnknownRoleError.
func (r *Registry) RankOf(role Role) (int, error) {
	rank, ok := r.ranks[role]
	if !ok {
		return 0, &UnknownRoleError{Role: string(role)}
	}
	return rank, nil
}

// IsAtLeast reports whether role ranks at or above minRole. Either role
// being unknown is an error and the answer is false.
func (r *Registry) IsAtLeast(role, minRole Role) (bool, error) {
	have, err := r.RankOf(role)
	if err != nil {
		return false, err
	}
	want, err := r.RankOf(minRole)
	if err != nil {
		return false, err
	}
	return have >= want, nil
}

// ParseRole normalizes name and checks it against the registry.
func (r *Registry) ParseRole(name string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(name)))
	if _, ok := r.ranks[role]; !ok {
		return "", &UnknownRoleError{Role: name}
	}
	return role, nil
}

// Has reports whether role is registered.
func (r *Registry) Has(role Role) bool {
	_, ok := r.ranks[role]
	return ok
}

// Roles lists registered roles from most to least privileged.
func (r *Registry) Roles() []Role {
	out := make([]Role, len(r.order))
	copy(out, r.order)
	return out
}
