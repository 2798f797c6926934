package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRole marks a role that is not present in the registry.
	ErrUnknownRole = errors.New("rbac: unknown role")
	// ErrInvalidCatalog marks a catalog definition that failed validation.
	ErrInvalidCatalog = errors.New("rbac: invalid catalog")
	// ErrIdentityUnresolved is returned by resolvers that cannot map a user
	// to a role.
	ErrIdentityUnresolved = errors.New("rbac: identity unresolved")
)

// UnknownRoleError reports a role name missing from the registry. It is a
// configuration bug and always fails closed.
type UnknownRoleError struct {
	Role string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("rbac: unknown role %q", e.Role)
}

// Is lets errors.Is match ErrUnknownRole.
func (e *UnknownRoleError) Is(target error) bool {
	return target == ErrUnknownRole
}
