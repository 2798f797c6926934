package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/akademi/internal/rbac"
)

// Directory looks up the stored role of a user.
type Directory interface {
	LookupRole(ctx context.Context, email string) (string, error)
}

// Resolver implements rbac.RoleResolver. The request principal wins when it
// names the same user; otherwise the directory is consulted.
type Resolver struct {
	Directory Directory
}

// ResolveRole returns the active role of email.
func (r Resolver) ResolveRole(ctx context.Context, email string) (rbac.Role, error) {
	email = NormalizeEmail(email)
	if p, ok := FromContext(ctx); ok && p.Email == email {
		return p.Role, nil
	}
	if r.Directory == nil {
		return "", rbac.ErrIdentityUnresolved
	}
	raw, err := r.Directory.LookupRole(ctx, email)
	if err != nil {
		return "", err
	}
	return rbac.Role(strings.TrimSpace(strings.ToLower(raw))), nil
}

// PGDirectory reads roles from the user_profiles table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory constructs a PGDirectory.
func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

// LookupRole returns the active role or rbac.ErrIdentityUnresolved.
func (d *PGDirectory) LookupRole(ctx context.Context, email string) (string, error) {
	var role string
	err := d.pool.QueryRow(ctx, `SELECT role FROM user_profiles WHERE lower(email) = lower($1) AND active LIMIT 1`, email).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", rbac.ErrIdentityUnresolved
		}
		return "", fmt.Errorf("identity: lookup role: %w", err)
	}
	return role, nil
}
