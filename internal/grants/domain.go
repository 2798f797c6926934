package grants

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/akademi/internal/rbac"
)

var (
	// ErrNotFound indicates that the requested grant does not exist.
	ErrNotFound = errors.New("grants: not found")
	// ErrValidation wraps input validation failures.
	ErrValidation = errors.New("grants: validation failed")
	// ErrForbidden indicates the actor may not perform the change.
	ErrForbidden = errors.New("grants: forbidden")
)

// SystemActor attributes automatic transitions such as expiry.
const SystemActor = "system"

// Actor is whoever requests a grant change.
type Actor struct {
	Email string
	Role  rbac.Role
}

// InvalidTransitionError reports a status change the state machine rejects,
// including a transition lost to a concurrent approver.
type InvalidTransitionError struct {
	GrantID string
	From    rbac.GrantStatus
	To      rbac.GrantStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("grants: invalid transition %s -> %s for grant %s", e.From, e.To, e.GrantID)
}

var transitions = map[rbac.GrantStatus][]rbac.GrantStatus{
	rbac.GrantPending:  {rbac.GrantApproved, rbac.GrantRevoked},
	rbac.GrantApproved: {rbac.GrantRevoked},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to rbac.GrantStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CreateGrantInput describes a new grant.
type CreateGrantInput struct {
	UserEmail    string     `json:"user_email" validate:"required,email"`
	ResourceType string     `json:"resource_type" validate:"required,oneof=page feature data"`
	ResourceKey  string     `json:"resource_key" validate:"required,max=200"`
	Operation    string     `json:"operation" validate:"required,oneof=view create edit delete"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Note         string     `json:"note,omitempty" validate:"max=500"`
}

// StatusEvent is one entry of a grant's status history.
type StatusEvent struct {
	GrantID string
	From    rbac.GrantStatus
	To      rbac.GrantStatus
	Actor   string
	At      time.Time
}
