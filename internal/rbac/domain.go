package rbac

import "time"

// ResourceType classifies what a catalog entry protects.
type ResourceType string

const (
	// ResourcePage guards a routed page such as /admin/students.
	ResourcePage ResourceType = "page"
	// ResourceFeature guards a named capability such as user_management.
	ResourceFeature ResourceType = "feature"
	// ResourceData guards a data collection such as students.
	ResourceData ResourceType = "data"
)

// Valid reports whether t is one of the known resource types.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourcePage, ResourceFeature, ResourceData:
		return true
	}
	return false
}

// ResourceTypes lists every resource type in a stable order.
func ResourceTypes() []ResourceType {
	return []ResourceType{ResourcePage, ResourceFeature, ResourceData}
}

// Operation is the action attempted against a resource.
type Operation string

const (
	OpView   Operation = "view"
	OpCreate Operation = "create"
	OpEdit   Operation = "edit"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpView, OpCreate, OpEdit, OpDelete:
		return true
	}
	return false
}

// Reason is the stable code attached to every decision. Downstream tooling
// maps these to display text, so the values must not change.
type Reason string

const (
	ReasonRoleDefaultAllow      Reason = "role-default-allow"
	ReasonExplicitGrantAllow    Reason = "explicit-grant-allow"
	ReasonRestrictedFeatureDeny Reason = "role-restricted-feature-deny"
	ReasonNoCatalogEntryDeny    Reason = "no-catalog-entry-deny"
	ReasonNoGrantDeny           Reason = "no-grant-deny"
	ReasonExpiredGrantDeny      Reason = "expired-grant-deny"
	ReasonIdentityUnresolved    Reason = "identity-unresolved"
	ReasonStoreUnavailableDeny  Reason = "store-unavailable-deny"
)

// WildcardKey matches every resource key of a grant's resource type.
const WildcardKey = "*"

// GrantStatus is the lifecycle state of a PermissionGrant.
type GrantStatus string

const (
	GrantPending  GrantStatus = "pending"
	GrantApproved GrantStatus = "approved"
	GrantRevoked  GrantStatus = "revoked"
)

// Valid reports whether s is a known grant status.
func (s GrantStatus) Valid() bool {
	switch s {
	case GrantPending, GrantApproved, GrantRevoked:
		return true
	}
	return false
}

// PermissionGrant is an explicit per-user override stored independently of
// role defaults.
type PermissionGrant struct {
	ID           string
	UserEmail    string
	ResourceType ResourceType
	ResourceKey  string
	Operation    Operation
	Status       GrantStatus
	GrantedBy    string
	Note         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    *time.Time
}

// ActiveAt reports whether the grant is approved and unexpired at now.
func (g PermissionGrant) ActiveAt(now time.Time) bool {
	return g.Status == GrantApproved && !g.ExpiredAt(now)
}

// ExpiredAt reports whether the grant carries an expiry at or before now.
func (g PermissionGrant) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// Matches reports whether the grant targets key and op.
func (g PermissionGrant) Matches(key string, op Operation) bool {
	if g.Operation != op {
		return false
	}
	return g.ResourceKey == WildcardKey || g.ResourceKey == key
}

// EvaluationRequest is the input of a single decision.
type EvaluationRequest struct {
	UserEmail    string       `json:"user_email"`
	ResourceType ResourceType `json:"resource_type"`
	Operation    Operation    `json:"operation"`
	ResourceKey  string       `json:"resource_key"`
	// SubFeature names the restricted sub-capability the operation targets,
	// if any.
	SubFeature string `json:"sub_feature,omitempty"`
}

// EvaluationResult is the output of a single decision.
type EvaluationResult struct {
	Allowed     bool      `json:"allowed"`
	Reason      Reason    `json:"reason"`
	Role        Role      `json:"role,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}
