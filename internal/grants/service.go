package grants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

// maxTransitionAttempts bounds retries after losing a compare-and-swap.
const maxTransitionAttempts = 3

// RepositoryPort defines data access methods for grants.
type RepositoryPort interface {
	ApprovedGrants(ctx context.Context, email string, rt rbac.ResourceType, now time.Time) ([]rbac.PermissionGrant, error)
	ListByUser(ctx context.Context, email string) ([]rbac.PermissionGrant, error)
	Get(ctx context.Context, id string) (rbac.PermissionGrant, error)
	Insert(ctx context.Context, g rbac.PermissionGrant) error
	CompareAndSetStatus(ctx context.Context, id string, from, to rbac.GrantStatus, actor string, at time.Time) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)
	History(ctx context.Context, id string) ([]StatusEvent, error)
}

// Invalidator drops cached grants of a user.
type Invalidator interface {
	Invalidate(ctx context.Context, email string) error
}

// ServiceConfig collects Service dependencies.
type ServiceConfig struct {
	Registry *rbac.Registry
	// Catalog bounds what an approver may hand out. Defaults to the
	// embedded catalog.
	Catalog *rbac.CatalogHolder
	Cache    Invalidator
	Logger   *slog.Logger
	// ApproverRole is the minimum role allowed to approve or revoke.
	ApproverRole rbac.Role
	// AutoApproveRole is the minimum role whose new grants skip review.
	AutoApproveRole rbac.Role
	Clock           func() time.Time
}

// Service owns the grant lifecycle.
type Service struct {
	repo            RepositoryPort
	registry        *rbac.Registry
	catalog         *rbac.CatalogHolder
	cache           Invalidator
	logger          *slog.Logger
	validate        *validator.Validate
	approverRole    rbac.Role
	autoApproveRole rbac.Role
	clock           func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	s := &Service{
		repo:            repo,
		registry:        cfg.Registry,
		catalog:         cfg.Catalog,
		cache:           cfg.Cache,
		logger:          cfg.Logger,
		validate:        validator.New(),
		approverRole:    cfg.ApproverRole,
		autoApproveRole: cfg.AutoApproveRole,
		clock:           cfg.Clock,
	}
	if s.registry == nil {
		s.registry = rbac.DefaultRegistry()
	}
	if s.catalog == nil {
		if cat, err := rbac.DefaultCatalog(s.registry); err == nil {
			s.catalog = rbac.NewCatalogHolder(cat)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.approverRole == "" {
		s.approverRole = rbac.RoleAdmin
	}
	if s.autoApproveRole == "" {
		s.autoApproveRole = rbac.RoleAdmin
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// GetApprovedGrants returns only approved grants that have not expired.
func (s *Service) GetApprovedGrants(ctx context.Context, email string, rt rbac.ResourceType) ([]rbac.PermissionGrant, error) {
	return s.repo.ApprovedGrants(ctx, identity.NormalizeEmail(email), rt, s.clock())
}

// CreateGrant stores a new grant. Grants created by actors ranked at or
// above the auto-approve role for someone else start approved; everything
// else is pending. Actors below the approver role may only request grants for
// themselves.
func (s *Service) CreateGrant(ctx context.Context, actor Actor, input CreateGrantInput) (uuid.UUID, error) {
	if err := s.validate.Struct(input); err != nil {
		return uuid.Nil, validationError(err)
	}
	now := s.clock()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return uuid.Nil, fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
	}
	actorEmail := identity.NormalizeEmail(actor.Email)
	if actorEmail == "" {
		return uuid.Nil, ErrForbidden
	}
	privileged, err := s.registry.IsAtLeast(actor.Role, s.approverRole)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	target := identity.NormalizeEmail(input.UserEmail)
	if !privileged && target != actorEmail {
		return uuid.Nil, ErrForbidden
	}
	autoApprove, err := s.registry.IsAtLeast(actor.Role, s.autoApproveRole)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrForbidden, err)
	}

	// A self-grant always waits for a second approver.
	if target == actorEmail {
		autoApprove = false
	}

	rt := rbac.ResourceType(input.ResourceType)
	key := rbac.NormalizeKey(rt, input.ResourceKey)
	if autoApprove {
		if err := s.checkReach(actor.Role, rt, key); err != nil {
			return uuid.Nil, err
		}
	}
	id := uuid.New()
	g := rbac.PermissionGrant{
		ID:           id.String(),
		UserEmail:    target,
		ResourceType: rt,
		ResourceKey:  key,
		Operation:    rbac.Operation(input.Operation),
		Status:       rbac.GrantPending,
		GrantedBy:    actorEmail,
		Note:         strings.TrimSpace(input.Note),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if input.ExpiresAt != nil {
		exp := input.ExpiresAt.UTC()
		g.ExpiresAt = &exp
	}
	if autoApprove {
		g.Status = rbac.GrantApproved
	}
	if err := s.repo.Insert(ctx, g); err != nil {
		return uuid.Nil, err
	}
	if g.Status == rbac.GrantApproved {
		s.invalidate(ctx, g.UserEmail)
	}
	s.logger.Info("grant created",
		slog.String("grant_id", g.ID),
		slog.String("user", g.UserEmail),
		slog.String("resource_type", string(g.ResourceType)),
		slog.String("resource_key", g.ResourceKey),
		slog.String("operation", string(g.Operation)),
		slog.String("status", string(g.Status)),
		slog.String("actor", actorEmail),
	)
	return id, nil
}

// SetStatus applies a status transition. Illegal transitions, including one
// that lost a race to a concurrent approver, return *InvalidTransitionError.
func (s *Service) SetStatus(ctx context.Context, id string, to rbac.GrantStatus, actor Actor) error {
	grantID, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return ErrNotFound
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}
	ok, err := s.registry.IsAtLeast(actor.Role, s.approverRole)
	if err != nil || !ok || actor.Email == "" {
		return ErrForbidden
	}
	actorEmail := identity.NormalizeEmail(actor.Email)

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := s.repo.Get(ctx, grantID.String())
		if err != nil {
			return err
		}
		if !CanTransition(current.Status, to) {
			return &InvalidTransitionError{GrantID: current.ID, From: current.Status, To: to}
		}
		if to == rbac.GrantApproved {
			if current.UserEmail == actorEmail {
				return fmt.Errorf("%w: grants cannot be self-approved", ErrForbidden)
			}
			if err := s.checkReach(actor.Role, current.ResourceType, current.ResourceKey); err != nil {
				return err
			}
		}
		swapped, err := s.repo.CompareAndSetStatus(ctx, current.ID, current.Status, to, actorEmail, s.clock())
		if err != nil {
			return err
		}
		if swapped {
			s.invalidate(ctx, current.UserEmail)
			s.logger.Info("grant status changed",
				slog.String("grant_id", current.ID),
				slog.String("from", string(current.Status)),
				slog.String("to", string(to)),
				slog.String("actor", actorEmail),
			)
			return nil
		}
	}
	latest, err := s.repo.Get(ctx, grantID.String())
	if err != nil {
		return err
	}
	return &InvalidTransitionError{GrantID: latest.ID, From: latest.Status, To: to}
}

// Approve moves a pending grant to approved.
func (s *Service) Approve(ctx context.Context, id string, actor Actor) error {
	return s.SetStatus(ctx, id, rbac.GrantApproved, actor)
}

// Revoke moves a pending or approved grant to revoked.
func (s *Service) Revoke(ctx context.Context, id string, actor Actor) error {
	return s.SetStatus(ctx, id, rbac.GrantRevoked, actor)
}

// ListGrants returns every grant of a user.
func (s *Service) ListGrants(ctx context.Context, email string) ([]rbac.PermissionGrant, error) {
	return s.repo.ListByUser(ctx, identity.NormalizeEmail(email))
}

// History returns the status events of a grant.
func (s *Service) History(ctx context.Context, id string) ([]StatusEvent, error) {
	grantID, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, ErrNotFound
	}
	return s.repo.History(ctx, grantID.String())
}

// ExpireDue revokes every approved grant past its expiry and returns how
// many users were affected.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	emails, err := s.repo.ExpireDue(ctx, s.clock())
	if err != nil {
		return 0, err
	}
	for _, email := range emails {
		s.invalidate(ctx, email)
	}
	return len(emails), nil
}

// checkReach refuses to approve a grant on a resource whose default roles all
// rank above the approver. A wildcard key is checked against every resource
// of its type. Keys missing from the catalog are never evaluable, so they
// pass.
func (s *Service) checkReach(approver rbac.Role, rt rbac.ResourceType, key string) error {
	if s.catalog == nil {
		return nil
	}
	rank, err := s.registry.RankOf(approver)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	cat := s.catalog.Load()
	var descriptors []rbac.ResourceDescriptor
	if key == rbac.WildcardKey {
		for _, d := range cat.Descriptors() {
			if d.Type() == rt {
				descriptors = append(descriptors, d)
			}
		}
	} else if d, ok := cat.Lookup(rt, key); ok {
		descriptors = append(descriptors, d)
	}
	for _, d := range descriptors {
		if !s.reaches(cat, d, rank) {
			return fmt.Errorf("%w: %s %q is reserved for higher roles", ErrForbidden, d.Type(), d.Key())
		}
	}
	return nil
}

func (s *Service) reaches(cat *rbac.Catalog, d rbac.ResourceDescriptor, rank int) bool {
	for _, role := range s.registry.Roles() {
		r, err := s.registry.RankOf(role)
		if err != nil || r > rank {
			continue
		}
		if cat.IsRoleAllowed(d, role) {
			return true
		}
	}
	return false
}

func (s *Service) invalidate(ctx context.Context, email string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, email); err != nil {
		s.logger.Warn("grant cache invalidate", slog.String("user", email), slog.Any("error", err))
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s:%s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}
