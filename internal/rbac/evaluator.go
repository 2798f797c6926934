package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// RoleResolver maps a user to the single role active for this request.
// Implementations return ErrIdentityUnresolved when the user is unknown.
type RoleResolver interface {
	ResolveRole(ctx context.Context, userEmail string) (Role, error)
}

// GrantSource returns approved, unexpired grants of a user for one resource
// type.
type GrantSource interface {
	GetApprovedGrants(ctx context.Context, userEmail string, resourceType ResourceType) ([]PermissionGrant, error)
}

// DecisionObserver is notified after every decision. Observers must not
// block.
type DecisionObserver interface {
	Observe(req EvaluationRequest, res EvaluationResult)
}

// ObserverFunc adapts a function to DecisionObserver.
type ObserverFunc func(req EvaluationRequest, res EvaluationResult)

// Observe calls f.
func (f ObserverFunc) Observe(req EvaluationRequest, res EvaluationResult) { f(req, res) }

// EvaluatorConfig collects the evaluator's collaborators.
type EvaluatorConfig struct {
	Registry     *Registry
	Catalog      *CatalogHolder
	Grants       GrantSource
	Identity     RoleResolver
	Observers    []DecisionObserver
	Logger       *slog.Logger
	StoreTimeout time.Duration
	Clock        func() time.Time
}

// Evaluator is the single entry point for permission decisions. It owns no
// mutable state and is safe for concurrent use.
type Evaluator struct {
	registry     *Registry
	catalog      *CatalogHolder
	grants       GrantSource
	identity     RoleResolver
	observers    []DecisionObserver
	logger       *slog.Logger
	storeTimeout time.Duration
	clock        func() time.Time
}

// NewEvaluator validates cfg and builds an Evaluator.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("rbac: evaluator requires a registry")
	}
	if cfg.Catalog == nil || cfg.Catalog.Load() == nil {
		return nil, errors.New("rbac: evaluator requires a catalog")
	}
	if cfg.Grants == nil {
		return nil, errors.New("rbac: evaluator requires a grant source")
	}
	if cfg.Identity == nil {
		return nil, errors.New("rbac: evaluator requires a role resolver")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Evaluator{
		registry:     cfg.Registry,
		catalog:      cfg.Catalog,
		grants:       cfg.Grants,
		identity:     cfg.Identity,
		observers:    cfg.Observers,
		logger:       logger,
		storeTimeout: timeout,
		clock:        clock,
	}, nil
}

// Registry exposes the role registry the evaluator decides with.
func (e *Evaluator) Registry() *Registry { return e.registry }

// Evaluate decides req. Every path yields a result; a non-nil error marks an
// infrastructure or configuration failure and the result is always a deny.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluationRequest) (EvaluationResult, error) {
	req = normalizeRequest(req)
	res, err := e.decide(ctx, req)
	res.EvaluatedAt = e.clock()
	if err != nil {
		res.Allowed = false
	}
	for _, o := range e.observers {
		o.Observe(req, res)
	}
	return res, err
}

func (e *Evaluator) decide(ctx context.Context, req EvaluationRequest) (EvaluationResult, error) {
	if req.UserEmail == "" {
		return deny(ReasonIdentityUnresolved, ""), nil
	}
	role, err := e.identity.ResolveRole(ctx, req.UserEmail)
	if err != nil {
		if errors.Is(err, ErrIdentityUnresolved) {
			return deny(ReasonIdentityUnresolved, ""), nil
		}
		e.logger.Error("rbac resolve role", slog.String("user", req.UserEmail), slog.Any("error", err))
		return deny(ReasonIdentityUnresolved, ""), fmt.Errorf("rbac: resolve role: %w", err)
	}
	if !e.registry.Has(role) {
		err := &UnknownRoleError{Role: string(role)}
		e.logger.Error("rbac unknown role from identity source",
			slog.String("user", req.UserEmail),
			slog.String("role", string(role)),
		)
		return deny(ReasonIdentityUnresolved, ""), err
	}

	// The catalog covers only the four operations, so anything else has no
	// entry to match.
	if !req.Operation.Valid() {
		return deny(ReasonNoCatalogEntryDeny, role), nil
	}
	catalog := e.catalog.Load()
	descriptor, ok := catalog.Lookup(req.ResourceType, req.ResourceKey)
	if !ok {
		return deny(ReasonNoCatalogEntryDeny, role), nil
	}
	if req.SubFeature != "" && catalog.IsFeatureRestrictedForRole(descriptor, role, req.SubFeature) {
		return deny(ReasonRestrictedFeatureDeny, role), nil
	}
	if catalog.IsRoleAllowed(descriptor, role) {
		return allow(ReasonRoleDefaultAllow, role), nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	grants, err := e.grants.GetApprovedGrants(lookupCtx, req.UserEmail, req.ResourceType)
	if err != nil {
		e.logger.Warn("rbac grant lookup failed, denying",
			slog.String("user", req.UserEmail),
			slog.String("resource_type", string(req.ResourceType)),
			slog.String("resource_key", req.ResourceKey),
			slog.Any("error", err),
		)
		return deny(ReasonStoreUnavailableDeny, role), fmt.Errorf("rbac: load grants: %w", err)
	}
	now := e.clock()
	expired := false
	for _, g := range grants {
		if !g.Matches(descriptor.Key(), req.Operation) {
			continue
		}
		if g.ActiveAt(now) {
			return allow(ReasonExplicitGrantAllow, role), nil
		}
		if g.ExpiredAt(now) {
			expired = true
		}
	}
	if expired {
		return deny(ReasonExpiredGrantDeny, role), nil
	}
	return deny(ReasonNoGrantDeny, role), nil
}

func normalizeRequest(req EvaluationRequest) EvaluationRequest {
	req.UserEmail = NormalizeEmail(req.UserEmail)
	req.ResourceType = ResourceType(strings.TrimSpace(strings.ToLower(string(req.ResourceType))))
	req.Operation = Operation(strings.TrimSpace(strings.ToLower(string(req.Operation))))
	req.ResourceKey = NormalizeKey(req.ResourceType, req.ResourceKey)
	req.SubFeature = strings.TrimSpace(req.SubFeature)
	return req
}

// NormalizeEmail trims and case-folds an email address so every lookup and
// usage record agrees on one spelling.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

func allow(reason Reason, role Role) EvaluationResult {
	return EvaluationResult{Allowed: true, Reason: reason, Role: role}
}

func deny(reason Reason, role Role) EvaluationResult {
	return EvaluationResult{Allowed: false, Reason: reason, Role: role}
}
