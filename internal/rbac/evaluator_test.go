package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string]Role

func (s staticResolver) ResolveRole(ctx context.Context, email string) (Role, error) {
	role, ok := s[email]
	if !ok {
		return "", ErrIdentityUnresolved
	}
	return role, nil
}

type stubGrants struct {
	mu     sync.Mutex
	grants []PermissionGrant
	err    error
	delay  time.Duration
	calls  int
}

func (s *stubGrants) GetApprovedGrants(ctx context.Context, email string, rt ResourceType) ([]PermissionGrant, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	var out []PermissionGrant
	for _, g := range s.grants {
		if g.UserEmail == email && g.ResourceType == rt {
			out = append(out, g)
		}
	}
	return out, nil
}

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestEvaluator(t testing.TB, users staticResolver, grants *stubGrants, observers ...DecisionObserver) *Evaluator {
	t.Helper()
	reg := DefaultRegistry()
	cat, err := DefaultCatalog(reg)
	require.NoError(t, err)
	ev, err := NewEvaluator(EvaluatorConfig{
		Registry:     reg,
		Catalog:      NewCatalogHolder(cat),
		Grants:       grants,
		Identity:     users,
		Observers:    observers,
		StoreTimeout: 50 * time.Millisecond,
		Clock:        func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return ev
}

func approved(email string, rt ResourceType, key string, op Operation) PermissionGrant {
	return PermissionGrant{UserEmail: email, ResourceType: rt, ResourceKey: key, Operation: op, Status: GrantApproved}
}

func TestEvaluateUnknownResourceDeniedForEveryRole(t *testing.T) {
	users := staticResolver{}
	for _, role := range DefaultRegistry().Roles() {
		users[string(role)+"@school.test"] = role
	}
	grants := &stubGrants{}
	ev := newTestEvaluator(t, users, grants)
	for email := range users {
		for _, rt := range ResourceTypes() {
			res, err := ev.Evaluate(context.Background(), EvaluationRequest{
				UserEmail: email, ResourceType: rt, Operation: OpView, ResourceKey: "does-not-exist",
			})
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, ReasonNoCatalogEntryDeny, res.Reason)
		}
	}
	assert.Zero(t, grants.calls, "unknown resources must not reach the store")
}

func TestEvaluateScenarioMemberPageWithoutGrant(t *testing.T) {
	ev := newTestEvaluator(t, staticResolver{"m@school.test": RoleMember}, &stubGrants{})
	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "m@school.test", ResourceType: ResourcePage, Operation: OpView, ResourceKey: "/org/schedule-management",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonNoGrantDeny, res.Reason)
	assert.Equal(t, RoleMember, res.Role)
	assert.Equal(t, fixedNow, res.EvaluatedAt)
}

func TestEvaluateScenarioRestrictionFloorBeatsGrant(t *testing.T) {
	grants := &stubGrants{grants: []PermissionGrant{
		approved("t@school.test", ResourceFeature, "class-activities", OpEdit),
	}}
	ev := newTestEvaluator(t, staticResolver{"t@school.test": RoleTeacher}, grants)
	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "t@school.test", ResourceType: ResourceFeature, Operation: OpEdit,
		ResourceKey: "class-activities", SubFeature: "schedule-management",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonRestrictedFeatureDeny, res.Reason)

	res, err = ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "t@school.test", ResourceType: ResourceFeature, Operation: OpEdit, ResourceKey: "class-activities",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, ReasonRoleDefaultAllow, res.Reason)
}

func TestEvaluateRestrictionFloorAppliesToGrantPath(t *testing.T) {
	grants := &stubGrants{grants: []PermissionGrant{
		approved("p@school.test", ResourceFeature, "course-management", OpEdit),
	}}
	ev := newTestEvaluator(t, staticResolver{"p@school.test": RoleMember}, grants)
	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "p@school.test", ResourceType: ResourceFeature, Operation: OpEdit,
		ResourceKey: "course-management", SubFeature: "pricing",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonRestrictedFeatureDeny, res.Reason)
}

func TestEvaluateScenarioParentWithApprovedGrant(t *testing.T) {
	grants := &stubGrants{grants: []PermissionGrant{
		approved("p@school.test", ResourceData, "students", OpView),
	}}
	ev := newTestEvaluator(t, staticResolver{"p@school.test": RoleParent}, grants)
	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "p@school.test", ResourceType: ResourceData, Operation: OpView, ResourceKey: "students",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, ReasonExplicitGrantAllow, res.Reason)

	res, err = ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "p@school.test", ResourceType: ResourceData, Operation: OpDelete, ResourceKey: "students",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed, "grant for view must not cover delete")
	assert.Equal(t, ReasonNoGrantDeny, res.Reason)
}

func TestEvaluateWildcardGrant(t *testing.T) {
	grants := &stubGrants{grants: []PermissionGrant{
		approved("p@school.test", ResourceData, WildcardKey, OpView),
	}}
	ev := newTestEvaluator(t, staticResolver{"p@school.test": RoleParent}, grants)
	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "p@school.test", ResourceType: ResourceData, Operation: OpView, ResourceKey: "payments",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, ReasonExplicitGrantAllow, res.Reason)
}

func TestEvaluateExpiredGrantNeverAllows(t *testing.T) {
	past := fixedNow.Add(-time.Minute)
	g := approved("p@school.test", ResourceData, "students", OpView)
	g.ExpiresAt = &past
	ev := newTestEvaluator(t, staticResolver{"p@school.test": RoleParent}, &stubGrants{grants: []PermissionGrant{g}})
	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "p@school.test", ResourceType: ResourceData, Operation: OpView, ResourceKey: "students",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonExpiredGrantDeny, res.Reason)
}

func TestEvaluateNonApprovedGrantIgnored(t *testing.T) {
	g := approved("p@school.test", ResourceData, "students", OpView)
	g.Status = GrantRevoked
	ev := newTestEvaluator(t, staticResolver{"p@school.test": RoleParent}, &stubGrants{grants: []PermissionGrant{g}})
	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "p@school.test", ResourceType: ResourceData, Operation: OpView, ResourceKey: "students",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonNoGrantDeny, res.Reason)
}

func TestEvaluateFailsClosedOnStoreError(t *testing.T) {
	grants := &stubGrants{err: errors.New("connection refused")}
	ev := newTestEvaluator(t, staticResolver{"p@school.test": RoleParent}, grants)
	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "p@school.test", ResourceType: ResourceData, Operation: OpView, ResourceKey: "students",
	})
	require.Error(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonStoreUnavailableDeny, res.Reason)
}

func TestEvaluateFailsClosedOnStoreTimeout(t *testing.T) {
	grants := &stubGrants{
		grants: []PermissionGrant{approved("p@school.test", ResourceData, "students", OpView)},
		delay:  time.Second,
	}
	ev := newTestEvaluator(t, staticResolver{"p@school.test": RoleParent}, grants)
	start := time.Now()
	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "p@school.test", ResourceType: ResourceData, Operation: OpView, ResourceKey: "students",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.Allowed)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEvaluateIdentityFailures(t *testing.T) {
	ev := newTestEvaluator(t, staticResolver{"ghost@school.test": Role("janitor")}, &stubGrants{})

	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "nobody@school.test", ResourceType: ResourcePage, Operation: OpView, ResourceKey: "/member/profile",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonIdentityUnresolved, res.Reason)

	res, err = ev.Evaluate(context.Background(), EvaluationRequest{
		ResourceType: ResourcePage, Operation: OpView, ResourceKey: "/member/profile",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonIdentityUnresolved, res.Reason)

	res, err = ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "ghost@school.test", ResourceType: ResourcePage, Operation: OpView, ResourceKey: "/member/profile",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRole)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonIdentityUnresolved, res.Reason)
}

func TestEvaluateInvalidOperationDenied(t *testing.T) {
	grants := &stubGrants{}
	ev := newTestEvaluator(t, staticResolver{"o@school.test": RoleOwner, "p@school.test": RoleParent}, grants)
	for _, email := range []string{"o@school.test", "p@school.test"} {
		res, err := ev.Evaluate(context.Background(), EvaluationRequest{
			UserEmail: email, ResourceType: ResourceData, Operation: "truncate", ResourceKey: "students",
		})
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonNoCatalogEntryDeny, res.Reason)
	}
	assert.Zero(t, grants.calls)
}

func TestEvaluateFoldsEmailCase(t *testing.T) {
	var seen []EvaluationRequest
	obs := ObserverFunc(func(req EvaluationRequest, res EvaluationResult) { seen = append(seen, req) })
	grants := &stubGrants{grants: []PermissionGrant{approved("alice@school.test", ResourceData, "students", OpView)}}
	ev := newTestEvaluator(t, staticResolver{"alice@school.test": RoleParent}, grants, obs)

	res, err := ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: " Alice@School.TEST ", ResourceType: ResourceData, Operation: OpView, ResourceKey: "students",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, ReasonExplicitGrantAllow, res.Reason)
	require.Len(t, seen, 1)
	assert.Equal(t, "alice@school.test", seen[0].UserEmail)
	assert.Equal(t, "alice@school.test", NormalizeEmail("ALICE@school.test"))
}

func TestEvaluateNotifiesObservers(t *testing.T) {
	var mu sync.Mutex
	var seen []EvaluationResult
	obs := ObserverFunc(func(req EvaluationRequest, res EvaluationResult) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, res)
	})
	ev := newTestEvaluator(t, staticResolver{"a@school.test": RoleAdmin}, &stubGrants{err: errors.New("down")}, obs)
	_, _ = ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: " a@school.test ", ResourceType: "PAGE", Operation: "View", ResourceKey: "/admin/students/",
	})
	_, _ = ev.Evaluate(context.Background(), EvaluationRequest{
		UserEmail: "a@school.test", ResourceType: ResourceData, Operation: OpView, ResourceKey: "nope",
	})
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Allowed)
	assert.Equal(t, ReasonRoleDefaultAllow, seen[0].Reason)
	assert.Equal(t, ReasonNoCatalogEntryDeny, seen[1].Reason)
}

func TestEvaluateConcurrentCallsAreIndependent(t *testing.T) {
	grants := &stubGrants{grants: []PermissionGrant{
		approved("p@school.test", ResourceData, "students", OpView),
	}}
	ev := newTestEvaluator(t, staticResolver{"p@school.test": RoleParent, "a@school.test": RoleAdmin}, grants)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := ev.Evaluate(context.Background(), EvaluationRequest{
				UserEmail: "p@school.test", ResourceType: ResourceData, Operation: OpView, ResourceKey: "students",
			})
			assert.NoError(t, err)
			assert.True(t, res.Allowed)
		}()
		go func() {
			defer wg.Done()
			res, err := ev.Evaluate(context.Background(), EvaluationRequest{
				UserEmail: "a@school.test", ResourceType: ResourceData, Operation: OpDelete, ResourceKey: "teachers",
			})
			assert.NoError(t, err)
			assert.True(t, res.Allowed)
		}()
	}
	wg.Wait()
}

func TestNewEvaluatorRequiresCollaborators(t *testing.T) {
	reg := DefaultRegistry()
	cat, err := DefaultCatalog(reg)
	require.NoError(t, err)
	_, err = NewEvaluator(EvaluatorConfig{Catalog: NewCatalogHolder(cat), Grants: &stubGrants{}, Identity: staticResolver{}})
	assert.Error(t, err)
	_, err = NewEvaluator(EvaluatorConfig{Registry: reg, Grants: &stubGrants{}, Identity: staticResolver{}})
	assert.Error(t, err)
	_, err = NewEvaluator(EvaluatorConfig{Registry: reg, Catalog: NewCatalogHolder(cat), Identity: staticResolver{}})
	assert.Error(t, err)
	_, err = NewEvaluator(EvaluatorConfig{Registry: reg, Catalog: NewCatalogHolder(cat), Grants: &stubGrants{}})
	assert.Error(t, err)
}
