package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

type stubEvaluator struct {
	last    rbac.EvaluationRequest
	result  rbac.EvaluationResult
	err     error
	release chan struct{}
}

func (s *stubEvaluator) Evaluate(ctx context.Context, req rbac.EvaluationRequest) (rbac.EvaluationResult, error) {
	if s.release != nil {
		<-s.release
	}
	s.last = req
	return s.result, s.err
}

func TestGuardHelpersBuildRequests(t *testing.T) {
	eval := &stubEvaluator{result: rbac.EvaluationResult{Allowed: true, Reason: rbac.ReasonRoleDefaultAllow}}
	g := New(eval)
	ctx := identity.WithPrincipal(context.Background(), identity.Principal{Email: "guru@school.test", Role: rbac.RoleTeacher})

	d := g.Page(ctx, "/org/attendance")
	assert.True(t, d.Allowed())
	assert.Equal(t, rbac.EvaluationRequest{UserEmail: "guru@school.test", ResourceType: rbac.ResourcePage, Operation: rbac.OpView, ResourceKey: "/org/attendance"}, eval.last)

	g.Feature(ctx, "attendance", rbac.OpEdit)
	assert.Equal(t, rbac.ResourceFeature, eval.last.ResourceType)
	assert.Equal(t, rbac.OpEdit, eval.last.Operation)

	g.Data(ctx, "students", rbac.OpDelete)
	assert.Equal(t, rbac.ResourceData, eval.last.ResourceType)

	g.Action(ctx, "class-activities", "schedule-management", rbac.OpCreate)
	assert.Equal(t, "schedule-management", eval.last.SubFeature)
	assert.Equal(t, "class-activities", eval.last.ResourceKey)

	g.Display(ctx, rbac.ResourceData, "courses")
	assert.Equal(t, rbac.OpView, eval.last.Operation)
}

func TestGuardErrorIsDenied(t *testing.T) {
	eval := &stubEvaluator{
		result: rbac.EvaluationResult{Allowed: true},
		err:    errors.New("store down"),
	}
	d := New(eval).Data(context.Background(), "students", rbac.OpView)
	assert.Equal(t, StateDenied, d.State)
	assert.Error(t, d.Err)
}

func TestPendingIsNeitherAllowNorDeny(t *testing.T) {
	eval := &stubEvaluator{
		result:  rbac.EvaluationResult{Allowed: true, Reason: rbac.ReasonRoleDefaultAllow},
		release: make(chan struct{}),
	}
	p := New(eval).Start(context.Background(), rbac.EvaluationRequest{UserEmail: "a@school.test"})
	assert.Equal(t, StatePending, p.State())
	assert.Equal(t, "loading", Render(p.State(), "content", "denied", "loading"))

	close(eval.release)
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("decision did not settle")
	}
	assert.Equal(t, StateAllowed, p.State())
	assert.Equal(t, "content", Render(p.State(), "content", "denied", "loading"))
	assert.True(t, p.Wait(context.Background()).Allowed())
}

func TestPendingWaitCancelledDenies(t *testing.T) {
	eval := &stubEvaluator{release: make(chan struct{})}
	p := New(eval).Start(context.Background(), rbac.EvaluationRequest{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := p.Wait(ctx)
	require.Equal(t, StateDenied, d.State)
	assert.ErrorIs(t, d.Err, context.Canceled)
	close(eval.release)
}

func TestChooseDenied(t *testing.T) {
	assert.Equal(t, DeniedNotice, Render(StateDenied, "secret", DeniedNotice, "..."))
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "denied", StateDenied.String())
}
