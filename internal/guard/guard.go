// Package guard is the declarative surface UI code uses to protect pages,
// features, data, action buttons and display fragments. Every guard funnels
// into rbac.Evaluator.Evaluate.
package guard

import (
	"context"

	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

// DeniedNotice is the generic text shown instead of protected content. The
// reason code is never shown to end users.
const DeniedNotice = "You do not have permission to access this content."

// Evaluator decides permission requests.
type Evaluator interface {
	Evaluate(ctx context.Context, req rbac.EvaluationRequest) (rbac.EvaluationResult, error)
}

// State is the render state of a guard.
type State int

const (
	// StatePending means the decision is still in flight. It is neither allow
	// nor deny.
	StatePending State = iota
	StateAllowed
	StateDenied
)

func (s State) String() string {
	switch s {
	case StateAllowed:
		return "allowed"
	case StateDenied:
		return "denied"
	default:
		return "pending"
	}
}

// Decision is a settled guard outcome.
type Decision struct {
	State  State
	Reason rbac.Reason
	Err    error
}

// Allowed reports whether protected content may render.
func (d Decision) Allowed() bool { return d.State == StateAllowed }

func settle(res rbac.EvaluationResult, err error) Decision {
	if err != nil || !res.Allowed {
		return Decision{State: StateDenied, Reason: res.Reason, Err: err}
	}
	return Decision{State: StateAllowed, Reason: res.Reason}
}

// Guard evaluates guard points for the principal carried by the context.
type Guard struct {
	eval Evaluator
}

// New builds a Guard.
func New(eval Evaluator) *Guard {
	return &Guard{eval: eval}
}

// Check evaluates req. An empty UserEmail is filled from the context
// principal.
func (g *Guard) Check(ctx context.Context, req rbac.EvaluationRequest) Decision {
	if req.UserEmail == "" {
		if p, ok := identity.FromContext(ctx); ok {
			req.UserEmail = p.Email
		}
	}
	return settle(g.eval.Evaluate(ctx, req))
}

// Page guards viewing a routed page.
func (g *Guard) Page(ctx context.Context, path string) Decision {
	return g.Check(ctx, rbac.EvaluationRequest{ResourceType: rbac.ResourcePage, Operation: rbac.OpView, ResourceKey: path})
}

// Feature guards an operation on a feature.
func (g *Guard) Feature(ctx context.Context, key string, op rbac.Operation) Decision {
	return g.Check(ctx, rbac.EvaluationRequest{ResourceType: rbac.ResourceFeature, Operation: op, ResourceKey: key})
}

// Data guards an operation on a data collection.
func (g *Guard) Data(ctx context.Context, key string, op rbac.Operation) Decision {
	return g.Check(ctx, rbac.EvaluationRequest{ResourceType: rbac.ResourceData, Operation: op, ResourceKey: key})
}

// Action guards an action button that targets a sub-feature of a feature.
func (g *Guard) Action(ctx context.Context, feature, subFeature string, op rbac.Operation) Decision {
	return g.Check(ctx, rbac.EvaluationRequest{
		ResourceType: rbac.ResourceFeature,
		Operation:    op,
		ResourceKey:  feature,
		SubFeature:   subFeature,
	})
}

// Display guards a read-only fragment of any resource type.
func (g *Guard) Display(ctx context.Context, rt rbac.ResourceType, key string) Decision {
	return g.Check(ctx, rbac.EvaluationRequest{ResourceType: rt, Operation: rbac.OpView, ResourceKey: key})
}

// Pending is an in-flight decision.
type Pending struct {
	done     chan struct{}
	decision Decision
}

// Start evaluates req in the background. Until it settles, State reports
// StatePending.
func (g *Guard) Start(ctx context.Context, req rbac.EvaluationRequest) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		p.decision = g.Check(ctx, req)
		close(p.done)
	}()
	return p
}

// State reports the current render state without blocking.
func (p *Pending) State() State {
	select {
	case <-p.done:
		return p.decision.State
	default:
		return StatePending
	}
}

// Done is closed once the decision settles.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the decision settles or ctx ends. A cancelled wait
// yields a denial.
func (p *Pending) Wait(ctx context.Context) Decision {
	select {
	case <-p.done:
		return p.decision
	case <-ctx.Done():
		return Decision{State: StateDenied, Err: ctx.Err()}
	}
}

// Render picks the content for state: allowed content, the fallback on
// deny, or the loading placeholder while pending.
func Render[T any](state State, allowed, fallback, loading T) T {
	switch state {
	case StateAllowed:
		return allowed
	case StateDenied:
		return fallback
	default:
		return loading
	}
}
