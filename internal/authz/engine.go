package authz

import (
	"context"
	"errors"
	"fmt"

	"fintrail.org/internal/audit"
	"fintrail.org/internal/obs"
)

// ErrDenied is returned by callers that convert a deny Decision into an error.
var ErrDenied = errors.New("authz: permission denied")

// Resolver maps a client-role actor to the client it is bound to. Actors of
// other roles resolve to the empty string; the matrix never grants them Own
// scope, so that branch is unreachable for them anyway.
type Resolver interface {
	ResolveOwner(ctx context.Context, actor Actor) (string, error)
}

// Engine evaluates the static matrix plus ownership scope. It is pure with
// respect to the matrix; the only side effect is audit emission on mutating
// actions, which never blocks or fails the decision.
type Engine struct {
	resolver Resolver
	trail    audit.Recorder
}

// NewEngine builds an Engine. trail may be nil, in which case decisions are
// not recorded (tests mostly).
func NewEngine(resolver Resolver, trail audit.Recorder) *Engine {
	return &Engine{resolver: resolver, trail: trail}
}

// Evaluate answers whether actor may perform action on the resource kind.
// ownerID identifies the owning client of the concrete resource instance and
// is only consulted for Own-scoped grants.
func (e *Engine) Evaluate(ctx context.Context, actor Actor, action Action, resource Resource, ownerID string) Decision {
	scope := Lookup(actor.Role, resource, action)

	allowed := false
	switch scope {
	case ScopeAll:
		allowed = true
	case ScopeOwn:
		allowed = e.ownsResource(ctx, actor, ownerID)
	}

	decision := Decision{Allowed: allowed, Scope: scope}
	if action.Mutating() {
		e.record(ctx, actor, action, resource, ownerID, decision)
	}

	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	obs.CountAuthzDecision(string(resource), string(action), outcome)
	return decision
}

// Narrow answers how a collection read must be filtered for the actor:
// ScopeAll reads everything, ScopeOwn is restricted to the returned client id,
// ScopeNone is a deny. Collection reads are not audited.
func (e *Engine) Narrow(ctx context.Context, actor Actor, resource Resource) (Decision, string, error) {
	scope := Lookup(actor.Role, resource, ActionRead)
	switch scope {
	case ScopeAll:
		return Decision{Allowed: true, Scope: scope}, "", nil
	case ScopeOwn:
		if e.resolver == nil {
			return Decision{Allowed: false, Scope: scope}, "", nil
		}
		owner, err := e.resolver.ResolveOwner(ctx, actor)
		if err != nil {
			return Decision{Allowed: false, Scope: scope}, "", err
		}
		if owner == "" {
			return Decision{Allowed: false, Scope: scope}, "", nil
		}
		return Decision{Allowed: true, Scope: scope}, owner, nil
	default:
		return Decision{Allowed: false, Scope: scope}, "", nil
	}
}

func (e *Engine) ownsResource(ctx context.Context, actor Actor, ownerID string) bool {
	if ownerID == "" || e.resolver == nil {
		return false
	}
	owner, err := e.resolver.ResolveOwner(ctx, actor)
	if err != nil || owner == "" {
		return false
	}
	return owner == ownerID
}

// record appends the decision to the trail. The append is best effort: a
// failed write is surfaced to the operational log and the decision stands.
func (e *Engine) record(ctx context.Context, actor Actor, action Action, resource Resource, ownerID string, d Decision) {
	if e.trail == nil {
		return
	}
	outcome := audit.OutcomeDenied
	if d.Allowed {
		outcome = audit.OutcomeAllowed
	}
	entry := &audit.Entry{
		ActorID:    actor.ID,
		Action:     string(action),
		Resource:   string(resource),
		ResourceID: ownerID,
		Outcome:    outcome,
		Detail:     fmt.Sprintf("role=%s scope=%s", actor.Role, d.Scope),
	}
	if err := e.trail.Append(ctx, entry); err != nil {
		obs.LogError("authz.audit", err, map[string]any{
			"actor_id": actor.ID,
			"action":   string(action),
			"resource": string(resource),
		})
	}
}
