package rules

import (
	"context"
	"fmt"

	"github.com/morezero/catalog-events/pkg/event"
)

const evalLogPrefix = "rules:functions"

// SubjectLookup is the read-only owner/team snapshot the evaluator resolves
// owner references against.
type SubjectLookup interface {
	UserByID(ctx context.Context, id string) (*Subject, bool)
	TeamByID(ctx context.Context, id string) (*Subject, bool)
}

// Evaluator evaluates filter expressions against change events. Evaluation
// is pure given the event and the subject lookup; it is safe to run
// concurrently across subscriptions for the same event.
type Evaluator struct {
	lookup SubjectLookup
}

// NewEvaluator creates an Evaluator. lookup may be nil when no expression in
// use resolves owners.
func NewEvaluator(lookup SubjectLookup) *Evaluator {
	return &Evaluator{lookup: lookup}
}

// Evaluate runs a parsed expression against one event. Absent or null event
// data makes the match functions return false rather than error; only
// unknown function names error.
func (e *Evaluator) Evaluate(ctx context.Context, expr Expr, ev *event.ChangeEvent) (bool, error) {
	return expr.eval(func(name string, args []string) (bool, error) {
		return e.call(ctx, name, args, ev)
	})
}

// EvaluateString parses and evaluates a textual expression.
func (e *Evaluator) EvaluateString(ctx context.Context, input string, ev *event.ChangeEvent) (bool, error) {
	expr, err := Parse(input)
	if err != nil {
		return false, err
	}
	return e.Evaluate(ctx, expr, ev)
}

func (e *Evaluator) call(ctx context.Context, name string, args []string, ev *event.ChangeEvent) (bool, error) {
	switch name {
	case "matchAnySource":
		return e.matchAnySource(ev, args), nil
	case "matchAnyOwnerName":
		return e.matchAnyOwnerName(ctx, ev, args), nil
	case "matchAnyEntityFqn":
		return e.matchAnyEntityFqn(ev, args), nil
	case "matchAnyEntityId":
		return e.matchAnyEntityId(ev, args), nil
	case "matchAnyEventType":
		return e.matchAnyEventType(ev, args), nil
	default:
		return false, fmt.Errorf("%s - unknown function %q", evalLogPrefix, name)
	}
}

// matchAnySource matches the event's entity type against the argument list.
func (e *Evaluator) matchAnySource(ev *event.ChangeEvent, sources []string) bool {
	if ev == nil {
		return false
	}
	return containsString(sources, ev.EntityType)
}

// matchAnyOwnerName resolves the entity's owner reference to a user or team
// and compares names.
func (e *Evaluator) matchAnyOwnerName(ctx context.Context, ev *event.ChangeEvent, names []string) bool {
	if ev == nil || ev.Entity == nil || e.lookup == nil {
		return false
	}
	owner := event.OwnerOf(ev.Entity)
	if owner == nil {
		return false
	}
	var subject *Subject
	var found bool
	switch owner.Type {
	case "user":
		subject, found = e.lookup.UserByID(ctx, owner.ID)
	case "team":
		subject, found = e.lookup.TeamByID(ctx, owner.ID)
	}
	if !found || subject == nil {
		return false
	}
	return containsString(names, subject.Name)
}

func (e *Evaluator) matchAnyEntityFqn(ev *event.ChangeEvent, fqns []string) bool {
	if ev == nil || ev.EntityFQN == "" {
		return false
	}
	return containsString(fqns, ev.EntityFQN)
}

func (e *Evaluator) matchAnyEntityId(ev *event.ChangeEvent, ids []string) bool {
	if ev == nil || ev.EntityID == "" {
		return false
	}
	return containsString(ids, ev.EntityID)
}

func (e *Evaluator) matchAnyEventType(ev *event.ChangeEvent, types []string) bool {
	if ev == nil {
		return false
	}
	return containsString(types, string(ev.EventType))
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
