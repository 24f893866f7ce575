package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/morezero/catalog-events/pkg/event"
	"github.com/morezero/catalog-events/pkg/rules"
)

const matcherPrefix = "router:matcher"

// Matcher evaluates every enabled subscription against incoming change
// events and enqueues one PENDING delivery attempt per matched destination.
// A subscription failing evaluation is logged and skipped; it never blocks
// other subscriptions.
type Matcher struct {
	subs      SubscriptionStore
	attempts  AttemptStore
	evaluator *rules.Evaluator
	logger    *slog.Logger

	mu     sync.Mutex
	parsed map[string]parsedRule
}

type parsedRule struct {
	source string
	expr   rules.Expr
}

func NewMatcher(subs SubscriptionStore, attempts AttemptStore, evaluator *rules.Evaluator, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		subs:      subs,
		attempts:  attempts,
		evaluator: evaluator,
		logger:    logger,
		parsed:    make(map[string]parsedRule),
	}
}

// Route matches one event against all enabled subscriptions and enqueues
// delivery attempts. offset is the event's position in the durable log.
// It returns the number of attempts enqueued.
func (m *Matcher) Route(ctx context.Context, ev *event.ChangeEvent, offset int64) (int, error) {
	subs, err := m.subs.ListEnabledSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s - list subscriptions: %w", matcherPrefix, err)
	}

	var attempts []*DeliveryAttempt
	for _, sub := range subs {
		matched, err := m.matches(ctx, sub, ev)
		if err != nil {
			m.logger.Warn("subscription evaluation failed, skipping",
				"subscription", sub.ID, "event", ev.ID, "error", err)
			continue
		}
		if !matched {
			continue
		}
		for i := range sub.Destinations {
			attempts = append(attempts, &DeliveryAttempt{
				ID:             uuid.NewString(),
				SubscriptionID: sub.ID,
				DestinationID:  sub.Destinations[i].ID,
				EventID:        ev.ID,
				EventOffset:    offset,
				Status:         StatusPending,
			})
		}
	}
	if len(attempts) == 0 {
		return 0, nil
	}
	if err := m.attempts.CreateAttempts(ctx, attempts); err != nil {
		return 0, fmt.Errorf("%s - enqueue attempts: %w", matcherPrefix, err)
	}
	return len(attempts), nil
}

// matches evaluates a subscription's filtering rules. An empty rule set
// matches every event.
func (m *Matcher) matches(ctx context.Context, sub *Subscription, ev *event.ChangeEvent) (bool, error) {
	if sub.FilteringRules == "" {
		return true, nil
	}
	expr, err := m.expr(sub)
	if err != nil {
		return false, err
	}
	return m.evaluator.Evaluate(ctx, expr, ev)
}

// expr returns the parsed rule expression, re-parsing only when the
// subscription's rule text changed.
func (m *Matcher) expr(sub *Subscription) (rules.Expr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.parsed[sub.ID]; ok && cached.source == sub.FilteringRules {
		return cached.expr, nil
	}
	expr, err := rules.Parse(sub.FilteringRules)
	if err != nil {
		return nil, fmt.Errorf("%s - parse rules for %s: %w", matcherPrefix, sub.ID, err)
	}
	m.parsed[sub.ID] = parsedRule{source: sub.FilteringRules, expr: expr}
	return expr, nil
}
