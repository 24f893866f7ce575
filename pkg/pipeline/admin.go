package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/morezero/catalog-events/pkg/db"
	"github.com/morezero/catalog-events/pkg/router"
	"github.com/morezero/catalog-events/pkg/rules"
)

const adminLogPrefix = "pipeline:admin"

const maxEventPageSize = 500

// ListEvents returns events from the durable log after the given offset, for
// replaying fan-out. Limit is capped at 500.
func (p *Pipeline) ListEvents(ctx context.Context, after int64, limit int) ([]db.StoredEvent, error) {
	if limit <= 0 || limit > maxEventPageSize {
		limit = maxEventPageSize
	}
	events, err := p.store.ListEventsAfter(ctx, after, limit)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - list events after %d failed: %v", adminLogPrefix, after, err))
		return nil, NewPipelineError(CodeInternalError, "failed to list events")
	}
	return events, nil
}

// UpsertSubscription validates and stores a subscription. The filtering
// rules must parse; destinations get ids assigned when missing, and
// zero-valued retry and batch tuning falls back to the schema defaults.
func (p *Pipeline) UpsertSubscription(ctx context.Context, sub *router.Subscription) (*router.Subscription, error) {
	if sub == nil || sub.Name == "" {
		return nil, NewPipelineError(CodeInvalidArgument, "subscription name is required")
	}
	if len(sub.Destinations) == 0 {
		return nil, NewPipelineError(CodeInvalidArgument, "at least one destination is required")
	}
	if sub.FilteringRules != "" {
		if _, err := rules.Parse(sub.FilteringRules); err != nil {
			return nil, &PipelineError{
				Code:    CodeInvalidArgument,
				Message: "filteringRules do not parse",
				Details: err.Error(),
			}
		}
	}
	for i := range sub.Destinations {
		d := &sub.Destinations[i]
		if d.Endpoint == "" {
			return nil, NewPipelineError(CodeInvalidArgument, fmt.Sprintf("destination %d has no endpoint", i))
		}
		if d.Kind == "" {
			d.Kind = router.DestinationWebhook
		}
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.ApplyDefaults()

	if err := p.store.UpsertSubscription(ctx, sub); err != nil {
		slog.Error(fmt.Sprintf("%s - upsert subscription %s failed: %v", adminLogPrefix, sub.Name, err))
		return nil, NewPipelineError(CodeInternalError, "failed to store subscription")
	}
	return sub, nil
}

// ListSubscriptions returns all subscriptions, enabled or not.
func (p *Pipeline) ListSubscriptions(ctx context.Context) ([]*router.Subscription, error) {
	subs, err := p.store.ListSubscriptions(ctx)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - list subscriptions failed: %v", adminLogPrefix, err))
		return nil, NewPipelineError(CodeInternalError, "failed to list subscriptions")
	}
	return subs, nil
}
