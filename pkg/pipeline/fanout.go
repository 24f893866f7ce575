package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/catalog-events/pkg/event"
	"github.com/morezero/catalog-events/pkg/search"
)

const fanoutLogPrefix = "pipeline:fanout"

// fanOut hands a recorded event to the asynchronous paths. Every step is
// isolated: a failure is logged and the remaining steps still run.
func (p *Pipeline) fanOut(ctx context.Context, ev *event.ChangeEvent, offset int64) {
	if err := p.publisher.PublishChanged(ctx, ev); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish event %s (offset %d): %v",
			fanoutLogPrefix, ev.ID, offset, err))
	}

	if p.router != nil {
		if _, err := p.router.Route(ctx, ev, offset); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to route event %s (offset %d) to subscriptions: %v",
				fanoutLogPrefix, ev.ID, offset, err))
		}
	}

	if ops := search.Plan(ev); len(ops) > 0 {
		if err := p.store.EnqueueOps(ctx, ops); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to enqueue %d index sync ops for event %s: %v",
				fanoutLogPrefix, len(ops), ev.ID, err))
		}
	}

	p.publishThreads(ctx, ev)
	p.invalidateSubjects(ev)
	p.triggerWorkflow(ctx, ev)
}

// publishThreads renders feed threads for feed-visible entity types. The
// feed is a derived side channel; failures never fail the mutation.
func (p *Pipeline) publishThreads(ctx context.Context, ev *event.ChangeEvent) {
	if !p.config.FeedVisibleTypes[ev.EntityType] {
		return
	}
	for _, thread := range event.Threads(ev) {
		if err := p.feed.PublishThread(ctx, thread); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to publish feed thread for %s field %s: %v",
				fanoutLogPrefix, ev.EntityFQN, thread.Field, err))
		}
	}
}

// invalidateSubjects drops the mutated user or team from the rule
// evaluator's owner cache so renamed owners resolve freshly.
func (p *Pipeline) invalidateSubjects(ev *event.ChangeEvent) {
	if p.subjects == nil {
		return
	}
	if ev.EntityType == "user" || ev.EntityType == "team" {
		p.subjects.Invalidate(ev.EntityID)
	}
}

// triggerWorkflow emits a governance workflow trigger after lifecycle
// events, best-effort.
func (p *Pipeline) triggerWorkflow(ctx context.Context, ev *event.ChangeEvent) {
	if p.config.WorkflowName == "" {
		return
	}
	switch ev.EventType {
	case event.EntityCreated, event.EntitySoftDeleted, event.EntityDeleted:
	default:
		return
	}
	vars := map[string]interface{}{
		"entityId":   ev.EntityID,
		"entityType": ev.EntityType,
		"entityFQN":  ev.EntityFQN,
		"eventType":  string(ev.EventType),
	}
	if err := p.orchestrator.Trigger(ctx, p.config.WorkflowName, vars); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to trigger workflow %s for event %s: %v",
			fanoutLogPrefix, p.config.WorkflowName, ev.ID, err))
	}
}
