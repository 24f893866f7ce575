package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/catalog-events/pkg/changeset"
	"github.com/morezero/catalog-events/pkg/db"
	"github.com/morezero/catalog-events/pkg/event"
	"github.com/morezero/catalog-events/pkg/rules"
	"github.com/morezero/catalog-events/pkg/version"
	"github.com/morezero/catalog-events/pkg/workflow"
)

const pipelineLogPrefix = "pipeline:pipeline"

// Config holds pipeline configuration.
type Config struct {
	// FeedVisibleTypes lists the entity types whose changes render into
	// activity-feed threads.
	FeedVisibleTypes map[string]bool
	// WorkflowName is the governance workflow triggered after entity
	// lifecycle events. Empty disables workflow triggering.
	WorkflowName string
}

// Pipeline is the change-tracking service: it records mutations, stamps
// versions, appends change events to the durable log, and hands them to the
// asynchronous fan-out paths.
type Pipeline struct {
	store        Store
	classifier   *version.Classifier
	publisher    event.Publisher
	feed         event.FeedPublisher
	subjects     *rules.SubjectCache
	orchestrator workflow.Orchestrator
	router       EventRouter
	config       Config

	now func() time.Time
}

// NewPipelineParams holds parameters for NewPipeline.
type NewPipelineParams struct {
	Store        Store
	Classifier   *version.Classifier
	Publisher    event.Publisher
	Feed         event.FeedPublisher
	Subjects     *rules.SubjectCache
	Orchestrator workflow.Orchestrator
	// Router, when set, enqueues delivery attempts for matching
	// subscriptions during fan-out.
	Router EventRouter
	Config Config
}

// NewPipeline creates a new Pipeline. Publisher, Feed and Orchestrator
// default to no-ops when nil.
func NewPipeline(params NewPipelineParams) *Pipeline {
	pub := params.Publisher
	if pub == nil {
		pub = &event.NoOpPublisher{}
	}
	feed := params.Feed
	if feed == nil {
		feed = event.NoOpFeed{}
	}
	orch := params.Orchestrator
	if orch == nil {
		orch = workflow.NoOpOrchestrator{}
	}
	return &Pipeline{
		store:        params.Store,
		classifier:   params.Classifier,
		publisher:    pub,
		feed:         feed,
		subjects:     params.Subjects,
		orchestrator: orch,
		router:       params.Router,
		config:       params.Config,
		now:          time.Now,
	}
}

// Lookup reports whether an entity exists, with its current version and
// snapshot. Absence is a result value, not an error.
func (p *Pipeline) Lookup(ctx context.Context, entityID string) (*LookupResult, error) {
	if entityID == "" {
		return nil, NewPipelineError(CodeInvalidArgument, "entityId is required")
	}
	rec, found, err := p.store.GetEntity(ctx, entityID)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - lookup %s failed: %v", pipelineLogPrefix, entityID, err))
		return nil, NewPipelineError(CodeInternalError, "failed to look up entity")
	}
	if !found {
		return &LookupResult{Found: false}, nil
	}
	snapshot, err := decodeSnapshot(rec.Snapshot)
	if err != nil {
		return nil, NewPipelineError(CodeInternalError, "stored snapshot is not valid JSON")
	}
	ver := version.EntityVersion{Major: rec.Major, Minor: rec.Minor}
	return &LookupResult{Found: true, Version: ver.String(), Deleted: rec.Deleted, Entity: snapshot}, nil
}

// RecordMutation executes the synchronous pipeline for one completed
// mutation: diff against the stored snapshot, bump the version, build the
// change event, and append it to the durable log before returning. Fan-out
// to delivery and index sync is handed off afterwards and cannot fail the
// mutation.
func (p *Pipeline) RecordMutation(ctx context.Context, in *MutationInput) (*MutationResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.Updated != nil {
		if _, ok := in.Updated["id"]; !ok {
			in.Updated["id"] = in.EntityID
		}
	}

	switch in.Operation {
	case event.OpRead:
		return &MutationResult{NoOp: true}, nil
	case event.OpFieldsChanged:
		return p.recordPrepackaged(ctx, in)
	case event.OpHardDelete:
		return p.recordHardDelete(ctx, in)
	case event.OpCreate, event.OpUpdate, event.OpPatch:
		return p.recordWrite(ctx, in)
	default:
		return nil, NewPipelineError(CodeInvalidArgument, fmt.Sprintf("unknown operation %q", in.Operation))
	}
}

// recordWrite handles create, update and patch. Create-vs-update is decided
// by an explicit lookup: a create of an existing entity proceeds as an
// update, an update of a missing entity is NOT_FOUND.
func (p *Pipeline) recordWrite(ctx context.Context, in *MutationInput) (*MutationResult, error) {
	rec, found, err := p.store.GetEntity(ctx, in.EntityID)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - lookup %s failed: %v", pipelineLogPrefix, in.EntityID, err))
		return nil, NewPipelineError(CodeInternalError, "failed to look up entity")
	}
	if !found {
		if in.Operation != event.OpCreate {
			return nil, NewPipelineError(CodeNotFound, fmt.Sprintf("entity %s not found", in.EntityID))
		}
		return p.create(ctx, in)
	}
	return p.update(ctx, in, rec)
}

func (p *Pipeline) create(ctx context.Context, in *MutationInput) (*MutationResult, error) {
	ver := version.Initial
	rec, err := p.entityRecord(in, ver)
	if err != nil {
		return nil, err
	}
	if err := p.store.InsertEntity(ctx, rec); err != nil {
		slog.Error(fmt.Sprintf("%s - insert %s failed: %v", pipelineLogPrefix, in.EntityID, err))
		return nil, NewPipelineError(CodeInternalError, "failed to store entity")
	}

	ev := event.Build(event.Mutation{
		Operation:      event.OpCreate,
		EntityType:     in.EntityType,
		Updated:        in.Updated,
		CurrentVersion: ver.String(),
		UserName:       in.UserName,
	}, p.now())
	return p.record(ctx, ev, ver.String()), nil
}

func (p *Pipeline) update(ctx context.Context, in *MutationInput, rec *db.EntityRecord) (*MutationResult, error) {
	previous, err := decodeSnapshot(rec.Snapshot)
	if err != nil {
		return nil, NewPipelineError(CodeInternalError, "stored snapshot is not valid JSON")
	}

	cs := changeset.Diff(previous, in.Updated, changeset.Options{Matchers: in.Matchers})
	oldVer := version.EntityVersion{Major: rec.Major, Minor: rec.Minor}
	newVer, bumped := p.classifier.Bump(in.EntityType, oldVer, &cs)
	if !bumped {
		return &MutationResult{NoOp: true, Version: oldVer.String()}, nil
	}

	updated, err := p.entityRecord(in, newVer)
	if err != nil {
		return nil, err
	}
	if err := p.store.UpdateEntity(ctx, updated, oldVer.Major, oldVer.Minor); err != nil {
		if errors.Is(err, db.ErrVersionConflict) {
			return nil, NewPipelineError(CodeVersionConflict,
				fmt.Sprintf("entity %s moved past version %s; retry with fresh data", in.EntityID, oldVer))
		}
		slog.Error(fmt.Sprintf("%s - update %s failed: %v", pipelineLogPrefix, in.EntityID, err))
		return nil, NewPipelineError(CodeInternalError, "failed to store entity")
	}

	ev := event.Build(event.Mutation{
		Operation:       in.Operation,
		EntityType:      in.EntityType,
		Updated:         in.Updated,
		ChangeSet:       &cs,
		PreviousVersion: oldVer.String(),
		CurrentVersion:  newVer.String(),
		UserName:        in.UserName,
	}, p.now())
	return p.record(ctx, ev, newVer.String()), nil
}

// recordHardDelete removes the entity. No new version is produced; the event
// carries the pre-delete version.
func (p *Pipeline) recordHardDelete(ctx context.Context, in *MutationInput) (*MutationResult, error) {
	rec, found, err := p.store.GetEntity(ctx, in.EntityID)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - lookup %s failed: %v", pipelineLogPrefix, in.EntityID, err))
		return nil, NewPipelineError(CodeInternalError, "failed to look up entity")
	}
	if !found {
		return nil, NewPipelineError(CodeNotFound, fmt.Sprintf("entity %s not found", in.EntityID))
	}

	snapshot := in.Updated
	if snapshot == nil {
		if snapshot, err = decodeSnapshot(rec.Snapshot); err != nil {
			return nil, NewPipelineError(CodeInternalError, "stored snapshot is not valid JSON")
		}
	}
	if err := p.store.DeleteEntity(ctx, in.EntityID); err != nil {
		slog.Error(fmt.Sprintf("%s - delete %s failed: %v", pipelineLogPrefix, in.EntityID, err))
		return nil, NewPipelineError(CodeInternalError, "failed to delete entity")
	}

	ver := version.EntityVersion{Major: rec.Major, Minor: rec.Minor}
	ev := event.Build(event.Mutation{
		Operation:       event.OpHardDelete,
		EntityType:      in.EntityType,
		Updated:         snapshot,
		PreviousVersion: ver.String(),
		UserName:        in.UserName,
	}, p.now())
	return p.record(ctx, ev, ver.String()), nil
}

// recordPrepackaged passes a field-scoped event (follow/unfollow) through
// unchanged. No entity write and no version bump.
func (p *Pipeline) recordPrepackaged(ctx context.Context, in *MutationInput) (*MutationResult, error) {
	if in.Prepackaged == nil {
		return nil, NewPipelineError(CodeInvalidArgument, "fieldsChanged mutations require a prepackaged event")
	}
	ev := event.Build(event.Mutation{Operation: event.OpFieldsChanged, Prepackaged: in.Prepackaged}, p.now())
	return p.record(ctx, ev, ev.CurrentVersion), nil
}

// record appends the event to the durable log and hands it to fan-out. A
// failed append is logged and flagged, never returned: the primary write
// already succeeded.
func (p *Pipeline) record(ctx context.Context, ev *event.ChangeEvent, ver string) *MutationResult {
	res := &MutationResult{Version: ver, Event: ev}
	if ev == nil {
		res.NoOp = true
		return res
	}

	offset, err := p.store.AppendEvent(ctx, ev)
	if err != nil {
		// The audit trail now has a gap; flag loudly but do not fail the
		// mutation. Fan-out is skipped: consumers replay from the log,
		// and an unlogged event has nothing to replay from.
		slog.Error(fmt.Sprintf("%s - ALERT failed to append event %s for %s %s: %v",
			pipelineLogPrefix, ev.ID, ev.EntityType, ev.EntityID, err))
		return res
	}
	res.EventOffset = offset
	res.EventRecorded = true
	p.fanOut(ctx, ev, offset)
	return res
}

func (p *Pipeline) entityRecord(in *MutationInput, ver version.EntityVersion) (*db.EntityRecord, error) {
	snapshot, err := json.Marshal(in.Updated)
	if err != nil {
		return nil, NewPipelineError(CodeInvalidArgument, "entity snapshot is not serializable")
	}
	fqn, _ := in.Updated["fullyQualifiedName"].(string)
	if fqn == "" {
		fqn, _ = in.Updated["name"].(string)
	}
	return &db.EntityRecord{
		EntityID:   in.EntityID,
		EntityType: in.EntityType,
		EntityFQN:  fqn,
		Major:      ver.Major,
		Minor:      ver.Minor,
		Deleted:    event.IsDeleted(in.Updated),
		Snapshot:   snapshot,
		UpdatedAt:  p.now().UTC(),
		UpdatedBy:  in.UserName,
	}, nil
}

func validateInput(in *MutationInput) error {
	if in == nil {
		return NewPipelineError(CodeInvalidArgument, "mutation input is required")
	}
	if in.Operation == "" {
		return NewPipelineError(CodeInvalidArgument, "operation is required")
	}
	if in.Operation == event.OpRead || in.Operation == event.OpFieldsChanged {
		return nil
	}
	if in.EntityType == "" {
		return NewPipelineError(CodeInvalidArgument, "entityType is required")
	}
	if in.EntityID == "" {
		return NewPipelineError(CodeInvalidArgument, "entityId is required")
	}
	if in.Operation != event.OpHardDelete && in.Updated == nil {
		return NewPipelineError(CodeInvalidArgument, "updated snapshot is required")
	}
	return nil
}

func decodeSnapshot(raw []byte) (changeset.Snapshot, error) {
	if len(raw) == 0 {
		return changeset.Snapshot{}, nil
	}
	var s changeset.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%s - failed to decode snapshot: %w", pipelineLogPrefix, err)
	}
	return s, nil
}
