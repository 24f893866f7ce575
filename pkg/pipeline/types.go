// Package pipeline turns a completed entity mutation into a versioned audit
// record, a published change event, and queued index-sync work. The primary
// path (diff, version bump, event build, durable append) is synchronous and
// performs no network I/O to consumers; fan-out runs behind it and its
// failures never reach the mutation caller.
package pipeline

import (
	"context"

	"github.com/morezero/catalog-events/pkg/changeset"
	"github.com/morezero/catalog-events/pkg/db"
	"github.com/morezero/catalog-events/pkg/event"
	"github.com/morezero/catalog-events/pkg/router"
	"github.com/morezero/catalog-events/pkg/search"
)

// PipelineError codes.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeVersionConflict = "VERSION_CONFLICT"
	CodeNotFound        = "NOT_FOUND"
	CodeInternalError   = "INTERNAL_ERROR"
)

// PipelineError is a structured business error returned to callers.
type PipelineError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *PipelineError) Error() string {
	return e.Code + ": " + e.Message
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// Store is the persistence surface the pipeline needs. *db.Repository
// implements it; tests use an in-memory fake.
type Store interface {
	GetEntity(ctx context.Context, entityID string) (*db.EntityRecord, bool, error)
	InsertEntity(ctx context.Context, rec *db.EntityRecord) error
	UpdateEntity(ctx context.Context, rec *db.EntityRecord, expectedMajor, expectedMinor int) error
	DeleteEntity(ctx context.Context, entityID string) error

	AppendEvent(ctx context.Context, ev *event.ChangeEvent) (int64, error)
	ListEventsAfter(ctx context.Context, after int64, limit int) ([]db.StoredEvent, error)
	EnqueueOps(ctx context.Context, ops []*search.IndexSyncOp) error

	UpsertSubscription(ctx context.Context, sub *router.Subscription) error
	ListSubscriptions(ctx context.Context) ([]*router.Subscription, error)
}

// EventRouter enqueues delivery attempts for subscriptions matching an
// event. *router.Matcher implements it.
type EventRouter interface {
	Route(ctx context.Context, ev *event.ChangeEvent, offset int64) (int, error)
}

// MutationInput describes a completed entity mutation as classified by the
// resource layer.
type MutationInput struct {
	Operation  event.Operation    `json:"operation"`
	EntityType string             `json:"entityType"`
	EntityID   string             `json:"entityId"`
	Updated    changeset.Snapshot `json:"updated,omitempty"`
	UserName   string             `json:"userName"`
	// Matchers overrides collection equality per field for diffing
	// (FQN- or ID-based matching of polymorphic reference lists).
	Matchers map[string]changeset.MatchFunc `json:"-"`
	// Prepackaged carries the ready-made event for fieldsChanged mutations.
	Prepackaged *event.ChangeEvent `json:"prepackagedEvent,omitempty"`
}

// MutationResult is the synchronous outcome of RecordMutation.
type MutationResult struct {
	// NoOp is true when the mutation changed nothing: no version bump, no
	// event. Callers use it to skip response invalidation.
	NoOp bool `json:"noOp"`
	// Version is the entity version after the mutation.
	Version string `json:"version,omitempty"`
	// Event is the emitted change event, nil on no-ops.
	Event *event.ChangeEvent `json:"event,omitempty"`
	// EventOffset is the durable log position of the event, 0 when no
	// event was emitted.
	EventOffset int64 `json:"eventOffset,omitempty"`
	// EventRecorded is false when the event could not be appended to the
	// durable log. The mutation still succeeded; the gap is flagged for
	// operational alerting because it breaks the audit trail.
	EventRecorded bool `json:"eventRecorded"`
}

// LookupResult is the explicit found/not-found outcome of Lookup; callers
// branch create-vs-update on Found instead of catching a not-found error.
type LookupResult struct {
	Found   bool               `json:"found"`
	Version string             `json:"version,omitempty"`
	Deleted bool               `json:"deleted,omitempty"`
	Entity  changeset.Snapshot `json:"entity,omitempty"`
}
