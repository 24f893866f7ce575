package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/morezero/catalog-events/pkg/changeset"
)

// Operation is the caller's classification of the completed mutation,
// derived from the HTTP method and response at the resource layer.
type Operation string

const (
	OpRead       Operation = "read"
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpPatch      Operation = "patch"
	OpHardDelete Operation = "hardDelete"
	// OpFieldsChanged marks field-scoped mutations (follow/unfollow) that
	// the caller has already packaged as an event.
	OpFieldsChanged Operation = "fieldsChanged"
)

// Mutation describes a completed mutation for event building.
type Mutation struct {
	Operation       Operation
	EntityType      string
	Updated         changeset.Snapshot
	ChangeSet       *changeset.ChangeSet
	PreviousVersion string
	CurrentVersion  string
	UserName        string
	// Prepackaged carries the ready-made event for OpFieldsChanged.
	Prepackaged *ChangeEvent
}

// Build constructs at most one ChangeEvent for a completed mutation.
//
// Classification precedence:
//  1. reads never produce events
//  2. fields-changed mutations pass their prepackaged event through unchanged
//  3. a creation produces entityCreated
//  4. an update or patch with an empty change set produces nothing
//  5. a non-empty update produces entityUpdated, or entitySoftDeleted when
//     the change flips deleted to true
//  6. a hard delete produces entityDeleted carrying the pre-delete version
//
// A nil return means "no event": the mutation was a read or a no-op.
func Build(m Mutation, now time.Time) *ChangeEvent {
	switch m.Operation {
	case OpRead:
		return nil
	case OpFieldsChanged:
		return m.Prepackaged
	case OpCreate:
		return newEvent(m, EntityCreated, now)
	case OpHardDelete:
		ev := newEvent(m, EntityDeleted, now)
		ev.CurrentVersion = m.PreviousVersion
		return ev
	case OpUpdate, OpPatch:
		if m.ChangeSet == nil || m.ChangeSet.Empty() {
			return nil
		}
		if flipsDeleted(m.ChangeSet, true) {
			return newEvent(m, EntitySoftDeleted, now)
		}
		return newEvent(m, EntityUpdated, now)
	default:
		return nil
	}
}

func newEvent(m Mutation, eventType EventType, now time.Time) *ChangeEvent {
	ev := &ChangeEvent{
		ID:                uuid.NewString(),
		EntityID:          snapshotString(m.Updated, "id"),
		EntityType:        m.EntityType,
		EntityFQN:         snapshotString(m.Updated, "fullyQualifiedName"),
		EventType:         eventType,
		ChangeDescription: m.ChangeSet,
		PreviousVersion:   m.PreviousVersion,
		CurrentVersion:    m.CurrentVersion,
		UserName:          m.UserName,
		Timestamp:         now.UnixMilli(),
		Entity:            m.Updated,
	}
	if ev.EntityFQN == "" {
		ev.EntityFQN = snapshotString(m.Updated, "name")
	}
	if ev.ChangeDescription != nil && ev.ChangeDescription.PreviousVersion == "" {
		ev.ChangeDescription.PreviousVersion = m.PreviousVersion
	}
	return ev
}

func flipsDeleted(cs *changeset.ChangeSet, to bool) bool {
	for _, list := range [][]changeset.FieldChange{cs.FieldsUpdated, cs.FieldsAdded} {
		for _, fc := range list {
			if fc.Name == "deleted" {
				if v, ok := fc.NewValue.(bool); ok && v == to {
					return true
				}
			}
		}
	}
	return false
}
