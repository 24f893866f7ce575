// Package event defines the canonical ChangeEvent record, the builder that
// classifies mutation outcomes, and publisher interfaces for fan-out.
package event

import (
	"github.com/morezero/catalog-events/pkg/changeset"
)

// EventType classifies a ChangeEvent.
type EventType string

const (
	EntityCreated       EventType = "entityCreated"
	EntityUpdated       EventType = "entityUpdated"
	EntitySoftDeleted   EventType = "entitySoftDeleted"
	EntityDeleted       EventType = "entityDeleted"
	EntityFieldsChanged EventType = "entityFieldsChanged"
)

// ChangeEvent is the canonical, immutable record of an accepted entity
// mutation. It is appended to the durable event log before any fan-out
// begins, so delivery and index sync can be replayed from the log.
type ChangeEvent struct {
	ID                string               `json:"id"`
	EntityID          string               `json:"entityId"`
	EntityType        string               `json:"entityType"`
	EntityFQN         string               `json:"entityFullyQualifiedName"`
	EventType         EventType            `json:"eventType"`
	ChangeDescription *changeset.ChangeSet `json:"changeDescription,omitempty"`
	PreviousVersion   string               `json:"previousVersion,omitempty"`
	CurrentVersion    string               `json:"currentVersion,omitempty"`
	UserName          string               `json:"userName"`
	Timestamp         int64                `json:"timestamp"`
	// Entity carries the post-mutation snapshot. When persisted it is
	// serialized as JSON text to keep the store free of polymorphic types.
	Entity changeset.Snapshot `json:"entity,omitempty"`
}

// EntityReference is a lightweight pointer to another catalog entity, as it
// appears embedded in snapshots (owner, tags, children).
type EntityReference struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
	FQN  string `json:"fullyQualifiedName,omitempty"`
}

// OwnerOf extracts the owner reference from a snapshot, if present.
func OwnerOf(snapshot changeset.Snapshot) *EntityReference {
	owner, ok := snapshot["owner"].(map[string]interface{})
	if !ok {
		return nil
	}
	ref := &EntityReference{}
	ref.ID, _ = owner["id"].(string)
	ref.Type, _ = owner["type"].(string)
	ref.Name, _ = owner["name"].(string)
	ref.FQN, _ = owner["fullyQualifiedName"].(string)
	if ref.ID == "" && ref.Name == "" {
		return nil
	}
	return ref
}

func snapshotString(s changeset.Snapshot, field string) string {
	v, _ := s[field].(string)
	return v
}

// IsDeleted reports whether a snapshot carries deleted=true.
func IsDeleted(s changeset.Snapshot) bool {
	v, _ := s["deleted"].(bool)
	return v
}
