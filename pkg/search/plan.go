package search

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/morezero/catalog-events/pkg/event"
)

// IndexName maps an entity type to its search index.
func IndexName(entityType string) string {
	return entityType + "_search_index"
}

// Plan translates one change event into the index sync ops that bring the
// search backend in line with it. The returned ops are self-contained; the
// worker applies them without looking at the event again.
func Plan(ev *event.ChangeEvent) []*IndexSyncOp {
	if ev == nil {
		return nil
	}
	index := IndexName(ev.EntityType)

	switch ev.EventType {
	case event.EntityCreated:
		return []*IndexSyncOp{newOp(ev, index, OpUpsert, "", mustJSON(ev.Entity))}

	case event.EntityUpdated:
		ops := []*IndexSyncOp{}
		if restoresEntity(ev) {
			ops = append(ops, newOp(ev, index, OpRestore, "", mustJSON(SoftDeleteParams{
				CascadeField: ev.EntityType,
				EntityID:     ev.EntityID,
			})))
		}
		ops = append(ops, newOp(ev, index, OpUpsert, "", upsertPayload(ev)))
		ops = append(ops, refOps(ev)...)
		return ops

	case event.EntitySoftDeleted:
		return []*IndexSyncOp{newOp(ev, index, OpSoftDelete, "", mustJSON(SoftDeleteParams{
			CascadeField: ev.EntityType,
			EntityID:     ev.EntityID,
		}))}

	case event.EntityDeleted:
		// Reference and tag repair fan over every index (empty IndexName);
		// affected documents can live outside the deleted entity's own
		// index.
		ops := []*IndexSyncOp{
			newOp(ev, index, OpDelete, "", nil),
			scriptOp(ev, "", ScriptRemoveRefIfMatches, RefParams{Field: ev.EntityType, RefID: ev.EntityID}),
		}
		if ev.EntityType == "tag" {
			ops = append(ops, scriptOp(ev, "", ScriptRemoveTagChildren, TagParams{TagFQN: ev.EntityFQN}))
		}
		return ops

	case event.EntityFieldsChanged:
		return []*IndexSyncOp{newOp(ev, index, OpUpsert, "", upsertPayload(ev))}
	}
	return nil
}

// refOps emits cross-index reference repair when an update replaced the
// owner: documents still embedding the old owner under a matching id get
// the new reference. The op fans over every index.
func refOps(ev *event.ChangeEvent) []*IndexSyncOp {
	if ev.ChangeDescription == nil {
		return nil
	}
	for _, fc := range ev.ChangeDescription.FieldsUpdated {
		if fc.Name != "owner" {
			continue
		}
		oldRef, okOld := fc.OldValue.(map[string]interface{})
		newRef, okNew := fc.NewValue.(map[string]interface{})
		if !okOld || !okNew {
			continue
		}
		oldID, _ := oldRef["id"].(string)
		if oldID == "" {
			continue
		}
		return []*IndexSyncOp{scriptOp(ev, "", ScriptUpdateRefIfMatches, RefParams{
			Field: "owner",
			RefID: oldID,
			Ref:   newRef,
		})}
	}
	return nil
}

// restoresEntity reports whether an update flipped deleted back to false.
func restoresEntity(ev *event.ChangeEvent) bool {
	if ev.ChangeDescription == nil || ev.Entity == nil || event.IsDeleted(ev.Entity) {
		return false
	}
	for _, fc := range ev.ChangeDescription.FieldsUpdated {
		if fc.Name == "deleted" {
			return true
		}
	}
	return false
}

// upsertPayload prefers the full post-mutation snapshot; a passthrough
// event without one falls back to a patch built from the change set.
func upsertPayload(ev *event.ChangeEvent) json.RawMessage {
	if ev.Entity != nil {
		return mustJSON(ev.Entity)
	}
	patch := map[string]interface{}{}
	if ev.ChangeDescription != nil {
		for _, fc := range ev.ChangeDescription.FieldsAdded {
			patch[fc.Name] = fc.NewValue
		}
		for _, fc := range ev.ChangeDescription.FieldsUpdated {
			patch[fc.Name] = fc.NewValue
		}
	}
	return mustJSON(patch)
}

func newOp(ev *event.ChangeEvent, index string, kind OpKind, script string, payload json.RawMessage) *IndexSyncOp {
	return &IndexSyncOp{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		IndexName: index,
		DocID:     ev.EntityID,
		Kind:      kind,
		Script:    script,
		Payload:   payload,
		Status:    OpPending,
	}
}

func scriptOp(ev *event.ChangeEvent, index string, script string, params interface{}) *IndexSyncOp {
	op := newOp(ev, index, OpScriptUpdate, script, mustJSON(params))
	return op
}

func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
