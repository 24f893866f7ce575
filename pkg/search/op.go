package search

import (
	"context"
	"encoding/json"
	"time"
)

// OpKind classifies an index sync operation.
type OpKind string

const (
	OpUpsert       OpKind = "UPSERT"
	OpDelete       OpKind = "DELETE"
	OpSoftDelete   OpKind = "SOFT_DELETE"
	OpRestore      OpKind = "RESTORE"
	OpScriptUpdate OpKind = "SCRIPT_UPDATE"
)

// OpStatus is the state of a queued sync op.
type OpStatus string

const (
	OpPending  OpStatus = "PENDING"
	OpApplied  OpStatus = "APPLIED"
	OpRetrying OpStatus = "RETRYING"
	OpDead     OpStatus = "DEAD"
)

// IndexSyncOp is one queued index mutation derived from a change event.
// Ops are durable and retried independently of notification delivery; a
// failing op never rolls back the primary mutation.
type IndexSyncOp struct {
	ID        string `json:"id"`
	EventID   string `json:"eventId"`
	IndexName string `json:"indexName"`
	DocID     string `json:"docId"`
	Kind      OpKind `json:"kind"`
	// Script names the Lua template for SCRIPT_UPDATE ops.
	Script        string          `json:"script,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	Status        OpStatus        `json:"status"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
}

// Parameter shapes carried in IndexSyncOp.Payload.

// SoftDeleteParams drives SOFT_DELETE and RESTORE ops. CascadeField, when
// set, names the embedded reference under which child documents point back
// at the entity; those children get the same flag.
type SoftDeleteParams struct {
	CascadeField string `json:"cascadeField,omitempty"`
	EntityID     string `json:"entityId,omitempty"`
}

// PropagateParams drives the propagate_if_absent script.
type PropagateParams struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// RefParams drives the update_ref_if_matches and remove_ref_if_matches
// scripts.
type RefParams struct {
	Field string                 `json:"field"`
	RefID string                 `json:"refId"`
	Ref   map[string]interface{} `json:"ref,omitempty"`
}

// TagParams drives the remove_tag_children script.
type TagParams struct {
	TagFQN string `json:"tagFQN"`
}

// OpStore is the durable queue behind the sync worker.
type OpStore interface {
	EnqueueOps(ctx context.Context, ops []*IndexSyncOp) error
	// ClaimDueOps returns non-terminal ops whose NextAttemptAt has passed,
	// oldest first.
	ClaimDueOps(ctx context.Context, now time.Time, limit int) ([]*IndexSyncOp, error)
	UpdateOp(ctx context.Context, op *IndexSyncOp) error
}
