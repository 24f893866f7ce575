package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const workerPrefix = "search:worker"

// WorkerConfig tunes the index sync worker.
type WorkerConfig struct {
	PollInterval   time.Duration
	ClaimLimit     int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Indexes enumerates every search index; ops with an empty IndexName
	// (cross-index repair) fan over all of them.
	Indexes []string
}

func (c *WorkerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
}

// Worker drains the durable index sync queue. It retries each op
// independently with exponential backoff; an op out of attempts goes DEAD
// and stays in the store for inspection. A failing op never affects the
// primary mutation or notification delivery.
type Worker struct {
	store  OpStore
	client Client
	cfg    WorkerConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewWorker(store OpStore, client Client, cfg WorkerConfig, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, client: client, cfg: cfg, logger: logger, now: time.Now}
}

// Run polls until ctx is cancelled. Ops are applied sequentially: the Lua
// scripts make each application atomic, and order within one entity's ops
// matters.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll claims and applies one round of due ops.
func (w *Worker) Poll(ctx context.Context) {
	ops, err := w.store.ClaimDueOps(ctx, w.now(), w.cfg.ClaimLimit)
	if err != nil {
		w.logger.Error("claim sync ops failed", "error", err)
		return
	}
	for _, op := range ops {
		if err := w.Apply(ctx, op); err != nil {
			w.fail(ctx, op, err)
			continue
		}
		op.Attempts++
		op.Status = OpApplied
		op.LastError = ""
		w.persist(ctx, op)
	}
}

// Apply performs one sync op against the search backend.
func (w *Worker) Apply(ctx context.Context, op *IndexSyncOp) error {
	switch op.Kind {
	case OpUpsert:
		var patch map[string]interface{}
		if err := json.Unmarshal(op.Payload, &patch); err != nil {
			return fmt.Errorf("%s - decode upsert payload: %w", workerPrefix, err)
		}
		return w.client.Upsert(ctx, op.IndexName, op.DocID, patch)

	case OpDelete:
		return w.client.Delete(ctx, op.IndexName, op.DocID)

	case OpSoftDelete, OpRestore:
		return w.applyDeletedFlag(ctx, op, op.Kind == OpSoftDelete)

	case OpScriptUpdate:
		return w.applyScript(ctx, op)
	}
	return fmt.Errorf("%s - unknown op kind %q", workerPrefix, op.Kind)
}

// applyDeletedFlag flips the flag on the entity's own document, then
// cascades to child documents embedding it.
func (w *Worker) applyDeletedFlag(ctx context.Context, op *IndexSyncOp, deleted bool) error {
	var params SoftDeleteParams
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &params); err != nil {
			return fmt.Errorf("%s - decode soft delete payload: %w", workerPrefix, err)
		}
	}
	if err := w.client.SetDeleted(ctx, op.IndexName, op.DocID, deleted); err != nil {
		return err
	}
	if params.CascadeField == "" {
		return nil
	}
	refID := params.EntityID
	if refID == "" {
		refID = op.DocID
	}
	for _, index := range w.indexesFor("") {
		if _, err := w.client.CascadeDeleted(ctx, index, params.CascadeField, refID, deleted); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) applyScript(ctx context.Context, op *IndexSyncOp) error {
	switch op.Script {
	case ScriptPropagateIfAbsent:
		var params PropagateParams
		if err := json.Unmarshal(op.Payload, &params); err != nil {
			return fmt.Errorf("%s - decode propagate payload: %w", workerPrefix, err)
		}
		_, err := w.client.PropagateIfAbsent(ctx, op.IndexName, op.DocID, params.Field, params.Value)
		return err

	case ScriptUpdateRefIfMatches:
		var params RefParams
		if err := json.Unmarshal(op.Payload, &params); err != nil {
			return fmt.Errorf("%s - decode ref payload: %w", workerPrefix, err)
		}
		for _, index := range w.indexesFor(op.IndexName) {
			if _, err := w.client.UpdateRefIfMatches(ctx, index, params.Field, params.RefID, params.Ref); err != nil {
				return err
			}
		}
		return nil

	case ScriptRemoveRefIfMatches:
		var params RefParams
		if err := json.Unmarshal(op.Payload, &params); err != nil {
			return fmt.Errorf("%s - decode ref payload: %w", workerPrefix, err)
		}
		for _, index := range w.indexesFor(op.IndexName) {
			if _, err := w.client.RemoveRefIfMatches(ctx, index, params.Field, params.RefID); err != nil {
				return err
			}
		}
		return nil

	case ScriptRemoveTagChildren:
		var params TagParams
		if err := json.Unmarshal(op.Payload, &params); err != nil {
			return fmt.Errorf("%s - decode tag payload: %w", workerPrefix, err)
		}
		for _, index := range w.indexesFor(op.IndexName) {
			if _, err := w.client.RemoveTagChildren(ctx, index, params.TagFQN); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%s - unknown script %q", workerPrefix, op.Script)
}

// indexesFor resolves an op's target indexes: a named index stands alone,
// an empty name fans over every configured index.
func (w *Worker) indexesFor(name string) []string {
	if name != "" {
		return []string{name}
	}
	return w.cfg.Indexes
}

func (w *Worker) fail(ctx context.Context, op *IndexSyncOp, err error) {
	op.Attempts++
	op.LastError = err.Error()
	if op.Attempts >= w.cfg.MaxAttempts {
		op.Status = OpDead
		w.logger.Error("index sync op dead-lettered",
			"op", op.ID, "kind", op.Kind, "index", op.IndexName, "doc", op.DocID,
			"attempts", op.Attempts, "error", err)
	} else {
		op.Status = OpRetrying
		op.NextAttemptAt = w.now().Add(w.backoff(op.Attempts))
		w.logger.Warn("index sync op failed, scheduled retry",
			"op", op.ID, "kind", op.Kind, "attempt", op.Attempts, "error", err)
	}
	w.persist(ctx, op)
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return d
}

func (w *Worker) persist(ctx context.Context, op *IndexSyncOp) {
	if err := w.store.UpdateOp(ctx, op); err != nil {
		w.logger.Error("persist sync op failed", "op", op.ID, "status", op.Status, "error", err)
	}
}
