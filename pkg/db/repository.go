package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/catalog-events/pkg/changeset"
	"github.com/morezero/catalog-events/pkg/event"
	"github.com/morezero/catalog-events/pkg/router"
	"github.com/morezero/catalog-events/pkg/rules"
	"github.com/morezero/catalog-events/pkg/search"
)

const repoLogPrefix = "db:repository"

// ErrVersionConflict is returned when an entity update carries a stale
// expected version.
var ErrVersionConflict = errors.New("entity version conflict")

// Repository provides database access for the catalog event pipeline. It
// implements router.SubscriptionStore, router.AttemptStore, search.OpStore
// and rules.SubjectStore.
type Repository struct {
	pool *pgxpool.Pool
	box  *router.SecretBox
}

// NewRepository creates a Repository. box seals and opens destination
// secrets; it may be nil when no destination carries a secret.
func NewRepository(pool *pgxpool.Pool, box *router.SecretBox) *Repository {
	return &Repository{pool: pool, box: box}
}

// =========================================================================
// CHANGE EVENT LOG
// =========================================================================

// AppendEvent appends a change event to the durable log and returns its
// offset. The log is append-only; rows are never updated.
func (r *Repository) AppendEvent(ctx context.Context, ev *event.ChangeEvent) (int64, error) {
	slog.Debug(fmt.Sprintf("%s - AppendEvent id=%s type=%s entity=%s", repoLogPrefix, ev.ID, ev.EventType, ev.EntityID))

	var changeJSON []byte
	if ev.ChangeDescription != nil {
		raw, err := json.Marshal(ev.ChangeDescription)
		if err != nil {
			return 0, fmt.Errorf("%s - marshal change description: %w", repoLogPrefix, err)
		}
		changeJSON = raw
	}
	var entityJSON []byte
	if ev.Entity != nil {
		raw, err := json.Marshal(ev.Entity)
		if err != nil {
			return 0, fmt.Errorf("%s - marshal entity snapshot: %w", repoLogPrefix, err)
		}
		entityJSON = raw
	}

	var offset int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO change_events
		   (id, entity_id, entity_type, entity_fqn, event_type, change_description,
		    previous_version, current_version, user_name, event_timestamp, entity, created)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING event_offset`,
		ev.ID, ev.EntityID, ev.EntityType, ev.EntityFQN, string(ev.EventType), changeJSON,
		nullable(ev.PreviousVersion), nullable(ev.CurrentVersion), ev.UserName, ev.Timestamp,
		entityJSON, time.Now().UTC(),
	).Scan(&offset)
	if err != nil {
		return 0, fmt.Errorf("%s - AppendEvent failed: %w", repoLogPrefix, err)
	}
	return offset, nil
}

// ListEventsAfter returns events with offsets strictly greater than after,
// oldest first, for replay.
func (r *Repository) ListEventsAfter(ctx context.Context, after int64, limit int) ([]StoredEvent, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT event_offset, id, entity_id, entity_type, entity_fqn, event_type,
		        change_description, previous_version, current_version, user_name,
		        event_timestamp, entity, created
		 FROM change_events
		 WHERE event_offset > $1
		 ORDER BY event_offset ASC
		 LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - ListEventsAfter failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()
	return scanStoredEvents(rows)
}

// EventsByIDs loads events by id, in the order of the given ids.
func (r *Repository) EventsByIDs(ctx context.Context, ids []string) (map[string]*event.ChangeEvent, error) {
	if len(ids) == 0 {
		return map[string]*event.ChangeEvent{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT event_offset, id, entity_id, entity_type, entity_fqn, event_type,
		        change_description, previous_version, current_version, user_name,
		        event_timestamp, entity, created
		 FROM change_events
		 WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("%s - EventsByIDs failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	stored, err := scanStoredEvents(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*event.ChangeEvent, len(stored))
	for i := range stored {
		ev, err := DecodeEvent(&stored[i])
		if err != nil {
			return nil, err
		}
		out[ev.ID] = ev
	}
	return out, nil
}

// DecodeEvent turns a stored log row back into a ChangeEvent.
func DecodeEvent(row *StoredEvent) (*event.ChangeEvent, error) {
	ev := &event.ChangeEvent{
		ID:         row.ID,
		EntityID:   row.EntityID,
		EntityType: row.EntityType,
		EntityFQN:  row.EntityFQN,
		EventType:  event.EventType(row.EventType),
		UserName:   row.UserName,
		Timestamp:  row.Timestamp,
	}
	if row.PreviousVersion != nil {
		ev.PreviousVersion = *row.PreviousVersion
	}
	if row.CurrentVersion != nil {
		ev.CurrentVersion = *row.CurrentVersion
	}
	if len(row.ChangeDescription) > 0 {
		var cs changeset.ChangeSet
		if err := json.Unmarshal(row.ChangeDescription, &cs); err != nil {
			return nil, fmt.Errorf("%s - decode change description for %s: %w", repoLogPrefix, row.ID, err)
		}
		ev.ChangeDescription = &cs
	}
	if len(row.Entity) > 0 {
		var snapshot changeset.Snapshot
		if err := json.Unmarshal(row.Entity, &snapshot); err != nil {
			return nil, fmt.Errorf("%s - decode entity snapshot for %s: %w", repoLogPrefix, row.ID, err)
		}
		ev.Entity = snapshot
	}
	return ev, nil
}

// =========================================================================
// ENTITY VERSIONS
// =========================================================================

// GetEntity loads the current record for an entity. found=false with a nil
// error means the entity has never been recorded.
func (r *Repository) GetEntity(ctx context.Context, entityID string) (*EntityRecord, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT entity_id, entity_type, entity_fqn, major, minor, deleted, snapshot, updated_at, updated_by
		 FROM entity_versions
		 WHERE entity_id = $1
		 LIMIT 1`, entityID)

	var rec EntityRecord
	err := row.Scan(&rec.EntityID, &rec.EntityType, &rec.EntityFQN, &rec.Major, &rec.Minor,
		&rec.Deleted, &rec.Snapshot, &rec.UpdatedAt, &rec.UpdatedBy)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s - GetEntity failed: %w", repoLogPrefix, err)
	}
	return &rec, true, nil
}

// InsertEntity records a newly created entity.
func (r *Repository) InsertEntity(ctx context.Context, rec *EntityRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO entity_versions
		   (entity_id, entity_type, entity_fqn, major, minor, deleted, snapshot, updated_at, updated_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.EntityID, rec.EntityType, rec.EntityFQN, rec.Major, rec.Minor,
		rec.Deleted, rec.Snapshot, rec.UpdatedAt, rec.UpdatedBy)
	if err != nil {
		return fmt.Errorf("%s - InsertEntity failed: %w", repoLogPrefix, err)
	}
	return nil
}

// UpdateEntity moves an entity record forward, guarded by the version the
// caller read. A stale expected version returns ErrVersionConflict.
func (r *Repository) UpdateEntity(ctx context.Context, rec *EntityRecord, expectedMajor, expectedMinor int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE entity_versions SET
		   entity_fqn = $1, major = $2, minor = $3, deleted = $4,
		   snapshot = $5, updated_at = $6, updated_by = $7
		 WHERE entity_id = $8 AND major = $9 AND minor = $10`,
		rec.EntityFQN, rec.Major, rec.Minor, rec.Deleted,
		rec.Snapshot, rec.UpdatedAt, rec.UpdatedBy,
		rec.EntityID, expectedMajor, expectedMinor)
	if err != nil {
		return fmt.Errorf("%s - UpdateEntity failed: %w", repoLogPrefix, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s - UpdateEntity %s at %d.%d: %w", repoLogPrefix, rec.EntityID, expectedMajor, expectedMinor, ErrVersionConflict)
	}
	return nil
}

// DeleteEntity removes an entity record after a hard delete.
func (r *Repository) DeleteEntity(ctx context.Context, entityID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM entity_versions WHERE entity_id = $1`, entityID)
	if err != nil {
		return fmt.Errorf("%s - DeleteEntity failed: %w", repoLogPrefix, err)
	}
	return nil
}

// =========================================================================
// SUBSCRIPTIONS
// =========================================================================

// UpsertSubscription creates or updates a subscription and replaces its
// destination list. Destination secrets are sealed before they touch disk.
func (r *Repository) UpsertSubscription(ctx context.Context, sub *router.Subscription) error {
	slog.Info(fmt.Sprintf("%s - UpsertSubscription id=%s name=%s", repoLogPrefix, sub.ID, sub.Name))

	now := time.Now().UTC()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - UpsertSubscription begin: %w", repoLogPrefix, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO event_subscriptions
		   (id, name, alert_type, trigger_type, enabled, filtering_rules, batch_size,
		    max_retries, initial_backoff_ms, max_backoff_ms, poll_interval_ms, delivery_timeout_ms,
		    created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   name = $2, alert_type = $3, trigger_type = $4, enabled = $5,
		   filtering_rules = $6, batch_size = $7, max_retries = $8,
		   initial_backoff_ms = $9, max_backoff_ms = $10, poll_interval_ms = $11,
		   delivery_timeout_ms = $12, modified = $13`,
		sub.ID, sub.Name, sub.AlertType, sub.Trigger, sub.Enabled, sub.FilteringRules,
		sub.BatchSize, sub.RetryPolicy.MaxRetries,
		sub.RetryPolicy.InitialBackoff.Milliseconds(), sub.RetryPolicy.MaxBackoff.Milliseconds(),
		sub.PollInterval.Milliseconds(), sub.DeliveryTimeout.Milliseconds(), now)
	if err != nil {
		return fmt.Errorf("%s - UpsertSubscription failed: %w", repoLogPrefix, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM subscription_destinations WHERE subscription_id = $1`, sub.ID); err != nil {
		return fmt.Errorf("%s - UpsertSubscription clear destinations: %w", repoLogPrefix, err)
	}
	for i := range sub.Destinations {
		dest := &sub.Destinations[i]
		sealed := ""
		if dest.Secret != "" {
			if r.box == nil {
				return fmt.Errorf("%s - destination %s has a secret but no secret key is configured", repoLogPrefix, dest.ID)
			}
			sealed, err = r.box.Seal(dest.Secret)
			if err != nil {
				return fmt.Errorf("%s - seal secret for destination %s: %w", repoLogPrefix, dest.ID, err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO subscription_destinations (id, subscription_id, kind, endpoint, secret_sealed)
			 VALUES ($1, $2, $3, $4, $5)`,
			dest.ID, sub.ID, string(dest.Kind), dest.Endpoint, sealed); err != nil {
			return fmt.Errorf("%s - insert destination %s: %w", repoLogPrefix, dest.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - UpsertSubscription commit: %w", repoLogPrefix, err)
	}
	return nil
}

// ListEnabledSubscriptions implements router.SubscriptionStore.
func (r *Repository) ListEnabledSubscriptions(ctx context.Context) ([]*router.Subscription, error) {
	return r.listSubscriptions(ctx, true)
}

// ListSubscriptions returns every subscription, enabled or not.
func (r *Repository) ListSubscriptions(ctx context.Context) ([]*router.Subscription, error) {
	return r.listSubscriptions(ctx, false)
}

func (r *Repository) listSubscriptions(ctx context.Context, enabledOnly bool) ([]*router.Subscription, error) {
	query := `SELECT id, name, alert_type, trigger_type, enabled, filtering_rules, batch_size,
	                 max_retries, initial_backoff_ms, max_backoff_ms, poll_interval_ms, delivery_timeout_ms,
	                 created, modified
	          FROM event_subscriptions`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s - listSubscriptions failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var subs []*router.Subscription
	var ids []string
	for rows.Next() {
		var row SubscriptionRow
		if err := rows.Scan(&row.ID, &row.Name, &row.AlertType, &row.Trigger, &row.Enabled,
			&row.FilteringRules, &row.BatchSize, &row.MaxRetries, &row.InitialBackoff,
			&row.MaxBackoff, &row.PollInterval, &row.DeliveryTimeout,
			&row.Created, &row.Modified); err != nil {
			return nil, fmt.Errorf("%s - listSubscriptions scan failed: %w", repoLogPrefix, err)
		}
		subs = append(subs, subscriptionFromRow(&row))
		ids = append(ids, row.ID)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	dests, err := r.destinationsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		sub.Destinations = dests[sub.ID]
	}
	return subs, nil
}

func (r *Repository) destinationsFor(ctx context.Context, subscriptionIDs []string) (map[string][]router.Destination, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, subscription_id, kind, endpoint, secret_sealed
		 FROM subscription_destinations
		 WHERE subscription_id = ANY($1)
		 ORDER BY id ASC`, subscriptionIDs)
	if err != nil {
		return nil, fmt.Errorf("%s - destinationsFor failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out := make(map[string][]router.Destination)
	for rows.Next() {
		var row DestinationRow
		if err := rows.Scan(&row.ID, &row.SubscriptionID, &row.Kind, &row.Endpoint, &row.SecretSealed); err != nil {
			return nil, fmt.Errorf("%s - destinationsFor scan failed: %w", repoLogPrefix, err)
		}
		dest := router.Destination{ID: row.ID, Kind: router.DestinationKind(row.Kind), Endpoint: row.Endpoint}
		if row.SecretSealed != "" {
			if r.box == nil {
				return nil, fmt.Errorf("%s - destination %s has a sealed secret but no secret key is configured", repoLogPrefix, row.ID)
			}
			secret, err := r.box.Open(row.SecretSealed)
			if err != nil {
				return nil, fmt.Errorf("%s - open secret for destination %s: %w", repoLogPrefix, row.ID, err)
			}
			dest.Secret = secret
		}
		out[row.SubscriptionID] = append(out[row.SubscriptionID], dest)
	}
	return out, nil
}

func subscriptionFromRow(row *SubscriptionRow) *router.Subscription {
	return &router.Subscription{
		ID:             row.ID,
		Name:           row.Name,
		AlertType:      row.AlertType,
		Trigger:        row.Trigger,
		Enabled:        row.Enabled,
		FilteringRules: row.FilteringRules,
		BatchSize:      row.BatchSize,
		RetryPolicy: router.RetryPolicy{
			MaxRetries:     row.MaxRetries,
			InitialBackoff: time.Duration(row.InitialBackoff) * time.Millisecond,
			MaxBackoff:     time.Duration(row.MaxBackoff) * time.Millisecond,
		},
		PollInterval:    time.Duration(row.PollInterval) * time.Millisecond,
		DeliveryTimeout: time.Duration(row.DeliveryTimeout) * time.Millisecond,
	}
}

// =========================================================================
// DELIVERY ATTEMPTS
// =========================================================================

// CreateAttempts implements router.AttemptStore.
func (r *Repository) CreateAttempts(ctx context.Context, attempts []*router.DeliveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - CreateAttempts begin: %w", repoLogPrefix, err)
	}
	defer tx.Rollback(ctx)

	for _, a := range attempts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO delivery_attempts
			   (id, subscription_id, destination_id, event_id, event_offset,
			    attempt_number, status, last_error, next_attempt_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, a.SubscriptionID, a.DestinationID, a.EventID, a.EventOffset,
			a.AttemptNumber, string(a.Status), a.LastError, a.NextAttemptAt); err != nil {
			return fmt.Errorf("%s - CreateAttempts insert %s: %w", repoLogPrefix, a.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - CreateAttempts commit: %w", repoLogPrefix, err)
	}
	return nil
}

// DueBatches implements router.AttemptStore. Attempts are read in
// (subscription, destination, offset) order and grouped; a pair whose
// oldest undelivered attempt is not yet due yields nothing, preserving
// per-pair event order across retries.
func (r *Repository) DueBatches(ctx context.Context, now time.Time, maxPairs int) ([]*router.Batch, error) {
	if maxPairs < 1 {
		maxPairs = 32
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, subscription_id, destination_id, event_id, event_offset,
		        attempt_number, status, last_error, next_attempt_at
		 FROM delivery_attempts
		 WHERE status IN ('PENDING', 'RETRYING')
		 ORDER BY subscription_id, destination_id, event_offset ASC
		 LIMIT 1000`)
	if err != nil {
		return nil, fmt.Errorf("%s - DueBatches query failed: %w", repoLogPrefix, err)
	}
	attempts, err := scanAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}

	subs, err := r.ListEnabledSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	subByID := make(map[string]*router.Subscription, len(subs))
	for _, s := range subs {
		subByID[s.ID] = s
	}

	var batches []*router.Batch
	var current *router.Batch
	var skipPair bool
	var lastSub, lastDest string
	for _, a := range attempts {
		if a.SubscriptionID != lastSub || a.DestinationID != lastDest {
			lastSub, lastDest = a.SubscriptionID, a.DestinationID
			current = nil
			skipPair = false

			// The first attempt of a pair is its oldest; if it is not
			// due, the whole pair waits.
			if a.NextAttemptAt.After(now) {
				skipPair = true
				continue
			}
			sub := subByID[a.SubscriptionID]
			if sub == nil || len(batches) >= maxPairs {
				skipPair = true
				continue
			}
			current = &router.Batch{Subscription: sub, Destination: destinationOf(sub, a.DestinationID)}
			batches = append(batches, current)
		}
		if skipPair || current == nil {
			continue
		}
		size := current.Subscription.BatchSize
		if size <= 0 {
			size = 10
		}
		if len(current.Attempts) >= size {
			continue
		}
		current.Attempts = append(current.Attempts, a)
	}

	if err := r.attachEvents(ctx, batches); err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *Repository) attachEvents(ctx context.Context, batches []*router.Batch) error {
	var ids []string
	for _, b := range batches {
		for _, a := range b.Attempts {
			ids = append(ids, a.EventID)
		}
	}
	events, err := r.EventsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, b := range batches {
		for _, a := range b.Attempts {
			ev := events[a.EventID]
			if ev == nil {
				return fmt.Errorf("%s - attempt %s references missing event %s", repoLogPrefix, a.ID, a.EventID)
			}
			b.Events = append(b.Events, ev)
		}
	}
	return nil
}

func destinationOf(sub *router.Subscription, destID string) *router.Destination {
	for i := range sub.Destinations {
		if sub.Destinations[i].ID == destID {
			return &sub.Destinations[i]
		}
	}
	return &router.Destination{ID: destID, Kind: router.DestinationWebhook}
}

// UpdateAttempt implements router.AttemptStore.
func (r *Repository) UpdateAttempt(ctx context.Context, a *router.DeliveryAttempt) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE delivery_attempts SET
		   attempt_number = $1, status = $2, last_error = $3, next_attempt_at = $4
		 WHERE id = $5`,
		a.AttemptNumber, string(a.Status), a.LastError, a.NextAttemptAt, a.ID)
	if err != nil {
		return fmt.Errorf("%s - UpdateAttempt %s: %w", repoLogPrefix, a.ID, err)
	}
	return nil
}

// DeadAttempts lists dead-lettered attempts for inspection.
func (r *Repository) DeadAttempts(ctx context.Context, limit int) ([]*router.DeliveryAttempt, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, subscription_id, destination_id, event_id, event_offset,
		        attempt_number, status, last_error, next_attempt_at
		 FROM delivery_attempts
		 WHERE status = 'DEAD'
		 ORDER BY event_offset ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - DeadAttempts failed: %w", repoLogPrefix, err)
	}
	return scanAttempts(rows)
}

func scanAttempts(rows pgx.Rows) ([]*router.DeliveryAttempt, error) {
	defer rows.Close()
	var attempts []*router.DeliveryAttempt
	for rows.Next() {
		var a router.DeliveryAttempt
		var status string
		if err := rows.Scan(&a.ID, &a.SubscriptionID, &a.DestinationID, &a.EventID, &a.EventOffset,
			&a.AttemptNumber, &status, &a.LastError, &a.NextAttemptAt); err != nil {
			return nil, fmt.Errorf("%s - scan attempt failed: %w", repoLogPrefix, err)
		}
		a.Status = router.AttemptStatus(status)
		attempts = append(attempts, &a)
	}
	return attempts, nil
}

// =========================================================================
// INDEX SYNC OPS
// =========================================================================

// EnqueueOps implements search.OpStore.
func (r *Repository) EnqueueOps(ctx context.Context, ops []*search.IndexSyncOp) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - EnqueueOps begin: %w", repoLogPrefix, err)
	}
	defer tx.Rollback(ctx)

	for _, op := range ops {
		if _, err := tx.Exec(ctx,
			`INSERT INTO index_sync_ops
			   (id, event_id, index_name, doc_id, kind, script, payload, attempts, status, last_error, next_attempt_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			op.ID, op.EventID, op.IndexName, op.DocID, string(op.Kind), op.Script,
			[]byte(op.Payload), op.Attempts, string(op.Status), op.LastError, op.NextAttemptAt); err != nil {
			return fmt.Errorf("%s - EnqueueOps insert %s: %w", repoLogPrefix, op.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - EnqueueOps commit: %w", repoLogPrefix, err)
	}
	return nil
}

// ClaimDueOps implements search.OpStore.
func (r *Repository) ClaimDueOps(ctx context.Context, now time.Time, limit int) ([]*search.IndexSyncOp, error) {
	if limit < 1 {
		limit = 64
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, event_id, index_name, doc_id, kind, script, payload, attempts, status, last_error, next_attempt_at
		 FROM index_sync_ops
		 WHERE status IN ('PENDING', 'RETRYING') AND next_attempt_at <= $1
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - ClaimDueOps failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var ops []*search.IndexSyncOp
	for rows.Next() {
		var op search.IndexSyncOp
		var kind, status string
		var payload []byte
		if err := rows.Scan(&op.ID, &op.EventID, &op.IndexName, &op.DocID, &kind, &op.Script,
			&payload, &op.Attempts, &status, &op.LastError, &op.NextAttemptAt); err != nil {
			return nil, fmt.Errorf("%s - ClaimDueOps scan failed: %w", repoLogPrefix, err)
		}
		op.Kind = search.OpKind(kind)
		op.Status = search.OpStatus(status)
		op.Payload = payload
		ops = append(ops, &op)
	}
	return ops, nil
}

// UpdateOp implements search.OpStore.
func (r *Repository) UpdateOp(ctx context.Context, op *search.IndexSyncOp) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE index_sync_ops SET
		   attempts = $1, status = $2, last_error = $3, next_attempt_at = $4
		 WHERE id = $5`,
		op.Attempts, string(op.Status), op.LastError, op.NextAttemptAt, op.ID)
	if err != nil {
		return fmt.Errorf("%s - UpdateOp %s: %w", repoLogPrefix, op.ID, err)
	}
	return nil
}

// =========================================================================
// USERS AND TEAMS
// =========================================================================

// GetUser implements rules.SubjectStore.
func (r *Repository) GetUser(ctx context.Context, id string) (*rules.Subject, bool, error) {
	return r.getSubject(ctx, "users", id)
}

// GetTeam implements rules.SubjectStore.
func (r *Repository) GetTeam(ctx context.Context, id string) (*rules.Subject, bool, error) {
	return r.getSubject(ctx, "teams", id)
}

func (r *Repository) getSubject(ctx context.Context, table, id string) (*rules.Subject, bool, error) {
	var row SubjectRow
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, display_name, deleted FROM `+table+` WHERE id = $1 LIMIT 1`, id,
	).Scan(&row.ID, &row.Name, &row.DisplayName, &row.Deleted)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s - get subject from %s failed: %w", repoLogPrefix, table, err)
	}
	if row.Deleted {
		return nil, false, nil
	}
	return &rules.Subject{ID: row.ID, Name: row.Name, DisplayName: row.DisplayName}, true, nil
}

// UpsertUser records a user for owner-rule resolution.
func (r *Repository) UpsertUser(ctx context.Context, row *SubjectRow) error {
	return r.upsertSubject(ctx, "users", row)
}

// UpsertTeam records a team for owner-rule resolution.
func (r *Repository) UpsertTeam(ctx context.Context, row *SubjectRow) error {
	return r.upsertSubject(ctx, "teams", row)
}

func (r *Repository) upsertSubject(ctx context.Context, table string, row *SubjectRow) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO `+table+` (id, name, display_name, deleted)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = $2, display_name = $3, deleted = $4`,
		row.ID, row.Name, row.DisplayName, row.Deleted)
	if err != nil {
		return fmt.Errorf("%s - upsert subject into %s failed: %w", repoLogPrefix, table, err)
	}
	return nil
}

// =========================================================================
// SCAN HELPERS
// =========================================================================

func scanStoredEvents(rows pgx.Rows) ([]StoredEvent, error) {
	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.Offset, &e.ID, &e.EntityID, &e.EntityType, &e.EntityFQN, &e.EventType,
			&e.ChangeDescription, &e.PreviousVersion, &e.CurrentVersion, &e.UserName,
			&e.Timestamp, &e.Entity, &e.Created); err != nil {
			return nil, fmt.Errorf("%s - scan event failed: %w", repoLogPrefix, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
