package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/morezero/catalog-events/pkg/changeset"
	"github.com/morezero/catalog-events/pkg/db"
	"github.com/morezero/catalog-events/pkg/event"
	"github.com/morezero/catalog-events/pkg/router"
	"github.com/morezero/catalog-events/pkg/rules"
	"github.com/morezero/catalog-events/pkg/search"
	"github.com/morezero/catalog-events/pkg/version"
	"github.com/morezero/catalog-events/pkg/workflow"
)

const pipelineTestPrefix = "pipeline:pipeline_test"

// fakeStore is an in-memory Store mirroring the repository semantics the
// pipeline relies on, including the optimistic concurrency guard.
type fakeStore struct {
	entities map[string]*db.EntityRecord
	events   []db.StoredEvent
	appended []*event.ChangeEvent
	ops      []*search.IndexSyncOp
	subs     map[string]*router.Subscription

	getErr    error
	updateErr error
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities: map[string]*db.EntityRecord{},
		subs:     map[string]*router.Subscription{},
	}
}

func (s *fakeStore) GetEntity(_ context.Context, entityID string) (*db.EntityRecord, bool, error) {
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	rec, ok := s.entities[entityID]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

func (s *fakeStore) InsertEntity(_ context.Context, rec *db.EntityRecord) error {
	s.entities[rec.EntityID] = rec
	return nil
}

func (s *fakeStore) UpdateEntity(_ context.Context, rec *db.EntityRecord, expectedMajor, expectedMinor int) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	cur, ok := s.entities[rec.EntityID]
	if !ok || cur.Major != expectedMajor || cur.Minor != expectedMinor {
		return fmt.Errorf("update %s: %w", rec.EntityID, db.ErrVersionConflict)
	}
	s.entities[rec.EntityID] = rec
	return nil
}

func (s *fakeStore) DeleteEntity(_ context.Context, entityID string) error {
	delete(s.entities, entityID)
	return nil
}

func (s *fakeStore) AppendEvent(_ context.Context, ev *event.ChangeEvent) (int64, error) {
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	s.appended = append(s.appended, ev)
	offset := int64(len(s.events) + 1)
	s.events = append(s.events, db.StoredEvent{
		Offset: offset, ID: ev.ID, EntityID: ev.EntityID,
		EntityType: ev.EntityType, EventType: string(ev.EventType),
		UserName: ev.UserName, Timestamp: ev.Timestamp,
	})
	return offset, nil
}

func (s *fakeStore) ListEventsAfter(_ context.Context, after int64, limit int) ([]db.StoredEvent, error) {
	var out []db.StoredEvent
	for _, e := range s.events {
		if e.Offset > after && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) EnqueueOps(_ context.Context, ops []*search.IndexSyncOp) error {
	s.ops = append(s.ops, ops...)
	return nil
}

func (s *fakeStore) UpsertSubscription(_ context.Context, sub *router.Subscription) error {
	s.subs[sub.ID] = sub
	return nil
}

func (s *fakeStore) ListSubscriptions(_ context.Context) ([]*router.Subscription, error) {
	var out []*router.Subscription
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out, nil
}

type recordingFeed struct {
	threads []*event.Thread
	err     error
}

func (f *recordingFeed) PublishThread(_ context.Context, thread *event.Thread) error {
	if f.err != nil {
		return f.err
	}
	f.threads = append(f.threads, thread)
	return nil
}

type triggerCall struct {
	name string
	vars map[string]interface{}
}

type testEnv struct {
	store *fakeStore
	feed  *recordingFeed
	pipe  *Pipeline

	published []*event.ChangeEvent
	triggers  []triggerCall
}

func testClassifier(t *testing.T) *version.Classifier {
	t.Helper()
	c, err := version.NewClassifier(map[string]map[string]string{
		"table": {
			"name": "major", "owner": "major", "columns": "major",
			"tags": "minor", "description": "minor", "deleted": "minor",
		},
		"user": {"name": "major"},
		"team": {"name": "major"},
	})
	if err != nil {
		t.Fatalf("%s - NewClassifier failed: %v", pipelineTestPrefix, err)
	}
	return c
}

func newTestEnv(t *testing.T, cache *rules.SubjectCache) *testEnv {
	t.Helper()
	env := &testEnv{store: newFakeStore(), feed: &recordingFeed{}}
	pub := event.NewCallbackPublisher(func(_ context.Context, ev *event.ChangeEvent) error {
		env.published = append(env.published, ev)
		return nil
	})
	env.pipe = NewPipeline(NewPipelineParams{
		Store:        env.store,
		Classifier:   testClassifier(t),
		Publisher:    pub,
		Feed:         env.feed,
		Subjects:     cache,
		Orchestrator: triggerRecorder{env: env},
		Config: Config{
			FeedVisibleTypes: map[string]bool{"table": true},
			WorkflowName:     "entityLifecycle",
		},
	})
	env.pipe.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return env
}

// triggerRecorder implements workflow.Orchestrator and records triggers
// into the test env.
type triggerRecorder struct{ env *testEnv }

func (r triggerRecorder) Deploy(context.Context, workflow.Definition) error { return nil }
func (r triggerRecorder) Suspend(context.Context, string) error             { return nil }
func (r triggerRecorder) Resume(context.Context, string) error              { return nil }

func (r triggerRecorder) Trigger(_ context.Context, name string, vars map[string]interface{}) error {
	r.env.triggers = append(r.env.triggers, triggerCall{name: name, vars: vars})
	return nil
}

func tableSnapshot(extra map[string]interface{}) changeset.Snapshot {
	s := changeset.Snapshot{
		"name":               "orders",
		"fullyQualifiedName": "svc.db.orders",
		"description":        "order fact table",
	}
	for k, v := range extra {
		s[k] = v
	}
	return s
}

func TestRecordMutation_CreateEmitsCreated(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation:  event.OpCreate,
		EntityType: "table",
		EntityID:   "e-1",
		Updated:    tableSnapshot(nil),
		UserName:   "ana",
	})
	if err != nil {
		t.Fatalf("%s - RecordMutation failed: %v", pipelineTestPrefix, err)
	}
	if res.NoOp || res.Version != "0.1" || !res.EventRecorded {
		t.Fatalf("%s - result = %+v, want version 0.1 recorded", pipelineTestPrefix, res)
	}
	if res.Event == nil || res.Event.EventType != event.EntityCreated {
		t.Fatalf("%s - event = %+v, want entityCreated", pipelineTestPrefix, res.Event)
	}
	if res.EventOffset != 1 {
		t.Errorf("%s - offset = %d, want 1", pipelineTestPrefix, res.EventOffset)
	}
	if len(env.published) != 1 {
		t.Errorf("%s - published %d events, want 1", pipelineTestPrefix, len(env.published))
	}
	if len(env.store.ops) == 0 || env.store.ops[0].Kind != search.OpUpsert {
		t.Errorf("%s - expected an UPSERT sync op, got %+v", pipelineTestPrefix, env.store.ops)
	}
	if rec := env.store.entities["e-1"]; rec == nil || rec.Major != 0 || rec.Minor != 1 {
		t.Errorf("%s - stored record = %+v", pipelineTestPrefix, env.store.entities["e-1"])
	}
}

func TestRecordMutation_NoOpUpdateEmitsNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpCreate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(nil), UserName: "ana",
	}); err != nil {
		t.Fatalf("%s - create failed: %v", pipelineTestPrefix, err)
	}
	before := len(env.store.appended)

	res, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpUpdate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(nil), UserName: "ana",
	})
	if err != nil {
		t.Fatalf("%s - no-op update failed: %v", pipelineTestPrefix, err)
	}
	if !res.NoOp || res.Event != nil {
		t.Errorf("%s - result = %+v, want no-op without event", pipelineTestPrefix, res)
	}
	if res.Version != "0.1" {
		t.Errorf("%s - version = %s, want unchanged 0.1", pipelineTestPrefix, res.Version)
	}
	if len(env.store.appended) != before {
		t.Errorf("%s - no-op update appended an event", pipelineTestPrefix)
	}
}

func TestRecordMutation_VersionConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpCreate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(nil), UserName: "ana",
	}); err != nil {
		t.Fatalf("%s - create failed: %v", pipelineTestPrefix, err)
	}
	// Another writer moved the row between this request's read and write.
	env.store.updateErr = fmt.Errorf("update e-1: %w", db.ErrVersionConflict)

	_, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpUpdate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(map[string]interface{}{"description": "renamed"}), UserName: "ana",
	})
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Code != CodeVersionConflict {
		t.Fatalf("%s - err = %v, want VERSION_CONFLICT", pipelineTestPrefix, err)
	}
}

func TestRecordMutation_UpdateOfMissingEntityIsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.pipe.RecordMutation(context.Background(), &MutationInput{
		Operation: event.OpUpdate, EntityType: "table", EntityID: "missing",
		Updated: tableSnapshot(nil), UserName: "ana",
	})
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Code != CodeNotFound {
		t.Fatalf("%s - err = %v, want NOT_FOUND", pipelineTestPrefix, err)
	}
}

func TestRecordMutation_AppendFailureStillSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.appendErr = errors.New("log unavailable")

	res, err := env.pipe.RecordMutation(context.Background(), &MutationInput{
		Operation: event.OpCreate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(nil), UserName: "ana",
	})
	if err != nil {
		t.Fatalf("%s - mutation should succeed despite append failure: %v", pipelineTestPrefix, err)
	}
	if res.EventRecorded {
		t.Errorf("%s - EventRecorded should be false", pipelineTestPrefix)
	}
	if res.Event == nil {
		t.Errorf("%s - event should still be built", pipelineTestPrefix)
	}
	// Write-ahead: nothing fans out for an event that never reached the
	// log, since replay from the log is the recovery path.
	if len(env.published) != 0 {
		t.Errorf("%s - published %d events, want 0", pipelineTestPrefix, len(env.published))
	}
	if len(env.store.ops) != 0 {
		t.Errorf("%s - enqueued %d index ops, want 0", pipelineTestPrefix, len(env.store.ops))
	}
	if len(env.feed.threads) != 0 {
		t.Errorf("%s - published %d feed threads, want 0", pipelineTestPrefix, len(env.feed.threads))
	}
	if len(env.triggers) != 0 {
		t.Errorf("%s - triggered %d workflows, want 0", pipelineTestPrefix, len(env.triggers))
	}
	if env.store.entities["e-1"] == nil {
		t.Errorf("%s - primary write should survive", pipelineTestPrefix)
	}
}

func TestRecordMutation_AppendFailureSkipsRouting(t *testing.T) {
	env := newTestEnv(t, nil)
	rt := &recordingRouter{}
	env.pipe.router = rt
	env.store.appendErr = errors.New("log unavailable")

	res, err := env.pipe.RecordMutation(context.Background(), &MutationInput{
		Operation: event.OpCreate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(nil), UserName: "ana",
	})
	if err != nil {
		t.Fatalf("%s - mutation should succeed despite append failure: %v", pipelineTestPrefix, err)
	}
	if res.EventRecorded || res.EventOffset != 0 {
		t.Errorf("%s - result = recorded=%v offset=%d, want unrecorded", pipelineTestPrefix, res.EventRecorded, res.EventOffset)
	}
	// No delivery attempts may reference an event the log never stored.
	if len(rt.offsets) != 0 {
		t.Errorf("%s - routed offsets %v, want none", pipelineTestPrefix, rt.offsets)
	}
}

func TestRecordMutation_FeedThreadsForVisibleTypes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpCreate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(nil), UserName: "ana",
	}); err != nil {
		t.Fatalf("%s - create failed: %v", pipelineTestPrefix, err)
	}
	env.feed.threads = nil

	if _, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpUpdate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(map[string]interface{}{"description": "order facts, daily"}), UserName: "ana",
	}); err != nil {
		t.Fatalf("%s - update failed: %v", pipelineTestPrefix, err)
	}
	if len(env.feed.threads) != 1 || env.feed.threads[0].Field != "description" {
		t.Fatalf("%s - threads = %+v, want one description thread", pipelineTestPrefix, env.feed.threads)
	}

	// user is not feed-visible in this config
	if _, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpCreate, EntityType: "user", EntityID: "u-1",
		Updated: changeset.Snapshot{"name": "ana"}, UserName: "admin",
	}); err != nil {
		t.Fatalf("%s - user create failed: %v", pipelineTestPrefix, err)
	}
	if len(env.feed.threads) != 1 {
		t.Errorf("%s - non-visible type produced feed threads", pipelineTestPrefix)
	}
}

func TestRecordMutation_UserEventInvalidatesSubjectCache(t *testing.T) {
	loads := 0
	cache := rules.NewSubjectCache(countingSubjects{loads: &loads})
	env := newTestEnv(t, cache)
	ctx := context.Background()

	cache.UserByID(ctx, "u-1")
	cache.UserByID(ctx, "u-1")
	if loads != 1 {
		t.Fatalf("%s - warm cache loaded %d times, want 1", pipelineTestPrefix, loads)
	}

	if _, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpCreate, EntityType: "user", EntityID: "u-1",
		Updated: changeset.Snapshot{"name": "ana"}, UserName: "admin",
	}); err != nil {
		t.Fatalf("%s - user mutation failed: %v", pipelineTestPrefix, err)
	}

	cache.UserByID(ctx, "u-1")
	if loads != 2 {
		t.Errorf("%s - cache not invalidated: %d loads, want 2", pipelineTestPrefix, loads)
	}
}

type countingSubjects struct{ loads *int }

func (c countingSubjects) GetUser(_ context.Context, id string) (*rules.Subject, bool, error) {
	*c.loads++
	return &rules.Subject{ID: id, Name: "ana"}, true, nil
}

func (c countingSubjects) GetTeam(context.Context, string) (*rules.Subject, bool, error) {
	return nil, false, nil
}

func TestRecordMutation_LifecycleTriggersWorkflow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpCreate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(nil), UserName: "ana",
	}); err != nil {
		t.Fatalf("%s - create failed: %v", pipelineTestPrefix, err)
	}
	if len(env.triggers) != 1 {
		t.Fatalf("%s - triggers = %d, want 1 after create", pipelineTestPrefix, len(env.triggers))
	}
	got := env.triggers[0]
	if got.name != "entityLifecycle" || got.vars["entityId"] != "e-1" || got.vars["eventType"] != "entityCreated" {
		t.Errorf("%s - trigger = %+v", pipelineTestPrefix, got)
	}

	// Plain updates are not lifecycle events.
	if _, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpUpdate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(map[string]interface{}{"description": "changed"}), UserName: "ana",
	}); err != nil {
		t.Fatalf("%s - update failed: %v", pipelineTestPrefix, err)
	}
	if len(env.triggers) != 1 {
		t.Errorf("%s - plain update triggered a workflow", pipelineTestPrefix)
	}
}

func TestRecordMutation_HardDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpCreate, EntityType: "table", EntityID: "e-1",
		Updated: tableSnapshot(nil), UserName: "ana",
	}); err != nil {
		t.Fatalf("%s - create failed: %v", pipelineTestPrefix, err)
	}

	res, err := env.pipe.RecordMutation(ctx, &MutationInput{
		Operation: event.OpHardDelete, EntityType: "table", EntityID: "e-1", UserName: "ana",
	})
	if err != nil {
		t.Fatalf("%s - hard delete failed: %v", pipelineTestPrefix, err)
	}
	if res.Event == nil || res.Event.EventType != event.EntityDeleted {
		t.Fatalf("%s - event = %+v, want entityDeleted", pipelineTestPrefix, res.Event)
	}
	if res.Event.CurrentVersion != "0.1" {
		t.Errorf("%s - deleted event carries version %s, want pre-delete 0.1",
			pipelineTestPrefix, res.Event.CurrentVersion)
	}
	if _, found, _ := env.store.GetEntity(ctx, "e-1"); found {
		t.Errorf("%s - entity still present after hard delete", pipelineTestPrefix)
	}
}

// TestPipeline_FiveStepLifecycle walks one entity through create, tag add,
// rename, soft delete and restore, asserting the version and event emitted
// at every step.
type recordingRouter struct {
	offsets []int64
}

func (r *recordingRouter) Route(_ context.Context, _ *event.ChangeEvent, offset int64) (int, error) {
	r.offsets = append(r.offsets, offset)
	return 1, nil
}

func TestRecordMutation_RoutesEventWithLogOffset(t *testing.T) {
	router := &recordingRouter{}
	store := newFakeStore()
	pipe := NewPipeline(NewPipelineParams{
		Store:      store,
		Classifier: testClassifier(t),
		Router:     router,
	})
	ctx := context.Background()

	for i, id := range []string{"e-1", "e-2"} {
		snap := tableSnapshot(nil)
		snap["name"] = fmt.Sprintf("orders_%d", i)
		_, err := pipe.RecordMutation(ctx, &MutationInput{
			Operation:  event.OpCreate,
			EntityType: "table",
			EntityID:   id,
			Updated:    snap,
			UserName:   "ana",
		})
		if err != nil {
			t.Fatalf("%s - create %s failed: %v", pipelineTestPrefix, id, err)
		}
	}

	if len(router.offsets) != 2 || router.offsets[0] != 1 || router.offsets[1] != 2 {
		t.Errorf("%s - routed offsets = %v, want [1 2]", pipelineTestPrefix, router.offsets)
	}
}

func TestPipeline_FiveStepLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	record := func(op event.Operation, snapshot changeset.Snapshot) *MutationResult {
		t.Helper()
		res, err := env.pipe.RecordMutation(ctx, &MutationInput{
			Operation: op, EntityType: "table", EntityID: "e-1",
			Updated: snapshot, UserName: "ana",
			Matchers: map[string]changeset.MatchFunc{"tags": changeset.MatchByFQN},
		})
		if err != nil {
			t.Fatalf("%s - step failed: %v", pipelineTestPrefix, err)
		}
		return res
	}

	// 1. create -> 0.1, entityCreated
	res := record(event.OpCreate, tableSnapshot(nil))
	if res.Version != "0.1" || res.Event.EventType != event.EntityCreated {
		t.Fatalf("%s - step 1: version=%s type=%s", pipelineTestPrefix, res.Version, res.Event.EventType)
	}

	// 2. add one tag -> minor, 0.2, entityUpdated, one fieldsAdded entry
	tagged := tableSnapshot(map[string]interface{}{
		"tags": []interface{}{map[string]interface{}{"tagFQN": "PII.Sensitive"}},
	})
	res = record(event.OpUpdate, tagged)
	if res.Version != "0.2" || res.Event.EventType != event.EntityUpdated {
		t.Fatalf("%s - step 2: version=%s type=%s", pipelineTestPrefix, res.Version, res.Event.EventType)
	}
	cs := res.Event.ChangeDescription
	if len(cs.FieldsAdded) != 1 || cs.FieldsAdded[0].Name != "tags" ||
		len(cs.FieldsUpdated) != 0 || len(cs.FieldsDeleted) != 0 {
		t.Fatalf("%s - step 2 change set: %+v", pipelineTestPrefix, cs)
	}

	// 3. rename -> major, 1.0
	renamed := tableSnapshot(map[string]interface{}{
		"name": "orders_v2",
		"tags": []interface{}{map[string]interface{}{"tagFQN": "PII.Sensitive"}},
	})
	res = record(event.OpUpdate, renamed)
	if res.Version != "1.0" || res.Event.EventType != event.EntityUpdated {
		t.Fatalf("%s - step 3: version=%s type=%s", pipelineTestPrefix, res.Version, res.Event.EventType)
	}

	// 4. soft delete -> minor, 1.1, entitySoftDeleted
	deleted := tableSnapshot(map[string]interface{}{
		"name":    "orders_v2",
		"tags":    []interface{}{map[string]interface{}{"tagFQN": "PII.Sensitive"}},
		"deleted": true,
	})
	res = record(event.OpUpdate, deleted)
	if res.Version != "1.1" || res.Event.EventType != event.EntitySoftDeleted {
		t.Fatalf("%s - step 4: version=%s type=%s", pipelineTestPrefix, res.Version, res.Event.EventType)
	}
	if rec := env.store.entities["e-1"]; rec == nil || !rec.Deleted {
		t.Fatalf("%s - step 4: stored record not marked deleted", pipelineTestPrefix)
	}

	// 5. restore -> minor, 1.2, deleted=false
	restored := tableSnapshot(map[string]interface{}{
		"name":    "orders_v2",
		"tags":    []interface{}{map[string]interface{}{"tagFQN": "PII.Sensitive"}},
		"deleted": false,
	})
	res = record(event.OpUpdate, restored)
	if res.Version != "1.2" || res.Event.EventType != event.EntityUpdated {
		t.Fatalf("%s - step 5: version=%s type=%s", pipelineTestPrefix, res.Version, res.Event.EventType)
	}
	if rec := env.store.entities["e-1"]; rec == nil || rec.Deleted {
		t.Fatalf("%s - step 5: stored record still marked deleted", pipelineTestPrefix)
	}

	// Exactly one event per effective step.
	if len(env.store.appended) != 5 {
		t.Errorf("%s - appended %d events, want 5", pipelineTestPrefix, len(env.store.appended))
	}
}
