//go:build integration

package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/catalog-events/pkg/apps"
	"github.com/morezero/catalog-events/pkg/bootstrap"
	"github.com/morezero/catalog-events/pkg/db"
	"github.com/morezero/catalog-events/pkg/dispatcher"
	"github.com/morezero/catalog-events/pkg/pipeline"
	"github.com/morezero/catalog-events/pkg/router"
	"github.com/morezero/catalog-events/pkg/rules"
)

const integrationTestPrefix = "tests:integration_test"
const integrationNatsPort = 14241

// Integration tests use DATABASE_URL (e.g. .../catalog_test). Create the
// database once with: catalog-events ensure-db catalog_test

func TestIntegration_PipelineWithDB_RecordListDeliver(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skipf("%s - DATABASE_URL not set (e.g. .../catalog_test; create with catalog-events ensure-db), skipping", integrationTestPrefix)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, url)
	if err != nil {
		t.Fatalf("%s - NewPool failed: %v", integrationTestPrefix, err)
	}
	defer pool.Close()

	migrationPath := "migrations"
	if _, err := os.Stat(migrationPath); os.IsNotExist(err) {
		migrationPath = filepath.Join("..", "migrations")
	}
	migrationSQL, err := db.LoadMigrationFiles(migrationPath)
	if err != nil {
		t.Fatalf("%s - LoadMigrationFiles failed: %v", integrationTestPrefix, err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		t.Fatalf("%s - RunMigrations failed: %v", integrationTestPrefix, err)
	}
	if err := db.ClearCatalog(ctx, pool); err != nil {
		t.Fatalf("%s - ClearCatalog failed: %v", integrationTestPrefix, err)
	}

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   integrationNatsPort,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("%s - failed to create NATS server: %v", integrationTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - NATS server failed to start", integrationTestPrefix)
	}
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("%s - failed to connect to NATS: %v", integrationTestPrefix, err)
	}
	defer nc.Close()

	box, err := router.NewSecretBox(bytes.Repeat([]byte{0x2a}, 32))
	if err != nil {
		t.Fatalf("%s - NewSecretBox failed: %v", integrationTestPrefix, err)
	}
	repo := db.NewRepository(pool, box)

	resolved, err := bootstrap.CreateResolvedBootstrap(bootstrap.GetDefaultBootstrapConfig())
	if err != nil {
		t.Fatalf("%s - resolve bootstrap: %v", integrationTestPrefix, err)
	}
	subjects := rules.NewSubjectCache(repo)
	matcher := router.NewMatcher(repo, repo, rules.NewEvaluator(subjects), nil)
	pipe := pipeline.NewPipeline(pipeline.NewPipelineParams{
		Store:      repo,
		Classifier: resolved.Classifier(),
		Subjects:   subjects,
		Router:     matcher,
		Config: pipeline.Config{
			FeedVisibleTypes: resolved.FeedVisibleTypes(),
			WorkflowName:     resolved.WorkflowName(),
		},
	})
	registry := apps.NewRegistry()
	if err := registry.Register("1.0.0", apps.NewIndexer(repo)); err != nil {
		t.Fatalf("%s - register indexer: %v", integrationTestPrefix, err)
	}
	disp := dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{
		Pipeline: pipe,
		Apps:     registry,
		DB:       pool,
	})

	subject := "catalog.test.pipeline.integration.v1"
	_, err = nc.Subscribe(subject, func(msg *comms.Msg) {
		var req dispatcher.PipelineRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			resp := &dispatcher.PipelineResponse{
				Ok:    false,
				Error: &dispatcher.ErrorDetail{Code: "INVALID_REQUEST", Message: "Failed to decode request"},
			}
			data, _ := json.Marshal(resp)
			msg.Respond(data)
			return
		}
		reqCtx, reqCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer reqCancel()
		resp := disp.Dispatch(reqCtx, &req)
		data, _ := json.Marshal(resp)
		msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("%s - subscribe failed: %v", integrationTestPrefix, err)
	}

	send := func(req *dispatcher.PipelineRequest) *dispatcher.PipelineResponse {
		data, _ := json.Marshal(req)
		msg, err := nc.Request(subject, data, 10*time.Second)
		if err != nil {
			t.Fatalf("%s - request failed: %v", integrationTestPrefix, err)
		}
		var resp dispatcher.PipelineResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("%s - unmarshal response: %v", integrationTestPrefix, err)
		}
		return &resp
	}

	// 1. Upsert a subscription with a signing secret.
	subParams := map[string]interface{}{
		"name":           "int-alerts",
		"enabled":        true,
		"filteringRules": "matchAnySource('table')",
		"destinations": []map[string]interface{}{
			{"kind": "webhook", "endpoint": "https://example.test/hook", "secret": "whsec_int"},
		},
	}
	subJSON, _ := json.Marshal(subParams)
	resp := send(&dispatcher.PipelineRequest{
		ID:     "int-sub-1",
		Method: "subscriptions.upsert",
		Params: subJSON,
	})
	if !resp.Ok {
		t.Fatalf("%s - subscriptions.upsert failed: %v", integrationTestPrefix, resp.Error)
	}

	// 2. Record a creation.
	recordParams, _ := json.Marshal(map[string]interface{}{
		"operation":  "create",
		"entityType": "table",
		"entityId":   "int-t-1",
		"updated": map[string]interface{}{
			"name":               "invoices",
			"fullyQualifiedName": "warehouse.billing.invoices",
		},
	})
	resp = send(&dispatcher.PipelineRequest{
		ID:     "int-record-1",
		Method: "record",
		Params: recordParams,
		Ctx:    &dispatcher.InvocationContext{UserID: "alice"},
	})
	if !resp.Ok {
		t.Fatalf("%s - record failed: %v", integrationTestPrefix, resp.Error)
	}
	result, _ := json.Marshal(resp.Result)
	var mutation pipeline.MutationResult
	if err := json.Unmarshal(result, &mutation); err != nil {
		t.Fatalf("%s - record result unmarshal: %v", integrationTestPrefix, err)
	}
	if mutation.Version != "0.1" {
		t.Errorf("%s - Version = %q, want 0.1", integrationTestPrefix, mutation.Version)
	}
	if !mutation.EventRecorded || mutation.EventOffset == 0 {
		t.Errorf("%s - event not recorded: recorded=%v offset=%d", integrationTestPrefix, mutation.EventRecorded, mutation.EventOffset)
	}

	// 3. The durable log holds the event.
	resp = send(&dispatcher.PipelineRequest{
		ID:     "int-list-1",
		Method: "events.list",
		Params: json.RawMessage(`{"after": 0, "limit": 10}`),
	})
	if !resp.Ok {
		t.Fatalf("%s - events.list failed: %v", integrationTestPrefix, resp.Error)
	}
	var stored []db.StoredEvent
	result, _ = json.Marshal(resp.Result)
	if err := json.Unmarshal(result, &stored); err != nil {
		t.Fatalf("%s - events.list result unmarshal: %v", integrationTestPrefix, err)
	}
	if len(stored) != 1 {
		t.Fatalf("%s - events.list returned %d events, want 1", integrationTestPrefix, len(stored))
	}
	if stored[0].EventType != "entityCreated" || stored[0].UserName != "alice" {
		t.Errorf("%s - stored event = %+v, want entityCreated by alice", integrationTestPrefix, stored[0])
	}

	// 4. The matcher enqueued a delivery attempt for the subscription.
	batches, err := repo.DueBatches(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("%s - DueBatches failed: %v", integrationTestPrefix, err)
	}
	if len(batches) != 1 {
		t.Fatalf("%s - DueBatches returned %d batches, want 1", integrationTestPrefix, len(batches))
	}
	if got := batches[0].Destination.Secret; got != "whsec_int" {
		t.Errorf("%s - destination secret did not round-trip through the secret box: %q", integrationTestPrefix, got)
	}
	if len(batches[0].Events) != 1 || batches[0].Events[0].EntityFQN != "warehouse.billing.invoices" {
		t.Errorf("%s - batch events = %+v, want the recorded creation", integrationTestPrefix, batches[0].Events)
	}

	// 5. Listing subscriptions never exposes secrets.
	resp = send(&dispatcher.PipelineRequest{
		ID:     "int-sublist-1",
		Method: "subscriptions.list",
		Params: json.RawMessage(`{}`),
	})
	if !resp.Ok {
		t.Fatalf("%s - subscriptions.list failed: %v", integrationTestPrefix, resp.Error)
	}
	listJSON, _ := json.Marshal(resp.Result)
	if bytes.Contains(listJSON, []byte("whsec_int")) {
		t.Errorf("%s - subscriptions.list leaked a destination secret", integrationTestPrefix)
	}

	// 6. Health.
	resp = send(&dispatcher.PipelineRequest{
		ID:     "int-health-1",
		Method: "health",
		Params: json.RawMessage(`{}`),
	})
	if !resp.Ok {
		t.Fatalf("%s - health failed: %v", integrationTestPrefix, resp.Error)
	}
	var healthOut dispatcher.HealthOutput
	result, _ = json.Marshal(resp.Result)
	if err := json.Unmarshal(result, &healthOut); err != nil {
		t.Fatalf("%s - health result unmarshal: %v", integrationTestPrefix, err)
	}
	if healthOut.Status != "healthy" {
		t.Errorf("%s - health status = %q, want healthy", integrationTestPrefix, healthOut.Status)
	}
	if !healthOut.Checks.Database {
		t.Errorf("%s - health database check should be true", integrationTestPrefix)
	}

	// 7. Trigger the indexer for a cross-index repair pass.
	resp = send(&dispatcher.PipelineRequest{
		ID:     "int-trigger-1",
		Method: "apps.trigger",
		Params: json.RawMessage(`{"ref": "indexer@^1.0.0"}`),
	})
	if !resp.Ok {
		t.Fatalf("%s - apps.trigger failed: %v", integrationTestPrefix, resp.Error)
	}
}
