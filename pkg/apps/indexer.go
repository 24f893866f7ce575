package apps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/catalog-events/pkg/db"
	"github.com/morezero/catalog-events/pkg/search"
)

const indexerLogPrefix = "apps:indexer"

const defaultReplayBatch = 200

// IndexerStore is the slice of the repository the indexer app needs.
type IndexerStore interface {
	ListEventsAfter(ctx context.Context, after int64, limit int) ([]db.StoredEvent, error)
	EnqueueOps(ctx context.Context, ops []*search.IndexSyncOp) error
}

// Indexer rebuilds index-sync work from the durable event log. Triggering it
// on demand replays events after a given offset and re-enqueues their sync
// ops; the Lua-scripted index operations make the replay idempotent.
type Indexer struct {
	store IndexerStore

	mu         sync.Mutex
	batchSize  int
	lastOffset int64
}

// NewIndexer creates the indexer application.
func NewIndexer(store IndexerStore) *Indexer {
	return &Indexer{store: store, batchSize: defaultReplayBatch}
}

// Name implements Application.
func (a *Indexer) Name() string { return "indexer" }

// Install applies initial configuration.
func (a *Indexer) Install(ctx context.Context, config map[string]interface{}) error {
	return a.Configure(ctx, config)
}

// Configure accepts a "batchSize" setting bounding events per replay page.
func (a *Indexer) Configure(_ context.Context, config map[string]interface{}) error {
	size, ok := config["batchSize"]
	if !ok {
		return nil
	}
	n, ok := size.(float64) // JSON numbers decode as float64
	if !ok || n < 1 {
		return fmt.Errorf("%s - batchSize must be a positive number, got %v", indexerLogPrefix, size)
	}
	a.mu.Lock()
	a.batchSize = int(n)
	a.mu.Unlock()
	return nil
}

// TriggerOnDemand replays the event log from params["afterOffset"] (default:
// where the previous run stopped) and enqueues the sync ops each event
// plans.
func (a *Indexer) TriggerOnDemand(ctx context.Context, params map[string]interface{}) error {
	a.mu.Lock()
	after := a.lastOffset
	batch := a.batchSize
	a.mu.Unlock()
	if v, ok := params["afterOffset"].(float64); ok {
		after = int64(v)
	}

	var replayed int
	for {
		rows, err := a.store.ListEventsAfter(ctx, after, batch)
		if err != nil {
			return fmt.Errorf("%s - failed to list events after %d: %w", indexerLogPrefix, after, err)
		}
		if len(rows) == 0 {
			break
		}
		for i := range rows {
			ev, err := db.DecodeEvent(&rows[i])
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - skipping undecodable event %s: %v", indexerLogPrefix, rows[i].ID, err))
				continue
			}
			if ops := search.Plan(ev); len(ops) > 0 {
				if err := a.store.EnqueueOps(ctx, ops); err != nil {
					return fmt.Errorf("%s - failed to enqueue ops for event %s: %w", indexerLogPrefix, ev.ID, err)
				}
			}
			replayed++
		}
		after = rows[len(rows)-1].Offset
	}

	a.mu.Lock()
	if after > a.lastOffset {
		a.lastOffset = after
	}
	a.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - replayed %d events up to offset %d", indexerLogPrefix, replayed, after))
	return nil
}
