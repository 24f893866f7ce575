package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/morezero/catalog-events/pkg/event"
	"github.com/morezero/catalog-events/pkg/rules"
)

// fakeSubscriptionStore serves a fixed subscription list.
type fakeSubscriptionStore struct {
	subs []*Subscription
	err  error
}

func (f *fakeSubscriptionStore) ListEnabledSubscriptions(ctx context.Context) ([]*Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	var enabled []*Subscription
	for _, s := range f.subs {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	return enabled, nil
}

// fakeAttemptStore is an in-memory durable queue with the same claiming
// contract as the database-backed store: a pair's batch is released only
// when its oldest undelivered attempt is due.
type fakeAttemptStore struct {
	mu        sync.Mutex
	attempts  []*DeliveryAttempt
	events    map[string]*event.ChangeEvent
	subs      map[string]*Subscription
	updates   []DeliveryAttempt
	createErr error
}

func newFakeAttemptStore() *fakeAttemptStore {
	return &fakeAttemptStore{
		events: make(map[string]*event.ChangeEvent),
		subs:   make(map[string]*Subscription),
	}
}

func (f *fakeAttemptStore) addSubscription(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = sub
}

func (f *fakeAttemptStore) addEvent(ev *event.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.ID] = ev
}

func (f *fakeAttemptStore) CreateAttempts(ctx context.Context, attempts []*DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.attempts = append(f.attempts, attempts...)
	return nil
}

func (f *fakeAttemptStore) DueBatches(ctx context.Context, now time.Time, maxPairs int) ([]*Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	type pairKey struct{ sub, dest string }
	grouped := make(map[pairKey][]*DeliveryAttempt)
	var order []pairKey
	for _, a := range f.attempts {
		if a.Terminal() {
			continue
		}
		key := pairKey{a.SubscriptionID, a.DestinationID}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], a)
	}

	var batches []*Batch
	for _, key := range order {
		if maxPairs > 0 && len(batches) >= maxPairs {
			break
		}
		pending := grouped[key]
		sort.SliceStable(pending, func(i, j int) bool {
			return pending[i].EventOffset < pending[j].EventOffset
		})
		if pending[0].NextAttemptAt.After(now) {
			continue
		}
		sub := f.subs[key.sub]
		if sub == nil {
			continue
		}
		size := sub.BatchSize
		if size <= 0 {
			size = 10
		}
		if len(pending) > size {
			pending = pending[:size]
		}
		batch := &Batch{Subscription: sub, Destination: destinationOf(sub, key.dest)}
		for _, a := range pending {
			a.Status = StatusPending
			batch.Attempts = append(batch.Attempts, a)
			batch.Events = append(batch.Events, f.events[a.EventID])
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (f *fakeAttemptStore) UpdateAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, *attempt)
	for i, a := range f.attempts {
		if a.ID == attempt.ID {
			cp := *attempt
			f.attempts[i] = &cp
		}
	}
	return nil
}

func (f *fakeAttemptStore) byID(id string) *DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.ID == id {
			cp := *a
			return &cp
		}
	}
	return nil
}

func (f *fakeAttemptStore) all() []DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DeliveryAttempt, 0, len(f.attempts))
	for _, a := range f.attempts {
		out = append(out, *a)
	}
	return out
}

func destinationOf(sub *Subscription, destID string) *Destination {
	for i := range sub.Destinations {
		if sub.Destinations[i].ID == destID {
			return &sub.Destinations[i]
		}
	}
	return &Destination{ID: destID, Kind: DestinationWebhook}
}

// fakeSubjects resolves no owners; matcher tests use rules that do not need
// subject lookups.
type fakeSubjects struct{}

func (fakeSubjects) UserByID(ctx context.Context, id string) (*rules.Subject, bool) {
	return nil, false
}

func (fakeSubjects) TeamByID(ctx context.Context, id string) (*rules.Subject, bool) {
	return nil, false
}
