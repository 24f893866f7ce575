package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const cacheLogPrefix = "rules:cache"

// Subject is a user or team as seen by the rule evaluator.
type Subject struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// SubjectStore loads users and teams from the primary store. found=false
// with a nil error means the subject does not exist.
type SubjectStore interface {
	GetUser(ctx context.Context, id string) (subject *Subject, found bool, err error)
	GetTeam(ctx context.Context, id string) (subject *Subject, found bool, err error)
}

// SubjectCache is a read-through cache over a SubjectStore. It is
// constructed explicitly at startup and passed to the Evaluator; the
// pipeline invalidates entries when user or team change events arrive.
type SubjectCache struct {
	store SubjectStore

	mu    sync.RWMutex
	users map[string]*Subject
	teams map[string]*Subject
}

// NewSubjectCache creates an empty cache over the given store.
func NewSubjectCache(store SubjectStore) *SubjectCache {
	return &SubjectCache{
		store: store,
		users: map[string]*Subject{},
		teams: map[string]*Subject{},
	}
}

// UserByID implements SubjectLookup.
func (c *SubjectCache) UserByID(ctx context.Context, id string) (*Subject, bool) {
	return c.get(ctx, id, c.users, c.store.GetUser)
}

// TeamByID implements SubjectLookup.
func (c *SubjectCache) TeamByID(ctx context.Context, id string) (*Subject, bool) {
	return c.get(ctx, id, c.teams, c.store.GetTeam)
}

type loadFunc func(ctx context.Context, id string) (*Subject, bool, error)

func (c *SubjectCache) get(ctx context.Context, id string, cache map[string]*Subject, load loadFunc) (*Subject, bool) {
	if id == "" {
		return nil, false
	}
	c.mu.RLock()
	s, ok := cache[id]
	c.mu.RUnlock()
	if ok {
		return s, s != nil
	}

	s, found, err := load(ctx, id)
	if err != nil {
		// Lookup errors are not cached; the evaluator treats the subject
		// as absent and the next event retries the load.
		slog.Warn(fmt.Sprintf("%s - subject lookup %s failed: %v", cacheLogPrefix, id, err))
		return nil, false
	}
	if !found {
		s = nil
	}
	c.mu.Lock()
	cache[id] = s
	c.mu.Unlock()
	return s, found
}

// Invalidate drops a subject from the cache. Called when a user or team
// change event arrives so renamed owners resolve freshly.
func (c *SubjectCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.users, id)
	delete(c.teams, id)
	c.mu.Unlock()
}
