package rules

import (
	"context"
	"testing"
)

const cacheTestPrefix = "rules:cache_test"

func TestSubjectCache_ReadThrough(t *testing.T) {
	store := &fakeSubjectStore{users: map[string]*Subject{"u-1": {ID: "u-1", Name: "alice"}}}
	cache := NewSubjectCache(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, found := cache.UserByID(ctx, "u-1")
		if !found || s.Name != "alice" {
			t.Fatalf("%s - UserByID = %+v found=%v", cacheTestPrefix, s, found)
		}
	}
	if store.userCalls != 1 {
		t.Errorf("%s - store hit %d times, want 1", cacheTestPrefix, store.userCalls)
	}
}

func TestSubjectCache_CachesMisses(t *testing.T) {
	store := &fakeSubjectStore{}
	cache := NewSubjectCache(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, found := cache.UserByID(ctx, "ghost"); found {
			t.Fatalf("%s - found nonexistent user", cacheTestPrefix)
		}
	}
	if store.userCalls != 1 {
		t.Errorf("%s - miss not cached: %d store hits", cacheTestPrefix, store.userCalls)
	}
}

func TestSubjectCache_Invalidate(t *testing.T) {
	store := &fakeSubjectStore{users: map[string]*Subject{"u-1": {ID: "u-1", Name: "alice"}}}
	cache := NewSubjectCache(store)
	ctx := context.Background()

	cache.UserByID(ctx, "u-1")
	store.users["u-1"] = &Subject{ID: "u-1", Name: "alice.renamed"}

	// Still the stale name until invalidated.
	s, _ := cache.UserByID(ctx, "u-1")
	if s.Name != "alice" {
		t.Fatalf("%s - expected cached value, got %q", cacheTestPrefix, s.Name)
	}
	cache.Invalidate("u-1")
	s, _ = cache.UserByID(ctx, "u-1")
	if s.Name != "alice.renamed" {
		t.Errorf("%s - expected fresh value after Invalidate, got %q", cacheTestPrefix, s.Name)
	}
}

func TestSubjectCache_ErrorsNotCached(t *testing.T) {
	store := &fakeSubjectStore{failAll: true, users: map[string]*Subject{"u-1": {ID: "u-1", Name: "alice"}}}
	cache := NewSubjectCache(store)
	ctx := context.Background()

	if _, found := cache.UserByID(ctx, "u-1"); found {
		t.Fatalf("%s - found user while store failing", cacheTestPrefix)
	}
	store.failAll = false
	if _, found := cache.UserByID(ctx, "u-1"); !found {
		t.Errorf("%s - error result was cached", cacheTestPrefix)
	}
}
