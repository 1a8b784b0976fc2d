package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empi/internal/cache"
	"empi/internal/database"
)

// memoryCache is an in-process Cache for tests.
type memoryCache struct {
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.entries[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.entries[key] = value
	return nil
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	delete(m.entries, key)
	return nil
}

func (m *memoryCache) Ping(context.Context) error { return nil }

func (m *memoryCache) Close() error { return nil }

func TestGroupViewsRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryCache()
	views := cache.NewGroupViews(mem, time.Minute)

	groupUUID := uuid.New()
	view := &database.MatchGroupView{
		UUID:    groupUUID,
		Version: 3,
		Persons: []database.MatchGroupViewPerson{
			{UUID: uuid.New(), Version: 1, Records: []database.MatchGroupViewRecord{{ID: 10}}},
		},
		Results: []database.MatchGroupViewResult{
			{RecordLID: 10, RecordRID: 20, MatchProbability: 0.95},
		},
	}

	_, err := views.Get(ctx, groupUUID, 3)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	views.Put(ctx, view)

	got, err := views.Get(ctx, groupUUID, 3)
	require.NoError(t, err)
	assert.Equal(t, view.UUID, got.UUID)
	assert.Equal(t, view.Version, got.Version)
	require.Len(t, got.Persons, 1)
	assert.Equal(t, view.Persons[0].UUID, got.Persons[0].UUID)
	require.Len(t, got.Results, 1)
	assert.Equal(t, 0.95, got.Results[0].MatchProbability)
}

func TestGroupViewsVersionedKeys(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryCache()
	views := cache.NewGroupViews(mem, time.Minute)

	groupUUID := uuid.New()
	views.Put(ctx, &database.MatchGroupView{UUID: groupUUID, Version: 1})

	// A newer version of the group never hits the old entry.
	_, err := views.Get(ctx, groupUUID, 2)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	_, err = views.Get(ctx, groupUUID, 1)
	assert.NoError(t, err)
}

func TestGroupViewsCorruptEntryBehavesAsMiss(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryCache()
	views := cache.NewGroupViews(mem, time.Minute)

	groupUUID := uuid.New()
	views.Put(ctx, &database.MatchGroupView{UUID: groupUUID, Version: 1})
	for key := range mem.entries {
		mem.entries[key] = []byte("{not json")
	}

	_, err := views.Get(ctx, groupUUID, 1)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestGroupViewsNilCacheDisables(t *testing.T) {
	ctx := context.Background()
	views := cache.NewGroupViews(nil, 0)

	views.Put(ctx, &database.MatchGroupView{UUID: uuid.New(), Version: 1})
	_, err := views.Get(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}
