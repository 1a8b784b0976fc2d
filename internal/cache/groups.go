package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"empi/internal/database"
)

// defaultGroupViewTTL bounds how long a stale entry can linger after an
// eviction failure.
const defaultGroupViewTTL = 15 * time.Minute

// GroupViews caches match-group read models. Keys carry the group
// version, so a cached entry can never be served for a newer state of
// the group; writers only need to bump the version.
type GroupViews struct {
	cache Cache
	ttl   time.Duration
}

// NewGroupViews wraps a cache. A nil cache disables caching; Get then
// always misses and Put is a no-op.
func NewGroupViews(cache Cache, ttl time.Duration) *GroupViews {
	if ttl <= 0 {
		ttl = defaultGroupViewTTL
	}
	return &GroupViews{cache: cache, ttl: ttl}
}

func groupViewKey(groupUUID uuid.UUID, version int64) string {
	return fmt.Sprintf("match-group:%s:v%d", groupUUID, version)
}

// Get returns the cached view for the exact (uuid, version) pair, or
// ErrCacheMiss.
func (g *GroupViews) Get(ctx context.Context, groupUUID uuid.UUID, version int64) (*database.MatchGroupView, error) {
	if g == nil || g.cache == nil {
		return nil, ErrCacheMiss
	}
	raw, err := g.cache.Get(ctx, groupViewKey(groupUUID, version))
	if err != nil {
		return nil, err
	}
	var view database.MatchGroupView
	if err := json.Unmarshal(raw, &view); err != nil {
		// A corrupt entry behaves like a miss; the caller refills it.
		log.Warn().Err(err).Str("group", groupUUID.String()).Msg("Discarding corrupt cached group view")
		return nil, ErrCacheMiss
	}
	return &view, nil
}

// Put stores a view under its own (uuid, version) key. Cache failures
// are logged and swallowed; serving uncached is always acceptable.
func (g *GroupViews) Put(ctx context.Context, view *database.MatchGroupView) {
	if g == nil || g.cache == nil || view == nil {
		return
	}
	raw, err := json.Marshal(view)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal group view for cache")
		return
	}
	if err := g.cache.Set(ctx, groupViewKey(view.UUID, view.Version), raw, g.ttl); err != nil &&
		!errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("group", view.UUID.String()).Msg("Failed to cache group view")
	}
}
