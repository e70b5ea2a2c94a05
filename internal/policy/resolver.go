package policy

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Resolver computes the transitive closure of a principal's groups. The
// implication graph may contain diamonds or cycles; the walk is a
// breadth-first union with a seen set and always terminates. Results are
// cached per principal until Invalidate is called.
type Resolver struct {
	store Store

	mu    sync.RWMutex
	cache map[int64][]string
	sf    singleflight.Group
}

// NewResolver constructs a Resolver backed by the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store: store,
		cache: make(map[int64][]string),
	}
}

// EffectiveGroups returns the sorted union of the principal's directly
// assigned groups and everything they transitively imply. A principal with
// no groups yields an empty slice. Concurrent misses for the same principal
// collapse into a single computation.
func (r *Resolver) EffectiveGroups(ctx context.Context, principalID int64) ([]string, error) {
	r.mu.RLock()
	cached, ok := r.cache[principalID]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := r.sf.Do(strconv.FormatInt(principalID, 10), func() (any, error) {
		groups, err := r.resolve(ctx, principalID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[principalID] = groups
		r.mu.Unlock()
		return groups, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (r *Resolver) resolve(ctx context.Context, principalID int64) ([]string, error) {
	seed, err := r.store.DirectGroups(ctx, principalID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(seed))
	frontier := make([]string, 0, len(seed))
	for _, id := range seed {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		frontier = append(frontier, id)
	}

	for len(frontier) > 0 {
		implied, err := r.store.ImpliedGroups(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, id := range implied {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			frontier = append(frontier, id)
		}
	}

	groups := make([]string, 0, len(seen))
	for id := range seen {
		groups = append(groups, id)
	}
	sort.Strings(groups)
	return groups, nil
}

// Invalidate drops cached closures. With no arguments the whole cache is
// cleared; otherwise only the given principals are evicted.
func (r *Resolver) Invalidate(principalIDs ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(principalIDs) == 0 {
		r.cache = make(map[int64][]string)
		return
	}
	for _, id := range principalIDs {
		delete(r.cache, id)
	}
}
