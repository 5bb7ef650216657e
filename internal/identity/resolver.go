// Package identity resolves author ids to display handles for one session.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"icebreaker/backend/internal/metrics"
	"icebreaker/backend/internal/models"
	"icebreaker/backend/internal/store"
	"icebreaker/backend/pkg/logger"
)

// Lookup fetches a single identity record
type Lookup interface {
	GetIdentity(ctx context.Context, id string) (*models.Identity, error)
}

// LookupFunc adapts a function to Lookup
type LookupFunc func(ctx context.Context, id string) (*models.Identity, error)

// GetIdentity calls f
func (f LookupFunc) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	return f(ctx, id)
}

// ResolutionError records a failed lookup for one id. It is logged and the
// caller falls back to another handle.
type ResolutionError struct {
	ID    string
	Cause error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve identity %s: %v", e.ID, e.Cause)
}

func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

// Resolver is a read-through cache of id → handle. Entries are added lazily
// and never removed for the lifetime of the resolver.
type Resolver struct {
	lookup Lookup
	log    *logger.Logger

	cache  atomic.Pointer[map[string]string]
	flight singleflight.Group
}

// NewResolver creates a resolver with an empty cache
func NewResolver(lookup Lookup, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Nop()
	}
	r := &Resolver{lookup: lookup, log: log.WithComponent("identity")}
	empty := map[string]string{}
	r.cache.Store(&empty)
	return r
}

// Handle returns the cached handle for id
func (r *Resolver) Handle(id string) (string, bool) {
	h, ok := (*r.cache.Load())[id]
	return h, ok
}

// Handles returns the current cache map. Callers must not modify it; it is
// replaced, never mutated, by later rounds.
func (r *Resolver) Handles() map[string]string {
	return *r.cache.Load()
}

// Snapshot returns a copy of the cache
func (r *Resolver) Snapshot() map[string]string {
	cur := *r.cache.Load()
	out := make(map[string]string, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// Resolve returns handles for ids. Cached ids are answered without a lookup.
// The rest are looked up concurrently; at most one lookup per id is in flight
// across all callers. A failed or unknown id is simply absent from the result.
// Everything a round resolves is published to the cache in a single swap once
// the whole round has finished.
func (r *Resolver) Resolve(ctx context.Context, ids []string) map[string]string {
	result := make(map[string]string, len(ids))
	cached := *r.cache.Load()

	var pending []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if h, ok := cached[id]; ok {
			result[id] = h
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return result
	}

	handles := make([]string, len(pending))
	oks := make([]bool, len(pending))

	// Tasks never return an error so one failure cannot cancel the others.
	var g errgroup.Group
	for i, id := range pending {
		i, id := i, id
		g.Go(func() error {
			h, err := r.resolveOne(ctx, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				r.log.Debug("identity not found", "author_id", id)
				return nil
			case err != nil:
				r.log.Warn("identity lookup failed", "author_id", id, "error", err.Error())
				return nil
			}
			handles[i] = h
			oks[i] = true
			return nil
		})
	}
	_ = g.Wait()

	round := make(map[string]string, len(pending))
	for i, id := range pending {
		if oks[i] {
			round[id] = handles[i]
			result[id] = handles[i]
		}
	}
	r.merge(round)
	return result
}

func (r *Resolver) resolveOne(ctx context.Context, id string) (string, error) {
	v, err, _ := r.flight.Do(id, func() (interface{}, error) {
		// another round may have published id between the caller's cache read and now
		if h, ok := r.Handle(id); ok {
			return h, nil
		}

		ident, err := r.lookup.GetIdentity(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			metrics.IdentityLookups.WithLabelValues("not_found").Inc()
			return "", &ResolutionError{ID: id, Cause: err}
		case err != nil:
			metrics.IdentityLookups.WithLabelValues("error").Inc()
			return "", &ResolutionError{ID: id, Cause: err}
		}
		metrics.IdentityLookups.WithLabelValues("ok").Inc()

		if ident == nil || ident.Handle == "" {
			return models.DefaultHandle, nil
		}
		return ident.Handle, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// merge publishes a new cache map holding every entry of round. Entries
// already cached are left as they are.
func (r *Resolver) merge(round map[string]string) {
	if len(round) == 0 {
		return
	}
	for {
		old := r.cache.Load()
		next := make(map[string]string, len(*old)+len(round))
		for k, v := range *old {
			next[k] = v
		}
		added := false
		for k, v := range round {
			if _, ok := next[k]; !ok {
				next[k] = v
				added = true
			}
		}
		if !added || r.cache.CompareAndSwap(old, &next) {
			return
		}
	}
}
