package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"custodia/pkg/platform/sentinel"
)

// Operation is the request-scoped state for one logical write: a memoized
// reader cache keyed by entity id.
//
// Write pipelines routinely need the same linked owner or agent several times
// during one operation (once for consistency checks, once for authorization)
// and must see a single consistent snapshot, so the first read for an id is
// remembered and replayed. Only found entities are cached: a miss is re-queried
// because a later step may create the entity mid-operation.
//
// An Operation is not safe for concurrent use. Create one per logical write
// and thread it explicitly through every hook; never share it across requests.
type Operation struct {
	memo map[uuid.UUID]Entity
}

// NewOperation creates the request-scoped state for one logical write.
func NewOperation() *Operation {
	return &Operation{memo: make(map[uuid.UUID]Entity)}
}

// Remember primes the cache with an already-loaded entity, so later reads in
// the same operation observe it.
func (op *Operation) Remember(e Entity) {
	if e != nil {
		op.memo[e.Meta().ID] = e
	}
}

// Forget drops a cached entity, forcing the next read to hit the store.
func (op *Operation) Forget(entityID uuid.UUID) {
	delete(op.memo, entityID)
}

// Memoize returns the cached entity for key, or runs load and caches a found
// result. A sentinel.ErrNotFound from load is returned as-is and nothing is
// cached. A cached entity of an unexpected type is an invariant breach: two
// kinds shared an id.
func Memoize[T Entity](ctx context.Context, op *Operation, key uuid.UUID, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if cached, ok := op.memo[key]; ok {
		typed, ok := cached.(T)
		if !ok {
			return zero, fmt.Errorf("memoized entity %s has kind %s, want %T", key, cached.Kind(), zero)
		}
		return typed, nil
	}

	loaded, err := load(ctx)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return zero, err
		}
		return zero, err
	}
	op.memo[key] = loaded
	return loaded, nil
}

// MemoizeAll reads a batch of ids, serving cached entries and loading the rest
// in one call. The loader receives only the missing ids; every entity it
// returns is cached. Order of the result follows the input ids; ids the loader
// did not return are omitted.
func MemoizeAll[T Entity](ctx context.Context, op *Operation, keys []uuid.UUID, load func(context.Context, []uuid.UUID) ([]T, error)) ([]T, error) {
	var missing []uuid.UUID
	for _, key := range keys {
		if _, ok := op.memo[key]; !ok {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		loaded, err := load(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, e := range loaded {
			op.memo[e.Meta().ID] = e
		}
	}

	results := make([]T, 0, len(keys))
	for _, key := range keys {
		cached, ok := op.memo[key]
		if !ok {
			continue
		}
		typed, ok := cached.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("memoized entity %s has kind %s, want %T", key, cached.Kind(), zero)
		}
		results = append(results, typed)
	}
	return results, nil
}
