package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Session is a short-lived unit of work over one or more collections. On
// first touch of a collection it loads the collection's full contents into
// memory; reads and writes then run against that copy, with entities deep
// copied in and out. Commit flushes the net effect back to the engine:
// deletions first, then an upsert of every tracked id.
//
// Commit is not atomic across collections. A failure partway through leaves
// the collections committed so far updated and the rest untouched; there is
// no rollback. Callers needing cross-process exclusion hold a lease instead.
//
// A session must not be shared across concurrent operations.
type Session struct {
	engine      *Engine
	collections map[string]*collectionState
	// order records collections in first-touch sequence. Commit applies
	// deletions in reverse touch order: callers read parents before their
	// dependents, so reversing removes dependents first and a crash partway
	// through never strands a dependent whose parent is already gone.
	order []string
}

type collectionState struct {
	loaded  bool
	docs    map[string]any
	added   map[string]struct{}
	tracked map[string]struct{}
	deleted map[string]struct{}
}

// NewSession opens a unit-of-work session against the engine. Sessions are
// cheap; create one per logical operation.
func (e *Engine) NewSession() *Session {
	return &Session{engine: e, collections: make(map[string]*collectionState)}
}

func (s *Session) state(collection string) *collectionState {
	st, ok := s.collections[collection]
	if !ok {
		st = &collectionState{
			docs:    make(map[string]any),
			added:   make(map[string]struct{}),
			tracked: make(map[string]struct{}),
			deleted: make(map[string]struct{}),
		}
		s.collections[collection] = st
		s.order = append(s.order, collection)
	}
	return st
}

// load pulls T's full collection into the session on first touch.
func load[T Entity[T]](ctx context.Context, s *Session) (*collectionState, error) {
	var zero T
	st := s.state(zero.Collection())
	if st.loaded {
		return st, nil
	}
	raw, err := s.engine.scanRaw(ctx, zero.Collection())
	if err != nil {
		return nil, err
	}
	for id, body := range raw {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", zero.Collection(), id, err)
		}
		st.docs[id] = v
	}
	st.loaded = true
	return st, nil
}

// SessionGet returns a deep copy of the entity with the given id, marking the
// id as tracked. Ids removed earlier in the session read as missing.
func SessionGet[T Entity[T]](ctx context.Context, s *Session, id string) (T, bool, error) {
	var zero T
	st, err := load[T](ctx, s)
	if err != nil {
		return zero, false, err
	}
	if _, gone := st.deleted[id]; gone {
		return zero, false, nil
	}
	v, ok := st.docs[id]
	if !ok {
		return zero, false, nil
	}
	st.tracked[id] = struct{}{}
	return v.(T).Clone(), true, nil
}

// SessionAll returns deep copies of every live entity in T's collection,
// marking each as tracked.
func SessionAll[T Entity[T]](ctx context.Context, s *Session) ([]T, error) {
	st, err := load[T](ctx, s)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(st.docs))
	for id, v := range st.docs {
		st.tracked[id] = struct{}{}
		out = append(out, v.(T).Clone())
	}
	return out, nil
}

// SessionFind returns deep copies of the entities matching pred, marking each
// match as tracked.
func SessionFind[T Entity[T]](ctx context.Context, s *Session, pred func(T) bool) ([]T, error) {
	st, err := load[T](ctx, s)
	if err != nil {
		return nil, err
	}
	var out []T
	for id, raw := range st.docs {
		v := raw.(T)
		if !pred(v) {
			continue
		}
		st.tracked[id] = struct{}{}
		out = append(out, v.Clone())
	}
	return out, nil
}

// SessionPut adds a new entity or replaces an existing one. The session keeps
// its own deep copy, so later caller mutation of v is not observed.
func SessionPut[T Entity[T]](ctx context.Context, s *Session, v T) error {
	st, err := load[T](ctx, s)
	if err != nil {
		return err
	}
	id := v.DocumentID()
	if id == "" {
		return fmt.Errorf("put %s: empty document id", v.Collection())
	}
	if _, exists := st.docs[id]; !exists {
		st.added[id] = struct{}{}
	}
	delete(st.deleted, id)
	st.docs[id] = v.Clone()
	st.tracked[id] = struct{}{}
	return nil
}

// SessionRemove deletes the entity with the given id from the session,
// reporting whether it existed. Ids added in this same session are simply
// forgotten; pre-existing ids are queued for deletion at commit.
func SessionRemove[T Entity[T]](ctx context.Context, s *Session, id string) (bool, error) {
	st, err := load[T](ctx, s)
	if err != nil {
		return false, err
	}
	if _, gone := st.deleted[id]; gone {
		return false, nil
	}
	_, existed := st.docs[id]
	if !existed {
		return false, nil
	}
	delete(st.docs, id)
	delete(st.tracked, id)
	if _, wasAdded := st.added[id]; wasAdded {
		delete(st.added, id)
		return true, nil
	}
	st.deleted[id] = struct{}{}
	return true, nil
}

// Commit flushes the session: every queued deletion across all touched
// collections first, then an upsert of every tracked id. Deletions run in
// reverse touch order, upserts in touch order; ids within a collection are
// sorted, so failures are reproducible.
func (s *Session) Commit(ctx context.Context) error {
	start := time.Now()

	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		st := s.collections[name]
		ids := make([]string, 0, len(st.deleted))
		for id := range st.deleted {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if _, err := s.engine.deleteRaw(ctx, name, id); err != nil {
				return fmt.Errorf("commit delete %s/%s: %w", name, id, err)
			}
		}
	}
	for _, name := range s.order {
		st := s.collections[name]
		ids := make([]string, 0, len(st.tracked))
		for id := range st.tracked {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			doc, ok := st.docs[id]
			if !ok {
				continue
			}
			body, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("commit encode %s/%s: %w", name, id, err)
			}
			if err := s.engine.upsertRaw(ctx, name, id, body); err != nil {
				return fmt.Errorf("commit upsert %s/%s: %w", name, id, err)
			}
		}
	}

	for _, st := range s.collections {
		st.added = make(map[string]struct{})
		st.tracked = make(map[string]struct{})
		st.deleted = make(map[string]struct{})
	}
	if s.engine.metrics != nil {
		s.engine.metrics.CommitDuration.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}
