package sqlitestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tandem-app/tandem/internal/docstore"
)

// subscription is a live change feed over one collection's predicate set.
type subscription struct {
	store      *Store
	id         int
	collection string
	predicates []docstore.Predicate

	ch chan []docstore.Change

	mu     sync.Mutex
	closed bool
	err    error
}

// Subscribe opens a change feed. The set matching at open time is delivered
// as one initial Added batch, then mutations incrementally. Holding the
// mutation lock across registration and snapshot leaves no gap for a write
// to slip between the two.
func (s *Store) Subscribe(ctx context.Context, collection string, predicates []docstore.Predicate) (docstore.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil, fmt.Errorf("subscribe %s: store closed", collection)
	}
	sub := &subscription{
		store:      s,
		id:         s.nextID,
		collection: collection,
		predicates: predicates,
		ch:         make(chan []docstore.Change, 256),
	}
	s.nextID++
	s.subs[sub.id] = sub
	s.subMu.Unlock()

	snapshot, err := s.Query(ctx, docstore.Query{Collection: collection, Predicates: predicates})
	if err != nil {
		s.subMu.Lock()
		delete(s.subs, sub.id)
		s.subMu.Unlock()
		return nil, fmt.Errorf("subscribe %s: snapshot: %w", collection, err)
	}
	if len(snapshot) > 0 {
		batch := make([]docstore.Change, 0, len(snapshot))
		for _, doc := range snapshot {
			batch = append(batch, docstore.Change{Kind: docstore.ChangeAdded, Doc: doc})
		}
		sub.ch <- batch
	}
	return sub, nil
}

func (sub *subscription) Changes() <-chan []docstore.Change {
	return sub.ch
}

func (sub *subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

func (sub *subscription) Close() {
	sub.store.subMu.Lock()
	delete(sub.store.subs, sub.id)
	sub.store.subMu.Unlock()
	sub.terminate(nil)
}

func (sub *subscription) terminate(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = err
	close(sub.ch)
}

func (sub *subscription) deliver(batch []docstore.Change) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- batch:
	default:
		// Slow subscriber: drop the batch rather than block writers.
	}
}

// fanOut routes one committed mutation to every matching subscription.
// next == nil means the document was deleted. A document that stops
// matching a predicate set is delivered to it as Removed; one that starts
// matching is delivered as Added.
func (s *Store) fanOut(collection, id string, prev map[string]any, hadPrev bool, next map[string]any) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, sub := range s.subs {
		if sub.collection != collection {
			continue
		}
		prevMatch := hadPrev && docstore.MatchesAll(prev, sub.predicates)
		nextMatch := next != nil && docstore.MatchesAll(next, sub.predicates)

		var kind docstore.ChangeKind
		var fields map[string]any
		switch {
		case !prevMatch && nextMatch:
			kind, fields = docstore.ChangeAdded, next
		case prevMatch && nextMatch:
			kind, fields = docstore.ChangeModified, next
		case prevMatch && !nextMatch:
			kind, fields = docstore.ChangeRemoved, prev
		default:
			continue
		}
		sub.deliver([]docstore.Change{{
			Kind: kind,
			Doc: docstore.Document{
				Collection: collection,
				ID:         id,
				Fields:     fields,
				UpdateTime: time.Now(),
			},
		}})
	}
}
