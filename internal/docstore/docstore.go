// Package docstore defines the contract this client expects from its remote
// document database: keyed documents in named collections, predicate queries
// with keyset cursors, and live change subscriptions. The production backend
// is a managed cloud store; sqlitestore provides a local implementation with
// the same semantics for development and tests.
package docstore

import (
	"context"
	"errors"
	"time"
)

// Collection names used by the chat core.
const (
	CollectionUsers         = "users"
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
)

// ErrNotFound is returned by Get and Update when no document has the id.
var ErrNotFound = errors.New("docstore: document not found")

// Document is a schemaless record in a collection.
type Document struct {
	Collection string
	ID         string
	Fields     map[string]any
	UpdateTime time.Time
}

// Op is a predicate comparison operator.
type Op string

const (
	OpEqual         Op = "=="
	OpGreater       Op = ">"
	OpArrayContains Op = "array-contains"
)

// Predicate filters documents on a single field.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Query describes a filtered, ordered, bounded read of one collection.
// Ordering is by (order field, document id) so documents sharing an order
// value still have a total order. StartAfter, when non-nil, is a keyset
// cursor: only documents strictly past that value (in the order's
// direction) are returned, with StartAfterID breaking ties at the cursor
// value itself.
type Query struct {
	Collection   string
	Predicates   []Predicate
	OrderField   string
	Descending   bool
	Limit        int
	StartAfter   any
	StartAfterID string
}

// ChangeKind classifies a subscription delta.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one (kind, document) pair delivered by a subscription.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Subscription is a live change feed over a predicate set. Changes delivers
// batches until Close is called or the feed fails; after the channel closes,
// Err reports the terminal error, if any.
type Subscription interface {
	Changes() <-chan []Change
	Err() error
	Close()
}

// Tx is the handle passed to RunAtomic callbacks.
type Tx interface {
	Get(collection, id string) (Document, error)
	Set(collection, id string, fields map[string]any) (string, error)
	Update(collection, id string, partial map[string]any) error
}

// Store is the document database contract consumed by the sync core.
type Store interface {
	// Get fetches a single document. Returns ErrNotFound when absent.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Query runs a one-shot read.
	Query(ctx context.Context, q Query) ([]Document, error)

	// Subscribe opens a live change feed for documents in the collection
	// matching all predicates. The set matching at open time is delivered
	// first, as Added changes, followed by every later mutation. There is
	// no gap between the snapshot and the mutation stream: a document
	// matching the predicates appears in one or the other (possibly both,
	// so consumers must apply Added idempotently).
	Subscribe(ctx context.Context, collection string, predicates []Predicate) (Subscription, error)

	// Set creates or replaces a document. An empty id asks the store to
	// assign one; the assigned id is returned.
	Set(ctx context.Context, collection, id string, fields map[string]any) (string, error)

	// Update merges partial fields into an existing document.
	Update(ctx context.Context, collection, id string, partial map[string]any) error

	// Delete removes a document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// RunAtomic executes fn inside a multi-document transaction.
	RunAtomic(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
