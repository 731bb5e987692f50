// Package sqlitestore implements docstore.Store on a local SQLite file with
// an in-process change feed. It exists so the daemon can run without the
// cloud backend and so tests exercise the full store contract.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tandem-app/tandem/internal/docstore"
)

// Store is a docstore.Store backed by SQLite. Mutations are serialized; each
// committed mutation fans out matching deltas to open subscriptions.
type Store struct {
	db *sql.DB

	mu     sync.Mutex // serializes mutations and the fan-out that follows them
	subMu  sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

// Open creates a SQLite-backed store with WAL mode and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{db: db, subs: make(map[int]*subscription)}
	if _, err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Get fetches a single document.
func (s *Store) Get(_ context.Context, collection, id string) (docstore.Document, error) {
	row := s.db.QueryRow(`SELECT fields, update_time FROM documents WHERE collection = ? AND id = ?`, collection, id)
	return scanDocument(row, collection, id)
}

// Query runs a one-shot filtered read. Predicates, ordering and cursors are
// evaluated in process; this store is for dev-scale data sets.
func (s *Store) Query(_ context.Context, q docstore.Query) ([]docstore.Document, error) {
	rows, err := s.db.Query(`SELECT id, fields, update_time FROM documents WHERE collection = ?`, q.Collection)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", q.Collection, err)
	}
	defer func() { _ = rows.Close() }()

	var docs []docstore.Document
	for rows.Next() {
		var id, raw string
		var updated int64
		if err := rows.Scan(&id, &raw, &updated); err != nil {
			return nil, err
		}
		fields, err := decodeFields(raw)
		if err != nil {
			// Corrupt row: skip, per the decode-failure policy.
			continue
		}
		if !docstore.MatchesAll(fields, q.Predicates) {
			continue
		}
		docs = append(docs, docstore.Document{
			Collection: q.Collection,
			ID:         id,
			Fields:     fields,
			UpdateTime: time.UnixMilli(updated),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.OrderField != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			c, ok := docstore.Compare(docs[i].Fields[q.OrderField], docs[j].Fields[q.OrderField])
			if !ok {
				return false
			}
			if c == 0 {
				// Tie on the order value: the id keeps the order total.
				if q.Descending {
					return docs[i].ID > docs[j].ID
				}
				return docs[i].ID < docs[j].ID
			}
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
		if q.StartAfter != nil {
			cut := 0
			for cut < len(docs) {
				c, ok := docstore.Compare(docs[cut].Fields[q.OrderField], q.StartAfter)
				past := ok && ((q.Descending && c < 0) || (!q.Descending && c > 0))
				if !past && ok && c == 0 && q.StartAfterID != "" {
					if q.Descending {
						past = docs[cut].ID < q.StartAfterID
					} else {
						past = docs[cut].ID > q.StartAfterID
					}
				}
				if past {
					break
				}
				cut++
			}
			docs = docs[cut:]
		}
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// Set creates or replaces a document, assigning an id when empty.
func (s *Store) Set(_ context.Context, collection, id string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	prev, hadPrev, err := s.readFields(s.db, collection, id)
	if err != nil {
		return "", err
	}
	norm, err := s.writeFields(s.db, collection, id, fields)
	if err != nil {
		return "", err
	}
	s.fanOut(collection, id, prev, hadPrev, norm)
	return id, nil
}

// Update merges partial fields into an existing document.
func (s *Store) Update(_ context.Context, collection, id string, partial map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hadPrev, err := s.readFields(s.db, collection, id)
	if err != nil {
		return err
	}
	if !hadPrev {
		return docstore.ErrNotFound
	}
	merged := make(map[string]any, len(prev)+len(partial))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	norm, err := s.writeFields(s.db, collection, id, merged)
	if err != nil {
		return err
	}
	s.fanOut(collection, id, prev, true, norm)
	return nil
}

// Delete removes a document. Absent documents are not an error.
func (s *Store) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hadPrev, err := s.readFields(s.db, collection, id)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if hadPrev {
		s.fanOut(collection, id, prev, true, nil)
	}
	return nil
}

// RunAtomic executes fn inside a SQL transaction. Change fan-out happens
// once, after commit, for every document the transaction touched.
func (s *Store) RunAtomic(_ context.Context, fn func(tx docstore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &storeTx{store: s, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	for _, t := range tx.touched {
		s.fanOut(t.collection, t.id, t.prev, t.hadPrev, t.next)
	}
	return nil
}

// Close tears down all subscriptions and closes the database.
func (s *Store) Close() error {
	s.subMu.Lock()
	s.closed = true
	for id, sub := range s.subs {
		sub.terminate(nil)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return s.db.Close()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) readFields(e execer, collection, id string) (map[string]any, bool, error) {
	var raw string
	err := e.QueryRow(`SELECT fields FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

// writeFields upserts the row and returns the JSON-normalized field map, so
// subscribers and queries observe identical value shapes.
func (s *Store) writeFields(e execer, collection, id string, fields map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	now := time.Now().UnixMilli()
	if _, err := e.Exec(`
		INSERT INTO documents (collection, id, fields, update_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			fields = excluded.fields,
			update_time = excluded.update_time`,
		collection, id, string(raw), now); err != nil {
		return nil, fmt.Errorf("upsert document: %w", err)
	}
	return decodeFields(string(raw))
}

func decodeFields(raw string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}

func scanDocument(row *sql.Row, collection, id string) (docstore.Document, error) {
	var raw string
	var updated int64
	err := row.Scan(&raw, &updated)
	if err == sql.ErrNoRows {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, err
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return docstore.Document{}, err
	}
	return docstore.Document{
		Collection: collection,
		ID:         id,
		Fields:     fields,
		UpdateTime: time.UnixMilli(updated),
	}, nil
}

type touchedDoc struct {
	collection string
	id         string
	prev       map[string]any
	hadPrev    bool
	next       map[string]any // nil means deleted
}

type storeTx struct {
	store   *Store
	tx      *sql.Tx
	touched []touchedDoc
}

func (t *storeTx) Get(collection, id string) (docstore.Document, error) {
	return scanDocument(t.tx.QueryRow(`SELECT fields, update_time FROM documents WHERE collection = ? AND id = ?`, collection, id), collection, id)
}

func (t *storeTx) Set(collection, id string, fields map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	prev, hadPrev, err := t.store.readFields(t.tx, collection, id)
	if err != nil {
		return "", err
	}
	norm, err := t.store.writeFields(t.tx, collection, id, fields)
	if err != nil {
		return "", err
	}
	t.touched = append(t.touched, touchedDoc{collection, id, prev, hadPrev, norm})
	return id, nil
}

func (t *storeTx) Update(collection, id string, partial map[string]any) error {
	prev, hadPrev, err := t.store.readFields(t.tx, collection, id)
	if err != nil {
		return err
	}
	if !hadPrev {
		return docstore.ErrNotFound
	}
	merged := make(map[string]any, len(prev)+len(partial))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	norm, err := t.store.writeFields(t.tx, collection, id, merged)
	if err != nil {
		return err
	}
	t.touched = append(t.touched, touchedDoc{collection, id, prev, true, norm})
	return nil
}
