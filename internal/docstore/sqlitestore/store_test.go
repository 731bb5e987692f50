package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tandem-app/tandem/internal/docstore"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitBatch(t *testing.T, sub docstore.Subscription) []docstore.Change {
	t.Helper()
	select {
	case batch, ok := <-sub.Changes():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return batch
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change batch")
		return nil
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := testStore(t)
	// Open already migrated; a second run must be a no-op.
	result, err := s.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestSetAssignsID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Set(ctx, docstore.CollectionMessages, "", map[string]any{"textContent": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected assigned id")
	}

	doc, err := s.Get(ctx, docstore.CollectionMessages, id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Fields["textContent"] != "hi" {
		t.Errorf("textContent = %v, want hi", doc.Fields["textContent"])
	}
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), docstore.CollectionUsers, "nope")
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateMergesPartial(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Set(ctx, docstore.CollectionMessages, "m1", map[string]any{"textContent": "hi", "hasBeenRead": false})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, docstore.CollectionMessages, id, map[string]any{"hasBeenRead": true}); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Get(ctx, docstore.CollectionMessages, id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Fields["hasBeenRead"] != true {
		t.Error("hasBeenRead not updated")
	}
	if doc.Fields["textContent"] != "hi" {
		t.Error("update clobbered unrelated field")
	}

	if err := s.Update(ctx, docstore.CollectionMessages, "absent", map[string]any{"x": 1}); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("update absent: err = %v, want ErrNotFound", err)
	}
}

func TestQueryOrderLimitCursor(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, ts := range []int64{100, 200, 300, 400, 500} {
		_, err := s.Set(ctx, docstore.CollectionMessages, "", map[string]any{
			"conversationId": "c1",
			"timestamp":      ts,
			"n":              i,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// A message from another conversation must be filtered out.
	if _, err := s.Set(ctx, docstore.CollectionMessages, "", map[string]any{"conversationId": "c2", "timestamp": int64(250)}); err != nil {
		t.Fatal(err)
	}

	docs, err := s.Query(ctx, docstore.Query{
		Collection: docstore.CollectionMessages,
		Predicates: []docstore.Predicate{{Field: "conversationId", Op: docstore.OpEqual, Value: "c1"}},
		OrderField: "timestamp",
		Descending: true,
		Limit:      2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	if docs[0].Fields["timestamp"].(float64) != 500 || docs[1].Fields["timestamp"].(float64) != 400 {
		t.Errorf("wrong order: %v, %v", docs[0].Fields["timestamp"], docs[1].Fields["timestamp"])
	}

	// Keyset cursor: strictly older than 400, descending.
	docs, err = s.Query(ctx, docstore.Query{
		Collection: docstore.CollectionMessages,
		Predicates: []docstore.Predicate{{Field: "conversationId", Op: docstore.OpEqual, Value: "c1"}},
		OrderField: "timestamp",
		Descending: true,
		Limit:      10,
		StartAfter: int64(400),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d docs after cursor, want 3", len(docs))
	}
	if docs[0].Fields["timestamp"].(float64) != 300 {
		t.Errorf("first after cursor = %v, want 300", docs[0].Fields["timestamp"])
	}
}

func TestQueryCursorBreaksTimestampTies(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Three documents share one timestamp, page size two: the id tiebreak
	// must carry the remaining document onto the second page.
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Set(ctx, docstore.CollectionMessages, id, map[string]any{"conversationId": "c1", "timestamp": int64(100)}); err != nil {
			t.Fatal(err)
		}
	}

	q := docstore.Query{
		Collection: docstore.CollectionMessages,
		Predicates: []docstore.Predicate{{Field: "conversationId", Op: docstore.OpEqual, Value: "c1"}},
		OrderField: "timestamp",
		Descending: true,
		Limit:      2,
	}
	first, err := s.Query(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].ID != "c" || first[1].ID != "b" {
		t.Fatalf("first page = %v, want [c b]", docIDs(first))
	}

	q.StartAfter = first[1].Fields["timestamp"]
	q.StartAfterID = first[1].ID
	second, err := s.Query(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].ID != "a" {
		t.Fatalf("second page = %v, want [a]", docIDs(second))
	}
}

func docIDs(docs []docstore.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

func TestQueryArrayContains(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Set(ctx, docstore.CollectionConversations, "c1", map[string]any{
		"participants": []string{"alice", "bob"},
		"timestamp":    int64(10),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Set(ctx, docstore.CollectionConversations, "c2", map[string]any{
		"participants": []string{"carol", "dan"},
		"timestamp":    int64(20),
	}); err != nil {
		t.Fatal(err)
	}

	docs, err := s.Query(ctx, docstore.Query{
		Collection: docstore.CollectionConversations,
		Predicates: []docstore.Predicate{{Field: "participants", Op: docstore.OpArrayContains, Value: "alice"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != "c1" {
		t.Fatalf("got %v, want only c1", docs)
	}
}

func TestSubscribeDeliversMutations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, docstore.CollectionMessages, []docstore.Predicate{
		{Field: "conversationId", Op: docstore.OpEqual, Value: "c1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	id, err := s.Set(ctx, docstore.CollectionMessages, "", map[string]any{"conversationId": "c1", "textContent": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	batch := waitBatch(t, sub)
	if len(batch) != 1 || batch[0].Kind != docstore.ChangeAdded || batch[0].Doc.ID != id {
		t.Fatalf("unexpected batch %v", batch)
	}

	if err := s.Update(ctx, docstore.CollectionMessages, id, map[string]any{"hasBeenRead": true}); err != nil {
		t.Fatal(err)
	}
	batch = waitBatch(t, sub)
	if batch[0].Kind != docstore.ChangeModified {
		t.Errorf("kind = %v, want modified", batch[0].Kind)
	}
	if batch[0].Doc.Fields["hasBeenRead"] != true {
		t.Error("modified doc missing updated field")
	}

	if err := s.Delete(ctx, docstore.CollectionMessages, id); err != nil {
		t.Fatal(err)
	}
	batch = waitBatch(t, sub)
	if batch[0].Kind != docstore.ChangeRemoved {
		t.Errorf("kind = %v, want removed", batch[0].Kind)
	}
}

func TestSubscribeWatermarkFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, docstore.CollectionMessages, []docstore.Predicate{
		{Field: "conversationId", Op: docstore.OpEqual, Value: "c1"},
		{Field: "timestamp", Op: docstore.OpGreater, Value: int64(100)},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// Below the watermark: must not be delivered.
	if _, err := s.Set(ctx, docstore.CollectionMessages, "", map[string]any{"conversationId": "c1", "timestamp": int64(50)}); err != nil {
		t.Fatal(err)
	}
	// Above: delivered.
	if _, err := s.Set(ctx, docstore.CollectionMessages, "", map[string]any{"conversationId": "c1", "timestamp": int64(150)}); err != nil {
		t.Fatal(err)
	}

	batch := waitBatch(t, sub)
	if ts := batch[0].Doc.Fields["timestamp"].(float64); ts != 150 {
		t.Errorf("delivered timestamp %v, want 150", ts)
	}
}

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Set(ctx, docstore.CollectionMessages, "old", map[string]any{"conversationId": "c1", "timestamp": int64(1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Set(ctx, docstore.CollectionMessages, "other", map[string]any{"conversationId": "c2", "timestamp": int64(2)}); err != nil {
		t.Fatal(err)
	}

	sub, err := s.Subscribe(ctx, docstore.CollectionMessages, []docstore.Predicate{
		{Field: "conversationId", Op: docstore.OpEqual, Value: "c1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	batch := waitBatch(t, sub)
	if len(batch) != 1 || batch[0].Kind != docstore.ChangeAdded || batch[0].Doc.ID != "old" {
		t.Fatalf("snapshot batch = %v, want single added for old", batch)
	}

	// Mutations after the snapshot still flow.
	if _, err := s.Set(ctx, docstore.CollectionMessages, "new", map[string]any{"conversationId": "c1", "timestamp": int64(3)}); err != nil {
		t.Fatal(err)
	}
	batch = waitBatch(t, sub)
	if len(batch) != 1 || batch[0].Doc.ID != "new" {
		t.Fatalf("post-snapshot batch = %v, want added for new", batch)
	}
}

func TestSubscribeSnapshotRespectsPredicates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Set(ctx, docstore.CollectionMessages, "below", map[string]any{"conversationId": "c1", "timestamp": int64(50)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Set(ctx, docstore.CollectionMessages, "above", map[string]any{"conversationId": "c1", "timestamp": int64(150)}); err != nil {
		t.Fatal(err)
	}

	sub, err := s.Subscribe(ctx, docstore.CollectionMessages, []docstore.Predicate{
		{Field: "conversationId", Op: docstore.OpEqual, Value: "c1"},
		{Field: "timestamp", Op: docstore.OpGreater, Value: int64(100)},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	batch := waitBatch(t, sub)
	if len(batch) != 1 || batch[0].Doc.ID != "above" {
		t.Fatalf("snapshot batch = %v, want only the document above the watermark", batch)
	}
}

func TestRunAtomicFansOutAfterCommit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Set(ctx, docstore.CollectionUsers, "u1", map[string]any{"hiddenConversationIds": []string{"c9"}}); err != nil {
		t.Fatal(err)
	}

	sub, err := s.Subscribe(ctx, docstore.CollectionUsers, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	err = s.RunAtomic(ctx, func(tx docstore.Tx) error {
		if err := tx.Update(docstore.CollectionUsers, "u1", map[string]any{"hiddenConversationIds": []string{}}); err != nil {
			return err
		}
		_, err := tx.Set(docstore.CollectionUsers, "u2", map[string]any{"hiddenConversationIds": []string{}})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		batch := waitBatch(t, sub)
		for _, c := range batch {
			seen[c.Doc.ID] = true
		}
	}
	if !seen["u1"] || !seen["u2"] {
		t.Errorf("fan-out missing docs: %v", seen)
	}
}

func TestRunAtomicRollbackSuppressesFanOut(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, docstore.CollectionUsers, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	boom := errors.New("boom")
	err = s.RunAtomic(ctx, func(tx docstore.Tx) error {
		if _, err := tx.Set(docstore.CollectionUsers, "u1", map[string]any{"x": 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if _, err := s.Get(ctx, docstore.CollectionUsers, "u1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Error("rolled-back document should not exist")
	}
	select {
	case batch := <-sub.Changes():
		t.Fatalf("unexpected fan-out after rollback: %v", batch)
	case <-time.After(50 * time.Millisecond):
	}
}
