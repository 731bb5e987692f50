package unread

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tandem-app/tandem/internal/bus"
	"github.com/tandem-app/tandem/internal/chat"
	"github.com/tandem-app/tandem/internal/chat/timeline"
	"github.com/tandem-app/tandem/internal/docstore"
	"github.com/tandem-app/tandem/internal/docstore/sqlitestore"
)

func testStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func inbound(id string, ts int64, read bool) chat.Message {
	return chat.Message{
		ID: id, SenderID: "partner", ReceiverID: "me",
		ConversationID: "conv1", Timestamp: ts, Kind: chat.KindText, Read: read,
	}
}

func TestCountInboundUnreadOnly(t *testing.T) {
	cache := timeline.New()
	cache.Register("partner", "conv1")
	cache.Install("partner", []chat.Message{
		inbound("m1", 100, false),
		inbound("m2", 200, true),
		{ID: "m3", SenderID: "me", ReceiverID: "partner", ConversationID: "conv1", Timestamp: 300, Kind: chat.KindText},
		{ID: "m4", SenderID: "partner", ReceiverID: chat.SystemReceiver, ConversationID: "conv1", Timestamp: 400, Kind: chat.KindSystem},
	})

	c := New("me", cache, testStore(t), bus.New(), nil)
	if got := c.Count("partner"); got != 2 {
		t.Errorf("Count = %d, want 2 (m1 unread + system m4)", got)
	}
	if got := c.Total(); got != 2 {
		t.Errorf("Total = %d, want 2", got)
	}
}

func TestHiddenConversationCountsZero(t *testing.T) {
	cache := timeline.New()
	cache.Register("partner", "conv1")
	cache.Install("partner", []chat.Message{inbound("m1", 100, false)})

	c := New("me", cache, testStore(t), bus.New(), nil)
	c.SetHidden([]string{"conv1"})
	if got := c.Count("partner"); got != 0 {
		t.Errorf("Count = %d, want 0 for hidden conversation", got)
	}

	c.SetHidden(nil)
	if got := c.Count("partner"); got != 1 {
		t.Errorf("Count = %d, want 1 after un-hide", got)
	}
}

func TestCountRecomputedFreshly(t *testing.T) {
	cache := timeline.New()
	cache.Register("partner", "conv1")
	cache.Install("partner", []chat.Message{inbound("m1", 100, false)})

	c := New("me", cache, testStore(t), bus.New(), nil)
	if got := c.Count("partner"); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}

	// Simulate the modified delta flipping the flag in the cache.
	read := inbound("m1", 100, true)
	cache.ApplyModified("partner", read)
	if got := c.Count("partner"); got != 0 {
		t.Errorf("Count = %d, want 0 after read delta (no stale caching)", got)
	}
}

func TestMarkAllReadUpdatesStoreNotCache(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	m := inbound("", 100, false)
	id, err := store.Set(ctx, docstore.CollectionMessages, "", m.Fields())
	if err != nil {
		t.Fatal(err)
	}
	m.ID = id

	cache := timeline.New()
	cache.Register("partner", "conv1")
	cache.Install("partner", []chat.Message{m})

	b := bus.New()
	ch, unsub := b.Subscribe("unread.", 5)
	defer unsub()

	c := New("me", cache, store, b, nil)
	if err := c.MarkAllRead(ctx, "partner"); err != nil {
		t.Fatal(err)
	}

	doc, err := store.Get(ctx, docstore.CollectionMessages, id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Fields["hasBeenRead"] != true {
		t.Error("store not updated")
	}
	// Cache is corrected by the delta, not by MarkAllRead itself.
	if got, _ := cache.Get("partner", id); got.Read {
		t.Error("cache mutated directly")
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindUnreadChanged {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no unread.changed event")
	}
}
