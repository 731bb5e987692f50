package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tandem-app/tandem/internal/bus"
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

func putConversation(t *testing.T, s *sqlitestore.Store, id string, participants []string, ts int64) {
	t.Helper()
	_, err := s.Set(context.Background(), docstore.CollectionConversations, id, map[string]any{
		"participants": participants,
		"timestamp":    ts,
	})
	if err != nil {
		t.Fatal(err)
	}
}

type hookRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (h *hookRecorder) hook(partnerID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, partnerID+"/"+conversationID)
}

func (h *hookRecorder) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func TestDiscoverExisting(t *testing.T) {
	s := testStore(t)
	putConversation(t, s, "c1", []string{"me", "alice"}, 100)
	putConversation(t, s, "c2", []string{"bob", "me"}, 200)
	putConversation(t, s, "c3", []string{"carol", "dan"}, 300) // not ours

	rec := &hookRecorder{}
	r := New("me", s, bus.New(), nil, rec.hook)
	defer r.Close()

	if err := r.DiscoverExisting(context.Background()); err != nil {
		t.Fatal(err)
	}

	partners := r.Partners()
	if len(partners) != 2 || partners["alice"] != "c1" || partners["bob"] != "c2" {
		t.Errorf("partners = %v", partners)
	}
	if len(rec.snapshot()) != 2 {
		t.Errorf("hook calls = %v", rec.snapshot())
	}
}

func TestRegisterIdempotent(t *testing.T) {
	s := testStore(t)
	rec := &hookRecorder{}
	r := New("me", s, bus.New(), nil, rec.hook)
	defer r.Close()

	ctx := context.Background()
	if !r.Register(ctx, "alice", "c1") {
		t.Fatal("first register should succeed")
	}
	if r.Register(ctx, "alice", "c1") {
		t.Error("second register should be a no-op")
	}
	if len(rec.snapshot()) != 1 {
		t.Errorf("hook ran %d times, want 1", len(rec.snapshot()))
	}
}

func TestRegisterSurvivesMissingUserDoc(t *testing.T) {
	s := testStore(t)
	b := bus.New()
	ch, unsub := b.Subscribe("registry.", 5)
	defer unsub()

	r := New("me", s, b, nil, nil)
	defer r.Close()

	if !r.Register(context.Background(), "ghost", "c1") {
		t.Fatal("partner without user doc should still register")
	}
	select {
	case evt := <-ch:
		p := evt.Payload.(Partner)
		if p.PartnerID != "ghost" || p.User.ID != "ghost" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no partner_added event")
	}
}

func TestWatchNewPicksUpLateConversations(t *testing.T) {
	s := testStore(t)
	rec := &hookRecorder{}
	r := New("me", s, bus.New(), nil, rec.hook)
	defer r.Close()

	if err := r.WatchNew(context.Background(), 1000); err != nil {
		t.Fatal(err)
	}

	// Below the watermark: ignored.
	putConversation(t, s, "old", []string{"me", "early"}, 500)
	// Above: registered.
	putConversation(t, s, "new", []string{"me", "late"}, 2000)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.ConversationFor("late"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := r.ConversationFor("late"); !ok {
		t.Fatal("late partner never registered")
	}
	if _, ok := r.ConversationFor("early"); ok {
		t.Error("below-watermark conversation should not register")
	}
}

func TestCloseStopsWatcher(t *testing.T) {
	s := testStore(t)
	r := New("me", s, bus.New(), nil, nil)
	if err := r.WatchNew(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	r.Close()
	r.Close() // idempotent

	putConversation(t, s, "c1", []string{"me", "alice"}, 100)
	time.Sleep(20 * time.Millisecond)
	if _, ok := r.ConversationFor("alice"); ok {
		t.Error("registration after Close")
	}
}
