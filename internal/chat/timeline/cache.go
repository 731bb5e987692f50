// Package timeline maintains the per-partner ordered message sequences the
// UI reads, together with their pagination state. All mutation paths for one
// partner (bootstrap install, live deltas, page prepend, optimistic append,
// reconciliation) serialize on that partner's lock, so the sequence stays
// sorted ascending by timestamp at all times.
package timeline

import (
	"sort"
	"sync"

	"github.com/tandem-app/tandem/internal/chat"
)

// Cache holds one timeline entry per conversation partner.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu             sync.Mutex
	conversationID string
	msgs           []chat.Message

	loading          bool
	reachedBeginning bool
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Register creates the timeline entry for a partner. Registering an already
// known partner is a no-op; the first registration wins.
func (c *Cache) Register(partnerID, conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[partnerID]; ok {
		return false
	}
	c.entries[partnerID] = &entry{conversationID: conversationID}
	return true
}

// Drop removes a partner's timeline entirely. Only the failed-open path
// uses it, to undo a Register whose conversation never came up.
func (c *Cache) Drop(partnerID string) {
	c.mu.Lock()
	delete(c.entries, partnerID)
	c.mu.Unlock()
}

func (c *Cache) entry(partnerID string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[partnerID]
}

// ConversationID returns the conversation id registered for a partner.
func (c *Cache) ConversationID(partnerID string) (string, bool) {
	e := c.entry(partnerID)
	if e == nil {
		return "", false
	}
	return e.conversationID, true
}

// Partners returns all registered partner ids.
func (c *Cache) Partners() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	return out
}

// Install replaces the partner's sequence with the bootstrap batch. The
// batch must already be ascending by timestamp; Install re-sorts defensively.
func (c *Cache) Install(partnerID string, msgs []chat.Message) {
	e := c.entry(partnerID)
	if e == nil {
		return
	}
	cp := make([]chat.Message, len(msgs))
	copy(cp, msgs)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Timestamp < cp[j].Timestamp })

	e.mu.Lock()
	e.msgs = cp
	e.mu.Unlock()
}

// Insert adds a message in timestamp order. Idempotent on id: a message
// already present leaves the sequence unchanged and returns false.
func (c *Cache) Insert(partnerID string, msg chat.Message) bool {
	e := c.entry(partnerID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.insertLocked(msg)
}

func (e *entry) insertLocked(msg chat.Message) bool {
	if msg.ID != "" && e.indexLocked(msg.ID) >= 0 {
		return false
	}
	i := sort.Search(len(e.msgs), func(i int) bool { return e.msgs[i].Timestamp > msg.Timestamp })
	e.msgs = append(e.msgs, chat.Message{})
	copy(e.msgs[i+1:], e.msgs[i:])
	e.msgs[i] = msg
	return true
}

func (e *entry) indexLocked(id string) int {
	for i := range e.msgs {
		if e.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// ApplyModified merges a modified delta into the cached message with the
// same id. Media kinds copy only the mutable fields so local-only handles
// survive; other kinds are replaced wholesale. Read and Uploaded never move
// back to false, which keeps out-of-order redeliveries from regressing
// already observed state.
func (c *Cache) ApplyModified(partnerID string, msg chat.Message) bool {
	e := c.entry(partnerID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexLocked(msg.ID)
	if i < 0 {
		return false
	}
	cur := &e.msgs[i]
	if msg.Kind.IsMedia() {
		cur.Uploaded = cur.Uploaded || msg.Uploaded
		cur.Read = cur.Read || msg.Read
		cur.Deleted = msg.Deleted
		if msg.MediaURL != "" {
			cur.MediaURL = msg.MediaURL
		}
		return true
	}
	msg.Read = msg.Read || cur.Read
	msg.Uploaded = msg.Uploaded || cur.Uploaded
	*cur = msg
	return true
}

// Remove deletes a message by id. Absent ids are a no-op.
func (c *Cache) Remove(partnerID, id string) bool {
	e := c.entry(partnerID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexLocked(id)
	if i < 0 {
		return false
	}
	e.msgs = append(e.msgs[:i], e.msgs[i+1:]...)
	return true
}

// Prepend merges an older page into the sequence as one atomic update.
// Duplicate ids (watermark overlap) are skipped. Returns how many messages
// were actually added.
func (c *Cache) Prepend(partnerID string, page []chat.Message) int {
	e := c.entry(partnerID)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for _, msg := range page {
		if e.insertLocked(msg) {
			added++
		}
	}
	return added
}

// Reconcile relabels the provisional entry identified by correlationID with
// the store-assigned id. If the persisted copy already arrived through a
// delta, the provisional entry is dropped instead, so exactly one entry per
// logical message remains.
func (c *Cache) Reconcile(partnerID, correlationID, serverID string) bool {
	e := c.entry(partnerID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexLocked(correlationID)
	if i < 0 {
		return false
	}
	if j := e.indexLocked(serverID); j >= 0 {
		e.msgs = append(e.msgs[:i], e.msgs[i+1:]...)
		return true
	}
	e.msgs[i].ID = serverID
	return true
}

// Messages returns a copy of the partner's sequence with soft-deleted
// entries filtered out.
func (c *Cache) Messages(partnerID string) []chat.Message {
	e := c.entry(partnerID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]chat.Message, 0, len(e.msgs))
	for _, m := range e.msgs {
		if !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}

// Get returns the cached message with the given id.
func (c *Cache) Get(partnerID, id string) (chat.Message, bool) {
	e := c.entry(partnerID)
	if e == nil {
		return chat.Message{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if i := e.indexLocked(id); i >= 0 {
		return e.msgs[i], true
	}
	return chat.Message{}, false
}

// Earliest returns the oldest cached message, including soft-deleted ones,
// since it feeds the pagination cursor.
func (c *Cache) Earliest(partnerID string) (chat.Message, bool) {
	e := c.entry(partnerID)
	if e == nil {
		return chat.Message{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.msgs) == 0 {
		return chat.Message{}, false
	}
	return e.msgs[0], true
}

// Len returns the sequence length including soft-deleted entries.
func (c *Cache) Len(partnerID string) int {
	e := c.entry(partnerID)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.msgs)
}
