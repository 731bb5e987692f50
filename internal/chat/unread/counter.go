// Package unread derives badge counts from the timeline cache. Counts are
// recomputed from the cache on every call; the cache itself is corrected by
// modified deltas, so the two can never diverge on the read flag.
package unread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandem-app/tandem/internal/bus"
	"github.com/tandem-app/tandem/internal/chat"
	"github.com/tandem-app/tandem/internal/chat/timeline"
	"github.com/tandem-app/tandem/internal/docstore"
)

// Counter computes per-partner and total unread counts.
type Counter struct {
	clientID string
	cache    *timeline.Cache
	store    docstore.Store
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.RWMutex
	hidden map[string]bool
}

// New creates a counter for the signed-in user.
func New(clientID string, cache *timeline.Cache, store docstore.Store, b *bus.Bus, logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{
		clientID: clientID,
		cache:    cache,
		store:    store,
		bus:      b,
		logger:   logger,
		hidden:   make(map[string]bool),
	}
}

// SetHidden replaces the set of conversations hidden for the client user.
// The daemon feeds it from the client's own user-document subscription.
func (c *Counter) SetHidden(conversationIDs []string) {
	next := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		next[id] = true
	}
	c.mu.Lock()
	c.hidden = next
	c.mu.Unlock()
	c.bus.Publish(bus.Event{Kind: bus.KindUnreadChanged, Timestamp: time.Now()})
}

func (c *Counter) isHidden(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hidden[conversationID]
}

// Count returns the unread count for one partner: cached messages addressed
// to the client (or to the system sentinel) that are not yet read, unless
// the conversation is hidden.
func (c *Counter) Count(partnerID string) int {
	conversationID, ok := c.cache.ConversationID(partnerID)
	if !ok || c.isHidden(conversationID) {
		return 0
	}
	n := 0
	for _, m := range c.cache.Messages(partnerID) {
		if !m.Read && m.Inbound(c.clientID) {
			n++
		}
	}
	return n
}

// Total returns the unread count summed over all partners.
func (c *Counter) Total() int {
	total := 0
	for _, partner := range c.cache.Partners() {
		total += c.Count(partner)
	}
	return total
}

// MarkRead sets hasBeenRead on a single message document. The local cache is
// not touched; the authoritative flip arrives back as a modified delta.
func (c *Counter) MarkRead(ctx context.Context, msg chat.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("mark read: message has no id")
	}
	if err := c.store.Update(ctx, docstore.CollectionMessages, msg.ID, map[string]any{"hasBeenRead": true}); err != nil {
		return fmt.Errorf("mark read %s: %w", msg.ID, err)
	}
	return nil
}

// MarkAllRead issues one independent update per unread inbound message for
// the partner. Partial failure is acceptable: failed messages stay unread
// until the next delta. Publishes unread.changed once the batch completes.
func (c *Counter) MarkAllRead(ctx context.Context, partnerID string) error {
	var errs []error
	for _, m := range c.cache.Messages(partnerID) {
		if m.Read || !m.Inbound(c.clientID) || m.ID == "" {
			continue
		}
		if err := c.MarkRead(ctx, m); err != nil {
			c.logger.Warn("mark read failed",
				zap.String("partner", partnerID),
				zap.String("msg_id", m.ID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	c.bus.Publish(bus.Event{Kind: bus.KindUnreadChanged, Timestamp: time.Now(), Payload: partnerID})
	return errors.Join(errs...)
}
