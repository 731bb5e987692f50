// Package registry discovers the signed-in user's conversation partners and
// keeps the set current: a one-shot scan over existing conversations plus a
// live feed of conversations created after the client started.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandem-app/tandem/internal/bus"
	"github.com/tandem-app/tandem/internal/chat"
	"github.com/tandem-app/tandem/internal/docstore"
)

// PartnerHook runs once for every newly discovered partner. The daemon uses
// it to register the timeline entry and open the live sync.
type PartnerHook func(partnerID, conversationID string)

// Partner is the payload published with registry.partner_added events.
type Partner struct {
	PartnerID      string
	ConversationID string
	User           chat.User
}

// Registry maps the client user to its conversation partners.
type Registry struct {
	clientID string
	store    docstore.Store
	bus      *bus.Bus
	logger   *zap.Logger
	hook     PartnerHook

	mu       sync.Mutex
	partners map[string]string // partner id -> conversation id
	liveSub  docstore.Subscription
	closed   bool

	wg sync.WaitGroup
}

// New creates a registry for the signed-in user.
func New(clientID string, store docstore.Store, b *bus.Bus, logger *zap.Logger, hook PartnerHook) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clientID: clientID,
		store:    store,
		bus:      b,
		logger:   logger,
		hook:     hook,
		partners: make(map[string]string),
	}
}

// DiscoverExisting scans all conversations the client participates in and
// registers each partner once.
func (r *Registry) DiscoverExisting(ctx context.Context) error {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: docstore.CollectionConversations,
		Predicates: []docstore.Predicate{
			{Field: "participants", Op: docstore.OpArrayContains, Value: r.clientID},
		},
	})
	if err != nil {
		return fmt.Errorf("discover conversations: %w", err)
	}
	for _, doc := range docs {
		r.registerFromDoc(ctx, doc)
	}
	return nil
}

// WatchNew opens a live feed for conversations involving the client that are
// created (or touched) after the given watermark, so partners appearing
// after startup are picked up without a re-scan.
func (r *Registry) WatchNew(ctx context.Context, since int64) error {
	sub, err := r.store.Subscribe(ctx, docstore.CollectionConversations, []docstore.Predicate{
		{Field: "participants", Op: docstore.OpArrayContains, Value: r.clientID},
		{Field: "timestamp", Op: docstore.OpGreater, Value: since},
	})
	if err != nil {
		return fmt.Errorf("watch conversations: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Close()
		return errors.New("registry closed")
	}
	r.liveSub = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for batch := range sub.Changes() {
			for _, change := range batch {
				if change.Kind != docstore.ChangeAdded {
					continue
				}
				r.registerFromDoc(ctx, change.Doc)
			}
		}
		if err := sub.Err(); err != nil {
			r.logger.Error("conversation feed failed", zap.Error(err))
			r.bus.Publish(bus.Event{Kind: bus.KindSyncSubscribeError, Timestamp: time.Now(), Payload: err.Error()})
		}
	}()
	return nil
}

func (r *Registry) registerFromDoc(ctx context.Context, doc docstore.Document) {
	conv, err := chat.ConversationFromDoc(doc)
	if err != nil {
		r.logger.Warn("skipping malformed conversation", zap.String("id", doc.ID), zap.Error(err))
		return
	}
	partnerID, ok := conv.Other(r.clientID)
	if !ok {
		r.logger.Warn("conversation without client participant", zap.String("id", conv.ID))
		return
	}
	r.Register(ctx, partnerID, conv.ID)
}

// Register adds a partner. Idempotent: an already known partner is a no-op.
// The partner's user document is fetched best effort; a missing document is
// logged and the partner is still registered.
func (r *Registry) Register(ctx context.Context, partnerID, conversationID string) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.partners[partnerID]; ok {
		r.mu.Unlock()
		return false
	}
	r.partners[partnerID] = conversationID
	r.mu.Unlock()

	var user chat.User
	userDoc, err := r.store.Get(ctx, docstore.CollectionUsers, partnerID)
	if err != nil {
		r.logger.Warn("partner user document unavailable", zap.String("partner", partnerID), zap.Error(err))
		user = chat.User{ID: partnerID}
	} else {
		user = chat.UserFromDoc(userDoc)
	}

	if r.hook != nil {
		r.hook(partnerID, conversationID)
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindRegistryPartnerAdded,
		Timestamp: time.Now(),
		Payload:   Partner{PartnerID: partnerID, ConversationID: conversationID, User: user},
	})
	r.logger.Info("partner registered",
		zap.String("partner", partnerID),
		zap.String("conversation", conversationID))
	return true
}

// ConversationFor returns the conversation id registered for a partner.
func (r *Registry) ConversationFor(partnerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.partners[partnerID]
	return id, ok
}

// Partners returns a copy of the partner map.
func (r *Registry) Partners() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.partners))
	for k, v := range r.partners {
		out[k] = v
	}
	return out
}

// Close tears down the live feed. Safe to call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sub := r.liveSub
	r.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	r.wg.Wait()
}
