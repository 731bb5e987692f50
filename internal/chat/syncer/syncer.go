// Package syncer keeps the timeline cache consistent with the document
// store: a bounded bootstrap fetch per conversation, then an unbounded
// change feed above the bootstrap watermark. Delta application is idempotent
// and serializes with pagination and optimistic sends on the per-partner
// timeline locks.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandem-app/tandem/internal/bus"
	"github.com/tandem-app/tandem/internal/chat"
	"github.com/tandem-app/tandem/internal/chat/timeline"
	"github.com/tandem-app/tandem/internal/chat/unread"
	"github.com/tandem-app/tandem/internal/docstore"
	"github.com/tandem-app/tandem/internal/notify"
)

// PageSize is the bootstrap and backward-page fetch size.
const PageSize = 30

// State tracks one conversation's sync lifecycle.
type State string

const (
	Bootstrapping State = "BOOTSTRAPPING"
	Subscribed    State = "SUBSCRIBED"
	Closed        State = "CLOSED"
)

type conversationSync struct {
	partnerID      string
	conversationID string
	state          State
	sub            docstore.Subscription
}

// Engine owns the per-conversation change feeds and their side effects.
type Engine struct {
	clientID string
	store    docstore.Store
	cache    *timeline.Cache
	counter  *unread.Counter
	notifier *notify.Notifier
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int

	mu            sync.Mutex
	convs         map[string]*conversationSync
	activePartner string
	onSurface     bool
	closed        bool

	wg sync.WaitGroup
}

// New creates a sync engine for the signed-in user.
func New(clientID string, store docstore.Store, cache *timeline.Cache, counter *unread.Counter, notifier *notify.Notifier, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		clientID: clientID,
		store:    store,
		cache:    cache,
		counter:  counter,
		notifier: notifier,
		bus:      b,
		logger:   logger,
		pageSize: PageSize,
		convs:    make(map[string]*conversationSync),
	}
}

// SetPageSize overrides the fetch size; used by tests.
func (e *Engine) SetPageSize(n int) {
	if n > 0 {
		e.pageSize = n
	}
}

// SetActiveConversation marks which partner's conversation is open in the
// UI; empty string means none. Affects only side-effect routing, never the
// underlying subscriptions.
func (e *Engine) SetActiveConversation(partnerID string) {
	e.mu.Lock()
	e.activePartner = partnerID
	e.mu.Unlock()
}

// SetOnMessagingSurface marks whether the user is looking at the messaging
// UI at all. Banners fire only while they are not.
func (e *Engine) SetOnMessagingSurface(on bool) {
	e.mu.Lock()
	e.onSurface = on
	e.mu.Unlock()
}

// State returns the sync state for a partner's conversation.
func (e *Engine) State(partnerID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.convs[partnerID]
	if !ok {
		return Closed
	}
	return cs.state
}

// Open bootstraps a conversation and starts its live feed. Idempotent per
// partner. The subscription watermark is the earliest bootstrapped
// timestamp, not "now": messages created during the bootstrap race are
// redelivered and deduplicated instead of lost.
func (e *Engine) Open(ctx context.Context, partnerID, conversationID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("open %s: engine closed", partnerID)
	}
	if _, ok := e.convs[partnerID]; ok {
		e.mu.Unlock()
		return nil
	}
	cs := &conversationSync{partnerID: partnerID, conversationID: conversationID, state: Bootstrapping}
	e.convs[partnerID] = cs
	e.mu.Unlock()

	registered := e.cache.Register(partnerID, conversationID)

	msgs, err := e.fetchPage(ctx, conversationID, nil)
	if err != nil {
		e.dropConversation(partnerID)
		if registered {
			e.cache.Drop(partnerID)
		}
		return fmt.Errorf("bootstrap %s: %w", conversationID, err)
	}
	e.cache.Install(partnerID, msgs)
	if len(msgs) < e.pageSize {
		// Short bootstrap: the whole history is already here.
		e.cache.FinishLoad(partnerID, true)
	}

	watermark := time.Now().UnixMilli()
	if len(msgs) > 0 {
		watermark = msgs[0].Timestamp
	}

	sub, err := e.store.Subscribe(ctx, docstore.CollectionMessages, []docstore.Predicate{
		{Field: "conversationId", Op: docstore.OpEqual, Value: conversationID},
		{Field: "timestamp", Op: docstore.OpGreater, Value: watermark},
	})
	if err != nil {
		e.dropConversation(partnerID)
		if registered {
			e.cache.Drop(partnerID)
		}
		return fmt.Errorf("subscribe %s: %w", conversationID, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Close()
		return fmt.Errorf("open %s: engine closed", partnerID)
	}
	cs.sub = sub
	cs.state = Subscribed
	e.mu.Unlock()

	e.bus.Publish(bus.Event{
		Kind:      bus.KindSyncBootstrapped,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{PartnerID: partnerID},
	})
	e.logger.Info("conversation sync open",
		zap.String("partner", partnerID),
		zap.String("conversation", conversationID),
		zap.Int("bootstrapped", len(msgs)),
		zap.Int64("watermark", watermark))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for batch := range sub.Changes() {
			for _, change := range batch {
				e.applyChange(partnerID, change)
			}
		}
		if err := sub.Err(); err != nil {
			// No automatic resubscribe; the conversation degrades until the
			// app restarts it.
			e.logger.Error("message feed failed",
				zap.String("partner", partnerID), zap.Error(err))
			e.bus.Publish(bus.Event{Kind: bus.KindSyncSubscribeError, Timestamp: time.Now(), Payload: partnerID})
		}
	}()
	return nil
}

func (e *Engine) dropConversation(partnerID string) {
	e.mu.Lock()
	delete(e.convs, partnerID)
	e.mu.Unlock()
}

// fetchPage reads up to pageSize messages for the conversation, newest
// first, optionally strictly older than the cursor message, and returns
// them in ascending order. The cursor carries the message id so equal
// timestamps at a page boundary are not skipped. Malformed documents are
// skipped.
func (e *Engine) fetchPage(ctx context.Context, conversationID string, after *chat.Message) ([]chat.Message, error) {
	q := docstore.Query{
		Collection: docstore.CollectionMessages,
		Predicates: []docstore.Predicate{
			{Field: "conversationId", Op: docstore.OpEqual, Value: conversationID},
		},
		OrderField: "timestamp",
		Descending: true,
		Limit:      e.pageSize,
	}
	if after != nil {
		q.StartAfter = after.Timestamp
		q.StartAfterID = after.ID
	}
	docs, err := e.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		m, err := chat.MessageFromDoc(docs[i])
		if err != nil {
			e.logger.Warn("skipping malformed message", zap.String("id", docs[i].ID), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// applyChange routes one delta into the cache. Each kind is handled
// independently and idempotently, so batch-internal ordering is irrelevant.
func (e *Engine) applyChange(partnerID string, change docstore.Change) {
	msg, err := chat.MessageFromDoc(change.Doc)
	if err != nil {
		e.logger.Warn("skipping malformed delta", zap.String("id", change.Doc.ID), zap.Error(err))
		return
	}
	ref := bus.MessageRef{PartnerID: partnerID, MessageID: msg.ID}

	switch change.Kind {
	case docstore.ChangeAdded:
		if !e.cache.Insert(partnerID, msg) {
			// Watermark overlap or an already reconciled optimistic send.
			return
		}
		e.bus.Publish(bus.Event{Kind: bus.KindMessageAdded, Timestamp: time.Now(), Payload: ref})
		e.sideEffects(partnerID, msg)
	case docstore.ChangeModified:
		if e.cache.ApplyModified(partnerID, msg) {
			e.bus.Publish(bus.Event{Kind: bus.KindMessageUpdated, Timestamp: time.Now(), Payload: ref})
		}
	case docstore.ChangeRemoved:
		if e.cache.Remove(partnerID, msg.ID) {
			e.bus.Publish(bus.Event{Kind: bus.KindMessageRemoved, Timestamp: time.Now(), Payload: ref})
		}
	}
}

// sideEffects runs once per qualifying added delta: mark the message read
// when its conversation is on screen; otherwise banner inbound text while
// off the messaging surface; then the alert cue.
func (e *Engine) sideEffects(partnerID string, msg chat.Message) {
	e.mu.Lock()
	active := e.activePartner == partnerID
	onSurface := e.onSurface
	e.mu.Unlock()

	inbound := msg.Inbound(e.clientID)
	switch {
	case active && inbound:
		if err := e.counter.MarkRead(context.Background(), msg); err != nil {
			e.logger.Warn("auto mark-read failed", zap.String("msg_id", msg.ID), zap.Error(err))
		}
	case inbound && !onSurface && msg.Kind == chat.KindText:
		e.notifier.ShowBanner(notify.Banner{PartnerID: partnerID, Text: msg.TextContent})
	}

	if !msg.Read && inbound && !e.cache.Loading(partnerID) {
		e.notifier.Cue(partnerID)
	}
}

// CloseConversation tears down one conversation's feed.
func (e *Engine) CloseConversation(partnerID string) {
	e.mu.Lock()
	cs, ok := e.convs[partnerID]
	if ok {
		delete(e.convs, partnerID)
		cs.state = Closed
	}
	e.mu.Unlock()
	if ok && cs.sub != nil {
		cs.sub.Close()
	}
}

// Close tears down every feed and waits for the delta goroutines.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := make([]docstore.Subscription, 0, len(e.convs))
	for _, cs := range e.convs {
		cs.state = Closed
		if cs.sub != nil {
			subs = append(subs, cs.sub)
		}
	}
	e.convs = make(map[string]*conversationSync)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	e.wg.Wait()
}
