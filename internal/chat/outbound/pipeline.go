// Package outbound implements optimistic sends: a provisional message
// appears in the timeline immediately under a client-generated correlation
// id, media is uploaded, the document is persisted, and the provisional
// entry is reconciled with the store-assigned id so the later added delta
// finds nothing to do.
package outbound

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tandem-app/tandem/internal/bus"
	"github.com/tandem-app/tandem/internal/chat"
	"github.com/tandem-app/tandem/internal/chat/timeline"
	"github.com/tandem-app/tandem/internal/docstore"
	"github.com/tandem-app/tandem/internal/objstore"
)

// Pipeline sends messages for the signed-in user into the active
// conversation.
type Pipeline struct {
	clientID string
	store    docstore.Store
	objects  objstore.Store
	cache    *timeline.Cache
	bus      *bus.Bus
	logger   *zap.Logger

	mu           sync.Mutex
	partnerID    string
	conversation string
}

// New creates a pipeline for the signed-in user.
func New(clientID string, store docstore.Store, objects objstore.Store, cache *timeline.Cache, b *bus.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		clientID: clientID,
		store:    store,
		objects:  objects,
		cache:    cache,
		bus:      b,
		logger:   logger,
	}
}

// SetActive selects the partner and conversation sends are addressed to.
func (p *Pipeline) SetActive(partnerID, conversationID string) {
	p.mu.Lock()
	p.partnerID = partnerID
	p.conversation = conversationID
	p.mu.Unlock()
}

// active returns the send context, or false when the caller violated the
// contract (no signed-in user or no open conversation). That is a caller
// bug, not a user-facing error: sends silently no-op with a log.
func (p *Pipeline) active() (partnerID, conversationID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clientID == "" || p.partnerID == "" || p.conversation == "" {
		p.logger.Warn("send dropped: no active conversation",
			zap.String("partner", p.partnerID),
			zap.String("conversation", p.conversation))
		return "", "", false
	}
	return p.partnerID, p.conversation, true
}

// provisional builds the optimistic message. The correlation id doubles as
// the provisional message id until reconciliation; the timestamp assigned
// here is the permanent sort key.
func (p *Pipeline) provisional(partnerID, conversationID string, kind chat.Kind) chat.Message {
	return chat.Message{
		ID:             uuid.NewString(),
		SenderID:       p.clientID,
		ReceiverID:     partnerID,
		ConversationID: conversationID,
		Timestamp:      time.Now().UnixMilli(),
		Kind:           kind,
	}
}

// SendText sends a text message.
func (p *Pipeline) SendText(ctx context.Context, text string) {
	partnerID, conversationID, ok := p.active()
	if !ok {
		return
	}
	msg := p.provisional(partnerID, conversationID, chat.KindText)
	msg.TextContent = text
	p.enqueue(partnerID, msg)
	p.persist(ctx, partnerID, msg)
}

// SendMedia sends an image or video. The raw bytes serve as the local
// preview until the upload finishes; thumbnail applies to video only.
func (p *Pipeline) SendMedia(ctx context.Context, data, thumbnail []byte, kind chat.Kind) {
	if kind != chat.KindImage && kind != chat.KindVideo {
		p.logger.Warn("send dropped: not a media kind", zap.String("kind", string(kind)))
		return
	}
	partnerID, conversationID, ok := p.active()
	if !ok {
		return
	}
	msg := p.provisional(partnerID, conversationID, kind)
	msg.LocalPreview = data
	p.enqueue(partnerID, msg)

	ext := "jpg"
	if kind == chat.KindVideo {
		ext = "mp4"
	}
	url, err := p.objects.Upload(ctx, fmt.Sprintf("media/%s/%s.%s", conversationID, msg.ID, ext), data)
	if err != nil {
		// The provisional entry stays pending; no automatic retry.
		p.fail(partnerID, msg, fmt.Errorf("upload media: %w", err))
		return
	}
	msg.MediaURL = url

	if kind == chat.KindVideo && len(thumbnail) > 0 {
		thumbURL, err := p.objects.Upload(ctx, fmt.Sprintf("media/%s/%s_thumb.jpg", conversationID, msg.ID), thumbnail)
		if err != nil {
			p.fail(partnerID, msg, fmt.Errorf("upload thumbnail: %w", err))
			return
		}
		msg.ThumbnailURL = thumbURL
	}
	p.persist(ctx, partnerID, msg)
}

// SendAudio sends a recorded audio file.
func (p *Pipeline) SendAudio(ctx context.Context, localPath string, duration float64) {
	partnerID, conversationID, ok := p.active()
	if !ok {
		return
	}
	msg := p.provisional(partnerID, conversationID, chat.KindAudio)
	msg.LocalAudioPath = localPath
	msg.Duration = duration
	p.enqueue(partnerID, msg)

	data, err := os.ReadFile(localPath)
	if err != nil {
		p.fail(partnerID, msg, fmt.Errorf("read audio file: %w", err))
		return
	}
	url, err := p.objects.Upload(ctx, fmt.Sprintf("media/%s/%s.m4a", conversationID, msg.ID), data)
	if err != nil {
		p.fail(partnerID, msg, fmt.Errorf("upload audio: %w", err))
		return
	}
	msg.MediaURL = url
	p.persist(ctx, partnerID, msg)
}

func (p *Pipeline) enqueue(partnerID string, msg chat.Message) {
	p.cache.Insert(partnerID, msg)
	p.bus.Publish(bus.Event{
		Kind:      bus.KindOutboundQueued,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{PartnerID: partnerID, MessageID: msg.ID},
	})
}

func (p *Pipeline) fail(partnerID string, msg chat.Message, err error) {
	p.logger.Error("send failed",
		zap.String("partner", partnerID),
		zap.String("correlation", msg.ID),
		zap.Error(err))
	p.bus.Publish(bus.Event{
		Kind:      bus.KindOutboundSendFailed,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{PartnerID: partnerID, MessageID: msg.ID},
	})
}

// persist writes the message document, relabels the provisional cache entry
// with the store-assigned id, marks the document uploaded, and un-hides the
// conversation for both participants.
func (p *Pipeline) persist(ctx context.Context, partnerID string, msg chat.Message) {
	correlationID := msg.ID
	serverID, err := p.store.Set(ctx, docstore.CollectionMessages, "", msg.Fields())
	if err != nil {
		p.fail(partnerID, msg, fmt.Errorf("persist message: %w", err))
		return
	}
	p.cache.Reconcile(partnerID, correlationID, serverID)

	if err := p.store.Update(ctx, docstore.CollectionMessages, serverID, map[string]any{"isUploaded": true}); err != nil {
		p.logger.Warn("mark uploaded failed", zap.String("msg_id", serverID), zap.Error(err))
	}
	if _, err := p.store.Set(ctx, docstore.CollectionConversations, msg.ConversationID, chat.Conversation{
		Participants: []string{p.clientID, partnerID},
		Timestamp:    msg.Timestamp,
	}.Fields()); err != nil {
		p.logger.Warn("touch conversation failed", zap.String("conversation", msg.ConversationID), zap.Error(err))
	}
	p.unhide(ctx, msg.ConversationID, p.clientID, partnerID)

	p.bus.Publish(bus.Event{
		Kind:      bus.KindOutboundSent,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{PartnerID: partnerID, MessageID: serverID},
	})
	p.logger.Info("message sent",
		zap.String("correlation", correlationID),
		zap.String("msg_id", serverID),
		zap.String("kind", string(msg.Kind)))
}

// unhide removes the conversation from both participants' hidden sets in
// one transaction, so a message into a hidden conversation resurfaces it.
func (p *Pipeline) unhide(ctx context.Context, conversationID string, userIDs ...string) {
	err := p.store.RunAtomic(ctx, func(tx docstore.Tx) error {
		for _, userID := range userIDs {
			doc, err := tx.Get(docstore.CollectionUsers, userID)
			if err != nil {
				continue // missing profile is not fatal
			}
			user := chat.UserFromDoc(doc)
			if !user.Hidden(conversationID) {
				continue
			}
			kept := make([]string, 0, len(user.HiddenConversationIDs))
			for _, id := range user.HiddenConversationIDs {
				if id != conversationID {
					kept = append(kept, id)
				}
			}
			if err := tx.Update(docstore.CollectionUsers, userID, map[string]any{"hiddenConversationIds": kept}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("unhide conversation failed", zap.String("conversation", conversationID), zap.Error(err))
	}
}
