package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tandem-app/tandem/internal/bus"
)

// LoadOlder extends a partner's history backward by one page. No-op when a
// load is already in flight or the beginning of history was reached. A page
// shorter than the fetch size marks the beginning as reached; this mirrors
// the backend's behavior, which has no explicit has-more flag.
func (e *Engine) LoadOlder(ctx context.Context, partnerID string) error {
	if !e.cache.BeginLoad(partnerID) {
		e.logger.Debug("load older skipped",
			zap.String("partner", partnerID),
			zap.Bool("reached_beginning", e.cache.ReachedBeginning(partnerID)))
		return nil
	}

	earliest, ok := e.cache.Earliest(partnerID)
	if !ok {
		// Empty cache: nothing to page before.
		e.cache.FinishLoad(partnerID, false)
		return nil
	}

	page, err := e.fetchPage(ctx, earliest.ConversationID, &earliest)
	if err != nil {
		e.cache.FinishLoad(partnerID, false)
		e.logger.Error("load older failed", zap.String("partner", partnerID), zap.Error(err))
		return err
	}

	if len(page) == 0 {
		e.cache.FinishLoad(partnerID, true)
		return nil
	}

	// Fetched inbound messages sit below the subscription watermark, so no
	// modified delta will ever arrive to flip their read flag. The store
	// write is fire-and-forget; the cached copies carry Read up front so
	// unread counts match what was just written.
	for i := range page {
		if page[i].Read || !page[i].Inbound(e.clientID) {
			continue
		}
		msg := page[i]
		go func() {
			if err := e.counter.MarkRead(context.Background(), msg); err != nil {
				e.logger.Warn("page mark-read failed", zap.String("msg_id", msg.ID), zap.Error(err))
			}
		}()
		page[i].Read = true
	}

	added := e.cache.Prepend(partnerID, page)
	e.cache.FinishLoad(partnerID, len(page) < e.pageSize)

	e.bus.Publish(bus.Event{
		Kind:      bus.KindTimelinePaged,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{PartnerID: partnerID},
	})
	e.logger.Info("older page loaded",
		zap.String("partner", partnerID),
		zap.Int("fetched", len(page)),
		zap.Int("added", added),
		zap.Bool("reached_beginning", len(page) < e.pageSize))
	return nil
}
