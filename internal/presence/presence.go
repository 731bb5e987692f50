// Package presence writes the client's typing flag and last-online stamp to
// its own user document. There is no optimistic local mutation: partners
// observe these fields through their own user-document subscriptions.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/tandem-app/tandem/internal/docstore"
)

// Tracker updates the signed-in user's presence fields.
type Tracker struct {
	clientID string
	store    docstore.Store
}

// New creates a tracker for the signed-in user.
func New(clientID string, store docstore.Store) *Tracker {
	return &Tracker{clientID: clientID, store: store}
}

// SetTyping flips the typing indicator.
func (t *Tracker) SetTyping(ctx context.Context, typing bool) error {
	if err := t.store.Update(ctx, docstore.CollectionUsers, t.clientID, map[string]any{"isTyping": typing}); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// TouchLastOnline stamps the user as online now.
func (t *Tracker) TouchLastOnline(ctx context.Context) error {
	if err := t.store.Update(ctx, docstore.CollectionUsers, t.clientID, map[string]any{"lastOnline": time.Now().UnixMilli()}); err != nil {
		return fmt.Errorf("touch last online: %w", err)
	}
	return nil
}
