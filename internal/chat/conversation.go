package chat

import (
	"fmt"

	"github.com/tandem-app/tandem/internal/docstore"
)

// Conversation identifies a 1:1 relationship. Created lazily on first
// message, never deleted, only hidden per user.
type Conversation struct {
	ID           string
	Participants []string
	Timestamp    int64 // most recent activity, orders conversation lists
}

// Other returns the participant that is not the given user, and whether the
// user is a participant at all.
func (c Conversation) Other(userID string) (string, bool) {
	found := false
	other := ""
	for _, p := range c.Participants {
		if p == userID {
			found = true
		} else {
			other = p
		}
	}
	return other, found && other != ""
}

// Fields returns the persisted representation.
func (c Conversation) Fields() map[string]any {
	return map[string]any{
		"participants": c.Participants,
		"timestamp":    c.Timestamp,
	}
}

// ConversationFromDoc decodes a store document.
func ConversationFromDoc(doc docstore.Document) (Conversation, error) {
	parts := stringsField(doc.Fields, "participants")
	if len(parts) != 2 {
		return Conversation{}, fmt.Errorf("conversation %s: want 2 participants, got %d", doc.ID, len(parts))
	}
	return Conversation{
		ID:           doc.ID,
		Participants: parts,
		Timestamp:    int64Field(doc.Fields, "timestamp"),
	}, nil
}
