package chat

import "github.com/tandem-app/tandem/internal/docstore"

// User carries the profile fields the sync core reads. Language fields are
// used by partner discovery surfaces, not by the core itself.
type User struct {
	ID                    string
	Name                  string
	HiddenConversationIDs []string
	IsTyping              bool
	LastOnline            int64
	TargetLanguages       []string
	NativeLanguages       []string
}

// Hidden reports whether the conversation id is hidden for this user.
func (u User) Hidden(conversationID string) bool {
	for _, id := range u.HiddenConversationIDs {
		if id == conversationID {
			return true
		}
	}
	return false
}

// Fields returns the persisted representation.
func (u User) Fields() map[string]any {
	return map[string]any{
		"name":                  u.Name,
		"hiddenConversationIds": u.HiddenConversationIDs,
		"isTyping":              u.IsTyping,
		"lastOnline":            u.LastOnline,
		"targetLanguages":       u.TargetLanguages,
		"nativeLanguages":       u.NativeLanguages,
	}
}

// UserFromDoc decodes a store document.
func UserFromDoc(doc docstore.Document) User {
	return User{
		ID:                    doc.ID,
		Name:                  stringField(doc.Fields, "name"),
		HiddenConversationIDs: stringsField(doc.Fields, "hiddenConversationIds"),
		IsTyping:              boolField(doc.Fields, "isTyping"),
		LastOnline:            int64Field(doc.Fields, "lastOnline"),
		TargetLanguages:       stringsField(doc.Fields, "targetLanguages"),
		NativeLanguages:       stringsField(doc.Fields, "nativeLanguages"),
	}
}
