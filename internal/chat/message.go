// Package chat holds the domain models shared by the sync core and their
// document-store codecs.
package chat

import (
	"fmt"

	"github.com/tandem-app/tandem/internal/docstore"
)

// Kind classifies a chat message.
type Kind string

const (
	KindSystem Kind = "system"
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
)

// SystemReceiver is the receiver id carried by system messages; they count
// as inbound for every client.
const SystemReceiver = "system"

// IsMedia reports whether the kind carries an uploaded payload.
func (k Kind) IsMedia() bool {
	return k == KindImage || k == KindAudio || k == KindVideo
}

func (k Kind) valid() bool {
	switch k {
	case KindSystem, KindText, KindImage, KindAudio, KindVideo:
		return true
	}
	return false
}

// Message is a single chat event. Timestamp is assigned by the sender at
// construction time, in unix milliseconds, and is the sole ordering key; the
// store never overrides it.
type Message struct {
	ID             string
	SenderID       string
	ReceiverID     string
	ConversationID string
	Timestamp      int64
	Kind           Kind

	TextContent  string
	MediaURL     string
	ThumbnailURL string
	Duration     float64

	// LocalPreview and LocalAudioPath exist only between optimistic creation
	// and upload completion. They are never persisted.
	LocalPreview   []byte
	LocalAudioPath string

	Read     bool
	Uploaded bool
	Deleted  bool
}

// Inbound reports whether the message is addressed to the given client,
// counting system messages as inbound.
func (m Message) Inbound(clientID string) bool {
	return m.ReceiverID == clientID || m.ReceiverID == SystemReceiver
}

// Fields returns the persisted representation. Local-only handles are
// deliberately absent.
func (m Message) Fields() map[string]any {
	return map[string]any{
		"senderId":       m.SenderID,
		"receiverId":     m.ReceiverID,
		"conversationId": m.ConversationID,
		"timestamp":      m.Timestamp,
		"kind":           string(m.Kind),
		"textContent":    m.TextContent,
		"mediaURL":       m.MediaURL,
		"thumbnailURL":   m.ThumbnailURL,
		"duration":       m.Duration,
		"hasBeenRead":    m.Read,
		"isUploaded":     m.Uploaded,
		"isDeleted":      m.Deleted,
	}
}

// MessageFromDoc decodes a store document. Unknown kinds fail; callers skip
// the document rather than abort the batch it arrived in.
func MessageFromDoc(doc docstore.Document) (Message, error) {
	kind := Kind(stringField(doc.Fields, "kind"))
	if !kind.valid() {
		return Message{}, fmt.Errorf("message %s: unknown kind %q", doc.ID, kind)
	}
	return Message{
		ID:             doc.ID,
		SenderID:       stringField(doc.Fields, "senderId"),
		ReceiverID:     stringField(doc.Fields, "receiverId"),
		ConversationID: stringField(doc.Fields, "conversationId"),
		Timestamp:      int64Field(doc.Fields, "timestamp"),
		Kind:           kind,
		TextContent:    stringField(doc.Fields, "textContent"),
		MediaURL:       stringField(doc.Fields, "mediaURL"),
		ThumbnailURL:   stringField(doc.Fields, "thumbnailURL"),
		Duration:       floatField(doc.Fields, "duration"),
		Read:           boolField(doc.Fields, "hasBeenRead"),
		Uploaded:       boolField(doc.Fields, "isUploaded"),
		Deleted:        boolField(doc.Fields, "isDeleted"),
	}, nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func boolField(fields map[string]any, key string) bool {
	b, _ := fields[key].(bool)
	return b
}

func floatField(fields map[string]any, key string) float64 {
	switch n := fields[key].(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func int64Field(fields map[string]any, key string) int64 {
	return int64(floatField(fields, key))
}

func stringsField(fields map[string]any, key string) []string {
	switch v := fields[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
