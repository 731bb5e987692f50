package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by namespace
// prefix, so "message." matches every message mutation.
const (
	KindMessageAdded   = "message.added"
	KindMessageUpdated = "message.updated"
	KindMessageRemoved = "message.removed"

	KindTimelinePaged = "timeline.paged"
	KindUnreadChanged = "unread.changed"

	KindOutboundQueued     = "outbound.queued"
	KindOutboundSent       = "outbound.sent"
	KindOutboundSendFailed = "outbound.send_failed"

	KindSyncBootstrapped       = "sync.bootstrapped"
	KindSyncSubscribeError     = "sync.subscription_error"
	KindRegistryPartnerAdded   = "registry.partner_added"
	KindRegistryPartnerUpdated = "registry.partner_updated"

	KindNotifyBanner = "notify.banner"
	KindNotifyCue    = "notify.cue"

	KindStatusChanged = "status.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies a cached message in event payloads.
type MessageRef struct {
	PartnerID string
	MessageID string
}
