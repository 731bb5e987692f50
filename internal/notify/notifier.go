// Package notify surfaces transient banners and alert cues for messages
// that arrive while the user is looking elsewhere. The daemon forwards the
// resulting bus events to UI clients.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandem-app/tandem/internal/bus"
)

// DefaultBannerTTL is how long a banner stays active before the next queued
// one replaces it.
const DefaultBannerTTL = 5 * time.Second

// Banner is the payload published with notify.banner events.
type Banner struct {
	PartnerID string
	Text      string
}

// Notifier keeps a single active banner; newer banners queue behind it and
// are promoted as each one expires.
type Notifier struct {
	bus    *bus.Bus
	logger *zap.Logger
	ttl    time.Duration

	mu      sync.Mutex
	active  *Banner
	expires time.Time
	queue   []Banner
	timer   *time.Timer
	stopped bool
}

// New creates a notifier. A zero ttl falls back to DefaultBannerTTL.
func New(b *bus.Bus, logger *zap.Logger, ttl time.Duration) *Notifier {
	if ttl <= 0 {
		ttl = DefaultBannerTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{bus: b, logger: logger, ttl: ttl}
}

// ShowBanner activates the banner immediately when none is active, otherwise
// queues it behind the current one.
func (n *Notifier) ShowBanner(banner Banner) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	if n.active != nil && time.Now().Before(n.expires) {
		n.queue = append(n.queue, banner)
		return
	}
	n.activateLocked(banner)
}

func (n *Notifier) activateLocked(banner Banner) {
	b := banner
	n.active = &b
	n.expires = time.Now().Add(n.ttl)
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.ttl, n.advance)
	n.bus.Publish(bus.Event{Kind: bus.KindNotifyBanner, Timestamp: time.Now(), Payload: b})
}

func (n *Notifier) advance() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	if len(n.queue) == 0 {
		n.active = nil
		return
	}
	next := n.queue[0]
	n.queue = n.queue[1:]
	n.activateLocked(next)
}

// Active returns the current banner, if one is live.
func (n *Notifier) Active() (Banner, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == nil || time.Now().After(n.expires) {
		return Banner{}, false
	}
	return *n.active, true
}

// Cue plays the local alert for an unread inbound message.
func (n *Notifier) Cue(partnerID string) {
	n.bus.Publish(bus.Event{Kind: bus.KindNotifyCue, Timestamp: time.Now(), Payload: partnerID})
}

// Stop cancels the promotion timer and drops queued banners.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.active = nil
	n.queue = nil
}
