// Package events is the typed pub/sub fabric between the core and connected
// clients. Delivery is at-least-once and best-effort: a publisher never
// blocks on a slow subscriber, and clients reconcile by re-listing after a
// reconnect.
package events

import (
	"github.com/cskr/pubsub"

	"github.com/edvin/certmgr/internal/model"
)

// subscriberBuffer is the per-subscriber channel capacity. Once full,
// further publishes to that subscriber are dropped rather than blocking the
// renewal workers.
const subscriberBuffer = 256

// Bus is a many-publisher, many-subscriber event fan-out.
type Bus struct {
	ps *pubsub.PubSub
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{ps: pubsub.New(subscriberBuffer)}
}

// Publish delivers an event to every current subscriber of its topic
// without blocking.
func (b *Bus) Publish(topic model.Topic, payload any) {
	b.ps.TryPub(model.Event{Topic: topic, Payload: payload}, string(topic))
}

// Subscribe returns a channel receiving events for the given topics.
func (b *Bus) Subscribe(topics ...model.Topic) chan any {
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = string(t)
	}
	return b.ps.Sub(names...)
}

// SubscribeAll subscribes to every topic the core publishes.
func (b *Bus) SubscribeAll() chan any {
	return b.Subscribe(
		model.TopicCertificateRenewed,
		model.TopicCertificateUpdated,
		model.TopicCertificateDeleted,
		model.TopicRenewalFailed,
		model.TopicCAPassphraseRequired,
		model.TopicSchedulerStatusChanged,
		model.TopicServerStatus,
	)
}

// Unsubscribe detaches a subscriber channel and drains it.
func (b *Bus) Unsubscribe(ch chan any) {
	b.ps.Unsub(ch)
}

// Shutdown closes all subscriber channels.
func (b *Bus) Shutdown() {
	b.ps.Shutdown()
}
