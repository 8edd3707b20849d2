// Package notify carries realtime lifecycle events to operator and UI
// subscribers over an in-process event bus.
package notify

import (
	evbus "github.com/asaskevich/EventBus"
)

// Event topics published by the registry and negotiator.
const (
	EventQR              = "whatsapp:qr"
	EventPairingCode     = "whatsapp:pairing_code"
	EventConnected       = "whatsapp:connected"
	EventDisconnected    = "whatsapp:disconnected"
	EventReconnecting    = "whatsapp:reconnecting"
	EventReconnectFailed = "whatsapp:reconnect_failed"
	EventLoggedOut       = "whatsapp:logged_out"
)

// Notifier wraps the shared event bus with typed publish helpers.
type Notifier struct {
	bus evbus.Bus
}

func NewNotifier(bus evbus.Bus) *Notifier {
	if bus == nil {
		bus = evbus.New()
	}
	return &Notifier{bus: bus}
}

// Emit publishes a payload on the given topic. Publishing never blocks
// the caller's event loop.
func (n *Notifier) Emit(topic string, payload map[string]interface{}) {
	n.bus.Publish(topic, payload)
}

// Subscribe registers fn for topic.
func (n *Notifier) Subscribe(topic string, fn interface{}) error {
	return n.bus.Subscribe(topic, fn)
}

// Unsubscribe removes fn from topic.
func (n *Notifier) Unsubscribe(topic string, fn interface{}) error {
	return n.bus.Unsubscribe(topic, fn)
}
