// Package dispatch turns accepted inbound transport events into
// durable queue work items.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/petzap/wabridge/internal/domain"
	"github.com/petzap/wabridge/internal/queue"
	"github.com/petzap/wabridge/internal/transport"
	"github.com/petzap/wabridge/pkg/metrics"
)

const enqueueTimeout = 5 * time.Second

// Dispatcher filters, normalizes and enqueues inbound messages.
type Dispatcher struct {
	queue       queue.Queue
	topic       string
	maxAttempts int
	idgen       *snowflake.Node
}

func NewDispatcher(q queue.Queue, topic string, maxAttempts int) *Dispatcher {
	node, err := snowflake.NewNode(1)
	if err != nil {
		// Node id 1 is always in range; only a clock anomaly gets here.
		zap.L().Error("snowflake init failed", zap.Error(err))
	}
	return &Dispatcher{queue: q, topic: topic, maxAttempts: maxAttempts, idgen: node}
}

// OnMessage handles one inbound message event for the given tenant.
// Own echoes are discarded. Enqueue failures drop the item after
// logging and counting; they never propagate back to the event loop.
func (d *Dispatcher) OnMessage(key domain.TenantKey, evt transport.MessageEvent) {
	if evt.FromMe {
		return
	}
	item := domain.InboundWorkItem{
		OrganizationID: key.OrganizationID,
		InstanceID:     key.InstanceID,
		From:           evt.Sender,
		PhoneNumber:    phoneFromJID(evt.Sender),
		Content:        ExtractContent(evt),
		MessageType:    evt.Kind,
		MessageID:      evt.ID,
		Timestamp:      evt.Timestamp,
	}
	if item.MessageID == "" && d.idgen != nil {
		item.MessageID = d.idgen.Generate().String()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	err := d.queue.Enqueue(ctx, d.topic, item, queue.Options{
		MaxAttempts:      d.maxAttempts,
		DedupeOnComplete: true,
	})
	if err != nil {
		metrics.InboundDropped.Inc()
		zap.L().Error("inbound message dropped",
			zap.String("tenant", key.String()),
			zap.String("message_id", item.MessageID),
			zap.Error(err))
	}
}

// ExtractContent returns a renderable value for every message kind:
// plain text first, then a media caption, then a typed placeholder.
// The result is never empty.
func ExtractContent(evt transport.MessageEvent) string {
	if evt.Text != "" {
		return evt.Text
	}
	if evt.Caption != "" {
		return evt.Caption
	}
	switch evt.Kind {
	case domain.MessageImage:
		return "[Image]"
	case domain.MessageVideo:
		return "[Video]"
	case domain.MessageAudio:
		return "[Audio]"
	case domain.MessageDocument:
		return "[Document]"
	case domain.MessageSticker:
		return "[Sticker]"
	case domain.MessageLocation:
		return "[Location]"
	case domain.MessageContact:
		return "[Contact]"
	default:
		return "[Message]"
	}
}

func phoneFromJID(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}
