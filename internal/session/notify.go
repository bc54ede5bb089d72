package session

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"wagate/internal/ports"
)

// lifecycleEvent is the notification body published on every state transition.
type lifecycleEvent struct {
	DeviceID string `json:"device_id"`
	Event    string `json:"event"`
	Reason   string `json:"reason,omitempty"`
	At       int64  `json:"at"`
}

type notifier struct {
	pub   ports.Publisher
	topic string
}

// notify publishes best-effort; failures are logged only.
func (n *notifier) notify(ctx context.Context, deviceID, event, reason string) {
	if n == nil || n.pub == nil || n.topic == "" {
		return
	}
	b, err := json.Marshal(lifecycleEvent{DeviceID: deviceID, Event: event, Reason: reason, At: time.Now().Unix()})
	if err != nil {
		log.WithError(err).Error("marshal lifecycle event")
		return
	}
	if err := n.pub.PublishRaw(ctx, n.topic, b); err != nil {
		log.WithError(err).WithFields(log.Fields{"deviceID": deviceID, "event": event}).Warn("lifecycle notification failed")
	}
}
