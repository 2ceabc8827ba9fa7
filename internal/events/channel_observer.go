// internal/events/channel_observer.go
package events

import (
	"context"
	"encoding/hex"

	"go.uber.org/zap"

	"lab-bench/internal/channel"
	"lab-bench/internal/model"
)

// ChannelObserver forwards channel notifications to the bus
type ChannelObserver struct {
	bus *Bus
}

// NewChannelObserver creates an observer publishing on bus
func NewChannelObserver(bus *Bus) *ChannelObserver {
	return &ChannelObserver{bus: bus}
}

// Notify implements channel.Observer
func (o *ChannelObserver) Notify(n channel.Notification) {
	var eventType model.EventType
	switch n.Kind {
	case channel.NotifyConnected:
		eventType = model.EventChannelConnected
	case channel.NotifyDisconnected:
		eventType = model.EventChannelDisconnected
	case channel.NotifySent:
		eventType = model.EventChannelSent
	case channel.NotifyReceived:
		eventType = model.EventChannelReceived
	default:
		return
	}

	data := map[string]interface{}{
		"target": n.Target,
	}
	if len(n.Data) > 0 {
		data["hex"] = hex.EncodeToString(n.Data)
		data["bytes"] = len(n.Data)
	}
	if n.Display != "" {
		data["display"] = n.Display
	}

	o.bus.Publish(eventType, "channel", data)
}

// TrafficLogger logs channel traffic and connection changes
type TrafficLogger struct {
	bus    *Bus
	logger *zap.Logger
}

// NewTrafficLogger creates a traffic logger
func NewTrafficLogger(bus *Bus, logger *zap.Logger) *TrafficLogger {
	return &TrafficLogger{
		bus:    bus,
		logger: logger.With(zap.String("component", "traffic")),
	}
}

// Run logs events until ctx is done
func (t *TrafficLogger) Run(ctx context.Context) {
	subscription := t.bus.Subscribe(
		model.EventChannelSent,
		model.EventChannelReceived,
		model.EventChannelConnected,
		model.EventChannelDisconnected,
	)
	defer t.bus.Unsubscribe(subscription)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription:
			fields := []zap.Field{zap.String("event_type", string(event.Type))}
			for _, key := range []string{"target", "display", "hex"} {
				if value, ok := event.Data[key]; ok {
					fields = append(fields, zap.Any(key, value))
				}
			}
			if event.Type.IsTraffic() {
				t.logger.Debug("Channel traffic", fields...)
			} else {
				t.logger.Info("Channel state changed", fields...)
			}
		}
	}
}
