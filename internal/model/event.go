// internal/model/event.go
package model

// EventType represents the type of event
type EventType string

const (
	EventChannelConnected    EventType = "CHANNEL_CONNECTED"
	EventChannelDisconnected EventType = "CHANNEL_DISCONNECTED"
	EventChannelSent         EventType = "CHANNEL_SENT"
	EventChannelReceived     EventType = "CHANNEL_RECEIVED"

	EventDeviceAdded           EventType = "DEVICE_ADDED"
	EventDeviceIdentified      EventType = "DEVICE_IDENTIFIED"
	EventDeviceUnidentified    EventType = "DEVICE_UNIDENTIFIED"
	EventDeviceConnectionError EventType = "DEVICE_CONNECTION_ERROR"
	EventDeviceForgotten       EventType = "DEVICE_FORGOTTEN"
	EventInstrumentEvent       EventType = "INSTRUMENT_EVENT"

	EventMatchCompleted EventType = "MATCH_COMPLETED"
	EventMatchFailed    EventType = "MATCH_FAILED"
	EventMatchReleased  EventType = "MATCH_RELEASED"
)

// IsTraffic reports whether the event carries raw channel traffic
func (t EventType) IsTraffic() bool {
	return t == EventChannelSent || t == EventChannelReceived
}
