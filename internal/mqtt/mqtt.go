// Package mqtt provides MQTT publishing and remote-command input with
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"
)

// TopicEvents carries valve movement/control events.
const TopicEvents = "heating/trv/events"

// TopicSystem carries system lifecycle events.
const TopicSystem = "heating/trv/system"

// TopicTemperature receives ambient temperature samples (degrees C, plain
// decimal payload) from the room sensor.
const TopicTemperature = "heating/trv/temperature"

// TopicTarget receives target temperature setpoints (whole degrees C).
const TopicTarget = "heating/trv/target"

// TopicBake receives BAKE requests (minutes; 0 cancels).
const TopicBake = "heating/trv/bake"

// ValveEvent is one published valve control event.
type ValveEvent struct {
	Timestamp      time.Time
	Type           string // e.g. "OPEN_FAST", "DRAUGHT", "MOVED"
	TargetPC       int
	ValvePC        int
	CallingForHeat bool
	DriverState    string
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a valve event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event ValveEvent) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Valve ValvePayload `json:"valve"`
}

// ValvePayload contains the valve event details.
type ValvePayload struct {
	Timestamp      string `json:"timestamp"`
	Event          string `json:"event"`
	TargetPC       int    `json:"target_pc"`
	ValvePC        int    `json:"valve_pc"`
	CallingForHeat bool   `json:"calling_for_heat"`
	DriverState    string `json:"driver_state"`
}

// FormatPayload creates the JSON payload for a valve event.
func FormatPayload(event ValveEvent) ([]byte, error) {
	payload := Payload{
		Valve: ValvePayload{
			Timestamp:      event.Timestamp.UTC().Format(time.RFC3339),
			Event:          event.Type,
			TargetPC:       event.TargetPC,
			ValvePC:        event.ValvePC,
			CallingForHeat: event.CallingForHeat,
			DriverState:    event.DriverState,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (HEARTBEAT) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
