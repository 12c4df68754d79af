// Package status provides a thread-safe status tracker for the trv-control
// daemon. It is designed to be read by HTTP handlers and the MQTT status
// events.
package status

import (
	"sync"
	"time"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	TickSeconds int
	PollSeconds int
	Broker      string
	HTTPAddr    string
}

// EventCounts tallies notable control events since startup.
type EventCounts struct {
	OpenFast       int
	Draught        int
	Moves          int
	TrackingErrors int
}

// Update carries the per-tick control and motor state into the tracker.
type Update struct {
	TargetTempC          int
	TemperatureC16       int
	HaveTemperature      bool
	TargetPC             int
	ValvePC              int
	CallingForHeat       bool
	DriverState          string
	Filtering            bool
	BakeActive           bool
	CumulativeMovementPC int
	Counts               EventCounts
}

// Snapshot is a point-in-time view of daemon state. It is a value type,
// safe to use after the lock is released.
type Snapshot struct {
	Update
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// TemperatureC returns the measured temperature in degrees C.
func (s Snapshot) TemperatureC() float64 {
	return float64(s.TemperatureC16) / 16
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update sets the control and motor state. Called from runLoop on every
// pass.
func (t *Tracker) Update(u Update) {
	t.mu.Lock()
	t.snap.Update = u
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
