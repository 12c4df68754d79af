package status

import (
	"encoding/json"
	"math"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Valve         ValveJSON    `json:"valve"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// ValveJSON is the JSON representation of the valve state.
type ValveJSON struct {
	TargetTempC          int      `json:"target_temp_c"`
	TemperatureC         *float64 `json:"temperature_c,omitempty"`
	TargetPC             int      `json:"target_pc"`
	ValvePC              int      `json:"valve_pc"`
	CallingForHeat       bool     `json:"calling_for_heat"`
	DriverState          string   `json:"driver_state"`
	Filtering            bool     `json:"filtering"`
	Bake                 bool     `json:"bake"`
	CumulativeMovementPC int      `json:"cumulative_movement_pc"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	OpenFast       int `json:"open_fast"`
	Draught        int `json:"draught"`
	Moves          int `json:"moves"`
	TrackingErrors int `json:"tracking_errors"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickSeconds int    `json:"tick_s"`
	PollSeconds int    `json:"poll_s"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	driverState := snap.DriverState
	if driverState == "" {
		driverState = "UNKNOWN"
	}

	inner := StatusInner{
		Valve: ValveJSON{
			TargetTempC:          snap.TargetTempC,
			TargetPC:             snap.TargetPC,
			ValvePC:              snap.ValvePC,
			CallingForHeat:       snap.CallingForHeat,
			DriverState:          driverState,
			Filtering:            snap.Filtering,
			Bake:                 snap.BakeActive,
			CumulativeMovementPC: snap.CumulativeMovementPC,
		},
		Ready:         snap.HaveTemperature,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			OpenFast:       snap.Counts.OpenFast,
			Draught:        snap.Counts.Draught,
			Moves:          snap.Counts.Moves,
			TrackingErrors: snap.Counts.TrackingErrors,
		},
		Config: ConfigJSON{
			TickSeconds: snap.Config.TickSeconds,
			PollSeconds: snap.Config.PollSeconds,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
	if snap.HaveTemperature {
		// One decimal is plenty for a 1/16C sensor.
		temp := math.Round(snap.TemperatureC()*10) / 10
		inner.Valve.TemperatureC = &temp
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
