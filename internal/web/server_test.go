package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Denzo77/trv-control/internal/status"
)

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		TickSeconds: 60,
		PollSeconds: 2,
		Broker:      "tcp://192.168.1.200:1883",
		HTTPAddr:    ":80",
	}
	tr := status.NewTracker(start, cfg)
	srv := New(":0", tr)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, tr
}

func testUpdate() status.Update {
	return status.Update{
		TargetTempC:     19,
		TemperatureC16:  312, // 19.5C
		HaveTemperature: true,
		TargetPC:        60,
		ValvePC:         55,
		CallingForHeat:  true,
		DriverState:     "valveNormal",
		Counts:          status.EventCounts{OpenFast: 5, Moves: 12},
	}
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(testUpdate())
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control: got %q, want no-store", cc)
	}

	var sj StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if sj.Status.Valve.ValvePC != 55 {
		t.Errorf("valve_pc: got %d, want 55", sj.Status.Valve.ValvePC)
	}
	if sj.Status.Valve.TargetPC != 60 {
		t.Errorf("target_pc: got %d, want 60", sj.Status.Valve.TargetPC)
	}
	if !sj.Status.Valve.CallingForHeat {
		t.Error("expected calling_for_heat=true")
	}
	if sj.Status.Valve.TemperatureC == nil || *sj.Status.Valve.TemperatureC != 19.5 {
		t.Errorf("temperature_c: got %v, want 19.5", sj.Status.Valve.TemperatureC)
	}
	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q, want tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
	}
	if sj.Status.Counts.OpenFast != 5 {
		t.Errorf("Counts.OpenFast: got %d, want 5", sj.Status.Counts.OpenFast)
	}
	if sj.Status.Config.TickSeconds != 60 {
		t.Errorf("Config.TickSeconds: got %d, want 60", sj.Status.Config.TickSeconds)
	}
}

func TestJSONUnknownStateBeforeFirstTick(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	var sj StatusJSON
	json.NewDecoder(resp.Body).Decode(&sj)

	if sj.Status.Valve.DriverState != "UNKNOWN" {
		t.Errorf("driver_state before first tick: got %q, want UNKNOWN", sj.Status.Valve.DriverState)
	}
	if sj.Status.Valve.TemperatureC != nil {
		t.Error("temperature_c present without a sample")
	}
	if sj.Status.Ready {
		t.Error("expected Ready=false before first tick")
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	var sj StatusJSON
	json.NewDecoder(resp.Body).Decode(&sj)

	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(testUpdate())

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	// No temperature yet
	resp1, _ := http.Get(ts.URL + "/index.json")
	var sj1 StatusJSON
	json.NewDecoder(resp1.Body).Decode(&sj1)
	resp1.Body.Close()
	if sj1.Status.Ready {
		t.Error("expected Ready=false initially")
	}

	// Update state
	u := testUpdate()
	u.BakeActive = true
	tr.Update(u)
	tr.SetMQTTConnected(true)

	// Should reflect new state
	resp2, _ := http.Get(ts.URL + "/index.json")
	var sj2 StatusJSON
	json.NewDecoder(resp2.Body).Decode(&sj2)
	resp2.Body.Close()

	if !sj2.Status.Ready {
		t.Error("expected Ready=true after update")
	}
	if !sj2.Status.Valve.Bake {
		t.Error("expected bake=true after update")
	}
	if !sj2.Status.MQTT.Connected {
		t.Error("expected MQTT connected after update")
	}
}
