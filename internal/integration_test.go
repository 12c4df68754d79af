package internal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Denzo77/trv-control/internal/control"
	"github.com/Denzo77/trv-control/internal/motor"
	"github.com/Denzo77/trv-control/internal/mqtt"
)

const (
	travelTicks = 400
	minDRTicks  = 32
)

// newCalibratedDriver brings a driver over fake hardware through pin
// withdrawal and calibration into normal running.
func newCalibratedDriver(t *testing.T) (*motor.Driver, *motor.FakeHardware) {
	t.Helper()
	hw := motor.NewFakeHardware(travelTicks)
	driver := motor.New(hw, motor.Params{MinMotorDRTicks: minDRTicks})
	driver.SignalValveFitted()
	for i := 0; i < 200; i++ {
		driver.Poll()
	}
	if !driver.IsInNormalRunState() {
		t.Fatalf("driver did not reach normal running, state %v", driver.State())
	}
	return driver, hw
}

func inputs(tempC16, targetC, minReally int, bake bool) control.Inputs {
	in := control.NewInputs(tempC16)
	in.TargetTempC = targetC
	in.MinPCReallyOpen = minReally
	in.InBakeMode = bake
	in.SetReferenceTemperatures(tempC16)
	return in
}

// TestIntegrationHotRoomClosesValve drives the full chain: control decides
// to shut, the motor driver runs the fake valve to its closed end stop, and
// the resulting event serialises cleanly.
func TestIntegrationHotRoomClosesValve(t *testing.T) {
	driver, hw := newCalibratedDriver(t)
	ctrl := control.New(control.DefaultParams())
	publisher := mqtt.NewFakePublisher()

	valvePC := driver.Get() // 100 after calibration
	event := ctrl.Tick(&valvePC, inputs(28*16, 18, driver.MinPercentOpen(), false), driver)
	if event != control.EventNone {
		t.Errorf("unexpected event %v on turndown", event)
	}
	if valvePC != 0 {
		t.Fatalf("modelled valve = %d%%, want 0%%", valvePC)
	}
	if driver.TargetPC() != 0 {
		t.Fatalf("driver target = %d%%, want 0%%", driver.TargetPC())
	}

	for i := 0; i < 40 && driver.Get() != 0; i++ {
		driver.Poll()
	}
	if driver.Get() != 0 {
		t.Fatalf("driver did not close, at %d%%", driver.Get())
	}
	if hw.PositionTicks() != travelTicks {
		t.Errorf("valve pin at %d ticks, want %d (closed end)", hw.PositionTicks(), travelTicks)
	}

	ve := mqtt.ValveEvent{
		Timestamp:   time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC),
		Type:        "MOVED",
		TargetPC:    driver.TargetPC(),
		ValvePC:     driver.Get(),
		DriverState: driver.State().String(),
	}
	if err := publisher.Publish(ve); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	var parsed mqtt.Payload
	if err := json.Unmarshal(publisher.Payloads[0], &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Valve.Event != "MOVED" {
		t.Errorf("payload event = %q, want MOVED", parsed.Valve.Event)
	}
	if parsed.Valve.ValvePC != 0 {
		t.Errorf("payload valve_pc = %d, want 0", parsed.Valve.ValvePC)
	}
	if parsed.Valve.DriverState != "valveNormal" {
		t.Errorf("payload driver_state = %q, want valveNormal", parsed.Valve.DriverState)
	}
}

// TestIntegrationColdRoomOpensValve parks the valve part-open, then lets the
// controller demand a fast open and the driver run back to the open end.
func TestIntegrationColdRoomOpensValve(t *testing.T) {
	driver, hw := newCalibratedDriver(t)
	ctrl := control.New(control.DefaultParams())

	driver.Set(30)
	for i := 0; i < 40 && !motor.CloseEnoughToTarget(30, driver.Get()); i++ {
		driver.Poll()
	}

	valvePC := driver.Get()
	event := ctrl.Tick(&valvePC, inputs(15*16, 21, driver.MinPercentOpen(), false), driver)
	if event != control.EventOpenFast {
		t.Fatalf("event = %v, want open fast", event)
	}
	if valvePC != 100 {
		t.Fatalf("modelled valve = %d%%, want 100%%", valvePC)
	}

	for i := 0; i < 40 && driver.Get() != 100; i++ {
		driver.Poll()
	}
	if driver.Get() != 100 {
		t.Fatalf("driver did not open fully, at %d%%", driver.Get())
	}
	if hw.PositionTicks() != 0 {
		t.Errorf("valve pin at %d ticks, want 0 (open end)", hw.PositionTicks())
	}
}

// TestIntegrationBakeCommandForcesOpen runs a BAKE request received over
// MQTT through the command store into the controller.
func TestIntegrationBakeCommandForcesOpen(t *testing.T) {
	driver, _ := newCalibratedDriver(t)
	ctrl := control.New(control.DefaultParams())

	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	commands := mqtt.NewCommands(func() time.Time { return now })
	if err := commands.HandleTemperature("28"); err != nil {
		t.Fatal(err)
	}
	if err := commands.HandleTarget("18"); err != nil {
		t.Fatal(err)
	}
	if err := commands.HandleBake("15"); err != nil {
		t.Fatal(err)
	}

	tempC16, ok := commands.TemperatureC16()
	if !ok {
		t.Fatal("temperature not available")
	}
	targetC, _ := commands.TargetC()

	valvePC := driver.Get()
	ctrl.Tick(&valvePC, inputs(tempC16, targetC, driver.MinPercentOpen(), commands.BakeActive()), driver)

	// 10C over target, but BAKE wins.
	if valvePC != 100 {
		t.Errorf("modelled valve = %d%%, want 100%% under BAKE", valvePC)
	}
	if driver.TargetPC() != 100 {
		t.Errorf("driver target = %d%%, want 100%% under BAKE", driver.TargetPC())
	}
}

// TestIntegrationMovementAccountingUsesDriverPositions checks that the
// controller's travel accounting picks up the positions the driver actually
// reached, not just the modelled ones.
func TestIntegrationMovementAccountingUsesDriverPositions(t *testing.T) {
	driver, _ := newCalibratedDriver(t)
	ctrl := control.New(control.DefaultParams())

	valvePC := driver.Get()
	ctrl.Tick(&valvePC, inputs(28*16, 18, driver.MinPercentOpen(), false), driver)
	for i := 0; i < 40 && driver.Get() != 0; i++ {
		driver.Poll()
	}

	// The next tick sees the driver at the closed end and accounts the
	// full travel.
	ctrl.Tick(&valvePC, inputs(28*16, 18, driver.MinPercentOpen(), false), driver)

	if got := ctrl.CumulativeMovementPC(); got < 100 {
		t.Errorf("cumulative movement = %d%%, want >= 100%%", got)
	}
}
