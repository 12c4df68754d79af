package motor

import (
	"strings"
	"testing"
)

// newTestDriver wires a Driver to a fake valve with the given travel, with
// an unlimited sub-cycle budget and warnings captured.
func newTestDriver(travelTicks, minMotorDRTicks int, warnings *[]string) (*Driver, *FakeHardware) {
	fake := NewFakeHardware(travelTicks)
	d := New(fake, Params{
		MinMotorDRTicks: minMotorDRTicks,
		Warn: func(msg string) {
			if warnings != nil {
				*warnings = append(*warnings, msg)
			}
		},
	})
	return d, fake
}

// runToNormal polls until the driver reaches normal running.
func runToNormal(t *testing.T, d *Driver) {
	t.Helper()
	d.SignalValveFitted()
	for i := 0; i < 200; i++ {
		d.Poll()
		if d.IsInNormalRunState() {
			return
		}
		if d.IsInErrorState() {
			t.Fatal("driver entered error state")
		}
	}
	t.Fatalf("driver never reached normal running, state=%v", d.State())
}

func TestProgressionToNormalAndCalibration(t *testing.T) {
	var warnings []string
	d, fake := newTestDriver(400, 32, &warnings)
	runToNormal(t, d)

	if d.InNonProportionalMode() {
		t.Error("expected proportional mode after a clean calibration")
	}
	cp := d.CalibrationParameters()
	if cp.TicksFromOpenToClosed() != 400 || cp.TicksFromClosedToOpen() != 400 {
		t.Errorf("measured travel = %d/%d, want 400/400",
			cp.TicksFromOpenToClosed(), cp.TicksFromClosedToOpen())
	}
	if d.EstimatedPC() != 100 {
		t.Errorf("position after calibration = %d%%, want 100%%", d.EstimatedPC())
	}
	if fake.PositionTicks() != 0 {
		t.Errorf("pin at %d ticks from open, want 0", fake.PositionTicks())
	}
	if got := d.MinPercentOpen(); got != 20 {
		t.Errorf("MinPercentOpen = %d, want 20", got)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}

func TestWithdrawTimeoutEntersErrorState(t *testing.T) {
	var warnings []string
	d := New(jamHardware{}, Params{
		MinMotorDRTicks: 32,
		SctAbsLimit:     500,
		Warn:            func(msg string) { warnings = append(warnings, msg) },
	})
	sct := 0
	d.p.SubCycleTime = func() int { v := sct; sct += 600; return v }

	d.SignalValveFitted()
	for i := 0; i < 200 && !d.IsInErrorState(); i++ {
		sct = 0 // New poll cycle.
		d.Poll()
	}
	if !d.IsInErrorState() {
		t.Fatalf("expected error state, got %v", d.State())
	}
	if !containsSubstring(warnings, "withdraw") {
		t.Errorf("expected a withdraw warning, got %v", warnings)
	}
}

func TestJammedPinTimesOutWithoutSubCycleClock(t *testing.T) {
	var warnings []string
	// No sub-cycle clock and a pin that never reaches an end stop: every
	// Poll must still return, and the wallclock timeout must still fire.
	d := New(jamHardware{}, Params{
		MinMotorDRTicks: 32,
		Warn:            func(msg string) { warnings = append(warnings, msg) },
	})

	d.SignalValveFitted()
	for i := 0; i < 200 && !d.IsInErrorState(); i++ {
		d.Poll()
	}
	if !d.IsInErrorState() {
		t.Fatalf("expected error state, got %v", d.State())
	}
	if !containsSubstring(warnings, "withdraw") {
		t.Errorf("expected a withdraw warning, got %v", warnings)
	}
}

func TestCalibrationJamTimesOutWithoutSubCycleClock(t *testing.T) {
	var warnings []string
	d := New(closeJamHardware{}, Params{
		MinMotorDRTicks: 32,
		Warn:            func(msg string) { warnings = append(warnings, msg) },
	})

	d.SignalValveFitted()
	for i := 0; i < 400 && !d.IsInErrorState(); i++ {
		d.Poll()
	}
	if !d.IsInErrorState() {
		t.Fatalf("expected error state, got %v", d.State())
	}
	if !containsSubstring(warnings, "calibration travel") {
		t.Errorf("expected a calibration-travel warning, got %v", warnings)
	}
}

func TestProportionalTracking(t *testing.T) {
	var warnings []string
	d, _ := newTestDriver(400, 32, &warnings)
	runToNormal(t, d)

	if !d.Set(50) {
		t.Fatal("Set(50) rejected")
	}
	for i := 0; i < 20; i++ {
		d.Poll()
	}
	got := d.EstimatedPC()
	if got < 40 || got > 60 {
		t.Fatalf("position = %d%%, want near 50%%", got)
	}
	if !CloseEnoughToTarget(50, got) {
		t.Errorf("position %d%% not close enough to 50%%", got)
	}
	if !d.IsInNormalRunState() {
		t.Errorf("state = %v, want normal", d.State())
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}

func TestSetRejectsOutOfRange(t *testing.T) {
	d, _ := newTestDriver(400, 32, nil)
	if d.Set(-1) || d.Set(101) {
		t.Error("out-of-range target accepted")
	}
	if !d.Set(0) || !d.Set(100) {
		t.Error("in-range target rejected")
	}
}

func TestEarlyEndStopTriggersRecalibration(t *testing.T) {
	var warnings []string
	d, fake := newTestDriver(400, 32, &warnings)
	runToNormal(t, d)

	d.Set(50)
	d.Poll()
	d.Poll() // Position estimate now well away from both ends.

	fake.ForceEndStopNextRun = true
	d.Poll()
	if !d.InNonProportionalMode() {
		t.Fatal("expected recalibration flagged after early end stop")
	}
	if !containsSubstring(warnings, "tracking") {
		t.Errorf("expected a tracking warning, got %v", warnings)
	}

	d.Poll()
	if d.State() != StateValveCalibrating {
		t.Fatalf("state = %v, want %v", d.State(), StateValveCalibrating)
	}
}

func TestBinaryFallbackOnPoorCalibration(t *testing.T) {
	var warnings []string
	// Travel far too short for the pulse size: calibration is unusable.
	d, fake := newTestDriver(100, 5, &warnings)
	runToNormal(t, d)

	if !d.InNonProportionalMode() {
		t.Fatal("expected binary mode")
	}
	if !containsSubstring(warnings, "unusable") {
		t.Errorf("expected an unusable-calibration warning, got %v", warnings)
	}

	// A call-for-heat target holds at the fully-open end stop.
	d.Set(60)
	d.Poll()
	if d.EstimatedPC() != 100 {
		t.Errorf("position = %d%%, want 100%%", d.EstimatedPC())
	}

	// A below-threshold target drives to the closed end stop.
	d.Set(30)
	for i := 0; i < 40; i++ {
		d.Poll()
	}
	if d.EstimatedPC() != 0 {
		t.Errorf("position = %d%%, want 0%%", d.EstimatedPC())
	}
	if fake.PositionTicks() != fake.TravelTicks {
		t.Errorf("pin at %d ticks, want %d", fake.PositionTicks(), fake.TravelTicks)
	}
}

func TestVeryLowBatterySuppressesClosing(t *testing.T) {
	veryLow := true
	fake := NewFakeHardware(400)
	d := New(fake, Params{
		MinMotorDRTicks: 32,
		BatteryVeryLow:  func() bool { return veryLow },
		Warn:            func(string) {},
	})
	runToNormal(t, d)

	d.Set(30)
	for i := 0; i < 10; i++ {
		d.Poll()
	}
	if d.EstimatedPC() != 100 {
		t.Fatalf("closed on a very low battery: position = %d%%", d.EstimatedPC())
	}
	if fake.PositionTicks() != 0 {
		t.Fatalf("pin moved to %d ticks on a very low battery", fake.PositionTicks())
	}

	// Opening is still allowed either way; once the supply recovers the
	// close proceeds.
	veryLow = false
	for i := 0; i < 20; i++ {
		d.Poll()
	}
	if got := d.EstimatedPC(); got > 40 {
		t.Errorf("position = %d%%, want near 30%%", got)
	}
}

func TestCalibrationDeferredOnMinimiseActivity(t *testing.T) {
	minimise := true
	fake := NewFakeHardware(400)
	d := New(fake, Params{
		MinMotorDRTicks:  32,
		MinimiseActivity: func() bool { return minimise },
		Warn:             func(string) {},
	})
	runToNormal(t, d)

	if !d.InNonProportionalMode() {
		t.Error("expected non-proportional mode while calibration deferred")
	}
	if fake.PositionTicks() != 0 {
		t.Errorf("calibration travel happened while deferred: pin at %d ticks",
			fake.PositionTicks())
	}

	// Once activity is allowed again the driver recalibrates itself.
	minimise = false
	for i := 0; i < 50; i++ {
		d.Poll()
		if d.IsInNormalRunState() && !d.InNonProportionalMode() {
			return
		}
	}
	t.Fatalf("never recalibrated, state=%v", d.State())
}

func TestDecalcinationExcursion(t *testing.T) {
	fake := NewFakeHardware(400)
	d := New(fake, Params{
		MinMotorDRTicks:    32,
		DecalcinationTicks: 5,
		Warn:               func(string) {},
	})
	runToNormal(t, d)
	d.Set(100) // Hold at the current position; only the timer advances.

	sawDecalcinating := false
	for i := 0; i < 40; i++ {
		d.Poll()
		if d.State() == StateValveDecalcinating {
			sawDecalcinating = true
		}
		if sawDecalcinating && d.IsInNormalRunState() {
			return
		}
	}
	if !sawDecalcinating {
		t.Fatal("never entered decalcination")
	}
	t.Fatalf("never returned to normal, state=%v", d.State())
}

func TestWiggleIsPositionNeutral(t *testing.T) {
	fake := NewFakeHardware(400)
	d := New(fake, Params{})
	before := fake.PositionTicks()

	d.Wiggle()

	want := []Direction{Off, Opening, Closing, Off}
	if len(fake.Commands) != len(want) {
		t.Fatalf("commands = %v, want %v", fake.Commands, want)
	}
	for i, w := range want {
		if fake.Commands[i] != w {
			t.Fatalf("commands = %v, want %v", fake.Commands, want)
		}
	}
	if fake.PositionTicks() != before {
		t.Errorf("wiggle moved the pin: %d -> %d", before, fake.PositionTicks())
	}
}

// jamHardware never reaches an end stop and never moves: a seized pin.
type jamHardware struct{}

func (jamHardware) MotorRun(maxRunTicks int, dir Direction, cb CallbackHandler) {}

// closeJamHardware stalls at once when opening but never closes: a pin
// seized against its return spring.
type closeJamHardware struct{}

func (closeJamHardware) MotorRun(maxRunTicks int, dir Direction, cb CallbackHandler) {
	if dir == Opening && maxRunTicks > 0 {
		cb.SignalHittingEndStop(true)
	}
}

func containsSubstring(msgs []string, sub string) bool {
	for _, m := range msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}
