package motor

// FakeHardware simulates a motor and valve pin for tests: a travel of
// TravelTicks sub-cycle ticks between end stops, stalling (end-stop signal)
// when driven against either end.
type FakeHardware struct {
	// TravelTicks is the full pin travel, open end to closed end.
	TravelTicks int

	// ForceEndStopNextRun makes the next driven run stall immediately,
	// simulating a jam or dead-reckoning drift; cleared after use.
	ForceEndStopNextRun bool

	// Commands records the direction of every MotorRun call.
	Commands []Direction

	// posTicks is the pin position in ticks from the open end.
	posTicks int
}

// NewFakeHardware returns a fake with the pin parked mid-travel.
func NewFakeHardware(travelTicks int) *FakeHardware {
	return &FakeHardware{TravelTicks: travelTicks, posTicks: travelTicks / 2}
}

// PositionTicks returns the simulated pin position, in ticks from the open
// end.
func (f *FakeHardware) PositionTicks() int { return f.posTicks }

// SetPositionTicks moves the simulated pin, for test setup.
func (f *FakeHardware) SetPositionTicks(ticks int) { f.posTicks = clamp(ticks, 0, f.TravelTicks) }

// MotorRun simulates a motor run, ticking cb for each tick of travel and
// signalling the end stop on a stall.
func (f *FakeHardware) MotorRun(maxRunTicks int, dir Direction, cb CallbackHandler) {
	f.Commands = append(f.Commands, dir)
	if dir == Off {
		return
	}
	opening := dir == Opening
	if f.ForceEndStopNextRun && maxRunTicks > 0 {
		f.ForceEndStopNextRun = false
		cb.SignalHittingEndStop(opening)
		return
	}
	for i := 0; i < maxRunTicks; i++ {
		if opening {
			if f.posTicks == 0 {
				cb.SignalHittingEndStop(true)
				return
			}
			f.posTicks--
		} else {
			if f.posTicks == f.TravelTicks {
				cb.SignalHittingEndStop(false)
				return
			}
			f.posTicks++
		}
		cb.SignalRunSCTTick(opening)
	}
}
