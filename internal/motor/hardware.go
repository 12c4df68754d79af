// Package motor drives a valve pin via a small DC motor with current-sense
// end-stop detection, using dead reckoning between end stops.
//
// The driver is a state machine advanced by Poll(), intended to be called on
// a regular short cadence (a couple of seconds). All motor activity happens
// inside Poll; between polls the motor is off. Position is tracked in
// percent open, recalibrated against the physical end stops.
package motor

// Direction is a motor drive direction.
type Direction int

const (
	// Off stops the motor.
	Off Direction = iota
	// Opening withdraws the valve pin (valve opens).
	Opening
	// Closing extends the valve pin (valve closes).
	Closing
)

// String returns the direction name used in logs.
func (d Direction) String() string {
	switch d {
	case Opening:
		return "opening"
	case Closing:
		return "closing"
	default:
		return "off"
	}
}

// CallbackHandler receives motor feedback during a run. Implementations
// must be safe to call from an interrupt-like context: the end-stop and
// tick signals may arrive concurrently with other driver use.
type CallbackHandler interface {
	// SignalHittingEndStop reports a high-current stall, ie an end stop.
	SignalHittingEndStop(opening bool)

	// SignalShaftEncoderMarkStart reports a shaft-encoder mark, where
	// such an encoder is fitted.
	SignalShaftEncoderMarkStart(opening bool)

	// SignalRunSCTTick reports one sub-cycle tick of motor travel.
	SignalRunSCTTick(opening bool)
}

// Hardware abstracts the physical motor and its current-sense circuit.
type Hardware interface {
	// MotorRun drives the motor in the given direction for up to
	// maxRunTicks sub-cycle ticks, reporting travel ticks and end-stop
	// stalls to cb as they happen. A maxRunTicks of 0 with a drive
	// direction gives a brief nudge that is not counted as travel.
	// Direction Off stops the motor.
	MotorRun(maxRunTicks int, dir Direction, cb CallbackHandler)
}
