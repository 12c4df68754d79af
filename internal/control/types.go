// Package control contains the pure temperature-to-target control logic for
// a radiator valve: once per tick it turns ambient/target temperatures and
// behaviour flags into a new valve-open percentage.
// This package has NO external dependencies (no hardware, MQTT, OS, or
// time.Sleep). All inputs are supplied fresh on each call.
//
// Temperatures are handled in 1/16ths of a degree Celsius ("C16") so that
// sub-degree errors can be processed in integer arithmetic.
package control

// RefTempOffsetC16 is the offset from raw temperature to the reference
// temperature, in C16. It shifts the regulation point to the middle of the
// nominal set-point degree, so a target of X holds the room near X.0..X.5
// rather than oscillating around (X+1).
const RefTempOffsetC16 = 8

// centreOffsetC16 places the centre of the proportional sweet-spot within
// the target degree.
const centreOffsetC16 = 12

// halfNormalBandC16 is half the normal "way off target" band around the
// sweet-spot, doubled under a wide deadband or while filtering.
const halfNormalBandC16 = 6

// Event reports notable activity from a single Tick.
type Event int

const (
	// EventNone means nothing notable happened.
	EventNone Event = iota
	// EventOpenFast means the valve was opened fast/fully from well below target.
	EventOpenFast
	// EventDraught means a cold draught was detected and the valve forced
	// below the call-for-heat threshold.
	EventDraught
)

// String returns the event name used in logs and MQTT payloads.
func (e Event) String() string {
	switch e {
	case EventOpenFast:
		return "OPEN_FAST"
	case EventDraught:
		return "DRAUGHT"
	default:
		return "NONE"
	}
}

// Params holds the tunable constants of the control algorithm.
// The defaults suit a minute-scale tick on an all-in-one TRV; systems with
// very different thermal mass or tick rates may need different values.
type Params struct {
	// MinTargetC and MaxTargetC bound legal target temperatures (C).
	MinTargetC int
	MaxTargetC int

	// ProportionalRangeC is the band (C) around target within which the
	// valve is modulated; beyond it the valve is driven straight to an
	// end position. Wide enough to tolerate all-in-one TRV overshoot.
	ProportionalRangeC int

	// FilterLength is the temperature history length in ticks; >= 4.
	FilterLength int

	// MaxTempJumpC16 is the single-sample jump (C16) beyond which
	// reverting to unfiltered readings is considered unsafe.
	MaxTempJumpC16 int

	// MinTicksHalfCDelta is the shortest interval (ticks) over which a
	// 0.5C rise is considered fast enough to need filtering.
	MinTicksHalfCDelta int

	// ReopenDelayTicks is the anti-hunt lockout armed after any turndown:
	// while counting down, turning the valve up again is refused.
	// Must be shorter than FilterLength for smooth control.
	ReopenDelayTicks int

	// RecloseDelayTicks is the anti-hunt lockout armed after any turnup:
	// while counting down, turning the valve down again is refused.
	// Must be shorter than FilterLength for smooth control.
	RecloseDelayTicks int

	// FastResponseTicksTarget bounds full valve travel when a fast
	// response has been requested, eg after manual control use.
	FastResponseTicksTarget int

	// SlewPCPerTick is the typical slew rate near target; small values
	// reduce noise and overshoot at the cost of responsiveness.
	SlewPCPerTick int

	// RideoutTicks is the target time to ride out a rising temperature
	// wave when well above target, closing fast enough to stop the rise
	// but slow enough to let the radiator cool first.
	RideoutTicks int

	// DraughtDropC16 is the one-tick temperature drop (C16) treated as a
	// draught from an open window or door when DetectDraughts is set.
	DraughtDropC16 int

	// DetectDraughts enables forcing the valve below the call-for-heat
	// threshold on a sharp temperature drop (with eco bias set).
	DetectDraughts bool

	// LingerClose slows the final stretch of a proportional-zone close to
	// 1%/tick below the minimum-really-open level, to help boilers with
	// poor bypass and reduce noise.
	LingerClose bool

	// LongFilter keeps filtering engaged for a minimum hold period
	// (4 x FilterLength ticks) once triggered, to avoid flapping.
	LongFilter bool

	// DetectJitter additionally engages filtering when adjacent readings
	// differ wildly, for noisy sensors.
	DetectJitter bool

	// AlwaysGlacial restricts all movement to 1%/tick, eg to minimise
	// flow where heat is charged by volume.
	AlwaysGlacial bool
}

// DefaultParams returns the standard tuning.
func DefaultParams() Params {
	return Params{
		MinTargetC:              5,
		MaxTargetC:              32,
		ProportionalRangeC:      7,
		FilterLength:            16,
		MaxTempJumpC16:          3,
		MinTicksHalfCDelta:      5,
		ReopenDelayTicks:        10,
		RecloseDelayTicks:       5,
		FastResponseTicksTarget: 5,
		SlewPCPerTick:           5,
		RideoutTicks:            20,
		DraughtDropC16:          8,
		DetectDraughts:          true,
		LingerClose:             true,
		LongFilter:              true,
	}
}

// Inputs is the per-tick snapshot of everything outside the controller's own
// state. Callers rebuild it fresh before each Tick.
type Inputs struct {
	// TargetTempC is the target room temperature (C).
	TargetTempC int

	// MaxTargetTempC is the non-setback target (C); 0 if unused, else not
	// below TargetTempC. Gives headroom for temporary overshoot so the
	// valve need not close just because a setback was applied.
	MaxTargetTempC int

	// MinPCReallyOpen is the minimum percentage at which this particular
	// valve is considered actually open; [1,100].
	MinPCReallyOpen int

	// MaxPCOpen is the maximum the valve may be opened to; [1,100].
	MaxPCOpen int

	// WidenDeadband allows more temperature drift to save energy and
	// valve noise, eg when the room is dark or unoccupied.
	WidenDeadband bool

	// Glacial restricts movement to 1%/tick for this tick.
	Glacial bool

	// HasEcoBias biases behaviour toward energy saving; enables draught
	// detection among other things.
	HasEcoBias bool

	// InBakeMode forces maximum heat output regardless of lockouts.
	InBakeMode bool

	// FastResponseRequired requests rapid movement, eg because the user
	// just adjusted the controls and expects visible feedback.
	FastResponseRequired bool

	// RefTempC16 is the reference room temperature (C16); must be set via
	// SetReferenceTemperatures before each Tick.
	RefTempC16 int
}

// NewInputs returns Inputs with sane defaults and reference temperatures
// derived from the supplied real temperature (C16).
func NewInputs(realTempC16 int) Inputs {
	in := Inputs{
		TargetTempC:     5, // Frost protection until told otherwise.
		MinPCReallyOpen: 1,
		MaxPCOpen:       100,
	}
	in.SetReferenceTemperatures(realTempC16)
	return in
}

// SetReferenceTemperatures computes and stores the reference temperature
// from the real measured temperature (C16), applying the set-point centring
// offset.
func (in *Inputs) SetReferenceTemperatures(realTempC16 int) {
	in.RefTempC16 = realTempC16 + RefTempOffsetC16
}
