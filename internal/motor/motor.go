package motor

import (
	"log"
	"sync/atomic"

	"github.com/Denzo77/trv-control/internal/valve"
)

// DriverState is the motor driver's major state.
type DriverState int

const (
	// StateInit nudges the motor to free the gear train.
	StateInit DriverState = iota
	// StateInitWaiting gives the user time to finish fitting the head.
	StateInitWaiting
	// StateValvePinWithdrawing retracts the pin fully for fitting.
	StateValvePinWithdrawing
	// StateValvePinWithdrawn waits for the valve-fitted signal.
	StateValvePinWithdrawn
	// StateValveCalibrating measures full travel in both directions.
	StateValveCalibrating
	// StateValveNormal tracks the target position.
	StateValveNormal
	// StateValveDecalcinating runs a full-travel recalibration excursion
	// to scour deposits off the valve seat.
	StateValveDecalcinating
	// StateValveError is terminal: the motor is left off.
	StateValveError
)

// String returns the state name used in logs and status reports.
func (s DriverState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateInitWaiting:
		return "initWaiting"
	case StateValvePinWithdrawing:
		return "valvePinWithdrawing"
	case StateValvePinWithdrawn:
		return "valvePinWithdrawn"
	case StateValveCalibrating:
		return "valveCalibrating"
	case StateValveNormal:
		return "valveNormal"
	case StateValveDecalcinating:
		return "valveDecalcinating"
	case StateValveError:
		return "valveError"
	default:
		return "unknown"
	}
}

const (
	// minMotorDRMS is the smallest motor run (ms) that dead reckoning can
	// usefully measure; shorter runs are noise.
	minMotorDRMS = 250

	// maxTravelWallclockTicks bounds a single full travel in polls;
	// exceeding it means the pin or motor is jammed.
	maxTravelWallclockTicks = 120

	// initialRetractWaitTicks is polls spent in initWaiting before the
	// pin is withdrawn, giving the fitter time to screw the head on.
	initialRetractWaitTicks = 15

	// endStopConfidence is consecutive end-stop hits needed to trust one;
	// calibration demands one more to keep travel measurements clean.
	endStopConfidence            = 4
	calibrationEndStopConfidence = endStopConfidence + 1

	// absTolerancePC is the position tolerance used when deciding whether
	// the current position is close enough to the target.
	absTolerancePC = 11

	// maxEarlyEndStopHitPC is how far (%) from the expected end position
	// an end-stop hit can land before it is treated as a tracking error.
	maxEarlyEndStopHitPC = 19

	// maxRunsPerPoll bounds motor runs within a single poll when no
	// sub-cycle clock is wired, so a travel that never stalls still hands
	// control back and the wallclock jam timeout can fire.
	maxRunsPerPoll = 16

	// tickCounterCap bounds the dead-reckoning counters.
	tickCounterCap = 1 << 15
)

// ComputeMinMotorDRTicks returns the minimum dead-reckoning motor run in
// sub-cycle ticks for the given tick length.
func ComputeMinMotorDRTicks(subCycleTickMs int) int {
	if subCycleTickMs < 1 {
		return minMotorDRMS
	}
	return maxInt(1, minMotorDRMS/subCycleTickMs)
}

// ComputeSctAbsLimit returns the sub-cycle time past which no new motor
// activity may start, reserving a quarter of the cycle for everything else.
func ComputeSctAbsLimit(subCycleTicks int) int {
	return subCycleTicks - maxInt(1, subCycleTicks/4)
}

// Params configures a Driver. SubCycleTime is required for real hardware;
// the rest have workable zero-value defaults.
type Params struct {
	// SubCycleTime returns the elapsed time (sub-cycle ticks) within the
	// current poll cycle. Nil means unlimited budget.
	SubCycleTime func() int

	// SctAbsLimit is the sub-cycle time past which no motor activity may
	// start; <=0 means unlimited.
	SctAbsLimit int

	// MinMotorDRTicks is the smallest motor run (sub-cycle ticks) counted
	// for dead reckoning; <1 is treated as 1.
	MinMotorDRTicks int

	// DecalcinationTicks is the number of polls in normal running between
	// forced recalibration excursions; 0 disables them.
	DecalcinationTicks int

	// BatteryLow, if non-nil and true, defers self-calibration.
	BatteryLow func() bool

	// BatteryVeryLow, if non-nil and true, suppresses closing travel so a
	// dying supply fails toward the valve open (frost-safe).
	BatteryVeryLow func() bool

	// MinimiseActivity, if non-nil and true, defers discretionary
	// movement such as self-calibration.
	MinimiseActivity func() bool

	// Warn receives recoverable-fault messages; nil logs via the stdlib.
	Warn func(msg string)
}

// Driver is the valve motor driver state machine. Poll, Set and the
// accessors are for a single goroutine; the CallbackHandler methods are
// safe to call concurrently.
type Driver struct {
	hw Hardware
	p  Params

	state DriverState

	// Per-state scratch, cleared on every state change.
	ticksWaited     int
	wallclockTicks  int
	endStopHitCount int
	calibState      int
	measuredTfotc   int
	measuredTfcto   int

	valveFitted           bool
	needsRecalibrating    bool
	ticksSinceCalibration int

	cp        CalibrationParameters
	currentPC int
	targetPC  int

	endStopDetected atomic.Bool
	ticksFromOpen   atomic.Int32
	ticksReverse    atomic.Int32
}

// New returns a Driver in its initial state, assuming nothing about the
// valve position.
func New(hw Hardware, p Params) *Driver {
	if p.MinMotorDRTicks < 1 {
		p.MinMotorDRTicks = 1
	}
	if p.SctAbsLimit <= 0 {
		p.SctAbsLimit = int(^uint(0) >> 2)
	}
	return &Driver{
		hw:                 hw,
		p:                  p,
		state:              StateInit,
		currentPC:          100,
		targetPC:           valve.SaferOpenPC - 1,
		needsRecalibrating: true,
	}
}

// State returns the current driver state.
func (d *Driver) State() DriverState { return d.state }

// IsInNormalRunState reports whether the driver is tracking targets.
func (d *Driver) IsInNormalRunState() bool { return d.state == StateValveNormal }

// IsInErrorState reports whether the driver has shut down on a fault.
func (d *Driver) IsInErrorState() bool { return d.state == StateValveError }

// InNonProportionalMode reports whether only binary (fully open/closed)
// positioning is available.
func (d *Driver) InNonProportionalMode() bool {
	return d.needsRecalibrating || d.cp.CannotRunProportional()
}

// CalibrationParameters returns the current calibration.
func (d *Driver) CalibrationParameters() CalibrationParameters { return d.cp }

// MinPercentOpen returns the smallest percentage at which this valve can be
// considered really open, given the dead-reckoning precision.
func (d *Driver) MinPercentOpen() int {
	if d.cp.CannotRunProportional() {
		return valve.MinReallyOpenPC
	}
	return maxInt(10+d.cp.ApproxPrecisionPC(), valve.MinReallyOpenPC)
}

// SignalValveFitted tells the driver the head is now on the valve body, so
// the pin can be driven against the real end stops.
func (d *Driver) SignalValveFitted() { d.valveFitted = true }

// Set requests a target percentage open [0,100]. The motor moves on
// subsequent Polls. Returns false if out of range.
func (d *Driver) Set(percentOpen int) bool {
	if percentOpen < 0 || percentOpen > 100 {
		return false
	}
	d.targetPC = percentOpen
	return true
}

// Get returns the estimated current percentage open.
func (d *Driver) Get() int { return d.currentPC }

// EstimatedPC returns the estimated current percentage open.
func (d *Driver) EstimatedPC() int { return d.currentPC }

// TargetPC returns the current target percentage open.
func (d *Driver) TargetPC() int { return d.targetPC }

// CloseEnoughToTarget reports whether currentPC is an acceptable stand-in
// for targetPC. Tolerance is asymmetric around the call-for-heat threshold:
// a closing target accepts anything at or below it, an opening target
// anything at or above, so flow errs toward the commanded side.
func CloseEnoughToTarget(targetPC, currentPC int) bool {
	return targetPC == currentPC ||
		absInt(targetPC-currentPC) <= absTolerancePC ||
		(targetPC < valve.SaferOpenPC && currentPC <= targetPC) ||
		(targetPC >= valve.SaferOpenPC && currentPC >= targetPC)
}

// SignalHittingEndStop notes a current-spike stall. ISR-safe.
func (d *Driver) SignalHittingEndStop(opening bool) { d.endStopDetected.Store(true) }

// SignalShaftEncoderMarkStart is unused without a shaft encoder. ISR-safe.
func (d *Driver) SignalShaftEncoderMarkStart(opening bool) {}

// SignalRunSCTTick counts one tick of motor travel for dead reckoning.
// ISR-safe.
func (d *Driver) SignalRunSCTTick(opening bool) {
	if opening {
		if d.ticksReverse.Load() < tickCounterCap {
			d.ticksReverse.Add(1)
		}
	} else {
		if d.ticksFromOpen.Load() < tickCounterCap {
			d.ticksFromOpen.Add(1)
		}
	}
}

// Wiggle nudges the motor briefly in both directions, ending off. Position
// neutral; used to free the gear train and as fitting feedback.
func (d *Driver) Wiggle() {
	d.hw.MotorRun(0, Off, d)
	d.hw.MotorRun(0, Opening, d)
	d.hw.MotorRun(0, Closing, d)
	d.hw.MotorRun(0, Off, d)
}

// Poll advances the state machine, running the motor as needed within the
// remaining sub-cycle time budget.
func (d *Driver) Poll() {
	if d.subCycleTime() >= d.p.SctAbsLimit {
		return
	}

	switch d.state {
	case StateInit:
		d.Wiggle()
		d.changeState(StateInitWaiting)

	case StateInitWaiting:
		if d.ticksWaited < initialRetractWaitTicks {
			d.ticksWaited++
			break
		}
		d.Wiggle()
		d.changeState(StateValvePinWithdrawing)

	case StateValvePinWithdrawing:
		d.wallclockTicks++
		if d.wallclockTicks > maxTravelWallclockTicks {
			d.warn("valve pin withdraw taking too long")
			d.changeState(StateValveError)
			break
		}
		for runs := 0; runs < maxRunsPerPoll; runs++ {
			if !d.runTowardsEndStop(true) {
				d.endStopHitCount = 0
			} else if d.endStopHitCount++; d.endStopHitCount >= endStopConfidence {
				d.hitEndStop(true)
				d.changeState(StateValvePinWithdrawn)
				break
			}
			if d.subCycleTime() > d.sctAbsLimitDR() {
				break
			}
		}

	case StateValvePinWithdrawn:
		if d.valveFitted {
			// Fitting feedback, skipped when activity is being minimised.
			if d.p.MinimiseActivity == nil || !d.p.MinimiseActivity() {
				d.Wiggle()
			}
			d.changeState(StateValveCalibrating)
		}

	case StateValveCalibrating, StateValveDecalcinating:
		d.doCalibration()

	case StateValveNormal:
		d.pollNormal()

	default:
		d.hw.MotorRun(0, Off, d)
	}
}

// changeState switches major state and clears all per-state scratch.
func (d *Driver) changeState(next DriverState) {
	d.state = next
	d.ticksWaited = 0
	d.wallclockTicks = 0
	d.endStopHitCount = 0
	d.calibState = 0
	d.measuredTfotc = 0
	d.measuredTfcto = 0
}

func (d *Driver) subCycleTime() int {
	if d.p.SubCycleTime == nil {
		return 0
	}
	return d.p.SubCycleTime()
}

// sctAbsLimitDR is the latest sub-cycle time at which one more
// dead-reckoning run can still start and finish within budget.
func (d *Driver) sctAbsLimitDR() int { return d.p.SctAbsLimit - d.p.MinMotorDRTicks }

func (d *Driver) warn(msg string) {
	if d.p.Warn != nil {
		d.p.Warn(msg)
		return
	}
	log.Printf("motor: %s", msg)
}

// shouldDeferCalibration reports whether discretionary calibration travel
// should wait, eg on a weak battery.
func (d *Driver) shouldDeferCalibration() bool {
	if d.p.BatteryLow != nil && d.p.BatteryLow() {
		return true
	}
	if d.p.MinimiseActivity != nil && d.p.MinimiseActivity() {
		return true
	}
	return false
}

func (d *Driver) batteryVeryLow() bool {
	return d.p.BatteryVeryLow != nil && d.p.BatteryVeryLow()
}

// runTowardsEndStop makes one minimal dead-reckoning run toward an end stop
// and reports whether the end stop was (apparently) hit.
func (d *Driver) runTowardsEndStop(open bool) bool {
	d.endStopDetected.Store(false)
	dir := Closing
	if open {
		dir = Opening
	}
	d.hw.MotorRun(d.p.MinMotorDRTicks, dir, d)
	d.hw.MotorRun(0, Off, d)
	return d.endStopDetected.Load()
}

// hitEndStop resets the position model at a trusted end stop.
func (d *Driver) hitEndStop(open bool) {
	d.ticksReverse.Store(0)
	if open {
		d.currentPC = 100
		d.ticksFromOpen.Store(0)
	} else {
		d.currentPC = 0
		d.ticksFromOpen.Store(int32(d.cp.TicksFromOpenToClosed()))
	}
}

// recomputeIntermediatePosition refreshes currentPC from dead reckoning,
// clamped off the end values which only a trusted end stop may set.
func (d *Driver) recomputeIntermediatePosition() {
	if d.needsRecalibrating {
		return
	}
	tfo := int(d.ticksFromOpen.Load())
	trev := int(d.ticksReverse.Load())
	pc := d.cp.ComputePosition(&tfo, &trev)
	d.ticksFromOpen.Store(int32(tfo))
	d.ticksReverse.Store(int32(trev))
	d.currentPC = clamp(pc, 1, 99)
}

// reportTrackingError notes that dead reckoning has drifted badly; the next
// opportunity triggers recalibration.
func (d *Driver) reportTrackingError() {
	d.needsRecalibrating = true
	d.warn("valve tracking error, will recalibrate")
}

// doCalibration runs the calibration micro-state sequence: travel to fully
// open, measure open-to-closed, measure closed-to-open, then derive the
// dead-reckoning parameters. Also used for decalcination excursions.
func (d *Driver) doCalibration() {
	d.needsRecalibrating = true
	if d.shouldDeferCalibration() {
		d.changeState(StateValveNormal)
		return
	}

	switch d.calibState {
	case 0:
		d.wallclockTicks = 0
		d.endStopHitCount = 0
		d.calibState++

	case 1: // To a clean fully-open start.
		if d.calibTravel(true) {
			d.ticksFromOpen.Store(0)
			d.ticksReverse.Store(0)
			d.nextCalibStage()
		}

	case 2: // Measure open to closed.
		if d.calibTravel(false) {
			d.measuredTfotc = int(d.ticksFromOpen.Load())
			d.nextCalibStage()
		}

	case 3: // Measure closed to open.
		if d.calibTravel(true) {
			d.measuredTfcto = int(d.ticksReverse.Load())
			d.ticksFromOpen.Store(0)
			d.ticksReverse.Store(0)
			d.calibState++
		}

	case 4:
		if !d.cp.UpdateAndCompute(d.measuredTfotc, d.measuredTfcto, d.p.MinMotorDRTicks) {
			d.warn("calibration unusable, running binary")
		} else {
			log.Printf("motor: calibrated, travel %d/%d ticks, precision %d%%",
				d.measuredTfotc, d.measuredTfcto, d.cp.ApproxPrecisionPC())
		}
		d.needsRecalibrating = false
		d.ticksSinceCalibration = 0
		d.hitEndStop(true)
		d.changeState(StateValveNormal)

	default:
		d.changeState(StateValveError)
	}
}

func (d *Driver) nextCalibStage() {
	d.wallclockTicks = 0
	d.endStopHitCount = 0
	d.calibState++
}

// calibTravel drives toward one end stop within this poll's budget and
// reports whether the end stop has been confirmed. Jams fail to
// StateValveError.
func (d *Driver) calibTravel(open bool) bool {
	d.wallclockTicks++
	if d.wallclockTicks > maxTravelWallclockTicks {
		d.warn("calibration travel taking too long")
		d.changeState(StateValveError)
		return false
	}
	for runs := 0; runs < maxRunsPerPoll; runs++ {
		if !d.runTowardsEndStop(open) {
			d.endStopHitCount = 0
		} else if d.endStopHitCount++; d.endStopHitCount >= calibrationEndStopConfidence {
			return true
		}
		if d.subCycleTime() > d.sctAbsLimitDR() {
			return false
		}
	}
	return false
}

// pollNormal tracks the target position, proportionally when calibration
// allows and by driving to an end stop otherwise.
func (d *Driver) pollNormal() {
	if d.p.DecalcinationTicks > 0 {
		d.ticksSinceCalibration++
		if d.ticksSinceCalibration >= d.p.DecalcinationTicks {
			d.changeState(StateValveDecalcinating)
			return
		}
	}

	if d.pollNormalProportional() {
		return
	}

	// Binary fallback: drive to the end stop on the commanded side.
	binaryOpen := d.targetPC >= valve.SaferOpenPC
	binaryTarget := 0
	if binaryOpen {
		binaryTarget = 100
	}
	if binaryTarget == d.currentPC {
		d.endStopHitCount = 0
		return
	}
	if !binaryOpen && d.batteryVeryLow() {
		// Fail open: no closing travel on a dying supply.
		return
	}
	if !d.runTowardsEndStop(binaryOpen) {
		d.endStopHitCount = 0
		d.recomputeIntermediatePosition()
		return
	}
	if d.endStopHitCount++; d.endStopHitCount >= endStopConfidence {
		d.hitEndStop(binaryOpen)
		d.endStopHitCount = 0
	}
}

// pollNormalProportional makes at most one dead-reckoning pulse toward the
// target. Returns false when the situation calls for binary positioning
// instead: stale calibration, unusable precision, or a target too close to
// an end stop for dead reckoning to hold.
func (d *Driver) pollNormalProportional() bool {
	if d.needsRecalibrating {
		if !d.shouldDeferCalibration() {
			d.changeState(StateValveCalibrating)
			return true
		}
		return false
	}
	if d.cp.CannotRunProportional() {
		return false
	}

	eps := d.cp.ApproxPrecisionPC()
	weps := maxInt(absTolerancePC, 2*eps)
	if d.targetPC > 100-weps || d.targetPC < weps {
		return false
	}

	if absInt(d.targetPC-d.currentPC) <= eps {
		d.endStopHitCount = 0
		return true
	}

	opening := d.targetPC > d.currentPC
	if !opening && d.batteryVeryLow() {
		return true
	}

	if !d.runTowardsEndStop(opening) {
		d.endStopHitCount = 0
		d.recomputeIntermediatePosition()
		return true
	}

	// End stop mid-travel: either dead reckoning has drifted badly, or
	// the position model was just a little out near the end of travel.
	d.recomputeIntermediatePosition()
	early := (opening && d.currentPC < 100-maxEarlyEndStopHitPC) ||
		(!opening && d.currentPC > maxEarlyEndStopHitPC)
	if early {
		d.reportTrackingError()
	} else {
		d.warn("end stop near expected position")
	}
	if d.endStopHitCount++; d.endStopHitCount >= endStopConfidence {
		d.hitEndStop(opening)
		d.endStopHitCount = 0
	}
	return true
}
