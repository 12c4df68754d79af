package control

import "github.com/Denzo77/trv-control/internal/valve"

// State is the per-valve controller state carried between ticks.
// Construct with New; not safe for concurrent use.
type State struct {
	p Params

	// prevRawTempC16 is the rolling raw temperature history, most recent
	// first, FilterLength entries.
	prevRawTempC16 []int

	// isFiltering is 0 when using raw temperatures directly, else the
	// number of ticks filtering is still held on for.
	isFiltering int

	// reopenCountdown > 0 refuses turnups (armed by a turndown).
	// recloseCountdown > 0 refuses turndowns (armed by a turnup).
	reopenCountdown  int
	recloseCountdown int

	// prevValvePC is the valve percentage at the end of the last tick,
	// taken from the backing valve when one is attached.
	prevValvePC int

	cumulativeMovementPC int
	valveMoved           bool
	lastEvent            Event
	initialised          bool
}

// New returns a State using the given parameters, lightly sanitised.
func New(p Params) *State {
	if p.FilterLength < 4 {
		p.FilterLength = 4
	}
	if p.MinTicksHalfCDelta < 1 {
		p.MinTicksHalfCDelta = 1
	}
	if p.SlewPCPerTick < 1 {
		p.SlewPCPerTick = 1
	}
	return &State{
		p:              p,
		prevRawTempC16: make([]int, p.FilterLength),
	}
}

// IsFiltering reports whether smoothed temperatures are currently in use.
func (s *State) IsFiltering() bool { return s.isFiltering > 0 }

// DontTurnup reports whether turnups are currently refused (anti-hunt).
func (s *State) DontTurnup() bool { return s.reopenCountdown > 0 }

// DontTurndown reports whether turndowns are currently refused (anti-hunt).
func (s *State) DontTurndown() bool { return s.recloseCountdown > 0 }

// ValveMoved reports whether the last Tick changed the computed percentage.
func (s *State) ValveMoved() bool { return s.valveMoved }

// CumulativeMovementPC returns total valve travel in % units since start.
// It never decreases.
func (s *State) CumulativeMovementPC() int { return s.cumulativeMovementPC }

// LastEvent returns the event from the most recent Tick.
func (s *State) LastEvent() Event { return s.lastEvent }

// SmoothedRawTempC16 returns the mean of the temperature history (C16).
func (s *State) SmoothedRawTempC16() int {
	sum := 0
	for _, t := range s.prevRawTempC16 {
		sum += t
	}
	return smallIntMean(sum, len(s.prevRawTempC16))
}

// RawDelta returns the raw temperature change (C16) over the last n ticks,
// clamped to the available history. n=1 gives the most recent change.
func (s *State) RawDelta(n int) int {
	if n < 1 {
		n = 1
	}
	if n > len(s.prevRawTempC16)-1 {
		n = len(s.prevRawTempC16) - 1
	}
	return s.prevRawTempC16[0] - s.prevRawTempC16[n]
}

// Tick advances the controller by one time step.
//
// valvePCOpen is the modelled valve percentage, updated in place. in is the
// fresh input snapshot for this tick. backing, if non-nil, is commanded to
// the computed percentage and then read back, so dead-reckoning corrections
// in the actuator feed the movement accounting.
//
// Returns the event raised this tick, if any.
func (s *State) Tick(valvePCOpen *int, in Inputs, backing valve.Actuator) Event {
	s.lastEvent = EventNone
	in = s.sanitise(in)
	*valvePCOpen = clamp(*valvePCOpen, 0, 100)

	raw := in.RefTempC16 - RefTempOffsetC16

	if !s.initialised {
		for i := range s.prevRawTempC16 {
			s.prevRawTempC16[i] = raw
		}
		if backing != nil {
			s.prevValvePC = backing.Get()
		} else {
			s.prevValvePC = *valvePCOpen
		}
		s.initialised = true
	}

	// Shift the latest raw sample into the history.
	copy(s.prevRawTempC16[1:], s.prevRawTempC16)
	s.prevRawTempC16[0] = raw

	s.updateFiltering(raw)

	if s.reopenCountdown > 0 {
		s.reopenCountdown--
	}
	if s.recloseCountdown > 0 {
		s.recloseCountdown--
	}

	oldValvePC := s.prevValvePC
	oldModelled := *valvePCOpen
	newModelled := s.computeRequiredPercentOpen(oldModelled, in)
	changed := newModelled != oldModelled
	if changed {
		if newModelled > oldModelled {
			s.noteTurnedUp()
		} else {
			s.noteTurnedDown()
		}
		*valvePCOpen = newModelled
	}
	if in.InBakeMode && newModelled >= in.MaxPCOpen {
		// BAKE holds the valve up even when no movement was needed.
		s.noteTurnedUp()
	}

	newValvePC := newModelled
	if backing != nil {
		backing.Set(newModelled)
		newValvePC = backing.Get()
	}
	s.cumulativeMovementPC += absInt(oldValvePC - newValvePC)
	s.prevValvePC = newValvePC
	s.valveMoved = changed

	return s.lastEvent
}

// updateFiltering engages or releases the temperature filter.
// Engaged when the recent rate of change is too fast to control on raw
// readings; held on for a minimum period (LongFilter) and only released
// once smoothed and raw agree closely.
func (s *State) updateFiltering(raw int) {
	if s.isFiltering > 0 {
		if s.p.LongFilter && s.isFiltering > 1 {
			s.isFiltering--
		} else if absInt(s.SmoothedRawTempC16()-raw) <= s.p.MaxTempJumpC16 {
			s.isFiltering = 0
		}
	}
	if s.isFiltering == 0 && absInt(s.RawDelta(s.p.MinTicksHalfCDelta)) > 8 {
		s.isFiltering = s.filterMinimumOn()
	}
	if s.p.DetectJitter && s.isFiltering == 0 {
		for i := 1; i < len(s.prevRawTempC16); i++ {
			if absInt(s.prevRawTempC16[i]-s.prevRawTempC16[i-1]) > s.p.MaxTempJumpC16 {
				s.isFiltering = s.filterMinimumOn()
				break
			}
		}
	}
}

func (s *State) filterMinimumOn() int {
	if s.p.LongFilter {
		return 4 * s.p.FilterLength
	}
	return 1
}

func (s *State) noteTurnedUp()   { s.recloseCountdown = s.p.RecloseDelayTicks }
func (s *State) noteTurnedDown() { s.reopenCountdown = s.p.ReopenDelayTicks }

// sanitise clamps malformed inputs into their documented ranges.
func (s *State) sanitise(in Inputs) Inputs {
	in.TargetTempC = clamp(in.TargetTempC, s.p.MinTargetC, s.p.MaxTargetC)
	if in.MaxTargetTempC != 0 {
		in.MaxTargetTempC = clamp(in.MaxTargetTempC, in.TargetTempC, s.p.MaxTargetC)
	}
	if in.MaxPCOpen < 1 || in.MaxPCOpen > 100 {
		in.MaxPCOpen = 100
	}
	if in.MinPCReallyOpen < 1 {
		in.MinPCReallyOpen = 1
	} else if in.MinPCReallyOpen > 100 {
		in.MinPCReallyOpen = 100
	}
	return in
}

// computeRequiredPercentOpen computes the new valve percentage from the
// current one and this tick's inputs. Pure: no state is written here other
// than lastEvent and the lockout arming done by the caller.
func (s *State) computeRequiredPercentOpen(valvePCOpen int, in Inputs) int {
	p := &s.p

	// Work on the smoothed temperature while filtering.
	adjustedTempC16 := in.RefTempC16
	if s.isFiltering > 0 {
		adjustedTempC16 = s.SmoothedRawTempC16() + RefTempOffsetC16
	}
	adjustedTempC := adjustedTempC16 >> 4

	beGlacial := p.AlwaysGlacial || in.Glacial
	worf := in.WidenDeadband || s.isFiltering > 0

	// Draught response: a sharp one-tick drop while below target closes
	// below the call-for-heat threshold to stop heating an open window.
	if p.DetectDraughts && in.HasEcoBias && !in.FastResponseRequired && !in.InBakeMode {
		if s.RawDelta(1) <= -p.DraughtDropC16 && adjustedTempC < in.TargetTempC {
			s.lastEvent = EventDraught
			if valvePCOpen > valve.SaferOpenPC-1 {
				return valve.SaferOpenPC - 1
			}
			return valvePCOpen
		}
	}

	// Highest non-setback target, for overshoot headroom on the high side.
	higherTargetC := in.TargetTempC
	if in.MaxTargetTempC > higherTargetC {
		higherTargetC = in.MaxTargetTempC
	}

	switch {
	case adjustedTempC < maxInt(in.TargetTempC-p.ProportionalRangeC, p.MinTargetC):
		// Gross error: way too cold, open up fast/fully.
		if s.DontTurnup() && !in.InBakeMode {
			return valvePCOpen
		}
		if beGlacial {
			if valvePCOpen < in.MaxPCOpen {
				return valvePCOpen + 1
			}
			return valvePCOpen
		}
		s.lastEvent = EventOpenFast
		return in.MaxPCOpen

	case adjustedTempC > minInt(higherTargetC+p.ProportionalRangeC, s.p.MaxTargetC):
		// Gross error: way too hot. BAKE still wins toward full open.
		if in.InBakeMode {
			return in.MaxPCOpen
		}
		if s.DontTurndown() {
			return valvePCOpen
		}
		if beGlacial && valvePCOpen > 0 {
			return valvePCOpen - 1
		}
		return 0

	default:
		return s.computeProportional(valvePCOpen, in, adjustedTempC16, higherTargetC, beGlacial, worf)
	}
}

// computeProportional handles the in-range zone around target.
func (s *State) computeProportional(valvePCOpen int, in Inputs, adjustedTempC16, higherTargetC int, beGlacial, worf bool) int {
	p := &s.p

	if in.InBakeMode {
		return in.MaxPCOpen
	}

	// Signed distance (C16) above the centre of the target degree.
	errorC16 := adjustedTempC16 - (in.TargetTempC << 4) - centreOffsetC16
	belowTarget := errorC16 < 0

	// Anti-hunt lockouts and end-of-travel: hold still.
	if belowTarget {
		if s.DontTurnup() || valvePCOpen >= in.MaxPCOpen {
			return valvePCOpen
		}
	} else {
		if s.DontTurndown() || valvePCOpen == 0 {
			return valvePCOpen
		}
	}

	// "Way off target" bands, wider on the high side while filtering so a
	// slow smoothed rise does not trigger a premature fast close.
	wOTC16basic := halfNormalBandC16
	if worf {
		wOTC16basic *= 2
	}
	wOTC16highSide := halfNormalBandC16
	if s.isFiltering > 0 {
		wOTC16highSide = minInt(64, p.ProportionalRangeC*4)
	}
	wellAboveTarget := errorC16 > wOTC16highSide
	wellBelowTarget := errorC16 < -wOTC16basic

	// Same, relative to the higher (non-setback) target.
	herrorC16 := errorC16 - ((higherTargetC - in.TargetTempC) << 4)
	wellAboveTargetMax := herrorC16 > wOTC16highSide

	// Slew proportional to error, zero in the central sweet-spot.
	errShift := 2
	if worf {
		errShift = 3
	}
	slewF := minInt(s.maxFastSlewPC(), absInt(errorC16)>>errShift)
	inCentralSweetSpot := slewF == 0

	// Fast response to manual adjustment or a big temperature error.
	if !beGlacial && (in.FastResponseRequired || wellBelowTarget) && slewF > 0 {
		if belowTarget {
			s.lastEvent = EventOpenFast
			return in.MaxPCOpen
		}
		// Never close so fast that the valve hovers at call-for-heat.
		return s.applyLinger(valvePCOpen,
			clamp(valvePCOpen-slewF, 0, valve.SaferOpenPC-1), in.MinPCReallyOpen)
	}

	// Avoid movement near target unless the temperature is going the
	// wrong way: turning the wave around costs less than a full swing.
	if !valve.IsCallingForHeat(valvePCOpen) {
		rise := s.RawDelta(1)
		if inCentralSweetSpot {
			return valvePCOpen
		}
		if belowTarget {
			if wellBelowTarget {
				if rise > 0 {
					return valvePCOpen
				}
			} else if rise >= 0 {
				return valvePCOpen
			}
		} else {
			if wellAboveTargetMax {
				if rise < 0 {
					return valvePCOpen
				}
			} else if rise <= 0 {
				return valvePCOpen
			}
		}
	}

	// Well above target and still rising: close fast enough to ride out
	// the wave, capped below call-for-heat so the boiler can shut down.
	if !beGlacial && wellAboveTarget && s.RawDelta(1) > 0 {
		maxOpen := valve.SaferOpenPC - 1
		maxSlew := maxInt(2, maxOpen/p.RideoutTicks)
		return s.applyLinger(valvePCOpen,
			clamp(valvePCOpen-maxSlew, 0, maxOpen), in.MinPCReallyOpen)
	}

	// Glacial residue: 1%/tick toward target, only when moving the right way.
	rise := s.RawDelta(1)
	if belowTarget && rise <= 0 {
		return valvePCOpen + 1
	}
	if !belowTarget && rise >= 0 {
		return s.applyLinger(valvePCOpen, valvePCOpen-1, in.MinPCReallyOpen)
	}
	return valvePCOpen
}

// maxFastSlewPC is the fastest allowed close slew per tick, derived from the
// fast-response travel target.
func (s *State) maxFastSlewPC() int {
	return 1 + maxInt(100/s.p.FastResponseTicksTarget, 1+s.p.SlewPCPerTick)
}

// applyLinger slows the final stretch of a close below the really-open
// level to 1%/tick, so residual flow is cut gradually.
func (s *State) applyLinger(oldPC, proposedPC, minPCReallyOpen int) int {
	if !s.p.LingerClose || minPCReallyOpen <= 1 {
		return proposedPC
	}
	floor := minPCReallyOpen - 1
	if proposedPC >= floor {
		return proposedPC
	}
	if oldPC > floor {
		return floor
	}
	if oldPC > 0 {
		return oldPC - 1
	}
	return proposedPC
}

// smallIntMean rounds to nearest for non-negative sums, matching the
// history-averaging arithmetic throughout.
func smallIntMean(sum, n int) int { return (sum + n/2) / n }

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
