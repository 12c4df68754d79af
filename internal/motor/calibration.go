package motor

const (
	// maxUsablePrecisionPC is the coarsest dead-reckoning precision (% per
	// pulse) at which proportional control is still worthwhile.
	maxUsablePrecisionPC = 15

	// badPrecisionPC marks an unusable calibration.
	badPrecisionPC = 100

	// minScaledTravelTicks is the minimum scaled-down travel count for a
	// calibration to be considered usable.
	minScaledTravelTicks = 8
)

// CalibrationParameters holds the measured valve travel and the derived
// dead-reckoning scale factors. The zero value is an unusable calibration.
type CalibrationParameters struct {
	ticksFromOpenToClosed int
	ticksFromClosedToOpen int

	// Scaled-down travel counts, comparable to one dead-reckoning pulse,
	// used when folding reverse travel into the open-to-closed count.
	tfotcSmall int
	tfctoSmall int

	// approxPrecisionPC is the approximate worst-case position error (%)
	// of one dead-reckoning pulse.
	approxPrecisionPC int
}

// TicksFromOpenToClosed returns the measured full travel, open to closed.
func (c *CalibrationParameters) TicksFromOpenToClosed() int { return c.ticksFromOpenToClosed }

// TicksFromClosedToOpen returns the measured full travel, closed to open.
func (c *CalibrationParameters) TicksFromClosedToOpen() int { return c.ticksFromClosedToOpen }

// ApproxPrecisionPC returns the approximate precision (%) of one
// dead-reckoning pulse; badPrecisionPC when unusable.
func (c *CalibrationParameters) ApproxPrecisionPC() int {
	if c.approxPrecisionPC < 1 {
		return badPrecisionPC
	}
	return c.approxPrecisionPC
}

// CannotRunProportional reports whether the calibration is too poor for
// proportional control, forcing binary (fully open/closed) operation.
func (c *CalibrationParameters) CannotRunProportional() bool {
	return c.ApproxPrecisionPC() > maxUsablePrecisionPC
}

// UpdateAndCompute ingests freshly measured travel tick counts and derives
// the dead-reckoning scale factors. Returns false, leaving the calibration
// unusable, if the measurements cannot support dead reckoning at all:
// zero or wildly unbalanced travel counts, or travel too short relative to
// the minimum motor run.
func (c *CalibrationParameters) UpdateAndCompute(ticksFromOpenToClosed, ticksFromClosedToOpen, minMotorDRTicks int) bool {
	c.ticksFromOpenToClosed = ticksFromOpenToClosed
	c.ticksFromClosedToOpen = ticksFromClosedToOpen
	c.tfotcSmall = 0
	c.tfctoSmall = 0
	c.approxPrecisionPC = badPrecisionPC

	if minMotorDRTicks <= 0 || ticksFromOpenToClosed <= 0 || ticksFromClosedToOpen <= 0 {
		return false
	}
	// Travel should take roughly as long in each direction; a big
	// mismatch means slippage or a sticking pin.
	if ticksFromOpenToClosed>>1 > ticksFromClosedToOpen ||
		ticksFromClosedToOpen>>1 > ticksFromOpenToClosed {
		return false
	}

	// Scale both travel counts down to the order of one pulse.
	sfotc, sfcto := ticksFromOpenToClosed, ticksFromClosedToOpen
	for maxInt(sfotc, sfcto) > minMotorDRTicks {
		sfotc >>= 1
		sfcto >>= 1
	}
	if minInt(sfotc, sfcto) < minScaledTravelTicks {
		return false
	}
	c.tfotcSmall = sfotc
	c.tfctoSmall = sfcto

	minTicks := minInt(ticksFromOpenToClosed, ticksFromClosedToOpen)
	c.approxPrecisionPC = clamp(128*minMotorDRTicks/minTicks, 1, badPrecisionPC)
	return c.approxPrecisionPC <= maxUsablePrecisionPC
}

// ComputePosition converts dead-reckoning tick counters into a percent-open
// position. Reverse (closed-to-open) travel is folded back into the
// open-to-closed count first; the counters are updated in place so repeated
// folding stays consistent.
func (c *CalibrationParameters) ComputePosition(ticksFromOpen, ticksReverse *int) int {
	for *ticksReverse >= c.tfctoSmall {
		if c.tfctoSmall == 0 {
			break
		}
		*ticksReverse -= c.tfctoSmall
		if *ticksFromOpen > c.tfotcSmall {
			*ticksFromOpen -= c.tfotcSmall
		} else {
			*ticksFromOpen = 0
		}
	}

	if *ticksFromOpen == 0 {
		return 100
	}
	if *ticksFromOpen >= c.ticksFromOpenToClosed {
		return 0
	}
	return (c.ticksFromOpenToClosed - *ticksFromOpen) * 100 / c.ticksFromOpenToClosed
}

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
