//go:build linux

package hbridge

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/Denzo77/trv-control/internal/motor"
)

// HBridge is a motor.Hardware driving real hardware: two direction outputs
// and a current-sense input on the Linux GPIO character device.
type HBridge struct {
	chip     *gpiocdev.Chip
	openPin  *gpiocdev.Line
	closePin *gpiocdev.Line
	sensePin *gpiocdev.Line

	// tick is the length of one sub-cycle tick of motor run.
	tick time.Duration

	// nudge is the length of the brief maxRunTicks=0 pulse.
	nudge time.Duration
}

// New opens the GPIO lines for the H-bridge and current sense. tick is the
// sub-cycle tick length used to pace motor runs.
func New(pinOpen, pinClose, pinSense int, tick time.Duration) (*HBridge, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	openLine, err := chip.RequestLine(pinOpen, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request open pin %d: %w", pinOpen, err)
	}
	closeLine, err := chip.RequestLine(pinClose, gpiocdev.AsOutput(0))
	if err != nil {
		openLine.Close()
		chip.Close()
		return nil, fmt.Errorf("request close pin %d: %w", pinClose, err)
	}

	// Pull-down so a disconnected sense line reads as no stall.
	senseLine, err := chip.RequestLine(pinSense, gpiocdev.AsInput, gpiocdev.WithPullDown)
	if err != nil {
		closeLine.Close()
		openLine.Close()
		chip.Close()
		return nil, fmt.Errorf("request sense pin %d: %w", pinSense, err)
	}

	return &HBridge{
		chip:     chip,
		openPin:  openLine,
		closePin: closeLine,
		sensePin: senseLine,
		tick:     tick,
		nudge:    tick / 2,
	}, nil
}

// MotorRun drives the motor for up to maxRunTicks ticks, reporting travel
// and stalls to cb. Stops early on a stall. A maxRunTicks of 0 with a drive
// direction gives a brief uncounted nudge.
func (h *HBridge) MotorRun(maxRunTicks int, dir motor.Direction, cb motor.CallbackHandler) {
	if dir == motor.Off {
		h.drive(motor.Off)
		return
	}
	opening := dir == motor.Opening

	h.drive(dir)
	if maxRunTicks == 0 {
		time.Sleep(h.nudge)
		h.drive(motor.Off)
		return
	}
	defer h.drive(motor.Off)

	for i := 0; i < maxRunTicks; i++ {
		time.Sleep(h.tick)
		stalled, err := h.currentHigh()
		if err != nil {
			// Treat a broken sense line as a stall: the driver stops
			// and retries rather than grinding blind into an end stop.
			stalled = true
		}
		if stalled {
			cb.SignalHittingEndStop(opening)
			return
		}
		cb.SignalRunSCTTick(opening)
	}
}

// drive sets the H-bridge direction lines, break-before-make.
func (h *HBridge) drive(dir motor.Direction) {
	h.openPin.SetValue(0)
	h.closePin.SetValue(0)
	switch dir {
	case motor.Opening:
		h.openPin.SetValue(1)
	case motor.Closing:
		h.closePin.SetValue(1)
	}
}

// currentHigh reads the current-sense comparator; high means the motor is
// stalled against an end stop.
func (h *HBridge) currentHigh() (bool, error) {
	v, err := h.sensePin.Value()
	if err != nil {
		return false, fmt.Errorf("read sense pin: %w", err)
	}
	return v != 0, nil
}

// Close stops the motor and releases GPIO resources. Outputs are
// reconfigured to input with pull-down, matching Pi boot defaults, so the
// bridge is left de-energised across restarts.
func (h *HBridge) Close() error {
	var errs []error

	h.drive(motor.Off)
	for _, line := range []*gpiocdev.Line{h.openPin, h.closePin, h.sensePin} {
		if line == nil {
			continue
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin: %w", err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin: %w", err))
		}
	}
	if h.chip != nil {
		if err := h.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
