//go:build !linux

package hbridge

import (
	"errors"
	"time"

	"github.com/Denzo77/trv-control/internal/motor"
)

// HBridge is not available on non-Linux platforms.
type HBridge struct{}

// New returns an error on non-Linux platforms.
func New(pinOpen, pinClose, pinSense int, tick time.Duration) (*HBridge, error) {
	return nil, errors.New("hbridge: not supported on this platform (requires Linux)")
}

// MotorRun is not implemented on non-Linux platforms.
func (h *HBridge) MotorRun(maxRunTicks int, dir motor.Direction, cb motor.CallbackHandler) {}

// Close is not implemented on non-Linux platforms.
func (h *HBridge) Close() error {
	return nil
}
