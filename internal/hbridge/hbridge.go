// Package hbridge drives the valve motor through an H-bridge on GPIO, with
// a current-sense input for end-stop detection.
// The real implementation uses the Linux GPIO character device; tests use
// the fake in the motor package instead.
package hbridge

// Pin definitions (BCM numbering).
const (
	PinOpen  = 23 // H-bridge open direction
	PinClose = 24 // H-bridge close direction
	PinSense = 25 // Current-sense comparator output, high on stall
)
