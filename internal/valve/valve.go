// Package valve defines the shared valve-percentage vocabulary and the
// actuator capability used to mirror a computed target onto a physical
// (or simulated) valve.
package valve

// Percent-open thresholds shared by the controller and the motor driver.
const (
	// MinReallyOpenPC is the default minimum percentage at which a typical
	// valve base lets significant water through.
	MinReallyOpenPC = 15

	// ModeratelyOpenPC is comfortably above MinReallyOpenPC: enough flow
	// to usefully heat the room even on a poor base.
	ModeratelyOpenPC = 35

	// SaferOpenPC is the call-for-heat threshold: at or above this the
	// valve is open enough that running the boiler is worthwhile.
	SaferOpenPC = 50
)

// IsCallingForHeat reports whether the given percent open constitutes a
// boiler call for heat.
func IsCallingForHeat(percentOpen int) bool { return percentOpen >= SaferOpenPC }

// Actuator is anything that can be commanded to a valve-open percentage.
type Actuator interface {
	// Set requests the given percentage open [0,100].
	// Returns false if the request was rejected (eg out of range).
	Set(percentOpen int) bool

	// Get returns the most recently accepted percentage open.
	Get() int
}

// Mock is a trivial Actuator for tests: it records what it was told.
type Mock struct {
	pc    int
	Calls int
}

// Set accepts any in-range percentage and records it.
func (m *Mock) Set(percentOpen int) bool {
	if percentOpen < 0 || percentOpen > 100 {
		return false
	}
	m.pc = percentOpen
	m.Calls++
	return true
}

// Get returns the last accepted percentage.
func (m *Mock) Get() int { return m.pc }
