package mqtt

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// temperatureMaxAge is how long a received temperature sample stays usable.
// Without fresh samples the controller falls back to frost-safe behaviour,
// so stale readings must not masquerade as current ones.
const temperatureMaxAge = 5 * time.Minute

// maxBakeMinutes caps a BAKE request.
const maxBakeMinutes = 30

// Commands tracks the latest remote-control inputs received over MQTT:
// ambient temperature, target setpoint and BAKE requests.
// Safe for concurrent use; handlers run on the MQTT client's goroutines.
type Commands struct {
	now func() time.Time

	mu         sync.Mutex
	tempC16    int
	tempAt     time.Time
	haveTemp   bool
	targetC    int
	haveTarget bool
	bakeUntil  time.Time
}

// NewCommands creates a Commands using the given clock (nil for time.Now).
func NewCommands(now func() time.Time) *Commands {
	if now == nil {
		now = time.Now
	}
	return &Commands{now: now}
}

// HandleTemperature parses an ambient temperature sample in degrees C,
// eg "19.5".
func (c *Commands) HandleTemperature(payload string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return fmt.Errorf("temperature %q: %w", payload, err)
	}
	if v < -40 || v > 80 {
		return fmt.Errorf("temperature %q out of range", payload)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempC16 = int(math.Round(v * 16))
	c.tempAt = c.now()
	c.haveTemp = true
	return nil
}

// HandleTarget parses a target setpoint in whole degrees C.
func (c *Commands) HandleTarget(payload string) error {
	v, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return fmt.Errorf("target %q: %w", payload, err)
	}
	if v < 0 || v > 35 {
		return fmt.Errorf("target %q out of range", payload)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetC = v
	c.haveTarget = true
	return nil
}

// HandleBake parses a BAKE request in minutes; 0 cancels. Requests above
// the cap are shortened, not rejected.
func (c *Commands) HandleBake(payload string) error {
	v, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return fmt.Errorf("bake %q: %w", payload, err)
	}
	if v < 0 {
		return fmt.Errorf("bake %q out of range", payload)
	}
	if v > maxBakeMinutes {
		v = maxBakeMinutes
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v == 0 {
		c.bakeUntil = time.Time{}
	} else {
		c.bakeUntil = c.now().Add(time.Duration(v) * time.Minute)
	}
	return nil
}

// TemperatureC16 returns the latest ambient temperature (C16) and whether a
// fresh sample is available.
func (c *Commands) TemperatureC16() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveTemp || c.now().Sub(c.tempAt) > temperatureMaxAge {
		return 0, false
	}
	return c.tempC16, true
}

// TargetC returns the latest setpoint and whether one has been received.
func (c *Commands) TargetC() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetC, c.haveTarget
}

// BakeActive reports whether a BAKE request is currently in force.
func (c *Commands) BakeActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.bakeUntil.IsZero() && c.now().Before(c.bakeUntil)
}
