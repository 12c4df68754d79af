// Package config loads the daemon configuration from a YAML file, with
// defaults suitable for a Raspberry Pi head unit. Values omitted from the
// file keep their defaults; command-line flags may override a few of them
// on top.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/Denzo77/trv-control/internal/control"
	"github.com/Denzo77/trv-control/internal/hbridge"
)

// DefaultConfigPath is where the daemon looks without -config.
const DefaultConfigPath = "/etc/default/trv-control.yml"

// Config is the daemon configuration.
type Config struct {
	// Broker is the MQTT broker URL, eg tcp://host:1883.
	Broker string `yaml:"broker"`

	// ClientID is the MQTT client identifier.
	ClientID string `yaml:"client-id"`

	// HTTPAddr is the status page listen address; empty disables it.
	HTTPAddr string `yaml:"http-addr"`

	// TickSeconds is the control (temperature) tick cadence.
	TickSeconds int `yaml:"tick-seconds"`

	// PollSeconds is the motor poll cadence.
	PollSeconds int `yaml:"poll-seconds"`

	// SubCycleTickMs is the length of one motor sub-cycle tick.
	SubCycleTickMs int `yaml:"subcycle-tick-ms"`

	// TargetTempC is the target temperature until a setpoint arrives.
	TargetTempC int `yaml:"target-temp-c"`

	Pins    PinConfig     `yaml:"pins"`
	Control ControlConfig `yaml:"control"`
	Motor   MotorConfig   `yaml:"motor"`
}

// PinConfig holds the H-bridge pin assignments (BCM numbering).
type PinConfig struct {
	Open  int `yaml:"open"`
	Close int `yaml:"close"`
	Sense int `yaml:"sense"`
}

// ControlConfig overrides control-algorithm tuning; zero values keep the
// defaults.
type ControlConfig struct {
	ProportionalRangeC int `yaml:"proportional-range-c"`
	FilterLength       int `yaml:"filter-length"`
	ReopenDelayTicks   int `yaml:"reopen-delay-ticks"`
	RecloseDelayTicks  int `yaml:"reclose-delay-ticks"`
	SlewPCPerTick      int `yaml:"slew-pc-per-tick"`

	DetectDraughts *bool `yaml:"detect-draughts"`
	LingerClose    *bool `yaml:"linger-close"`
	AlwaysGlacial  bool  `yaml:"glacial"`

	// Behaviour flags fed into the per-tick inputs.
	EcoBias       bool `yaml:"eco-bias"`
	WidenDeadband bool `yaml:"widen-deadband"`
	MaxPCOpen     int  `yaml:"max-pc-open"`
}

// MotorConfig overrides motor-driver tuning; zero values keep the defaults.
type MotorConfig struct {
	// DecalcinationPolls is polls between forced recalibration
	// excursions; 0 disables them.
	DecalcinationPolls int `yaml:"decalcination-polls"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "trv-control",
		HTTPAddr:       ":8080",
		TickSeconds:    60,
		PollSeconds:    2,
		SubCycleTickMs: 8,
		TargetTempC:    18,
		Pins: PinConfig{
			Open:  hbridge.PinOpen,
			Close: hbridge.PinClose,
			Sense: hbridge.PinSense,
		},
	}
}

// Open reads filename over the defaults and validates the result.
func Open(filename string) (Config, error) {
	c := Default()
	buf, err := os.ReadFile(filename)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", filename, err)
	}
	if err := c.Check(); err != nil {
		return c, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return c, nil
}

// Check validates the configuration.
func (c Config) Check() error {
	if c.TickSeconds < 1 {
		return fmt.Errorf("tick-seconds must be positive, got %d", c.TickSeconds)
	}
	if c.PollSeconds < 1 {
		return fmt.Errorf("poll-seconds must be positive, got %d", c.PollSeconds)
	}
	if c.SubCycleTickMs < 1 {
		return fmt.Errorf("subcycle-tick-ms must be positive, got %d", c.SubCycleTickMs)
	}
	if c.Pins.Open == c.Pins.Close || c.Pins.Open == c.Pins.Sense || c.Pins.Close == c.Pins.Sense {
		return fmt.Errorf("pins must be distinct, got open=%d close=%d sense=%d",
			c.Pins.Open, c.Pins.Close, c.Pins.Sense)
	}
	if c.Control.MaxPCOpen < 0 || c.Control.MaxPCOpen > 100 {
		return fmt.Errorf("control.max-pc-open out of range: %d", c.Control.MaxPCOpen)
	}
	return nil
}

// ControlParams builds control parameters from the defaults plus any
// overrides set here.
func (c ControlConfig) ControlParams() control.Params {
	p := control.DefaultParams()
	if c.ProportionalRangeC > 0 {
		p.ProportionalRangeC = c.ProportionalRangeC
	}
	if c.FilterLength > 0 {
		p.FilterLength = c.FilterLength
	}
	if c.ReopenDelayTicks > 0 {
		p.ReopenDelayTicks = c.ReopenDelayTicks
	}
	if c.RecloseDelayTicks > 0 {
		p.RecloseDelayTicks = c.RecloseDelayTicks
	}
	if c.SlewPCPerTick > 0 {
		p.SlewPCPerTick = c.SlewPCPerTick
	}
	if c.DetectDraughts != nil {
		p.DetectDraughts = *c.DetectDraughts
	}
	if c.LingerClose != nil {
		p.LingerClose = *c.LingerClose
	}
	p.AlwaysGlacial = c.AlwaysGlacial
	return p
}
