// Package config loads the verification profile: the standard a target is
// held to, the timing it must meet and how the run is driven.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidProfile wraps every validation failure.
var ErrInvalidProfile = errors.New("invalid profile")

// Profile represents a jtagverify.yaml file. Zero values are filled from
// Default by Load.
type Profile struct {
	Standard   string `yaml:"standard"`
	Strict     bool   `yaml:"strict"`
	Pins       int    `yaml:"pins"`
	ReducedPin bool   `yaml:"reduced_pin"`
	// BSDL is a device description; a relative path is resolved against
	// the profile's directory.
	BSDL string `yaml:"bsdl,omitempty"`
	// Instructions maps names to binary opcodes such as "1110".
	Instructions map[string]string `yaml:"instructions,omitempty"`

	Instruction InstructionConfig `yaml:"instruction"`
	Data        DataConfig        `yaml:"data"`
	Clock       ClockConfig       `yaml:"clock"`
	Limits      LimitsConfig      `yaml:"limits"`
	Reset       ResetConfig       `yaml:"reset"`
	Injection   InjectionConfig   `yaml:"injection"`
	Scoreboard  ScoreboardConfig  `yaml:"scoreboard"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Target      TargetConfig      `yaml:"target"`
	Logging     LoggingConfig     `yaml:"logging"`
	Report      ReportConfig      `yaml:"report"`

	dir string
}

// InstructionConfig bounds IR loads and names the instructions debug and
// boundary operations use by default.
type InstructionConfig struct {
	Width    int    `yaml:"width"`
	MaxWidth int    `yaml:"max_width"`
	Debug    string `yaml:"debug,omitempty"`
	Boundary string `yaml:"boundary,omitempty"`
}

// DataConfig bounds DR scans.
type DataConfig struct {
	MaxWidth       int `yaml:"max_width"`
	BoundaryLength int `yaml:"boundary_length"`
}

// ClockConfig is the nominal TCK.
type ClockConfig struct {
	Period    Duration `yaml:"period"`
	DutyCycle float64  `yaml:"duty_cycle"`
	Jitter    float64  `yaml:"jitter"`
}

// LimitsConfig holds the timing bounds. Zero disables a check.
type LimitsConfig struct {
	Setup         Duration `yaml:"setup"`
	Hold          Duration `yaml:"hold"`
	Propagation   Duration `yaml:"propagation"`
	ClockToOutput Duration `yaml:"clock_to_output"`
	ResetPulse    Duration `yaml:"reset_pulse"`
}

// ResetConfig is the reset the engine issues when an op gives none.
type ResetConfig struct {
	Cycles    int      `yaml:"cycles"`
	MinCycles int      `yaml:"min_cycles"`
	Pulse     Duration `yaml:"pulse"`
}

// InjectionConfig selects fault injection.
type InjectionConfig struct {
	Mode        string   `yaml:"mode"`
	Rate        float64  `yaml:"rate"`
	Seed        uint64   `yaml:"seed"`
	Kinds       []string `yaml:"kinds,omitempty"`
	TimingDelta Duration `yaml:"timing_delta"`
}

// ScoreboardConfig bounds matching.
type ScoreboardConfig struct {
	Tolerance Duration `yaml:"tolerance"`
	Timeout   Duration `yaml:"timeout"`
	Capacity  int      `yaml:"capacity"`
	// History bounds the retained matches, retirements and events.
	History int `yaml:"history,omitempty"`
}

// SchedulerConfig bounds concurrent scenarios.
type SchedulerConfig struct {
	MaxConcurrent   int      `yaml:"max_concurrent"`
	ScenarioTimeout Duration `yaml:"scenario_timeout"`
}

// TargetConfig describes the simulated device used when no probe is
// selected. Fields the BSDL description provides may be left empty.
type TargetConfig struct {
	IRLength      int            `yaml:"ir_length"`
	IDCode        string         `yaml:"idcode,omitempty"`
	UserRegisters map[string]int `yaml:"user_registers,omitempty"`
	Jitter        float64        `yaml:"jitter"`
	DriveDelay    Duration       `yaml:"drive_delay"`
	OutDelay      Duration       `yaml:"out_delay"`
	Seed          uint64         `yaml:"seed"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReportConfig selects the record stream.
type ReportConfig struct {
	Format string `yaml:"format"`
	Output string `yaml:"output,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "100ns", "1us").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "100ns" or "1.5us".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Dur builds a Duration.
func Dur(d time.Duration) Duration { return Duration{d} }

// Default returns the profile used for every field a file leaves unset.
func Default() Profile {
	return Profile{
		Standard: "IEEE 1149.1",
		Pins:     5,
		Instruction: InstructionConfig{
			MaxWidth: 32,
		},
		Data: DataConfig{
			MaxWidth: 4096,
		},
		Clock: ClockConfig{
			Period:    Dur(100 * time.Nanosecond),
			DutyCycle: 50,
			Jitter:    5,
		},
		Limits: LimitsConfig{
			Setup:         Dur(10 * time.Nanosecond),
			Hold:          Dur(10 * time.Nanosecond),
			Propagation:   Dur(200 * time.Nanosecond),
			ClockToOutput: Dur(20 * time.Nanosecond),
			ResetPulse:    Dur(500 * time.Nanosecond),
		},
		Reset: ResetConfig{
			Cycles:    5,
			MinCycles: 5,
			Pulse:     Dur(time.Microsecond),
		},
		Injection: InjectionConfig{
			Mode:        "off",
			Rate:        10,
			TimingDelta: Dur(20 * time.Nanosecond),
		},
		Scoreboard: ScoreboardConfig{
			Tolerance: Dur(100 * time.Nanosecond),
			Timeout:   Dur(time.Millisecond),
			Capacity:  1000,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:   4,
			ScenarioTimeout: Dur(5 * time.Second),
		},
		Target: TargetConfig{
			IRLength:   4,
			IDCode:     "0x4BA00477",
			DriveDelay: Dur(5 * time.Nanosecond),
			OutDelay:   Dur(7 * time.Nanosecond),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Report: ReportConfig{
			Format: "json",
		},
	}
}

// Load reads a YAML profile over the defaults and validates it.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profile not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read profile %q: %w", path, err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	p.dir = filepath.Dir(path)

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

// Dir is the directory relative paths in the profile resolve against.
func (p *Profile) Dir() string { return p.dir }

// Marshal renders the profile as YAML.
func (p *Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
