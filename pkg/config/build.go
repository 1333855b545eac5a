package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/OpenTraceLab/jtagverify/pkg/bsdl"
	"github.com/OpenTraceLab/jtagverify/pkg/compliance"
	"github.com/OpenTraceLab/jtagverify/pkg/engine"
	"github.com/OpenTraceLab/jtagverify/pkg/inject"
	"github.com/OpenTraceLab/jtagverify/pkg/jtag"
	"github.com/OpenTraceLab/jtagverify/pkg/scoreboard"
	"github.com/OpenTraceLab/jtagverify/pkg/timing"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// Device loads the BSDL description the profile names. It returns nil when
// the profile names none.
func (p *Profile) Device() (*bsdl.Device, error) {
	if p.BSDL == "" {
		return nil, nil
	}
	path := p.BSDL
	if !filepath.IsAbs(path) && p.dir != "" {
		path = filepath.Join(p.dir, path)
	}
	dev, err := bsdl.LoadDevice(path)
	if err != nil {
		return nil, fmt.Errorf("config: bsdl: %w", err)
	}
	return dev, nil
}

// IRWidth is the instruction register length: the profile's, the device's,
// then the simulated target's.
func (p *Profile) IRWidth(dev *bsdl.Device) int {
	switch {
	case p.Instruction.Width > 0:
		return p.Instruction.Width
	case dev != nil && dev.IRLength > 0:
		return dev.IRLength
	}
	return p.Target.IRLength
}

// Registered merges the device's opcodes with the profile's. The profile
// wins on a name both declare. Without a device the mandatory opcodes the
// simulated target decodes are registered first.
func (p *Profile) Registered(dev *bsdl.Device) (map[string]uint64, error) {
	out := make(map[string]uint64)
	if dev != nil {
		for name, code := range dev.Instructions {
			out[name] = code
		}
	} else if width := p.IRWidth(nil); width > 0 {
		for name, code := range jtag.DefaultInstructions(width) {
			out[name] = code
		}
	}
	for name, bits := range p.Instructions {
		code, _, err := bsdl.ParseBinary(bits)
		if err != nil {
			return nil, fmt.Errorf("config: instruction %s: %w", name, err)
		}
		out[strings.ToUpper(name)] = code
	}
	return out, nil
}

// ComplianceConfig builds the checker profile.
func (p *Profile) ComplianceConfig(dev *bsdl.Device) (compliance.Config, error) {
	std, err := compliance.ParseStandard(p.Standard)
	if err != nil {
		return compliance.Config{}, err
	}
	cfg := compliance.Config{
		Standard:            std,
		Strict:              p.Strict,
		MaxInstructionWidth: p.Instruction.MaxWidth,
		InstructionWidth:    p.Instruction.Width,
		BoundaryLength:      p.Data.BoundaryLength,
		PinCount:            p.Pins,
		ReducedPin:          p.ReducedPin,
		MinResetCycles:      p.Reset.MinCycles,
	}
	if dev != nil {
		cfg.RegisterDevice(dev)
	}
	if cfg.Registered, err = p.Registered(dev); err != nil {
		return compliance.Config{}, err
	}
	return cfg, nil
}

// TimingConfig builds the validator bounds.
func (p *Profile) TimingConfig() timing.Config {
	return timing.Config{
		NominalPeriod:    p.Clock.Period.Duration,
		JitterPct:        p.Clock.Jitter,
		DutyCycle:        p.Clock.DutyCycle,
		MinSetup:         p.Limits.Setup.Duration,
		MinHold:          p.Limits.Hold.Duration,
		MaxPropagation:   p.Limits.Propagation.Duration,
		MaxClockToOutput: p.Limits.ClockToOutput.Duration,
		MinResetPulse:    p.Limits.ResetPulse.Duration,
	}
}

// EngineConfig builds the engine defaults, resolving the debug and boundary
// instruction names against the registered opcodes.
func (p *Profile) EngineConfig(dev *bsdl.Device) (engine.Config, error) {
	reg, err := p.Registered(dev)
	if err != nil {
		return engine.Config{}, err
	}
	width := p.IRWidth(dev)
	lookup := func(field, name string) (txn.Instruction, error) {
		if name == "" {
			return txn.Instruction{}, nil
		}
		name = strings.ToUpper(name)
		code, ok := reg[name]
		if !ok && width > 0 {
			if def, found := jtag.DefaultInstructions(width)[name]; found {
				code, ok = def, true
			}
		}
		if !ok {
			return txn.Instruction{}, fmt.Errorf("config: instruction.%s: %s is not registered", field, name)
		}
		return txn.Instruction{Name: name, Code: code, Width: width}, nil
	}

	cfg := engine.Config{
		MaxInstructionWidth: p.Instruction.MaxWidth,
		MaxDataWidth:        p.Data.MaxWidth,
		ResetCycles:         p.Reset.Cycles,
		ResetPulse:          p.Reset.Pulse.Duration,
		BoundaryLength:      p.Data.BoundaryLength,
	}
	if cfg.BoundaryLength == 0 && dev != nil {
		cfg.BoundaryLength = dev.BoundaryLength
	}
	if cfg.DebugInstruction, err = lookup("debug", p.Instruction.Debug); err != nil {
		return engine.Config{}, err
	}
	if cfg.BoundaryInstruction, err = lookup("boundary", p.Instruction.Boundary); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

// InjectConfig builds the injector settings.
func (p *Profile) InjectConfig() (inject.Config, error) {
	mode, err := inject.ParseMode(p.Injection.Mode)
	if err != nil {
		return inject.Config{}, err
	}
	cfg := inject.Config{
		Mode:        mode,
		Rate:        p.Injection.Rate,
		Seed:        p.Injection.Seed,
		TimingDelta: p.Injection.TimingDelta.Duration,
	}
	for _, name := range p.Injection.Kinds {
		k, err := txn.ParseFaultKind(name)
		if err != nil {
			return inject.Config{}, err
		}
		cfg.Kinds = append(cfg.Kinds, k)
	}
	return cfg, nil
}

// ScoreboardConfig builds the matcher bounds.
func (p *Profile) ScoreboardConfig() scoreboard.Config {
	return scoreboard.Config{
		Tolerance: p.Scoreboard.Tolerance.Duration,
		Timeout:   p.Scoreboard.Timeout.Duration,
		Capacity:  p.Scoreboard.Capacity,
		History:   p.Scoreboard.History,
	}
}

// SimConfig describes the simulated target: the device's registers when a
// description is loaded, the target section otherwise, clocked at the
// nominal period.
func (p *Profile) SimConfig(dev *bsdl.Device) (jtag.SimConfig, error) {
	var sc jtag.SimConfig
	if dev != nil {
		sc = jtag.SimConfigFromDevice(dev)
	} else {
		sc = jtag.SimConfig{
			IRLength:       p.IRWidth(nil),
			BoundaryLength: p.Data.BoundaryLength,
		}
		if p.Target.IDCode != "" {
			id, err := strconv.ParseUint(p.Target.IDCode, 0, 32)
			if err != nil {
				return jtag.SimConfig{}, fmt.Errorf("config: target.idcode: %w", err)
			}
			sc.IDCode = uint32(id)
		}
		if len(p.Instructions) > 0 {
			sc.Instructions = jtag.DefaultInstructions(sc.IRLength)
		}
	}
	for name, bits := range p.Instructions {
		code, _, err := bsdl.ParseBinary(bits)
		if err != nil {
			return jtag.SimConfig{}, fmt.Errorf("config: instruction %s: %w", name, err)
		}
		sc.Instructions[strings.ToUpper(name)] = code
	}

	sc.UserRegisters = p.Target.UserRegisters
	sc.Period = p.Clock.Period.Duration
	sc.DutyCycle = p.Clock.DutyCycle
	sc.JitterPct = p.Target.Jitter
	sc.DriveDelay = p.Target.DriveDelay.Duration
	sc.OutDelay = p.Target.OutDelay.Duration
	sc.Seed = p.Target.Seed
	return sc, nil
}
