package config

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/OpenTraceLab/jtagverify/pkg/bsdl"
	"github.com/OpenTraceLab/jtagverify/pkg/compliance"
	"github.com/OpenTraceLab/jtagverify/pkg/engine"
	"github.com/OpenTraceLab/jtagverify/pkg/inject"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// Validate reports every problem in the profile at once. The error wraps
// ErrInvalidProfile.
func (p *Profile) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	std, err := compliance.ParseStandard(p.Standard)
	if err != nil {
		errs = append(errs, err)
	}
	if p.ReducedPin {
		if std != compliance.Std1149_7 {
			bad("reduced_pin requires IEEE 1149.7, got %s", p.Standard)
		}
		if p.Pins < 2 {
			bad("pins: reduced-pin operation needs at least 2, got %d", p.Pins)
		}
	} else if p.Pins < 4 {
		bad("pins: %d is fewer than TCK, TMS, TDI and TDO", p.Pins)
	}

	ins := p.Instruction
	switch {
	case ins.MaxWidth < 1 || ins.MaxWidth > engine.HardMaxInstructionWidth:
		bad("instruction.max_width %d outside [1, %d]", ins.MaxWidth, engine.HardMaxInstructionWidth)
	case ins.Width < 0 || ins.Width > ins.MaxWidth:
		bad("instruction.width %d outside [0, %d]", ins.Width, ins.MaxWidth)
	}
	for name, code := range p.Instructions {
		if _, _, err := bsdl.ParseBinary(code); err != nil {
			bad("instructions.%s: %v", name, err)
			continue
		}
		if ins.Width > 0 && opcodeWidth(code) != ins.Width {
			bad("instructions.%s: opcode %q is not %d bits", name, code, ins.Width)
		}
	}
	if p.Data.MaxWidth < 1 {
		bad("data.max_width must be positive, got %d", p.Data.MaxWidth)
	}
	if p.Data.BoundaryLength < 0 || p.Data.BoundaryLength > p.Data.MaxWidth {
		bad("data.boundary_length %d outside [0, %d]", p.Data.BoundaryLength, p.Data.MaxWidth)
	}

	if p.Clock.Period.Duration <= 0 {
		bad("clock.period must be positive")
	}
	if p.Clock.DutyCycle <= 0 || p.Clock.DutyCycle >= 100 {
		bad("clock.duty_cycle %.1f outside (0, 100)", p.Clock.DutyCycle)
	}
	if p.Clock.Jitter < 0 || p.Clock.Jitter >= 100 {
		bad("clock.jitter %.1f outside [0, 100)", p.Clock.Jitter)
	}
	for name, d := range map[string]Duration{
		"setup":           p.Limits.Setup,
		"hold":            p.Limits.Hold,
		"propagation":     p.Limits.Propagation,
		"clock_to_output": p.Limits.ClockToOutput,
		"reset_pulse":     p.Limits.ResetPulse,
	} {
		if d.Duration < 0 {
			bad("limits.%s is negative", name)
		}
	}

	if p.Reset.Cycles < 1 {
		bad("reset.cycles must be positive, got %d", p.Reset.Cycles)
	}
	if p.Reset.Pulse.Duration <= 0 {
		bad("reset.pulse must be positive")
	}

	mode, err := inject.ParseMode(p.Injection.Mode)
	if err != nil {
		errs = append(errs, err)
	}
	if p.Injection.Rate < 0 || p.Injection.Rate > 100 {
		bad("injection.rate %.1f outside [0, 100]", p.Injection.Rate)
	} else if mode != inject.ModeOff && p.Injection.Rate == 0 {
		bad("injection.rate must be positive in %s mode", mode)
	}
	for _, k := range p.Injection.Kinds {
		if _, err := txn.ParseFaultKind(k); err != nil {
			errs = append(errs, err)
		}
	}

	if p.Scoreboard.Tolerance.Duration < 0 {
		bad("scoreboard.tolerance is negative")
	}
	if p.Scoreboard.Capacity < 1 {
		bad("scoreboard.capacity must be positive, got %d", p.Scoreboard.Capacity)
	}
	if p.Scheduler.MaxConcurrent < 1 {
		bad("scheduler.max_concurrent must be positive, got %d", p.Scheduler.MaxConcurrent)
	}

	if p.Target.IDCode != "" {
		if _, err := strconv.ParseUint(p.Target.IDCode, 0, 32); err != nil {
			bad("target.idcode %q: %v", p.Target.IDCode, err)
		}
	}
	if p.Target.IRLength < 0 || p.Target.IRLength > engine.HardMaxInstructionWidth {
		bad("target.ir_length %d outside [0, %d]", p.Target.IRLength, engine.HardMaxInstructionWidth)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidProfile, errors.Join(errs...))
}

func opcodeWidth(code string) int {
	n := 0
	for _, ch := range code {
		switch ch {
		case '0', '1', 'X', 'x':
			n++
		}
	}
	return n
}
