package jtag

import (
	"testing"
	"time"

	"github.com/OpenTraceLab/jtagverify/pkg/bsdl"
	"github.com/OpenTraceLab/jtagverify/pkg/tap"
)

func clockTMS(s *SimTarget, bits ...bool) {
	for _, b := range bits {
		s.SetModeSelect(b)
		s.AdvanceClock()
	}
}

// shift clocks len(in) bits through the selected register, raising TMS on
// the last one, and returns what TDO presented before each edge.
func shift(s *SimTarget, in []bool) []bool {
	out := make([]bool, len(in))
	for i, b := range in {
		out[i] = s.DataOut()
		s.SetDataIn(b)
		s.SetModeSelect(i == len(in)-1)
		s.AdvanceClock()
	}
	return out
}

func toBits(v uint64, n int) []bool {
	bits := make([]bool, n)
	uintToBits(bits, v)
	return bits
}

func newTestTarget(t *testing.T, cfg SimConfig) *SimTarget {
	t.Helper()
	s, err := NewSimTarget(cfg)
	if err != nil {
		t.Fatalf("NewSimTarget: %v", err)
	}
	return s
}

func TestSimTargetIDCodeAfterReset(t *testing.T) {
	s := newTestTarget(t, SimConfig{IRLength: 4, IDCode: 0x4BA00477})
	if s.Instruction() != InstrIDCode {
		t.Fatalf("instruction after reset = %s, want IDCODE", s.Instruction())
	}

	clockTMS(s, false, true, false, false) // -> ShiftDR
	got := bitsToUint(shift(s, make([]bool, 32)))
	if got != 0x4BA00477 {
		t.Fatalf("IDCODE = 0x%08X", got)
	}
	if s.State() != tap.StateExit1DR {
		t.Fatalf("state = %s, want Exit1DR", s.State())
	}
}

func TestSimTargetCaptureIRPattern(t *testing.T) {
	s := newTestTarget(t, SimConfig{IRLength: 6})
	clockTMS(s, false, true, true, false, false) // -> ShiftIR
	out := shift(s, toBits(0x3F, 6))
	if bitsToUint(out) != 0x01 {
		t.Fatalf("captured IR = %v, want ...01", out)
	}
	clockTMS(s, true) // Exit1IR -> UpdateIR
	if s.Instruction() != InstrBypass {
		t.Fatalf("instruction = %s, want BYPASS", s.Instruction())
	}
}

func TestSimTargetBypassPassThrough(t *testing.T) {
	s := newTestTarget(t, SimConfig{IRLength: 4})
	clockTMS(s, false, true, true, false, false)
	shift(s, toBits(0xF, 4))
	clockTMS(s, true, true, false, false) // Update -> SelectDR -> Capture -> Shift

	out := shift(s, []bool{true, false, true, true})
	// One cycle of delay: the captured 0 comes first, then the input.
	want := []bool{false, true, false, true}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("bypass out = %v, want %v", out, want)
		}
	}
}

func TestSimTargetUnknownOpcodeSelectsBypass(t *testing.T) {
	s := newTestTarget(t, SimConfig{IRLength: 4, IDCode: 1})
	clockTMS(s, false, true, true, false, false)
	shift(s, toBits(0x5, 4))
	clockTMS(s, true)
	if s.Instruction() != InstrBypass {
		t.Fatalf("instruction = %s, want BYPASS", s.Instruction())
	}
}

func TestSimTargetBoundaryRegister(t *testing.T) {
	s := newTestTarget(t, SimConfig{IRLength: 4, BoundaryLength: 5})
	s.SetBoundaryPins([]bool{true, false, true, true, false})

	clockTMS(s, false, true, true, false, false)
	shift(s, toBits(DefaultInstructions(4)[InstrSamplePreload], 4))
	clockTMS(s, true, true, false, false)

	in := []bool{false, true, true, false, true}
	out := shift(s, in)
	if bitsToUint(out) != 0x0D {
		t.Fatalf("sampled pins = %v", out)
	}
	clockTMS(s, true) // -> UpdateDR
	latch := s.BoundaryLatch()
	for i := range in {
		if latch[i] != in[i] {
			t.Fatalf("latch = %v, want %v", latch, in)
		}
	}
}

func TestSimTargetTRST(t *testing.T) {
	s := newTestTarget(t, SimConfig{IRLength: 4})
	clockTMS(s, false, true, false)
	s.AssertReset()
	clockTMS(s, false, false) // ignored while held
	s.DeassertReset()
	if s.State() != tap.StateTestLogicReset {
		t.Fatalf("state = %s after TRST", s.State())
	}
	if _, pulses := s.Counters(); pulses != 1 {
		t.Fatalf("pulses = %d", pulses)
	}
}

func TestSimTargetClockTimeline(t *testing.T) {
	s := newTestTarget(t, SimConfig{
		IRLength:   4,
		Period:     100 * time.Nanosecond,
		DutyCycle:  40,
		DriveDelay: 5 * time.Nanosecond,
		OutDelay:   7 * time.Nanosecond,
	})
	s.SetModeSelect(true)
	first := s.AdvanceClock()
	second := s.AdvanceClock()

	if got := second.Rising - first.Rising; got != 100*time.Nanosecond {
		t.Fatalf("period = %v", got)
	}
	if got := first.Falling - first.Rising; got != 40*time.Nanosecond {
		t.Fatalf("high time = %v", got)
	}
	if got := first.OutValid - first.Falling; got != 7*time.Nanosecond {
		t.Fatalf("out delay = %v", got)
	}
	if first.Rising != 5*time.Nanosecond+60*time.Nanosecond {
		t.Fatalf("first rising = %v", first.Rising)
	}
}

func TestSimTargetJitterIsSeeded(t *testing.T) {
	cfg := SimConfig{IRLength: 4, JitterPct: 3, Seed: 42}
	a := newTestTarget(t, cfg)
	b := newTestTarget(t, cfg)
	varied := false
	var last time.Duration
	for i := 0; i < 50; i++ {
		ea, eb := a.AdvanceClock(), b.AdvanceClock()
		if ea != eb {
			t.Fatalf("same seed diverged at clock %d", i)
		}
		if i > 0 && ea.Rising-last != 100*time.Nanosecond {
			varied = true
		}
		last = ea.Rising
	}
	if !varied {
		t.Fatalf("jitter produced a perfectly regular clock")
	}
}

func TestSimConfigFromDevice(t *testing.T) {
	dev := &bsdl.Device{
		IRLength:       5,
		BoundaryLength: 3,
		IDCode:         0x06422041,
		IDMask:         0x0FFFFFFF,
		Instructions: map[string]uint64{
			"BYPASS": 0x1F, "EXTEST": 0, "SAMPLE": 2, "PRELOAD": 2, "IDCODE": 1,
		},
	}
	cfg := SimConfigFromDevice(dev)
	if cfg.Instructions[InstrSamplePreload] != 2 {
		t.Fatalf("SAMPLE/PRELOAD not folded: %v", cfg.Instructions)
	}
	if _, ok := cfg.Instructions[InstrSample]; ok {
		t.Fatalf("SAMPLE should be folded")
	}
	s := newTestTarget(t, cfg)
	clockTMS(s, false, true, false, false)
	if got := bitsToUint(shift(s, make([]bool, 32))); got != 0x06422041 {
		t.Fatalf("IDCODE = 0x%08X", got)
	}
}

func TestNewSimTargetRejectsBadConfig(t *testing.T) {
	if _, err := NewSimTarget(SimConfig{IRLength: 1}); err == nil {
		t.Fatalf("expected error for IR length 1")
	}
	if _, err := NewSimTarget(SimConfig{IRLength: 3, Instructions: map[string]uint64{"BYPASS": 0xF}}); err == nil {
		t.Fatalf("expected error for oversized opcode")
	}
	if _, err := NewSimTarget(SimConfig{IRLength: 3, UserRegisters: map[string]int{"DBG": 0}}); err == nil {
		t.Fatalf("expected error for zero-width user register")
	}
}
