package jtag

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/OpenTraceLab/jtagverify/pkg/bsdl"
	"github.com/OpenTraceLab/jtagverify/pkg/tap"
)

// Standard instruction names understood by the simulator.
const (
	InstrBypass        = "BYPASS"
	InstrIDCode        = "IDCODE"
	InstrSamplePreload = "SAMPLE/PRELOAD"
	InstrSample        = "SAMPLE"
	InstrPreload       = "PRELOAD"
	InstrExtest        = "EXTEST"
	InstrIntest        = "INTEST"
)

// SimConfig describes the simulated target and the clock it is driven with.
type SimConfig struct {
	IRLength       int
	IDCode         uint32
	BoundaryLength int

	// Instructions maps instruction names to opcodes. When empty,
	// DefaultInstructions(IRLength) is used. Opcodes that decode to no
	// instruction select BYPASS, as IEEE 1149.1 requires.
	Instructions map[string]uint64
	// UserRegisters gives the DR width selected by custom instructions.
	UserRegisters map[string]int

	// CaptureIRFromUpdate makes Capture-IR load the last updated instruction
	// instead of the fixed ...01 pattern, turning the IR into a loopback.
	CaptureIRFromUpdate bool

	Period     time.Duration
	DutyCycle  float64 // percent high
	JitterPct  float64 // uniform +/- percent applied to each low phase
	DriveDelay time.Duration
	OutDelay   time.Duration
	Seed       uint64
}

// DefaultInstructions returns a minimal 1149.1 instruction set for an IR of
// the given width: EXTEST all zeros, SAMPLE/PRELOAD 2, IDCODE all ones but the
// LSB, BYPASS all ones.
func DefaultInstructions(irLength int) map[string]uint64 {
	ones := uint64(1)<<uint(irLength) - 1
	return map[string]uint64{
		InstrExtest:        0,
		InstrSamplePreload: 2,
		InstrIDCode:        ones &^ 1,
		InstrBypass:        ones,
	}
}

// SimConfigFromDevice seeds a SimConfig with the registers a BSDL description
// declares. Wildcard IDCODE bits are simulated as 0. SAMPLE and PRELOAD
// sharing one opcode are folded into SAMPLE/PRELOAD.
func SimConfigFromDevice(dev *bsdl.Device) SimConfig {
	instr := make(map[string]uint64, len(dev.Instructions))
	for name, code := range dev.Instructions {
		instr[name] = code
	}
	if s, ok := instr[InstrSample]; ok {
		if p, ok := instr[InstrPreload]; ok && p == s {
			delete(instr, InstrSample)
			delete(instr, InstrPreload)
			instr[InstrSamplePreload] = s
		}
	}
	return SimConfig{
		IRLength:       dev.IRLength,
		IDCode:         dev.IDCode & dev.IDMask,
		BoundaryLength: dev.BoundaryLength,
		Instructions:   instr,
	}
}

// SimTarget is an in-memory TAP device driven through Lines. It advances a
// simulated clock instantly, so tests stay fast and deterministic.
type SimTarget struct {
	mu  sync.Mutex
	cfg SimConfig
	rng *rand.Rand

	tms, tdi bool
	trst     bool
	state    tap.State

	byCode map[uint64]string

	irShift   []bool
	irLatched uint64
	drShift   []bool

	boundaryPins  []bool // values presented by the pins at capture
	boundaryLatch []bool
	userLatches   map[string][]bool
	updateCount   int
	resetPulses   int
	now, lastFall time.Duration
	clocks        uint64
}

// NewSimTarget validates cfg and builds a target sitting in Test-Logic-Reset.
func NewSimTarget(cfg SimConfig) (*SimTarget, error) {
	if cfg.IRLength < 2 || cfg.IRLength > 64 {
		return nil, fmt.Errorf("jtag: IR length %d out of range [2, 64]", cfg.IRLength)
	}
	if cfg.Period <= 0 {
		cfg.Period = 100 * time.Nanosecond
	}
	if cfg.DutyCycle <= 0 || cfg.DutyCycle >= 100 {
		cfg.DutyCycle = 50
	}
	if len(cfg.Instructions) == 0 {
		cfg.Instructions = DefaultInstructions(cfg.IRLength)
	}

	s := &SimTarget{
		cfg:           cfg,
		rng:           rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		state:         tap.StateTestLogicReset,
		byCode:        make(map[uint64]string, len(cfg.Instructions)),
		irShift:       make([]bool, cfg.IRLength),
		boundaryPins:  make([]bool, cfg.BoundaryLength),
		boundaryLatch: make([]bool, cfg.BoundaryLength),
		userLatches:   make(map[string][]bool),
	}
	for name, code := range cfg.Instructions {
		if code>>uint(cfg.IRLength) != 0 {
			return nil, fmt.Errorf("jtag: opcode 0x%X for %s exceeds IR length %d", code, name, cfg.IRLength)
		}
		s.byCode[code] = strings.ToUpper(name)
	}
	for name, width := range cfg.UserRegisters {
		if width <= 0 {
			return nil, fmt.Errorf("jtag: user register %s has width %d", name, width)
		}
		s.userLatches[strings.ToUpper(name)] = make([]bool, width)
	}
	s.resetLogic()
	return s, nil
}

func (s *SimTarget) SetModeSelect(high bool) {
	s.mu.Lock()
	s.tms = high
	s.now += s.cfg.DriveDelay
	s.mu.Unlock()
}

func (s *SimTarget) SetDataIn(high bool) {
	s.mu.Lock()
	s.tdi = high
	s.now += s.cfg.DriveDelay
	s.mu.Unlock()
}

// DataOut returns the LSB of the shift register selected by the current
// column. TDO is not tri-stated outside the shift states.
func (s *SimTarget) DataOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := s.drShift
	if s.state.IsIR() {
		reg = s.irShift
	}
	if len(reg) == 0 {
		return false
	}
	return reg[0]
}

func (s *SimTarget) AssertReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.trst {
		s.resetPulses++
	}
	s.trst = true
	s.state = tap.StateTestLogicReset
	s.resetLogic()
}

func (s *SimTarget) DeassertReset() {
	s.mu.Lock()
	s.trst = false
	s.mu.Unlock()
}

func (s *SimTarget) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *SimTarget) AdvanceClock() ClockEdge {
	s.mu.Lock()
	defer s.mu.Unlock()

	period := float64(s.cfg.Period)
	high := time.Duration(period * s.cfg.DutyCycle / 100)
	low := s.cfg.Period - high
	if s.cfg.JitterPct > 0 {
		delta := (s.rng.Float64()*2 - 1) * s.cfg.JitterPct / 100 * period
		low += time.Duration(delta)
	}

	start := s.lastFall
	if s.clocks == 0 {
		start = s.now
	}
	edge := ClockEdge{Rising: start + low}
	edge.Falling = edge.Rising + high
	edge.OutValid = edge.Falling + s.cfg.OutDelay

	if !s.trst {
		s.rising()
	}

	s.lastFall = edge.Falling
	if s.now < edge.Falling {
		s.now = edge.Falling
	}
	s.clocks++
	return edge
}

// rising applies the register action of the state being left, then moves
// the controller.
func (s *SimTarget) rising() {
	cur := s.state
	switch cur {
	case tap.StateCaptureIR:
		s.captureIR()
	case tap.StateShiftIR:
		shiftIn(s.irShift, s.tdi)
	case tap.StateCaptureDR:
		s.captureDR()
	case tap.StateShiftDR:
		shiftIn(s.drShift, s.tdi)
	}

	next := tap.NextState(cur, s.tms)
	s.state = next
	switch next {
	case tap.StateTestLogicReset:
		s.resetLogic()
	case tap.StateUpdateIR:
		s.irLatched = bitsToUint(s.irShift)
		s.updateCount++
	case tap.StateUpdateDR:
		s.updateDR()
		s.updateCount++
	}
}

func (s *SimTarget) captureIR() {
	if s.cfg.CaptureIRFromUpdate {
		uintToBits(s.irShift, s.irLatched)
		return
	}
	for i := range s.irShift {
		s.irShift[i] = false
	}
	s.irShift[0] = true
}

func (s *SimTarget) captureDR() {
	name := s.instructionLocked()
	switch name {
	case InstrIDCode:
		s.drShift = make([]bool, 32)
		uintToBits(s.drShift, uint64(s.cfg.IDCode))
	case InstrExtest, InstrIntest, InstrSamplePreload, InstrSample, InstrPreload:
		s.drShift = append([]bool(nil), s.boundaryPins...)
	default:
		if latch, ok := s.userLatches[name]; ok {
			s.drShift = append([]bool(nil), latch...)
			return
		}
		s.drShift = []bool{false}
	}
}

func (s *SimTarget) updateDR() {
	name := s.instructionLocked()
	switch name {
	case InstrExtest, InstrIntest, InstrSamplePreload, InstrSample, InstrPreload:
		copy(s.boundaryLatch, s.drShift)
	default:
		if latch, ok := s.userLatches[name]; ok {
			copy(latch, s.drShift)
		}
	}
}

func (s *SimTarget) resetLogic() {
	def := InstrBypass
	if _, ok := s.cfg.Instructions[InstrIDCode]; ok {
		def = InstrIDCode
	}
	s.irLatched = s.cfg.Instructions[def]
	s.drShift = []bool{false}
}

func (s *SimTarget) instructionLocked() string {
	if name, ok := s.byCode[s.irLatched]; ok {
		return name
	}
	return InstrBypass
}

// State reports the simulated controller state.
func (s *SimTarget) State() tap.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Instruction reports the name of the instruction currently latched in IR.
func (s *SimTarget) Instruction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instructionLocked()
}

// SetBoundaryPins sets the values the boundary cells capture.
func (s *SimTarget) SetBoundaryPins(bits []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.boundaryPins, bits)
}

// BoundaryLatch returns a copy of the boundary update latches.
func (s *SimTarget) BoundaryLatch() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.boundaryLatch...)
}

// Counters reports how many update states and TRST pulses were seen.
func (s *SimTarget) Counters() (updates, resetPulses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCount, s.resetPulses
}

// shiftIn moves reg one place towards TDO and feeds tdi in at the far end.
func shiftIn(reg []bool, tdi bool) {
	if len(reg) == 0 {
		return
	}
	copy(reg, reg[1:])
	reg[len(reg)-1] = tdi
}

func bitsToUint(bits []bool) uint64 {
	var v uint64
	for i, b := range bits {
		if b && i < 64 {
			v |= 1 << uint(i)
		}
	}
	return v
}

func uintToBits(dst []bool, v uint64) {
	for i := range dst {
		dst[i] = i < 64 && v&(1<<uint(i)) != 0
	}
}
