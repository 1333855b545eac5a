package tap

import (
	"fmt"
)

// State represents one of the 16 defined IEEE 1149.1 TAP controller states.
type State uint8

const (
	StateTestLogicReset State = iota
	StateRunTestIdle
	StateSelectDRScan
	StateCaptureDR
	StateShiftDR
	StateExit1DR
	StatePauseDR
	StateExit2DR
	StateUpdateDR
	StateSelectIRScan
	StateCaptureIR
	StateShiftIR
	StateExit1IR
	StatePauseIR
	StateExit2IR
	StateUpdateIR
)

// NumStates is the number of defined TAP states. Values at or above it are
// out of range.
const NumStates = 16

var stateNames = [NumStates]string{
	StateTestLogicReset: "TestLogicReset",
	StateRunTestIdle:    "RunTestIdle",
	StateSelectDRScan:   "SelectDRScan",
	StateCaptureDR:      "CaptureDR",
	StateShiftDR:        "ShiftDR",
	StateExit1DR:        "Exit1DR",
	StatePauseDR:        "PauseDR",
	StateExit2DR:        "Exit2DR",
	StateUpdateDR:       "UpdateDR",
	StateSelectIRScan:   "SelectIRScan",
	StateCaptureIR:      "CaptureIR",
	StateShiftIR:        "ShiftIR",
	StateExit1IR:        "Exit1IR",
	StatePauseIR:        "PauseIR",
	StateExit2IR:        "Exit2IR",
	StateUpdateIR:       "UpdateIR",
}

func (s State) String() string {
	if s.Valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Valid reports whether s is one of the 16 TAP states.
func (s State) Valid() bool {
	return s < NumStates
}

// IsIR reports whether s belongs to the instruction-register column of the
// state diagram.
func (s State) IsIR() bool {
	return s >= StateSelectIRScan && s <= StateUpdateIR
}

// IsDR reports whether s belongs to the data-register column.
func (s State) IsDR() bool {
	return s >= StateSelectDRScan && s <= StateUpdateDR
}

// IsShift reports whether TDI is shifted on the next rising edge.
func (s State) IsShift() bool {
	return s == StateShiftDR || s == StateShiftIR
}

// ParseState resolves a state by its name as returned by String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("tap: unknown state %q", name)
}

// Sequence captures the TMS drive pattern and the sequence of states that result
// from applying that pattern to the TAP controller.
type Sequence struct {
	TMS    []bool
	States []State
}

type stateTransitions struct {
	onZero State
	onOne  State
}

var transitions = [NumStates]stateTransitions{
	StateTestLogicReset: {onZero: StateRunTestIdle, onOne: StateTestLogicReset},
	StateRunTestIdle:    {onZero: StateRunTestIdle, onOne: StateSelectDRScan},
	StateSelectDRScan:   {onZero: StateCaptureDR, onOne: StateSelectIRScan},
	StateCaptureDR:      {onZero: StateShiftDR, onOne: StateExit1DR},
	StateShiftDR:        {onZero: StateShiftDR, onOne: StateExit1DR},
	StateExit1DR:        {onZero: StatePauseDR, onOne: StateUpdateDR},
	StatePauseDR:        {onZero: StatePauseDR, onOne: StateExit2DR},
	StateExit2DR:        {onZero: StateShiftDR, onOne: StateUpdateDR},
	StateUpdateDR:       {onZero: StateRunTestIdle, onOne: StateSelectDRScan},
	StateSelectIRScan:   {onZero: StateCaptureIR, onOne: StateTestLogicReset},
	StateCaptureIR:      {onZero: StateShiftIR, onOne: StateExit1IR},
	StateShiftIR:        {onZero: StateShiftIR, onOne: StateExit1IR},
	StateExit1IR:        {onZero: StatePauseIR, onOne: StateUpdateIR},
	StatePauseIR:        {onZero: StatePauseIR, onOne: StateExit2IR},
	StateExit2IR:        {onZero: StateShiftIR, onOne: StateUpdateIR},
	StateUpdateIR:       {onZero: StateRunTestIdle, onOne: StateSelectDRScan},
}

// NextState returns the next TAP state after clocking TCK with the provided TMS
// value. The table is total over the 16 states; an out-of-range state can only
// be produced by corrupting data outside the machine and recovers to
// Test-Logic-Reset, as a powered-up controller would.
func NextState(current State, tms bool) State {
	if !current.Valid() {
		return StateTestLogicReset
	}
	row := transitions[current]
	if tms {
		return row.onOne
	}
	return row.onZero
}

// IsEdge reports whether the diagram has a single-clock transition from one
// state to another, and which TMS value takes it.
func IsEdge(from, to State) (tms bool, ok bool) {
	if !from.Valid() || !to.Valid() {
		return false, false
	}
	row := transitions[from]
	if row.onZero == to {
		return false, true
	}
	if row.onOne == to {
		return true, true
	}
	return false, false
}

// ValidatePath checks that consecutive states in path are joined by table
// edges. It returns the index of the first offending hop (the index of its
// destination state) or -1 when the path is legal.
func ValidatePath(path []State) int {
	for i := 1; i < len(path); i++ {
		if _, ok := IsEdge(path[i-1], path[i]); !ok {
			return i
		}
	}
	return -1
}

// StateMachine tracks the TAP controller state locally. It does not perform any
// I/O; instead it produces the sequences of TMS bits needed so a signal
// interface can be driven separately.
type StateMachine struct {
	state State
}

// NewStateMachine creates a TAP state machine initialized to Test-Logic-Reset.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateTestLogicReset}
}

// State reports the current TAP state tracked by the machine.
func (m *StateMachine) State() State {
	return m.state
}

// Clock advances the machine one TCK cycle with the provided TMS bit and
// returns the new state.
func (m *StateMachine) Clock(tms bool) State {
	next := NextState(m.state, tms)
	m.state = next
	return next
}

// Resync forces the tracked state, used after an asynchronous TRST pulse.
func (m *StateMachine) Resync(s State) {
	m.state = s
}

// ResetSequence returns the TMS-high sequence of the given length starting at
// the current state without applying it. Five cycles reach Test-Logic-Reset
// from anywhere.
func (m *StateMachine) ResetSequence(cycles int) Sequence {
	seq := Sequence{
		TMS:    make([]bool, cycles),
		States: make([]State, cycles+1),
	}
	seq.States[0] = m.state
	cur := m.state
	for i := 0; i < cycles; i++ {
		seq.TMS[i] = true
		cur = NextState(cur, true)
		seq.States[i+1] = cur
	}
	return seq
}

// Reset applies the IEEE recommendation of clocking five consecutive TMS=1
// cycles. It returns the sequence for convenience so it can be forwarded to a
// signal interface.
func (m *StateMachine) Reset() Sequence {
	seq := m.ResetSequence(5)
	m.state = seq.States[len(seq.States)-1]
	return seq
}

// GoTo computes the minimal sequence of TMS values needed to reach the target
// state from the current state. It updates the machine as a side effect and
// returns the generated sequence.
func (m *StateMachine) GoTo(target State, opts ...RouteOption) (Sequence, error) {
	path, err := Route(m.state, target, opts...)
	if err != nil {
		return Sequence{}, err
	}
	for _, bit := range path.TMS {
		m.Clock(bit)
	}
	return path, nil
}
