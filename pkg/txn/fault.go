package txn

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/OpenTraceLab/jtagverify/pkg/tap"
)

// FaultKind is the taxonomy of injected faults.
type FaultKind uint8

const (
	FaultBitFlip FaultKind = iota + 1
	FaultStuckAt0
	FaultStuckAt1
	FaultTimingViolation
	FaultProtocolViolation
	FaultInstructionCorruption
	FaultDataCorruption
	FaultStateMachineError
	FaultClockGlitch
	FaultResetAnomaly
)

// AllFaultKinds is the fixed order systematic injection cycles through.
var AllFaultKinds = []FaultKind{
	FaultBitFlip,
	FaultStuckAt0,
	FaultStuckAt1,
	FaultTimingViolation,
	FaultProtocolViolation,
	FaultInstructionCorruption,
	FaultDataCorruption,
	FaultStateMachineError,
	FaultClockGlitch,
	FaultResetAnomaly,
}

var faultNames = map[FaultKind]string{
	FaultBitFlip:               "bit-flip",
	FaultStuckAt0:              "stuck-at-0",
	FaultStuckAt1:              "stuck-at-1",
	FaultTimingViolation:       "timing-violation",
	FaultProtocolViolation:     "protocol-violation",
	FaultInstructionCorruption: "instruction-corruption",
	FaultDataCorruption:        "data-corruption",
	FaultStateMachineError:     "state-machine-error",
	FaultClockGlitch:           "clock-glitch",
	FaultResetAnomaly:          "reset-anomaly",
}

func (k FaultKind) String() string {
	if name, ok := faultNames[k]; ok {
		return name
	}
	return fmt.Sprintf("fault(%d)", uint8(k))
}

// ParseFaultKind resolves the names returned by FaultKind.String.
func ParseFaultKind(s string) (FaultKind, error) {
	for k, name := range faultNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("txn: unknown fault kind %q", s)
}

// FaultTarget names the part of a transaction a fault mutated.
type FaultTarget string

const (
	TargetInstruction FaultTarget = "instruction"
	TargetData        FaultTarget = "data"
	TargetTiming      FaultTarget = "timing"
	TargetState       FaultTarget = "state"
	TargetReset       FaultTarget = "reset"
)

// TimingParam names the timing quantity a timing fault skews.
type TimingParam string

const (
	ParamSetup         TimingParam = "setup"
	ParamHold          TimingParam = "hold"
	ParamPropagation   TimingParam = "propagation"
	ParamClockToOutput TimingParam = "clock-to-output"
)

// FaultRecord describes one injected fault. It is never modified after the
// injector creates it.
type FaultRecord struct {
	Kind          FaultKind
	TransactionID uuid.UUID
	InjectedAt    time.Time
	Target        FaultTarget

	// Bit is the flipped bit, or the first clamped bit for stuck-at faults.
	Bit        int
	StuckValue bool

	Timing TimingParam
	// Delta is the signed change applied to Timing, or the amount a glitch
	// shortens one clock period by.
	Delta time.Duration

	// State is the out-of-range value a state machine error substitutes.
	State  tap.State
	Detail string
}

func (f *FaultRecord) String() string {
	if f.Detail == "" {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Detail
}

// Clamps reports whether the fault holds captured bits from index i onward
// and the value they are held at.
func (f *FaultRecord) Clamps(i int) (bool, bool) {
	if f == nil || (f.Kind != FaultStuckAt0 && f.Kind != FaultStuckAt1) {
		return false, false
	}
	return i >= f.Bit, f.StuckValue
}

// ApplyCapture clamps captured bits in place for stuck-at faults.
func (f *FaultRecord) ApplyCapture(bits Bits) {
	for i := range bits {
		if held, v := f.Clamps(i); held {
			bits[i] = v
		}
	}
}

// ApplyEdges rewrites recorded edge marks for timing and clock glitch faults.
// Setup and hold shrink by Delta; propagation and clock-to-output grow by
// Delta. A glitch pulls every edge after the midpoint earlier by Delta.
func (f *FaultRecord) ApplyEdges(edges []Edge) {
	if f == nil || len(edges) == 0 {
		return
	}
	switch f.Kind {
	case FaultTimingViolation:
		for i := range edges {
			e := &edges[i]
			switch f.Timing {
			case ParamSetup:
				e.ModeSet += f.Delta
				e.DataSet += f.Delta
			case ParamHold:
				if i > 0 {
					e.ModeSet -= f.Delta
				}
			case ParamPropagation:
				if e.Shift {
					e.DataSet -= f.Delta
				}
			case ParamClockToOutput:
				e.OutValid += f.Delta
			}
		}
	case FaultClockGlitch:
		for i := len(edges) / 2; i < len(edges); i++ {
			if i == 0 {
				continue
			}
			e := &edges[i]
			e.ModeSet -= f.Delta
			e.DataSet -= f.Delta
			e.Rising -= f.Delta
			e.Falling -= f.Delta
			e.OutValid -= f.Delta
		}
	}
}

// Apply replays the drive-time effects of the fault on a completed record:
// clamped captures, skewed edge marks or a substituted path state. Faults
// that only mutate the request have nothing to replay.
func (f *FaultRecord) Apply(tx *Transaction) {
	if f == nil {
		return
	}
	switch f.Kind {
	case FaultStuckAt0, FaultStuckAt1:
		if f.Target == TargetInstruction {
			f.ApplyCapture(tx.InstructionCaptured)
		} else {
			f.ApplyCapture(tx.Captured)
		}
	case FaultTimingViolation, FaultClockGlitch:
		f.ApplyEdges(tx.Edges)
	case FaultStateMachineError:
		f.ApplyPath(tx.Path)
	}
}

// ApplyPath substitutes the out-of-range state into a recorded path.
func (f *FaultRecord) ApplyPath(path []tap.State) {
	if f == nil || f.Kind != FaultStateMachineError || len(path) < 2 {
		return
	}
	path[len(path)/2] = f.State
}
