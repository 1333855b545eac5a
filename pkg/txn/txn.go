// Package txn holds the records exchanged between the transaction engine and
// the components that check, mutate and score its output.
package txn

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OpenTraceLab/jtagverify/pkg/tap"
)

// Kind selects how the engine drives an operation.
type Kind uint8

const (
	KindInstructionLoad Kind = iota + 1
	KindDataScan
	KindReset
	KindDebugAccess
	KindBoundaryScan
	KindComplianceProbe
)

var kindNames = map[Kind]string{
	KindInstructionLoad: "instruction-load",
	KindDataScan:        "data-scan",
	KindReset:           "reset",
	KindDebugAccess:     "debug-access",
	KindBoundaryScan:    "boundary-scan",
	KindComplianceProbe: "compliance-probe",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves the names returned by Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("txn: unknown operation kind %q", s)
}

// LoadsInstruction reports whether operations of this kind shift an
// instruction into IR.
func (k Kind) LoadsInstruction() bool {
	switch k {
	case KindInstructionLoad, KindDebugAccess, KindBoundaryScan, KindComplianceProbe:
		return true
	}
	return false
}

// ScansData reports whether operations of this kind shift a data register
// with caller-supplied bits.
func (k Kind) ScansData() bool {
	switch k {
	case KindDataScan, KindDebugAccess, KindBoundaryScan:
		return true
	}
	return false
}

// ScanMode restricts which halves of a data scan are performed.
type ScanMode uint8

const (
	ScanFull        ScanMode = iota
	ScanCaptureOnly          // Capture-DR then Update-DR, nothing shifted
	ScanShiftOnly            // shift, then park in Pause-DR without Update-DR
)

func (m ScanMode) String() string {
	switch m {
	case ScanFull:
		return "full"
	case ScanCaptureOnly:
		return "capture-only"
	case ScanShiftOnly:
		return "shift-only"
	}
	return fmt.Sprintf("scan-mode(%d)", uint8(m))
}

// Instruction is an IR opcode. Name may be empty when only the code is known.
type Instruction struct {
	Name  string `json:"name,omitempty" msgpack:"name,omitempty"`
	Code  uint64 `json:"code" msgpack:"code"`
	Width int    `json:"width" msgpack:"width"`
}

func (i Instruction) String() string {
	name := i.Name
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("%s(0x%X/%d)", name, i.Code, i.Width)
}

// ResetSpec parameterises a reset operation.
type ResetSpec struct {
	Hard   bool          // pulse TRST instead of holding TMS high
	Cycles int           // soft reset TMS-high cycles
	Pulse  time.Duration // hard reset minimum TRST assertion
}

// Op is a request to the engine.
type Op struct {
	Kind        Kind
	Instruction Instruction
	Data        Bits
	// Length is the number of DR bits to shift. Zero means len(Data); when
	// larger than Data the remainder is zero-filled.
	Length int
	Mode   ScanMode
	// PauseAfter parks the scan in Pause-DR after that many bits and then
	// resumes. Zero disables the stopover.
	PauseAfter int
	PauseDwell int
	Reset      ResetSpec
}

// DataLength is the number of DR bits the op shifts.
func (o Op) DataLength() int {
	if o.Length > 0 {
		return o.Length
	}
	return len(o.Data)
}

// DataBits returns Data sized to DataLength.
func (o Op) DataBits() Bits {
	n := o.DataLength()
	out := make(Bits, n)
	copy(out, o.Data)
	return out
}

// Status is the outcome of driving a transaction.
type Status uint8

const (
	StatusPending Status = iota
	StatusSuccess
	StatusError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Edge records one TCK cycle in the host time base.
type Edge struct {
	State    tap.State // controller state the rising edge acts in
	TMS      bool
	TDI      bool
	Shift    bool // TDI was shifted on this edge
	ModeSet  time.Duration
	DataSet  time.Duration
	Rising   time.Duration
	Falling  time.Duration
	OutValid time.Duration
}

// Transaction is the engine's record of one operation. It is immutable once
// the engine returns it; consumers must not modify its slices.
type Transaction struct {
	ID         uuid.UUID
	Op         Op
	StartState tap.State
	EndState   tap.State
	StartTime  time.Duration
	EndTime    time.Duration
	Status     Status
	Err        string

	// Path lists every controller state in order, starting with StartState.
	// A hard reset restarts the path at Test-Logic-Reset.
	Path []tap.State
	// InstructionCaptured holds the IR bits shifted out while loading.
	InstructionCaptured Bits
	// Captured holds TDO sampled before each shifting rising edge of the
	// data scan (of the IR scan for an instruction load).
	Captured Bits
	// LastOut is TDO after the final shift edge.
	LastOut bool
	Edges   []Edge

	ResetPulse        time.Duration
	ActiveInstruction Instruction
	MeasuredLength    int
	Fault             *FaultRecord
}

// Duration is the host time the transaction occupied.
func (t *Transaction) Duration() time.Duration {
	return t.EndTime - t.StartTime
}

// Clone returns a deep copy so a record can be mutated without touching the
// original.
func (t Transaction) Clone() Transaction {
	c := t
	c.Op.Data = t.Op.Data.Clone()
	c.Path = append([]tap.State(nil), t.Path...)
	c.InstructionCaptured = t.InstructionCaptured.Clone()
	c.Captured = t.Captured.Clone()
	c.Edges = append([]Edge(nil), t.Edges...)
	if t.Fault != nil {
		f := *t.Fault
		c.Fault = &f
	}
	return c
}

// SamePayload reports whether two transactions requested the same work and
// saw the same data. Timing is not compared.
func SamePayload(a, b *Transaction) bool {
	if a.Op.Kind != b.Op.Kind {
		return false
	}
	if a.Op.Kind.LoadsInstruction() {
		if a.Op.Instruction.Code != b.Op.Instruction.Code || a.Op.Instruction.Width != b.Op.Instruction.Width {
			return false
		}
	}
	switch a.Op.Kind {
	case KindReset:
		return a.Op.Reset.Hard == b.Op.Reset.Hard
	case KindComplianceProbe:
		return a.MeasuredLength == b.MeasuredLength
	}
	if !a.Op.DataBits().Equal(b.Op.DataBits()) {
		return false
	}
	return a.Captured.Equal(b.Captured)
}
