// Package compliance checks completed transactions against a 1149.x profile:
// instruction set, register widths and TAP transitions.
package compliance

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/jtagverify/pkg/bsdl"
	"github.com/OpenTraceLab/jtagverify/pkg/idcode"
	"github.com/OpenTraceLab/jtagverify/pkg/tap"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// ViolationKind classifies a finding.
type ViolationKind uint8

const (
	ViolationInstructionWidth ViolationKind = iota + 1
	ViolationUnsupportedInstruction
	ViolationDataWidth
	ViolationIllegalTransition
	ViolationStandard
	ViolationIDCode
	ViolationResetCycles
)

var violationNames = map[ViolationKind]string{
	ViolationInstructionWidth:       "instruction-width",
	ViolationUnsupportedInstruction: "unsupported-instruction",
	ViolationDataWidth:              "data-width",
	ViolationIllegalTransition:      "illegal-transition",
	ViolationStandard:               "standard",
	ViolationIDCode:                 "idcode",
	ViolationResetCycles:            "reset-cycles",
}

func (k ViolationKind) String() string {
	if name, ok := violationNames[k]; ok {
		return name
	}
	return fmt.Sprintf("violation(%d)", uint8(k))
}

// Violation is one broken rule.
type Violation struct {
	Kind    ViolationKind `json:"kind" msgpack:"kind"`
	Message string        `json:"message" msgpack:"message"`
}

func (v Violation) String() string {
	return v.Kind.String() + ": " + v.Message
}

// Result is the verdict on one transaction. Violation holds the first
// finding; Violations all of them in rule order.
type Result struct {
	Compliant      bool
	ViolationCount int
	Violation      Violation
	Violations     []Violation
	// Manufacturer is the JEP106 vendor of an IDCODE read, if any.
	Manufacturer string
}

func (r *Result) add(kind ViolationKind, format string, args ...any) {
	v := Violation{Kind: kind, Message: fmt.Sprintf(format, args...)}
	if len(r.Violations) == 0 {
		r.Violation = v
	}
	r.Violations = append(r.Violations, v)
}

// Config is the profile a Checker enforces.
type Config struct {
	Standard Standard
	Strict   bool

	// MaxInstructionWidth bounds every IR load. InstructionWidth, when set,
	// is the exact IR length of the device.
	MaxInstructionWidth int
	InstructionWidth    int
	BoundaryLength      int

	PinCount   int
	ReducedPin bool

	// Registered maps optional and custom instruction names to opcodes.
	Registered map[string]uint64

	// MinResetCycles is the shortest legal soft reset. 5.
	MinResetCycles int
}

// RegisterDevice adds the opcodes and register lengths a BSDL description
// declares.
func (c *Config) RegisterDevice(dev *bsdl.Device) {
	if c.Registered == nil {
		c.Registered = make(map[string]uint64, len(dev.Instructions))
	}
	for name, code := range dev.Instructions {
		c.Registered[name] = code
	}
	if c.InstructionWidth == 0 {
		c.InstructionWidth = dev.IRLength
	}
	if c.BoundaryLength == 0 {
		c.BoundaryLength = dev.BoundaryLength
	}
}

// Stats is a snapshot of the checker counters.
type Stats struct {
	Checked      uint64
	Compliant    uint64
	NonCompliant uint64
	ByKind       map[ViolationKind]uint64
}

// Checker applies the rules. Check is a pure function of its inputs and the
// configuration; only the counters are shared state.
type Checker struct {
	cfg        Config
	registered map[string]uint64
	byCode     map[uint64]string
	log        *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// New builds a checker. A nil logger discards output.
func New(cfg Config, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Standard == "" {
		cfg.Standard = Std1149_1
	}
	if cfg.MaxInstructionWidth <= 0 {
		cfg.MaxInstructionWidth = 64
	}
	if cfg.MinResetCycles <= 0 {
		cfg.MinResetCycles = 5
	}
	c := &Checker{
		cfg:        cfg,
		registered: make(map[string]uint64, len(cfg.Registered)),
		byCode:     make(map[uint64]string, len(cfg.Registered)),
		log:        log,
		stats:      Stats{ByKind: make(map[ViolationKind]uint64)},
	}
	for name, code := range cfg.Registered {
		name = strings.ToUpper(name)
		c.registered[name] = code
		if _, dup := c.byCode[code]; !dup || mandatory[name] {
			c.byCode[code] = name
		}
	}
	return c
}

// Config returns the profile in force.
func (c *Checker) Config() Config { return c.cfg }

// Check validates tx against the profile using path as the states taken.
// Every rule runs; the first finding is reported in Result.Violation.
func (c *Checker) Check(tx *txn.Transaction, path []tap.State) Result {
	var r Result
	op := tx.Op

	if op.Kind.LoadsInstruction() {
		c.checkInstruction(&r, op.Instruction)
	}
	c.checkDataWidth(&r, tx)
	c.checkPath(&r, path)
	c.checkStandard(&r)
	c.checkIDCode(&r, tx)
	if op.Kind == txn.KindReset && !op.Reset.Hard && op.Reset.Cycles < c.cfg.MinResetCycles {
		r.add(ViolationResetCycles, "soft reset of %d cycles, need %d", op.Reset.Cycles, c.cfg.MinResetCycles)
	}

	r.ViolationCount = len(r.Violations)
	r.Compliant = r.ViolationCount == 0
	c.record(&r)
	if !r.Compliant {
		c.log.Debug("compliance violation",
			zap.String("id", tx.ID.String()),
			zap.Stringer("kind", r.Violation.Kind),
			zap.String("message", r.Violation.Message),
			zap.Int("count", r.ViolationCount))
	}
	return r
}

func (c *Checker) checkInstruction(r *Result, ins txn.Instruction) {
	if ins.Width > c.cfg.MaxInstructionWidth {
		r.add(ViolationInstructionWidth, "instruction %s is %d bits, maximum %d", ins, ins.Width, c.cfg.MaxInstructionWidth)
	} else if c.cfg.InstructionWidth > 0 && ins.Width != c.cfg.InstructionWidth {
		r.add(ViolationInstructionWidth, "instruction %s is %d bits, IR is %d", ins, ins.Width, c.cfg.InstructionWidth)
	}

	if !c.cfg.Strict {
		return
	}
	name := c.resolve(ins)
	if label := strings.ToUpper(ins.Name); label != "" && label != name {
		if code, ok := c.registered[label]; ok {
			r.add(ViolationUnsupportedInstruction, "instruction %s driven as opcode 0x%X, registered as 0x%X", label, ins.Code, code)
			return
		}
	}
	switch {
	case name == "":
		r.add(ViolationUnsupportedInstruction, "unregistered opcode 0x%X", ins.Code)
	case mandatory[name]:
	default:
		if _, ok := c.registered[name]; !ok {
			r.add(ViolationUnsupportedInstruction, "instruction %s is neither mandatory nor registered", name)
		}
	}
}

func (c *Checker) checkDataWidth(r *Result, tx *txn.Transaction) {
	var (
		ins   txn.Instruction
		width int
	)
	switch {
	case tx.Op.Kind == txn.KindComplianceProbe:
		if tx.Status != txn.StatusSuccess {
			return
		}
		ins, width = tx.Op.Instruction, tx.MeasuredLength
	case tx.Op.Kind.ScansData() && tx.Op.Mode != txn.ScanCaptureOnly:
		ins, width = tx.ActiveInstruction, tx.Op.DataLength()
	default:
		return
	}

	name := c.resolve(ins)
	want := 0
	switch {
	case name == "BYPASS":
		want = 1
	case name == "IDCODE":
		want = 32
	case boundaryInstructions[name]:
		want = c.cfg.BoundaryLength
	}
	if want > 0 && width != want {
		r.add(ViolationDataWidth, "%s data register is %d bits, expected %d", name, width, want)
	}
}

func (c *Checker) checkPath(r *Result, path []tap.State) {
	for i := 1; i < len(path); i++ {
		if _, ok := tap.IsEdge(path[i-1], path[i]); !ok {
			r.add(ViolationIllegalTransition, "no transition %s -> %s at step %d", path[i-1], path[i], i)
		}
	}
}

func (c *Checker) checkStandard(r *Result) {
	switch c.cfg.Standard {
	case Std1149_7:
		if c.cfg.ReducedPin && c.cfg.PinCount > 2 {
			r.add(ViolationStandard, "reduced-pin operation uses %d pins, at most 2 allowed", c.cfg.PinCount)
		}
	case Std1149_4, Std1149_6:
		if !c.cfg.Strict {
			return
		}
		for _, name := range requiredByStandard[c.cfg.Standard] {
			if _, ok := c.registered[name]; !ok {
				r.add(ViolationStandard, "IEEE %s requires instruction %s", c.cfg.Standard, name)
			}
		}
	}
}

// checkIDCode decodes a 32-bit IDCODE read and enforces the marker bit.
func (c *Checker) checkIDCode(r *Result, tx *txn.Transaction) {
	var ins txn.Instruction
	switch {
	case tx.Op.Kind == txn.KindComplianceProbe:
		ins = tx.Op.Instruction
	case tx.Op.Kind.ScansData() && tx.Op.Mode != txn.ScanCaptureOnly:
		ins = tx.ActiveInstruction
	default:
		return
	}
	if c.resolve(ins) != "IDCODE" || len(tx.Captured) != 32 || tx.Status != txn.StatusSuccess {
		return
	}
	id := idcode.Decode(uint32(tx.Captured.Uint()))
	r.Manufacturer = id.Manufacturer()
	if err := id.Validate(); err != nil {
		r.add(ViolationIDCode, "IDCODE 0x%08X from %s: %v", id.Raw, r.Manufacturer, err)
	}
}

// resolve names an instruction by what the IR was loaded with. The opcode
// decides: a name registered under another code yields the opcode's name,
// or "" when the opcode is unregistered.
func (c *Checker) resolve(ins txn.Instruction) string {
	name := strings.ToUpper(ins.Name)
	if ins.Width == 0 {
		return name
	}
	code, known := c.registered[name]
	if known && code == ins.Code {
		return name
	}
	if byCode, ok := c.byCode[ins.Code]; ok {
		return byCode
	}
	if known {
		return ""
	}
	return name
}

func (c *Checker) record(r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Checked++
	if r.Compliant {
		c.stats.Compliant++
		return
	}
	c.stats.NonCompliant++
	for _, v := range r.Violations {
		c.stats.ByKind[v.Kind]++
	}
}

// Stats returns a copy of the counters.
func (c *Checker) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.ByKind = make(map[ViolationKind]uint64, len(c.stats.ByKind))
	for k, v := range c.stats.ByKind {
		s.ByKind[k] = v
	}
	return s
}
