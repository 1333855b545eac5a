package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/jtagverify/pkg/bsdl"
	"github.com/OpenTraceLab/jtagverify/pkg/tap"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

var idlePath = []tap.State{tap.StateRunTestIdle, tap.StateSelectDRScan, tap.StateCaptureDR, tap.StateShiftDR}

func dataScan(active txn.Instruction, width int) *txn.Transaction {
	return &txn.Transaction{
		Op:                txn.Op{Kind: txn.KindDataScan, Length: width},
		ActiveInstruction: active,
		Status:            txn.StatusSuccess,
		Captured:          make(txn.Bits, width),
	}
}

func TestBypassWidthMustBeOne(t *testing.T) {
	c := New(Config{}, nil)
	for _, w := range []int{2, 3, 8, 32} {
		r := c.Check(dataScan(txn.Instruction{Name: "BYPASS"}, w), idlePath)
		assert.False(t, r.Compliant, "width %d", w)
		assert.Equal(t, ViolationDataWidth, r.Violation.Kind)
	}
	r := c.Check(dataScan(txn.Instruction{Name: "BYPASS"}, 1), idlePath)
	assert.True(t, r.Compliant, r.Violations)
}

func TestStrictIDCodeIsSupported(t *testing.T) {
	c := New(Config{Strict: true}, nil)

	load := &txn.Transaction{
		Op:     txn.Op{Kind: txn.KindInstructionLoad, Instruction: txn.Instruction{Name: "IDCODE", Code: 0xE, Width: 4}},
		Status: txn.StatusSuccess,
	}
	r := c.Check(load, idlePath)
	for _, v := range r.Violations {
		assert.NotEqual(t, ViolationUnsupportedInstruction, v.Kind)
	}

	scan := dataScan(txn.Instruction{Name: "IDCODE"}, 32)
	scan.Captured = txn.FromUint(0x4BA00477, 32)
	r = c.Check(scan, idlePath)
	assert.True(t, r.Compliant, r.Violations)
	assert.Equal(t, "ARM Ltd", r.Manufacturer)
}

func TestStrictRejectsUnregistered(t *testing.T) {
	c := New(Config{Strict: true, Registered: map[string]uint64{"DBGACC": 0x8}}, nil)

	tx := &txn.Transaction{Op: txn.Op{Kind: txn.KindInstructionLoad, Instruction: txn.Instruction{Name: "HIGHZ", Code: 0x5, Width: 4}}}
	r := c.Check(tx, nil)
	require.False(t, r.Compliant)
	assert.Equal(t, ViolationUnsupportedInstruction, r.Violation.Kind)

	tx.Op.Instruction = txn.Instruction{Code: 0x8, Width: 4}
	assert.True(t, c.Check(tx, nil).Compliant, "resolved by opcode")

	tx.Op.Instruction = txn.Instruction{Code: 0x9, Width: 4}
	r = c.Check(tx, nil)
	assert.Equal(t, ViolationUnsupportedInstruction, r.Violation.Kind)

	lax := New(Config{}, nil)
	tx.Op.Instruction = txn.Instruction{Name: "HIGHZ", Code: 0x5, Width: 4}
	assert.True(t, lax.Check(tx, nil).Compliant)
}

func TestOpcodeDecidesOverName(t *testing.T) {
	reg := map[string]uint64{"EXTEST": 0x0, "SAMPLE/PRELOAD": 0x2, "IDCODE": 0xE, "BYPASS": 0xF}
	c := New(Config{Strict: true, Registered: reg}, nil)

	tx := &txn.Transaction{Op: txn.Op{Kind: txn.KindInstructionLoad, Instruction: txn.Instruction{Name: "IDCODE", Code: 0x5, Width: 4}}}
	r := c.Check(tx, nil)
	require.False(t, r.Compliant)
	assert.Equal(t, ViolationUnsupportedInstruction, r.Violation.Kind)
	assert.Contains(t, r.Violation.Message, "registered as 0xE")

	tx.Op.Instruction.Code = 0xE
	assert.True(t, c.Check(tx, nil).Compliant)

	// IDCODE by name, BYPASS on the wire: the scan is held to one bit.
	lax := New(Config{Registered: reg}, nil)
	scan := dataScan(txn.Instruction{Name: "IDCODE", Code: 0xF, Width: 4}, 32)
	scan.Captured = txn.FromUint(0x4BA00477, 32)
	r = lax.Check(scan, idlePath)
	require.False(t, r.Compliant)
	assert.Equal(t, ViolationDataWidth, r.Violation.Kind)
	assert.Contains(t, r.Violation.Message, "BYPASS")
	assert.Empty(t, r.Manufacturer)
}

func TestRulesRunInOrderAndAllCount(t *testing.T) {
	c := New(Config{Strict: true, MaxInstructionWidth: 4, BoundaryLength: 10}, nil)
	tx := &txn.Transaction{
		Op: txn.Op{
			Kind:        txn.KindBoundaryScan,
			Instruction: txn.Instruction{Name: "MYSTERY", Code: 0x15, Width: 5},
			Length:      3,
		},
		ActiveInstruction: txn.Instruction{Name: "SAMPLE/PRELOAD", Code: 2, Width: 4},
	}
	path := []tap.State{tap.StateRunTestIdle, tap.StateShiftDR, tap.StateExit1DR}

	r := c.Check(tx, path)
	require.Equal(t, 4, r.ViolationCount)
	assert.Equal(t, ViolationInstructionWidth, r.Violation.Kind)
	kinds := []ViolationKind{}
	for _, v := range r.Violations {
		kinds = append(kinds, v.Kind)
	}
	assert.Equal(t, []ViolationKind{
		ViolationInstructionWidth,
		ViolationUnsupportedInstruction,
		ViolationDataWidth,
		ViolationIllegalTransition,
	}, kinds)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.NonCompliant)
	assert.Equal(t, uint64(1), stats.ByKind[ViolationIllegalTransition])
}

func TestExactInstructionWidth(t *testing.T) {
	c := New(Config{InstructionWidth: 5}, nil)
	tx := &txn.Transaction{Op: txn.Op{Kind: txn.KindInstructionLoad, Instruction: txn.Instruction{Name: "BYPASS", Code: 0xF, Width: 4}}}
	r := c.Check(tx, nil)
	assert.Equal(t, ViolationInstructionWidth, r.Violation.Kind)
}

func TestIllegalTransitionsAreEachReported(t *testing.T) {
	c := New(Config{}, nil)
	path := []tap.State{tap.StateRunTestIdle, tap.StateShiftIR, tap.State(42), tap.StateRunTestIdle}
	r := c.Check(&txn.Transaction{Op: txn.Op{Kind: txn.KindReset, Reset: txn.ResetSpec{Cycles: 5}}}, path)
	assert.Equal(t, 3, r.ViolationCount)
	for _, v := range r.Violations {
		assert.Equal(t, ViolationIllegalTransition, v.Kind)
	}
}

func TestStandardSpecificRules(t *testing.T) {
	reset := &txn.Transaction{Op: txn.Op{Kind: txn.KindReset, Reset: txn.ResetSpec{Cycles: 5}}}

	r := New(Config{Standard: Std1149_7, ReducedPin: true, PinCount: 4}, nil).Check(reset, nil)
	assert.Equal(t, ViolationStandard, r.Violation.Kind)
	assert.True(t, New(Config{Standard: Std1149_7, ReducedPin: true, PinCount: 2}, nil).Check(reset, nil).Compliant)
	assert.True(t, New(Config{Standard: Std1149_1, ReducedPin: true, PinCount: 4}, nil).Check(reset, nil).Compliant)

	r = New(Config{Standard: Std1149_6, Strict: true, Registered: map[string]uint64{"EXTEST_PULSE": 9}}, nil).Check(reset, nil)
	require.Equal(t, 1, r.ViolationCount)
	assert.Contains(t, r.Violation.Message, "EXTEST_TRAIN")
	assert.True(t, New(Config{Standard: Std1149_6}, nil).Check(reset, nil).Compliant)

	r = New(Config{Standard: Std1149_4, Strict: true}, nil).Check(reset, nil)
	assert.Contains(t, r.Violation.Message, "PROBE")
}

func TestIDCodeMarker(t *testing.T) {
	c := New(Config{}, nil)
	scan := dataScan(txn.Instruction{Name: "IDCODE"}, 32)
	scan.Captured = txn.FromUint(0x4BA00476, 32)
	r := c.Check(scan, nil)
	require.False(t, r.Compliant)
	assert.Equal(t, ViolationIDCode, r.Violation.Kind)

	probe := &txn.Transaction{
		Op:             txn.Op{Kind: txn.KindComplianceProbe, Instruction: txn.Instruction{Name: "IDCODE", Code: 0xE, Width: 4}},
		Status:         txn.StatusSuccess,
		MeasuredLength: 32,
		Captured:       txn.FromUint(0x06422041, 32),
	}
	r = c.Check(probe, nil)
	assert.True(t, r.Compliant, r.Violations)
	assert.Equal(t, "STMicroelectronics", r.Manufacturer)

	probe.MeasuredLength = 1
	assert.Equal(t, ViolationDataWidth, c.Check(probe, nil).Violation.Kind)
}

func TestShortSoftReset(t *testing.T) {
	c := New(Config{}, nil)
	r := c.Check(&txn.Transaction{Op: txn.Op{Kind: txn.KindReset, Reset: txn.ResetSpec{Cycles: 2}}}, nil)
	assert.Equal(t, ViolationResetCycles, r.Violation.Kind)

	r = c.Check(&txn.Transaction{Op: txn.Op{Kind: txn.KindReset, Reset: txn.ResetSpec{Hard: true}}}, nil)
	assert.True(t, r.Compliant)
}

func TestRegisterDevice(t *testing.T) {
	dev, err := bsdl.LoadDevice("../bsdl/testdata/demo_mcu.bsd")
	require.NoError(t, err)

	var cfg Config
	cfg.Strict = true
	cfg.RegisterDevice(dev)
	assert.Equal(t, 5, cfg.InstructionWidth)
	assert.Equal(t, 6, cfg.BoundaryLength)

	c := New(cfg, nil)
	tx := &txn.Transaction{Op: txn.Op{Kind: txn.KindInstructionLoad, Instruction: txn.Instruction{Code: 0x08, Width: 5}}}
	assert.True(t, c.Check(tx, nil).Compliant)

	tx.Op.Instruction.Code = 0x1F
	assert.True(t, c.Check(tx, nil).Compliant)
}

func TestParseStandard(t *testing.T) {
	for in, want := range map[string]Standard{
		"":            Std1149_1,
		"IEEE 1149.7": Std1149_7,
		"ieee1149.6":  Std1149_6,
		"custom":      StdCustom,
	} {
		got, err := ParseStandard(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseStandard("1149.9")
	assert.Error(t, err)
}
