package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/jtagverify/pkg/jtag"
	"github.com/OpenTraceLab/jtagverify/pkg/tap"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

const testIDCode = 0x4BA00477

var (
	irBypass = txn.Instruction{Name: "BYPASS", Code: 0xF, Width: 4}
	irIDCode = txn.Instruction{Name: "IDCODE", Code: 0xE, Width: 4}
	irSample = txn.Instruction{Name: "SAMPLE/PRELOAD", Code: 0x2, Width: 4}
)

func newTestEngine(t *testing.T, sc jtag.SimConfig, cfg Config, opts ...Option) (*Engine, *jtag.SimTarget) {
	t.Helper()
	if sc.IRLength == 0 {
		sc.IRLength = 4
	}
	sim, err := jtag.NewSimTarget(sc)
	require.NoError(t, err)
	return New(sim, cfg, opts...), sim
}

func execute(t *testing.T, e *Engine, op txn.Op) txn.Transaction {
	t.Helper()
	tx, err := e.Execute(context.Background(), op)
	require.NoError(t, err)
	return tx
}

func TestExecuteRejectsUnknownKind(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{}, Config{})
	_, err := e.Execute(context.Background(), txn.Op{Kind: txn.Kind(99)})
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	_, err = e.Execute(context.Background(), txn.Op{})
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}

func TestIDCodeReadHasMarker(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{IDCode: testIDCode}, Config{})

	tx := execute(t, e, txn.Op{Kind: txn.KindDataScan, Length: 32})
	require.Equal(t, txn.StatusSuccess, tx.Status, tx.Err)
	assert.Equal(t, uint64(testIDCode), tx.Captured.Uint())
	assert.True(t, tx.Captured[0], "IDCODE LSB must be 1")
	assert.Equal(t, "IDCODE", tx.ActiveInstruction.Name)
	assert.Equal(t, tap.StateRunTestIdle, tx.EndState)
}

func TestBypassPassThrough(t *testing.T) {
	e, sim := newTestEngine(t, jtag.SimConfig{IDCode: testIDCode}, Config{})

	load := execute(t, e, txn.Op{Kind: txn.KindInstructionLoad, Instruction: irBypass})
	require.Equal(t, txn.StatusSuccess, load.Status, load.Err)
	assert.Equal(t, jtag.InstrBypass, sim.Instruction())
	assert.Equal(t, uint64(1), load.InstructionCaptured.Uint()&0x3, "Capture-IR pattern")

	tx := execute(t, e, txn.Op{Kind: txn.KindDataScan, Data: txn.Bits{true}})
	require.Equal(t, txn.StatusSuccess, tx.Status, tx.Err)
	assert.Equal(t, txn.Bits{false}, tx.Captured)
	assert.True(t, tx.LastOut)
}

func TestInstructionShiftRegisterIdentity(t *testing.T) {
	for w := 4; w <= 32; w++ {
		mask := uint64(1)<<uint(w) - 1
		first := uint64(0x5A3C96E1) & mask
		second := ^first & mask

		e, _ := newTestEngine(t, jtag.SimConfig{IRLength: w, CaptureIRFromUpdate: true}, Config{})
		tx1 := execute(t, e, txn.Op{Kind: txn.KindInstructionLoad, Instruction: txn.Instruction{Code: first, Width: w}})
		tx2 := execute(t, e, txn.Op{Kind: txn.KindInstructionLoad, Instruction: txn.Instruction{Code: second, Width: w}})

		require.Equal(t, txn.StatusSuccess, tx1.Status)
		require.Len(t, tx2.InstructionCaptured, w)
		assert.Equal(t, first, tx2.InstructionCaptured.Uint(), "width %d", w)
		assert.Equal(t, mask&^1, tx1.InstructionCaptured.Uint(), "width %d reset instruction", w)
	}
}

func TestResetTwiceEndsInReset(t *testing.T) {
	for _, hard := range []bool{false, true} {
		e, sim := newTestEngine(t, jtag.SimConfig{}, Config{ResetPulse: 300 * time.Nanosecond})
		execute(t, e, txn.Op{Kind: txn.KindDataScan, Length: 8})

		for i := 0; i < 2; i++ {
			tx := execute(t, e, txn.Op{Kind: txn.KindReset, Reset: txn.ResetSpec{Hard: hard}})
			require.Equal(t, txn.StatusSuccess, tx.Status)
			assert.Equal(t, tap.StateTestLogicReset, tx.EndState)
		}
		assert.Equal(t, tap.StateTestLogicReset, e.State())
		assert.Equal(t, tap.StateTestLogicReset, sim.State())
	}
}

func TestHardResetRecordsPulse(t *testing.T) {
	e, sim := newTestEngine(t, jtag.SimConfig{}, Config{})
	execute(t, e, txn.Op{Kind: txn.KindInstructionLoad, Instruction: irBypass})

	tx := execute(t, e, txn.Op{Kind: txn.KindReset, Reset: txn.ResetSpec{Hard: true, Pulse: 450 * time.Nanosecond}})
	assert.GreaterOrEqual(t, tx.ResetPulse, 450*time.Nanosecond)
	assert.Equal(t, []tap.State{tap.StateTestLogicReset}, tx.Path)
	assert.Equal(t, jtag.InstrIDCode, sim.Instruction())
	_, pulses := sim.Counters()
	assert.Equal(t, 1, pulses)
}

func TestSoftResetCyclesDefault(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{}, Config{ResetCycles: 6})
	tx := execute(t, e, txn.Op{Kind: txn.KindReset})
	assert.Equal(t, 6, tx.Op.Reset.Cycles)
	assert.Len(t, tx.Edges, 6)
}

func TestShortSoftResetShowsForcedJump(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{}, Config{})
	execute(t, e, txn.Op{Kind: txn.KindDataScan, Length: 4})

	tx := execute(t, e, txn.Op{Kind: txn.KindReset, Reset: txn.ResetSpec{Cycles: 1}})
	assert.Equal(t, tap.StateTestLogicReset, tx.EndState)
	assert.Equal(t, tap.StateTestLogicReset, tx.Path[len(tx.Path)-1])
	assert.NotEqual(t, -1, tap.ValidatePath(tx.Path))
}

func TestBoundaryScanUsesDefaults(t *testing.T) {
	e, sim := newTestEngine(t,
		jtag.SimConfig{BoundaryLength: 5},
		Config{BoundaryInstruction: irSample, BoundaryLength: 5})
	sim.SetBoundaryPins([]bool{true, true, false, true, false})

	data := txn.Bits{false, true, false, false, true}
	tx := execute(t, e, txn.Op{Kind: txn.KindBoundaryScan, Data: data})
	require.Equal(t, txn.StatusSuccess, tx.Status, tx.Err)
	assert.Equal(t, irSample, tx.ActiveInstruction)
	assert.Equal(t, txn.Bits{true, true, false, true, false}, tx.Captured)
	assert.Equal(t, []bool(data), sim.BoundaryLatch())
}

func TestDebugAccessLoadsConfiguredInstruction(t *testing.T) {
	dbg := txn.Instruction{Name: "DBG", Code: 0x8, Width: 4}
	instr := jtag.DefaultInstructions(4)
	instr["DBG"] = 0x8
	e, _ := newTestEngine(t,
		jtag.SimConfig{Instructions: instr, UserRegisters: map[string]int{"DBG": 12}},
		Config{DebugInstruction: dbg})

	write := txn.FromUint(0xABC, 12)
	execute(t, e, txn.Op{Kind: txn.KindDebugAccess, Data: write})
	tx := execute(t, e, txn.Op{Kind: txn.KindDebugAccess, Length: 12})
	assert.Equal(t, dbg, tx.Op.Instruction)
	assert.Equal(t, uint64(0xABC), tx.Captured.Uint())
}

func TestComplianceProbeMeasuresLengths(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{IDCode: testIDCode, BoundaryLength: 7}, Config{MaxDataWidth: 64})

	cases := []struct {
		ins  txn.Instruction
		want int
	}{
		{irBypass, 1},
		{irIDCode, 32},
		{irSample, 7},
	}
	for _, c := range cases {
		tx := execute(t, e, txn.Op{Kind: txn.KindComplianceProbe, Instruction: c.ins})
		require.Equal(t, txn.StatusSuccess, tx.Status, tx.Err)
		assert.Equal(t, c.want, tx.MeasuredLength, c.ins.Name)
		assert.Equal(t, tap.StateRunTestIdle, tx.EndState)
		if c.ins == irIDCode {
			assert.Equal(t, uint64(testIDCode), tx.Captured.Uint())
		}
	}
}

func TestComplianceProbeGivesUpAtLimit(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{BoundaryLength: 40}, Config{MaxDataWidth: 16})
	tx := execute(t, e, txn.Op{Kind: txn.KindComplianceProbe, Instruction: irSample})
	assert.Equal(t, txn.StatusError, tx.Status)
	assert.Zero(t, tx.MeasuredLength)
	assert.Equal(t, tap.StateRunTestIdle, tx.EndState)
}

func TestScanModes(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{IDCode: testIDCode}, Config{})

	capture := execute(t, e, txn.Op{Kind: txn.KindDataScan, Mode: txn.ScanCaptureOnly})
	require.Equal(t, txn.StatusSuccess, capture.Status, capture.Err)
	for _, edge := range capture.Edges {
		assert.False(t, edge.Shift)
	}
	assert.Contains(t, capture.Path, tap.StateUpdateDR)

	shift := execute(t, e, txn.Op{Kind: txn.KindDataScan, Length: 32, Mode: txn.ScanShiftOnly})
	require.Equal(t, txn.StatusSuccess, shift.Status, shift.Err)
	assert.Equal(t, tap.StatePauseDR, shift.EndState)
	assert.NotContains(t, shift.Path, tap.StateUpdateDR)
	assert.Equal(t, uint64(testIDCode), shift.Captured.Uint())
}

func TestPauseAfterKeepsData(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{IDCode: testIDCode}, Config{})
	tx := execute(t, e, txn.Op{Kind: txn.KindDataScan, Length: 32, PauseAfter: 10, PauseDwell: 3})
	require.Equal(t, txn.StatusSuccess, tx.Status, tx.Err)
	assert.Equal(t, uint64(testIDCode), tx.Captured.Uint())

	pauses := 0
	for _, s := range tx.Path {
		if s == tap.StatePauseDR {
			pauses++
		}
	}
	assert.Equal(t, 4, pauses)
	assert.Equal(t, -1, tap.ValidatePath(tx.Path))
}

func TestWidthAboveMaximumIsNotDriven(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{}, Config{MaxInstructionWidth: 8, MaxDataWidth: 16})

	tx := execute(t, e, txn.Op{Kind: txn.KindInstructionLoad, Instruction: txn.Instruction{Code: 1, Width: 9}})
	assert.Equal(t, txn.StatusError, tx.Status)
	assert.Empty(t, tx.Edges)

	tx = execute(t, e, txn.Op{Kind: txn.KindDataScan, Length: 17})
	assert.Equal(t, txn.StatusError, tx.Status)
	assert.Empty(t, tx.Edges)

	tx = execute(t, e, txn.Op{Kind: txn.KindDataScan})
	assert.Equal(t, txn.StatusError, tx.Status)
}

func TestPathsAndTimingMarks(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{Period: 100 * time.Nanosecond, DriveDelay: 2 * time.Nanosecond}, Config{})
	ops := []txn.Op{
		{Kind: txn.KindInstructionLoad, Instruction: irBypass},
		{Kind: txn.KindDataScan, Data: txn.Bits{true, false}},
		{Kind: txn.KindReset},
	}
	for _, op := range ops {
		tx := execute(t, e, op)
		assert.Equal(t, -1, tap.ValidatePath(tx.Path), op.Kind.String())
		assert.Equal(t, tx.EndState, tx.Path[len(tx.Path)-1])
		assert.Len(t, tx.Path, len(tx.Edges)+1)
		for _, edge := range tx.Edges {
			assert.Less(t, edge.DataSet, edge.Rising)
			assert.Equal(t, 50*time.Nanosecond, edge.Falling-edge.Rising)
		}
		assert.Greater(t, tx.EndTime, tx.StartTime)
	}
}

type cancelAfter struct {
	*jtag.SimTarget
	clocks int
	cancel context.CancelFunc
}

func (c *cancelAfter) AdvanceClock() jtag.ClockEdge {
	c.clocks--
	if c.clocks == 0 {
		c.cancel()
	}
	return c.SimTarget.AdvanceClock()
}

func TestCancellationReturnsToIdle(t *testing.T) {
	sim, err := jtag.NewSimTarget(jtag.SimConfig{IRLength: 4})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(&cancelAfter{SimTarget: sim, clocks: 10, cancel: cancel}, Config{})

	tx, err := e.Execute(ctx, txn.Op{Kind: txn.KindDataScan, Length: 32})
	require.NoError(t, err)
	assert.Equal(t, txn.StatusTimeout, tx.Status)
	assert.Equal(t, tap.StateRunTestIdle, tx.EndState)
	assert.Equal(t, tap.StateRunTestIdle, sim.State())
	assert.Less(t, len(tx.Captured), 32)
}

func TestCancelledContextTimesOut(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx, err := e.Execute(ctx, txn.Op{Kind: txn.KindDataScan, Length: 8})
	require.NoError(t, err)
	assert.Equal(t, txn.StatusTimeout, tx.Status)
}

type latchedLines struct {
	*jtag.SimTarget
}

func (latchedLines) Err() error { return errors.New("usb: pipe stalled") }

func TestLatchedLineErrorFailsTransaction(t *testing.T) {
	sim, err := jtag.NewSimTarget(jtag.SimConfig{IRLength: 4})
	require.NoError(t, err)
	e := New(latchedLines{sim}, Config{})

	tx := execute(t, e, txn.Op{Kind: txn.KindReset})
	assert.Equal(t, txn.StatusError, tx.Status)
	assert.Contains(t, tx.Err, "pipe stalled")
}

func TestObserversSeeCompletionOrder(t *testing.T) {
	var seen []uuid.UUID
	e, _ := newTestEngine(t, jtag.SimConfig{}, Config{},
		WithObserver(ObserverFunc(func(tx *txn.Transaction) { seen = append(seen, tx.ID) })))
	var second int
	e.Subscribe(ObserverFunc(func(*txn.Transaction) { second++ }))

	var want []uuid.UUID
	for i := 0; i < 3; i++ {
		tx := execute(t, e, txn.Op{Kind: txn.KindReset})
		want = append(want, tx.ID)
	}
	assert.Equal(t, want, seen)
	assert.Equal(t, 3, second)
}

type stuckInjector struct{}

func (stuckInjector) MaybeInject(op *txn.Op, id uuid.UUID) *txn.FaultRecord {
	if op.Kind != txn.KindDataScan {
		return nil
	}
	return &txn.FaultRecord{Kind: txn.FaultStuckAt1, TransactionID: id, Target: txn.TargetData, Bit: 4, StuckValue: true}
}

func TestInjectorFaultIsHonoured(t *testing.T) {
	e, _ := newTestEngine(t, jtag.SimConfig{IDCode: testIDCode}, Config{}, WithInjector(stuckInjector{}))

	tx := execute(t, e, txn.Op{Kind: txn.KindDataScan, Length: 32})
	require.NotNil(t, tx.Fault)
	assert.Equal(t, tx.ID, tx.Fault.TransactionID)
	assert.Equal(t, uint64(0xFFFFFFF7), tx.Captured.Uint())
}

type recordInjector struct {
	kind txn.Kind
	rec  txn.FaultRecord
}

func (r recordInjector) MaybeInject(op *txn.Op, id uuid.UUID) *txn.FaultRecord {
	if op.Kind != r.kind {
		return nil
	}
	rec := r.rec
	rec.TransactionID = id
	return &rec
}

func TestStuckBitsCountAcrossPause(t *testing.T) {
	inj := recordInjector{kind: txn.KindDataScan, rec: txn.FaultRecord{
		Kind: txn.FaultStuckAt0, Target: txn.TargetData, Bit: 12,
	}}
	e, _ := newTestEngine(t, jtag.SimConfig{IDCode: testIDCode}, Config{}, WithInjector(inj))

	tx := execute(t, e, txn.Op{Kind: txn.KindDataScan, Length: 32, PauseAfter: 8, PauseDwell: 2})
	require.Equal(t, txn.StatusSuccess, tx.Status, tx.Err)
	assert.Contains(t, tx.Path, tap.StatePauseDR)
	assert.Equal(t, uint64(testIDCode&0xFFF), tx.Captured.Uint())
}

func TestStuckInstructionBitsLeaveDataAlone(t *testing.T) {
	inj := recordInjector{kind: txn.KindDebugAccess, rec: txn.FaultRecord{
		Kind: txn.FaultStuckAt1, Target: txn.TargetInstruction, Bit: 2, StuckValue: true,
	}}
	e, sim := newTestEngine(t, jtag.SimConfig{IDCode: testIDCode}, Config{}, WithInjector(inj))

	tx := execute(t, e, txn.Op{Kind: txn.KindDebugAccess, Instruction: irIDCode, Length: 32})
	require.Equal(t, txn.StatusSuccess, tx.Status, tx.Err)
	assert.Equal(t, jtag.InstrIDCode, sim.Instruction())
	assert.Equal(t, txn.Bits{true, false, true, true}, tx.InstructionCaptured)
	assert.Equal(t, uint64(testIDCode), tx.Captured.Uint())
}
