package inject

import (
	"fmt"

	"github.com/OpenTraceLab/jtagverify/pkg/tap"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// mutator corrupts op for one fault kind and describes what it did, or
// returns nil when the kind does not apply. Kind, id and time are filled by
// the caller.
type mutator func(inj *Injector, op *txn.Op) *txn.FaultRecord

var mutators = map[txn.FaultKind]mutator{
	txn.FaultBitFlip:               (*Injector).flipBit,
	txn.FaultStuckAt0:              (*Injector).stuckAt0,
	txn.FaultStuckAt1:              (*Injector).stuckAt1,
	txn.FaultTimingViolation:       (*Injector).skewTiming,
	txn.FaultProtocolViolation:     (*Injector).breakProtocol,
	txn.FaultInstructionCorruption: (*Injector).poisonInstruction,
	txn.FaultDataCorruption:        (*Injector).poisonData,
	txn.FaultStateMachineError:     (*Injector).substituteState,
	txn.FaultClockGlitch:           (*Injector).glitchClock,
	txn.FaultResetAnomaly:          (*Injector).weakenReset,
}

// Applies reports whether kind can corrupt op.
func Applies(kind txn.FaultKind, op *txn.Op) bool {
	data := hasData(op)
	switch kind {
	case txn.FaultBitFlip, txn.FaultStuckAt0, txn.FaultStuckAt1:
		return data || op.Kind.LoadsInstruction()
	case txn.FaultProtocolViolation:
		return data || op.Kind.LoadsInstruction()
	case txn.FaultInstructionCorruption:
		return op.Kind.LoadsInstruction()
	case txn.FaultDataCorruption:
		return data
	case txn.FaultTimingViolation, txn.FaultStateMachineError, txn.FaultClockGlitch:
		return true
	case txn.FaultResetAnomaly:
		return op.Kind == txn.KindReset
	}
	return false
}

// hasData reports whether op shifts caller data through a DR.
func hasData(op *txn.Op) bool {
	return op.Kind.ScansData() && op.Mode != txn.ScanCaptureOnly && op.DataLength() > 0
}

func (inj *Injector) flipBit(op *txn.Op) *txn.FaultRecord {
	switch {
	case hasData(op) && (!op.Kind.LoadsInstruction() || inj.rng.IntN(2) == 0):
		op.Data = op.DataBits()
		bit := inj.rng.IntN(len(op.Data))
		op.Data[bit] = !op.Data[bit]
		return &txn.FaultRecord{Target: txn.TargetData, Bit: bit, Detail: fmt.Sprintf("data bit %d flipped", bit)}
	case op.Kind.LoadsInstruction() && op.Instruction.Width > 0:
		bit := inj.rng.IntN(op.Instruction.Width)
		op.Instruction.Code ^= 1 << uint(bit)
		op.Instruction.Name = ""
		return &txn.FaultRecord{Target: txn.TargetInstruction, Bit: bit, Detail: fmt.Sprintf("instruction bit %d flipped", bit)}
	}
	return nil
}

func (inj *Injector) stuckAt0(op *txn.Op) *txn.FaultRecord { return inj.stuck(op, false) }
func (inj *Injector) stuckAt1(op *txn.Op) *txn.FaultRecord { return inj.stuck(op, true) }

// stuck clamps the captured bits of the scan from a random bit onward. The
// op itself is unchanged; the engine clamps TDO of the targeted register as
// it samples.
func (inj *Injector) stuck(op *txn.Op, value bool) *txn.FaultRecord {
	rec := &txn.FaultRecord{StuckValue: value}
	switch {
	case hasData(op):
		rec.Target = txn.TargetData
		rec.Bit = inj.rng.IntN(op.DataLength())
	case op.Kind.LoadsInstruction() && op.Instruction.Width > 0:
		rec.Target = txn.TargetInstruction
		rec.Bit = inj.rng.IntN(op.Instruction.Width)
	default:
		return nil
	}
	v := 0
	if value {
		v = 1
	}
	rec.Detail = fmt.Sprintf("%s stuck at %d from bit %d", rec.Target, v, rec.Bit)
	return rec
}

var timingParams = []txn.TimingParam{
	txn.ParamSetup,
	txn.ParamHold,
	txn.ParamPropagation,
	txn.ParamClockToOutput,
}

func (inj *Injector) skewTiming(op *txn.Op) *txn.FaultRecord {
	p := timingParams[inj.rng.IntN(len(timingParams))]
	return &txn.FaultRecord{
		Target: txn.TargetTiming,
		Timing: p,
		Delta:  inj.cfg.TimingDelta,
		Detail: fmt.Sprintf("%s skewed by %s", p, inj.cfg.TimingDelta),
	}
}

func (inj *Injector) glitchClock(op *txn.Op) *txn.FaultRecord {
	return &txn.FaultRecord{
		Target: txn.TargetTiming,
		Delta:  inj.cfg.TimingDelta,
		Detail: fmt.Sprintf("one period shortened by %s", inj.cfg.TimingDelta),
	}
}

// breakProtocol makes the op one bit wider than the register it targets.
func (inj *Injector) breakProtocol(op *txn.Op) *txn.FaultRecord {
	switch {
	case op.Kind.LoadsInstruction():
		op.Instruction.Width++
		return &txn.FaultRecord{
			Target: txn.TargetInstruction,
			Detail: fmt.Sprintf("instruction widened to %d bits", op.Instruction.Width),
		}
	case hasData(op):
		op.Length = op.DataLength() + 1
		return &txn.FaultRecord{
			Target: txn.TargetData,
			Detail: fmt.Sprintf("data widened to %d bits", op.Length),
		}
	}
	return nil
}

func (inj *Injector) poisonInstruction(op *txn.Op) *txn.FaultRecord {
	if !op.Kind.LoadsInstruction() || op.Instruction.Width <= 0 {
		return nil
	}
	mask := ^uint64(0)
	if op.Instruction.Width < 64 {
		mask = 1<<uint(op.Instruction.Width) - 1
	}
	op.Instruction.Code = inj.cfg.Poison & mask
	op.Instruction.Name = ""
	return &txn.FaultRecord{
		Target: txn.TargetInstruction,
		Detail: fmt.Sprintf("instruction replaced by 0x%X", op.Instruction.Code),
	}
}

func (inj *Injector) poisonData(op *txn.Op) *txn.FaultRecord {
	if !hasData(op) {
		return nil
	}
	n := op.DataLength()
	op.Data = make(txn.Bits, n)
	for i := range op.Data {
		op.Data[i] = inj.cfg.Poison>>uint(i%64)&1 == 1
	}
	return &txn.FaultRecord{
		Target: txn.TargetData,
		Detail: fmt.Sprintf("%d data bits replaced by poison", n),
	}
}

func (inj *Injector) substituteState(op *txn.Op) *txn.FaultRecord {
	s := tap.State(tap.NumStates + inj.rng.IntN(256-tap.NumStates))
	return &txn.FaultRecord{
		Target: txn.TargetState,
		State:  s,
		Detail: fmt.Sprintf("path state replaced by %s", s),
	}
}

// weakenReset shortens a hard reset pulse to a quarter or a soft reset to
// two cycles.
func (inj *Injector) weakenReset(op *txn.Op) *txn.FaultRecord {
	if op.Kind != txn.KindReset {
		return nil
	}
	if op.Reset.Hard {
		op.Reset.Pulse /= 4
		return &txn.FaultRecord{Target: txn.TargetReset, Detail: fmt.Sprintf("reset pulse cut to %s", op.Reset.Pulse)}
	}
	op.Reset.Cycles = 2
	return &txn.FaultRecord{Target: txn.TargetReset, Detail: "soft reset cut to 2 cycles"}
}
