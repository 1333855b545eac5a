package engine

import (
	"fmt"
	"time"

	"github.com/OpenTraceLab/jtagverify/pkg/tap"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// driver moves one op kind across the wire. It returns the first line or
// cancellation error; everything it observes goes into b.tx.
type driver func(e *Engine, b *bus, op txn.Op) error

var drivers = map[txn.Kind]driver{
	txn.KindInstructionLoad: (*Engine).driveInstructionLoad,
	txn.KindDataScan:        (*Engine).driveDataScan,
	txn.KindReset:           (*Engine).driveReset,
	txn.KindDebugAccess:     (*Engine).driveInstructionThenData,
	txn.KindBoundaryScan:    (*Engine).driveInstructionThenData,
	txn.KindComplianceProbe: (*Engine).driveProbe,
}

func (e *Engine) driveInstructionLoad(b *bus, op txn.Op) error {
	err := e.loadInstruction(b, op.Instruction)
	b.tx.Captured = b.tx.InstructionCaptured.Clone()
	return err
}

func (e *Engine) driveDataScan(b *bus, op txn.Op) error {
	return e.scanData(b, op)
}

func (e *Engine) driveInstructionThenData(b *bus, op txn.Op) error {
	if err := e.loadInstruction(b, op.Instruction); err != nil {
		return err
	}
	return e.scanData(b, op)
}

func (e *Engine) driveReset(b *bus, op txn.Op) error {
	defer func() { e.active = e.cfg.ResetInstruction }()
	if op.Reset.Hard {
		return e.hardReset(b, op.Reset.Pulse)
	}
	for i := 0; i < op.Reset.Cycles; i++ {
		if err := b.clock(true, false); err != nil {
			return err
		}
	}
	if b.sm.State() != tap.StateTestLogicReset {
		// Too few cycles: the recorded path shows the forced jump.
		b.sm.Resync(tap.StateTestLogicReset)
		b.tx.Path = append(b.tx.Path, tap.StateTestLogicReset)
	}
	return nil
}

// hardReset holds TRST for at least pulse, clocking with TMS high so the
// controller stays in Test-Logic-Reset once released.
func (e *Engine) hardReset(b *bus, pulse time.Duration) error {
	b.sm.Resync(tap.StateTestLogicReset)
	b.lines.AssertReset()
	start := b.lines.Now()
	var err error
	for b.lines.Now()-start < pulse {
		if _, err = b.tick(true, false); err != nil {
			break
		}
	}
	b.lines.DeassertReset()
	b.tx.ResetPulse = b.lines.Now() - start
	b.tx.Path = []tap.State{tap.StateTestLogicReset}
	return err
}

func (e *Engine) loadInstruction(b *bus, ins txn.Instruction) error {
	if err := b.walk(tap.StateShiftIR); err != nil {
		return err
	}
	out, err := b.shift(txn.FromUint(ins.Code, ins.Width), true)
	b.tx.InstructionCaptured = out
	if err != nil {
		return err
	}
	b.tx.LastOut = b.lines.DataOut()
	if err := b.walk(tap.StateUpdateIR); err != nil {
		return err
	}
	e.active = ins
	b.tx.ActiveInstruction = ins
	return b.walk(tap.StateRunTestIdle)
}

func (e *Engine) scanData(b *bus, op txn.Op) error {
	b.tx.ActiveInstruction = e.active
	if op.Mode == txn.ScanCaptureOnly {
		if err := b.walk(tap.StateCaptureDR); err != nil {
			return err
		}
		if err := b.walk(tap.StateUpdateDR); err != nil {
			return err
		}
		return b.walk(tap.StateRunTestIdle)
	}

	if err := b.walk(tap.StateShiftDR); err != nil {
		return err
	}
	out, err := b.scan(op.DataBits(), op.PauseAfter, op.PauseDwell)
	b.tx.Captured = out
	if err != nil {
		return err
	}
	b.tx.LastOut = b.lines.DataOut()

	if op.Mode == txn.ScanShiftOnly {
		return b.walk(tap.StatePauseDR)
	}
	if err := b.walk(tap.StateUpdateDR); err != nil {
		return err
	}
	return b.walk(tap.StateRunTestIdle)
}

// driveProbe measures the DR length selected by op.Instruction: flush the
// register with zeros, feed a single one and count clocks until it reaches
// TDO. The flushed-out head is the register's captured value.
func (e *Engine) driveProbe(b *bus, op txn.Op) error {
	if err := e.loadInstruction(b, op.Instruction); err != nil {
		return err
	}
	if err := b.walk(tap.StateShiftDR); err != nil {
		return err
	}
	limit := e.cfg.MaxDataWidth
	flushed, err := b.shift(make(txn.Bits, limit), false)
	if err != nil {
		return err
	}
	if err := b.clock(false, true); err != nil {
		return err
	}

	n := 1
	for !b.lines.DataOut() {
		if n >= limit {
			if err := b.walk(tap.StateRunTestIdle); err != nil {
				return err
			}
			return fmt.Errorf("register longer than %d bits", limit)
		}
		if err := b.clock(false, false); err != nil {
			return err
		}
		n++
	}
	if err := b.clock(true, false); err != nil {
		return err
	}
	b.tx.MeasuredLength = n
	b.tx.Captured = flushed[:n]
	b.tx.LastOut = true

	if err := b.walk(tap.StateUpdateDR); err != nil {
		return err
	}
	return b.walk(tap.StateRunTestIdle)
}
