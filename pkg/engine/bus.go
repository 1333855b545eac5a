package engine

import (
	"context"

	"github.com/OpenTraceLab/jtagverify/pkg/jtag"
	"github.com/OpenTraceLab/jtagverify/pkg/tap"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// bus pairs the lines with the local state machine and records every clock
// into the transaction in flight.
type bus struct {
	ctx   context.Context
	lines jtag.Lines
	sm    *tap.StateMachine
	tx    *txn.Transaction

	// ignoreCtx lets recovery clocks run after cancellation.
	ignoreCtx bool

	// irBits and drBits count the bits sampled from each register, so a
	// paused scan keeps its bit positions.
	irBits, drBits int
}

// tick drives one TCK cycle without moving the local state machine.
func (b *bus) tick(tms, tdi bool) (txn.Edge, error) {
	if !b.ignoreCtx {
		if err := b.ctx.Err(); err != nil {
			return txn.Edge{}, err
		}
	}
	state := b.sm.State()
	edge := txn.Edge{State: state, TMS: tms, TDI: tdi, Shift: state.IsShift()}
	b.lines.SetModeSelect(tms)
	edge.ModeSet = b.lines.Now()
	b.lines.SetDataIn(tdi)
	edge.DataSet = b.lines.Now()

	ce := b.lines.AdvanceClock()
	edge.Rising = ce.Rising
	edge.Falling = ce.Falling
	edge.OutValid = ce.OutValid
	b.tx.Edges = append(b.tx.Edges, edge)
	return edge, nil
}

// clock drives one cycle and follows it in the local state machine.
func (b *bus) clock(tms, tdi bool) error {
	if _, err := b.tick(tms, tdi); err != nil {
		return err
	}
	b.tx.Path = append(b.tx.Path, b.sm.Clock(tms))
	return nil
}

// walk follows the shortest route to target. Routes never start in a shift
// state during normal driving, so TDI is a don't-care.
func (b *bus) walk(target tap.State, opts ...tap.RouteOption) error {
	seq, err := tap.Route(b.sm.State(), target, opts...)
	if err != nil {
		return err
	}
	for _, tms := range seq.TMS {
		if err := b.clock(tms, false); err != nil {
			return err
		}
	}
	return nil
}

// shift clocks bits through the selected register, sampling TDO before each
// edge. With exit set the last bit leaves the shift state.
func (b *bus) shift(bits txn.Bits, exit bool) (txn.Bits, error) {
	target, sampled := txn.TargetData, &b.drBits
	if b.sm.State().IsIR() {
		target, sampled = txn.TargetInstruction, &b.irBits
	}
	out := make(txn.Bits, 0, len(bits))
	for i, bit := range bits {
		out = append(out, b.sample(target, *sampled))
		*sampled++
		if err := b.clock(exit && i == len(bits)-1, bit); err != nil {
			return out, err
		}
	}
	return out, nil
}

// sample reads TDO as bit i of the target register, held at the stuck value
// when the transaction's fault clamps that bit.
func (b *bus) sample(target txn.FaultTarget, i int) bool {
	v := b.lines.DataOut()
	if f := b.tx.Fault; f != nil && f.Target == target {
		if held, stuck := f.Clamps(i); held {
			return stuck
		}
	}
	return v
}

// scan shifts bits from Shift-xR, parking in Pause-xR for dwell clocks after
// pauseAfter bits when pauseAfter is positive. It leaves the controller in
// Exit1-xR.
func (b *bus) scan(bits txn.Bits, pauseAfter, dwell int) (txn.Bits, error) {
	if pauseAfter <= 0 || pauseAfter >= len(bits) {
		return b.shift(bits, true)
	}
	shiftState := b.sm.State()
	head, err := b.shift(bits[:pauseAfter], true)
	if err != nil {
		return head, err
	}
	if err := b.walk(shiftState, tap.WithPause(dwell)); err != nil {
		return head, err
	}
	tail, err := b.shift(bits[pauseAfter:], true)
	return append(head, tail...), err
}
