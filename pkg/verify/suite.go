package verify

import (
	"context"

	"github.com/OpenTraceLab/jtagverify/pkg/engine"
	"github.com/OpenTraceLab/jtagverify/pkg/jtag"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// instruction looks up a registered instruction by name.
func (b *Bench) instruction(name string) (txn.Instruction, bool) {
	code, ok := b.instructions[name]
	if !ok || b.irWidth <= 0 {
		return txn.Instruction{}, false
	}
	return txn.Instruction{Name: name, Code: code, Width: b.irWidth}, true
}

func (b *Bench) scenario(name string, ops ...txn.Op) engine.Scenario {
	return engine.Scenario{
		Name: name,
		Run: func(ctx context.Context, _ *engine.Engine) error {
			_, err := b.Run(ctx, ops...)
			return err
		},
	}
}

// Suite returns the standard scenarios for the target: resets, IDCODE and
// BYPASS reads, register length probes, a paused scan, and boundary and
// debug access when the profile names those instructions. Every scenario
// starts from a soft reset.
func (b *Bench) Suite() []engine.Scenario {
	reset := txn.Op{Kind: txn.KindReset}
	out := []engine.Scenario{
		b.scenario("reset",
			txn.Op{Kind: txn.KindReset, Reset: txn.ResetSpec{Hard: true}},
			reset),
		b.scenario("capture-only",
			reset,
			txn.Op{Kind: txn.KindDataScan, Mode: txn.ScanCaptureOnly}),
	}

	if id, ok := b.instruction(jtag.InstrIDCode); ok {
		out = append(out,
			b.scenario("idcode", reset, txn.Op{Kind: txn.KindDataScan, Length: 32}),
			b.scenario("idcode-paused", reset, txn.Op{Kind: txn.KindDataScan, Length: 32, PauseAfter: 16, PauseDwell: 2}),
			b.scenario("idcode-probe", reset, txn.Op{Kind: txn.KindComplianceProbe, Instruction: id}),
		)
	}
	if bypass, ok := b.instruction(jtag.InstrBypass); ok {
		out = append(out,
			b.scenario("bypass", reset,
				txn.Op{Kind: txn.KindInstructionLoad, Instruction: bypass},
				txn.Op{Kind: txn.KindDataScan, Data: txn.Bits{true}}),
			b.scenario("bypass-probe", reset, txn.Op{Kind: txn.KindComplianceProbe, Instruction: bypass}),
		)
	}

	cfg := b.engine.Config()
	if cfg.BoundaryInstruction.Width > 0 && cfg.BoundaryLength > 0 {
		out = append(out, b.scenario("boundary", reset, txn.Op{Kind: txn.KindBoundaryScan}))
	}
	if dbg := cfg.DebugInstruction; dbg.Width > 0 {
		if n := b.profile.Target.UserRegisters[dbg.Name]; n > 0 {
			out = append(out, b.scenario("debug", reset, txn.Op{Kind: txn.KindDebugAccess, Length: n}))
		}
	}
	return out
}
