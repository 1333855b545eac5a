// Package verify assembles the engine, checkers, injector and scoreboard
// into one bench and runs scenarios on it.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/jtagverify/pkg/bsdl"
	"github.com/OpenTraceLab/jtagverify/pkg/compliance"
	"github.com/OpenTraceLab/jtagverify/pkg/config"
	"github.com/OpenTraceLab/jtagverify/pkg/engine"
	"github.com/OpenTraceLab/jtagverify/pkg/inject"
	"github.com/OpenTraceLab/jtagverify/pkg/jtag"
	"github.com/OpenTraceLab/jtagverify/pkg/report"
	"github.com/OpenTraceLab/jtagverify/pkg/scoreboard"
	"github.com/OpenTraceLab/jtagverify/pkg/timing"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// ErrSequenceFailed is returned by Run when a transaction did not succeed.
var ErrSequenceFailed = errors.New("verify: sequence failed")

// Options are the optional parts of a bench.
type Options struct {
	// Device is the loaded BSDL description, if the profile names one.
	Device *bsdl.Device
	// Reference is a fault-free model of the target. When set, every
	// sequence is replayed on it and its results are the scoreboard's
	// expected stream.
	Reference jtag.Lines
	// Encoder streams per-transaction records.
	Encoder report.Encoder
	Logger  *zap.Logger
}

// Bench owns one target and everything that judges it.
type Bench struct {
	profile *config.Profile
	lines   jtag.Lines
	log     *zap.Logger

	engine     *engine.Engine
	reference  *engine.Engine
	checker    *compliance.Checker
	timing     *timing.Validator
	scoreboard *scoreboard.Scoreboard
	injector   *inject.Injector
	collector  *report.Collector
	scheduler  *engine.Scheduler

	instructions map[string]uint64
	irWidth      int

	// seq is held while a sequence is on the wire, so the target and the
	// reference see the same op order.
	seq chan struct{}
}

// New builds a bench driving lines under profile p.
func New(p *config.Profile, lines jtag.Lines, opts Options) (*Bench, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ecfg, err := p.EngineConfig(opts.Device)
	if err != nil {
		return nil, err
	}
	ccfg, err := p.ComplianceConfig(opts.Device)
	if err != nil {
		return nil, err
	}
	icfg, err := p.InjectConfig()
	if err != nil {
		return nil, err
	}
	reg, err := p.Registered(opts.Device)
	if err != nil {
		return nil, err
	}

	b := &Bench{
		profile:      p,
		lines:        lines,
		log:          log,
		checker:      compliance.New(ccfg, log.Named("compliance")),
		timing:       timing.New(p.TimingConfig(), log.Named("timing")),
		scoreboard:   scoreboard.New(p.ScoreboardConfig(), log.Named("scoreboard")),
		collector:    report.NewCollector(opts.Encoder),
		instructions: reg,
		irWidth:      p.IRWidth(opts.Device),
		seq:          make(chan struct{}, 1),
	}

	engineOpts := []engine.Option{
		engine.WithLogger(log.Named("engine")),
		engine.WithObserver(b),
	}
	if icfg.Mode != inject.ModeOff {
		b.injector = inject.New(icfg, log.Named("inject"))
		engineOpts = append(engineOpts, engine.WithInjector(b.injector))
	}
	b.engine = engine.New(lines, ecfg, engineOpts...)
	if opts.Reference != nil {
		b.reference = engine.New(opts.Reference, ecfg, engine.WithLogger(log.Named("reference")))
	}
	b.scheduler = engine.NewScheduler(b.engine, p.Scheduler.MaxConcurrent, log.Named("scheduler"))
	return b, nil
}

// Observe runs every check on a completed transaction. The engine calls it
// once per transaction.
func (b *Bench) Observe(tx *txn.Transaction) {
	cr := b.checker.Check(tx, tx.Path)
	sample := b.timing.Derive(tx)
	ok, tv := b.timing.Validate(tx, sample)
	b.scoreboard.Observe(tx)

	rec := report.NewRecord(tx, cr, sample, ok, tv)
	b.collector.Add(&rec)
}

// Run drives ops in order as one uninterrupted sequence and, with a
// reference model, queues the model's results as expectations. Operational
// failures are reported through ErrSequenceFailed; a cancelled context
// wraps ctx.Err().
func (b *Bench) Run(ctx context.Context, ops ...txn.Op) ([]txn.Transaction, error) {
	select {
	case b.seq <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-b.seq }()

	out := make([]txn.Transaction, 0, len(ops))
	var failed []string
	for _, op := range ops {
		tx, err := b.engine.Execute(ctx, op)
		if err != nil {
			return out, err
		}
		out = append(out, tx)
		if tx.Status == txn.StatusTimeout {
			return out, fmt.Errorf("%s: %w", tx.Op.Kind, ctx.Err())
		}
		if tx.Status != txn.StatusSuccess {
			failed = append(failed, fmt.Sprintf("%s: %s", tx.Op.Kind, tx.Err))
		}
		if b.reference != nil {
			b.expect(ctx, op, &tx)
		}
	}
	b.scoreboard.Sweep(b.lines.Now())

	if len(failed) > 0 {
		return out, fmt.Errorf("%w: %d of %d: %s", ErrSequenceFailed, len(failed), len(ops), failed[0])
	}
	return out, nil
}

// expect replays op on the reference model and queues the result, moved
// onto the target's time base.
func (b *Bench) expect(ctx context.Context, op txn.Op, actual *txn.Transaction) {
	want, err := b.reference.Execute(ctx, op)
	if err != nil || want.Status == txn.StatusTimeout {
		return
	}
	d := want.Duration()
	want.StartTime = actual.StartTime
	want.EndTime = actual.StartTime + d
	b.scoreboard.Expect(&want)
}

// RunScenarios runs scenarios on the bench scheduler with the profile's
// concurrency bound and timeout.
func (b *Bench) RunScenarios(ctx context.Context, scenarios ...engine.Scenario) []engine.ScenarioResult {
	return b.scheduler.Run(ctx, b.profile.Scheduler.ScenarioTimeout.Duration, scenarios...)
}

// Finish retires every pending scoreboard entry and returns the run summary.
func (b *Bench) Finish() report.Summary {
	b.scoreboard.Sweep(time.Duration(math.MaxInt64))
	return b.collector.Summary(b.timing, b.scoreboard)
}

// Err reports a record stream failure.
func (b *Bench) Err() error { return b.collector.Err() }

func (b *Bench) Engine() *engine.Engine             { return b.engine }
func (b *Bench) Checker() *compliance.Checker       { return b.checker }
func (b *Bench) Timing() *timing.Validator          { return b.timing }
func (b *Bench) Scoreboard() *scoreboard.Scoreboard { return b.scoreboard }
func (b *Bench) Scheduler() *engine.Scheduler       { return b.scheduler }

// Injector is nil when injection is off.
func (b *Bench) Injector() *inject.Injector { return b.injector }
