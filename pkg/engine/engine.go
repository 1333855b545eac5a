// Package engine turns JTAG operations into TMS/TDI bit sequences on a
// jtag.Lines implementation and records what the target returned.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/jtagverify/pkg/jtag"
	"github.com/OpenTraceLab/jtagverify/pkg/tap"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// ErrUnsupportedOperation is returned by Execute for an undefined op kind.
var ErrUnsupportedOperation = errors.New("engine: unsupported operation")

// HardMaxInstructionWidth is the widest IR the engine will shift.
const HardMaxInstructionWidth = 64

// Config carries the engine defaults. Zero fields take the values documented
// on each field.
type Config struct {
	// MaxInstructionWidth caps IR loads, at most HardMaxInstructionWidth.
	MaxInstructionWidth int
	// MaxDataWidth caps DR scans and bounds register length probes. 4096.
	MaxDataWidth int
	// ResetCycles is the soft reset length. 5.
	ResetCycles int
	// ResetPulse is the hard reset TRST assertion time. 1µs.
	ResetPulse time.Duration
	// ResetInstruction is what the engine assumes IR holds after a reset.
	// IDCODE.
	ResetInstruction txn.Instruction
	// DebugInstruction is loaded by debug-access ops that name none.
	DebugInstruction txn.Instruction
	// BoundaryInstruction is loaded by boundary-scan ops that name none.
	BoundaryInstruction txn.Instruction
	// BoundaryLength is the DR length of boundary-scan ops without one.
	BoundaryLength int
}

func (c Config) withDefaults() Config {
	if c.MaxInstructionWidth <= 0 || c.MaxInstructionWidth > HardMaxInstructionWidth {
		c.MaxInstructionWidth = HardMaxInstructionWidth
	}
	if c.MaxDataWidth <= 0 {
		c.MaxDataWidth = 4096
	}
	if c.ResetCycles <= 0 {
		c.ResetCycles = 5
	}
	if c.ResetPulse <= 0 {
		c.ResetPulse = time.Microsecond
	}
	if c.ResetInstruction.Name == "" && c.ResetInstruction.Width == 0 {
		c.ResetInstruction = txn.Instruction{Name: "IDCODE"}
	}
	return c
}

// Observer receives every completed transaction in completion order. The
// record must be treated as read-only.
type Observer interface {
	Observe(tx *txn.Transaction)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(tx *txn.Transaction)

func (f ObserverFunc) Observe(tx *txn.Transaction) { f(tx) }

// Injector may mutate an op before it is driven. A returned record is
// attached to the transaction and honoured while driving.
type Injector interface {
	MaybeInject(op *txn.Op, id uuid.UUID) *txn.FaultRecord
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithInjector installs a fault injector.
func WithInjector(inj Injector) Option {
	return func(e *Engine) { e.injector = inj }
}

// WithObserver subscribes an observer at construction time.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// Engine drives one transaction at a time over a set of lines.
type Engine struct {
	cfg      Config
	lines    jtag.Lines
	sm       *tap.StateMachine
	log      *zap.Logger
	injector Injector

	// lock holds a token while a transaction is on the wire.
	lock      chan struct{}
	observers []Observer
	active    txn.Instruction
}

// New builds an engine. The lines are assumed to sit in Test-Logic-Reset;
// issue a reset op first when that is not known.
func New(lines jtag.Lines, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:    cfg,
		lines:  lines,
		sm:     tap.NewStateMachine(),
		log:    zap.NewNop(),
		lock:   make(chan struct{}, 1),
		active: cfg.ResetInstruction,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Subscribe adds an observer. It waits for any transaction in flight.
func (e *Engine) Subscribe(o Observer) {
	e.lock <- struct{}{}
	e.observers = append(e.observers, o)
	<-e.lock
}

// State reports the controller state the engine believes the target is in.
func (e *Engine) State() tap.State {
	e.lock <- struct{}{}
	defer func() { <-e.lock }()
	return e.sm.State()
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute drives op to completion and returns its record. The only error is
// ErrUnsupportedOperation; every other failure is reported through the
// transaction status. Waiting for the wire honours ctx, as does every clock.
func (e *Engine) Execute(ctx context.Context, op txn.Op) (txn.Transaction, error) {
	drive, ok := drivers[op.Kind]
	if !ok {
		return txn.Transaction{}, fmt.Errorf("%w: %s", ErrUnsupportedOperation, op.Kind)
	}

	tx := txn.Transaction{ID: uuid.New(), Op: op}
	if err := e.acquire(ctx); err != nil {
		tx.Status = txn.StatusTimeout
		tx.Err = fmt.Sprintf("waiting for the wire: %v", err)
		return tx, nil
	}
	defer func() { <-e.lock }()

	tx.Op = e.normalize(op)
	if e.injector != nil {
		tx.Fault = e.injector.MaybeInject(&tx.Op, tx.ID)
	}

	tx.StartState = e.sm.State()
	tx.StartTime = e.lines.Now()
	tx.Path = []tap.State{tx.StartState}

	if err := e.check(tx.Op); err != nil {
		tx.Status = txn.StatusError
		tx.Err = err.Error()
	} else {
		b := &bus{ctx: ctx, lines: e.lines, sm: e.sm, tx: &tx}
		err := drive(e, b, tx.Op)
		switch {
		case err != nil && ctx.Err() != nil:
			b.ignoreCtx = true
			if err := b.walk(tap.StateRunTestIdle); err != nil {
				e.log.Warn("recovery to idle failed", zap.Error(err))
			}
			tx.Status = txn.StatusTimeout
			tx.Err = ctx.Err().Error()
		case err != nil:
			tx.Status = txn.StatusError
			tx.Err = err.Error()
		default:
			tx.Status = txn.StatusSuccess
		}
		if latched, ok := e.lines.(interface{ Err() error }); ok {
			if err := latched.Err(); err != nil && tx.Status == txn.StatusSuccess {
				tx.Status = txn.StatusError
				tx.Err = err.Error()
			}
		}
		// Stuck-at faults were clamped while sampling.
		tx.Fault.ApplyEdges(tx.Edges)
		tx.Fault.ApplyPath(tx.Path)
	}

	tx.EndState = e.sm.State()
	tx.EndTime = e.lines.Now()
	e.logTransaction(&tx)
	for _, o := range e.observers {
		o.Observe(&tx)
	}
	return tx, nil
}

// normalize fills the defaults an op kind implies.
func (e *Engine) normalize(op txn.Op) txn.Op {
	op.Data = op.Data.Clone()
	switch op.Kind {
	case txn.KindDebugAccess:
		if op.Instruction.Width == 0 {
			op.Instruction = e.cfg.DebugInstruction
		}
	case txn.KindBoundaryScan:
		if op.Instruction.Width == 0 {
			op.Instruction = e.cfg.BoundaryInstruction
		}
		if op.DataLength() == 0 {
			op.Length = e.cfg.BoundaryLength
		}
	case txn.KindReset:
		if op.Reset.Cycles <= 0 {
			op.Reset.Cycles = e.cfg.ResetCycles
		}
		if op.Reset.Pulse <= 0 {
			op.Reset.Pulse = e.cfg.ResetPulse
		}
	}
	return op
}

// check rejects ops the engine must not drive.
func (e *Engine) check(op txn.Op) error {
	if op.Kind.LoadsInstruction() {
		w := op.Instruction.Width
		if w <= 0 || w > e.cfg.MaxInstructionWidth {
			return fmt.Errorf("instruction width %d outside [1, %d]", w, e.cfg.MaxInstructionWidth)
		}
	}
	if op.Kind.ScansData() {
		n := op.DataLength()
		if n > e.cfg.MaxDataWidth {
			return fmt.Errorf("data width %d exceeds maximum %d", n, e.cfg.MaxDataWidth)
		}
		if n == 0 && op.Mode != txn.ScanCaptureOnly {
			return errors.New("empty data scan")
		}
		if op.PauseAfter < 0 || (op.PauseAfter > 0 && op.PauseAfter >= n) {
			return fmt.Errorf("pause after bit %d outside a %d-bit scan", op.PauseAfter, n)
		}
	}
	return nil
}

func (e *Engine) logTransaction(tx *txn.Transaction) {
	fields := []zap.Field{
		zap.String("id", tx.ID.String()),
		zap.Stringer("kind", tx.Op.Kind),
		zap.Stringer("status", tx.Status),
		zap.Stringer("end_state", tx.EndState),
		zap.Int("clocks", len(tx.Edges)),
	}
	if tx.Fault != nil {
		fields = append(fields, zap.Stringer("fault", tx.Fault.Kind))
	}
	if tx.Status == txn.StatusSuccess {
		e.log.Debug("transaction complete", fields...)
		return
	}
	e.log.Warn("transaction failed", append(fields, zap.String("error", tx.Err))...)
}
