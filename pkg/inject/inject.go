// Package inject mutates operations and records with faults from a fixed
// taxonomy, either at random or on a systematic schedule.
package inject

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// Mode selects when faults are injected.
type Mode string

const (
	ModeOff        Mode = "off"
	ModeRandom     Mode = "random"
	ModeSystematic Mode = "systematic"
)

// ParseMode accepts the Mode names case-insensitively; empty means off.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeOff, nil
	case ModeOff, ModeRandom, ModeSystematic:
		return m, nil
	}
	return "", fmt.Errorf("inject: unknown mode %q", s)
}

// DefaultPoison is the word corrupted instructions and data are replaced by.
const DefaultPoison uint64 = 0xDEADBEEFCAFEF00D

// Config controls the injector.
type Config struct {
	Mode Mode
	// Rate is the injection percentage, 0 to 100.
	Rate float64
	Seed uint64
	// Kinds restricts and orders the taxonomy. Empty means all kinds in
	// txn.AllFaultKinds order.
	Kinds []txn.FaultKind
	// TimingDelta is how far timing faults move an edge. 20ns.
	TimingDelta time.Duration
	Poison      uint64
	// HistorySize bounds the retained fault records. 1000.
	HistorySize int
}

// Stats counts successful injections only.
type Stats struct {
	Considered uint64
	Total      uint64
	ByKind     map[txn.FaultKind]uint64
}

// Injector decides which transactions to corrupt. It is safe for concurrent
// use.
type Injector struct {
	cfg   Config
	log   *zap.Logger
	every uint64

	mu      sync.Mutex
	rng     *rand.Rand
	seen    uint64
	cycle   int
	stats   Stats
	history []txn.FaultRecord
	now     func() time.Time
}

// New builds an injector. A nil logger discards output.
func New(cfg Config, log *zap.Logger) *Injector {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = append([]txn.FaultKind(nil), txn.AllFaultKinds...)
	}
	if cfg.TimingDelta <= 0 {
		cfg.TimingDelta = 20 * time.Nanosecond
	}
	if cfg.Poison == 0 {
		cfg.Poison = DefaultPoison
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	cfg.Rate = math.Max(0, math.Min(100, cfg.Rate))

	inj := &Injector{
		cfg:   cfg,
		log:   log,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x94d049bb133111eb)),
		stats: Stats{ByKind: make(map[txn.FaultKind]uint64)},
		now:   time.Now,
	}
	if cfg.Rate > 0 {
		inj.every = uint64(max(1, math.Round(100/cfg.Rate)))
	}
	return inj
}

// Interval is N for systematic mode: a fault every N transactions.
func (inj *Injector) Interval() uint64 { return inj.every }

// MaybeInject decides whether to corrupt op and mutates it in place when it
// does. It never fails: a selected kind that does not apply to op is
// skipped with a warning.
func (inj *Injector) MaybeInject(op *txn.Op, id uuid.UUID) *txn.FaultRecord {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.injectLocked(op, id)
}

// Inject corrupts an already completed record. The returned copy carries
// the fault; tx itself is not modified.
func (inj *Injector) Inject(tx txn.Transaction) (txn.Transaction, *txn.FaultRecord) {
	out := tx.Clone()
	inj.mu.Lock()
	rec := inj.injectLocked(&out.Op, out.ID)
	inj.mu.Unlock()
	if rec == nil {
		return tx, nil
	}
	rec.Apply(&out)
	if rec.Kind == txn.FaultResetAnomaly && out.Op.Reset.Hard {
		out.ResetPulse /= 4
	}
	out.Fault = rec
	return out, rec
}

func (inj *Injector) injectLocked(op *txn.Op, id uuid.UUID) *txn.FaultRecord {
	inj.stats.Considered++
	inj.seen++
	kind, ok := inj.choose(op)
	if !ok {
		return nil
	}
	rec := mutators[kind](inj, op)
	if rec == nil {
		inj.log.Warn("fault not applicable",
			zap.Stringer("fault", kind),
			zap.Stringer("op", op.Kind))
		return nil
	}
	rec.Kind = kind
	rec.TransactionID = id
	rec.InjectedAt = inj.now()

	inj.stats.Total++
	inj.stats.ByKind[kind]++
	if len(inj.history) == inj.cfg.HistorySize {
		copy(inj.history, inj.history[1:])
		inj.history = inj.history[:len(inj.history)-1]
	}
	inj.history = append(inj.history, *rec)
	inj.log.Debug("fault injected",
		zap.String("id", id.String()),
		zap.Stringer("fault", kind),
		zap.String("detail", rec.Detail))
	return rec
}

// choose applies the selection mode. Random mode draws uniformly among the
// configured kinds that apply to op; systematic mode takes the next kind in
// order whether or not it applies.
func (inj *Injector) choose(op *txn.Op) (txn.FaultKind, bool) {
	switch inj.cfg.Mode {
	case ModeRandom:
		if inj.cfg.Rate <= 0 || inj.rng.Float64()*100 >= inj.cfg.Rate {
			return 0, false
		}
		var candidates []txn.FaultKind
		for _, k := range inj.cfg.Kinds {
			if Applies(k, op) {
				candidates = append(candidates, k)
			}
		}
		if len(candidates) == 0 {
			inj.log.Warn("no fault kind applies", zap.Stringer("op", op.Kind))
			return 0, false
		}
		return candidates[inj.rng.IntN(len(candidates))], true
	case ModeSystematic:
		if inj.every == 0 || inj.seen%inj.every != 0 {
			return 0, false
		}
		k := inj.cfg.Kinds[inj.cycle%len(inj.cfg.Kinds)]
		inj.cycle++
		if _, known := mutators[k]; !known {
			inj.log.Warn("unsupported fault kind", zap.Stringer("fault", k))
			return 0, false
		}
		return k, true
	}
	return 0, false
}

// Stats returns a copy of the injection counters.
func (inj *Injector) Stats() Stats {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	s := inj.stats
	s.ByKind = make(map[txn.FaultKind]uint64, len(inj.stats.ByKind))
	for k, v := range inj.stats.ByKind {
		s.ByKind[k] = v
	}
	return s
}

// History returns the retained fault records, oldest first.
func (inj *Injector) History() []txn.FaultRecord {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return append([]txn.FaultRecord(nil), inj.history...)
}

// HistoryOf returns the retained records of one kind.
func (inj *Injector) HistoryOf(kind txn.FaultKind) []txn.FaultRecord {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	var out []txn.FaultRecord
	for _, r := range inj.history {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}
