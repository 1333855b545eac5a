// Package timing reconstructs TCK timing from recorded edges and checks it
// against configured bounds.
package timing

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// Param names a checked quantity.
type Param string

const (
	ParamPeriod        Param = "period"
	ParamDutyCycle     Param = "duty-cycle"
	ParamSetup         Param = "setup"
	ParamHold          Param = "hold"
	ParamPropagation   Param = "propagation"
	ParamClockToOutput Param = "clock-to-output"
	ParamResetPulse    Param = "reset-pulse"
	ParamJitter        Param = "jitter"
)

// Params lists every checked quantity in report order.
var Params = []Param{
	ParamPeriod, ParamDutyCycle, ParamSetup, ParamHold,
	ParamPropagation, ParamClockToOutput, ParamResetPulse, ParamJitter,
}

// Violation is one out-of-bounds measurement.
type Violation struct {
	Param    Param   `json:"param" msgpack:"param"`
	Measured float64 `json:"measured" msgpack:"measured"`
	Limit    float64 `json:"limit" msgpack:"limit"`
	Message  string  `json:"message" msgpack:"message"`
}

func (v Violation) String() string { return v.Message }

// Config holds the bounds. A zero limit is not checked.
type Config struct {
	NominalPeriod time.Duration
	// JitterPct is both the period tolerance and the jitter bound, in percent.
	JitterPct float64
	// DutyCycle is the target high time in percent; DutyTolerance the
	// allowed deviation in percentage points (5).
	DutyCycle     float64
	DutyTolerance float64

	MinSetup         time.Duration
	MinHold          time.Duration
	MaxPropagation   time.Duration
	MaxClockToOutput time.Duration
	MinResetPulse    time.Duration

	// JitterWindow is the number of trailing periods jitter is computed
	// over (100). HistorySize caps each rolling history (1000).
	JitterWindow int
	HistorySize  int
}

// Stats is a snapshot of validator counters and histories.
type Stats struct {
	Validated uint64
	Valid     uint64
	Invalid   uint64
	ByParam   map[Param]uint64
	History   map[Param]Summary
}

// Validator derives samples and checks them. It keeps the trailing period
// window and rolling histories, so one validator should see one stream.
type Validator struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	window   *ring
	history  map[Param]*ring
	counters Stats
}

// New builds a validator. A nil logger discards output.
func New(cfg Config, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DutyTolerance <= 0 {
		cfg.DutyTolerance = 5
	}
	if cfg.JitterWindow <= 0 {
		cfg.JitterWindow = 100
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	v := &Validator{
		cfg:      cfg,
		log:      log,
		window:   newRing(cfg.JitterWindow),
		history:  make(map[Param]*ring, len(Params)),
		counters: Stats{ByParam: make(map[Param]uint64)},
	}
	for _, p := range Params {
		v.history[p] = newRing(cfg.HistorySize)
	}
	return v
}

// PeriodBounds returns the inclusive accepted period range in nanoseconds.
func (v *Validator) PeriodBounds() (lo, hi float64) {
	nominal := float64(v.cfg.NominalPeriod)
	return nominal * (1 - v.cfg.JitterPct/100), nominal * (1 + v.cfg.JitterPct/100)
}

// Derive measures tx, feeds its periods into the jitter window and records
// the results in the rolling histories.
func (v *Validator) Derive(tx *txn.Transaction) Sample {
	s, periods := measure(tx)

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range periods {
		v.window.push(p)
	}
	if len(periods) > 0 {
		s.Jitter = stddevPct(v.window.values())
	}
	for p, val := range s.values() {
		if !math.IsNaN(val) {
			v.history[p].push(val)
		}
	}
	return s
}

func (s Sample) values() map[Param]float64 {
	return map[Param]float64{
		ParamPeriod:        s.Period,
		ParamDutyCycle:     s.DutyCycle,
		ParamSetup:         s.Setup,
		ParamHold:          s.Hold,
		ParamPropagation:   s.Propagation,
		ParamClockToOutput: s.ClockToOutput,
		ParamResetPulse:    s.ResetPulse,
		ParamJitter:        s.Jitter,
	}
}

// Validate checks every measured quantity of s independently and reports
// all violations. The transaction is valid when none is found.
func (v *Validator) Validate(tx *txn.Transaction, s Sample) (bool, []Violation) {
	var out []Violation
	add := func(p Param, measured, limit float64, format string, args ...any) {
		out = append(out, Violation{Param: p, Measured: measured, Limit: limit, Message: fmt.Sprintf(format, args...)})
	}

	if v.cfg.NominalPeriod > 0 {
		lo, hi := v.PeriodBounds()
		for _, p := range []float64{s.PeriodMin, s.Period, s.PeriodMax} {
			if math.IsNaN(p) {
				continue
			}
			if p < lo {
				add(ParamPeriod, p, lo, "period %.3fns below %.3fns", p, lo)
				break
			}
			if p > hi {
				add(ParamPeriod, p, hi, "period %.3fns above %.3fns", p, hi)
				break
			}
		}
	}
	if v.cfg.DutyCycle > 0 && !math.IsNaN(s.DutyCycle) {
		lo, hi := v.cfg.DutyCycle-v.cfg.DutyTolerance, v.cfg.DutyCycle+v.cfg.DutyTolerance
		if s.DutyCycle < lo || s.DutyCycle > hi {
			add(ParamDutyCycle, s.DutyCycle, v.cfg.DutyCycle, "duty cycle %.2f%% outside [%.2f, %.2f]", s.DutyCycle, lo, hi)
		}
	}
	atLeast := func(p Param, measured float64, limit time.Duration) {
		if limit > 0 && !math.IsNaN(measured) && measured < float64(limit) {
			add(p, measured, float64(limit), "%s %.3fns below minimum %s", p, measured, limit)
		}
	}
	atMost := func(p Param, measured float64, limit time.Duration) {
		if limit > 0 && !math.IsNaN(measured) && measured > float64(limit) {
			add(p, measured, float64(limit), "%s %.3fns above maximum %s", p, measured, limit)
		}
	}
	atLeast(ParamSetup, s.Setup, v.cfg.MinSetup)
	atLeast(ParamHold, s.Hold, v.cfg.MinHold)
	atMost(ParamPropagation, s.Propagation, v.cfg.MaxPropagation)
	atMost(ParamClockToOutput, s.ClockToOutput, v.cfg.MaxClockToOutput)
	atLeast(ParamResetPulse, s.ResetPulse, v.cfg.MinResetPulse)
	if v.cfg.JitterPct > 0 && !math.IsNaN(s.Jitter) && s.Jitter > v.cfg.JitterPct {
		add(ParamJitter, s.Jitter, v.cfg.JitterPct, "jitter %.3f%% above %.3f%%", s.Jitter, v.cfg.JitterPct)
	}

	v.mu.Lock()
	v.counters.Validated++
	if len(out) == 0 {
		v.counters.Valid++
	} else {
		v.counters.Invalid++
		for _, viol := range out {
			v.counters.ByParam[viol.Param]++
		}
	}
	v.mu.Unlock()

	if len(out) > 0 && tx != nil {
		v.log.Debug("timing violation",
			zap.String("id", tx.ID.String()),
			zap.Int("count", len(out)),
			zap.String("first", out[0].Message))
	}
	return len(out) == 0, out
}

// Stats returns a copy of the counters and history summaries.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Stats{
		Validated: v.counters.Validated,
		Valid:     v.counters.Valid,
		Invalid:   v.counters.Invalid,
		ByParam:   make(map[Param]uint64, len(v.counters.ByParam)),
		History:   make(map[Param]Summary, len(v.history)),
	}
	for p, n := range v.counters.ByParam {
		s.ByParam[p] = n
	}
	for p, r := range v.history {
		s.History[p] = r.summary()
	}
	return s
}
