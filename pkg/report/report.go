// Package report turns checked transactions into flat records, streams them
// and keeps the aggregate summary of a run.
package report

import (
	"sync"
	"time"

	"github.com/OpenTraceLab/jtagverify/pkg/compliance"
	"github.com/OpenTraceLab/jtagverify/pkg/scoreboard"
	"github.com/OpenTraceLab/jtagverify/pkg/timing"
	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// Fault is the injected fault carried by a record.
type Fault struct {
	Kind       string    `json:"kind" msgpack:"kind"`
	Target     string    `json:"target,omitempty" msgpack:"target,omitempty"`
	Detail     string    `json:"detail,omitempty" msgpack:"detail,omitempty"`
	InjectedAt time.Time `json:"injected_at" msgpack:"injected_at"`
}

// Issue is one finding, keyed by violation kind or timing parameter.
type Issue struct {
	Kind    string `json:"kind" msgpack:"kind"`
	Message string `json:"message" msgpack:"message"`
}

// Record is the per-transaction report line.
type Record struct {
	ID          string `json:"id" msgpack:"id"`
	Kind        string `json:"kind" msgpack:"kind"`
	Instruction string `json:"instruction,omitempty" msgpack:"instruction,omitempty"`
	Status      string `json:"status" msgpack:"status"`
	Error       string `json:"error,omitempty" msgpack:"error,omitempty"`
	StartState  string `json:"start_state" msgpack:"start_state"`
	EndState    string `json:"end_state" msgpack:"end_state"`
	StartNS     int64  `json:"start_ns" msgpack:"start_ns"`
	EndNS       int64  `json:"end_ns" msgpack:"end_ns"`
	Clocks      int    `json:"clocks" msgpack:"clocks"`
	Captured    string `json:"captured,omitempty" msgpack:"captured,omitempty"`

	Compliant    bool    `json:"compliant" msgpack:"compliant"`
	Violations   []Issue `json:"violations,omitempty" msgpack:"violations,omitempty"`
	Manufacturer string  `json:"manufacturer,omitempty" msgpack:"manufacturer,omitempty"`

	TimingValid      bool               `json:"timing_valid" msgpack:"timing_valid"`
	Timing           map[string]float64 `json:"timing,omitempty" msgpack:"timing,omitempty"`
	TimingViolations []Issue            `json:"timing_violations,omitempty" msgpack:"timing_violations,omitempty"`

	Fault *Fault `json:"fault,omitempty" msgpack:"fault,omitempty"`
	// Detected is set on a faulted record that some check flagged.
	Detected bool `json:"detected,omitempty" msgpack:"detected,omitempty"`
}

// NewRecord flattens a transaction and its verdicts.
func NewRecord(tx *txn.Transaction, cr compliance.Result, s timing.Sample, timingValid bool, tv []timing.Violation) Record {
	r := Record{
		ID:           tx.ID.String(),
		Kind:         tx.Op.Kind.String(),
		Status:       tx.Status.String(),
		Error:        tx.Err,
		StartState:   tx.StartState.String(),
		EndState:     tx.EndState.String(),
		StartNS:      int64(tx.StartTime),
		EndNS:        int64(tx.EndTime),
		Clocks:       len(tx.Edges),
		Compliant:    cr.Compliant,
		Manufacturer: cr.Manufacturer,
		TimingValid:  timingValid,
	}
	if tx.Op.Kind.LoadsInstruction() {
		r.Instruction = tx.Op.Instruction.String()
	}
	if len(tx.Captured) > 0 {
		r.Captured = tx.Captured.String()
	}
	for _, v := range cr.Violations {
		r.Violations = append(r.Violations, Issue{Kind: v.Kind.String(), Message: v.Message})
	}
	if m := s.Measured(); len(m) > 0 {
		r.Timing = make(map[string]float64, len(m))
		for p, v := range m {
			r.Timing[string(p)] = v
		}
	}
	for _, v := range tv {
		r.TimingViolations = append(r.TimingViolations, Issue{Kind: string(v.Param), Message: v.Message})
	}
	if f := tx.Fault; f != nil {
		r.Fault = &Fault{
			Kind:       f.Kind.String(),
			Target:     string(f.Target),
			Detail:     f.Detail,
			InjectedAt: f.InjectedAt,
		}
		r.Detected = !r.Compliant || !r.TimingValid || tx.Status != txn.StatusSuccess
	}
	return r
}

// ScoreboardSummary is the scoreboard part of a summary.
type ScoreboardSummary struct {
	Matched    uint64  `json:"matched" yaml:"matched"`
	Mismatched uint64  `json:"mismatched" yaml:"mismatched"`
	TimedOut   uint64  `json:"timed_out" yaml:"timed_out"`
	Evicted    uint64  `json:"evicted" yaml:"evicted"`
	Overflows  uint64  `json:"overflows" yaml:"overflows"`
	Pending    int     `json:"pending" yaml:"pending"`
	MatchRate  float64 `json:"match_rate" yaml:"match_rate"`
}

// Summary aggregates a run. Rates are percentages.
type Summary struct {
	Transactions uint64 `json:"transactions" yaml:"transactions"`
	Succeeded    uint64 `json:"succeeded" yaml:"succeeded"`
	Failed       uint64 `json:"failed" yaml:"failed"`
	TimedOut     uint64 `json:"timed_out" yaml:"timed_out"`

	Compliant        uint64            `json:"compliant" yaml:"compliant"`
	ComplianceRate   float64           `json:"compliance_rate" yaml:"compliance_rate"`
	ViolationsByKind map[string]uint64 `json:"violations_by_kind,omitempty" yaml:"violations_by_kind,omitempty"`

	TimingValid   uint64                    `json:"timing_valid" yaml:"timing_valid"`
	TimingRate    float64                   `json:"timing_rate" yaml:"timing_rate"`
	TimingByParam map[string]uint64         `json:"timing_by_param,omitempty" yaml:"timing_by_param,omitempty"`
	Timing        map[string]timing.Summary `json:"timing,omitempty" yaml:"timing,omitempty"`

	Faults        uint64            `json:"faults" yaml:"faults"`
	Detected      uint64            `json:"detected" yaml:"detected"`
	Recovered     uint64            `json:"recovered" yaml:"recovered"`
	DetectionRate float64           `json:"detection_rate" yaml:"detection_rate"`
	FaultsByKind  map[string]uint64 `json:"faults_by_kind,omitempty" yaml:"faults_by_kind,omitempty"`

	Scoreboard *ScoreboardSummary `json:"scoreboard,omitempty" yaml:"scoreboard,omitempty"`
}

// Encoder writes records to a stream.
type Encoder interface {
	Encode(r *Record) error
}

// Collector accumulates records into a Summary and optionally streams them.
type Collector struct {
	enc Encoder

	mu         sync.Mutex
	sum        Summary
	awaitingOK bool
	encErr     error
}

// NewCollector builds a collector. enc may be nil.
func NewCollector(enc Encoder) *Collector {
	return &Collector{
		enc: enc,
		sum: Summary{
			ViolationsByKind: map[string]uint64{},
			TimingByParam:    map[string]uint64{},
			FaultsByKind:     map[string]uint64{},
		},
	}
}

// Add counts r and streams it. A transaction after a faulted one that
// completes cleanly counts as a recovery.
func (c *Collector) Add(r *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.sum
	s.Transactions++
	switch r.Status {
	case txn.StatusSuccess.String():
		s.Succeeded++
	case txn.StatusTimeout.String():
		s.TimedOut++
	default:
		s.Failed++
	}
	if r.Compliant {
		s.Compliant++
	}
	for _, v := range r.Violations {
		s.ViolationsByKind[v.Kind]++
	}
	if r.TimingValid {
		s.TimingValid++
	}
	for _, v := range r.TimingViolations {
		s.TimingByParam[v.Kind]++
	}

	if r.Fault != nil {
		s.Faults++
		s.FaultsByKind[r.Fault.Kind]++
		if r.Detected {
			s.Detected++
		}
		c.awaitingOK = true
	} else if c.awaitingOK {
		if r.Status == txn.StatusSuccess.String() && r.Compliant {
			s.Recovered++
		}
		c.awaitingOK = false
	}

	if c.enc != nil && c.encErr == nil {
		c.encErr = c.enc.Encode(r)
	}
}

// Err is the first stream error, if any. Counting continues after it.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encErr
}

// Summary returns the totals with rates filled in. The timing histories
// and scoreboard are taken from the components when given.
func (c *Collector) Summary(v *timing.Validator, sb *scoreboard.Scoreboard) Summary {
	c.mu.Lock()
	s := c.sum
	s.ViolationsByKind = copyCounts(c.sum.ViolationsByKind)
	s.TimingByParam = copyCounts(c.sum.TimingByParam)
	s.FaultsByKind = copyCounts(c.sum.FaultsByKind)
	c.mu.Unlock()

	s.ComplianceRate = pct(s.Compliant, s.Transactions)
	s.TimingRate = pct(s.TimingValid, s.Transactions)
	s.DetectionRate = pct(s.Detected, s.Faults)

	if v != nil {
		s.Timing = map[string]timing.Summary{}
		for p, h := range v.Stats().History {
			if h.Count > 0 {
				s.Timing[string(p)] = h
			}
		}
	}
	if sb != nil {
		st := sb.Stats()
		s.Scoreboard = &ScoreboardSummary{
			Matched:    st.Matched,
			Mismatched: st.Mismatched,
			TimedOut:   st.TimedOut,
			Evicted:    st.Evicted,
			Overflows:  st.Overflows,
			Pending:    st.PendingObserved + st.PendingExpected,
			MatchRate:  st.MatchRate(),
		}
	}
	return s
}

func copyCounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func pct(n, of uint64) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of) * 100
}
