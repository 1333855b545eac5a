// Package scoreboard pairs transactions driven on the wire with the
// transactions a test expected, and reports what never found a partner.
package scoreboard

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/jtagverify/pkg/txn"
)

// Source is the stream an entry arrived on.
type Source uint8

const (
	SourceObserved Source = iota + 1
	SourceExpected
)

func (s Source) String() string {
	switch s {
	case SourceObserved:
		return "observed"
	case SourceExpected:
		return "expected"
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// Outcome classifies an event.
type Outcome string

const (
	OutcomeMatch    Outcome = "match"
	OutcomeMismatch Outcome = "mismatch"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeOverflow Outcome = "overflow"
	OutcomeEvicted  Outcome = "evicted"
)

// Event is one scoreboard finding, in the order it happened.
type Event struct {
	Outcome Outcome   `json:"outcome" msgpack:"outcome"`
	Source  Source    `json:"source,omitempty" msgpack:"source,omitempty"`
	ID      uuid.UUID `json:"id" msgpack:"id"`
	// Partner is the expected entry of a match.
	Partner uuid.UUID     `json:"partner,omitempty" msgpack:"partner,omitempty"`
	Kind    txn.Kind      `json:"kind" msgpack:"kind"`
	Skew    time.Duration `json:"skew,omitempty" msgpack:"skew,omitempty"`
	// Queued is the queue depth after an overflowing insert.
	Queued int `json:"queued,omitempty" msgpack:"queued,omitempty"`
}

// Match pairs an observed transaction with the expected one it satisfied.
type Match struct {
	Observed txn.Transaction
	Expected txn.Transaction
	// Skew is observed end time minus expected end time.
	Skew time.Duration
}

// Unmatched is an entry that left its queue without a partner.
type Unmatched struct {
	Source  Source
	Outcome Outcome
	Tx      txn.Transaction
}

// Config bounds matching.
type Config struct {
	// Tolerance is the largest end time difference a match allows.
	Tolerance time.Duration
	// Timeout is how long an entry may wait, measured from its end time.
	// 1s.
	Timeout time.Duration
	// Capacity bounds each pending queue before Sweep evicts. 1000.
	Capacity int
	// History bounds the retained matches, unmatched entries and events;
	// the oldest are dropped first. Stats keep counting. 1000.
	History int
}

func (c Config) withDefaults() Config {
	if c.Tolerance < 0 {
		c.Tolerance = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.History <= 0 {
		c.History = 1000
	}
	return c
}

// Stats are the scoreboard counters.
type Stats struct {
	Observed   uint64
	Expected   uint64
	Matched    uint64
	Mismatched uint64
	TimedOut   uint64
	Evicted    uint64
	Overflows  uint64

	PendingObserved int
	PendingExpected int
}

// MatchRate is the percentage of observed transactions that matched.
func (s Stats) MatchRate() float64 {
	if s.Observed == 0 {
		return 0
	}
	return float64(s.Matched) / float64(s.Observed) * 100
}

// Scoreboard is safe for concurrent use.
type Scoreboard struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	observed  []txn.Transaction
	expected  []txn.Transaction
	matched   []Match
	unmatched []Unmatched
	events    []Event
	stats     Stats
}

// New builds a scoreboard. A nil logger discards output.
func New(cfg Config, log *zap.Logger) *Scoreboard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scoreboard{cfg: cfg.withDefaults(), log: log}
}

// Observe adds a transaction from the driven stream. It satisfies
// engine.Observer.
func (sb *Scoreboard) Observe(tx *txn.Transaction) {
	sb.insert(SourceObserved, tx)
}

// Expect adds a transaction from the expected stream.
func (sb *Scoreboard) Expect(tx *txn.Transaction) {
	sb.insert(SourceExpected, tx)
}

func (sb *Scoreboard) insert(src Source, tx *txn.Transaction) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	own, other := &sb.observed, &sb.expected
	if src == SourceExpected {
		own, other = other, own
		sb.stats.Expected++
	} else {
		sb.stats.Observed++
	}

	for i := range *other {
		if sb.matches(tx, &(*other)[i]) {
			partner := (*other)[i]
			*other = append((*other)[:i], (*other)[i+1:]...)
			sb.record(src, tx.Clone(), partner)
			return
		}
	}

	*own = append(*own, tx.Clone())
	if n := len(*own); n > sb.cfg.Capacity {
		sb.stats.Overflows++
		sb.events = keep(sb.events, Event{Outcome: OutcomeOverflow, Source: src, ID: tx.ID, Kind: tx.Op.Kind, Queued: n}, sb.cfg.History)
		sb.log.Warn("scoreboard queue over capacity",
			zap.Stringer("source", src),
			zap.Int("queued", n),
			zap.Int("capacity", sb.cfg.Capacity))
	}
}

func (sb *Scoreboard) matches(a, b *txn.Transaction) bool {
	if !txn.SamePayload(a, b) {
		return false
	}
	return abs(a.EndTime-b.EndTime) <= sb.cfg.Tolerance
}

// record stores a match. tx arrived on src; partner was waiting on the other
// queue.
func (sb *Scoreboard) record(src Source, tx, partner txn.Transaction) {
	m := Match{Observed: tx, Expected: partner}
	if src == SourceExpected {
		m = Match{Observed: partner, Expected: tx}
	}
	m.Skew = m.Observed.EndTime - m.Expected.EndTime
	sb.matched = keep(sb.matched, m, sb.cfg.History)
	sb.stats.Matched++
	sb.events = keep(sb.events, Event{
		Outcome: OutcomeMatch,
		ID:      m.Observed.ID,
		Partner: m.Expected.ID,
		Kind:    m.Observed.Op.Kind,
		Skew:    m.Skew,
	}, sb.cfg.History)
}

// Sweep retires entries whose end time is more than the timeout before now,
// then evicts the oldest pending entries, by start time, from any queue
// still above capacity. Retired and evicted entries move to the unmatched
// list.
func (sb *Scoreboard) Sweep(now time.Duration) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Classify against the queues as they were before this sweep.
	obs, exp := sb.observed, sb.expected
	sb.observed = sb.expire(SourceObserved, obs, exp, now)
	sb.expected = sb.expire(SourceExpected, exp, obs, now)
	sb.observed = sb.evict(SourceObserved, sb.observed)
	sb.expected = sb.evict(SourceExpected, sb.expected)
}

func (sb *Scoreboard) expire(src Source, queue, other []txn.Transaction, now time.Duration) []txn.Transaction {
	kept := make([]txn.Transaction, 0, len(queue))
	for _, tx := range queue {
		if now-tx.EndTime <= sb.cfg.Timeout {
			kept = append(kept, tx)
			continue
		}
		outcome := OutcomeTimeout
		if hasCounterpart(&tx, other) {
			outcome = OutcomeMismatch
			sb.stats.Mismatched++
		} else {
			sb.stats.TimedOut++
		}
		sb.retire(src, outcome, tx)
	}
	return kept
}

func (sb *Scoreboard) evict(src Source, queue []txn.Transaction) []txn.Transaction {
	over := len(queue) - sb.cfg.Capacity
	if over <= 0 {
		return queue
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].StartTime < queue[j].StartTime })
	for _, tx := range queue[:over] {
		sb.stats.Evicted++
		sb.retire(src, OutcomeEvicted, tx)
	}
	sb.log.Warn("scoreboard evicted pending entries",
		zap.Stringer("source", src),
		zap.Int("evicted", over))
	return append([]txn.Transaction(nil), queue[over:]...)
}

func (sb *Scoreboard) retire(src Source, outcome Outcome, tx txn.Transaction) {
	sb.unmatched = keep(sb.unmatched, Unmatched{Source: src, Outcome: outcome, Tx: tx}, sb.cfg.History)
	sb.events = keep(sb.events, Event{Outcome: outcome, Source: src, ID: tx.ID, Kind: tx.Op.Kind}, sb.cfg.History)
}

// keep appends v to s, dropping the oldest entry once s holds n.
func keep[T any](s []T, v T, n int) []T {
	if len(s) >= n {
		copy(s, s[len(s)-n+1:])
		s = s[:n-1]
	}
	return append(s, v)
}

// hasCounterpart reports whether other holds an entry for the same operation
// whose payload or timing disagreed.
func hasCounterpart(tx *txn.Transaction, other []txn.Transaction) bool {
	for i := range other {
		o := &other[i]
		if o.Op.Kind != tx.Op.Kind {
			continue
		}
		if tx.Op.Kind.LoadsInstruction() && o.Op.Instruction.Code != tx.Op.Instruction.Code {
			continue
		}
		return true
	}
	return false
}

// Events returns the retained events, oldest first.
func (sb *Scoreboard) Events() []Event {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return append([]Event(nil), sb.events...)
}

// Matched returns the retained matched pairs, in match order.
func (sb *Scoreboard) Matched() []Match {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return append([]Match(nil), sb.matched...)
}

// Unmatched returns the retained retired entries, in retirement order.
func (sb *Scoreboard) Unmatched() []Unmatched {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return append([]Unmatched(nil), sb.unmatched...)
}

// Stats returns the counters and current queue depths.
func (sb *Scoreboard) Stats() Stats {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	s := sb.stats
	s.PendingObserved = len(sb.observed)
	s.PendingExpected = len(sb.expected)
	return s
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
