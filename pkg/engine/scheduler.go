package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the scenario bound used when none is configured.
const DefaultMaxConcurrent = 4

// Scenario is one logical test. Run issues transactions on the shared engine
// and must return once ctx is done.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, e *Engine) error
}

// ScenarioResult reports how a scenario ended.
type ScenarioResult struct {
	Name     string
	Err      error
	TimedOut bool
	Duration time.Duration
}

// Failed reports whether the scenario errored or timed out.
func (r ScenarioResult) Failed() bool {
	return r.Err != nil || r.TimedOut
}

// Scheduler admits scenarios up to a concurrency bound. The engine still
// serialises their transactions on the wire.
type Scheduler struct {
	engine *Engine
	sem    *semaphore.Weighted
	log    *zap.Logger

	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewScheduler bounds concurrent scenarios on e to maxConcurrent.
func NewScheduler(e *Engine, maxConcurrent int, log *zap.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		engine: e,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		log:    log,
	}
}

// Peak reports the highest number of scenarios that ran at once.
func (s *Scheduler) Peak() int {
	return int(s.peak.Load())
}

// Run starts each scenario as soon as a slot is free, blocking the caller
// while the scheduler is full, and waits for all of them. A scenario that
// outlives timeout is marked failed and its slot released; its context is
// cancelled so pending engine calls return promptly. Results are in input
// order.
func (s *Scheduler) Run(ctx context.Context, timeout time.Duration, scenarios ...Scenario) []ScenarioResult {
	results := make([]ScenarioResult, len(scenarios))
	var wg sync.WaitGroup

	for i, sc := range scenarios {
		results[i].Name = sc.Name
		if err := s.sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}
		wg.Add(1)
		go func(i int, sc Scenario) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.enter()
			defer s.inFlight.Add(-1)
			results[i] = s.runOne(ctx, timeout, sc)
		}(i, sc)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) enter() {
	n := s.inFlight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, timeout time.Duration, sc Scenario) ScenarioResult {
	res := ScenarioResult{Name: sc.Name}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sc.Run(runCtx, s.engine) }()

	select {
	case res.Err = <-done:
	case <-runCtx.Done():
		res.Err = runCtx.Err()
	}
	res.Duration = time.Since(start)
	res.TimedOut = errors.Is(res.Err, context.DeadlineExceeded)
	if res.Failed() {
		s.log.Warn("scenario failed",
			zap.String("scenario", sc.Name),
			zap.Bool("timed_out", res.TimedOut),
			zap.Error(res.Err))
	}
	return res
}
