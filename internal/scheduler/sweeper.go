// Package scheduler drives periodic evaluation of active policies and
// reports component health.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/microcrop/trigger-engine/internal/metrics"
	"github.com/microcrop/trigger-engine/internal/model"
	"github.com/microcrop/trigger-engine/internal/payout"
)

// PolicyLister lists policies eligible for a sweep.
type PolicyLister interface {
	ListActive(ctx context.Context, now time.Time) ([]model.Policy, error)
}

// Evaluator runs the payout cycle for one policy.
type Evaluator interface {
	Evaluate(ctx context.Context, policyID string) (*payout.Result, error)
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Policies  int            `json:"policies"`
	Outcomes  map[string]int `json:"outcomes"`
	Errors    int            `json:"errors"`
}

// SweepOptions configures a Sweeper. Zero values get defaults.
type SweepOptions struct {
	Interval    time.Duration
	Concurrency int
	Clock       clockwork.Clock
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Sweeper periodically evaluates every active policy.
type Sweeper struct {
	policies    PolicyLister
	eval        Evaluator
	interval    time.Duration
	concurrency int
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	logger      *slog.Logger

	sweeps atomic.Int64
	errors atomic.Int64
	last   atomic.Pointer[SweepReport]
}

// NewSweeper creates a sweeper. Defaults: hourly, 8 concurrent evaluations.
func NewSweeper(policies PolicyLister, eval Evaluator, opts SweepOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewForTesting()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sweeper{
		policies:    policies,
		eval:        eval,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

// Run sweeps once immediately and then every interval until ctx is
// cancelled. A sweep that overruns the interval delays the next one; ticks
// are not queued.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval, "concurrency", s.concurrency)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce evaluates every active policy with bounded concurrency. A
// failing policy is logged and counted; it never stops the others.
func (s *Sweeper) SweepOnce(ctx context.Context) *SweepReport {
	start := s.clock.Now()
	report := &SweepReport{StartedAt: start, Outcomes: make(map[string]int)}

	policies, err := s.policies.ListActive(ctx, start)
	if err != nil {
		s.logger.Error("sweep: list active policies", "err", err)
		report.Errors++
		s.finish(report)
		return report
	}
	report.Policies = len(policies)
	s.metrics.ActivePolicies.Set(float64(len(policies)))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, p := range policies {
		if ctx.Err() != nil {
			break
		}
		id := p.ID
		g.Go(func() error {
			res, err := s.eval.Evaluate(ctx, id)
			s.metrics.SweepPolicies.Inc()

			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				report.Outcomes[res.Outcome]++
			}
			if err != nil {
				report.Errors++
				s.metrics.SweepErrors.Inc()
				s.logger.Error("sweep: policy evaluation failed", "policy_id", id, "err", err)
			}
			return nil
		})
	}
	g.Wait()

	s.finish(report)
	return report
}

func (s *Sweeper) finish(report *SweepReport) {
	report.Duration = s.clock.Since(report.StartedAt)
	s.metrics.SweepDuration.Observe(report.Duration.Seconds())
	s.sweeps.Add(1)
	s.errors.Add(int64(report.Errors))
	s.last.Store(report)

	s.logger.Info("sweep complete",
		"policies", report.Policies,
		"processed", report.Outcomes[payout.OutcomeProcessed],
		"errors", report.Errors,
		"duration", report.Duration,
	)
}

// LastReport returns the most recent sweep report, or nil before the first.
func (s *Sweeper) LastReport() *SweepReport {
	return s.last.Load()
}

// Counters returns the number of sweeps run and evaluation errors seen.
func (s *Sweeper) Counters() (sweeps, errors int64) {
	return s.sweeps.Load(), s.errors.Load()
}
