// Package pool runs notarization iterations on a fixed set of workers.
//
// Each of Workers goroutines runs Iterations iterations one after another,
// pausing Delay after every iteration whatever its outcome. In
// continue-on-error mode a failed iteration is logged and counted and the
// worker moves on; in fail-fast mode the first failure cancels every worker.
// A Config-kind failure always stops the run, since no later iteration
// could succeed either.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"xdao.co/notarize/clock"
	"xdao.co/notarize/errs"
)

// Config shapes a run.
type Config struct {
	Workers    int
	Iterations int
	// Delay is the pause after each iteration.
	Delay           time.Duration
	ContinueOnError bool
	// IterationTimeout bounds one iteration when non-zero.
	IterationTimeout time.Duration
	// RatePerSecond caps iteration starts across all workers when non-zero.
	RatePerSecond float64
}

// Iteration performs one unit of work. worker and iteration are 1-based.
type Iteration func(ctx context.Context, worker, iteration int) error

// Recorder receives iteration outcomes. *metrics.Metrics implements it.
type Recorder interface {
	SetWorkers(n int)
	Started()
	Finished(err error, d time.Duration)
}

// Report summarizes a run.
type Report struct {
	Attempts  int
	Succeeded int
	Failed    int
	ByKind    map[errs.Kind]int
	Elapsed   time.Duration
}

// Pool runs iterations.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	clock   clock.Clock
	metrics Recorder
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

func WithClock(c clock.Clock) Option { return func(p *Pool) { p.clock = c } }

func WithMetrics(r Recorder) Option { return func(p *Pool) { p.metrics = r } }

// New returns a pool for cfg.
func New(cfg Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type tally struct {
	mu  sync.Mutex
	rep Report
}

func (t *tally) record(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rep.Attempts++
	if err == nil {
		t.rep.Succeeded++
		return
	}
	t.rep.Failed++
	t.rep.ByKind[errs.KindOf(err)]++
}

func (t *tally) snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.rep
	out.ByKind = make(map[errs.Kind]int, len(t.rep.ByKind))
	for k, v := range t.rep.ByKind {
		out.ByKind[k] = v
	}
	return out
}

// Run executes Workers × Iterations iterations of it. It returns the first
// failure in fail-fast mode, a fatal failure, or ctx's error if the caller
// cancelled; iteration failures in continue-on-error mode are only counted.
func (p *Pool) Run(ctx context.Context, it Iteration) (Report, error) {
	if p.cfg.Workers <= 0 || p.cfg.Iterations <= 0 {
		return Report{}, errs.New(errs.KindConfig, "NTZ-CONFIG-111", "pool workers and iterations must be positive")
	}
	logger := p.logger.With("run_id", uuid.NewString())
	var limiter *rate.Limiter
	if p.cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.RatePerSecond), 1)
	}
	if p.metrics != nil {
		p.metrics.SetWorkers(p.cfg.Workers)
	}
	logger.Info("pool started",
		"workers", p.cfg.Workers,
		"iterations", p.cfg.Iterations,
		"delay", p.cfg.Delay,
		"continue_on_error", p.cfg.ContinueOnError,
	)

	t := &tally{rep: Report{ByKind: make(map[errs.Kind]int)}}
	start := p.clock.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 1; w <= p.cfg.Workers; w++ {
		g.Go(func() error {
			return p.work(gctx, w, it, limiter, t, logger)
		})
	}
	err := g.Wait()
	rep := t.snapshot()
	rep.Elapsed = p.clock.Now().Sub(start)
	if err == nil {
		err = ctx.Err()
	}
	logger.Info("pool finished",
		"attempts", rep.Attempts,
		"succeeded", rep.Succeeded,
		"failed", rep.Failed,
		"elapsed", rep.Elapsed,
	)
	return rep, err
}

func (p *Pool) work(ctx context.Context, worker int, it Iteration, limiter *rate.Limiter, t *tally, logger *slog.Logger) error {
	logger = logger.With("worker", worker)
	for i := 1; i <= p.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			return nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		err := p.runOne(ctx, worker, i, it)
		t.record(err)
		if err != nil {
			logger.Error("iteration failed",
				"iteration", i,
				"error_kind", errs.KindOf(err),
				"error_code", errs.Code(err),
				"error", err,
			)
		}
		logger.Info("iteration completed", "iteration", i)
		if err != nil && (!p.cfg.ContinueOnError || errs.KindOf(err).Fatal()) {
			return fmt.Errorf("worker %d iteration %d: %w", worker, i, err)
		}
		if err := clock.Sleep(ctx, p.clock, p.cfg.Delay); err != nil {
			return nil
		}
	}
	return nil
}

func (p *Pool) runOne(ctx context.Context, worker, iteration int, it Iteration) error {
	if p.cfg.IterationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.IterationTimeout)
		defer cancel()
	}
	if p.metrics != nil {
		p.metrics.Started()
	}
	start := p.clock.Now()
	err := safeCall(ctx, worker, iteration, it)
	if p.metrics != nil {
		p.metrics.Finished(err, p.clock.Now().Sub(start))
	}
	return err
}

// safeCall turns a panic inside an iteration into that iteration's error so
// one bad run cannot take down the other workers.
func safeCall(ctx context.Context, worker, iteration int, it Iteration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panicked: %v", r)
		}
	}()
	return it(ctx, worker, iteration)
}
