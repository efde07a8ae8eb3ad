// Package scheduler runs the periodic governance sweeps.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-fee-governance/internal/metrics"
	"github.com/pesio-ai/be-fee-governance/pkg/logger"
)

// Job names, also used as metric labels.
const (
	JobExpireExceptions = "expire_exceptions"
	JobReevaluateOpen   = "reevaluate_open"
)

// runTimeout bounds a single sweep.
const runTimeout = 5 * time.Minute

// ExceptionExpirer retires approved threshold exceptions past their end date.
type ExceptionExpirer interface {
	ExpireExceptions(ctx context.Context) (int, error)
}

// PerformanceEvaluator recomputes every open performance record.
type PerformanceEvaluator interface {
	ReevaluateOpen(ctx context.Context) (int, error)
}

// Scheduler triggers the sweeps on a cron spec (seconds field included).
type Scheduler struct {
	cron       *cron.Cron
	spec       string
	exceptions ExceptionExpirer
	evaluator  PerformanceEvaluator
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// New creates a scheduler. Nothing runs until Start.
func New(spec string, exceptions ExceptionExpirer, evaluator PerformanceEvaluator, m *metrics.Metrics, log *logger.Logger) *Scheduler {
	log = log.Component("scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		spec:       spec,
		exceptions: exceptions,
		evaluator:  evaluator,
		metrics:    m,
		log:        log,
	}
}

// Setup registers the sweep on the cron spec. ctx is the parent of every run.
func (s *Scheduler) Setup(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Str("cron_spec", s.spec).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// RunOnce runs both sweeps. Exceptions expire first so the re-evaluation sees
// the thresholds that apply today.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.run(ctx, JobExpireExceptions, s.exceptions.ExpireExceptions)
	s.run(ctx, JobReevaluateOpen, s.evaluator.ReevaluateOpen)
}

func (s *Scheduler) run(ctx context.Context, job string, fn func(context.Context) (int, error)) {
	rctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	start := time.Now()
	n, err := fn(rctx)
	s.metrics.SchedulerRun(job, err == nil)
	if err != nil {
		s.log.Error().Err(err).Str("job", job).Msg("Scheduled job failed")
		return
	}
	s.log.Info().
		Str("job", job).
		Int("affected", n).
		Dur("duration", time.Since(start)).
		Msg("Scheduled job completed")
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
