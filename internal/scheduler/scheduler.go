// Package scheduler is the shared timer abstraction handed to modules
// through the kernel's module context. The correlator's expiry sweep is the
// only runtime task registered through it: the detector checks cooldowns
// against the current time during evaluation, nothing schedules the rate
// limiter's idle-key cleanup (ratelimit.KeyedLimiter.CleanupIdle), and the
// Slack notifier has no retry queue.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Clock supplies the time Scheduler.Now reports, so tests can substitute
// it. Job firing follows cron's own wall-clock timer and does not consult
// Clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Job is a unit of recurring work. ctx is cancelled when the scheduler
// stops; a Job should return promptly once it observes cancellation.
type Job func(ctx context.Context)

// Scheduler wraps a cron.Cron instance, exposing only the fixed-interval
// registration the runtime's periodic tasks need.
type Scheduler struct {
	cron   *cron.Cron
	clock  Clock
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Pass a nil clock to use the real wall clock.
func New(log *slog.Logger, clock Clock) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = realClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		clock:  clock,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Now returns the scheduler's clock's current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Every registers job to run every interval, starting one interval from
// now. The returned cron.EntryID can be passed to Remove.
func (s *Scheduler) Every(interval time.Duration, name string, job Job) cron.EntryID {
	return s.cron.Schedule(fixedInterval(interval), cron.FuncJob(func() {
		s.log.Debug("scheduled job firing", "job", name)
		job(s.ctx)
	}))
}

// fixedInterval is a cron.Schedule that activates interval after each
// activation. Unlike cron.Every, it keeps sub-second intervals instead of
// rounding them up to whole seconds.
type fixedInterval time.Duration

// Next implements cron.Schedule.
func (f fixedInterval) Next(t time.Time) time.Time { return t.Add(time.Duration(f)) }

// Remove cancels a previously registered job.
func (s *Scheduler) Remove(id cron.EntryID) { s.cron.Remove(id) }

// Start begins dispatching registered jobs on their own goroutines, per
// cron's usual semantics.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels the shared job context and blocks until in-flight job
// invocations return.
func (s *Scheduler) Stop() {
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}
