package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultTick is how often the runner looks for due hooks.
const DefaultTick = "@every 1m"

const runTimeout = 2 * time.Minute

// Runner drives a Scheduler from a cron tick.
type Runner struct {
	scheduler *Scheduler
	spec      string
	cron      *cron.Cron
	logger    zerolog.Logger
	mu        sync.Mutex
	running   bool
	prepare   Handler
}

// NewRunner creates a Runner that checks for due hooks on spec.
func NewRunner(scheduler *Scheduler, spec string, logger zerolog.Logger) *Runner {
	if spec == "" {
		spec = DefaultTick
	}
	return &Runner{
		scheduler: scheduler,
		spec:      spec,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:    logger.With().Str("component", "schedule_runner").Logger(),
	}
}

// Start begins ticking.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("schedule runner already running")
	}

	if _, err := r.cron.AddFunc(r.spec, r.tick); err != nil {
		return err
	}

	r.cron.Start()
	r.running = true

	r.logger.Info().Str("spec", r.spec).Msg("schedule runner started")
	return nil
}

// Stop stops the runner. The returned context is done once a running tick finishes.
func (r *Runner) Stop() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	r.running = false
	r.logger.Info().Msg("stopping schedule runner")
	return r.cron.Stop()
}

// SetPrepare registers fn to run before each tick, typically to pick up
// state written by other processes. A failing fn is logged and the tick
// proceeds.
func (r *Runner) SetPrepare(fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepare = fn
}

// RunNow runs a tick immediately.
func (r *Runner) RunNow() {
	r.tick()
}

func (r *Runner) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	r.mu.Lock()
	prepare := r.prepare
	r.mu.Unlock()
	if prepare != nil {
		if err := prepare(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("prepare tick")
		}
	}

	ran, err := r.scheduler.RunDue(ctx)
	if err != nil {
		r.logger.Error().Err(err).Int("ran", ran).Msg("scheduled hooks failed")
		return
	}
	if ran > 0 {
		r.logger.Debug().Int("ran", ran).Msg("scheduled hooks completed")
	}
}
