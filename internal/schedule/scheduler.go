// Package schedule keeps recurring hooks whose next run time is persisted in
// the option store, so every process serving an installation agrees on it.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// OptionKey is the option holding the persisted schedule.
const OptionKey = "cron"

// MinInterval is the shortest recurrence a hook may have. Intervals are
// persisted in whole seconds.
const MinInterval = time.Second

// ErrInvalidInterval is returned when a hook is scheduled with an interval
// shorter than MinInterval.
var ErrInvalidInterval = errors.New("schedule interval must be at least one second")

// Store is the subset of the option store the scheduler needs.
type Store interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Flush(ctx context.Context) error
}

// Handler runs when a hook is due.
type Handler func(ctx context.Context) error

type entry struct {
	Next  int64 `json:"next"`
	Every int64 `json:"every"`
}

// Scheduler tracks recurring hooks and runs the ones that are due.
type Scheduler struct {
	mu       sync.Mutex
	store    Store
	logger   zerolog.Logger
	now      func() time.Time
	entries  map[string]entry
	handlers map[string]Handler
}

// New creates a Scheduler and loads the persisted entries from store.
func New(ctx context.Context, store Store, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		store:    store,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SetClock overrides the scheduler's clock.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Reload re-reads the persisted entries.
func (s *Scheduler) Reload(ctx context.Context) error {
	entries := make(map[string]entry)
	if _, err := s.store.Get(ctx, OptionKey, &entries); err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	if entries == nil {
		entries = make(map[string]entry)
	}
	for hook, e := range entries {
		if e.Every <= 0 {
			s.logger.Warn().Str("hook", hook).Int64("every", e.Every).Msg("dropping stored hook with invalid interval")
			delete(entries, hook)
		}
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Handle registers the handler invoked when hook is due.
func (s *Scheduler) Handle(hook string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[hook] = h
}

// Schedule sets hook to run first at first and then every interval.
// An existing schedule for hook is replaced.
func (s *Scheduler) Schedule(ctx context.Context, hook string, first time.Time, every time.Duration) error {
	if every < MinInterval {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	s.entries[hook] = entry{Next: first.Unix(), Every: int64(every / time.Second)}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.store.Set(ctx, OptionKey, snapshot); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	s.logger.Debug().Str("hook", hook).Time("first", first).Dur("every", every).Msg("hook scheduled")
	return nil
}

// Cancel removes hook's schedule. Cancelling an unscheduled hook is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, hook string) error {
	s.mu.Lock()
	if _, ok := s.entries[hook]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, hook)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.store.Set(ctx, OptionKey, snapshot); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	s.logger.Debug().Str("hook", hook).Msg("hook unscheduled")
	return nil
}

// Next returns the next run time of hook.
func (s *Scheduler) Next(hook string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hook]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(e.Next, 0), true
}

// Hooks returns the scheduled hook names in sorted order.
func (s *Scheduler) Hooks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hooks := make([]string, 0, len(s.entries))
	for h := range s.entries {
		hooks = append(hooks, h)
	}
	sort.Strings(hooks)
	return hooks
}

// RunDue runs every due hook that has a handler and returns how many ran.
// A hook's next run time is advanced before its handler runs, so the handler
// observes the schedule it will be judged against. The store is flushed
// afterwards.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	type due struct {
		hook    string
		handler Handler
	}

	s.mu.Lock()
	now := s.now().Unix()
	var run []due
	for hook, e := range s.entries {
		if e.Next > now || e.Every <= 0 {
			continue
		}
		h, ok := s.handlers[hook]
		if !ok {
			continue
		}
		next := e.Next + ((now-e.Next)/e.Every+1)*e.Every
		s.entries[hook] = entry{Next: next, Every: e.Every}
		run = append(run, due{hook: hook, handler: h})
	}
	var snapshot map[string]entry
	if len(run) > 0 {
		snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if len(run) == 0 {
		return 0, nil
	}

	sort.Slice(run, func(i, j int) bool { return run[i].hook < run[j].hook })

	if err := s.store.Set(ctx, OptionKey, snapshot); err != nil {
		return 0, fmt.Errorf("save schedule: %w", err)
	}

	var errs []error
	for _, d := range run {
		s.logger.Debug().Str("hook", d.hook).Msg("running hook")
		if err := d.handler(ctx); err != nil {
			s.logger.Error().Err(err).Str("hook", d.hook).Msg("hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", d.hook, err))
		}
	}

	if err := s.store.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush options: %w", err))
	}

	return len(run), errors.Join(errs...)
}

func (s *Scheduler) snapshotLocked() map[string]entry {
	out := make(map[string]entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}
