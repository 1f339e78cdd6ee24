package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/seatkeeper/internal/options"
)

func newTestScheduler(t *testing.T, backend options.Backend) (*Scheduler, *options.Store) {
	t.Helper()
	store := options.NewStore(options.StoreConfig{Backend: backend, Scope: "install", Logger: zerolog.Nop()})
	s, err := New(context.Background(), store, zerolog.Nop())
	require.NoError(t, err)
	return s, store
}

func TestScheduler_ScheduleAndCancel(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, options.NewMemoryBackend())

	_, ok := s.Next("check")
	assert.False(t, ok)

	first := time.Unix(1700000060, 0)
	require.NoError(t, s.Schedule(ctx, "check", first, 24*time.Hour))

	next, ok := s.Next("check")
	require.True(t, ok)
	assert.Equal(t, first.Unix(), next.Unix())
	assert.Equal(t, []string{"check"}, s.Hooks())

	require.NoError(t, s.Cancel(ctx, "check"))
	_, ok = s.Next("check")
	assert.False(t, ok)
	require.NoError(t, s.Cancel(ctx, "check"))

	assert.ErrorIs(t, s.Schedule(ctx, "bad", first, 0), ErrInvalidInterval)
}

func TestScheduler_RejectsSubSecondInterval(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, options.NewMemoryBackend())

	tests := []struct {
		name  string
		every time.Duration
		err   error
	}{
		{"zero", 0, ErrInvalidInterval},
		{"negative", -time.Hour, ErrInvalidInterval},
		{"half second", 500 * time.Millisecond, ErrInvalidInterval},
		{"just under a second", time.Second - time.Nanosecond, ErrInvalidInterval},
		{"one second", time.Second, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Schedule(ctx, "h", time.Unix(1700000000, 0), tt.every)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestScheduler_DropsStoredZeroInterval(t *testing.T) {
	ctx := context.Background()
	backend := options.NewMemoryBackend()
	require.NoError(t, backend.Put(ctx, options.DefaultOptionName,
		[]byte(`{"install":{"cron":{"broken":{"next":1,"every":0},"check":{"next":1,"every":3600}}}}`)))

	s, _ := newTestScheduler(t, backend)
	s.SetClock(func() time.Time { return time.Unix(1700000000, 0) })

	var broken, check int
	s.Handle("broken", func(context.Context) error { broken++; return nil })
	s.Handle("check", func(context.Context) error { check++; return nil })

	done := make(chan struct{})
	var ran int
	var err error
	go func() {
		defer close(done)
		ran, err = s.RunDue(ctx)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunDue did not return")
	}

	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 0, broken)
	assert.Equal(t, 1, check)
	assert.Equal(t, []string{"check"}, s.Hooks())
}

func TestScheduler_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	backend := options.NewMemoryBackend()
	s, store := newTestScheduler(t, backend)

	first := time.Unix(1700000060, 0)
	require.NoError(t, s.Schedule(ctx, "check", first, time.Hour))
	require.NoError(t, store.Flush(ctx))

	other, _ := newTestScheduler(t, backend)
	next, ok := other.Next("check")
	require.True(t, ok)
	assert.Equal(t, first.Unix(), next.Unix())
}

func TestScheduler_RunDue(t *testing.T) {
	ctx := context.Background()
	backend := options.NewMemoryBackend()
	s, _ := newTestScheduler(t, backend)

	now := time.Unix(1700000000, 0)
	s.SetClock(func() time.Time { return now })

	var observedNext int64
	var calls int32
	s.Handle("check", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		next, _ := s.Next("check")
		observedNext = next.Unix()
		return nil
	})

	require.NoError(t, s.Schedule(ctx, "check", now.Add(time.Minute), time.Hour))
	require.NoError(t, s.Schedule(ctx, "orphan", now, time.Hour))

	ran, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran, "nothing is due yet")

	now = now.Add(2 * time.Minute)
	ran, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, now.Add(-time.Minute).Add(time.Hour).Unix(), observedNext, "handler sees the advanced schedule")

	// flushed: a fresh instance agrees on the next run
	other, _ := newTestScheduler(t, backend)
	next, ok := other.Next("check")
	require.True(t, ok)
	assert.Equal(t, observedNext, next.Unix())

	ran, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)
}

func TestScheduler_RunDueSkipsMissedRuns(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, options.NewMemoryBackend())

	start := time.Unix(1700000000, 0)
	now := start.Add(10*time.Hour + 30*time.Minute)
	s.SetClock(func() time.Time { return now })

	var calls int
	s.Handle("check", func(context.Context) error { calls++; return nil })
	require.NoError(t, s.Schedule(ctx, "check", start, time.Hour))

	ran, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, calls)

	next, _ := s.Next("check")
	assert.Equal(t, start.Add(11*time.Hour).Unix(), next.Unix())
}

func TestScheduler_RunDueCollectsErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, options.NewMemoryBackend())
	now := time.Unix(1700000000, 0)
	s.SetClock(func() time.Time { return now })

	boom := errors.New("boom")
	var okRan bool
	s.Handle("a_fails", func(context.Context) error { return boom })
	s.Handle("b_ok", func(context.Context) error { okRan = true; return nil })
	require.NoError(t, s.Schedule(ctx, "a_fails", now, time.Hour))
	require.NoError(t, s.Schedule(ctx, "b_ok", now, time.Hour))

	ran, err := s.RunDue(ctx)
	assert.Equal(t, 2, ran)
	assert.ErrorIs(t, err, boom)
	assert.True(t, okRan, "a failing hook does not stop the others")
}

func TestRunner_StartStop(t *testing.T) {
	s, _ := newTestScheduler(t, options.NewMemoryBackend())
	r := NewRunner(s, "", zerolog.Nop())
	assert.Equal(t, DefaultTick, r.spec)

	require.NoError(t, r.Start())
	assert.Error(t, r.Start(), "second start should fail")

	ctx := r.Stop()
	<-ctx.Done()

	// stopping twice is harmless
	<-r.Stop().Done()
}

func TestRunner_InvalidSpec(t *testing.T) {
	s, _ := newTestScheduler(t, options.NewMemoryBackend())
	r := NewRunner(s, "not a spec", zerolog.Nop())
	assert.Error(t, r.Start())
}

func TestRunner_RunNow(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, options.NewMemoryBackend())
	now := time.Unix(1700000000, 0)
	s.SetClock(func() time.Time { return now })

	var calls int32
	s.Handle("check", func(context.Context) error { atomic.AddInt32(&calls, 1); return nil })
	require.NoError(t, s.Schedule(ctx, "check", now, time.Hour))

	NewRunner(s, DefaultTick, zerolog.Nop()).RunNow()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRunner_Prepare(t *testing.T) {
	ctx := context.Background()
	backend := options.NewMemoryBackend()
	s, store := newTestScheduler(t, backend)
	now := time.Unix(1700000000, 0)
	s.SetClock(func() time.Time { return now })

	var calls int32
	s.Handle("check", func(context.Context) error { atomic.AddInt32(&calls, 1); return nil })

	// another process schedules the hook
	other, otherStore := newTestScheduler(t, backend)
	require.NoError(t, other.Schedule(ctx, "check", now, time.Hour))
	require.NoError(t, otherStore.Flush(ctx))

	r := NewRunner(s, DefaultTick, zerolog.Nop())
	r.RunNow()
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	r.SetPrepare(func(ctx context.Context) error {
		if err := store.Reload(ctx); err != nil {
			return err
		}
		return s.Reload(ctx)
	})
	r.RunNow()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
