package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Workers: []Worker{{Run: func(ctx context.Context) error { return nil }}}})
	require.Error(t, err, "name is required")

	_, err = New(Options{Workers: []Worker{{Name: "poller"}}})
	require.Error(t, err, "run function is required")
}

func TestRunStopsWorkersOnCancel(t *testing.T) {
	var running atomic.Int32
	sup, err := New(Options{
		Workers: []Worker{
			{Name: "a", Run: func(ctx context.Context) error {
				running.Add(1)
				defer running.Add(-1)
				<-ctx.Done()
				return ctx.Err()
			}},
			{Name: "b", Run: func(ctx context.Context) error {
				running.Add(1)
				defer running.Add(-1)
				<-ctx.Done()
				return ctx.Err()
			}},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Zero(t, running.Load())
}

func TestRestartsFailingWorker(t *testing.T) {
	var starts atomic.Int32
	sup, err := New(Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Workers: []Worker{{Name: "flaky", Run: func(ctx context.Context) error {
			starts.Add(1)
			return errors.New("connection dropped")
		}}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return starts.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestRestartsWorkerThatReturnsNil(t *testing.T) {
	var starts atomic.Int32
	sup, err := New(Options{
		InitialBackoff: time.Millisecond,
		Workers: []Worker{{Name: "quitter", Run: func(ctx context.Context) error {
			starts.Add(1)
			return nil
		}}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return starts.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestRecoversPanic(t *testing.T) {
	var starts atomic.Int32
	sup, err := New(Options{
		InitialBackoff: time.Millisecond,
		Workers: []Worker{{Name: "bomber", Run: func(ctx context.Context) error {
			starts.Add(1)
			panic("nil map write")
		}}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return starts.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestBackoffGrows(t *testing.T) {
	var stamps []time.Time
	start := make(chan struct{}, 16)
	sup, err := New(Options{
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		ResetAfter:     time.Hour,
		Workers: []Worker{{Name: "flaky", Run: func(ctx context.Context) error {
			stamps = append(stamps, time.Now())
			start <- struct{}{}
			return errors.New("boom")
		}}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-start:
		case <-time.After(time.Second):
			t.Fatal("worker did not restart")
		}
	}
	cancel()
	<-done

	require.GreaterOrEqual(t, len(stamps), 3)
	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	assert.Greater(t, second, first, "restart delay doubles while the worker keeps failing")
}

func TestShutdownGraceExpires(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	sup, err := New(Options{
		ShutdownGrace: 20 * time.Millisecond,
		Workers: []Worker{{Name: "stubborn", Run: func(ctx context.Context) error {
			<-block // ignores cancellation
			return nil
		}}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stubborn")
	case <-time.After(time.Second):
		t.Fatal("supervisor did not give up")
	}
}
