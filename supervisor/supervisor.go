// Package supervisor keeps long-running workers alive. Each worker is a
// named blocking function; when one returns or panics before shutdown the
// supervisor restarts it with exponential backoff. Backoff resets after the
// worker stays up long enough, so a flapping worker does not hammer its
// downstream while a recovered one restarts promptly.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/mailroom-io/mailroom/telemetry"
)

// Restart tuning defaults.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultResetAfter     = time.Minute
	DefaultShutdownGrace  = 10 * time.Second
)

type (
	// Worker is one supervised unit. Run must block until the context is
	// cancelled; returning earlier, with or without an error, triggers a
	// restart.
	Worker struct {
		Name string
		Run  func(ctx context.Context) error
	}

	// Options configures a supervisor.
	Options struct {
		Workers []Worker

		// InitialBackoff is the first restart delay. Defaults to
		// DefaultInitialBackoff.
		InitialBackoff time.Duration
		// MaxBackoff caps the restart delay. Defaults to
		// DefaultMaxBackoff.
		MaxBackoff time.Duration
		// ResetAfter is the uptime after which the backoff resets to the
		// initial delay. Defaults to DefaultResetAfter.
		ResetAfter time.Duration
		// ShutdownGrace bounds how long Run waits for workers to return
		// after cancellation. Defaults to DefaultShutdownGrace.
		ShutdownGrace time.Duration

		Logger telemetry.Logger
	}

	// Supervisor runs and restarts a fixed set of workers.
	Supervisor struct {
		workers []Worker
		initial time.Duration
		max     time.Duration
		reset   time.Duration
		grace   time.Duration
		log     telemetry.Logger
	}
)

// New validates the options and builds a supervisor.
func New(opts Options) (*Supervisor, error) {
	if len(opts.Workers) == 0 {
		return nil, errors.New("at least one worker is required")
	}
	for i, w := range opts.Workers {
		if w.Name == "" {
			return nil, fmt.Errorf("worker %d: name is required", i)
		}
		if w.Run == nil {
			return nil, fmt.Errorf("worker %s: run function is required", w.Name)
		}
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	max := opts.MaxBackoff
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if max < initial {
		max = initial
	}
	reset := opts.ResetAfter
	if reset <= 0 {
		reset = DefaultResetAfter
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Supervisor{
		workers: opts.Workers,
		initial: initial,
		max:     max,
		reset:   reset,
		grace:   grace,
		log:     log,
	}, nil
}

// Run supervises all workers until the context is cancelled, then waits up
// to the shutdown grace period for them to return. Workers still running
// when the grace period expires are reported in the returned error.
func (s *Supervisor) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		live = make(map[string]bool, len(s.workers))
	)
	for _, w := range s.workers {
		live[w.Name] = true
	}
	for _, w := range s.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.supervise(ctx, w)
			mu.Lock()
			delete(live, w.Name)
			mu.Unlock()
		}()
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return ctx.Err()
	case <-time.After(s.grace):
		mu.Lock()
		stuck := make([]string, 0, len(live))
		for name := range live {
			stuck = append(stuck, name)
		}
		mu.Unlock()
		return fmt.Errorf("shutdown grace expired, workers still running: %s", strings.Join(stuck, ", "))
	}
}

// supervise runs one worker in a restart loop until the context is
// cancelled.
func (s *Supervisor) supervise(ctx context.Context, w Worker) {
	backoff := s.initial
	for {
		started := time.Now()
		err := s.runOnce(ctx, w)
		if ctx.Err() != nil {
			return
		}

		uptime := time.Since(started)
		if uptime >= s.reset {
			backoff = s.initial
		}
		if err != nil {
			s.log.Error(ctx, "worker exited", "worker", w.Name, "uptime", uptime.String(), "backoff", backoff.String(), "error", err.Error())
		} else {
			s.log.Warn(ctx, "worker returned without error before shutdown", "worker", w.Name, "uptime", uptime.String(), "backoff", backoff.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.max {
			backoff = s.max
		}
		s.log.Info(ctx, "worker restarting", "worker", w.Name)
	}
}

// runOnce executes the worker, converting a panic into an error so one bad
// worker cannot take the process down.
func (s *Supervisor) runOnce(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v\n%s", w.Name, r, debug.Stack())
		}
	}()
	return w.Run(ctx)
}
