// Package shutdown coordinates a bounded-time drain of the server.
//
// A Coordinator moves Running -> Draining -> Terminated exactly once. On the
// first Trigger it runs the registered drain steps in order while a deadline
// timer runs against them; whichever finishes first decides the exit code and
// the other is cancelled. The exit function is called exactly once, so the
// process never hangs on a stuck step.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is the coordinator's lifecycle position.
type State int32

const (
	Running State = iota
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Exit codes passed to the exit function.
const (
	ExitClean  = 0
	ExitForced = 1
)

// DefaultDeadline bounds the drain when no deadline is configured.
const DefaultDeadline = 5 * time.Second

// Step is one drain action. Run receives a context that is cancelled when the
// deadline fires.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(c *Coordinator) { c.exit = exit }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator runs the drain sequence once and then exits the process.
type Coordinator struct {
	deadline time.Duration
	exit     func(code int)
	logger   zerolog.Logger

	mu    sync.Mutex
	steps []Step

	state    atomic.Int32
	exitOnce sync.Once
	code     int
	done     chan struct{}
}

// New creates a coordinator whose drain may take at most deadline.
func New(deadline time.Duration, opts ...Option) *Coordinator {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	c := &Coordinator{
		deadline: deadline,
		exit:     os.Exit,
		logger:   zerolog.Nop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "shutdown").Logger()
	return c
}

// Add appends a drain step. Steps run in the order they were added.
func (c *Coordinator) Add(name string, run func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, Step{Name: name, Run: run})
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Deadline returns the drain deadline.
func (c *Coordinator) Deadline() time.Duration { return c.deadline }

// Done is closed after the exit function has been called.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Wait blocks until the coordinator has terminated and returns the exit code.
// Useful when the exit function does not actually end the process.
func (c *Coordinator) Wait() int {
	<-c.done
	return c.code
}

// Trigger starts the drain. Only the first call has any effect; it returns
// true for that call and false for every later one.
func (c *Coordinator) Trigger(reason string) bool {
	if !c.state.CompareAndSwap(int32(Running), int32(Draining)) {
		c.logger.Debug().Str("reason", reason).Msg("shutdown already in progress")
		return false
	}
	c.logger.Info().Str("reason", reason).Dur("deadline", c.deadline).Msg("shutting down gracefully")

	c.mu.Lock()
	steps := append([]Step(nil), c.steps...)
	c.mu.Unlock()

	go c.run(steps)
	return true
}

func (c *Coordinator) run(steps []Step) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := time.NewTimer(c.deadline)
	defer timer.Stop()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for _, step := range steps {
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			if err := step.Run(ctx); err != nil {
				c.logger.Warn().Err(err).Str("step", step.Name).Msg("drain step failed")
				continue
			}
			c.logger.Info().Str("step", step.Name).Dur("took", time.Since(start)).Msg("drain step done")
		}
	}()

	select {
	case <-drained:
		timer.Stop()
		c.terminate(ExitClean)
	case <-timer.C:
		cancel()
		c.logger.Error().Dur("deadline", c.deadline).Msg("could not close connections in time, forcefully shutting down")
		c.terminate(ExitForced)
	}
}

func (c *Coordinator) terminate(code int) {
	c.exitOnce.Do(func() {
		c.code = code
		c.state.Store(int32(Terminated))
		c.logger.Info().Int("code", code).Msg("exiting")
		c.exit(code)
		close(c.done)
	})
}

// Watch triggers the drain when any of sigs arrives. It defaults to SIGINT
// and SIGTERM. Repeated signals keep being absorbed until the coordinator
// terminates, so a second Ctrl-C cannot skip the drain. The returned function
// stops watching.
func (c *Coordinator) Watch(ctx context.Context, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = defaultSignals
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case sig := <-ch:
				c.Trigger(sig.String())
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
	return cancel
}
