package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
	at    []time.Time
}

func (r *exitRecorder) exit(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	r.at = append(r.at, time.Now())
}

func (r *exitRecorder) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.codes...)
}

func waitDone(t *testing.T, c *Coordinator, within time.Duration) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(within):
		t.Fatalf("coordinator did not terminate within %v", within)
	}
}

func TestCoordinator_CleanDrain(t *testing.T) {
	rec := &exitRecorder{}
	c := New(time.Second, WithExit(rec.exit))

	var order []string
	c.Add("heartbeat", func(ctx context.Context) error { order = append(order, "heartbeat"); return nil })
	c.Add("hub", func(ctx context.Context) error { order = append(order, "hub"); return nil })
	c.Add("listener", func(ctx context.Context) error { order = append(order, "listener"); return errors.New("ignored") })

	assert.Equal(t, Running, c.State())
	require.True(t, c.Trigger("test"))
	waitDone(t, c, time.Second)

	assert.Equal(t, []string{"heartbeat", "hub", "listener"}, order)
	assert.Equal(t, []int{ExitClean}, rec.calls())
	assert.Equal(t, ExitClean, c.Wait())
	assert.Equal(t, Terminated, c.State())
}

func TestCoordinator_DoubleTrigger(t *testing.T) {
	rec := &exitRecorder{}
	c := New(time.Second, WithExit(rec.exit))

	var drains atomic.Int32
	c.Add("drain", func(ctx context.Context) error {
		drains.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Trigger("signal") {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	waitDone(t, c, time.Second)

	// a trigger after termination is still a no-op
	assert.False(t, c.Trigger("late"))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(1), drains.Load())
	assert.Equal(t, []int{ExitClean}, rec.calls())
}

func TestCoordinator_ForcedExitOnStuckStep(t *testing.T) {
	const deadline = 100 * time.Millisecond
	rec := &exitRecorder{}
	c := New(deadline, WithExit(rec.exit))

	var cancelled atomic.Bool
	c.Add("respects ctx", func(ctx context.Context) error {
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})

	start := time.Now()
	require.True(t, c.Trigger("test"))
	assert.Equal(t, Draining, c.State())
	waitDone(t, c, time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, []int{ExitForced}, rec.calls())
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, deadline+100*time.Millisecond)
	assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestCoordinator_ForcedExitOnStepIgnoringContext(t *testing.T) {
	const deadline = 100 * time.Millisecond
	rec := &exitRecorder{}
	c := New(deadline, WithExit(rec.exit))

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	c.Add("never returns", func(ctx context.Context) error {
		<-block
		return nil
	})
	var ranAfter atomic.Bool
	c.Add("after", func(ctx context.Context) error {
		ranAfter.Store(true)
		return nil
	})

	start := time.Now()
	c.Trigger("test")
	waitDone(t, c, time.Second)

	assert.Less(t, time.Since(start), deadline+100*time.Millisecond)
	assert.Equal(t, []int{ExitForced}, rec.calls())
	assert.Equal(t, ExitForced, c.Wait())
	assert.False(t, ranAfter.Load())
}

func TestCoordinator_DefaultDeadline(t *testing.T) {
	c := New(0)
	assert.Equal(t, DefaultDeadline, c.Deadline())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.Equal(t, "unknown", State(9).String())
}
