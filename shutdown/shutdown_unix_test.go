//go:build unix

package shutdown

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_WatchSignal(t *testing.T) {
	rec := &exitRecorder{}
	c := New(time.Second, WithExit(rec.exit))

	stop := c.Watch(context.Background(), syscall.SIGUSR1)
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	waitDone(t, c, 2*time.Second)
	assert.Equal(t, []int{ExitClean}, rec.calls())
}
