package container

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-demos/client"
)

func TestEventFdTryRead(t *testing.T) {
	e, err := NewEventFd("test")
	require.NoError(t, err)
	defer e.Close()

	_, ok, err := e.TryRead()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.Write(1))
	require.NoError(t, e.Write(2))
	v, ok, err := e.TryRead()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), v, "eventfd counters accumulate")

	_, ok, err = e.TryRead()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventFdWait(t *testing.T) {
	e, err := NewEventFd("test")
	require.NoError(t, err)
	defer e.Close()

	ready, err := e.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Write(1)
	}()
	ready, err = e.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.True(t, ready)
}

// 客户端协议和调度器一侧的 eventfd 需要配合工作
func TestClientProtocolRoundTrip(t *testing.T) {
	completed, err := NewEventFd("completed")
	require.NoError(t, err)
	defer completed.Close()
	newPeriod, err := NewEventFd("new_period")
	require.NoError(t, err)
	defer newPeriod.Close()

	c := client.New(int(completed.File().Fd()), int(newPeriod.File().Fd()))
	done := make(chan error, 1)
	go func() { done <- c.Completed() }()

	ready, err := completed.Wait(5 * time.Second)
	require.NoError(t, err)
	require.True(t, ready)
	_, ok, err := completed.TryRead()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, newPeriod.Write(1))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client was not released")
	}
}

func TestUserCommandPipe(t *testing.T) {
	r, w, err := NewPipe()
	require.NoError(t, err)

	require.NoError(t, sendUserCommand("echo hello; sleep 1\n", w))
	command, err := readUserCommand(r)
	require.NoError(t, err)
	assert.Equal(t, "echo hello; sleep 1", command)
}

func TestNewParentProcess(t *testing.T) {
	completed, err := NewEventFd("completed")
	require.NoError(t, err)
	defer completed.Close()
	newPeriod, err := NewEventFd("new_period")
	require.NoError(t, err)
	defer newPeriod.Close()

	cmd, w, err := NewParentProcess("/tmp", nil, nil, completed.File(), newPeriod.File())
	require.NoError(t, err)
	defer w.Close()
	defer cmd.ExtraFiles[0].Close()

	assert.Equal(t, []string{cmd.Path, InitCommand}, cmd.Args)
	assert.Equal(t, "/tmp", cmd.Dir)
	require.Len(t, cmd.ExtraFiles, 3)
	assert.Same(t, completed.File(), cmd.ExtraFiles[1])
	assert.Same(t, newPeriod.File(), cmd.ExtraFiles[2])
	assert.Contains(t, cmd.Env, "DEMOS_FDS=4,5")
}
