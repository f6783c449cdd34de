package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommand(t *testing.T) {
	assert.True(t, CmdGetIDs.Valid())
	assert.True(t, CmdGetKeys.Valid())
	assert.False(t, Command(99).Valid())
	assert.Equal(t, "GET_IDS", CmdGetIDs.String())
	assert.Equal(t, "Command(7)", Command(7).String())
}

func TestProcessID(t *testing.T) {
	var zero ProcessID
	assert.True(t, zero.IsZero())
	assert.Equal(t, "<none>", zero.String())

	a := NewProcessID(1)
	b := NewProcessID(1)
	assert.False(t, a.IsZero())
	assert.NotEqual(t, a.Instance, b.Instance)
	assert.Contains(t, a.String(), "worker-1/")
}

func TestWorkerStateString(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
	assert.Equal(t, "WorkerState(42)", WorkerState(42).String())
}
