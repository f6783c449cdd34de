package types

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Command identifies the operation carried by a request frame.
type Command uint8

const (
	CmdGetIDs  Command = 1
	CmdGetKeys Command = 2
)

func (c Command) String() string {
	switch c {
	case CmdGetIDs:
		return "GET_IDS"
	case CmdGetKeys:
		return "GET_KEYS"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// Valid reports whether c is a command a worker knows how to execute.
func (c Command) Valid() bool {
	return c == CmdGetIDs || c == CmdGetKeys
}

// NamespaceID scopes a key space. It is supplied by the caller and never
// interpreted by the dictionary beyond equality.
type NamespaceID int32

// KeyID is the compact identifier assigned to a key inside a namespace.
// Valid ids start at 1; 0 is the failure sentinel on the wire.
type KeyID int32

// ProcessID identifies the worker instance that owns a pool slot.
type ProcessID struct {
	Worker   int
	PID      int
	Instance uuid.UUID
}

// NewProcessID returns a fresh identity for worker number n.
func NewProcessID(n int) ProcessID {
	return ProcessID{
		Worker:   n,
		PID:      os.Getpid(),
		Instance: uuid.Must(uuid.NewV7()),
	}
}

func (p ProcessID) IsZero() bool {
	return p.Instance == uuid.Nil
}

func (p ProcessID) String() string {
	if p.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("worker-%d/%d/%s", p.Worker, p.PID, p.Instance)
}

// WorkerState is the lifecycle state of a dictionary worker.
type WorkerState int32

const (
	StateStarting WorkerState = iota
	StateIdle
	StateBusy
	StateStopping
	StateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateIdle:
		return "IDLE"
	case StateBusy:
		return "BUSY"
	case StateStopping:
		return "STOPPING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("WorkerState(%d)", int32(s))
	}
}
