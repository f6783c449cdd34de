package dictionary

import (
	"errors"

	"keydict/internal/mq"
	"keydict/internal/protocol"
)

var (
	// ErrKeyNotFound is returned by GetKeys when an id has no row.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConfiguration means the dictionary table does not have the
	// expected shape. It indicates a broken deployment.
	ErrConfiguration = errors.New("dictionary misconfigured")
	// ErrIDSpaceExhausted is returned when a namespace has used every id.
	ErrIDSpaceExhausted = errors.New("namespace id space exhausted")
)

// ErrorKind groups errors by how the command boundary reacts to them.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindProtocol
	KindLookup
	KindStorage
	KindChannel
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindProtocol:
		return "protocol"
	case KindLookup:
		return "lookup"
	case KindStorage:
		return "storage"
	case KindChannel:
		return "channel"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Kind classifies err. Errors that match no known sentinel are storage
// errors.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrKeyNotFound):
		return KindLookup
	case errors.Is(err, protocol.ErrUnknownCommand),
		errors.Is(err, protocol.ErrShortFrame),
		errors.Is(err, protocol.ErrMalformedFrame):
		return KindProtocol
	case errors.Is(err, mq.ErrDetached):
		return KindChannel
	default:
		return KindStorage
	}
}
