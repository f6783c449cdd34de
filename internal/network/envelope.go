package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize bounds one length-prefixed message on the wire.
const MaxMessageSize = 16 << 20

var ErrMessageTooLarge = errors.New("message too large")

// Field numbers of the envelopes.
const (
	fieldRequestID    protowire.Number = 1
	fieldRequestFrame protowire.Number = 2

	fieldResponseID    protowire.Number = 1
	fieldResponsePart  protowire.Number = 2
	fieldResponseError protowire.Number = 3
)

// Request wraps one raw dictionary frame.
type Request struct {
	ID    string
	Frame []byte
}

// Response carries the worker's response parts, or Error when the request
// never reached a worker.
type Response struct {
	ID    string
	Parts [][]byte
	Error string
}

func (r *Request) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRequestID, protowire.BytesType)
	b = protowire.AppendString(b, r.ID)
	b = protowire.AppendTag(b, fieldRequestFrame, protowire.BytesType)
	return protowire.AppendBytes(b, r.Frame)
}

func UnmarshalRequest(data []byte) (*Request, error) {
	r := &Request{}
	err := walk(data, func(num protowire.Number, v []byte) {
		switch num {
		case fieldRequestID:
			r.ID = string(v)
		case fieldRequestFrame:
			r.Frame = append([]byte(nil), v...)
		}
	})
	return r, err
}

func (r *Response) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldResponseID, protowire.BytesType)
	b = protowire.AppendString(b, r.ID)
	for _, p := range r.Parts {
		b = protowire.AppendTag(b, fieldResponsePart, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	if r.Error != "" {
		b = protowire.AppendTag(b, fieldResponseError, protowire.BytesType)
		b = protowire.AppendString(b, r.Error)
	}
	return b
}

func UnmarshalResponse(data []byte) (*Response, error) {
	r := &Response{}
	err := walk(data, func(num protowire.Number, v []byte) {
		switch num {
		case fieldResponseID:
			r.ID = string(v)
		case fieldResponsePart:
			r.Parts = append(r.Parts, append([]byte{}, v...))
		case fieldResponseError:
			r.Error = string(v)
		}
	})
	return r, err
}

// walk calls fn for every length-delimited field of data and skips the rest.
func walk(data []byte, fn func(protowire.Number, []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
		}
		fn(num, v)
		data = data[n:]
	}
	return nil
}

// writeMessage writes data with a 4-byte big-endian length prefix.
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	buf := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	_, err := w.Write(append(buf, data...))
	return err
}

// readMessage reads one length-prefixed message.
func readMessage(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
