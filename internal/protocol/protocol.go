// Package protocol encodes and decodes the dictionary request and response
// frames exchanged with pool workers.
//
// Request frame:
//
//	int32  key count n
//	int32  namespace id
//	uint8  command (GET_IDS=1, GET_KEYS=2)
//	payload: n NUL-terminated strings (GET_IDS) or n int32 ids (GET_KEYS)
//
// Integers are little-endian.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"keydict/internal/types"
)

// HeaderSize is the size of the fixed request header.
const HeaderSize = 4 + 4 + 1

// ByteOrder of every integer on the wire.
var ByteOrder = binary.LittleEndian

var (
	ErrShortFrame     = errors.New("frame too short")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownCommand = errors.New("unknown command")
	// ErrRequestFailed is returned by the response decoders when the worker
	// answered with the failure sentinel.
	ErrRequestFailed = errors.New("request failed")
	// ErrAmbiguousResponse is returned for a single-id GET_KEYS response
	// that is either the sentinel or the empty key. KeysRequestIDs avoids it.
	ErrAmbiguousResponse = errors.New("response is the sentinel or a single empty key")
)

// Sentinel is the 1-byte failure response.
var Sentinel = []byte{0}

// Header is the fixed part of a request frame.
type Header struct {
	Count     int32
	Namespace types.NamespaceID
	Command   types.Command
}

// Request is a decoded request frame.
type Request struct {
	Header
	Keys []string
	IDs  []types.KeyID
}

// DecodeHeader parses the fixed header and returns the payload that follows.
func DecodeHeader(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrShortFrame, len(frame), HeaderSize)
	}
	h := Header{
		Count:     int32(ByteOrder.Uint32(frame[0:4])),
		Namespace: types.NamespaceID(int32(ByteOrder.Uint32(frame[4:8]))),
		Command:   types.Command(frame[8]),
	}
	if h.Count < 0 {
		return h, nil, fmt.Errorf("%w: negative key count %d", ErrMalformedFrame, h.Count)
	}
	return h, frame[HeaderSize:], nil
}

// Decode parses a complete request frame. For a frame with an unknown
// command the header is returned along with ErrUnknownCommand.
func Decode(frame []byte) (*Request, error) {
	h, payload, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	req := &Request{Header: h}

	switch h.Command {
	case types.CmdGetIDs:
		req.Keys, err = decodeKeys(payload, int(h.Count))
	case types.CmdGetKeys:
		req.IDs, err = decodeIDs(payload, int(h.Count))
	default:
		return req, fmt.Errorf("%w %d", ErrUnknownCommand, uint8(h.Command))
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func decodeKeys(payload []byte, n int) ([]string, error) {
	keys := make([]string, 0, min(n, len(payload)))
	for len(keys) < n {
		end := bytes.IndexByte(payload, 0)
		if end < 0 {
			return nil, fmt.Errorf("%w: %d of %d keys present", ErrShortFrame, len(keys), n)
		}
		if !utf8.Valid(payload[:end]) {
			return nil, fmt.Errorf("%w: key %d is not valid UTF-8", ErrMalformedFrame, len(keys))
		}
		keys = append(keys, string(payload[:end]))
		payload = payload[end+1:]
	}
	if len(payload) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(payload))
	}
	return keys, nil
}

func decodeIDs(payload []byte, n int) ([]types.KeyID, error) {
	if len(payload) < 4*n {
		return nil, fmt.Errorf("%w: %d bytes for %d ids", ErrShortFrame, len(payload), n)
	}
	if len(payload) > 4*n {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(payload)-4*n)
	}
	return readIDs(payload, n), nil
}

func readIDs(b []byte, n int) []types.KeyID {
	ids := make([]types.KeyID, n)
	for i := range ids {
		ids[i] = types.KeyID(int32(ByteOrder.Uint32(b[4*i:])))
	}
	return ids
}

func appendHeader(b []byte, h Header) []byte {
	b = ByteOrder.AppendUint32(b, uint32(h.Count))
	b = ByteOrder.AppendUint32(b, uint32(h.Namespace))
	return append(b, byte(h.Command))
}

// EncodeGetIDs builds a GET_IDS request frame. Keys must be free of NUL
// bytes.
func EncodeGetIDs(ns types.NamespaceID, keys []string) ([]byte, error) {
	size := HeaderSize
	for i, k := range keys {
		if strings.IndexByte(k, 0) >= 0 {
			return nil, fmt.Errorf("%w: key %d contains NUL", ErrMalformedFrame, i)
		}
		size += len(k) + 1
	}
	b := make([]byte, 0, size)
	b = appendHeader(b, Header{Count: int32(len(keys)), Namespace: ns, Command: types.CmdGetIDs})
	for _, k := range keys {
		b = append(b, k...)
		b = append(b, 0)
	}
	return b, nil
}

// EncodeGetKeys builds a GET_KEYS request frame.
func EncodeGetKeys(ns types.NamespaceID, ids []types.KeyID) []byte {
	b := make([]byte, 0, HeaderSize+4*len(ids))
	b = appendHeader(b, Header{Count: int32(len(ids)), Namespace: ns, Command: types.CmdGetKeys})
	for _, id := range ids {
		b = ByteOrder.AppendUint32(b, uint32(id))
	}
	return b
}

// EncodeRaw builds a frame with an arbitrary command byte and payload.
func EncodeRaw(count int32, ns types.NamespaceID, cmd types.Command, payload []byte) []byte {
	b := make([]byte, 0, HeaderSize+len(payload))
	b = appendHeader(b, Header{Count: count, Namespace: ns, Command: cmd})
	return append(b, payload...)
}

// AppendIDs appends the GET_IDS success buffer for ids to b.
func AppendIDs(b []byte, ids []types.KeyID) []byte {
	for _, id := range ids {
		b = ByteOrder.AppendUint32(b, uint32(id))
	}
	return b
}

// AppendKey appends one GET_KEYS response part to b.
func AppendKey(b []byte, key string) []byte {
	b = append(b, key...)
	return append(b, 0)
}

// Alloc returns an empty buffer with capacity for at least n bytes. A nil
// Alloc uses make.
type Alloc func(n int) []byte

func (a Alloc) get(n int) []byte {
	if a == nil {
		return make([]byte, 0, n)
	}
	return a(n)
}

// IDsResponse returns the single-part GET_IDS success response, with its
// buffer taken from alloc.
func IDsResponse(alloc Alloc, ids []types.KeyID) [][]byte {
	return [][]byte{AppendIDs(alloc.get(4*len(ids)), ids)}
}

// KeysResponse returns the n-part GET_KEYS success response, one buffer from
// alloc per key.
func KeysResponse(alloc Alloc, keys []string) [][]byte {
	parts := make([][]byte, len(keys))
	for i, k := range keys {
		parts[i] = AppendKey(alloc.get(len(k)+1), k)
	}
	return parts
}

// FailureResponse returns the sentinel response.
func FailureResponse() [][]byte {
	return [][]byte{Sentinel}
}

// IsFailure reports whether parts is the sentinel response.
func IsFailure(parts [][]byte) bool {
	return len(parts) == 1 && bytes.Equal(parts[0], Sentinel)
}

// DecodeIDsResponse parses the response to a GET_IDS request for n keys.
func DecodeIDsResponse(parts [][]byte, n int) ([]types.KeyID, error) {
	if len(parts) != 1 {
		return nil, fmt.Errorf("%w: %d parts, want 1", ErrMalformedFrame, len(parts))
	}
	buf := parts[0]
	if len(buf) == 4*n {
		return readIDs(buf, n), nil
	}
	if bytes.Equal(buf, Sentinel) {
		return nil, ErrRequestFailed
	}
	return nil, fmt.Errorf("%w: %d bytes for %d ids", ErrMalformedFrame, len(buf), n)
}

// KeysRequestIDs returns the ids to send for a GET_KEYS request. A single id
// is sent twice so that its response has two parts and cannot be mistaken
// for the sentinel; decode it for len(result) ids and keep the first key.
func KeysRequestIDs(ids []types.KeyID) []types.KeyID {
	if len(ids) == 1 {
		return []types.KeyID{ids[0], ids[0]}
	}
	return ids
}

// DecodeKeysResponse parses the response to a GET_KEYS request for n ids.
// For n == 1 a lone NUL part is either a failure or the empty key, and
// ErrAmbiguousResponse is returned.
func DecodeKeysResponse(parts [][]byte, n int) ([]string, error) {
	if IsFailure(parts) {
		if n == 1 {
			return nil, ErrAmbiguousResponse
		}
		return nil, ErrRequestFailed
	}
	if len(parts) != n {
		return nil, fmt.Errorf("%w: %d parts for %d ids", ErrMalformedFrame, len(parts), n)
	}
	keys := make([]string, n)
	for i, p := range parts {
		if len(p) == 0 || p[len(p)-1] != 0 {
			return nil, fmt.Errorf("%w: part %d is not a NUL-terminated key", ErrMalformedFrame, i)
		}
		keys[i] = string(p[:len(p)-1])
	}
	return keys, nil
}
