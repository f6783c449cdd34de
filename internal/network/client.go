package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"keydict/internal/protocol"
	"keydict/internal/types"

	"github.com/google/uuid"
)

// ErrServer is returned when the server could not dispatch a request.
var ErrServer = errors.New("server error")

// Client talks to a keydict server over one connection. Requests on the
// same client are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one raw frame and returns the worker's response parts.
func (c *Client) Do(ctx context.Context, frame []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	req := &Request{ID: uuid.NewString(), Frame: frame}
	if err := writeMessage(c.conn, req.Marshal()); err != nil {
		return nil, err
	}
	data, err := readMessage(c.conn)
	if err != nil {
		return nil, err
	}
	resp, err := UnmarshalResponse(data)
	if err != nil {
		return nil, err
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrServer, resp.Error)
	}
	return resp.Parts, nil
}

// GetIDs returns the ids of keys in ns, allocating unseen keys.
func (c *Client) GetIDs(ctx context.Context, ns types.NamespaceID, keys []string) ([]types.KeyID, error) {
	frame, err := protocol.EncodeGetIDs(ns, keys)
	if err != nil {
		return nil, err
	}
	parts, err := c.Do(ctx, frame)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeIDsResponse(parts, len(keys))
}

// GetKeys returns the keys of ids in ns.
func (c *Client) GetKeys(ctx context.Context, ns types.NamespaceID, ids []types.KeyID) ([]string, error) {
	req := protocol.KeysRequestIDs(ids)
	parts, err := c.Do(ctx, protocol.EncodeGetKeys(ns, req))
	if err != nil {
		return nil, err
	}
	keys, err := protocol.DecodeKeysResponse(parts, len(req))
	if err != nil {
		return nil, err
	}
	return keys[:len(ids)], nil
}
