package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"keydict/internal/logger"
	"keydict/internal/mq"
	"keydict/internal/protocol"
	"keydict/internal/shm"
	"keydict/internal/types"
)

const claimBackoff = 200 * time.Microsecond

// ErrNoWorkers is returned when no slot has a live worker.
var ErrNoWorkers = errors.New("no live workers")

// Client sends requests to pool workers. It claims an idle slot by setting
// its busy flag, runs one exchange and releases the slot once the response
// has been read. It is safe for concurrent use.
type Client struct {
	region *shm.Region
	next   atomic.Uint32
}

func NewClient(region *shm.Region) *Client {
	return &Client{region: region}
}

func (c *Client) claim(ctx context.Context) (*shm.Slot, error) {
	slots := c.region.Slots
	for {
		live := 0
		start := int(c.next.Add(1))
		for i := range slots {
			s := slots[(start+i)%len(slots)]
			if s.Owner().IsZero() {
				continue
			}
			live++
			if !s.TryClaim() {
				continue
			}
			if s.Owner().IsZero() {
				s.Release()
				continue
			}
			return s, nil
		}
		if live == 0 {
			return nil, ErrNoWorkers
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimBackoff):
		}
	}
}

// Do sends frame to an idle worker and returns the response parts. If ctx
// ends while the worker is executing, the slot stays claimed until the
// abandoned response has been drained.
func (c *Client) Do(ctx context.Context, frame []byte) ([][]byte, error) {
	slot, err := c.claim(ctx)
	if err != nil {
		return nil, err
	}
	slot.In.Reset()
	slot.Out.Reset()

	in := slot.In.Attach(mq.Sender)
	err = in.Send(ctx, [][]byte{frame}, false)
	in.Detach()
	if err != nil {
		slot.Release()
		return nil, err
	}
	slot.Latch.Set()

	out := slot.Out.Attach(mq.Receiver)
	msg, err := out.Receive(ctx, false)
	if err != nil && ctx.Err() != nil {
		go drain(slot, out)
		return nil, err
	}
	out.Detach()
	slot.Release()
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// drain waits for the response of an abandoned request so that it cannot
// be read by the next caller of the slot.
func drain(slot *shm.Slot, out *mq.Handle) {
	if _, err := out.Receive(context.Background(), false); err != nil && !errors.Is(err, mq.ErrDetached) {
		logger.Warn("pool: drain slot %d: %v", slot.Num, err)
	}
	out.Detach()
	slot.Release()
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
