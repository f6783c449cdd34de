// Package mq provides bounded single-producer single-consumer message queues
// carrying multi-part byte messages, plus the latch used to wake a worker.
package mq

import (
	"context"
	"errors"
	"sync"

	"keydict/internal/types"
)

var (
	// ErrDetached means the other end of the queue has detached.
	ErrDetached = errors.New("peer detached")
	// ErrWouldBlock is returned by non-blocking operations that cannot
	// proceed immediately.
	ErrWouldBlock = errors.New("operation would block")
	// ErrWrongSide is returned when a handle is used against its direction.
	ErrWrongSide = errors.New("operation not allowed on this side of the queue")
)

// Side selects one end of a queue.
type Side int

const (
	Sender Side = iota
	Receiver
)

func (s Side) String() string {
	if s == Sender {
		return "sender"
	}
	return "receiver"
}

// Message is one multi-part message.
type Message [][]byte

func (m Message) size() int {
	n := 0
	for _, p := range m {
		n += len(p)
	}
	return n
}

// Queue is a bounded FIFO of messages. Capacity is counted in payload bytes;
// a message larger than the capacity is still accepted when the queue is
// empty so that no message can block forever.
type Queue struct {
	mu       sync.Mutex
	capacity int
	used     int
	msgs     []Message

	sender   types.ProcessID
	receiver types.ProcessID

	// gen advances on Reset; detaches from handles of an older generation
	// are ignored.
	gen      uint64
	detached [2]bool

	// closed survives Reset; it marks a queue whose owner has gone.
	closed bool

	changed chan struct{}
}

// NewQueue returns an empty queue holding at most capacity payload bytes.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{capacity: capacity, changed: make(chan struct{})}
}

// Capacity returns the queue's capacity in bytes.
func (q *Queue) Capacity() int { return q.capacity }

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// SetSender records the identity of the sending process.
func (q *Queue) SetSender(id types.ProcessID) {
	q.mu.Lock()
	q.sender = id
	q.mu.Unlock()
}

// SetReceiver records the identity of the receiving process.
func (q *Queue) SetReceiver(id types.ProcessID) {
	q.mu.Lock()
	q.receiver = id
	q.mu.Unlock()
}

// Sender returns the bound sender identity.
func (q *Queue) Sender() types.ProcessID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sender
}

// Receiver returns the bound receiver identity.
func (q *Queue) Receiver() types.ProcessID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.receiver
}

// Reset drops queued messages and clears both detach flags. It starts a new
// exchange; handles attached before Reset can no longer detach.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.msgs = nil
	q.used = 0
	q.detached = [2]bool{}
	q.gen++
	q.notifyLocked()
	q.mu.Unlock()
}

// Close marks the queue as abandoned by its owner. Unlike a detach it is not
// cleared by Reset: sends fail and receives fail once the queue is empty
// until Open is called.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notifyLocked()
	q.mu.Unlock()
}

// Open clears a previous Close.
func (q *Queue) Open() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// Attach returns a handle on one side of the queue and marks that side
// attached.
func (q *Queue) Attach(side Side) *Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.detached[side] = false
	q.notifyLocked()
	return &Handle{q: q, side: side, gen: q.gen}
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Handle is one process's attachment to a queue.
type Handle struct {
	q    *Queue
	side Side
	gen  uint64
	done bool
}

// Side returns the side the handle is attached to.
func (h *Handle) Side() Side { return h.side }

// Detach releases the handle. The peer sees ErrDetached once no more
// messages can arrive or be consumed.
func (h *Handle) Detach() {
	if h == nil || h.done {
		return
	}
	h.done = true
	q := h.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if h.gen != q.gen {
		return
	}
	q.detached[h.side] = true
	q.notifyLocked()
}

// Send enqueues parts as one message, copying them. It blocks while the
// queue is full unless nowait is set.
func (h *Handle) Send(ctx context.Context, parts [][]byte, nowait bool) error {
	if h.side != Sender || h.done {
		return ErrWrongSide
	}
	msg := make(Message, len(parts))
	for i, p := range parts {
		msg[i] = append([]byte(nil), p...)
	}
	size := msg.size()

	q := h.q
	for {
		q.mu.Lock()
		if q.detached[Receiver] || q.closed {
			q.mu.Unlock()
			return ErrDetached
		}
		if len(q.msgs) == 0 || q.used+size <= q.capacity {
			q.msgs = append(q.msgs, msg)
			q.used += size
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		if nowait {
			return ErrWouldBlock
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Receive dequeues the next message. It blocks while the queue is empty
// unless nowait is set. Once the sender has detached and the queue is
// drained it returns ErrDetached.
func (h *Handle) Receive(ctx context.Context, nowait bool) (Message, error) {
	if h.side != Receiver || h.done {
		return nil, ErrWrongSide
	}
	q := h.q
	for {
		q.mu.Lock()
		if len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			q.used -= msg.size()
			q.notifyLocked()
			q.mu.Unlock()
			return msg, nil
		}
		if q.detached[Sender] || q.closed {
			q.mu.Unlock()
			return nil, ErrDetached
		}
		wait := q.changed
		q.mu.Unlock()

		if nowait {
			return nil, ErrWouldBlock
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
