// Package worker runs one dictionary worker: it serves requests arriving on
// its pool slot, one at a time, each inside its own transaction.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"keydict/internal/dictionary"
	"keydict/internal/logger"
	"keydict/internal/mq"
	"keydict/internal/protocol"
	"keydict/internal/shm"
	"keydict/internal/storage"
	"keydict/internal/transaction"
	"keydict/internal/types"
)

// Config describes one worker.
type Config struct {
	// Num is the slot the worker serves.
	Num       int
	Directory *shm.Directory
	Engine    *storage.Engine
	Store     dictionary.Options
}

// Worker serves one pool slot.
type Worker struct {
	num   int
	dir   *shm.Directory
	store *dictionary.Store
	scope *transaction.Scope

	id      types.ProcessID
	slot    *shm.Slot
	scratch scratch

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a worker for cfg. It does nothing until Run.
func New(cfg Config) *Worker {
	w := &Worker{
		num:   cfg.Num,
		dir:   cfg.Directory,
		store: dictionary.New(cfg.Engine, cfg.Store),
		scope: transaction.NewScope(cfg.Engine),
		stop:  make(chan struct{}),
	}
	w.state.Store(int32(types.StateStarting))
	return w
}

// Num returns the slot number.
func (w *Worker) Num() int { return w.num }

// State returns the worker's lifecycle state.
func (w *Worker) State() types.WorkerState { return types.WorkerState(w.state.Load()) }

func (w *Worker) setState(st types.WorkerState) {
	w.state.Store(int32(st))
	if w.slot != nil {
		w.slot.SetState(st)
	}
}

// Stop asks the worker to terminate. It is observed while idle or right
// after the request in progress has been answered.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run starts the worker and serves requests until Stop is called or ctx is
// done. It returns an error only when startup fails.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(types.StateStarting)
	if err := w.startup(); err != nil {
		w.setState(types.StateTerminated)
		return fmt.Errorf("worker %d: %w", w.num, err)
	}
	logger.Info("dictionary worker %d started with pid %d", w.num, w.id.PID)

	w.loop(ctx)

	w.setState(types.StateStopping)
	w.scope.Abort()
	w.slot.ClearOwner()
	// Callers waiting on this slot, or claiming it from now on, see the queues
	// closed even after they reset them.
	w.slot.In.Close()
	w.slot.Out.Close()
	w.setState(types.StateTerminated)
	logger.Info("dictionary worker %d has ended its work", w.num)
	return nil
}

func (w *Worker) startup() error {
	header, slot, err := shm.AttachSlot(w.dir, w.num)
	if err != nil {
		return fmt.Errorf("attach pool region: %w", err)
	}
	w.id = types.NewProcessID(w.num)
	slot.In.Open()
	slot.Out.Open()
	slot.In.SetReceiver(w.id)
	slot.Out.SetSender(w.id)

	if _, err := w.store.Handles(); err != nil {
		return err
	}

	w.slot = slot
	slot.Release()
	slot.SetOwner(w.id)
	header.MarkReady()
	w.scratch.reset()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	var in *mq.Handle
	for {
		if w.stopRequested(ctx) {
			return
		}
		w.setState(types.StateIdle)

		if in == nil {
			in = w.slot.In.Attach(mq.Receiver)
		}
		msg, err := in.Receive(ctx, true)
		switch {
		case err == nil:
			in.Detach()
			in = nil
			w.serve(ctx, msg)
			continue
		case errors.Is(err, mq.ErrWouldBlock), errors.Is(err, mq.ErrDetached):
		default:
			logger.Warn("worker %d: receive: %v", w.num, err)
		}

		select {
		case <-w.slot.Latch.C():
		case <-w.stop:
		case <-ctx.Done():
		}
	}
}

// serve runs one BUSY cycle. Cancellation of ctx does not reach the
// storage operations or the reply.
func (w *Worker) serve(ctx context.Context, msg mq.Message) {
	w.setState(types.StateBusy)
	defer w.scratch.reset()

	ctx = context.WithoutCancel(ctx)
	resp := w.execute(ctx, w.scratch.join(msg))

	out := w.slot.Out.Attach(mq.Sender)
	err := out.Send(ctx, resp, false)
	out.Detach()
	switch {
	case errors.Is(err, mq.ErrDetached):
		logger.Warn("worker %d: caller detached before the response was sent", w.num)
	case err != nil:
		logger.Error("worker %d: send response: %v", w.num, err)
	}
	w.setState(types.StateIdle)
}

// execute decodes frame, runs the command in its own transaction and
// returns the response parts. Every failure becomes the sentinel.
func (w *Worker) execute(ctx context.Context, frame []byte) [][]byte {
	req, err := protocol.Decode(frame)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownCommand) {
			logger.Warn("worker %d: got unknown command %d", w.num, uint8(req.Command))
		} else {
			logger.Warn("worker %d: bad request: %v", w.num, err)
		}
		return protocol.FailureResponse()
	}

	var resp [][]byte
	err = w.scope.Run(func(*storage.Tx) error {
		switch req.Command {
		case types.CmdGetIDs:
			ids, err := w.store.GetOrCreateIDs(ctx, w.scope, req.Namespace, req.Keys)
			if err != nil {
				return err
			}
			resp = protocol.IDsResponse(w.scratch.alloc, ids)
		case types.CmdGetKeys:
			keys, err := w.store.GetKeys(w.scope, req.Namespace, req.IDs)
			if err != nil {
				return err
			}
			resp = protocol.KeysResponse(w.scratch.alloc, keys)
		}
		return nil
	})
	if err != nil {
		w.report(req, err)
		return protocol.FailureResponse()
	}
	logger.Debug("worker %d: %s namespace=%d n=%d ok", w.num, req.Command, req.Namespace, req.Count)
	return resp
}

func (w *Worker) report(req *protocol.Request, err error) {
	switch kind := dictionary.Kind(err); kind {
	case dictionary.KindConfiguration:
		logger.Error("worker %d: %s on namespace %d: %v", w.num, req.Command, req.Namespace, err)
	case dictionary.KindLookup, dictionary.KindProtocol:
		logger.Warn("worker %d: %s on namespace %d: %v", w.num, req.Command, req.Namespace, err)
	default:
		logger.Error("worker %d: request failed (%s): %v", w.num, kind, err)
	}
}
