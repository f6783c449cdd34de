package shm

import (
	"fmt"
	"sync/atomic"

	"keydict/internal/mq"
	"keydict/internal/types"
)

// PoolMagic is the segment key of the worker pool region.
const PoolMagic uint64 = 0x6b657964696374

// Table of contents layout of the pool segment. Slot n lives at
// tocSlotBase+n.
const (
	tocHeader   uint64 = 0
	tocSlotBase uint64 = 1
)

// Header is the pool-wide part of the region.
type Header struct {
	Workers      uint32
	workersReady atomic.Uint32
}

// WorkersReady returns how many workers have finished starting.
func (h *Header) WorkersReady() uint32 { return h.workersReady.Load() }

// MarkReady counts one more started worker and returns the new total.
func (h *Header) MarkReady() uint32 { return h.workersReady.Add(1) }

// Slot is one worker's descriptor.
type Slot struct {
	Num   int
	In    *mq.Queue
	Out   *mq.Queue
	Latch *mq.Latch

	owner atomic.Pointer[types.ProcessID]
	busy  atomic.Bool
	state atomic.Int32
}

// Owner returns the identity of the worker serving the slot, or the zero
// ProcessID when none is.
func (s *Slot) Owner() types.ProcessID {
	if p := s.owner.Load(); p != nil {
		return *p
	}
	return types.ProcessID{}
}

func (s *Slot) SetOwner(id types.ProcessID) { s.owner.Store(&id) }
func (s *Slot) ClearOwner()                 { s.owner.Store(nil) }

// Busy reports whether a caller has claimed the slot.
func (s *Slot) Busy() bool { return s.busy.Load() }

// TryClaim marks the slot busy if it was idle.
func (s *Slot) TryClaim() bool { return s.busy.CompareAndSwap(false, true) }

// Release clears the busy flag.
func (s *Slot) Release() { s.busy.Store(false) }

func (s *Slot) State() types.WorkerState      { return types.WorkerState(s.state.Load()) }
func (s *Slot) SetState(st types.WorkerState) { s.state.Store(int32(st)) }

// Region is an attached view of the pool segment.
type Region struct {
	Header *Header
	Slots  []*Slot
}

// CreateRegion lays out a pool of workers slots, each with two queues of
// queueSize bytes, in a new segment of dir.
func CreateRegion(dir *Directory, workers, queueSize int) (*Region, error) {
	if workers < 1 {
		return nil, fmt.Errorf("pool needs at least one worker, got %d", workers)
	}
	seg, err := dir.Create(PoolMagic)
	if err != nil {
		return nil, err
	}
	r := &Region{Header: &Header{Workers: uint32(workers)}}
	if err := seg.Insert(tocHeader, r.Header); err != nil {
		return nil, err
	}
	for n := 0; n < workers; n++ {
		slot := &Slot{
			Num:   n,
			In:    mq.NewQueue(queueSize),
			Out:   mq.NewQueue(queueSize),
			Latch: mq.NewLatch(),
		}
		if err := seg.Insert(tocSlotBase+uint64(n), slot); err != nil {
			return nil, err
		}
		r.Slots = append(r.Slots, slot)
	}
	return r, nil
}

// AttachRegion looks up the pool segment of dir.
func AttachRegion(dir *Directory) (*Region, error) {
	seg, err := dir.Attach(PoolMagic)
	if err != nil {
		return nil, err
	}
	h, err := LookupAs[*Header](seg, tocHeader)
	if err != nil {
		return nil, err
	}
	r := &Region{Header: h}
	for n := 0; n < int(h.Workers); n++ {
		slot, err := LookupAs[*Slot](seg, tocSlotBase+uint64(n))
		if err != nil {
			return nil, err
		}
		r.Slots = append(r.Slots, slot)
	}
	return r, nil
}

// AttachSlot looks up slot n of the pool segment of dir.
func AttachSlot(dir *Directory, n int) (*Header, *Slot, error) {
	seg, err := dir.Attach(PoolMagic)
	if err != nil {
		return nil, nil, err
	}
	h, err := LookupAs[*Header](seg, tocHeader)
	if err != nil {
		return nil, nil, err
	}
	if n < 0 || n >= int(h.Workers) {
		return nil, nil, fmt.Errorf("slot %d out of range [0,%d)", n, h.Workers)
	}
	slot, err := LookupAs[*Slot](seg, tocSlotBase+uint64(n))
	if err != nil {
		return nil, nil, err
	}
	return h, slot, nil
}
