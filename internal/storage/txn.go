package storage

import (
	"fmt"
	"sync/atomic"
)

type txStatus int32

const (
	txInProgress txStatus = iota
	txCommitted
	txAborted
)

// txState is shared by every tuple a transaction inserted, so tuple
// visibility follows the transaction outcome without touching the tuples.
type txState struct {
	xid    uint64
	status atomic.Int32
}

func (s *txState) get() txStatus { return txStatus(s.status.Load()) }

// frozen marks rows loaded from images or replayed from the WAL.
var frozen = func() *txState {
	s := &txState{xid: 0}
	s.status.Store(int32(txCommitted))
	return s
}()

// Snapshot selects which tuples a scan can see.
type Snapshot int

const (
	// SnapshotCommitted sees committed tuples and the reader's own inserts.
	SnapshotCommitted Snapshot = iota
	// SnapshotDirty sees every tuple whose inserter has not aborted,
	// including inserts of transactions still in progress.
	SnapshotDirty
)

func (s Snapshot) String() string {
	if s == SnapshotDirty {
		return "dirty"
	}
	return "committed"
}

// Tx is a storage transaction. A Tx is owned by one goroutine.
type Tx struct {
	engine     *Engine
	state      *txState
	pending    []walRecord
	inserted   []*tuple
	syncTables map[*Table]struct{}
	locks      map[LockTag]struct{}
	done       bool
}

// XID returns the transaction id.
func (tx *Tx) XID() uint64 { return tx.state.xid }

// Active reports whether the transaction can still be used.
func (tx *Tx) Active() bool { return tx != nil && !tx.done }

func (tx *Tx) check() error {
	if tx == nil || tx.done {
		return ErrTxClosed
	}
	return nil
}

func (tx *Tx) visible(t *tuple, mode Snapshot) bool {
	if t.xmin == tx.state {
		return true
	}
	switch t.xmin.get() {
	case txCommitted:
		return true
	case txInProgress:
		return mode == SnapshotDirty
	default:
		return false
	}
}

// Commit makes the transaction's inserts durable and visible, then releases
// its locks.
func (tx *Tx) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}
	err := tx.engine.commit(tx)
	if err != nil {
		tx.rollback()
		return fmt.Errorf("commit xid %d: %w", tx.state.xid, err)
	}
	tx.finish()
	return nil
}

// Abort discards the transaction's inserts and releases its locks. Aborting
// a finished transaction is a no-op.
func (tx *Tx) Abort() {
	if tx == nil || tx.done {
		return
	}
	tx.rollback()
}

func (tx *Tx) rollback() {
	tx.state.status.Store(int32(txAborted))
	for _, t := range tx.inserted {
		t.table.remove(t)
	}
	tx.finish()
}

func (tx *Tx) finish() {
	tx.engine.locks.releaseAll(tx)
	tx.pending = nil
	tx.inserted = nil
	tx.syncTables = nil
	tx.done = true
}
