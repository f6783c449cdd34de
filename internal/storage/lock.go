package storage

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/zeebo/blake3"
)

const lockPartitions = 16

// LockTag names an advisory lock: a database object plus a sub-key scoping
// the lock inside it.
type LockTag struct {
	Object uint32
	SubKey uint32
}

type lockEntry struct {
	holder   uint64
	count    int
	released chan struct{}
}

type lockPartition struct {
	mu   sync.Mutex
	held map[LockTag]*lockEntry
}

// lockManager grants exclusive advisory locks owned by transactions.
type lockManager struct {
	partitions [lockPartitions]lockPartition
}

func newLockManager() *lockManager {
	lm := &lockManager{}
	for i := range lm.partitions {
		lm.partitions[i].held = make(map[LockTag]*lockEntry)
	}
	return lm
}

// partition hashes the tag with BLAKE3 and picks a partition from the first
// four bytes of the digest.
func (lm *lockManager) partition(tag LockTag) *lockPartition {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], tag.Object)
	binary.BigEndian.PutUint32(buf[4:], tag.SubKey)
	sum := blake3.Sum256(buf[:])
	return &lm.partitions[binary.BigEndian.Uint32(sum[:4])%lockPartitions]
}

// acquire blocks until tx holds tag. Re-acquiring a held lock increments its
// hold count.
func (lm *lockManager) acquire(ctx context.Context, tx *Tx, tag LockTag) error {
	p := lm.partition(tag)
	xid := tx.state.xid
	for {
		p.mu.Lock()
		e, ok := p.held[tag]
		if !ok {
			p.held[tag] = &lockEntry{holder: xid, count: 1, released: make(chan struct{})}
			p.mu.Unlock()
			tx.locks[tag] = struct{}{}
			return nil
		}
		if e.holder == xid {
			e.count++
			p.mu.Unlock()
			return nil
		}
		wait := e.released
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release drops one hold of tag. It reports false if tx did not hold it.
func (lm *lockManager) release(tx *Tx, tag LockTag) bool {
	p := lm.partition(tag)
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.held[tag]
	if !ok || e.holder != tx.state.xid {
		return false
	}
	e.count--
	if e.count == 0 {
		delete(p.held, tag)
		close(e.released)
		delete(tx.locks, tag)
	}
	return true
}

// releaseAll drops every lock tx holds regardless of hold counts.
func (lm *lockManager) releaseAll(tx *Tx) {
	for tag := range tx.locks {
		p := lm.partition(tag)
		p.mu.Lock()
		if e, ok := p.held[tag]; ok && e.holder == tx.state.xid {
			delete(p.held, tag)
			close(e.released)
		}
		p.mu.Unlock()
	}
	tx.locks = nil
}

// holder returns the xid holding tag, or 0.
func (lm *lockManager) holder(tag LockTag) uint64 {
	p := lm.partition(tag)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.held[tag]; ok {
		return e.holder
	}
	return 0
}
