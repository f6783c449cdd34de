package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"keydict/internal/logger"
)

// Options configures an Engine.
type Options struct {
	Dir string
	// SyncCommit fsyncs the WAL before a commit returns.
	SyncCommit bool
	// MinimalWAL lets inserts with InsertOptions.SkipWAL bypass the log. The
	// affected table image is written and fsynced at commit instead.
	MinimalWAL bool
}

// InsertOptions modifies a single insert call. The zero value logs every row.
type InsertOptions struct {
	SkipWAL bool
}

// Engine is a small transactional relational store: tables with unique
// indexes, MVCC-style visibility per transaction, advisory locks, a WAL and
// compressed table images.
type Engine struct {
	opts  Options
	wal   *WAL
	locks *lockManager

	catalogMu sync.RWMutex
	tables    map[string]*Table
	byOID     map[uint32]*Table
	nextOID   uint32

	nextXID atomic.Uint64
	ckptMu  sync.RWMutex
	closed  atomic.Bool
}

// Open loads the catalog, table images and WAL under opts.Dir.
func Open(opts Options) (*Engine, error) {
	if opts.Dir == "" {
		return nil, errors.New("storage: data directory is required")
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, "tables"), 0755); err != nil {
		return nil, err
	}

	wal, err := NewWAL(filepath.Join(opts.Dir, "keydict.wal"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:   opts,
		wal:    wal,
		locks:  newLockManager(),
		tables: make(map[string]*Table),
		byOID:  make(map[uint32]*Table),
	}

	if err := e.recover(); err != nil {
		wal.Close()
		return nil, fmt.Errorf("recovery: %w", err)
	}
	if err := e.verifyAll(); err != nil {
		wal.Close()
		return nil, fmt.Errorf("verify: %w", err)
	}
	// Fold the replayed WAL into images so new records never follow a torn tail.
	if err := e.Checkpoint(); err != nil {
		wal.Close()
		return nil, fmt.Errorf("post-recovery checkpoint: %w", err)
	}
	return e, nil
}

// Close checkpoints and closes the engine.
func (e *Engine) Close() error {
	if e.closed.Load() {
		return nil
	}
	err := e.Checkpoint()
	e.closed.Store(true)
	if cerr := e.wal.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Begin starts a transaction.
func (e *Engine) Begin() *Tx {
	return &Tx{
		engine:     e,
		state:      &txState{xid: e.nextXID.Add(1)},
		syncTables: make(map[*Table]struct{}),
		locks:      make(map[LockTag]struct{}),
	}
}

// CreateTable creates a table and its unique indexes in one catalog update.
// When several callers race on the same name exactly one succeeds; the others
// get ErrTableExists.
func (e *Engine) CreateTable(def TableDef, indexes ...IndexDef) (*Table, error) {
	if def.Name == "" || len(def.Columns) == 0 {
		return nil, errors.New("storage: table needs a name and at least one column")
	}
	for _, ix := range indexes {
		if len(ix.KeyAttrs) == 0 {
			return nil, fmt.Errorf("storage: index %q has no key attributes", ix.Name)
		}
		for _, a := range ix.KeyAttrs {
			if a < 1 || a > len(def.Columns) {
				return nil, fmt.Errorf("storage: index %q references attribute %d of %d", ix.Name, a, len(def.Columns))
			}
		}
	}

	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()

	if e.closed.Load() {
		return nil, ErrClosed
	}
	if _, exists := e.tables[def.Name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrTableExists, def.Name)
	}

	oid := e.nextOID
	t := &Table{
		OID:     oid,
		Name:    def.Name,
		Columns: append([]Column(nil), def.Columns...),
	}
	oid++
	for _, ixd := range indexes {
		t.indexes = append(t.indexes, &Index{
			OID:      oid,
			Name:     ixd.Name,
			KeyAttrs: append([]int(nil), ixd.KeyAttrs...),
			table:    t,
		})
		oid++
	}

	cat := e.catalogLocked()
	cat.Tables = append(cat.Tables, metaOf(t))
	cat.NextOID = oid
	if err := saveCatalog(e.opts.Dir, cat); err != nil {
		return nil, fmt.Errorf("save catalog: %w", err)
	}

	e.nextOID = oid
	e.tables[t.Name] = t
	e.byOID[t.OID] = t
	logger.Info("storage: created table %q (oid %d) with %d indexes", t.Name, t.OID, len(t.indexes))
	return t, nil
}

func (e *Engine) catalogLocked() *catalogFile {
	cat := &catalogFile{NextOID: e.nextOID}
	oids := make([]uint32, 0, len(e.byOID))
	for oid := range e.byOID {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })
	for _, oid := range oids {
		cat.Tables = append(cat.Tables, metaOf(e.byOID[oid]))
	}
	return cat
}

// LookupTable returns the named table.
func (e *Engine) LookupTable(name string) (*Table, bool) {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	t, ok := e.tables[name]
	return t, ok
}

// Insert adds one row to t inside tx.
func (e *Engine) Insert(tx *Tx, t *Table, row Row, opts InsertOptions) error {
	return e.MultiInsert(tx, t, []Row{row}, opts)
}

// MultiInsert adds rows to t inside tx as one unit, maintaining every index.
func (e *Engine) MultiInsert(tx *Tx, t *Table, rows []Row, opts InsertOptions) error {
	if err := tx.check(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tuples := make([]*tuple, len(rows))
	for i, row := range rows {
		if err := checkRow(t.Columns, row); err != nil {
			return err
		}
		tuples[i] = &tuple{row: row, xmin: tx.state, table: t}
	}
	if err := t.insertTuples(tuples); err != nil {
		return err
	}
	tx.inserted = append(tx.inserted, tuples...)

	if opts.SkipWAL && e.opts.MinimalWAL {
		tx.syncTables[t] = struct{}{}
		return nil
	}
	for _, row := range rows {
		tx.pending = append(tx.pending, walRecord{
			Op:    walOpInsert,
			XID:   tx.state.xid,
			Table: t.OID,
			Row:   appendRow(nil, row),
		})
	}
	return nil
}

// LockObject blocks until tx holds the exclusive advisory lock tag. The lock
// is released when tx ends or by UnlockObject.
func (e *Engine) LockObject(ctx context.Context, tx *Tx, tag LockTag) error {
	if err := tx.check(); err != nil {
		return err
	}
	return e.locks.acquire(ctx, tx, tag)
}

// UnlockObject releases one hold of tag taken by tx.
func (e *Engine) UnlockObject(tx *Tx, tag LockTag) bool {
	if tx == nil || tx.done {
		return false
	}
	return e.locks.release(tx, tag)
}

// LockHolder returns the xid holding tag, or 0 when it is free.
func (e *Engine) LockHolder(tag LockTag) uint64 {
	return e.locks.holder(tag)
}

func (e *Engine) commit(tx *Tx) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.ckptMu.RLock()
	defer e.ckptMu.RUnlock()

	tables := make([]*Table, 0, len(tx.syncTables))
	for t := range tx.syncTables {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].OID < tables[j].OID })
	for _, t := range tables {
		t.imageMu.Lock()
	}
	defer func() {
		for _, t := range tables {
			t.imageMu.Unlock()
		}
	}()

	// Rows that skipped the WAL reach disk through the table image.
	for _, t := range tables {
		if err := writeImage(e.opts.Dir, t, tx.state); err != nil {
			return fmt.Errorf("sync table %q: %w", t.Name, err)
		}
	}

	if len(tx.pending) > 0 {
		records := append(tx.pending, walRecord{Op: walOpCommit, XID: tx.state.xid})
		if err := e.wal.Append(records, e.opts.SyncCommit); err != nil {
			e.restoreImages(tables)
			return err
		}
	}

	tx.state.status.Store(int32(txCommitted))
	return nil
}

// restoreImages rewrites the images of tables without the rows of a commit
// that failed after its images were written. Caller holds each imageMu.
func (e *Engine) restoreImages(tables []*Table) {
	for _, t := range tables {
		if err := writeImage(e.opts.Dir, t, nil); err != nil {
			logger.Error("storage: restore image of table %q: %v", t.Name, err)
		}
	}
}

// Checkpoint writes every table image and truncates the WAL.
func (e *Engine) Checkpoint() error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()

	e.catalogMu.RLock()
	tables := make([]*Table, 0, len(e.byOID))
	for _, t := range e.byOID {
		tables = append(tables, t)
	}
	e.catalogMu.RUnlock()

	for _, t := range tables {
		t.imageMu.Lock()
		err := writeImage(e.opts.Dir, t, nil)
		t.imageMu.Unlock()
		if err != nil {
			return fmt.Errorf("checkpoint table %q: %w", t.Name, err)
		}
	}
	return e.wal.Checkpoint()
}

func (e *Engine) recover() error {
	cat, err := loadCatalog(e.opts.Dir)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	e.nextOID = cat.NextOID

	for i := range cat.Tables {
		t := cat.Tables[i].build()
		e.tables[t.Name] = t
		e.byOID[t.OID] = t

		rows, err := readImage(e.opts.Dir, t)
		if err != nil {
			return fmt.Errorf("table %q image: %w", t.Name, err)
		}
		tuples := make([]*tuple, len(rows))
		for j, row := range rows {
			tuples[j] = &tuple{row: row, xmin: frozen, table: t}
		}
		if err := t.insertTuples(tuples); err != nil {
			return fmt.Errorf("table %q image: %w", t.Name, err)
		}
	}

	records, err := e.wal.Replay()
	if err != nil {
		logger.Warn("storage: WAL replay stopped after %d records: %v", len(records), err)
	}

	committed := make(map[uint64]bool)
	var maxXID uint64
	for _, r := range records {
		if r.Op == walOpCommit {
			committed[r.XID] = true
		}
		if r.XID > maxXID {
			maxXID = r.XID
		}
	}

	var replayed int
	for _, r := range records {
		if r.Op != walOpInsert || !committed[r.XID] {
			continue
		}
		t, ok := e.byOID[r.Table]
		if !ok {
			return fmt.Errorf("%w: record for unknown table %d", ErrCorruptedWAL, r.Table)
		}
		row, err := decodeRow(t.Columns, r.Row)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedWAL, err)
		}
		// The row may already be in an image written by a later commit.
		if t.hasRow(row) {
			continue
		}
		if err := t.insertTuples([]*tuple{{row: row, xmin: frozen, table: t}}); err != nil {
			return fmt.Errorf("replay xid %d: %w", r.XID, err)
		}
		replayed++
	}
	e.nextXID.Store(maxXID)

	if replayed > 0 {
		logger.Info("storage: replayed %d rows from %d committed transactions", replayed, len(committed))
	}
	return nil
}
