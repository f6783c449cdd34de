package storage

import (
	"errors"
	"fmt"

	"keydict/internal/logger"
)

// ErrCorruptedIndex is returned by VerifyIntegrity when an index disagrees
// with its table.
var ErrCorruptedIndex = errors.New("index out of sync with table")

// ConsistencyReport contains the results of a consistency check.
type ConsistencyReport struct {
	Table          string
	TotalRows      int
	MissingEntries int // Heap tuples absent from an index
	OrphanEntries  int // Index entries whose tuple is gone or whose key is stale
	DuplicateKeys  int // Adjacent live entries sharing a unique key
	Unordered      int // Entries sorting before their predecessor
}

// Clean reports whether the check found nothing wrong.
func (r *ConsistencyReport) Clean() bool {
	return r.MissingEntries == 0 && r.OrphanEntries == 0 && r.DuplicateKeys == 0 && r.Unordered == 0
}

// CheckConsistency verifies that every index of the named table holds
// exactly the table's tuples, in key order, without duplicates.
func (e *Engine) CheckConsistency(name string) (*ConsistencyReport, error) {
	t, ok := e.LookupTable(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	report := &ConsistencyReport{Table: name, TotalRows: len(t.heap)}
	inHeap := make(map[*tuple]bool, len(t.heap))
	for _, tup := range t.heap {
		inHeap[tup] = true
	}

	for _, ix := range t.indexes {
		found := 0
		for i, ent := range ix.entries {
			if !inHeap[ent.tup] || ent.key != ix.keyOf(ent.tup.row) {
				report.OrphanEntries++
				continue
			}
			found++
			if i == 0 {
				continue
			}
			prev := ix.entries[i-1]
			switch {
			case prev.key > ent.key:
				report.Unordered++
			case prev.key == ent.key && prev.tup.xmin.get() != txAborted && ent.tup.xmin.get() != txAborted:
				report.DuplicateKeys++
			}
		}
		report.MissingEntries += len(t.heap) - found
	}
	return report, nil
}

// VerifyIntegrity performs a full integrity check on a table.
func (e *Engine) VerifyIntegrity(name string) error {
	report, err := e.CheckConsistency(name)
	if err != nil {
		return err
	}
	if !report.Clean() {
		return fmt.Errorf("%w: table %q: %d orphan, %d missing, %d duplicate, %d unordered",
			ErrCorruptedIndex, name, report.OrphanEntries, report.MissingEntries,
			report.DuplicateKeys, report.Unordered)
	}
	return nil
}

// RebuildIndexes recreates every index of the named table from its heap.
func (e *Engine) RebuildIndexes(name string) error {
	t, ok := e.LookupTable(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ix := range t.indexes {
		ix.entries = make([]indexEntry, 0, len(t.heap))
		for _, tup := range t.heap {
			ix.insert(ix.keyOf(tup.row), tup)
		}
	}
	return nil
}

// TableNames returns the names of every table in the catalog.
func (e *Engine) TableNames() []string {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	return names
}

// verifyAll checks every table after recovery and rebuilds the indexes of
// any table that fails.
func (e *Engine) verifyAll() error {
	for _, name := range e.TableNames() {
		err := e.VerifyIntegrity(name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrCorruptedIndex) {
			return err
		}
		logger.Warn("storage: %v; rebuilding indexes", err)
		if err := e.RebuildIndexes(name); err != nil {
			return err
		}
		if err := e.VerifyIntegrity(name); err != nil {
			return err
		}
	}
	return nil
}
