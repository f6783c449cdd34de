package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TableDef describes a table to create.
type TableDef struct {
	Name    string
	Columns []Column
}

// IndexDef describes a unique index over 1-based attribute numbers.
type IndexDef struct {
	Name     string
	KeyAttrs []int
}

// tuple is one stored row version.
type tuple struct {
	row   Row
	xmin  *txState
	table *Table
}

// Table is a heap of tuples plus its unique indexes. Handles returned by the
// engine stay valid for the lifetime of the engine.
type Table struct {
	OID     uint32
	Name    string
	Columns []Column

	indexes []*Index
	heap    []*tuple
	mu      sync.RWMutex

	// imageMu serializes image writes with the commit that depends on them.
	imageMu sync.Mutex
}

// Indexes returns the table's indexes in creation order.
func (t *Table) Indexes() []*Index {
	out := make([]*Index, len(t.indexes))
	copy(out, t.indexes)
	return out
}

// Attnum returns the 1-based attribute number of the named column, or 0.
func (t *Table) Attnum(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i + 1
		}
	}
	return 0
}

// Rows returns every tuple visible to tx under mode, in insertion order.
func (t *Table) Rows(tx *Tx, mode Snapshot) ([]Row, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]Row, 0, len(t.heap))
	for _, tup := range t.heap {
		if tx.visible(tup, mode) {
			rows = append(rows, tup.row)
		}
	}
	return rows, nil
}

// insertTuples checks every unique index for every row, then links all rows
// into the heap and indexes. Either all rows go in or none do.
func (t *Table) insertTuples(tuples []*tuple) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ix := range t.indexes {
		batch := make(map[string]struct{}, len(tuples))
		for _, tup := range tuples {
			key := ix.keyOf(tup.row)
			if _, dup := batch[key]; dup {
				return fmt.Errorf("%w %q: key %s repeated in batch", ErrUniqueViolation, ix.Name, ix.describe(tup.row))
			}
			batch[key] = struct{}{}
			if ix.live(key) {
				return fmt.Errorf("%w %q: key %s", ErrUniqueViolation, ix.Name, ix.describe(tup.row))
			}
		}
	}

	for _, tup := range tuples {
		t.heap = append(t.heap, tup)
		for _, ix := range t.indexes {
			ix.insert(ix.keyOf(tup.row), tup)
		}
	}
	return nil
}

// remove unlinks an aborted tuple.
func (t *Table) remove(tup *tuple) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ix := range t.indexes {
		ix.delete(ix.keyOf(tup.row), tup)
	}
	for i, h := range t.heap {
		if h == tup {
			t.heap = append(t.heap[:i], t.heap[i+1:]...)
			break
		}
	}
}

// committedRows returns the rows to persist in an image: committed tuples
// plus those of include, which is about to commit.
func (t *Table) committedRows(include *txState) []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]Row, 0, len(t.heap))
	for _, tup := range t.heap {
		if tup.xmin == include || tup.xmin.get() == txCommitted {
			rows = append(rows, tup.row)
		}
	}
	return rows
}

// Index is a unique, ordered index over a table. Entries are kept sorted by
// the order-preserving key encoding.
type Index struct {
	OID      uint32
	Name     string
	KeyAttrs []int

	table   *Table
	entries []indexEntry
}

type indexEntry struct {
	key string
	tup *tuple
}

// Table returns the indexed table.
func (ix *Index) Table() *Table { return ix.table }

func (ix *Index) keyOf(row Row) string {
	var b []byte
	for _, a := range ix.KeyAttrs {
		b = appendKey(b, row[a-1])
	}
	return string(b)
}

func (ix *Index) describe(row Row) string {
	parts := make(Row, len(ix.KeyAttrs))
	for i, a := range ix.KeyAttrs {
		parts[i] = row[a-1]
	}
	return parts.String()
}

func (ix *Index) encodePrefix(key []Datum) (string, error) {
	if len(key) > len(ix.KeyAttrs) {
		return "", fmt.Errorf("%w: %d key values for index %q with %d attributes", ErrTypeMismatch, len(key), ix.Name, len(ix.KeyAttrs))
	}
	var b []byte
	for i, d := range key {
		col := ix.table.Columns[ix.KeyAttrs[i]-1]
		if d.typ != col.Type {
			return "", fmt.Errorf("%w: index %q attribute %q is %s, got %s", ErrTypeMismatch, ix.Name, col.Name, col.Type, d.typ)
		}
		b = appendKey(b, d)
	}
	return string(b), nil
}

func (ix *Index) search(key string) int {
	return sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].key >= key })
}

// live reports whether a non-aborted tuple holds key. Caller holds table.mu.
func (ix *Index) live(key string) bool {
	for i := ix.search(key); i < len(ix.entries) && ix.entries[i].key == key; i++ {
		if ix.entries[i].tup.xmin.get() != txAborted {
			return true
		}
	}
	return false
}

func (ix *Index) insert(key string, tup *tuple) {
	i := ix.search(key)
	for i < len(ix.entries) && ix.entries[i].key == key {
		i++
	}
	ix.entries = append(ix.entries, indexEntry{})
	copy(ix.entries[i+1:], ix.entries[i:])
	ix.entries[i] = indexEntry{key: key, tup: tup}
}

func (ix *Index) delete(key string, tup *tuple) {
	for i := ix.search(key); i < len(ix.entries) && ix.entries[i].key == key; i++ {
		if ix.entries[i].tup == tup {
			ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
			return
		}
	}
}

// Lookup returns the row whose full index key equals key and is visible to
// tx under mode.
func (ix *Index) Lookup(tx *Tx, mode Snapshot, key ...Datum) (Row, bool, error) {
	if err := tx.check(); err != nil {
		return nil, false, err
	}
	if len(key) != len(ix.KeyAttrs) {
		return nil, false, fmt.Errorf("%w: lookup on %q needs %d values, got %d", ErrTypeMismatch, ix.Name, len(ix.KeyAttrs), len(key))
	}
	enc, err := ix.encodePrefix(key)
	if err != nil {
		return nil, false, err
	}

	ix.table.mu.RLock()
	defer ix.table.mu.RUnlock()

	for i := ix.search(enc); i < len(ix.entries) && ix.entries[i].key == enc; i++ {
		if tup := ix.entries[i].tup; tx.visible(tup, mode) {
			return tup.row, true, nil
		}
	}
	return nil, false, nil
}

// Last returns the greatest visible row whose index key starts with prefix.
func (ix *Index) Last(tx *Tx, mode Snapshot, prefix ...Datum) (Row, bool, error) {
	if err := tx.check(); err != nil {
		return nil, false, err
	}
	enc, err := ix.encodePrefix(prefix)
	if err != nil {
		return nil, false, err
	}

	ix.table.mu.RLock()
	defer ix.table.mu.RUnlock()

	lo := ix.search(enc)
	hi := lo
	for hi < len(ix.entries) && strings.HasPrefix(ix.entries[hi].key, enc) {
		hi++
	}
	for i := hi - 1; i >= lo; i-- {
		if tup := ix.entries[i].tup; tx.visible(tup, mode) {
			return tup.row, true, nil
		}
	}
	return nil, false, nil
}

// hasRow reports whether an identical committed row is already stored.
func (t *Table) hasRow(row Row) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.indexes) > 0 {
		ix := t.indexes[0]
		key := ix.keyOf(row)
		for i := ix.search(key); i < len(ix.entries) && ix.entries[i].key == key; i++ {
			if rowsEqual(ix.entries[i].tup.row, row) {
				return true
			}
		}
		return false
	}
	for _, tup := range t.heap {
		if rowsEqual(tup.row, row) {
			return true
		}
	}
	return false
}

func rowsEqual(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
