// Package dictionary maps text keys to compact per-namespace ids and back.
package dictionary

import (
	"context"
	"errors"
	"fmt"
	"math"

	"keydict/internal/logger"
	"keydict/internal/storage"
	"keydict/internal/transaction"
	"keydict/internal/types"
)

// TableName is the backing table of the dictionary.
const TableName = "dictionary"

// Attribute numbers of the dictionary table.
const (
	attNamespace = 1
	attID        = 2
	attKey       = 3
)

var schema = storage.TableDef{
	Name: TableName,
	Columns: []storage.Column{
		{Name: "namespace", Type: storage.TypeInt32},
		{Name: "id", Type: storage.TypeInt32},
		{Name: "key", Type: storage.TypeText},
	},
}

var schemaIndexes = []storage.IndexDef{
	{Name: TableName + "_namespace_id_idx", KeyAttrs: []int{attNamespace, attID}},
	{Name: TableName + "_namespace_key_idx", KeyAttrs: []int{attNamespace, attKey}},
}

// Handles are the resolved storage handles of the dictionary.
type Handles struct {
	Table    *storage.Table
	IDIndex  *storage.Index
	KeyIndex *storage.Index
}

// Options tune a Store.
type Options struct {
	// ReadMode is the visibility GetKeys reads with.
	ReadMode storage.Snapshot
	// BulkSkipWAL asks bulk inserts to bypass the WAL. The engine honors it
	// only when running at the minimal WAL level.
	BulkSkipWAL bool
}

// Store is one worker's view of the dictionary. It caches the resolved
// handles and is not safe for concurrent use.
type Store struct {
	engine  *storage.Engine
	opts    Options
	handles *Handles
}

// New returns a Store over engine. Nothing is touched until first use.
func New(engine *storage.Engine, opts Options) *Store {
	return &Store{engine: engine, opts: opts}
}

// EnsureSchema creates the dictionary table and its two unique indexes if
// they do not exist. Concurrent callers are safe: the losers of a creation
// race observe the winner's table.
func (s *Store) EnsureSchema() error {
	if _, ok := s.engine.LookupTable(TableName); ok {
		return nil
	}
	_, err := s.engine.CreateTable(schema, schemaIndexes...)
	if errors.Is(err, storage.ErrTableExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", TableName, err)
	}
	return nil
}

// ResolveHandles finds the dictionary table and classifies its indexes by
// their second key attribute.
func (s *Store) ResolveHandles() (*Handles, error) {
	tbl, ok := s.engine.LookupTable(TableName)
	if !ok {
		return nil, fmt.Errorf("%w: table %q does not exist", ErrConfiguration, TableName)
	}
	if err := checkColumns(tbl); err != nil {
		return nil, err
	}

	indexes := tbl.Indexes()
	if len(indexes) != 2 {
		return nil, fmt.Errorf("%w: %q has %d indexes, want 2", ErrConfiguration, TableName, len(indexes))
	}

	h := &Handles{Table: tbl}
	for _, ix := range indexes {
		if len(ix.KeyAttrs) != 2 || ix.KeyAttrs[0] != attNamespace {
			return nil, fmt.Errorf("%w: unexpected key layout %v on index %q", ErrConfiguration, ix.KeyAttrs, ix.Name)
		}
		switch ix.KeyAttrs[1] {
		case attID:
			h.IDIndex = ix
		case attKey:
			h.KeyIndex = ix
		default:
			return nil, fmt.Errorf("%w: index %q covers attribute %d", ErrConfiguration, ix.Name, ix.KeyAttrs[1])
		}
	}
	if h.IDIndex == nil || h.KeyIndex == nil {
		return nil, fmt.Errorf("%w: %q needs one index on id and one on key", ErrConfiguration, TableName)
	}
	return h, nil
}

func checkColumns(tbl *storage.Table) error {
	if len(tbl.Columns) != len(schema.Columns) {
		return fmt.Errorf("%w: %q has %d columns, want %d", ErrConfiguration, TableName, len(tbl.Columns), len(schema.Columns))
	}
	for i, c := range schema.Columns {
		if tbl.Columns[i] != c {
			return fmt.Errorf("%w: column %d is %s %s, want %s %s", ErrConfiguration,
				i+1, tbl.Columns[i].Name, tbl.Columns[i].Type, c.Name, c.Type)
		}
	}
	return nil
}

// Handles returns the cached handles, creating the schema and resolving it
// on first use.
func (s *Store) Handles() (*Handles, error) {
	if s.handles != nil {
		return s.handles, nil
	}
	if err := s.EnsureSchema(); err != nil {
		return nil, err
	}
	h, err := s.ResolveHandles()
	if err != nil {
		return nil, err
	}
	logger.Debug("dictionary: resolved table oid %d (id index %d, key index %d)",
		h.Table.OID, h.IDIndex.OID, h.KeyIndex.OID)
	s.handles = h
	return h, nil
}

// namespaceLock is the exclusive lock serializing id allocation in ns.
func namespaceLock(h *Handles, ns types.NamespaceID) storage.LockTag {
	return storage.LockTag{Object: h.Table.OID, SubKey: uint32(ns)}
}

func (s *Store) lookupKey(tx *storage.Tx, h *Handles, ns types.NamespaceID, key string) (types.KeyID, bool, error) {
	row, ok, err := h.KeyIndex.Lookup(tx, storage.SnapshotCommitted,
		storage.Int32Datum(int32(ns)), storage.TextDatum(key))
	if err != nil || !ok {
		return 0, false, err
	}
	return types.KeyID(row[attID-1].Int32()), true, nil
}

// GetOrCreateIDs returns the id of every key in ns, allocating ids for keys
// seen for the first time. Output order matches input order. Existing keys
// are found without locking; allocation runs under the namespace lock,
// which is held until the scope's transaction ends.
func (s *Store) GetOrCreateIDs(ctx context.Context, scope *transaction.Scope, ns types.NamespaceID, keys []string) ([]types.KeyID, error) {
	h, err := s.Handles()
	if err != nil {
		return nil, err
	}
	tx := scope.Tx()

	ids := make([]types.KeyID, len(keys))
	var missing []int
	for i, key := range keys {
		id, ok, err := s.lookupKey(tx, h, ns, key)
		if err != nil {
			return nil, err
		}
		if ok {
			ids[i] = id
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return ids, nil
	}

	if err := s.engine.LockObject(ctx, tx, namespaceLock(h, ns)); err != nil {
		return nil, fmt.Errorf("lock namespace %d: %w", ns, err)
	}

	// Another worker may have committed some of the keys while we waited.
	assigned := make(map[string]types.KeyID, len(missing))
	var fresh []string
	for _, i := range missing {
		key := keys[i]
		if _, seen := assigned[key]; seen {
			continue
		}
		id, ok, err := s.lookupKey(tx, h, ns, key)
		if err != nil {
			return nil, err
		}
		assigned[key] = id
		if !ok {
			fresh = append(fresh, key)
		}
	}

	if len(fresh) > 0 {
		next, err := s.nextID(tx, h, ns, len(fresh))
		if err != nil {
			return nil, err
		}
		if len(fresh) == 1 {
			row := storage.Row{
				storage.Int32Datum(int32(ns)),
				storage.Int32Datum(int32(next)),
				storage.TextDatum(fresh[0]),
			}
			if err := s.engine.Insert(tx, h.Table, row, storage.InsertOptions{}); err != nil {
				return nil, fmt.Errorf("insert key into namespace %d: %w", ns, err)
			}
		} else if err := s.BulkInsert(ctx, scope, ns, fresh, next); err != nil {
			return nil, err
		}
		for j, key := range fresh {
			assigned[key] = next + types.KeyID(j)
		}
		logger.Debug("dictionary: namespace %d allocated ids %d..%d", ns, next, next+types.KeyID(len(fresh)-1))
	}

	for _, i := range missing {
		ids[i] = assigned[keys[i]]
	}
	return ids, nil
}

// nextID returns max(id in ns)+1. The caller must hold the namespace lock.
func (s *Store) nextID(tx *storage.Tx, h *Handles, ns types.NamespaceID, count int) (types.KeyID, error) {
	row, ok, err := h.IDIndex.Last(tx, storage.SnapshotCommitted, storage.Int32Datum(int32(ns)))
	if err != nil {
		return 0, err
	}
	var last int64
	if ok {
		last = int64(row[attID-1].Int32())
	}
	if last+int64(count) > math.MaxInt32 {
		return 0, fmt.Errorf("namespace %d: %w", ns, ErrIDSpaceExhausted)
	}
	return types.KeyID(last + 1), nil
}

// BulkInsert stores keys in ns with ids startingID, startingID+1, ... as one
// multi-row insert, under the namespace lock.
func (s *Store) BulkInsert(ctx context.Context, scope *transaction.Scope, ns types.NamespaceID, keys []string, startingID types.KeyID) error {
	if startingID < 1 {
		return fmt.Errorf("bulk insert into namespace %d: invalid starting id %d", ns, startingID)
	}
	if int64(startingID)+int64(len(keys))-1 > math.MaxInt32 {
		return fmt.Errorf("namespace %d: %w", ns, ErrIDSpaceExhausted)
	}
	h, err := s.Handles()
	if err != nil {
		return err
	}
	tx := scope.Tx()
	if err := s.engine.LockObject(ctx, tx, namespaceLock(h, ns)); err != nil {
		return fmt.Errorf("lock namespace %d: %w", ns, err)
	}

	rows := make([]storage.Row, len(keys))
	for i, key := range keys {
		rows[i] = storage.Row{
			storage.Int32Datum(int32(ns)),
			storage.Int32Datum(int32(startingID) + int32(i)),
			storage.TextDatum(key),
		}
	}

	opts := storage.InsertOptions{}
	if s.opts.BulkSkipWAL {
		opts.SkipWAL = true
	}
	if err := s.engine.MultiInsert(tx, h.Table, rows, opts); err != nil {
		return fmt.Errorf("bulk insert %d keys into namespace %d: %w", len(keys), ns, err)
	}
	return nil
}

// GetKeys returns the key of every id in ns, in input order. A missing id
// fails the whole batch with ErrKeyNotFound.
func (s *Store) GetKeys(scope *transaction.Scope, ns types.NamespaceID, ids []types.KeyID) ([]string, error) {
	h, err := s.Handles()
	if err != nil {
		return nil, err
	}
	tx := scope.Tx()

	keys := make([]string, len(ids))
	for i, id := range ids {
		row, ok, err := h.IDIndex.Lookup(tx, s.opts.ReadMode,
			storage.Int32Datum(int32(ns)), storage.Int32Datum(int32(id)))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w for namespace=%d and id=%d", ErrKeyNotFound, ns, id)
		}
		keys[i] = row[attKey-1].Text()
	}
	return keys, nil
}
