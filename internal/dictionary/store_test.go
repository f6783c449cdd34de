package dictionary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"keydict/internal/mq"
	"keydict/internal/protocol"
	"keydict/internal/storage"
	"keydict/internal/transaction"
	"keydict/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T, opts storage.Options) *storage.Engine {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	e, err := storage.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func getOrCreate(t *testing.T, s *Store, scope *transaction.Scope, ns types.NamespaceID, keys ...string) []types.KeyID {
	t.Helper()
	var ids []types.KeyID
	err := scope.Run(func(*storage.Tx) error {
		var err error
		ids, err = s.GetOrCreateIDs(context.Background(), scope, ns, keys)
		return err
	})
	require.NoError(t, err)
	return ids
}

func getKeys(s *Store, scope *transaction.Scope, ns types.NamespaceID, ids ...types.KeyID) ([]string, error) {
	var keys []string
	err := scope.Run(func(*storage.Tx) error {
		var err error
		keys, err = s.GetKeys(scope, ns, ids)
		return err
	})
	return keys, err
}

func countRows(t *testing.T, e *storage.Engine) int {
	t.Helper()
	tbl, ok := e.LookupTable(TableName)
	require.True(t, ok)
	tx := e.Begin()
	defer tx.Abort()
	rows, err := tbl.Rows(tx, storage.SnapshotCommitted)
	require.NoError(t, err)
	return len(rows)
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})

	require.NoError(t, s.EnsureSchema())
	require.NoError(t, s.EnsureSchema())

	h, err := s.ResolveHandles()
	require.NoError(t, err)
	assert.Equal(t, []int{attNamespace, attID}, h.IDIndex.KeyAttrs)
	assert.Equal(t, []int{attNamespace, attKey}, h.KeyIndex.KeyAttrs)
}

func TestEnsureSchemaConcurrent(t *testing.T) {
	e := openEngine(t, storage.Options{})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = New(e, Options{}).EnsureSchema()
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	tbl, ok := e.LookupTable(TableName)
	require.True(t, ok)
	assert.Len(t, tbl.Indexes(), 2)
}

func TestResolveHandlesRejectsBadLayout(t *testing.T) {
	tests := []struct {
		name    string
		indexes []storage.IndexDef
	}{
		{"one index", schemaIndexes[:1]},
		{"three indexes", append(append([]storage.IndexDef{}, schemaIndexes...),
			storage.IndexDef{Name: "extra", KeyAttrs: []int{attKey}})},
		{"wrong leading attribute", []storage.IndexDef{
			{Name: "a", KeyAttrs: []int{attID, attNamespace}},
			schemaIndexes[1],
		}},
		{"both on id", []storage.IndexDef{
			schemaIndexes[0],
			{Name: "b", KeyAttrs: []int{attNamespace, attID}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := openEngine(t, storage.Options{})
			_, err := e.CreateTable(schema, tt.indexes...)
			require.NoError(t, err)

			s := New(e, Options{})
			_, err = s.Handles()
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Equal(t, KindConfiguration, Kind(err))
		})
	}
}

func TestResolveHandlesRejectsBadColumns(t *testing.T) {
	e := openEngine(t, storage.Options{})
	_, err := e.CreateTable(storage.TableDef{
		Name: TableName,
		Columns: []storage.Column{
			{Name: "namespace", Type: storage.TypeInt32},
			{Name: "id", Type: storage.TypeText},
			{Name: "key", Type: storage.TypeText},
		},
	}, schemaIndexes...)
	require.NoError(t, err)

	_, err = New(e, Options{}).ResolveHandles()
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestGetOrCreateAssignsSequentialIDs(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)

	assert.Equal(t, []types.KeyID{1, 2, 1}, getOrCreate(t, s, scope, 42, "a", "b", "a"))
	assert.Equal(t, []types.KeyID{3}, getOrCreate(t, s, scope, 42, "c"))
	assert.Equal(t, []types.KeyID{2, 4, 5, 3}, getOrCreate(t, s, scope, 42, "b", "d", "e", "c"))
	assert.Equal(t, 5, countRows(t, e))
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)

	first := getOrCreate(t, s, scope, 7, "k")
	second := getOrCreate(t, s, scope, 7, "k")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, countRows(t, e))
}

func TestNamespacesAreIndependent(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)

	assert.Equal(t, []types.KeyID{1, 2}, getOrCreate(t, s, scope, 1, "x", "y"))
	assert.Equal(t, []types.KeyID{1}, getOrCreate(t, s, scope, 2, "y"))
	assert.Equal(t, []types.KeyID{1}, getOrCreate(t, s, scope, -5, "x"))
}

func TestRoundTrip(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)

	keys := make([]string, 100)
	for i := range keys {
		keys[i] = fmt.Sprintf("field_%03d", i)
	}
	keys = append(keys, "ünïcødé", "with space", keys[3])

	ids := getOrCreate(t, s, scope, 9, keys...)
	got, err := getKeys(s, scope, 9, ids...)
	require.NoError(t, err)
	assert.Equal(t, keys, got)
}

func TestGetKeysMissingIDFailsBatch(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)
	getOrCreate(t, s, scope, 42, "a", "b")

	keys, err := getKeys(s, scope, 42, 1, 12345, 2)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, KindLookup, Kind(err))
	assert.Nil(t, keys)
	assert.False(t, scope.InProgress())

	keys, err = getKeys(s, scope, 43, 1)
	assert.ErrorIs(t, err, ErrKeyNotFound, "ids are scoped to their namespace")
	assert.Nil(t, keys)
}

func TestEmptyKeyRoundTrip(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)

	assert.Equal(t, []types.KeyID{1, 2, 1}, getOrCreate(t, s, scope, 1, "a", "", "a"))
	assert.Equal(t, []types.KeyID{2}, getOrCreate(t, s, scope, 1, ""))
	assert.Equal(t, []types.KeyID{1, 2}, getOrCreate(t, s, scope, 2, "", "b"), "bulk path")

	keys, err := getKeys(s, scope, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, keys)
	keys, err = getKeys(s, scope, 2, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", ""}, keys)
}

func TestAbortedAllocationIsNotPersisted(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)

	ids, err := s.GetOrCreateIDs(context.Background(), scope, 3, []string{"lost"})
	require.NoError(t, err)
	assert.Equal(t, []types.KeyID{1}, ids)
	scope.Abort()

	assert.Equal(t, []types.KeyID{1}, getOrCreate(t, s, scope, 3, "kept"))
	_, err = getKeys(s, scope, 3, 2)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAllocationHoldsNamespaceLockUntilCommit(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)

	_, err := s.GetOrCreateIDs(context.Background(), scope, 5, []string{"a"})
	require.NoError(t, err)
	h, err := s.Handles()
	require.NoError(t, err)
	tag := namespaceLock(h, 5)
	assert.Equal(t, scope.Tx().XID(), e.LockHolder(tag))
	assert.Zero(t, e.LockHolder(namespaceLock(h, 6)))

	require.NoError(t, scope.Finish())
	assert.Zero(t, e.LockHolder(tag))
}

func TestExistingKeysDoNotLock(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)
	getOrCreate(t, s, scope, 5, "a")

	_, err := s.GetOrCreateIDs(context.Background(), scope, 5, []string{"a"})
	require.NoError(t, err)
	h, _ := s.Handles()
	assert.Zero(t, e.LockHolder(namespaceLock(h, 5)))
	scope.Abort()
}

func TestConcurrentGetOrCreateSameKey(t *testing.T) {
	e := openEngine(t, storage.Options{})
	const workers = 8

	var wg sync.WaitGroup
	results := make([][]types.KeyID, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := New(e, Options{})
			scope := transaction.NewScope(e)
			<-start
			errs[i] = scope.Run(func(*storage.Tx) error {
				var err error
				results[i], err = s.GetOrCreateIDs(context.Background(), scope, 42, []string{"same_new_key", "other"})
				return err
			})
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.ElementsMatch(t, []types.KeyID{1, 2}, results[0])
	assert.Equal(t, 2, countRows(t, e))
}

func TestConcurrentDistinctKeysGetDistinctIDs(t *testing.T) {
	e := openEngine(t, storage.Options{})
	const workers, perWorker = 6, 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[types.KeyID]string)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s := New(e, Options{})
			scope := transaction.NewScope(e)
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i)
				var ids []types.KeyID
				err := scope.Run(func(*storage.Tx) error {
					var err error
					ids, err = s.GetOrCreateIDs(context.Background(), scope, 1, []string{key})
					return err
				})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if prev, dup := seen[ids[0]]; dup {
					t.Errorf("id %d given to %q and %q", ids[0], prev, key)
				}
				seen[ids[0]] = key
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker)
	for id := types.KeyID(1); id <= workers*perWorker; id++ {
		assert.Contains(t, seen, id)
	}
}

func TestBulkInsertUsesStartingID(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)

	err := scope.Run(func(*storage.Tx) error {
		return s.BulkInsert(context.Background(), scope, 8, []string{"p", "q", "r"}, 10)
	})
	require.NoError(t, err)

	keys, err := getKeys(s, scope, 8, 10, 11, 12)
	require.NoError(t, err)
	assert.Equal(t, []string{"p", "q", "r"}, keys)
	assert.Equal(t, []types.KeyID{13}, getOrCreate(t, s, scope, 8, "s"))
}

func TestBulkInsertRejectsInvalidStart(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)
	defer scope.Abort()

	assert.Error(t, s.BulkInsert(context.Background(), scope, 1, []string{"a"}, 0))
	assert.ErrorIs(t, s.BulkInsert(context.Background(), scope, 1, []string{"a", "b"}, 1<<31-1), ErrIDSpaceExhausted)
}

func TestBulkInsertConflictFailsWholeBatch(t *testing.T) {
	e := openEngine(t, storage.Options{})
	s := New(e, Options{})
	scope := transaction.NewScope(e)
	getOrCreate(t, s, scope, 1, "a")

	err := scope.Run(func(*storage.Tx) error {
		return s.BulkInsert(context.Background(), scope, 1, []string{"b", "a"}, 2)
	})
	assert.ErrorIs(t, err, storage.ErrUniqueViolation)
	assert.Equal(t, KindStorage, Kind(err))
	assert.Equal(t, 1, countRows(t, e))
}

func TestBulkInsertSkipsWALAtMinimalLevel(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, storage.Options{Dir: dir, MinimalWAL: true})
	s := New(e, Options{BulkSkipWAL: true})
	scope := transaction.NewScope(e)

	assert.Equal(t, []types.KeyID{1, 2, 3}, getOrCreate(t, s, scope, 4, "x", "y", "z"))
	require.NoError(t, e.Close())

	reopened := openEngine(t, storage.Options{Dir: dir, MinimalWAL: true})
	s2 := New(reopened, Options{})
	keys, err := getKeys(s2, transaction.NewScope(reopened), 4, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, keys)
}

func TestDictionarySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, storage.Options{Dir: dir, SyncCommit: true})
	s := New(e, Options{})
	getOrCreate(t, s, transaction.NewScope(e), 42, "a", "b")
	require.NoError(t, e.Close())

	reopened := openEngine(t, storage.Options{Dir: dir})
	s2 := New(reopened, Options{})
	assert.Equal(t, []types.KeyID{2, 3}, getOrCreate(t, s2, transaction.NewScope(reopened), 42, "b", "c"))
}

func TestGetKeysReadMode(t *testing.T) {
	e := openEngine(t, storage.Options{})
	writer := New(e, Options{})
	writerScope := transaction.NewScope(e)
	_, err := writer.GetOrCreateIDs(context.Background(), writerScope, 1, []string{"pending"})
	require.NoError(t, err)
	defer writerScope.Abort()

	committed := New(e, Options{ReadMode: storage.SnapshotCommitted})
	_, err = getKeys(committed, transaction.NewScope(e), 1, 1)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	dirty := New(e, Options{ReadMode: storage.SnapshotDirty})
	keys, err := getKeys(dirty, transaction.NewScope(e), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"pending"}, keys)
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{fmt.Errorf("wrap: %w", ErrKeyNotFound), KindLookup},
		{fmt.Errorf("wrap: %w", ErrConfiguration), KindConfiguration},
		{protocol.ErrUnknownCommand, KindProtocol},
		{fmt.Errorf("frame: %w", protocol.ErrShortFrame), KindProtocol},
		{mq.ErrDetached, KindChannel},
		{storage.ErrUniqueViolation, KindStorage},
		{errors.New("disk on fire"), KindStorage},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), "%v", tt.err)
	}
}
