package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"keydict/internal/dictionary"
	"keydict/internal/protocol"
	"keydict/internal/storage"
	"keydict/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.Open(storage.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func startPool(t *testing.T, workers int) *Pool {
	t.Helper()
	return startPoolOn(t, openEngine(t), workers)
}

func startPoolOn(t *testing.T, e *storage.Engine, workers int) *Pool {
	t.Helper()
	p, err := Start(context.Background(), Options{
		Workers:   workers,
		QueueSize: 1 << 14,
		Engine:    e,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitReady(ctx))
	return p
}

func TestPoolReady(t *testing.T) {
	p := startPool(t, 3)
	assert.Equal(t, 3, p.Size())
	assert.Equal(t, uint32(3), p.Region().Header.WorkersReady())
	for _, s := range p.Region().Slots {
		assert.False(t, s.Owner().IsZero())
		assert.False(t, s.Busy())
	}
}

func TestClientRoundTrip(t *testing.T) {
	p := startPool(t, 2)
	c := p.Client()
	ctx := context.Background()

	ids, err := c.GetIDs(ctx, 42, []string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []types.KeyID{1, 2, 1}, ids)

	keys, err := c.GetKeys(ctx, 42, ids)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a"}, keys)

	_, err = c.GetKeys(ctx, 42, []types.KeyID{999})
	assert.ErrorIs(t, err, protocol.ErrRequestFailed)

	parts, err := c.Do(ctx, protocol.EncodeRaw(0, 42, 99, nil))
	require.NoError(t, err)
	assert.True(t, protocol.IsFailure(parts))

	ids, err = c.GetIDs(ctx, 42, []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, []types.KeyID{3}, ids)

	ids, err = c.GetIDs(ctx, 43, []string{""})
	require.NoError(t, err)
	assert.Equal(t, []types.KeyID{1}, ids)
	keys, err = c.GetKeys(ctx, 43, ids)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, keys, "a single empty key is not taken for the sentinel")
}

func TestAbandonedRequestIsDrained(t *testing.T) {
	e := openEngine(t)
	p := startPoolOn(t, e, 1)
	c := p.Client()
	slot := p.Region().Slots[0]

	tbl, ok := e.LookupTable(dictionary.TableName)
	require.True(t, ok)
	holder := e.Begin()
	require.NoError(t, e.LockObject(context.Background(), holder, storage.LockTag{Object: tbl.OID, SubKey: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := c.GetIDs(ctx, 1, []string{"a", "b"})
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, slot.Busy(), "slot stays claimed while the late reply is pending")

	require.NoError(t, holder.Commit())
	require.Eventually(t, func() bool { return !slot.Busy() }, 5*time.Second, time.Millisecond)

	ids, err := c.GetIDs(context.Background(), 2, []string{"z"})
	require.NoError(t, err)
	assert.Equal(t, []types.KeyID{1}, ids, "the next caller gets its own reply")

	keys, err := c.GetKeys(context.Background(), 1, []types.KeyID{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys, "the abandoned allocation committed")
}

func TestConcurrentClients(t *testing.T) {
	p := startPool(t, 4)
	c := p.Client()
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make([][]types.KeyID, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetIDs(ctx, 7, []string{"shared", fmt.Sprintf("own-%d", i)})
		}(i)
	}
	wg.Wait()

	seen := map[types.KeyID]bool{}
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0][0], results[i][0], "every caller sees one id for the shared key")
		assert.False(t, seen[results[i][1]], "own keys get distinct ids")
		seen[results[i][1]] = true
	}
	assert.NotContains(t, seen, results[0][0])
	assert.Len(t, seen, callers)

	keys, err := c.GetKeys(ctx, 7, []types.KeyID{results[0][0]})
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, keys)
}

func TestClaimHonorsContext(t *testing.T) {
	p := startPool(t, 1)
	slot := p.Region().Slots[0]
	require.True(t, slot.TryClaim())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Client().GetIDs(ctx, 1, []string{"a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	slot.Release()
	ids, err := p.Client().GetIDs(context.Background(), 1, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []types.KeyID{1}, ids)
}

func TestShutdown(t *testing.T) {
	p := startPool(t, 2)
	require.NoError(t, p.Shutdown())

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
	for _, s := range p.Region().Slots {
		assert.True(t, s.Owner().IsZero())
		assert.Equal(t, types.StateTerminated, s.State())
	}
	_, err := p.Client().GetIDs(context.Background(), 1, []string{"a"})
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestStartupFailureStopsPool(t *testing.T) {
	e := openEngine(t)
	_, err := e.CreateTable(storage.TableDef{
		Name: dictionary.TableName,
		Columns: []storage.Column{
			{Name: "namespace", Type: storage.TypeInt32},
			{Name: "id", Type: storage.TypeInt32},
			{Name: "key", Type: storage.TypeText},
		},
	})
	require.NoError(t, err)

	p, err := Start(context.Background(), Options{Workers: 2, QueueSize: 1024, Engine: e})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = p.WaitReady(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, err, dictionary.ErrConfiguration)
	assert.ErrorIs(t, p.Shutdown(), dictionary.ErrConfiguration)
}

func TestStartValidation(t *testing.T) {
	_, err := Start(context.Background(), Options{Workers: 1})
	assert.Error(t, err)
	_, err = Start(context.Background(), Options{Workers: 0, Engine: openEngine(t)})
	assert.Error(t, err)
}
