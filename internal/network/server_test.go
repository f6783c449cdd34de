package network

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"keydict/internal/pool"
	"keydict/internal/protocol"
	"keydict/internal/storage"
	"keydict/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, *pool.Pool) {
	t.Helper()
	engine, err := storage.Open(storage.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	p, err := pool.Start(context.Background(), pool.Options{Workers: 2, QueueSize: 1 << 14, Engine: engine})
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitReady(ctx))

	s := NewServer("127.0.0.1:0", p.Client(), time.Second)
	require.NoError(t, s.Listen())
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s, p
}

func dial(t *testing.T, s *Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEnvelopes(t *testing.T) {
	req := &Request{ID: "r1", Frame: []byte{1, 2, 3}}
	got, err := UnmarshalRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)

	resp := &Response{ID: "r1", Parts: [][]byte{{'a', 0}, {}, {0}}, Error: "boom"}
	gotResp, err := UnmarshalResponse(resp.Marshal())
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)

	_, err = UnmarshalResponse([]byte{0x0a, 0x05, 'x'})
	assert.Error(t, err)
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, []byte("hello")))
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	got, err := readMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	_, err = readMessage(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestServerScenarios(t *testing.T) {
	s, _ := startServer(t)
	c := dial(t, s)
	ctx := context.Background()

	ids, err := c.GetIDs(ctx, 42, []string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []types.KeyID{1, 2, 1}, ids)

	keys, err := c.GetKeys(ctx, 42, []types.KeyID{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	_, err = c.GetKeys(ctx, 42, []types.KeyID{999})
	assert.ErrorIs(t, err, protocol.ErrRequestFailed)

	parts, err := c.Do(ctx, protocol.EncodeRaw(0, 42, 7, nil))
	require.NoError(t, err)
	assert.True(t, protocol.IsFailure(parts))

	ids, err = c.GetIDs(ctx, 42, []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, []types.KeyID{3}, ids)
}

func TestServerManyConnections(t *testing.T) {
	s, _ := startServer(t)
	ctx := context.Background()

	const conns = 6
	errs := make(chan error, conns)
	results := make(chan types.KeyID, conns)
	for i := 0; i < conns; i++ {
		c := dial(t, s)
		go func() {
			ids, err := c.GetIDs(ctx, 9, []string{"d"})
			if err != nil {
				errs <- err
				return
			}
			results <- ids[0]
		}()
	}
	for i := 0; i < conns; i++ {
		select {
		case err := <-errs:
			t.Fatal(err)
		case id := <-results:
			assert.Equal(t, types.KeyID(1), id)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestServerReportsDispatchFailure(t *testing.T) {
	s, p := startServer(t)
	c := dial(t, s)
	require.NoError(t, p.Shutdown())

	_, err := c.GetIDs(context.Background(), 1, []string{"a"})
	assert.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), pool.ErrNoWorkers.Error())
}

func TestServerDropsOversizedMessage(t *testing.T) {
	s, _ := startServer(t)
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "the server closes the connection")
}

func TestCloseStopsServe(t *testing.T) {
	engine, err := storage.Open(storage.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer engine.Close()
	p, err := pool.Start(context.Background(), pool.Options{Workers: 1, QueueSize: 1024, Engine: engine})
	require.NoError(t, err)
	defer p.Shutdown()

	s := NewServer("127.0.0.1:0", p.Client(), 0)
	require.NoError(t, s.Listen())
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	c, err := Dial(context.Background(), s.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, s.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	require.NoError(t, s.Close())
}
