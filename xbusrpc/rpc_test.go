package xbusrpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

// =============================================================================
// TEST HELPERS
// =============================================================================

type testLogger struct{}

func (testLogger) Debug(msg string, keysAndValues ...any) {}
func (testLogger) Info(msg string, keysAndValues ...any)  {}
func (testLogger) Warn(msg string, keysAndValues ...any)  {}
func (testLogger) Error(msg string, keysAndValues ...any) {}

// startServer runs a server on a loopback port and returns it with its
// address. The server is closed when the test ends.
func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(testLogger{})

	errCh := make(chan error, 1)
	ready := make(chan string, 1)
	go func() {
		lis, err := newLoopbackListener()
		if err != nil {
			errCh <- err
			return
		}
		ready <- lis.Addr().String()
		errCh <- srv.Serve(lis)
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	t.Cleanup(func() { srv.Close() })
	return srv, addr
}

func dialTest(t *testing.T, addr string) *Client {
	t.Helper()
	client, err := Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// =============================================================================
// CALL / REPLY
// =============================================================================

func TestCallRoundTrip(t *testing.T) {
	srv, addr := startServer(t)
	srv.Register("echo", func(ctx context.Context, args Raw) (any, error) {
		var s string
		if err := args.Decode(&s); err != nil {
			return nil, err
		}
		return "echo:" + s, nil
	})

	client := dialTest(t, addr)

	var reply string
	err := client.Call(context.Background(), "echo", "hello", &reply)
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", reply)
}

func TestCallHandlerError(t *testing.T) {
	srv, addr := startServer(t)
	srv.Register("boom", func(ctx context.Context, args Raw) (any, error) {
		return nil, fmt.Errorf("recipient exploded")
	})

	client := dialTest(t, addr)

	err := client.Call(context.Background(), "boom", nil, nil)
	require.Error(t, err)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "boom", callErr.Verb)
	assert.Contains(t, callErr.Message, "recipient exploded")
}

func TestCallUnknownVerb(t *testing.T) {
	_, addr := startServer(t)
	client := dialTest(t, addr)

	err := client.Call(context.Background(), "no_such_verb", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown verb")

	// The connection survives an unknown verb.
	errAgain := client.Call(context.Background(), "still_unknown", nil, nil)
	assert.Error(t, errAgain)
}

func TestCallContextTimeout(t *testing.T) {
	srv, addr := startServer(t)
	started := make(chan struct{})
	srv.Register("stall", func(ctx context.Context, args Raw) (any, error) {
		close(started)
		time.Sleep(2 * time.Second)
		return true, nil
	})

	client := dialTest(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, "stall", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	<-started
}

// A call made with an already-dead context never reaches the peer.
func TestCallDeadContextNeverSent(t *testing.T) {
	srv, addr := startServer(t)
	reached := make(chan struct{}, 1)
	srv.Register("echo", func(ctx context.Context, args Raw) (any, error) {
		reached <- struct{}{}
		return nil, nil
	})

	client := dialTest(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.Call(ctx, "echo", "hello", nil)
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-reached:
		t.Fatal("request was written despite the dead context")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentCallsMultiplex(t *testing.T) {
	srv, addr := startServer(t)
	srv.Register("double", func(ctx context.Context, args Raw) (any, error) {
		var n int
		if err := args.Decode(&n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})

	client := dialTest(t, addr)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var reply int
			err := client.Call(context.Background(), "double", n, &reply)
			assert.NoError(t, err)
			assert.Equal(t, n*2, reply)
		}(i)
	}
	wg.Wait()
}

func TestNotifyReachesHandler(t *testing.T) {
	srv, addr := startServer(t)
	got := make(chan string, 1)
	srv.Register(VerbStopEnvelope, func(ctx context.Context, args Raw) (any, error) {
		var a envelopeArgs
		if err := args.Decode(&a); err != nil {
			return nil, err
		}
		got <- a.EnvelopeID
		return nil, nil
	})

	client := dialTest(t, addr)
	require.NoError(t, client.Notify(VerbStopEnvelope, &envelopeArgs{EnvelopeID: "env-1"}))

	select {
	case id := <-got:
		assert.Equal(t, "env-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestCallAfterClose(t *testing.T) {
	_, addr := startServer(t)
	client := dialTest(t, addr)
	require.NoError(t, client.Close())

	err := client.Call(context.Background(), "echo", nil, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

// =============================================================================
// RECIPIENT CLIENT
// =============================================================================

func TestRecipientWorkerSendItem(t *testing.T) {
	srv, addr := startServer(t)
	srv.Register(VerbSendItem, func(ctx context.Context, args Raw) (any, error) {
		var a sendItemArgs
		if err := args.Decode(&a); err != nil {
			return nil, err
		}
		// A worker that suffixes the payload.
		return []ItemReply{{Indices: a.Indices, Data: append(a.Data, []byte("_x")...)}}, nil
	})

	rc, err := ConnectRecipient(addr)
	require.NoError(t, err)
	defer rc.Close()

	pairs, ok, err := rc.SendItem(context.Background(), "env-1", "ev-1", []int{0}, []byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, pairs, 1)
	assert.Equal(t, []int{0}, pairs[0].Indices)
	assert.Equal(t, []byte("a_x"), pairs[0].Data)
}

func TestRecipientConsumerAck(t *testing.T) {
	srv, addr := startServer(t)
	srv.Register(VerbSendItem, func(ctx context.Context, args Raw) (any, error) {
		return []ItemReply{}, nil // empty list: plain ack
	})
	srv.Register(VerbStartEvent, func(ctx context.Context, args Raw) (any, error) {
		return true, nil
	})
	srv.Register(VerbEndEvent, func(ctx context.Context, args Raw) (any, error) {
		return false, nil
	})

	rc, err := ConnectRecipient(addr)
	require.NoError(t, err)
	defer rc.Close()

	ctx := context.Background()

	okStart, err := rc.StartEvent(ctx, "env-1", "ev-1", "t")
	require.NoError(t, err)
	assert.True(t, okStart)

	pairs, ok, err := rc.SendItem(ctx, "env-1", "ev-1", []int{0}, []byte("a"))
	require.NoError(t, err)
	assert.True(t, ok, "an empty reply list is an ack")
	assert.Empty(t, pairs)

	okEnd, err := rc.EndEvent(ctx, "env-1", "ev-1")
	require.NoError(t, err)
	assert.False(t, okEnd)
}

func TestRecipientSendItemRefused(t *testing.T) {
	srv, addr := startServer(t)
	srv.Register(VerbSendItem, func(ctx context.Context, args Raw) (any, error) {
		return false, nil
	})

	rc, err := ConnectRecipient(addr)
	require.NoError(t, err)
	defer rc.Close()

	_, ok, err := rc.SendItem(context.Background(), "env-1", "ev-1", []int{0}, []byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// FRONT CLIENT
// =============================================================================

func TestRegisterBackend(t *testing.T) {
	srv, addr := startServer(t)
	srv.Register(VerbRegisterBackend, func(ctx context.Context, args Raw) (any, error) {
		var a registerBackendArgs
		if err := args.Decode(&a); err != nil {
			return nil, err
		}
		if a.URI == "" {
			return nil, nil // refusal: nil reply
		}
		return a.URI, nil
	})

	front, err := ConnectFront(addr)
	require.NoError(t, err)
	defer front.Close()

	ok, err := front.RegisterBackend(context.Background(), "tcp://backend:4891")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = front.RegisterBackend(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok, "nil reply from the front is a refusal")
}
