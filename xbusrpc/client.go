package xbusrpc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 10 * time.Second

var (
	// ErrClientClosed is returned by calls made after Close.
	ErrClientClosed = errors.New("xbusrpc: client closed")
)

// Client is a connection to one remote RPC peer. It is safe for concurrent
// use; in-flight calls are multiplexed by sequence number.
type Client struct {
	addr string

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	enc    *msgpack.Encoder
	dec    *msgpack.Decoder

	writeMu sync.Mutex

	seqMu sync.Mutex
	seq   uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan clientResponse

	shutdownMu sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
}

type clientResponse struct {
	err  string
	body Raw
}

// Dial connects to the RPC peer at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultDialTimeout)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, addr), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, addr string) *Client {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	c := &Client{
		addr:       addr,
		conn:       conn,
		reader:     reader,
		writer:     writer,
		enc:        msgpack.NewEncoder(writer),
		dec:        msgpack.NewDecoder(reader),
		pending:    make(map[uint64]chan clientResponse),
		shutdownCh: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Addr returns the address this client was dialed against.
func (c *Client) Addr() string {
	return c.addr
}

// Call invokes verb with args and decodes the result into reply.
// A nil reply discards the result. Call honors ctx cancellation and
// deadlines; the response, if it arrives later, is dropped.
func (c *Client) Call(ctx context.Context, verb string, args, reply any) error {
	// A dead context must not reach the wire.
	if err := ctx.Err(); err != nil {
		return err
	}

	seq := c.nextSeq()
	ch := make(chan clientResponse, 1)

	c.pendingMu.Lock()
	c.pending[seq] = ch
	c.pendingMu.Unlock()

	header := requestHeader{Seq: seq, Verb: verb}
	if err := c.send(&header, args); err != nil {
		c.dropPending(seq)
		return err
	}

	select {
	case resp := <-ch:
		if resp.err != "" {
			return &CallError{Verb: verb, Message: resp.err}
		}
		if reply == nil {
			return nil
		}
		return resp.body.Decode(reply)
	case <-ctx.Done():
		c.dropPending(seq)
		return ctx.Err()
	case <-c.shutdownCh:
		c.dropPending(seq)
		return ErrClientClosed
	}
}

// Notify sends a fire-and-forget request. No response is expected.
func (c *Client) Notify(verb string, args any) error {
	header := requestHeader{Seq: c.nextSeq(), Verb: verb, Notify: true}
	return c.send(&header, args)
}

// Close shuts the connection down. In-flight calls fail with
// ErrClientClosed.
func (c *Client) Close() error {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	if c.shutdown {
		return nil
	}
	c.shutdown = true
	close(c.shutdownCh)
	return c.conn.Close()
}

func (c *Client) nextSeq() uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// send serializes header+args writes so concurrent calls never interleave
// on the stream.
func (c *Client) send(header *requestHeader, args any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.shutdownMu.Lock()
	closed := c.shutdown
	c.shutdownMu.Unlock()
	if closed {
		return ErrClientClosed
	}

	if err := c.enc.Encode(header); err != nil {
		return err
	}
	if err := c.enc.Encode(args); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) dropPending(seq uint64) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

// readLoop decodes responses and hands them to their waiting callers.
func (c *Client) readLoop() {
	for {
		var header responseHeader
		if err := c.dec.Decode(&header); err != nil {
			c.teardown()
			return
		}
		var body Raw
		if err := c.dec.Decode(&body); err != nil {
			c.teardown()
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[header.Seq]
		delete(c.pending, header.Seq)
		c.pendingMu.Unlock()

		if ok {
			ch <- clientResponse{err: header.Error, body: body}
		}
	}
}

func (c *Client) teardown() {
	_ = c.Close()
	c.pendingMu.Lock()
	for seq, ch := range c.pending {
		delete(c.pending, seq)
		ch <- clientResponse{err: "connection closed"}
	}
	c.pendingMu.Unlock()
}
