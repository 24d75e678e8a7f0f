package xbusrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// HandlerFunc serves one verb. It decodes its arguments from args and
// returns the result value to send back, or an error that is relayed to
// the caller in the response header.
type HandlerFunc func(ctx context.Context, args Raw) (any, error)

// Server accepts RPC connections and dispatches requests to registered
// verb handlers. One goroutine reads each connection; each request is
// served on its own goroutine so a slow verb never blocks the stream.
type Server struct {
	logger Logger

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer creates a server with no registered verbs.
func NewServer(logger Logger) *Server {
	return &Server{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Register binds a verb name to its handler. Registering an already-bound
// verb replaces the previous handler.
func (s *Server) Register(verb string, fn HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[verb] = fn
}

// ListenAndServe binds addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Close.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lis.Close()
		return errors.New("xbusrpc: server closed")
	}
	s.listener = lis
	s.mu.Unlock()

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the bound listener address, if serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener, closes every connection and waits for
// in-flight handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lis := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if lis != nil {
		err = lis.Close()
	}
	s.wg.Wait()
	return err
}

// serverConn owns the write side of one connection.
type serverConn struct {
	conn    net.Conn
	writer  *bufio.Writer
	enc     *msgpack.Encoder
	writeMu sync.Mutex
}

func (sc *serverConn) reply(header *responseHeader, body any) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := sc.enc.Encode(header); err != nil {
		return err
	}
	if err := sc.enc.Encode(body); err != nil {
		return err
	}
	return sc.writer.Flush()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := bufio.NewReader(conn)
	dec := msgpack.NewDecoder(reader)
	writer := bufio.NewWriter(conn)
	sc := &serverConn{conn: conn, writer: writer, enc: msgpack.NewEncoder(writer)}

	var reqWG sync.WaitGroup
	defer reqWG.Wait()

	for {
		var header requestHeader
		if err := dec.Decode(&header); err != nil {
			return
		}
		var args Raw
		if err := dec.Decode(&args); err != nil {
			s.logger.Warn("rpc_request_body_unreadable",
				"verb", header.Verb, "error", err.Error())
			return
		}

		s.handlersMu.RLock()
		handler, ok := s.handlers[header.Verb]
		s.handlersMu.RUnlock()

		reqWG.Add(1)
		go func(header requestHeader, args Raw) {
			defer reqWG.Done()
			s.serveRequest(ctx, sc, header, handler, ok, args)
		}(header, args)
	}
}

func (s *Server) serveRequest(
	ctx context.Context,
	sc *serverConn,
	header requestHeader,
	handler HandlerFunc,
	known bool,
	args Raw,
) {
	if !known {
		s.logger.Warn("rpc_unknown_verb", "verb", header.Verb)
		if !header.Notify {
			_ = sc.reply(&responseHeader{
				Seq:   header.Seq,
				Error: fmt.Sprintf("unknown verb: %s", header.Verb),
			}, nil)
		}
		return
	}

	result, err := handler(ctx, args)
	if header.Notify {
		if err != nil {
			s.logger.Warn("rpc_notify_handler_failed",
				"verb", header.Verb, "error", err.Error())
		}
		return
	}

	resp := responseHeader{Seq: header.Seq}
	if err != nil {
		resp.Error = err.Error()
		result = nil
	}
	if werr := sc.reply(&resp, result); werr != nil {
		s.logger.Warn("rpc_reply_failed",
			"verb", header.Verb, "error", werr.Error())
	}
}
