// Package network is the TCP front door of the dictionary pool. Each
// connection carries length-prefixed request envelopes holding one raw
// dictionary frame; the frame is forwarded to a pool worker unchanged.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"keydict/internal/logger"
	"keydict/internal/pool"
)

// DefaultRequestTimeout bounds how long a request may wait for a worker.
const DefaultRequestTimeout = 30 * time.Second

type Server struct {
	addr           string
	pool           *pool.Client
	requestTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(addr string, client *pool.Client, requestTimeout time.Duration) *Server {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Server{
		addr:           addr,
		pool:           client,
		requestTimeout: requestTimeout,
		conns:          make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.Info("keydict server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until Close.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener until Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("network: Serve before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			logger.Error("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetReadBuffer(65536)
			tcpConn.SetWriteBuffer(65536)
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Close stops accepting, closes every connection and waits for their
// handlers. A request already handed to a worker still completes inside
// the pool.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	for {
		data, err := readMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				logger.Error("Read request error from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		req, err := UnmarshalRequest(data)
		if err != nil {
			logger.Error("Unmarshal error from %s: %v", conn.RemoteAddr(), err)
			return
		}

		resp := s.forward(req)
		if err := writeMessage(conn, resp.Marshal()); err != nil {
			if !s.isClosed() {
				logger.Error("Write response error to %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (s *Server) forward(req *Request) *Response {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	resp := &Response{ID: req.ID}
	parts, err := s.pool.Do(ctx, req.Frame)
	if err != nil {
		logger.Error("Request %s: %v", req.ID, err)
		resp.Error = fmt.Sprintf("dispatch: %v", err)
		return resp
	}
	resp.Parts = parts
	return resp
}
