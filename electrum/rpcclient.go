// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// rpcRequest is an outgoing JSON-RPC 2.0 request.
type rpcRequest struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// rpcMessage is the shape of anything arriving on the wire: either a
// response to a request we sent (ID set, Result or Error present) or a
// notification (Method set, ID absent). Dynamic RPC parameter shapes
// (result sometimes a bare string, sometimes an object) are left as
// json.RawMessage here and decoded per call site, each of which knows
// the variant it expects — see spec §9.
type rpcMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// NotificationHandler processes an unsolicited server notification.
// Unknown methods are simply not dispatched; this is not an error.
type NotificationHandler func(params json.RawMessage)

// rpcClient is a JSON-RPC 2.0 connection to a single Electrum server,
// framed as newline-delimited JSON objects the way ElectrumX and its
// peers speak the protocol (no bracketed array batching on the wire;
// "batches" are a client-side bookkeeping concept, not a wire frame).
type rpcClient struct {
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	nextID  uint64 // atomic
	lastSend atomic.Int64 // unix nanos

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcMessage

	handlersMu sync.Mutex
	handlers   map[string]NotificationHandler

	closeOnce sync.Once
	closed    chan struct{}
	readErr   atomic.Value // error
}

// dialSession opens a connection to server (through proxy, if any)
// and wraps it in TLS when the server's protocol requires it. TLS uses
// the system truststore, as spec §6 requires.
func dialSession(ctx context.Context, server *Server, proxy *Proxy) (*rpcClient, error) {
	addr := net.JoinHostPort(server.Host, fmt.Sprintf("%d", server.Port))

	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := proxy.dial(addr)
		resultCh <- dialResult{conn, err}
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, r.err)
		}
		conn = r.conn
	}

	if server.Protocol == ProtocolTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: server.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: tls handshake: %v", ErrTransport, err)
		}
		conn = tlsConn
	}

	c := newRPCClient(conn)
	go c.readLoop()
	return c, nil
}

func newRPCClient(conn net.Conn) *rpcClient {
	c := &rpcClient{
		conn:     conn,
		enc:      json.NewEncoder(conn),
		pending:  make(map[uint64]chan rpcMessage),
		handlers: make(map[string]NotificationHandler),
		closed:   make(chan struct{}),
	}
	c.lastSend.Store(time.Now().UnixNano())
	return c
}

// RegisterHandler installs (or replaces) the notification handler for
// method.
func (c *rpcClient) RegisterHandler(method string, handler NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = handler
}

// LastSend returns the time of the most recent outgoing request.
func (c *rpcClient) LastSend() time.Time {
	return time.Unix(0, c.lastSend.Load())
}

// Call sends a single JSON-RPC request and waits for its response.
func (c *rpcClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	replyCh := make(chan rpcMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	c.lastSend.Store(time.Now().UnixNano())
	err := c.enc.Encode(rpcRequest{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: writing %s: %v", ErrTransport, method, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
	case <-c.closed:
		return nil, fmt.Errorf("%w: connection closed during %s", ErrTransport, method)
	case msg := <-replyCh:
		if msg.Error != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRPC, method, msg.Error)
		}
		return msg.Result, nil
	}
}

// batchCall is one request of a Batch call; its result is returned at
// the same position in Batch's result slice.
type batchCall struct {
	Method string
	Params interface{}
}

// Batch issues several requests concurrently under a single deadline
// and returns their results in the same order as calls, or a single
// ErrBatch wrapping the first failure. Used for the 10-second-bounded
// server.banner/server.donation_address/server.peers.subscribe trio
// and for requesting headers at several heights at once.
func (c *rpcClient) Batch(ctx context.Context, calls []batchCall) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(calls))
	errs := make([]error, len(calls))

	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i, call := range calls {
		i, call := i, call
		go func() {
			defer wg.Done()
			res, err := c.Call(ctx, call.Method, call.Params)
			results[i] = res
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBatch, err)
		}
	}
	return results, nil
}

// readLoop pumps newline-delimited JSON messages off the connection,
// dispatching notifications and waking Call/Batch waiters.
func (c *rpcClient) readLoop() {
	defer c.Close()
	reader := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if err != io.EOF {
				c.readErr.Store(err)
			}
			return
		}
	}
}

func (c *rpcClient) dispatch(line []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Warnf("electrum: malformed json-rpc message: %v", err)
		return
	}
	if msg.ID != nil {
		c.pendingMu.Lock()
		ch, ok := c.pending[*msg.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}
	if msg.Method == "" {
		return
	}
	c.handlersMu.Lock()
	handler := c.handlers[msg.Method]
	c.handlersMu.Unlock()
	if handler != nil {
		handler(msg.Params)
	}
}

// Closed returns a channel closed when the connection has terminated.
func (c *rpcClient) Closed() <-chan struct{} {
	return c.closed
}

// ReadErr returns the error (if any) that terminated the read loop.
func (c *rpcClient) ReadErr() error {
	if v := c.readErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Close shuts down the connection. Safe to call more than once.
func (c *rpcClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		close(c.closed)
	})
	return err
}
