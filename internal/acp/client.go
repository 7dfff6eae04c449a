// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mrsurge/agent-log-server-sub000/internal/shellsup"
)

// RawLineRecorder records a raw protocol line considered a protocol
// violation (spec §7), kept for post-hoc debugging instead of being
// discarded outright (spec §5's "debug ring buffer of raw ACP/appserver
// lines"). core.RawRingBuffer implements this.
type RawLineRecorder interface {
	RecordRaw(conversationID, source, line string)
}

// RequestHandler answers a request the agent sent to us (spec §4.E:
// session/request_permission, fs/*, terminal/*). Returning err produces
// a JSON-RPC error response instead of a result. id is the request's own
// JSON-RPC id, echoed back to callers that need it (e.g. the
// approval_request event's request_id).
type RequestHandler func(id interface{}, params json.RawMessage) (result interface{}, err error)

// NotificationHandler processes a notification the agent sent (chiefly
// session/update).
type NotificationHandler func(params json.RawMessage)

// Client frames JSON-RPC 2.0 over one piped agent subprocess's
// stdin/stdout (spec §4.E). One Client is shared by every session
// multiplexed onto the same extension process (spec §4.F); callers
// disambiguate by the sessionId each request/notification carries.
type Client struct {
	extensionID string
	shellID     shellsup.ShellID
	sup         shellsup.Supervisor
	stdin       shellsup.WriteCloser
	ring        RawLineRecorder

	stdinMu sync.Mutex // serializes writes, spec §5 "serialized writes per shell"

	mu       sync.Mutex
	pending  map[interface{}]chan envelope
	requests map[string]RequestHandler
	notifies map[string]NotificationHandler
	closed   bool
}

// NewClient starts reading NDJSON lines from the piped process already
// running as shellID and returns a Client ready to exchange requests.
// ring may be nil; when set, malformed/unclassifiable lines are
// recorded there in addition to being logged.
func NewClient(ctx context.Context, sup shellsup.Supervisor, extensionID string, shellID shellsup.ShellID, ring RawLineRecorder) (*Client, error) {
	handles, err := sup.GetPipeState(shellID)
	if err != nil {
		return nil, fmt.Errorf("acp: get pipe state: %w", err)
	}

	c := &Client{
		extensionID: extensionID,
		shellID:     shellID,
		sup:         sup,
		stdin:       handles.Stdin,
		ring:        ring,
		pending:     make(map[interface{}]chan envelope),
		requests:    make(map[string]RequestHandler),
		notifies:    make(map[string]NotificationHandler),
	}

	go c.readLoop(handles.Stdout)
	return c, nil
}

// recordRaw logs a dropped protocol line to the debug ring buffer, if one
// is configured.
func (c *Client) recordRaw(line string) {
	if c.ring != nil {
		c.ring.RecordRaw(c.extensionID, "acp", line)
	}
}

// SetRequestHandler registers how the client answers an agent-issued
// request for method.
func (c *Client) SetRequestHandler(method string, h RequestHandler) {
	c.mu.Lock()
	c.requests[method] = h
	c.mu.Unlock()
}

// SetNotificationHandler registers how the client processes a
// notification for method.
func (c *Client) SetNotificationHandler(method string, h NotificationHandler) {
	c.mu.Lock()
	c.notifies[method] = h
	c.mu.Unlock()
}

// readLoop reads NDJSON lines continuously, classifying and routing
// each (spec §4.E), until the pipe closes. Grounded on claude.Session's
// readLoop: one bufio.Scanner over the process's stdout, a generous
// buffer for long lines, best-effort parse-and-continue on malformed
// JSON rather than tearing down the connection.
func (c *Client) readLoop(stdout shellsup.ReadCloser) {
	scanner := bufio.NewScanner(readerAdapter{stdout})
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e envelope
		if err := json.Unmarshal(line, &e); err != nil {
			log.Printf("acp[%s]: malformed rpc line, dropped: %v", c.extensionID, err)
			c.recordRaw(string(line))
			continue
		}

		switch e.classify() {
		case kindResponse:
			c.resolveResponse(e)
		case kindNotification:
			c.dispatchNotification(e)
		case kindAgentRequest:
			c.dispatchAgentRequest(e)
		default:
			log.Printf("acp[%s]: unclassifiable rpc line, dropped", c.extensionID)
			c.recordRaw(string(line))
		}
	}

	c.mu.Lock()
	c.closed = true
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[interface{}]chan envelope)
	c.mu.Unlock()
}

func (c *Client) resolveResponse(e envelope) {
	key, err := idKey(e.ID)
	if err != nil {
		log.Printf("acp[%s]: response with unrecognized id, dropped", c.extensionID)
		c.recordRaw(fmt.Sprintf("id=%s", string(e.ID)))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	ch <- e
}

func (c *Client) dispatchNotification(e envelope) {
	c.mu.Lock()
	h, ok := c.notifies[e.Method]
	c.mu.Unlock()
	if !ok {
		return
	}
	h(e.Params)
}

func (c *Client) dispatchAgentRequest(e envelope) {
	c.mu.Lock()
	h, ok := c.requests[e.Method]
	c.mu.Unlock()

	var resp rpcResponse
	var rawID interface{}
	json.Unmarshal(e.ID, &rawID)
	resp.JSONRPC = "2.0"
	resp.ID = rawID

	if !ok {
		resp.Error = &RPCError{Code: -32601, Message: "method not found: " + e.Method}
	} else if result, err := h(rawID, e.Params); err != nil {
		resp.Error = &RPCError{Code: -32000, Message: err.Error()}
	} else {
		resp.Result = result
	}

	line, err := encodeLine(resp)
	if err != nil {
		log.Printf("acp[%s]: failed to encode response to %s: %v", c.extensionID, e.Method, err)
		return
	}
	c.writeRaw(line)
}

// Call sends a request with id and blocks for its correlated response
// or ctx's cancellation.
func (c *Client) Call(ctx context.Context, id interface{}, method string, params interface{}) (json.RawMessage, error) {
	ch := make(chan envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("acp[%s]: client closed", c.extensionID)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	line, err := encodeLine(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := c.writeRaw(line); err != nil {
		return nil, err
	}

	select {
	case e, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("acp[%s]: connection closed awaiting %s", c.extensionID, method)
		}
		if e.Error != nil {
			return nil, e.Error
		}
		return e.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	line, err := encodeLine(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return c.writeRaw(line)
}

func (c *Client) writeRaw(line []byte) error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	_, err := c.stdin.Write(line)
	return err
}

// Close terminates the underlying process.
func (c *Client) Close() error {
	return c.sup.Terminate(c.shellID, false)
}

// readerAdapter lets shellsup.ReadCloser (our io-free interface) satisfy
// io.Reader for bufio.Scanner.
type readerAdapter struct {
	r shellsup.ReadCloser
}

func (a readerAdapter) Read(p []byte) (int, error) { return a.r.Read(p) }

// promptID derives a floor(unix_millis) outgoing id for session/prompt
// calls.
func promptID(now time.Time) int64 {
	return now.UnixMilli()
}
