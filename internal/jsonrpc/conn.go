// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"zombiezen.com/go/log"
)

// A NotificationHandler receives server-to-client notifications
// that arrive while a call is in flight.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// A Conn is a client connection to a JSON-RPC server.
// Methods on Conn are safe to call concurrently,
// but calls are serialized:
// the farm protocol performs one long-running call per connection.
type Conn struct {
	notify NotificationHandler

	mu     sync.Mutex
	rwc    io.ReadWriteCloser
	br     *bufio.Reader
	nextID int64
}

// NewConn returns a new [Conn] that communicates over rwc.
// If notify is non-nil, it is invoked for incoming notifications.
// The caller is responsible for calling [Conn.Close].
func NewConn(rwc io.ReadWriteCloser, notify NotificationHandler) *Conn {
	return &Conn{
		rwc:    rwc,
		br:     bufio.NewReader(rwc),
		notify: notify,
		nextID: 1,
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

// wireMessage is the union of request and response fields
// used to classify incoming messages.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

type wireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Call sends a request and blocks until its response arrives.
// Notifications received in the interim are dispatched to the connection's
// [NotificationHandler].
// Cancelling ctx does not interrupt a blocked read;
// callers that need that should close the connection when ctx is done.
func (c *Conn) Call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	body, err := marshalRequest(id, req)
	if err != nil {
		return nil, fmt.Errorf("call json rpc %s: %v", req.Method, err)
	}
	if err := WriteMessage(c.rwc, body); err != nil {
		return nil, fmt.Errorf("call json rpc %s: %w", req.Method, err)
	}
	if req.Notification {
		return nil, nil
	}

	for {
		raw, err := ReadMessage(c.br)
		if err != nil {
			return nil, fmt.Errorf("call json rpc %s: %w", req.Method, err)
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("call json rpc %s: invalid message: %v", req.Method, err)
		}
		switch {
		case msg.Method != "" && msg.ID == nil:
			if c.notify != nil {
				c.notify(ctx, msg.Method, msg.Params)
			}
		case msg.ID != nil && *msg.ID == id:
			if msg.Error != nil {
				return nil, Error(msg.Error.Code, fmt.Errorf("call json rpc %s: %s", req.Method, msg.Error.Message))
			}
			return &Response{Result: msg.Result}, nil
		default:
			log.Debugf(ctx, "Dropping stray JSON-RPC message (id=%v)", msg.ID)
		}
	}
}

func marshalRequest(id int64, req *Request) ([]byte, error) {
	type wireRequest struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *int64          `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	wr := wireRequest{
		JSONRPC: "2.0",
		Method:  req.Method,
		Params:  req.Params,
	}
	if !req.Notification {
		wr.ID = &id
	}
	return json.Marshal(wr)
}

// Serve reads requests from rwc and dispatches them to handler
// until the connection is closed or ctx is done.
// It is used by the builder agent and by tests.
func Serve(ctx context.Context, rwc io.ReadWriteCloser, handler Handler) error {
	br := bufio.NewReader(rwc)
	for {
		raw, err := ReadMessage(br)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			if err := writeErrorResponse(rwc, nil, Error(ParseError, err)); err != nil {
				return err
			}
			continue
		}

		resp, err := handler.JSONRPC(ctx, &Request{
			Method:       msg.Method,
			Params:       msg.Params,
			Notification: msg.ID == nil,
		})
		if msg.ID == nil {
			continue
		}
		if err != nil {
			if err := writeErrorResponse(rwc, msg.ID, err); err != nil {
				return err
			}
			continue
		}
		result := json.RawMessage("null")
		if resp != nil && len(resp.Result) > 0 {
			result = resp.Result
		}
		body, err := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      *msg.ID,
			"result":  result,
		})
		if err != nil {
			return err
		}
		if err := WriteMessage(rwc, body); err != nil {
			return err
		}
	}
}

// NotifyWriter sends a server-to-client notification on w.
// It is safe to call from a handler while [Serve] is blocked reading.
func NotifyWriter(w io.Writer, method string, params any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("notify %s: %v", method, err)
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  json.RawMessage(rawParams),
	})
	if err != nil {
		return fmt.Errorf("notify %s: %v", method, err)
	}
	return WriteMessage(w, body)
}

func writeErrorResponse(w io.Writer, id *int64, err error) error {
	code, ok := CodeFromError(err)
	if !ok {
		code = InternalError
	}
	var rawID any
	if id != nil {
		rawID = *id
	}
	body, marshalErr := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      rawID,
		"error": map[string]any{
			"code":    code,
			"message": err.Error(),
		},
	})
	if marshalErr != nil {
		return marshalErr
	}
	return WriteMessage(w, body)
}
