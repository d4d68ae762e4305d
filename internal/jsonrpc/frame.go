// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
)

// maxMessageSize bounds a single framed message.
const maxMessageSize = 8 << 20

// WriteMessage writes a single message to w
// using the LSP base protocol framing.
func WriteMessage(w io.Writer, body []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return fmt.Errorf("write rpc message: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write rpc message: %w", err)
	}
	return nil
}

// ReadMessage reads a single framed message from br.
func ReadMessage(br *bufio.Reader) ([]byte, error) {
	header, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("read rpc message: %w", err)
	}
	lengthText := header.Get("Content-Length")
	if lengthText == "" {
		return nil, fmt.Errorf("read rpc message: missing Content-Length")
	}
	length, err := strconv.ParseInt(lengthText, 10, 64)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("read rpc message: invalid Content-Length %q", lengthText)
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("read rpc message: %d bytes exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, fmt.Errorf("read rpc message: %w", err)
	}
	return body, nil
}
