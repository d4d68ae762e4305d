// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package buildremote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"farm.256lights.llc/pkg/internal/jsonrpc"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// DefaultAgentCommand is the program the SSH client runs on the builder.
const DefaultAgentCommand = "zb-farm-agent"

// An SSHClient executes remote builds
// by running the builder agent over an SSH subprocess
// and speaking the farm protocol on its standard streams.
type SSHClient struct {
	// SSHCommand is the local ssh program. Defaults to "ssh".
	SSHCommand string
	// AgentCommand is the remote program to run. Defaults to [DefaultAgentCommand].
	AgentCommand string
	// LogDir is the directory build logs are streamed into.
	LogDir string

	// sendLocks serializes session setup per host
	// so that concurrent builds do not stampede transfers
	// to the same machine.
	sendLocks sendLockMap
}

// Build implements [Func].
func (c *SSHClient) Build(ctx context.Context, host, sshKey string, req *BuildRequest) (_ *Result, err error) {
	sshCommand := c.SSHCommand
	if sshCommand == "" {
		sshCommand = "ssh"
	}
	agent := c.AgentCommand
	if agent == "" {
		agent = DefaultAgentCommand
	}
	args := []string{"-oBatchMode=yes", "-x"}
	if sshKey != "" {
		args = append(args, "-i", sshKey)
	}
	args = append(args, host, agent)

	unlockSend, err := c.sendLocks.lock(ctx, host)
	if err != nil {
		return nil, err
	}
	sendLocked := true
	defer func() {
		if sendLocked {
			unlockSend()
		}
	}()

	cmd := exec.CommandContext(ctx, sshCommand, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ConnectError{Host: host, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ConnectError{Host: host, Err: err}
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, &ConnectError{Host: host, Err: err}
	}
	defer func() {
		if waitErr := cmd.Wait(); waitErr != nil && err == nil {
			log.Debugf(ctx, "ssh to %s exited: %v", host, waitErr)
		}
	}()

	logFile, err := c.createLogFile(req)
	if err != nil {
		stdin.Close()
		return nil, err
	}
	defer logFile.Close()

	conn := jsonrpc.NewConn(stdioPipe{stdout, stdin}, func(ctx context.Context, method string, params json.RawMessage) {
		if method != LogMethod {
			return
		}
		var notif LogNotification
		if err := json.Unmarshal(params, &notif); err != nil {
			log.Warnf(ctx, "Invalid log notification from %s: %v", host, err)
			return
		}
		if _, err := logFile.Write(notif.Payload); err != nil {
			log.Warnf(ctx, "Writing build log %s: %v", logFile.Name(), err)
		}
	})
	defer xcontext.CloseWhenDone(ctx, conn).Close()

	var hello HelloResponse
	if err := jsonrpc.Do(ctx, conn, HelloMethod, &hello, struct{}{}); err != nil {
		return nil, &ConnectError{Host: host, Err: err}
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return nil, &ConnectError{Host: host, Err: fmt.Errorf("protocol version %d not supported", hello.ProtocolVersion)}
	}
	// The transfer-heavy part of the session is over;
	// let other builds reach the machine while this one runs.
	unlockSend()
	sendLocked = false

	var resp BuildResponse
	if err := jsonrpc.Do(ctx, conn, BuildMethod, &resp, req); err != nil {
		return nil, fmt.Errorf("build %s on %s: %w", req.RecipePath, host, err)
	}
	return &Result{
		Status:      resp.Status,
		StartTime:   time.Unix(resp.StartTime, 0).UTC(),
		StopTime:    time.Unix(resp.StopTime, 0).UTC(),
		Overhead:    time.Duration(resp.OverheadSeconds) * time.Second,
		LogFile:     logFile.Name(),
		ErrorMsg:    resp.ErrorMsg,
		OutputPaths: resp.OutputPaths,
	}, nil
}

func (c *SSHClient) createLogFile(req *BuildRequest) (*os.File, error) {
	logDir := c.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	// Shard by the first two digest characters to keep directories small.
	base := req.RecipePath.Base()
	dir := filepath.Join(logDir, base[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log file for %s: %v", req.RecipePath, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, base+".log"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create log file for %s: %v", req.RecipePath, err)
	}
	return f, nil
}

// stdioPipe joins a subprocess's stdout and stdin
// into a single [io.ReadWriteCloser].
type stdioPipe struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p stdioPipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p stdioPipe) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p stdioPipe) Close() error {
	err1 := p.w.Close()
	err2 := p.r.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
