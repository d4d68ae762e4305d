// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package notify implements the farm's notification sender:
// a work queue of finished builds
// announced by running a configured hook command.
// Delivery is best-effort:
// notifications queued when the process dies are lost.
package notify

import (
	"context"
	"os/exec"
	"strconv"

	"farm.256lights.llc/pkg/internal/queuedb"
	"farm.256lights.llc/pkg/internal/scheduler"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
)

// A Sender runs the notification hook for finished builds.
type Sender struct {
	// Command is the hook program.
	// It is invoked as: command "build-finished" <buildID> [<dependentID>...].
	// If empty, notifications are only marked sent in the database.
	Command string
	// DB records that notifications were delivered.
	DB *queuedb.DB
}

// Args returns the argument vector for a notification, without the command.
func Args(item scheduler.NotificationItem) []string {
	args := []string{"build-finished", strconv.FormatInt(int64(item.BuildID), 10)}
	for _, id := range item.DependentBuildIDs {
		args = append(args, strconv.FormatInt(int64(id), 10))
	}
	return args
}

// Send delivers one notification.
func (s *Sender) Send(ctx context.Context, item scheduler.NotificationItem) error {
	if s.Command != "" {
		cmd := exec.CommandContext(ctx, s.Command, Args(item)...)
		if output, err := cmd.CombinedOutput(); err != nil {
			log.Warnf(ctx, "Notification hook for build %d failed: %v (output: %q)", item.BuildID, err, output)
			// The hook owns its own retries; the queue moves on.
		}
	}
	if s.DB != nil {
		return s.DB.Transact(ctx, func(conn *sqlite.Conn) error {
			return queuedb.ClearNotificationPending(conn, item.BuildID)
		})
	}
	return nil
}

// Worker consumes items from queue until it is closed or ctx is done.
// Failures are logged and do not stop the worker.
func (s *Sender) Worker(ctx context.Context, queue <-chan scheduler.NotificationItem) {
	for {
		select {
		case item, ok := <-queue:
			if !ok {
				return
			}
			if err := s.Send(ctx, item); err != nil {
				log.Warnf(ctx, "Sending notification for build %d: %v", item.BuildID, err)
			}
		case <-ctx.Done():
			return
		}
	}
}
