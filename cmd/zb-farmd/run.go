// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"farm.256lights.llc/pkg/internal/buildremote"
	"farm.256lights.llc/pkg/internal/logcompress"
	"farm.256lights.llc/pkg/internal/machinesfile"
	"farm.256lights.llc/pkg/internal/notify"
	"farm.256lights.llc/pkg/internal/pathlock"
	"farm.256lights.llc/pkg/internal/queuedb"
	"farm.256lights.llc/pkg/internal/scheduler"
	"farm.256lights.llc/pkg/internal/statushttp"
	"farm.256lights.llc/pkg/recipe"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

type runOptions struct {
	buildOne int64
}

func newRunCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "run [options]",
		Short:                 "run the queue scheduler",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(runOptions)
	c.Flags().Int64Var(&opts.buildOne, "build-one", 0, "serve a single build `id` and exit")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runScheduler(cmd.Context(), g, opts)
	}
	return c
}

func runScheduler(ctx context.Context, g *globalConfig, opts *runOptions) error {
	// At most one scheduler may operate on the queue.
	if err := os.MkdirAll(filepath.Dir(g.LockPath), 0o755); err != nil {
		return err
	}
	lock, err := pathlock.Acquire(g.LockPath)
	if err != nil {
		return fmt.Errorf("another scheduler may be running: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(g.DatabasePath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(g.LogDirectory, 0o755); err != nil {
		return err
	}
	db := queuedb.Open(g.DatabasePath)
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf(ctx, "Closing queue database: %v", err)
		}
	}()

	sshClient := &buildremote.SSHClient{
		SSHCommand:   g.SSHCommand,
		AgentCommand: g.AgentCommand,
		LogDir:       g.LogDirectory,
	}
	notifications := make(chan scheduler.NotificationItem, 4096)
	finishedLogs := make(chan string, 4096)

	sch, err := scheduler.New(&scheduler.Options{
		Store: &recipe.Store{
			Dir:     g.StoreDirectory,
			RealDir: g.StoreRealDirectory,
		},
		DB:            db,
		BuildRemote:   sshClient.Build,
		MaxTries:      g.MaxTries,
		RetryInterval: time.Duration(g.RetryIntervalSeconds) * time.Second,
		PollInterval:  time.Duration(g.PollIntervalSeconds) * time.Second,
		BuildOne:      queuedb.BuildID(opts.buildOne),
		Notifications: notifications,
		FinishedLogs:  finishedLogs,
	})
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	log.Infof(ctx, "Starting scheduler %s (store %s, queue %s)", runID, g.StoreDirectory, g.DatabasePath)

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()
	grp, grpCtx := errgroup.WithContext(runCtx)
	grp.Go(func() error {
		machinesfile.Monitor(grpCtx, g.MachinesFile, g.machinesReloadInterval(), sch.SetMachines)
		return nil
	})
	grp.Go(func() error {
		logcompress.Worker(grpCtx, finishedLogs)
		return nil
	})
	grp.Go(func() error {
		sender := &notify.Sender{Command: g.NotifyCommand, DB: db}
		sender.Worker(grpCtx, notifications)
		return nil
	})
	if g.StatusAddress != "" {
		grp.Go(func() error {
			return statushttp.Serve(grpCtx, g.StatusAddress, &statushttp.Server{
				Scheduler: sch,
				RunID:     runID,
				StartedAt: time.Now(),
			})
		})
	}
	grp.Go(func() error {
		// When the scheduler stops (shutdown or --build-one finishing),
		// the auxiliary workers stop with it.
		defer cancelAll()
		return sch.Run(grpCtx)
	})

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debugf(ctx, "systemd notify: %v", err)
	}

	err = grp.Wait()
	if err == context.Canceled {
		err = nil
	}
	return err
}
