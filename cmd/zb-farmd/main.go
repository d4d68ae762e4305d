// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// zb-farmd is the queue runner of a zb build farm:
// it expands queued builds into dependency graphs
// and dispatches their steps onto remote build machines.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "zb-farmd",
		Short:         "zb build farm queue runner",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := newGlobalConfig()
	var configPaths []string
	rootCommand.PersistentFlags().StringArrayVar(&configPaths, "config", defaultConfigPaths(), "`path` to configuration file (can be passed multiple times)")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		if err := g.mergeFiles(configPaths); err != nil {
			return err
		}
		return g.mergeEnvironment()
	}

	rootCommand.AddCommand(
		newRunCommand(g),
		newStatusCommand(g),
		newQueueBuildCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "zb-farmd: ", log.StdFlags, nil),
		})
	})
}
