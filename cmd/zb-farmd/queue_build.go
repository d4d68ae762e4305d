// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"farm.256lights.llc/pkg/internal/queuedb"
	"github.com/spf13/cobra"
	"zb.256lights.llc/pkg/zbstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
)

type queueBuildOptions struct {
	project        string
	jobset         string
	job            string
	maxSilentTime  time.Duration
	buildTimeout   time.Duration
	localPriority  int
	globalPriority int
	recipePath     string
}

func newQueueBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "queue-build [options] RECIPE_PATH",
		Short:                 "add a build to the queue",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &queueBuildOptions{
		project:       "adhoc",
		jobset:        "default",
		maxSilentTime: time.Hour,
		buildTimeout:  10 * time.Hour,
	}
	c.Flags().StringVar(&opts.project, "project", opts.project, "project `name`")
	c.Flags().StringVar(&opts.jobset, "jobset", opts.jobset, "jobset `name`")
	c.Flags().StringVar(&opts.job, "job", opts.job, "job `name`")
	c.Flags().DurationVar(&opts.maxSilentTime, "max-silent-time", opts.maxSilentTime, "kill the build after this `duration` without log output")
	c.Flags().DurationVar(&opts.buildTimeout, "timeout", opts.buildTimeout, "kill the build after this total `duration`")
	c.Flags().IntVar(&opts.localPriority, "priority", 0, "local priority (larger runs earlier)")
	c.Flags().IntVar(&opts.globalPriority, "global-priority", 0, "global priority (larger runs earlier)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.recipePath = args[0]
		return queueBuild(cmd.Context(), g, opts)
	}
	return c
}

func queueBuild(ctx context.Context, g *globalConfig, opts *queueBuildOptions) error {
	recipePath, err := zbstore.ParsePath(opts.recipePath)
	if err != nil {
		return err
	}
	if opts.job == "" {
		opts.job = recipePath.Name()
	}

	db := queuedb.Open(g.DatabasePath)
	defer db.Close()

	var id queuedb.BuildID
	err = db.Transact(ctx, func(conn *sqlite.Conn) error {
		var err error
		id, err = queuedb.InsertBuild(conn, &queuedb.QueuedBuild{
			RecipePath:     recipePath,
			Project:        opts.project,
			Jobset:         opts.jobset,
			Job:            opts.job,
			QueuedAt:       time.Now(),
			MaxSilentTime:  opts.maxSilentTime,
			BuildTimeout:   opts.buildTimeout,
			LocalPriority:  opts.localPriority,
			GlobalPriority: opts.globalPriority,
		})
		return err
	})
	if err != nil {
		return err
	}
	fmt.Println(id)

	// Poke the running scheduler so the build starts promptly.
	if g.StatusAddress != "" {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, "http://"+g.StatusAddress+"/trigger", nil)
		if err == nil {
			if resp, err := http.DefaultClient.Do(req); err == nil {
				resp.Body.Close()
			} else {
				log.Debugf(ctx, "Could not wake scheduler: %v", err)
			}
		}
	}
	return nil
}
