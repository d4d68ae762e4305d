// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "status",
		Short:                 "print the running scheduler's status",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context(), g)
	}
	return c
}

func showStatus(ctx context.Context, g *globalConfig) error {
	if g.StatusAddress == "" {
		return fmt.Errorf("no status address configured")
	}
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+g.StatusAddress+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("is the scheduler running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status server returned %s", resp.Status)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
