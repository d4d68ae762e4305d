// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"zb.256lights.llc/pkg/zbstore"
)

// globalConfig is the daemon configuration,
// merged from defaults, HuJSON configuration files, and the environment.
type globalConfig struct {
	StoreDirectory     zbstore.Directory `json:"storeDirectory"`
	StoreRealDirectory string            `json:"storeRealDirectory"`

	DatabasePath string `json:"databasePath"`
	LockPath     string `json:"lockPath"`
	LogDirectory string `json:"logDirectory"`

	MachinesFile              string `json:"machinesFile"`
	MachinesFileReloadSeconds int    `json:"machinesFileReloadSeconds"`

	StatusAddress string `json:"statusAddress"`
	NotifyCommand string `json:"notifyCommand"`

	SSHCommand   string `json:"sshCommand"`
	AgentCommand string `json:"agentCommand"`

	MaxTries             int `json:"maxTries"`
	RetryIntervalSeconds int `json:"retryIntervalSeconds"`
	PollIntervalSeconds  int `json:"pollIntervalSeconds"`
}

const defaultVarDir = "/var/lib/zb-farm"

func newGlobalConfig() *globalConfig {
	return &globalConfig{
		StoreDirectory:            zbstore.DefaultUnixDirectory,
		DatabasePath:              filepath.Join(defaultVarDir, "queue.db"),
		LockPath:                  filepath.Join(defaultVarDir, "scheduler.lock"),
		LogDirectory:              filepath.Join(defaultVarDir, "logs"),
		MachinesFile:              filepath.Join(defaultVarDir, "machines"),
		MachinesFileReloadSeconds: 60,
		StatusAddress:             "localhost:8954",
	}
}

func defaultConfigPaths() []string {
	return []string{"/etc/zb-farm/config.jsonc"}
}

func (g *globalConfig) mergeFiles(paths []string) error {
	for _, path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv("ZB_STORE_DIR"); dir != "" {
		zbDir, err := zbstore.CleanDirectory(dir)
		if err != nil {
			return err
		}
		g.StoreDirectory = zbDir
	}
	if path := os.Getenv("ZB_FARM_DB"); path != "" {
		g.DatabasePath = path
	}
	if path := os.Getenv("ZB_FARM_MACHINES"); path != "" {
		g.MachinesFile = path
	}
	return nil
}

func (g *globalConfig) machinesReloadInterval() time.Duration {
	if g.MachinesFileReloadSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(g.MachinesFileReloadSeconds) * time.Second
}
