// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package machinesfile reads the build machine inventory file.
// The file contains one machine per line:
//
//	host systemTypes sshKey maxJobs speedFactor supportedFeatures mandatoryFeatures publicHostKey
//
// where list-valued fields are comma-separated
// and "-" stands for an empty field.
// Blank lines and lines starting with "#" are ignored.
package machinesfile

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"zombiezen.com/go/log"
)

// A Machine describes one build machine from the inventory.
type Machine struct {
	// Host is the SSH destination (e.g. "builder@m1.example.com").
	Host string
	// SystemTypes is the set of system types the machine can build.
	SystemTypes []string
	// SSHKey is the path of the private key used to reach the machine.
	SSHKey string
	// MaxJobs is the number of steps the machine may build concurrently.
	MaxJobs int
	// SpeedFactor is the machine's relative speed, used for load balancing.
	SpeedFactor float64
	// SupportedFeatures is the set of features the machine advertises.
	SupportedFeatures []string
	// MandatoryFeatures is the set of features a step must require
	// for the machine to accept it.
	MandatoryFeatures []string
	// SSHPublicHostKey is the machine's expected host key, if pinned.
	SSHPublicHostKey string
}

// Parse parses the contents of a machines file.
// The result maps host names to machines; later lines win.
func Parse(contents string) (map[string]*Machine, error) {
	machines := make(map[string]*Machine)
	for lineNr, line := range strings.Split(contents, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		m, err := parseLine(fields)
		if err != nil {
			return nil, fmt.Errorf("machines file line %d: %v", lineNr+1, err)
		}
		machines[m.Host] = m
	}
	return machines, nil
}

func parseLine(fields []string) (*Machine, error) {
	m := &Machine{
		Host:        fields[0],
		MaxJobs:     1,
		SpeedFactor: 1,
	}
	if len(fields) > 1 {
		m.SystemTypes = splitList(fields[1])
	}
	if len(fields) > 2 && fields[2] != "-" {
		m.SSHKey = fields[2]
	}
	if len(fields) > 3 && fields[3] != "-" {
		maxJobs, err := strconv.Atoi(fields[3])
		if err != nil || maxJobs < 1 {
			return nil, fmt.Errorf("machine %s: invalid max jobs %q", m.Host, fields[3])
		}
		m.MaxJobs = maxJobs
	}
	if len(fields) > 4 && fields[4] != "-" {
		speed, err := strconv.ParseFloat(fields[4], 64)
		if err != nil || speed <= 0 {
			return nil, fmt.Errorf("machine %s: invalid speed factor %q", m.Host, fields[4])
		}
		m.SpeedFactor = speed
	}
	if len(fields) > 5 {
		m.SupportedFeatures = splitList(fields[5])
	}
	if len(fields) > 6 {
		m.MandatoryFeatures = splitList(fields[6])
	}
	if len(fields) > 7 && fields[7] != "-" {
		m.SSHPublicHostKey = fields[7]
	}
	if len(m.SystemTypes) == 0 {
		return nil, fmt.Errorf("machine %s: no system types", m.Host)
	}
	return m, nil
}

func splitList(field string) []string {
	if field == "-" || field == "" {
		return nil
	}
	return strings.Split(field, ",")
}

// ReadFile reads and parses the machines file at the given path.
func ReadFile(path string) (map[string]*Machine, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machines file: %w", err)
	}
	machines, err := Parse(string(contents))
	if err != nil {
		return nil, err
	}
	return machines, nil
}

// Monitor reads the machines file immediately and then again every interval,
// calling apply with each successfully parsed inventory.
// Read or parse failures keep the previous inventory and are logged.
// Monitor returns when ctx is done.
func Monitor(ctx context.Context, path string, interval time.Duration, apply func(map[string]*Machine)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		machines, err := ReadFile(path)
		if err != nil {
			log.Warnf(ctx, "Keeping previous machine inventory: %v", err)
		} else {
			apply(machines)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
