// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package farmtest provides utilities for exercising the scheduler in tests:
// a temporary store, a temporary queue database,
// deterministic store paths, and a controllable clock.
package farmtest

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"farm.256lights.llc/pkg/internal/queuedb"
	"farm.256lights.llc/pkg/recipe"
	"zb.256lights.llc/pkg/zbstore"
	"zombiezen.com/go/nix/nixbase32"
)

// StoreDir is the logical store directory tests resolve paths against.
const StoreDir = zbstore.Directory("/zb/store")

// NewStore returns a store whose physical backing
// is a temporary directory cleaned up with the test.
func NewStore(tb testing.TB) *recipe.Store {
	tb.Helper()
	return &recipe.Store{
		Dir:     StoreDir,
		RealDir: tb.TempDir(),
	}
}

// StorePath returns a deterministic store path for the given object name.
func StorePath(tb testing.TB, name string) zbstore.Path {
	tb.Helper()
	sum := sha256.Sum256([]byte(name))
	digest := nixbase32.EncodeToString(sum[:])[:32]
	path, err := zbstore.ParsePath(string(StoreDir) + "/" + digest + "-" + name)
	if err != nil {
		tb.Fatal(err)
	}
	return path
}

// WriteRecipe marshals r into the store and returns its store path.
func WriteRecipe(tb testing.TB, store *recipe.Store, r *recipe.Recipe) zbstore.Path {
	tb.Helper()
	data, err := r.MarshalText()
	if err != nil {
		tb.Fatal(err)
	}
	path := StorePath(tb, r.Name+recipe.Ext)
	if err := os.WriteFile(store.RealPath(path), data, 0o644); err != nil {
		tb.Fatal(err)
	}
	return path
}

// RealizeOutput creates a store object at the given path,
// simulating a completed build.
func RealizeOutput(tb testing.TB, store *recipe.Store, path zbstore.Path) {
	tb.Helper()
	if err := os.WriteFile(store.RealPath(path), []byte("built\n"), 0o644); err != nil {
		tb.Fatal(err)
	}
}

// NewDB opens a queue database in a temporary directory
// that is closed and cleaned up with the test.
func NewDB(tb testing.TB) *queuedb.DB {
	tb.Helper()
	db := queuedb.Open(filepath.Join(tb.TempDir(), "queue.db"))
	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Logf("closing queue database: %v", err)
		}
	})
	return db
}

// A Clock is a controllable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{t: start}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
