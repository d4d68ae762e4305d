// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"fmt"
	"os"
	"path/filepath"

	"zb.256lights.llc/pkg/zbstore"
)

// A Store provides read access to the shared store directory
// that the farm and its build machines realize outputs into.
type Store struct {
	// Dir is the logical store directory that store paths are resolved against.
	Dir zbstore.Directory
	// RealDir is where the store objects are located physically on disk.
	// If empty, defaults to the store directory.
	RealDir string
}

// RealPath returns the physical filesystem location of the given store path.
func (s *Store) RealPath(path zbstore.Path) string {
	realDir := s.RealDir
	if realDir == "" {
		realDir = string(s.Dir)
	}
	return filepath.Join(realDir, path.Base())
}

// Exists reports whether the given store path is present in the store.
func (s *Store) Exists(path zbstore.Path) bool {
	if path.Dir() != s.Dir {
		return false
	}
	_, err := os.Lstat(s.RealPath(path))
	return err == nil
}

// Read reads and parses the recipe at the given store path.
func (s *Store) Read(path zbstore.Path) (*Recipe, error) {
	if path.Dir() != s.Dir {
		return nil, fmt.Errorf("read recipe %s: not in store %s", path, s.Dir)
	}
	name, isRecipe := PathName(path)
	if !isRecipe {
		return nil, fmt.Errorf("read recipe %s: not a %s file", path, Ext)
	}
	data, err := os.ReadFile(s.RealPath(path))
	if err != nil {
		return nil, fmt.Errorf("read recipe %s: %w", path, err)
	}
	return Parse(name, data)
}
