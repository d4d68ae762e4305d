// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package pathlock provides exclusive advisory locks on filesystem paths.
// The farm holds one for its entire run
// so that at most one scheduler operates on a queue database.
package pathlock

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is returned by [Acquire] when another process holds the lock.
var ErrLocked = errors.New("path is locked by another process")

// A Lock is an acquired exclusive advisory lock.
type Lock struct {
	f    *os.File
	path string
}

// Acquire opens (creating if necessary) the file at the given path
// and takes an exclusive advisory lock on it without blocking.
// If another process holds the lock, Acquire returns an error
// that wraps [ErrLocked].
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("acquire lock on %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquire lock on %s: %w", path, err)
	}
	return &Lock{f: f, path: path}, nil
}

// Path returns the path the lock was acquired on.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and closes the underlying file.
// Release is idempotent.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	unlockErr := unlockFile(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("release lock on %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("release lock on %s: %w", l.path, closeErr)
	}
	return nil
}
