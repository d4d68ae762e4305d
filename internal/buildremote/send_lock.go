// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package buildremote

import (
	"context"
	"sync"
)

// A sendLockMap hands out one non-reentrant lock per machine host.
// The SSH client holds a host's lock while opening a session
// and performing the handshake,
// so concurrent builds do not stampede transfers to the same machine.
// The zero value is an empty map.
type sendLockMap struct {
	mu sync.Mutex
	m  map[string]<-chan struct{}
}

// lock waits until it can either acquire the lock for host
// or ctx.Done is closed.
// If lock acquires the lock, it returns an unlock function and a nil error.
// Otherwise, lock returns a nil unlock function and the result of ctx.Err().
func (sl *sendLockMap) lock(ctx context.Context, host string) (unlock func(), err error) {
	for {
		sl.mu.Lock()
		held := sl.m[host]
		if held == nil {
			c := make(chan struct{})
			if sl.m == nil {
				sl.m = make(map[string]<-chan struct{})
			}
			sl.m[host] = c
			sl.mu.Unlock()
			return func() {
				sl.mu.Lock()
				delete(sl.m, host)
				close(c)
				sl.mu.Unlock()
			}, nil
		}
		sl.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
