// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides a condition variable whose Wait may be
// interrupted by a context. The task queue and the result mailbox
// use it to block consumers until items arrive, a timeout expires,
// or the caller is canceled.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable that implements a context-aware
// Wait. The zero Cond is not usable; use NewCond.
type Cond struct {
	l sync.Locker
	// waitc is closed, and reset, on every Broadcast.
	waitc chan struct{}
}

// NewCond returns a new Cond based on Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast wakes every waiter. Broadcast must be called while the
// cond's lock is held.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Wait releases the cond's lock and waits for the next Broadcast or
// for the context to be done, whichever comes first. The lock is
// reacquired before Wait returns. Wait returns the context's error
// if the context completed while waiting.
func (c *Cond) Wait(ctx context.Context) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	defer c.l.Lock()
	select {
	case <-waitc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
