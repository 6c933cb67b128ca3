// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mailbox provides the messaging channel over which workers
// report results to the coordinator. Any number of workers send to a
// single mailbox; its one receiver takes results from whichever
// sender delivers next.
package mailbox

import (
	"context"
	"errors"
	"sync"

	"github.com/grailbio/bigimage"
	"github.com/grailbio/bigimage/ctxsync"
)

// ErrClosed is returned by Send on a closed mailbox, and by Receive
// once a closed mailbox has been drained.
var ErrClosed = errors.New("mailbox: closed")

// A Sender delivers results to a mailbox.
type Sender interface {
	// Send delivers a result. Results sent by a single sender are
	// received in the order they were sent.
	Send(ctx context.Context, result bigimage.Result) error
}

// A Receiver takes results from a mailbox, from any sender.
type Receiver interface {
	// Receive returns the next result, blocking until one is
	// available or the context is done.
	Receive(ctx context.Context) (bigimage.Result, error)
}

// A Mailbox is both a Sender and a Receiver.
type Mailbox interface {
	Sender
	Receiver
}

// Local is an in-process, unbounded mailbox. Sends never block, so a
// worker is never held up by a slow receiver. Results are received
// in the order in which they were sent; callers should rely only on
// per-sender order, since concurrent senders race to deliver.
type Local struct {
	mu      sync.Mutex
	results []bigimage.Result
	closed  bool
	cond    *ctxsync.Cond
}

// NewLocal returns a new, empty local mailbox.
func NewLocal() *Local {
	m := new(Local)
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Send implements Sender.
func (m *Local) Send(ctx context.Context, result bigimage.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.results = append(m.results, result)
	m.cond.Broadcast()
	return nil
}

// Receive implements Receiver. After the mailbox is closed, Receive
// continues to return buffered results, and then ErrClosed.
func (m *Local) Receive(ctx context.Context) (bigimage.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.results) == 0 {
		if m.closed {
			return bigimage.Result{}, ErrClosed
		}
		if err := m.cond.Wait(ctx); err != nil {
			return bigimage.Result{}, err
		}
	}
	return m.pop(), nil
}

// Drain returns up to max buffered results without blocking.
func (m *Local) Drain(max int) []bigimage.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []bigimage.Result
	for len(m.results) > 0 && len(results) < max {
		results = append(results, m.pop())
	}
	return results
}

// Len returns the number of buffered results.
func (m *Local) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

// Close closes the mailbox: subsequent sends fail with ErrClosed.
// Close is idempotent.
func (m *Local) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *Local) pop() bigimage.Result {
	r := m.results[0]
	m.results[0] = bigimage.Result{}
	m.results = m.results[1:]
	return r
}
