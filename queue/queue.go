// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package queue implements the node-local task queue from which a
// worker pool draws its work. A queue holds tasks and sentinels; a
// sentinel tells exactly one consumer that no more work remains for
// it.
package queue

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/bigimage"
	"github.com/grailbio/bigimage/ctxsync"
)

func init() {
	gob.Register(Item{})
}

// ErrEmpty is returned by Pop when no item became available within
// the requested timeout. It is not a failure: callers should retry.
var ErrEmpty = errors.New("queue: empty")

// Kind is the kind of a queue item. The set of kinds is closed.
type Kind int

const (
	// KindTask is an item carrying a task to execute.
	KindTask Kind = iota
	// KindSentinel is an item that signals the end of work to the
	// consumer that pops it.
	KindSentinel
)

// String returns the kind as an upper-case string.
func (k Kind) String() string {
	switch k {
	case KindTask:
		return "TASK"
	case KindSentinel:
		return "SENTINEL"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// An Item is a single queue entry: either a task or a sentinel.
// Consumers switch over Kind.
type Item struct {
	Kind Kind
	// Task is defined when Kind == KindTask.
	Task bigimage.Task
	// Batch is the id of the batch to which the task belongs. It is
	// copied into the task's result.
	Batch string
}

// Sentinel is the item that terminates one consumer.
var Sentinel = Item{Kind: KindSentinel}

// Of returns a task item for the provided task.
func Of(task bigimage.Task) Item {
	return Item{Kind: KindTask, Task: task}
}

// String returns a short description of the item.
func (it Item) String() string {
	if it.Kind == KindTask {
		return "task " + it.Task.String()
	}
	return it.Kind.String()
}

// Items returns the provided tasks as items of the given batch,
// followed by n sentinels.
func Items(batch string, tasks []bigimage.Task, n int) []Item {
	items := make([]Item, 0, len(tasks)+n)
	for _, task := range tasks {
		item := Of(task)
		item.Batch = batch
		items = append(items, item)
	}
	for i := 0; i < n; i++ {
		items = append(items, Sentinel)
	}
	return items
}

// A Queue is a FIFO of items that is safe for concurrent use by
// multiple producers and consumers. A Queue may be bounded, in which
// case Push blocks while the queue is full.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	capacity int
	// cond is broadcast whenever the queue changes.
	cond *ctxsync.Cond
}

// New returns a new queue that holds at most capacity items.
// If capacity is 0, the queue is unbounded.
func New(capacity int) *Queue {
	if capacity < 0 {
		panic("queue.New: capacity < 0")
	}
	q := &Queue{capacity: capacity}
	q.cond = ctxsync.NewCond(&q.mu)
	return q
}

// Push appends an item to the queue. If the queue is bounded and
// full, Push blocks until space becomes available or the context is
// done, in which case the context's error is returned.
func (q *Queue) Push(ctx context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.capacity > 0 && len(q.items) >= q.capacity {
		if err := q.cond.Wait(ctx); err != nil {
			return err
		}
	}
	q.items = append(q.items, item)
	q.cond.Broadcast()
	return nil
}

// Pop removes and returns the oldest item in the queue. If the
// queue is empty, Pop waits at most timeout for an item to arrive,
// returning ErrEmpty if none does. If the context is done first,
// the context's error is returned.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if err := q.cond.Wait(wctx); err != nil {
			if ctx.Err() != nil {
				return Item{}, ctx.Err()
			}
			return Item{}, ErrEmpty
		}
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	q.cond.Broadcast()
	return item, nil
}

// Len returns the number of items currently buffered in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
