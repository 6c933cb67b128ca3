// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package worker implements the worker pool that executes the tasks
// of a node's local queue. Each worker repeatedly pops an item from
// the queue: tasks are transformed and exactly one result is sent to
// the pool's outbox; a sentinel stops the worker that pops it.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigimage"
	"github.com/grailbio/bigimage/mailbox"
	"github.com/grailbio/bigimage/queue"
	"github.com/grailbio/bigimage/stats"
	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is the queue poll interval used when none is
// configured.
const DefaultPollInterval = 100 * time.Millisecond

// A Transformer produces the encoded output of a task.
// *transform.Registry implements Transformer.
type Transformer interface {
	Transform(ctx context.Context, image, operation string) ([]byte, error)
}

// Config configures a worker pool.
type Config struct {
	// Name is the name of the node running the pool. It is recorded
	// in every result.
	Name string
	// Procs is the number of concurrent workers.
	Procs int
	// PollInterval bounds each wait on the queue. It also bounds how
	// long a worker takes to observe cancellation.
	PollInterval time.Duration
	// Queue is the queue from which workers draw items.
	Queue *queue.Queue
	// Transformer executes tasks.
	Transformer Transformer
	// Outbox receives one result for every task.
	Outbox mailbox.Sender
	// Stats, if not nil, maintains the pool's counters.
	Stats *stats.Map
}

// A Pool is a fixed set of workers draining a single queue.
type Pool struct {
	Config

	mu      sync.Mutex
	started bool
	cancel  func()
	donec   chan struct{}
	err     error
}

// New returns a new pool, which is not started.
func New(config Config) *Pool {
	if config.Procs <= 0 {
		config.Procs = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Pool{Config: config}
}

// Start launches the pool's workers. The workers run until each has
// popped a sentinel, the pool is stopped, or the provided context is
// done. A pool may be started only once.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.E(errors.Precondition, fmt.Sprintf("worker pool %s: already started", p.Name))
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Procs; i++ {
		i := i
		g.Go(func() error { return p.work(ctx, i) })
	}
	p.donec = make(chan struct{})
	go func() {
		p.err = g.Wait()
		p.cancel()
		close(p.donec)
	}()
	log.Debug.Printf("%s: started %d workers", p.Name, p.Procs)
	return nil
}

// Wait blocks until every worker has exited. It returns the first
// error encountered by any worker, or nil if all workers exited on
// a sentinel.
func (p *Pool) Wait() error {
	p.mu.Lock()
	donec := p.donec
	p.mu.Unlock()
	if donec == nil {
		return errors.E(errors.Precondition, fmt.Sprintf("worker pool %s: not started", p.Name))
	}
	<-donec
	return p.err
}

// Cancel cancels the pool's workers without waiting for them to
// exit. Results of tasks in progress are not delivered.
func (p *Pool) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels the pool's workers and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}
	p.Cancel()
	_ = p.Wait()
}

func (p *Pool) work(ctx context.Context, id int) error {
	for {
		item, err := p.Queue.Pop(ctx, p.PollInterval)
		if err == queue.ErrEmpty {
			continue
		}
		if err != nil {
			return err
		}
		switch item.Kind {
		case queue.KindSentinel:
			log.Debug.Printf("%s: worker %d: done", p.Name, id)
			return nil
		case queue.KindTask:
			result := p.run(ctx, item.Task)
			result.Batch = item.Batch
			if err := p.Outbox.Send(ctx, result); err != nil {
				return errors.E(fmt.Sprintf("%s: send %s", p.Name, result), err)
			}
		default:
			return errors.E(errors.Invalid, fmt.Sprintf("%s: unexpected queue item %s", p.Name, item))
		}
	}
}

// run executes a single task, translating errors and panics into
// failure results.
func (p *Pool) run(ctx context.Context, task bigimage.Task) (result bigimage.Result) {
	p.Stats.Int(stats.Tasks).Add(1)
	running := p.Stats.Int(stats.Running)
	running.Add(1)
	start := time.Now()
	defer func() {
		running.Add(-1)
		if e := recover(); e != nil {
			stack := debug.Stack()
			log.Error.Printf("%s: task %s panicked: %v\n%s", p.Name, task, e, stack)
			result = bigimage.Failed(task, errors.E(fmt.Sprintf("panic while executing task: %v", e)))
		}
		result.Node = p.Name
		result.Duration = time.Since(start)
		if result.Status == bigimage.Success {
			p.Stats.Int(stats.OK).Add(1)
			p.Stats.Int(stats.Bytes).Add(int64(len(result.Payload)))
			log.Debug.Printf("%s: task %s: ok (%s)", p.Name, task, result.Duration)
		} else {
			p.Stats.Int(stats.Failed).Add(1)
			log.Error.Printf("%s: task %s: %s", p.Name, task, result.Reason)
		}
	}()
	payload, err := p.Transformer.Transform(ctx, task.Image, task.Operation)
	if err != nil {
		return bigimage.Failed(task, err)
	}
	return bigimage.Succeeded(task, payload)
}
