// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package coordinator implements the dispatch protocol of a batch:
// tasks are partitioned across the nodes of a cluster, each node's
// share is pushed to its local queue followed by one sentinel per
// worker, and exactly one result is collected for every task,
// regardless of the order in which the nodes complete them.
//
// A typical batch:
//
//	c := cluster.NewLocal(cluster.Config{Nodes: 4})
//	if err := c.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer c.Shutdown()
//	results, err := coordinator.New(c).Run(ctx, tasks)
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigimage"
	"github.com/grailbio/bigimage/cluster"
	"github.com/grailbio/bigimage/queue"
)

const (
	// DefaultReceiveTimeout is the default bound on each wait for a
	// result.
	DefaultReceiveTimeout = time.Minute
	// DefaultWaitTimeout is the default bound on waiting for the
	// nodes' workers to exit once all results are collected.
	DefaultWaitTimeout = time.Minute
)

// State is the state of a coordinator.
type State int

const (
	// Idle is the state of a coordinator that has not yet run.
	Idle State = iota
	// Dispatching indicates that tasks and sentinels are being
	// pushed to the nodes' queues.
	Dispatching
	// Collecting indicates that every sentinel has been enqueued and
	// the coordinator is receiving results.
	Collecting
	// Done indicates that every result was collected and every
	// worker has exited.
	Done
	// Failed indicates that the batch did not complete.
	Failed
)

var states = [...]string{
	Idle:        "IDLE",
	Dispatching: "DISPATCHING",
	Collecting:  "COLLECTING",
	Done:        "DONE",
	Failed:      "FAILED",
}

// String returns the state's upper-case name.
func (s State) String() string {
	if int(s) < len(states) {
		return states[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// An Option configures a coordinator.
type Option func(c *Coordinator)

// ReceiveTimeout bounds each wait for a result. If no result arrives
// within d, the batch fails as incomplete.
func ReceiveTimeout(d time.Duration) Option {
	if d <= 0 {
		panic("coordinator.ReceiveTimeout: d <= 0")
	}
	return func(c *Coordinator) {
		c.receiveTimeout = d
	}
}

// WaitTimeout bounds the wait for the nodes' workers to exit.
func WaitTimeout(d time.Duration) Option {
	if d <= 0 {
		panic("coordinator.WaitTimeout: d <= 0")
	}
	return func(c *Coordinator) {
		c.waitTimeout = d
	}
}

// Partition configures the policy used to assign tasks to nodes.
// The default is RoundRobin.
func Partition(p Partitioner) Option {
	return func(c *Coordinator) {
		c.partition = p
	}
}

// Status configures a status object to which batch progress is
// reported.
func Status(status *status.Status) Option {
	return func(c *Coordinator) {
		c.status = status
	}
}

// Eventer configures an Eventer to which batch events are logged.
func Eventer(e eventlog.Eventer) Option {
	return func(c *Coordinator) {
		c.eventer = e
	}
}

// A Coordinator runs a single batch of tasks on a cluster.
type Coordinator struct {
	cluster        cluster.Cluster
	receiveTimeout time.Duration
	waitTimeout    time.Duration
	partition      Partitioner
	status         *status.Status
	eventer        eventlog.Eventer

	mu    sync.Mutex
	state State
	id    string
}

// New returns a new coordinator for the provided (started) cluster.
func New(c cluster.Cluster, opts ...Option) *Coordinator {
	coord := &Coordinator{
		cluster:        c,
		receiveTimeout: DefaultReceiveTimeout,
		waitTimeout:    DefaultWaitTimeout,
		partition:      RoundRobin,
		eventer:        eventlog.Nop{},
	}
	for _, opt := range opts {
		opt(coord)
	}
	return coord
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the batch id, assigned when Run is called.
func (c *Coordinator) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Run dispatches the provided tasks to the cluster's nodes and
// collects their results. Run returns exactly one result per task,
// in arrival order; task failures are reported as failure results,
// not as errors. If the batch does not complete, Run returns an
// error along with the results collected so far. In particular, the
// batch fails with an errors.Timeout error if no result arrives
// within the receive timeout. A failed batch stops the workers of
// every node before Run returns.
//
// Only results tagged with this batch's id are collected, so a
// cluster may be reused after a failed batch.
//
// Run may be called only once.
func (c *Coordinator) Run(ctx context.Context, tasks []bigimage.Task) (results []bigimage.Result, err error) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return nil, errors.E(errors.Precondition, fmt.Sprintf("coordinator is %s", c.state))
	}
	c.state = Dispatching
	c.id = uuid.New().String()
	id := c.id
	c.mu.Unlock()

	var (
		start  = time.Now()
		nodes  = c.cluster.Nodes()
		group  *status.Group
		stask  *status.Task
		failed int
	)
	if c.status != nil {
		group = c.status.Groupf("batch %s", id)
		stask = group.Start("dispatch")
	}
	c.eventer.Event("bigimage:batchStart",
		"batch", id,
		"tasks", len(tasks),
		"nodes", len(nodes))
	log.Printf("batch %s: dispatching %d tasks to %d nodes", id, len(tasks), len(nodes))
	defer func() {
		state := Done
		if err != nil {
			state = Failed
			log.Error.Printf("batch %s: %v", id, err)
			c.stop(id, nodes)
		}
		c.setState(state)
		for _, r := range results {
			if r.Status == bigimage.Failure {
				failed++
			}
		}
		if stask != nil {
			stask.Printf("%s: %d results (%d failed)", state, len(results), failed)
			stask.Done()
			group.Printf("%s", state)
		}
		c.eventer.Event("bigimage:batchDone",
			"batch", id,
			"state", state.String(),
			"tasks", len(tasks),
			"results", len(results),
			"failed", failed,
			"duration", time.Since(start).Seconds())
		log.Printf("batch %s: %s in %s: %d results (%d failed)", id, state, time.Since(start), len(results), failed)
	}()

	if len(nodes) == 0 {
		return nil, errors.E(errors.Invalid, "cluster has no nodes")
	}
	if err := c.dispatch(ctx, id, nodes, tasks); err != nil {
		return nil, err
	}
	c.setState(Collecting)
	if stask != nil {
		stask.Title("collect")
	}
	results, err = c.collect(ctx, id, tasks, stask)
	if err != nil {
		return results, err
	}
	wctx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()
	err = traverse.Each(len(nodes), func(i int) error {
		if err := nodes[i].Wait(wctx); err != nil {
			return errors.E(fmt.Sprintf("node %s", nodes[i].Name()), err)
		}
		return nil
	})
	if err != nil {
		return results, errors.E("wait for workers", err)
	}
	return results, nil
}

// Dispatch opens every node, and then pushes each node's tasks
// followed by one sentinel per worker.
func (c *Coordinator) dispatch(ctx context.Context, id string, nodes []cluster.Node, tasks []bigimage.Task) error {
	err := traverse.Each(len(nodes), func(i int) error {
		if err := nodes[i].Open(ctx); err != nil {
			return errors.E(fmt.Sprintf("open node %s", nodes[i].Name()), err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	parts := c.partition(tasks, len(nodes))
	if len(parts) != len(nodes) {
		return errors.E(errors.Invalid, fmt.Sprintf("partitioner returned %d parts for %d nodes", len(parts), len(nodes)))
	}
	return traverse.Each(len(nodes), func(i int) error {
		n := nodes[i]
		log.Debug.Printf("node %s: %d tasks, %d sentinels", n.Name(), len(parts[i]), n.Procs())
		if err := n.Push(ctx, queue.Items(id, parts[i], n.Procs())); err != nil {
			return errors.E(fmt.Sprintf("push to node %s", n.Name()), err)
		}
		return nil
	})
}

// Collect receives one result for every task. Results of other
// batches, results for tasks that were not dispatched, and results
// whose tasks were already answered are discarded.
func (c *Coordinator) collect(ctx context.Context, id string, tasks []bigimage.Task, stask *status.Task) ([]bigimage.Result, error) {
	var (
		pending = bigimage.Keys(tasks)
		results = make([]bigimage.Result, 0, len(tasks))
		inbox   = c.cluster.Inbox()
	)
	for len(results) < len(tasks) {
		rctx, cancel := context.WithTimeout(ctx, c.receiveTimeout)
		r, err := inbox.Receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			if err == context.DeadlineExceeded {
				return results, errors.E(errors.Timeout,
					fmt.Sprintf("incomplete batch: received %d of %d results", len(results), len(tasks)))
			}
			return results, errors.E("receive result", err)
		}
		if r.Batch != id {
			log.Error.Printf("batch %s: discarding stale %s from batch %q", id, r, r.Batch)
			continue
		}
		key := r.Key()
		if pending[key] == 0 {
			log.Error.Printf("batch %s: discarding unexpected %s", id, r)
			continue
		}
		pending[key]--
		results = append(results, r)
		log.Debug.Printf("batch %s: %s", id, r)
		if stask != nil {
			stask.Printf("%d/%d results", len(results), len(tasks))
		}
	}
	return results, nil
}

// Stop stops the workers of every node after a failed batch, so that
// none is left polling or transforming. Stop is bounded by the wait
// timeout.
func (c *Coordinator) stop(id string, nodes []cluster.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), c.waitTimeout)
	defer cancel()
	_ = traverse.Each(len(nodes), func(i int) error {
		if err := nodes[i].Stop(ctx); err != nil {
			log.Error.Printf("batch %s: stop node %s: %v", id, nodes[i].Name(), err)
		}
		return nil
	})
}
