// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cluster provides the set of worker nodes on which a
// coordinator dispatches tasks. A cluster is constructed explicitly
// and passed to its users; there is no process-wide cluster state.
//
// Two implementations are provided: Local runs every node in the
// current process, and Bigmachine runs each node on its own
// bigmachine machine.
package cluster

import (
	"context"
	"time"

	"github.com/grailbio/bigimage/mailbox"
	"github.com/grailbio/bigimage/queue"
	"github.com/grailbio/bigimage/stats"
	"github.com/grailbio/bigimage/worker"
)

// A Node is a single worker node: a local task queue drained by a
// pool of workers that report results to the cluster's inbox.
type Node interface {
	// Name returns the node's name, which is recorded in the
	// results it produces.
	Name() string
	// Procs returns the number of workers the node runs, and thus
	// the number of sentinels required to stop it.
	Procs() int
	// Open prepares the node for a new batch: it installs a fresh
	// queue and starts a fresh worker pool. Any pool left over from
	// a previous batch is stopped.
	Open(ctx context.Context) error
	// Push appends items to the node's queue, in order.
	Push(ctx context.Context, items []queue.Item) error
	// Wait blocks until every worker in the node's current pool has
	// exited.
	Wait(ctx context.Context) error
	// Stop cancels the node's current pool and waits for its workers
	// to exit. Items left in the queue are abandoned, and results of
	// tasks in progress are not delivered. Stop is a no-op if the
	// node is not open.
	Stop(ctx context.Context) error
}

// A Cluster is a fixed set of nodes sharing a single inbox, into
// which every node delivers its results.
type Cluster interface {
	// Start brings up the cluster's nodes.
	Start(ctx context.Context) error
	// Nodes returns the cluster's nodes. Nodes is valid only after
	// a successful call to Start.
	Nodes() []Node
	// Inbox returns the receiver of all results produced by the
	// cluster's nodes.
	Inbox() mailbox.Receiver
	// Stats returns the counters of all nodes, merged.
	Stats(ctx context.Context) (stats.Values, error)
	// Shutdown stops every node and releases the cluster's
	// resources.
	Shutdown()
}

// Config configures a cluster.
type Config struct {
	// Nodes is the number of nodes in the cluster. It defaults to 1.
	Nodes int
	// Procs is the number of workers per node. If zero, each node
	// runs one worker per available processor.
	Procs int
	// PollInterval is the interval at which workers poll their
	// queue. It defaults to worker.DefaultPollInterval.
	PollInterval time.Duration
	// QueueCapacity bounds each node's queue; 0 means unbounded.
	QueueCapacity int
	// Transformer executes tasks on in-process nodes. It defaults
	// to transform.Default(). Remote nodes always use the default
	// registry, since transforms cannot be shipped between
	// processes.
	Transformer worker.Transformer
}

func (c Config) nodes() int {
	if c.Nodes <= 0 {
		return 1
	}
	return c.Nodes
}
