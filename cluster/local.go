// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigimage/mailbox"
	"github.com/grailbio/bigimage/queue"
	"github.com/grailbio/bigimage/stats"
	"github.com/grailbio/bigimage/transform"
	"github.com/grailbio/bigimage/worker"
)

// Local is a cluster whose nodes all run in the current process.
// Every node sends results directly to the cluster's inbox.
type Local struct {
	config Config
	inbox  *mailbox.Local
	nodes  []*localNode
}

// NewLocal returns a new in-process cluster with the provided
// configuration.
func NewLocal(config Config) *Local {
	if config.Procs <= 0 {
		config.Procs = runtime.GOMAXPROCS(0)
	}
	if config.Transformer == nil {
		config.Transformer = transform.Default()
	}
	return &Local{config: config, inbox: mailbox.NewLocal()}
}

// Start implements Cluster.
func (l *Local) Start(ctx context.Context) error {
	if l.nodes != nil {
		return errors.E(errors.Precondition, "local cluster already started")
	}
	l.nodes = make([]*localNode, l.config.nodes())
	for i := range l.nodes {
		l.nodes[i] = &localNode{
			name:   fmt.Sprintf("local%d", i),
			config: l.config,
			outbox: l.inbox,
			stats:  stats.NewMap(),
		}
	}
	log.Printf("local cluster: started %d nodes with %d procs each", len(l.nodes), l.config.Procs)
	return nil
}

// Nodes implements Cluster.
func (l *Local) Nodes() []Node {
	nodes := make([]Node, len(l.nodes))
	for i := range l.nodes {
		nodes[i] = l.nodes[i]
	}
	return nodes
}

// Inbox implements Cluster.
func (l *Local) Inbox() mailbox.Receiver { return l.inbox }

// Stats implements Cluster.
func (l *Local) Stats(ctx context.Context) (stats.Values, error) {
	vals := make(stats.Values)
	for _, n := range l.nodes {
		vals.Merge(n.stats.Snapshot())
	}
	return vals, nil
}

// Shutdown implements Cluster.
func (l *Local) Shutdown() {
	for _, n := range l.nodes {
		n.stop()
	}
	l.inbox.Close()
}

type localNode struct {
	name   string
	config Config
	outbox mailbox.Sender
	stats  *stats.Map

	mu    sync.Mutex
	queue *queue.Queue
	pool  *worker.Pool
}

func (n *localNode) Name() string { return n.name }

func (n *localNode) Procs() int { return n.config.Procs }

func (n *localNode) Open(ctx context.Context) error {
	n.stop()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = queue.New(n.config.QueueCapacity)
	n.pool = worker.New(worker.Config{
		Name:         n.name,
		Procs:        n.config.Procs,
		PollInterval: n.config.PollInterval,
		Queue:        n.queue,
		Transformer:  n.config.Transformer,
		Outbox:       n.outbox,
		Stats:        n.stats,
	})
	return n.pool.Start(ctx)
}

func (n *localNode) Push(ctx context.Context, items []queue.Item) error {
	n.mu.Lock()
	q := n.queue
	n.mu.Unlock()
	if q == nil {
		return errors.E(errors.Precondition, fmt.Sprintf("node %s: not open", n.name))
	}
	for _, item := range items {
		if err := q.Push(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (n *localNode) Wait(ctx context.Context) error {
	n.mu.Lock()
	pool := n.pool
	n.mu.Unlock()
	if pool == nil {
		return errors.E(errors.Precondition, fmt.Sprintf("node %s: not open", n.name))
	}
	return waitPool(ctx, pool)
}

func (n *localNode) Stop(ctx context.Context) error {
	n.mu.Lock()
	pool := n.pool
	n.mu.Unlock()
	if pool == nil {
		return nil
	}
	return stopPool(ctx, pool)
}

func (n *localNode) stop() {
	n.mu.Lock()
	pool := n.pool
	n.mu.Unlock()
	if pool != nil {
		pool.Stop()
	}
}

// waitPool waits for the pool's workers to exit, or for the context
// to be done.
func waitPool(ctx context.Context, pool *worker.Pool) error {
	errc := make(chan error, 1)
	go func() { errc <- pool.Wait() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopPool cancels the pool and waits for its workers to exit, or for
// the context to be done. Errors of workers interrupted by the
// cancellation are not reported.
func stopPool(ctx context.Context, pool *worker.Pool) error {
	pool.Cancel()
	if err := waitPool(ctx, pool); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
