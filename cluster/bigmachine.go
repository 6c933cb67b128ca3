// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"encoding/gob"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigimage"
	"github.com/grailbio/bigimage/mailbox"
	"github.com/grailbio/bigimage/queue"
	"github.com/grailbio/bigimage/stats"
	"github.com/grailbio/bigimage/transform"
	"github.com/grailbio/bigimage/worker"
	"github.com/grailbio/bigmachine"
)

const (
	// resultsPollTimeout is the maximum amount of time a Node.Results
	// call waits for a result before returning empty-handed.
	resultsPollTimeout = 10 * time.Second
	// maxResultsPerCall bounds the number of results returned by a
	// single Node.Results call.
	maxResultsPerCall = 64
)

// RetryPolicy is the policy used to retry failed result forwarding
// calls. After the policy is exhausted the machine is presumed lost.
var retryPolicy = retry.MaxTries(retry.Backoff(time.Second, 5*time.Second, 1.5), 5)

func init() {
	gob.Register(&nodeService{})
}

// Bigmachine is a cluster whose nodes are bigmachine machines, each
// running a Node service. Results are forwarded from each machine
// into the cluster's inbox by one long-polling loop per machine, so
// results from a given machine arrive in the order its workers
// produced them.
type Bigmachine struct {
	system bigmachine.System
	config Config

	b      *bigmachine.B
	inbox  *mailbox.Local
	nodes  []*remoteNode
	cancel func()
	wg     sync.WaitGroup
}

// NewBigmachine returns a cluster that runs its nodes on machines
// provided by the given bigmachine system.
func NewBigmachine(system bigmachine.System, config Config) *Bigmachine {
	return &Bigmachine{system: system, config: config, inbox: mailbox.NewLocal()}
}

// Start implements Cluster. Start launches the cluster's machines
// and waits for all of them to be running. Note that in worker
// processes, launched by bigmachine, Start never returns.
func (c *Bigmachine) Start(ctx context.Context) error {
	if c.b != nil {
		return errors.E(errors.Precondition, "bigmachine cluster already started")
	}
	c.b = bigmachine.Start(c.system)
	machines, err := c.b.Start(ctx, c.config.nodes(), bigmachine.Services{
		"Node": &nodeService{
			Procs:         c.config.Procs,
			PollInterval:  c.config.PollInterval,
			QueueCapacity: c.config.QueueCapacity,
		},
	})
	if err != nil {
		return err
	}
	err = traverse.Each(len(machines), func(i int) error {
		m := machines[i]
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			log.Error.Printf("machine %s failed to start: %v", m.Addr, err)
			return err
		}
		log.Printf("machine %s is running with %d procs", m.Addr, m.Maxprocs)
		return nil
	})
	if err != nil {
		return errors.E(errors.Unavailable, "start machines", err)
	}
	var fctx context.Context
	fctx, c.cancel = context.WithCancel(context.Background())
	c.nodes = make([]*remoteNode, len(machines))
	for i, m := range machines {
		n := &remoteNode{Machine: m, procs: c.config.Procs}
		if n.procs <= 0 {
			n.procs = m.Maxprocs
		}
		c.nodes[i] = n
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			n.forward(fctx, c.inbox)
		}()
	}
	return nil
}

// Nodes implements Cluster.
func (c *Bigmachine) Nodes() []Node {
	nodes := make([]Node, len(c.nodes))
	for i := range c.nodes {
		nodes[i] = c.nodes[i]
	}
	return nodes
}

// Inbox implements Cluster.
func (c *Bigmachine) Inbox() mailbox.Receiver { return c.inbox }

// Stats implements Cluster. Stats for machines that cannot be
// reached are omitted.
func (c *Bigmachine) Stats(ctx context.Context) (stats.Values, error) {
	var (
		mu   sync.Mutex
		vals = make(stats.Values)
	)
	err := traverse.Each(len(c.nodes), func(i int) error {
		var v stats.Values
		if err := c.nodes[i].Call(ctx, "Node.Stats", struct{}{}, &v); err != nil {
			log.Error.Printf("stats %s: %v", c.nodes[i].Addr, err)
			return nil
		}
		mu.Lock()
		vals.Merge(v)
		mu.Unlock()
		return nil
	})
	return vals, err
}

// Shutdown implements Cluster.
func (c *Bigmachine) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.b != nil {
		c.b.Shutdown()
	}
	c.inbox.Close()
}

// RemoteNode is the coordinator's handle to a node running on a
// bigmachine machine.
type remoteNode struct {
	*bigmachine.Machine

	mu    sync.Mutex
	procs int
}

func (n *remoteNode) Name() string { return n.Addr }

func (n *remoteNode) Procs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.procs
}

func (n *remoteNode) Open(ctx context.Context) error {
	var reply openReply
	if err := n.RetryCall(ctx, "Node.Open", openRequest{Name: n.Addr}, &reply); err != nil {
		return err
	}
	n.mu.Lock()
	n.procs = reply.Procs
	n.mu.Unlock()
	return nil
}

// Push is not retried: a retried push could enqueue items twice.
func (n *remoteNode) Push(ctx context.Context, items []queue.Item) error {
	return n.Call(ctx, "Node.Push", items, nil)
}

func (n *remoteNode) Wait(ctx context.Context) error {
	return n.Call(ctx, "Node.Wait", struct{}{}, nil)
}

func (n *remoteNode) Stop(ctx context.Context) error {
	return n.Call(ctx, "Node.Stop", struct{}{}, nil)
}

// Forward delivers the machine's results into the inbox until the
// context is done or the machine is presumed lost.
func (n *remoteNode) forward(ctx context.Context, inbox mailbox.Sender) {
	var retries int
	for ctx.Err() == nil {
		var results []bigimage.Result
		if err := n.Call(ctx, "Node.Results", maxResultsPerCall, &results); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error.Printf("Node.Results %s: error (%d): %v", n.Addr, retries, err)
			retries++
			if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
				log.Error.Printf("machine %s lost: %v", n.Addr, err)
				return
			}
			continue
		}
		retries = 0
		for _, r := range results {
			if err := inbox.Send(ctx, r); err != nil {
				return
			}
		}
	}
}

type openRequest struct {
	// Name is the name recorded in the node's results.
	Name string
}

type openReply struct {
	// Procs is the number of workers started by the node.
	Procs int
}

// NodeService is the bigmachine service that runs a node on a
// worker machine. Its exported fields configure the node and are
// shipped to the machine when it starts.
type nodeService struct {
	Procs         int
	PollInterval  time.Duration
	QueueCapacity int

	registry *transform.Registry
	outbox   *mailbox.Local
	stats    *stats.Map

	mu    sync.Mutex
	queue *queue.Queue
	pool  *worker.Pool
}

func (s *nodeService) Init(b *bigmachine.B) error {
	if s.Procs <= 0 {
		s.Procs = b.System().Maxprocs()
	}
	if s.Procs <= 0 {
		s.Procs = runtime.GOMAXPROCS(0)
	}
	s.registry = transform.Default()
	s.outbox = mailbox.NewLocal()
	s.stats = stats.NewMap()
	return nil
}

// Open installs a fresh queue and worker pool. The pool runs
// independently of the call's context.
func (s *nodeService) Open(ctx context.Context, req openRequest, reply *openReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Stop()
	}
	s.queue = queue.New(s.QueueCapacity)
	s.pool = worker.New(worker.Config{
		Name:         req.Name,
		Procs:        s.Procs,
		PollInterval: s.PollInterval,
		Queue:        s.queue,
		Transformer:  s.registry,
		Outbox:       s.outbox,
		Stats:        s.stats,
	})
	if err := s.pool.Start(context.Background()); err != nil {
		return err
	}
	reply.Procs = s.Procs
	log.Printf("node %s: opened with %d procs", req.Name, s.Procs)
	return nil
}

// Push appends items to the node's queue.
func (s *nodeService) Push(ctx context.Context, items []queue.Item, _ *struct{}) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return errors.E(errors.Precondition, "node not open")
	}
	for _, item := range items {
		if err := q.Push(ctx, item); err != nil {
			return err
		}
	}
	log.Debug.Printf("node: pushed %d items", len(items))
	return nil
}

// Results returns up to max results from the node's outbox, waiting
// up to resultsPollTimeout for the first one.
func (s *nodeService) Results(ctx context.Context, max int, results *[]bigimage.Result) error {
	if max <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid result count %d", max))
	}
	rctx, cancel := context.WithTimeout(ctx, resultsPollTimeout)
	r, err := s.outbox.Receive(rctx)
	cancel()
	if err == context.DeadlineExceeded && ctx.Err() == nil {
		*results = nil
		return nil
	}
	if err != nil {
		return err
	}
	*results = append([]bigimage.Result{r}, s.outbox.Drain(max-1)...)
	return nil
}

// Wait returns when every worker of the current pool has exited.
func (s *nodeService) Wait(ctx context.Context, _ struct{}, _ *struct{}) error {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return errors.E(errors.Precondition, "node not open")
	}
	return waitPool(ctx, pool)
}

// Stop cancels the current pool and waits for its workers to exit.
func (s *nodeService) Stop(ctx context.Context, _ struct{}, _ *struct{}) error {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return nil
	}
	log.Printf("node: stopping pool")
	return stopPool(ctx, pool)
}

// Stats returns a snapshot of the node's counters.
func (s *nodeService) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = s.stats.Snapshot()
	return nil
}
