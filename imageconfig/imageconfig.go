// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package imageconfig provides a mechanism to create a bigimage
// runtime from a shared configuration. Imageconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigimage/config.
package imageconfig

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigimage"
	"github.com/grailbio/bigimage/cluster"
	"github.com/grailbio/bigimage/coordinator"
	"github.com/grailbio/bigimage/worker"
	"github.com/grailbio/bigmachine"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Path determines the location of the bigimage profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.bigimage/config")

func init() {
	config.Register("bigimage", func(inst *config.Constructor) {
		var (
			params Params
			system bigmachine.System
		)
		inst.IntVar(&params.Nodes, "nodes", 1, "number of worker nodes")
		inst.IntVar(&params.Procs, "procs", 0, "workers per node; 0 runs one worker per processor")
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which nodes run; if empty, nodes run in-process")
		inst.StringVar(&params.Partition, "partition", "roundrobin", "task partitioning policy: roundrobin or image")
		inst.StringVar(&params.ReceiveTimeout, "receive-timeout", coordinator.DefaultReceiveTimeout.String(),
			"maximum time to wait for any single result")
		inst.StringVar(&params.PollInterval, "poll-interval", worker.DefaultPollInterval.String(),
			"interval at which workers poll their queue")
		inst.Doc = "bigimage configures the bigimage runtime"
		inst.New = func() (interface{}, error) {
			params.System = system
			rt, err := New(params)
			if err != nil {
				return nil, err
			}
			if err := rt.Start(context.Background()); err != nil {
				return nil, err
			}
			return rt, nil
		}
	})
}

// Params are the parameters of a runtime.
type Params struct {
	// Nodes is the number of worker nodes.
	Nodes int
	// Procs is the number of workers per node.
	Procs int
	// System is the bigmachine system on which nodes are run. If
	// nil, nodes run in-process.
	System bigmachine.System
	// Partition names the partitioning policy.
	Partition string
	// ReceiveTimeout and PollInterval are durations
	// parseable by time.ParseDuration.
	ReceiveTimeout, PollInterval string
}

// A Runtime is a cluster together with the coordinator options with
// which batches are run on it.
type Runtime struct {
	cluster.Cluster
	opts []coordinator.Option
}

// New returns a new, unstarted, runtime configured by params.
func New(params Params) (*Runtime, error) {
	partition, err := coordinator.ParsePartitioner(params.Partition)
	if err != nil {
		return nil, err
	}
	receiveTimeout, err := parseDuration("receive-timeout", params.ReceiveTimeout)
	if err != nil {
		return nil, err
	}
	pollInterval, err := parseDuration("poll-interval", params.PollInterval)
	if err != nil {
		return nil, err
	}
	if params.Nodes <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid node count %d", params.Nodes))
	}
	if params.Procs < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid proc count %d", params.Procs))
	}
	cfg := cluster.Config{
		Nodes:        params.Nodes,
		Procs:        params.Procs,
		PollInterval: pollInterval,
	}
	rt := &Runtime{opts: []coordinator.Option{coordinator.Partition(partition)}}
	if receiveTimeout > 0 {
		rt.opts = append(rt.opts, coordinator.ReceiveTimeout(receiveTimeout))
	}
	if params.System != nil {
		rt.Cluster = cluster.NewBigmachine(params.System, cfg)
	} else {
		rt.Cluster = cluster.NewLocal(cfg)
	}
	return rt, nil
}

// Run runs a batch of tasks on the runtime's cluster. The provided
// options are applied after the runtime's own.
func (rt *Runtime) Run(ctx context.Context, tasks []bigimage.Task, opts ...coordinator.Option) ([]bigimage.Result, error) {
	all := append(append([]coordinator.Option{}, rt.opts...), opts...)
	return coordinator.New(rt.Cluster, all...).Run(ctx, tasks)
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("parse %s", name), err)
	}
	if d < 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("negative %s %s", name, d))
	}
	return d, nil
}

// Parse registers configuration flags and calls flag.Parse. It
// reads bigimage configuration from Path defined in this package.
// Parse returns a started runtime as configured by the profile and
// any flags provided, and a function that shuts it down. Parse
// panics if the runtime cannot be created.
func Parse() (rt *Runtime, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigimage", &rt)
	return rt, rt.Shutdown
}
