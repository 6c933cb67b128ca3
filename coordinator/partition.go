// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package coordinator

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigimage"
	"github.com/spaolacci/murmur3"
)

// A Partitioner assigns each task to one of n nodes. It returns n
// task lists; every task must appear in exactly one of them, and
// each list must preserve the relative order of its tasks.
type Partitioner func(tasks []bigimage.Task, n int) [][]bigimage.Task

// RoundRobin assigns task i to node i mod n, so that nodes receive
// task counts that differ by at most one.
func RoundRobin(tasks []bigimage.Task, n int) [][]bigimage.Task {
	parts := make([][]bigimage.Task, n)
	for i, task := range tasks {
		parts[i%n] = append(parts[i%n], task)
	}
	return parts
}

// ByImage assigns every task to a node chosen by a hash of its
// image, so that all operations on a given image run on the same
// node.
func ByImage(tasks []bigimage.Task, n int) [][]bigimage.Task {
	parts := make([][]bigimage.Task, n)
	for _, task := range tasks {
		i := int(murmur3.Sum32([]byte(task.Image)) % uint32(n))
		parts[i] = append(parts[i], task)
	}
	return parts
}

// ParsePartitioner returns the partitioner with the provided name,
// "roundrobin" or "image".
func ParsePartitioner(name string) (Partitioner, error) {
	switch name {
	case "", "roundrobin":
		return RoundRobin, nil
	case "image":
		return ByImage, nil
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown partitioner %q", name))
	}
}
