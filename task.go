// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigimage

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
)

func init() {
	gob.Register(Result{})
}

// A Task is a single unit of work: apply the named operation to the
// image stored at Image. Tasks are values and are never modified
// after creation.
type Task struct {
	// Image is the path or URL of the input image.
	Image string `json:"image"`
	// Operation is the name of the transform to apply.
	Operation string `json:"operation"`
}

// Key returns the identity of the task, by which its result is
// matched.
func (t Task) Key() Key {
	return Key{t.Image, t.Operation}
}

// String returns a short representation of the task.
func (t Task) String() string {
	return t.Key().String()
}

// A Key identifies a task by its image and operation. Results are
// matched to tasks by Key, never by position.
type Key struct {
	Image, Operation string
}

// String returns the key formatted as "{image}:{operation}".
func (k Key) String() string {
	return k.Image + ":" + k.Operation
}

// Status is the outcome of a task.
type Status int

const (
	// Success indicates that the task's transform produced
	// a payload.
	Success Status = iota
	// Failure indicates that the task could not be completed.
	// The Result's Reason describes the failure.
	Failure
)

var statuses = [...]string{
	Success: "SUCCESS",
	Failure: "FAILURE",
}

// String returns the status as an upper-case string.
func (s Status) String() string {
	if int(s) < len(statuses) {
		return statuses[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// A Result is the outcome of executing exactly one Task. Every task
// produces one Result, whether it succeeds or fails; a failed task
// never goes unreported.
//
// Results cross machine boundaries, so failures carry the error text
// rather than an error value.
type Result struct {
	// Task is the task from which this result was produced.
	Task Task
	// Status tells whether the task succeeded.
	Status Status
	// Payload holds the encoded output image of a successful task.
	Payload []byte
	// Reason describes the error of a failed task.
	Reason string
	// Batch is the id of the batch that dispatched the task.
	Batch string
	// Node names the node that executed the task.
	Node string
	// Duration is the time spent running the transform.
	Duration time.Duration
}

// Succeeded returns a successful result for the provided task.
func Succeeded(task Task, payload []byte) Result {
	return Result{Task: task, Status: Success, Payload: payload}
}

// Failed returns a failed result for the provided task. The error
// must be non-nil.
func Failed(task Task, err error) Result {
	if err == nil {
		panic("bigimage.Failed: nil error")
	}
	return Result{Task: task, Status: Failure, Reason: err.Error()}
}

// Key returns the key of the result's task.
func (r Result) Key() Key {
	return r.Task.Key()
}

// Err returns nil if the result is a success, and otherwise an
// error describing the failure.
func (r Result) Err() error {
	if r.Status == Success {
		return nil
	}
	return errors.E(fmt.Sprintf("%s: %s", r.Task, r.Reason))
}

// String returns a short, human-readable description of the result.
func (r Result) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "result %s %s", r.Task, r.Status)
	if r.Node != "" {
		fmt.Fprintf(&b, " (%s)", r.Node)
	}
	if r.Status == Failure {
		fmt.Fprintf(&b, ": %s", r.Reason)
	}
	return b.String()
}

// Index groups results by their task keys. Each key maps to the
// results in arrival order; a batch may contain the same task more
// than once.
func Index(results []Result) map[Key][]Result {
	index := make(map[Key][]Result, len(results))
	for _, r := range results {
		index[r.Key()] = append(index[r.Key()], r)
	}
	return index
}

// Keys returns the multiset of keys of the provided tasks.
func Keys(tasks []Task) map[Key]int {
	keys := make(map[Key]int, len(tasks))
	for _, task := range tasks {
		keys[task.Key()]++
	}
	return keys
}
