// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named counters for worker nodes. Each node
// keeps a Map of counters; snapshots of these maps are shipped to
// the coordinator and merged into cluster-wide totals.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Names of the counters maintained by worker pools.
const (
	// Tasks counts tasks popped from the queue.
	Tasks = "tasks"
	// OK counts tasks whose transform succeeded.
	OK = "ok"
	// Failed counts tasks whose transform failed.
	Failed = "failed"
	// Bytes counts output payload bytes.
	Bytes = "bytes"
	// Running is the number of transforms currently executing.
	Running = "running"
)

// Values is a snapshot of counter values, keyed by name.
type Values map[string]int64

// Merge adds every value in w to v.
func (v Values) Merge(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String returns the values sorted by name, formatted as
// "name:value" pairs.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if
// needed. A nil Map returns a nil counter, whose operations are
// no-ops.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Snapshot returns the current values of all counters in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	if m == nil {
		return vals
	}
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	m.mu.Unlock()
	return vals
}

// An Int is an integer counter that may be updated atomically.
// A nil *Int ignores updates and reads as zero.
type Int struct {
	val int64
}

// Add increments the counter by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the counter's current value.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
