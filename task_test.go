// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigimage

import (
	"bytes"
	"encoding/gob"
	"reflect"
	"strings"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func TestResult(t *testing.T) {
	task := Task{Image: "a.jpg", Operation: "grayscale"}
	ok := Succeeded(task, []byte("payload"))
	if got, want := ok.Status, Success; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := ok.Err(); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if got, want := ok.String(), "result a.jpg:grayscale SUCCESS"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	failed := Failed(task, errors.E(errors.Invalid, "unknown operation"))
	failed.Node = "local0"
	if got, want := failed.Status, Failure; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if failed.Payload != nil {
		t.Errorf("failure has payload %v", failed.Payload)
	}
	err := failed.Err()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "a.jpg:grayscale") || !strings.Contains(err.Error(), "unknown operation") {
		t.Errorf("error %q does not describe the failure", err)
	}
	if got, want := failed.String(), "result a.jpg:grayscale FAILURE (local0): "+failed.Reason; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFailedNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Failed(Task{}, nil)
}

func TestStatusString(t *testing.T) {
	for _, c := range []struct {
		status Status
		want   string
	}{
		{Success, "SUCCESS"},
		{Failure, "FAILURE"},
		{Status(5), "Status(5)"},
	} {
		if got := c.status.String(); got != c.want {
			t.Errorf("got %v, want %v", got, c.want)
		}
	}
}

// TestResultGob checks that results, and in particular failures,
// survive the encoding used between machines.
func TestResultGob(t *testing.T) {
	fz := fuzz.NewWithSeed(31415)
	fz.NilChance(0)
	for i := 0; i < 100; i++ {
		var r Result
		fz.Fuzz(&r.Task)
		fz.Fuzz(&r.Payload)
		fz.Fuzz(&r.Reason)
		fz.Fuzz(&r.Node)
		r.Status = Status(i % 2)
		r.Duration = time.Duration(i) * time.Millisecond
		var b bytes.Buffer
		if err := gob.NewEncoder(&b).Encode(r); err != nil {
			t.Fatal(err)
		}
		var s Result
		if err := gob.NewDecoder(&b).Decode(&s); err != nil {
			t.Fatal(err)
		}
		if len(r.Payload) == 0 {
			// Gob does not distinguish empty from nil slices.
			r.Payload, s.Payload = nil, nil
		}
		if !reflect.DeepEqual(r, s) {
			t.Errorf("got %v, want %v", s, r)
		}
	}
}

func TestIndex(t *testing.T) {
	var (
		a = Task{Image: "a.jpg", Operation: "blur"}
		b = Task{Image: "b.jpg", Operation: "blur"}
	)
	tasks := []Task{a, b, a}
	if got, want := Keys(tasks), map[Key]int{a.Key(): 2, b.Key(): 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	results := []Result{Succeeded(a, []byte("1")), Succeeded(b, nil), Succeeded(a, []byte("2"))}
	index := Index(results)
	if got, want := len(index), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	rs := index[a.Key()]
	if got, want := len(rs), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := string(rs[0].Payload)+string(rs[1].Payload), "12"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := a.Key().String(), "a.jpg:blur"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
