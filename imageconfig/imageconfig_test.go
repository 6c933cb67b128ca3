// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package imageconfig

import (
	"context"
	"strings"
	"testing"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigimage"
	"github.com/grailbio/bigimage/cluster"
)

func TestNew(t *testing.T) {
	rt, err := New(Params{Nodes: 2, Procs: 1, Partition: "image", ReceiveTimeout: "10s", PollInterval: "1ms"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rt.Cluster.(*cluster.Local); !ok {
		t.Fatalf("got %T, want *cluster.Local", rt.Cluster)
	}
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer rt.Shutdown()
	if got, want := len(rt.Nodes()), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The image does not exist, so the task fails, but the batch
	// completes.
	results, err := rt.Run(ctx, []bigimage.Task{{Image: "/nonexistent/a.jpg", Operation: "blur"}})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(results), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := results[0].Status, bigimage.Failure; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNewInvalid(t *testing.T) {
	for _, params := range []Params{
		{Nodes: 1, Partition: "random"},
		{Nodes: 1, ReceiveTimeout: "soon"},
		{Nodes: 1, PollInterval: "-1s"},
		{Nodes: 0},
		{Nodes: 1, Procs: -1},
	} {
		if _, err := New(params); !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: got %v, want an invalid error", params, err)
		}
	}
}

func TestProfile(t *testing.T) {
	profile := config.New()
	err := profile.Parse(strings.NewReader(`
param bigimage nodes = 3
param bigimage procs = 2
param bigimage poll-interval = "5ms"
`))
	if err != nil {
		t.Fatal(err)
	}
	var rt *Runtime
	if err := profile.Instance("bigimage", &rt); err != nil {
		t.Fatal(err)
	}
	defer rt.Shutdown()
	nodes := rt.Nodes()
	if got, want := len(nodes), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := nodes[0].Procs(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
