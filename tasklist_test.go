// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigimage

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

func TestTaskList(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var (
		ctx   = context.Background()
		path  = filepath.Join(dir, "tasks.json")
		tasks = []Task{
			{Image: "uploads/a.jpg", Operation: "grayscale"},
			{Image: "uploads/b.png", Operation: "blur"},
		}
	)
	if err := WriteTasks(ctx, path, tasks); err != nil {
		t.Fatal(err)
	}
	got, err := ReadTasks(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, tasks) {
		t.Errorf("got %v, want %v", got, tasks)
	}
}

func TestReadTasksFormat(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	for _, c := range []struct {
		contents string
		want     []Task
		invalid  bool
	}{
		{`[{"image": "a.jpg", "operation": "grayscale"}]`, []Task{{"a.jpg", "grayscale"}}, false},
		{`[]`, []Task{}, false},
		{`[{"image": "a.jpg"}]`, nil, true},
		{`[{"operation": "blur"}]`, nil, true},
		{`{"image": "a.jpg"}`, nil, true},
		{`not json`, nil, true},
	} {
		path := filepath.Join(dir, "tasks.json")
		if err := ioutil.WriteFile(path, []byte(c.contents), 0644); err != nil {
			t.Fatal(err)
		}
		tasks, err := ReadTasks(ctx, path)
		if c.invalid {
			if !errors.Is(errors.Invalid, err) {
				t.Errorf("%s: got %v, want an invalid error", c.contents, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", c.contents, err)
			continue
		}
		if !reflect.DeepEqual(tasks, c.want) {
			t.Errorf("%s: got %v, want %v", c.contents, tasks, c.want)
		}
	}
}

func TestReadTasksMissing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	_, err := ReadTasks(context.Background(), filepath.Join(dir, "missing.json"))
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want a not-exist error", err)
	}
}
