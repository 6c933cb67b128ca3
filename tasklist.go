// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigimage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// ReadTasks reads a task list from the provided path. The task list
// is a JSON array of objects of the form
//
//	{"image": "uploads/a.jpg", "operation": "grayscale"}
//
// The path may be any URL supported by package
// github.com/grailbio/base/file.
func ReadTasks(ctx context.Context, path string) (tasks []Task, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := json.NewDecoder(f.Reader(ctx)).Decode(&tasks); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("decode task list %s", path), err)
	}
	for i, task := range tasks {
		if task.Image == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("task list %s: task %d: missing image", path, i))
		}
		if task.Operation == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("task list %s: task %d: missing operation", path, i))
		}
	}
	return tasks, nil
}

// WriteTasks writes the task list to the provided path in the format
// read by ReadTasks.
func WriteTasks(ctx context.Context, path string, tasks []Task) error {
	if tasks == nil {
		tasks = []Task{}
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f.Writer(ctx)).Encode(tasks); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}
