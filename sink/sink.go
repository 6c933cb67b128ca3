// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sink persists the payloads of successful results.
package sink

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigimage"
)

// An Output describes the persisted output of a single result.
type Output struct {
	bigimage.Task
	// Path is the path of the written output. It is empty if the
	// result was a failure or could not be written.
	Path string
	// Err is set if the result failed or its payload could not be
	// written.
	Err error
}

// A Writer writes result payloads into a directory.
type Writer struct {
	// Dir is the output directory, a local path or any URL supported
	// by github.com/grailbio/base/file.
	Dir string

	limiter *limiter.Limiter
}

// NewWriter returns a writer into dir that performs at most
// maxWrites concurrent writes. If maxWrites is zero, the number of
// processors is used.
func NewWriter(dir string, maxWrites int) *Writer {
	if maxWrites <= 0 {
		maxWrites = runtime.NumCPU()
	}
	w := &Writer{Dir: dir, limiter: limiter.New()}
	w.limiter.Release(maxWrites)
	return w
}

// Write writes the payload of each successful result to
// Dir/bigimage.OutputName(image, operation). Local directories are
// created as needed. It returns one Output per result, in the order
// of the results. Write fails if any payload could not be written;
// the returned outputs still describe every result.
func (w *Writer) Write(ctx context.Context, results []bigimage.Result) ([]Output, error) {
	outputs := make([]Output, len(results))
	err := traverse.Each(len(results), func(i int) error {
		r := results[i]
		outputs[i].Task = r.Task
		if r.Status != bigimage.Success {
			outputs[i].Err = r.Err()
			return nil
		}
		path := file.Join(w.Dir, bigimage.OutputName(r.Task.Image, r.Task.Operation))
		if err := w.write(ctx, path, r.Payload); err != nil {
			outputs[i].Err = err
			return err
		}
		outputs[i].Path = path
		return nil
	})
	return outputs, err
}

func (w *Writer) write(ctx context.Context, path string, p []byte) error {
	if err := w.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.limiter.Release(1)
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(fmt.Sprintf("create %s", path), err)
	}
	if _, err := f.Writer(ctx).Write(p); err != nil {
		f.Discard(ctx)
		return errors.E(fmt.Sprintf("write %s", path), err)
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(fmt.Sprintf("close %s", path), err)
	}
	log.Debug.Printf("wrote %s to %s", data.Size(len(p)), path)
	return nil
}

// Write writes results into dir using a default writer.
func Write(ctx context.Context, dir string, results []bigimage.Result) ([]Output, error) {
	return NewWriter(dir, 0).Write(ctx, results)
}
