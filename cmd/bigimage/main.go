// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Bigimage runs a batch of image transforms across a cluster of
// worker nodes and writes the transformed images to an output
// directory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigimage"
	"github.com/grailbio/bigimage/coordinator"
	"github.com/grailbio/bigimage/imageconfig"
	"github.com/grailbio/bigimage/sink"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

type failure struct {
	Image     string `json:"image"`
	Operation string `json:"operation"`
	Error     string `json:"error"`
}

type report struct {
	ProcessedFiles []string  `json:"processed_files"`
	Failed         []failure `json:"failed"`
}

// newReport returns the report of the provided outputs. If the batch
// failed with batchErr, tasks with no output are reported as failed
// with that error.
func newReport(tasks []bigimage.Task, outputs []sink.Output, batchErr error) report {
	rep := report{ProcessedFiles: []string{}, Failed: []failure{}}
	missing := bigimage.Keys(tasks)
	for _, o := range outputs {
		missing[o.Key()]--
		if o.Err != nil {
			rep.Failed = append(rep.Failed, failure{o.Image, o.Operation, o.Err.Error()})
			continue
		}
		rep.ProcessedFiles = append(rep.ProcessedFiles, o.Path)
	}
	reason := "no result"
	if batchErr != nil {
		reason = batchErr.Error()
	}
	for _, task := range tasks {
		if missing[task.Key()] <= 0 {
			continue
		}
		missing[task.Key()]--
		rep.Failed = append(rep.Failed, failure{task.Image, task.Operation, reason})
	}
	return rep
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: bigimage [-tasks path] [-out dir] [flags]
       bigimage setup-ec2 [-securitygroup name]

Command bigimage reads a list of tasks, each naming an image and an
operation, runs them on the configured cluster, and writes each
transformed image to the output directory as {stem}_{operation}.jpg.
A JSON report of the written files and of failed tasks is printed to
standard output.

Available operations: edge_detection, color_inversion, grayscale,
blur, threshold, resize.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	var (
		tasksPath = flag.String("tasks", "tasks.json", "path of the task list")
		out       = flag.String("out", "processed_uploads", "output directory")
	)
	if len(os.Args) > 1 && os.Args[1] == "setup-ec2" {
		setupEC2Cmd(os.Args[2:])
		return
	}
	rt, shutdown := imageconfig.Parse()
	ctx := context.Background()
	tasks, err := bigimage.ReadTasks(ctx, *tasksPath)
	must.Nil(err, "reading task list")

	var st status.Status
	results, err := rt.Run(ctx, tasks, coordinator.Status(&st))
	if err != nil {
		log.Error.Printf("batch: %v", err)
	}
	outputs, werr := sink.Write(ctx, *out, results)
	if werr != nil {
		log.Error.Printf("writing outputs: %v", werr)
	}
	if vals, err := rt.Stats(ctx); err == nil {
		log.Printf("stats: %s", vals)
	}
	shutdown()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	must.Nil(enc.Encode(newReport(tasks, outputs, err)))
	if err != nil || werr != nil {
		os.Exit(1)
	}
}
