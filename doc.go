// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigimage implements a distributed dispatcher for batches of
	independent image transforms. A batch is a list of tasks, each
	naming an input image and an operation. A coordinator partitions
	the batch across a fixed set of worker nodes; each node buffers its
	share in a local task queue that is drained by a pool of workers.
	Every task yields exactly one result, success or failure, which is
	routed back to the coordinator regardless of the order in which
	tasks complete.

	Workers stop when they pop a sentinel from their queue. The
	coordinator enqueues exactly one sentinel per worker after a node's
	tasks, so that a node's workers exit only once its queue has been
	drained.

	Bigimage batches can run in-process (package cluster, Local), but
	use bigmachine for distribution among a cluster of machines
	(package cluster, Bigmachine). The batch semantics are the same in
	either case.

	This package defines the data model shared by the other packages:
	tasks, results, the naming of output files, and the task list read
	by command bigimage. The dispatch protocol itself is implemented in
	package coordinator.

	Because worker processes are launched from the same binary as the
	driver, a bigimage program must be compiled for the target
	architecture of its cluster. Programs that require distribution
	must be run from a linux/amd64 binary.
*/
package bigimage
