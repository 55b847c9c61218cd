// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigml implements the shared vocabulary of a bulk-synchronous
	parallel (BSP) runtime for iterative machine learning over a
	partitioned dataset.

	A job is described by a Descriptor: the kind of learner (linear or
	logistic regression, k-means, DBSCAN), the storage keys of its input
	and output, the partitioning strategy, and the learner's parameters.
	Jobs are submitted to a scheduler (package sched), which places them
	on workers (package worker). A worker runs the job as a group of
	ranks connected by a communicator (package comm); every iteration
	reduces partial results across ranks, after which rank 0 updates the
	shared model, broadcasts it, and tests for convergence. Rank 0
	periodically writes checkpoints through the storage adapter (package
	storage), from which a job is resumed after a pause or a worker
	failure.

	Package bigml itself defines the descriptor, job states and their
	transition table, the control messages exchanged between scheduler
	and workers, and the error taxonomy used throughout the system.
*/
package bigml
