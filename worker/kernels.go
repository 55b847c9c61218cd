// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

// Workers run every kind of job.
import (
	_ "github.com/grailbio/bigml/kernel/dbscan"
	_ "github.com/grailbio/bigml/kernel/gd"
	_ "github.com/grailbio/bigml/kernel/kmeans"
)
