// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package storage

import "github.com/grailbio/base/config"

func init() {
	config.Register("bigml/store", func(inst *config.Constructor) {
		var url string
		inst.StringVar(&url, "url", "mem://default",
			"the store url: mem://name, bolt:///path, file:///path, a local path, or s3://bucket/prefix")
		inst.Doc = "bigml/store configures the store from which jobs read datasets and to which they write models and checkpoints"
		inst.New = func() (interface{}, error) {
			return Open(url)
		}
	})
}
