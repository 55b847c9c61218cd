// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigml runs and administers a bigml scheduler.
//
// Exit codes: 0 on success, 2 for invalid requests, 3 when the named
// job or file does not exist, 4 for transport failures, 5 for
// timeouts, and 1 otherwise.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigml"
)

// profilePath is the default configuration profile.
var profilePath = os.ExpandEnv("$HOME/.bigml/config")

func usage() {
	fmt.Fprintf(os.Stderr, `Bigml runs distributed machine learning jobs.

Usage:

	bigml [flags] <command> [arguments]

The commands are:

	serve       run a scheduler and its workers
	submit      submit a job descriptor
	status      show the status of a job, or of every job
	cancel      cancel a job
	pause       pause a running job
	resume      resume a paused job
	workers     list the scheduler's workers
	metrics     show scheduler metrics
	gen         write a synthetic dataset to a store

Runtime parameters are read from the profile at %s; see
the -profile and -set flags.
`, profilePath)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("bigml: ")
	must.Func = log.Fatal
	config.RegisterFlags("", profilePath)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	must.Nil(config.ProcessFlags())

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "serve":
		serveCmd(args)
	case "submit":
		submitCmd(args)
	case "status":
		statusCmd(args)
	case "cancel", "pause", "resume":
		controlCmd(cmd, args)
	case "workers":
		workersCmd(args)
	case "metrics":
		metricsCmd(args)
	case "gen":
		genCmd(args)
	}
}

// exit terminates the process with the exit code corresponding to
// err.
func exit(err error) {
	if err != nil {
		log.Error.Print(err)
	}
	os.Exit(bigml.ExitCode(err))
}
