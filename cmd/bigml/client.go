// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/sched"
)

// clientFlags are the flags shared by the commands that talk to a
// scheduler.
type clientFlags struct {
	addr    *string
	timeout *time.Duration
}

func newClientFlags(flags *flag.FlagSet) clientFlags {
	return clientFlags{
		addr:    flags.String("addr", defaultAddr, "address of the scheduler API"),
		timeout: flags.Duration("timeout", 30*time.Second, "time after which the command fails"),
	}
}

func (c clientFlags) dial() (*sched.Client, context.Context, func()) {
	client, err := sched.Dial(*c.addr)
	if err != nil {
		exit(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *c.timeout)
	return client, ctx, cancel
}

func commandUsage(flags *flag.FlagSet, usage string) func() {
	return func() {
		fmt.Fprint(os.Stderr, usage, "\n\nThe flags are:\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
}

func submitCmd(args []string) {
	var (
		flags  = flag.NewFlagSet("bigml submit", flag.ExitOnError)
		client = newClientFlags(flags)
		wait   = flags.Bool("wait", false, "wait for the job to finish and exit with its outcome")
	)
	flags.Usage = commandUsage(flags, `usage: bigml submit [-addr addr] [-wait] descriptor.yaml

Command submit submits the job described by a YAML (or JSON)
descriptor file and prints the job's ID.`)
	flags.Parse(args)
	if flags.NArg() != 1 {
		flags.Usage()
	}
	d, err := readDescriptorFile(flags.Arg(0))
	if err != nil {
		exit(err)
	}
	c, ctx, cancel := client.dial()
	defer cancel()
	id, err := c.Submit(ctx, d)
	if err != nil {
		exit(err)
	}
	fmt.Println(id)
	if !*wait {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			exit(bigml.E(bigml.Timeout, fmt.Sprintf("waiting for job %s", id), ctx.Err()))
		}
		st, err := c.Status(ctx, id)
		if err != nil {
			exit(err)
		}
		if !st.State.Terminal() {
			continue
		}
		st.WriteTo(os.Stdout)
		if st.State == bigml.Failed {
			exit(bigml.E(st.ErrKind, st.Err))
		}
		exit(nil)
	}
}

func statusCmd(args []string) {
	var (
		flags  = flag.NewFlagSet("bigml status", flag.ExitOnError)
		client = newClientFlags(flags)
	)
	flags.Usage = commandUsage(flags, `usage: bigml status [-addr addr] [job-id]

Command status shows the status of the named job, or a summary of
every job.`)
	flags.Parse(args)
	if flags.NArg() > 1 {
		flags.Usage()
	}
	c, ctx, cancel := client.dial()
	defer cancel()
	if flags.NArg() == 1 {
		st, err := c.Status(ctx, flags.Arg(0))
		if err != nil {
			exit(err)
		}
		st.WriteTo(os.Stdout)
		return
	}
	jobs, err := c.Jobs(ctx)
	if err != nil {
		exit(err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "job\tkind\tstate\titeration\tprogress\tworkers")
	for _, st := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.0f%%\t%v\n",
			st.JobID, st.Descriptor.Kind, st.State, st.Iteration, 100*st.Progress, st.WorkerIDs)
	}
	tw.Flush()
}

func controlCmd(cmd string, args []string) {
	var (
		flags  = flag.NewFlagSet("bigml "+cmd, flag.ExitOnError)
		client = newClientFlags(flags)
	)
	flags.Usage = commandUsage(flags, fmt.Sprintf("usage: bigml %s [-addr addr] job-id", cmd))
	flags.Parse(args)
	if flags.NArg() != 1 {
		flags.Usage()
	}
	c, ctx, cancel := client.dial()
	defer cancel()
	id := flags.Arg(0)
	var err error
	switch cmd {
	case "cancel":
		err = c.Cancel(ctx, id)
	case "pause":
		err = c.Pause(ctx, id)
	case "resume":
		err = c.Resume(ctx, id)
	}
	exit(err)
}

func workersCmd(args []string) {
	var (
		flags  = flag.NewFlagSet("bigml workers", flag.ExitOnError)
		client = newClientFlags(flags)
	)
	flags.Usage = commandUsage(flags, "usage: bigml workers [-addr addr]")
	flags.Parse(args)
	if flags.NArg() != 0 {
		flags.Usage()
	}
	c, ctx, cancel := client.dial()
	defer cancel()
	recs, err := c.Workers(ctx)
	if err != nil {
		exit(err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "worker\thost\tstate\tcpu\tmem\tnet\tload\tjobs\tcompleted\theartbeat")
	for _, r := range recs {
		state := "available"
		switch {
		case r.Failed:
			state = "failed"
		case r.Probation:
			state = "probation"
		case !r.Available:
			state = "unavailable"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%.0f%%\t%.0f%%\t%.1f\t%d\t%d\t%s\n",
			r.ID, r.Host, state, r.CPU, r.Mem, r.Net, r.Load(), len(r.Jobs), r.Completed,
			time.Since(r.LastHeartbeat).Round(time.Millisecond))
	}
	tw.Flush()
}

func metricsCmd(args []string) {
	var (
		flags  = flag.NewFlagSet("bigml metrics", flag.ExitOnError)
		client = newClientFlags(flags)
	)
	flags.Usage = commandUsage(flags, "usage: bigml metrics [-addr addr]")
	flags.Parse(args)
	if flags.NArg() != 0 {
		flags.Usage()
	}
	c, ctx, cancel := client.dial()
	defer cancel()
	m, err := c.Metrics(ctx)
	if err != nil {
		exit(err)
	}
	m.WriteTo(os.Stdout)
}
