// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/sched"
	"github.com/grailbio/bigml/worker"
)

// defaultAddr is the default address of the scheduler API.
const defaultAddr = "localhost:7070"

func serveUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigml serve [-addr addr] [-workers n] [-status]

Command serve runs a scheduler together with n workers, and serves
the scheduler API at addr. The scheduler is configured by the
bigml/scheduler profile instance, the workers by bigml/worker, and
the store they share by bigml/store. Job and worker status is
available at /debug/status.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func serveCmd(args []string) {
	var (
		flags         = flag.NewFlagSet("bigml serve", flag.ExitOnError)
		addr          = flags.String("addr", defaultAddr, "address of the scheduler API")
		nworkers      = flags.Int("workers", 2, "number of workers")
		consoleStatus = flags.Bool("status", false, "print status to standard output")
	)
	flags.Usage = func() { serveUsage(flags) }
	flags.Parse(args)
	if flags.NArg() != 0 || *nworkers < 1 {
		flags.Usage()
	}

	var (
		s  *sched.Scheduler
		wc *worker.Config
	)
	config.Must("bigml/scheduler", &s)
	config.Must("bigml/worker", &wc)
	st := new(status.Status)
	if *consoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, st)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	done := make(chan struct{})
	go func() {
		if err := s.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error.Printf("scheduler: %v", err)
		}
		close(done)
	}()
	workers := make([]*worker.Worker, *nworkers)
	for i := range workers {
		workers[i] = wc.New(s, i, st)
		if err := workers[i].Start(ctx); err != nil {
			exit(err)
		}
	}

	handler, err := sched.Handler(s)
	if err != nil {
		exit(err)
	}
	mux := http.NewServeMux()
	mux.Handle(sched.RPCPrefix, handler)
	mux.Handle("/debug/status", status.Handler(st))
	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error.Printf("shutdown: %v", err)
		}
	}()
	log.Printf("serving scheduler API at %s with %d workers", *addr, len(workers))
	err = server.ListenAndServe()
	if err == http.ErrServerClosed {
		err = nil
	} else if err != nil {
		err = bigml.E(bigml.Transport, "serve", err)
	}
	cancel()
	for _, w := range workers {
		w.Close()
	}
	<-done
	s.Close()
	exit(err)
}
