// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"net/http"
	"strings"

	"github.com/grailbio/bigmachine/rpc"
	"github.com/grailbio/bigml"
)

// RPCPrefix is the HTTP path under which the scheduler's RPC
// service is served.
const RPCPrefix = "/bigml/"

// RPCName is the RPC service name of the scheduler.
const RPCName = "Scheduler"

// Service exposes a Scheduler's administrative API through
// bigmachine's RPC.
type Service struct {
	s *Scheduler
}

// NewService returns an RPC service for s.
func NewService(s *Scheduler) *Service {
	return &Service{s}
}

// Handler returns an HTTP handler serving s under RPCPrefix.
func Handler(s *Scheduler) (http.Handler, error) {
	server := rpc.NewServer()
	if err := server.Register(RPCName, NewService(s)); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(RPCPrefix, server)
	return mux, nil
}

// Submit submits a job and replies with its ID.
func (v *Service) Submit(ctx context.Context, d bigml.Descriptor, id *string) error {
	var err error
	*id, err = v.s.Submit(ctx, d)
	return err
}

// Status replies with the status of a job.
func (v *Service) Status(ctx context.Context, id string, st *bigml.Status) error {
	var err error
	*st, err = v.s.Status(id)
	return err
}

// Jobs replies with the status of every job.
func (v *Service) Jobs(ctx context.Context, _ struct{}, sts *[]bigml.Status) error {
	*sts = v.s.Jobs()
	return nil
}

// Cancel cancels a job.
func (v *Service) Cancel(ctx context.Context, id string, _ *struct{}) error {
	return v.s.Cancel(ctx, id)
}

// Pause pauses a job.
func (v *Service) Pause(ctx context.Context, id string, _ *struct{}) error {
	return v.s.Pause(ctx, id)
}

// Resume resumes a paused job.
func (v *Service) Resume(ctx context.Context, id string, _ *struct{}) error {
	return v.s.Resume(ctx, id)
}

// Workers replies with the worker registry.
func (v *Service) Workers(ctx context.Context, _ struct{}, recs *[]bigml.WorkerRecord) error {
	*recs = v.s.Workers()
	return nil
}

// Metrics replies with the scheduler's metrics.
func (v *Service) Metrics(ctx context.Context, _ struct{}, m *Metrics) error {
	*m = v.s.Metrics()
	return nil
}

// Client calls a scheduler's RPC service.
type Client struct {
	addr   string
	client *rpc.Client
}

// Dial returns a client for the scheduler served at addr, an HTTP
// URL such as http://localhost:8700.
func Dial(addr string) (*Client, error) {
	c, err := rpc.NewClient(func() *http.Client { return http.DefaultClient }, RPCPrefix)
	if err != nil {
		return nil, bigml.E(bigml.Transport, "dial "+addr, err)
	}
	return &Client{addr: strings.TrimSuffix(addr, "/"), client: c}, nil
}

func (c *Client) call(ctx context.Context, method string, arg, reply interface{}) error {
	return c.client.Call(ctx, c.addr, RPCName+"."+method, arg, reply)
}

// Submit submits a job and returns its ID.
func (c *Client) Submit(ctx context.Context, d bigml.Descriptor) (string, error) {
	var id string
	err := c.call(ctx, "Submit", d, &id)
	return id, err
}

// Status returns the status of a job.
func (c *Client) Status(ctx context.Context, id string) (bigml.Status, error) {
	var st bigml.Status
	err := c.call(ctx, "Status", id, &st)
	return st, err
}

// Jobs returns the status of every job.
func (c *Client) Jobs(ctx context.Context) ([]bigml.Status, error) {
	var sts []bigml.Status
	err := c.call(ctx, "Jobs", struct{}{}, &sts)
	return sts, err
}

// Cancel cancels a job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.call(ctx, "Cancel", id, nil)
}

// Pause pauses a job.
func (c *Client) Pause(ctx context.Context, id string) error {
	return c.call(ctx, "Pause", id, nil)
}

// Resume resumes a job.
func (c *Client) Resume(ctx context.Context, id string) error {
	return c.call(ctx, "Resume", id, nil)
}

// Workers returns the worker registry.
func (c *Client) Workers(ctx context.Context) ([]bigml.WorkerRecord, error) {
	var recs []bigml.WorkerRecord
	err := c.call(ctx, "Workers", struct{}{}, &recs)
	return recs, err
}

// Metrics returns the scheduler's metrics.
func (c *Client) Metrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	err := c.call(ctx, "Metrics", struct{}{}, &m)
	return m, err
}
