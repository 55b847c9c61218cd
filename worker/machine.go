// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/comm"
	"github.com/grailbio/bigml/kernel"
	"github.com/grailbio/bigml/storage"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&RankService{})
}

// RankServiceName is the name under which RankService is registered
// on machines.
const RankServiceName = "BigMLRank"

// ProbationTimeout is the amount of time a machine that failed a
// rank remains excluded from new jobs.
var ProbationTimeout = 30 * time.Second

// PollInterval is the interval at which a MachineRunner polls rank 0
// of its jobs for progress and forwards signals to it.
var PollInterval = 100 * time.Millisecond

type machineHealth int

const (
	machineOk machineHealth = iota
	machineProbation
	machineLost
)

// machine is a bigmachine machine in a MachineRunner's pool.
type machine struct {
	*bigmachine.Machine
	status *status.Task

	// The following are guarded by the runner's mutex.
	busy   bool
	health machineHealth
	since  time.Time
}

// MachineRunner runs each rank of a job on its own bigmachine
// machine. Machines are started on demand and reused by later jobs.
// A machine on which a rank fails with a transport error is put on
// probation; a machine that stops is dropped from the pool.
type MachineRunner struct {
	b      *bigmachine.B
	store  string
	params []bigmachine.Param
	group  *status.Group

	mu       sync.Mutex
	machines []*machine
}

// NewMachineRunner returns a runner that starts machines on b, with
// the provided additional parameters. The ranks of its jobs open the
// store at storeURL (see storage.Open), which must be reachable from
// every machine. If group is not nil, machine status is reported
// under it.
func NewMachineRunner(b *bigmachine.B, storeURL string, group *status.Group, params ...bigmachine.Param) *MachineRunner {
	return &MachineRunner{b: b, store: storeURL, group: group, params: params}
}

// Run implements Runner.
func (r *MachineRunner) Run(ctx context.Context, job Job) (kernel.Outcome, error) {
	n := job.Desc.NumRanks()
	ms, err := r.acquire(ctx, n)
	if err != nil {
		return kernel.Outcome{}, err
	}
	group := job.ID + "/" + uuid.New().String()
	addrs := make([]string, n)
	for i, m := range ms {
		addrs[i] = m.Addr
	}
	var (
		replies = make([]RunReply, n)
		errs    = make([]error, n)
		g       errgroup.Group
	)
	for i := range ms {
		i := i
		req := RunRequest{
			JobID:            job.ID,
			Group:            group,
			Rank:             i,
			Addrs:            addrs,
			Desc:             job.Desc,
			Store:            r.store,
			CheckpointPrefix: job.Options.CheckpointPrefix,
			Recovery:         job.Options.Recovery,
		}
		g.Go(func() error {
			errs[i] = ms[i].Call(ctx, RankServiceName+".Run", req, &replies[i])
			return errs[i]
		})
	}
	pollCtx, cancelPoll := context.WithCancel(ctx)
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-pollCtx.Done():
				return
			}
			if _, err := r.poll(pollCtx, ms[0], group, job); err != nil && pollCtx.Err() == nil {
				log.Error.Printf("job %s: poll rank 0 at %s: %v", job.ID, ms[0].Addr, err)
			}
		}
	}()
	err = g.Wait()
	cancelPoll()
	<-polled
	// Forward the events rank 0 produced since the last poll.
	if _, perr := r.poll(ctx, ms[0], group, job); perr != nil {
		log.Error.Printf("job %s: final poll of rank 0 at %s: %v", job.ID, ms[0].Addr, perr)
	}
	r.release(ms, errs)
	if err != nil {
		return kernel.Outcome{}, cause(errs)
	}
	rep := replies[0]
	return kernel.Outcome{State: rep.State, Iteration: rep.Iteration, Result: rep.Result, Checkpoint: rep.Checkpoint}, nil
}

// cause returns the most informative of the ranks' errors: the
// first one that is not the induced abort of a communicator.
func cause(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		if !bigml.Is(bigml.Transport, err) && !bigml.Is(bigml.Canceled, err) {
			return err
		}
	}
	return first
}

func (r *MachineRunner) poll(ctx context.Context, m *machine, group string, job Job) (done bool, err error) {
	req := PollRequest{Group: group}
	if job.Options.Signal != nil {
		req.Signal = job.Options.Signal()
	}
	var reply PollReply
	if err := m.Call(ctx, RankServiceName+".Poll", req, &reply); err != nil {
		return false, err
	}
	for _, e := range reply.Events {
		switch {
		case e.Checkpoint != "":
			if job.Options.Checkpoint != nil {
				job.Options.Checkpoint(bigml.Checkpoint{JobID: job.ID, Iteration: e.Iteration, Key: e.Checkpoint, Timestamp: e.Time})
			}
		case job.Options.Progress != nil:
			job.Options.Progress(e.Iteration, kernel.Progress{Loss: e.Loss, Norm: e.Norm, Converged: e.Converged, Budget: e.Budget})
		}
	}
	return reply.Done, nil
}

// acquire reserves n machines for a job, starting new ones if the
// pool does not hold enough idle healthy machines.
func (r *MachineRunner) acquire(ctx context.Context, n int) ([]*machine, error) {
	now := time.Now()
	r.mu.Lock()
	var ms []*machine
	for _, m := range r.machines {
		if len(ms) == n {
			break
		}
		if m.busy {
			continue
		}
		switch m.health {
		case machineLost:
			continue
		case machineProbation:
			if now.Sub(m.since) < ProbationTimeout {
				continue
			}
			log.Printf("machine %s: removing from probation", m.Addr)
			m.health = machineOk
		}
		m.busy = true
		ms = append(ms, m)
	}
	r.mu.Unlock()
	if need := n - len(ms); need > 0 {
		started, err := r.start(ctx, need)
		if err != nil {
			r.release(ms, nil)
			return nil, err
		}
		ms = append(ms, started...)
	}
	return ms, nil
}

// start starts n machines and returns them once they are running.
func (r *MachineRunner) start(ctx context.Context, n int) ([]*machine, error) {
	params := append([]bigmachine.Param{bigmachine.Services{
		comm.ServiceName: &comm.Service{},
		RankServiceName:  &RankService{},
	}}, r.params...)
	machines, err := r.b.Start(ctx, n, params...)
	if err != nil {
		return nil, bigml.E(bigml.Transport, "starting machines", err)
	}
	var (
		started = make([]*machine, len(machines))
		wg      sync.WaitGroup
	)
	for i, bm := range machines {
		i, bm := i, bm
		wg.Add(1)
		go func() {
			defer wg.Done()
			var task *status.Task
			if r.group != nil {
				task = r.group.Start()
				task.Print("waiting for machine to boot")
			}
			select {
			case <-bm.Wait(bigmachine.Running):
			case <-ctx.Done():
			}
			if err := bm.Err(); err != nil || ctx.Err() != nil {
				log.Error.Printf("machine %s failed to start: %v", bm.Addr, err)
				if task != nil {
					task.Printf("failed to start: %v", err)
					task.Done()
				}
				bm.Cancel()
				return
			}
			if task != nil {
				task.Title(bm.Addr)
				task.Print("running")
			}
			log.Printf("machine %s is ready", bm.Addr)
			started[i] = &machine{Machine: bm, status: task, busy: true}
		}()
	}
	wg.Wait()
	var ms []*machine
	for _, m := range started {
		if m != nil {
			ms = append(ms, m)
			go r.watch(m)
		}
	}
	r.mu.Lock()
	r.machines = append(r.machines, ms...)
	r.mu.Unlock()
	if len(ms) < n {
		r.release(ms, nil)
		return nil, bigml.E(bigml.Transport, fmt.Sprintf("started %d of %d machines", len(ms), n))
	}
	return ms, nil
}

// watch marks m lost when it stops.
func (r *MachineRunner) watch(m *machine) {
	<-m.Wait(bigmachine.Stopped)
	log.Error.Printf("machine %s stopped: %v", m.Addr, m.Err())
	r.mu.Lock()
	m.health = machineLost
	r.mu.Unlock()
	if m.status != nil {
		m.status.Print("lost")
		m.status.Done()
	}
}

// release returns ms to the pool. Machines whose rank failed with a
// transport error are put on probation.
func (r *MachineRunner) release(ms []*machine, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range ms {
		m.busy = false
		if errs == nil || errs[i] == nil || !bigml.Is(bigml.Transport, errs[i]) || m.health == machineLost {
			continue
		}
		log.Error.Printf("machine %s: putting on probation: %v", m.Addr, errs[i])
		m.health = machineProbation
		m.since = time.Now()
	}
}

// Machines returns the number of machines in the pool that are not
// lost.
func (r *MachineRunner) Machines() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, m := range r.machines {
		if m.health != machineLost {
			n++
		}
	}
	return n
}

// Sample implements Sampler: it reports the highest memory and load
// utilisation, and the total capacity, of the pool's live machines.
func (r *MachineRunner) Sample(ctx context.Context) (Sample, error) {
	r.mu.Lock()
	var ms []*machine
	for _, m := range r.machines {
		if m.health != machineLost {
			ms = append(ms, m)
		}
	}
	r.mu.Unlock()
	var (
		mems  = make([]bigmachine.MemInfo, len(ms))
		loads = make([]bigmachine.LoadInfo, len(ms))
		errs  = make([]error, len(ms))
		g     errgroup.Group
	)
	for i, m := range ms {
		i, m := i, m
		g.Go(func() error {
			var err error
			if mems[i], err = m.MemInfo(ctx, false); err != nil {
				errs[i] = err
				return nil
			}
			loads[i], errs[i] = m.LoadInfo(ctx)
			return nil
		})
	}
	_ = g.Wait()
	var (
		sample Sample
		procs  = r.b.System().Maxprocs()
	)
	for i, m := range ms {
		if errs[i] != nil {
			log.Printf("machine %s: stats: %v", m.Addr, errs[i])
			continue
		}
		sample.Mem = max(sample.Mem, mems[i].System.UsedPercent)
		if procs > 0 {
			sample.CPU = max(sample.CPU, clampPercent(100*loads[i].Averages.Load1/float64(procs)))
		}
		sample.Cores += procs
		sample.FreeMemory += mems[i].System.Available
		if m.status != nil {
			m.status.Printf("mem %s/%s load %.1f/%.1f/%.1f",
				data.Size(mems[i].System.Used), data.Size(mems[i].System.Total),
				loads[i].Averages.Load1, loads[i].Averages.Load5, loads[i].Averages.Load15)
		}
	}
	return sample, nil
}

// RunRequest asks a machine to run one rank of a job.
type RunRequest struct {
	JobID string
	// Group names the job's communicator; its members are hosted at
	// Addrs, one per rank.
	Group            string
	Rank             int
	Addrs            []string
	Desc             bigml.Descriptor
	Store            string
	CheckpointPrefix string
	Recovery         string
}

// RunReply is the outcome of a rank.
type RunReply struct {
	State      bigml.State
	Iteration  int
	Result     *bigml.Result
	Checkpoint string
}

// PollRequest fetches the events of rank 0 of a job and forwards the
// job's signal to it.
type PollRequest struct {
	Group  string
	Signal kernel.Signal
}

// PollReply carries rank 0's events since the previous poll. Done
// is set once the rank has returned.
type PollReply struct {
	Events []Event
	Done   bool
}

// An Event is an iteration or a checkpoint of rank 0.
type Event struct {
	Iteration  int
	Loss, Norm float64
	Converged  bool
	Budget     int
	// Checkpoint is the key of a checkpoint written at Iteration,
	// or empty for iteration events.
	Checkpoint string
	Time       time.Time
}

// rankJob is the state of rank 0 of a job hosted by a machine.
type rankJob struct {
	mu     sync.Mutex
	signal kernel.Signal
	events []Event
	done   bool
}

func (j *rankJob) Signal() kernel.Signal {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.signal
}

func (j *rankJob) add(e Event) {
	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

// RankService is the bigmachine service that runs job ranks.
type RankService struct {
	// Exported satisfies gob, which requires an exported field.
	Exported struct{}

	b      *bigmachine.B
	mu     sync.Mutex
	stores map[string]*storage.Store
	jobs   map[string]*rankJob
}

// Init implements bigmachine's service initialization.
func (s *RankService) Init(b *bigmachine.B) error {
	s.b = b
	s.stores = make(map[string]*storage.Store)
	s.jobs = make(map[string]*rankJob)
	return nil
}

func (s *RankService) store(url string) (*storage.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.stores[url]; st != nil {
		return st, nil
	}
	st, err := storage.Open(url)
	if err != nil {
		return nil, err
	}
	s.stores[url] = st
	return st, nil
}

func (s *RankService) job(group string) *rankJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[group]
	if j == nil {
		j = new(rankJob)
		s.jobs[group] = j
	}
	return j
}

// Run runs a rank of a job.
func (s *RankService) Run(ctx context.Context, req RunRequest, reply *RunReply) error {
	store, err := s.store(req.Store)
	if err != nil {
		return err
	}
	c := comm.Join(req.Group, req.Rank, len(req.Addrs), comm.NewMachineTransport(s.b, req.Group, req.Rank, req.Addrs))
	defer comm.Leave(req.Group, req.Rank)
	opts := kernel.Options{CheckpointPrefix: req.CheckpointPrefix, Recovery: req.Recovery}
	if req.Rank == 0 {
		j := s.job(req.Group)
		defer func() {
			j.mu.Lock()
			j.done = true
			j.mu.Unlock()
		}()
		opts.Signal = j.Signal
		opts.Progress = func(iter int, p kernel.Progress) {
			j.add(Event{Iteration: iter, Loss: p.Loss, Norm: p.Norm, Converged: p.Converged, Budget: p.Budget, Time: time.Now()})
		}
		opts.Checkpoint = func(ck bigml.Checkpoint) {
			j.add(Event{Iteration: ck.Iteration, Checkpoint: ck.Key, Time: ck.Timestamp})
		}
	}
	out, err := kernel.RunRank(ctx, store, req.JobID, req.Desc, c, opts)
	if err != nil {
		return err
	}
	*reply = RunReply{State: out.State, Iteration: out.Iteration, Result: out.Result, Checkpoint: out.Checkpoint}
	return nil
}

// Poll returns the events of rank 0 of a job since the previous
// poll, and updates the job's signal. A job is forgotten once a poll
// has observed it done. Signals sent before the rank starts are
// dropped; callers send the current signal with every poll.
func (s *RankService) Poll(ctx context.Context, req PollRequest, reply *PollReply) error {
	s.mu.Lock()
	j := s.jobs[req.Group]
	s.mu.Unlock()
	if j == nil {
		// Not yet started, or already observed done.
		return nil
	}
	j.mu.Lock()
	if req.Signal != kernel.None && j.signal != kernel.Cancel {
		j.signal = req.Signal
	}
	reply.Events, j.events = j.events, nil
	reply.Done = j.done
	j.mu.Unlock()
	if reply.Done {
		s.mu.Lock()
		delete(s.jobs, req.Group)
		s.mu.Unlock()
	}
	return nil
}
