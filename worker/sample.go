// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/bigml"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// A Sample is a measurement of a worker's resources. Utilisations
// are percentages in [0, 100].
type Sample struct {
	CPU, Mem, Net float64
	Cores         int
	FreeMemory    uint64
}

func (s Sample) String() string {
	return fmt.Sprintf("cpu %.0f%% mem %.0f%% net %.0f%% cores %d free %s",
		s.CPU, s.Mem, s.Net, s.Cores, data.Size(s.FreeMemory))
}

// A Sampler measures resource utilisation.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// DefaultNetCapacity is the link capacity, in bytes per second,
// against which SystemSampler computes network utilisation.
const DefaultNetCapacity = 125e6

// SystemSampler samples the host's CPU, memory and network
// utilisation.
type SystemSampler struct {
	// NetCapacity is the link capacity in bytes per second. Zero
	// means DefaultNetCapacity.
	NetCapacity float64

	mu       sync.Mutex
	lastNet  uint64
	lastTime time.Time
}

// Sample implements Sampler. CPU utilisation is measured since the
// previous call, as is network throughput; the first call reports
// no network utilisation.
func (s *SystemSampler) Sample(ctx context.Context) (Sample, error) {
	var sample Sample
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return sample, bigml.E(bigml.Unknown, "sample cpu", err)
	}
	if len(pct) > 0 {
		sample.CPU = pct[0]
	}
	if sample.Cores, err = cpu.CountsWithContext(ctx, true); err != nil {
		return sample, bigml.E(bigml.Unknown, "sample cpu count", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return sample, bigml.E(bigml.Unknown, "sample memory", err)
	}
	sample.Mem = vm.UsedPercent
	sample.FreeMemory = vm.Available
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return sample, bigml.E(bigml.Unknown, "sample network", err)
	}
	var total uint64
	for _, c := range counters {
		total += c.BytesSent + c.BytesRecv
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastTime.IsZero() && total >= s.lastNet {
		capacity := s.NetCapacity
		if capacity <= 0 {
			capacity = DefaultNetCapacity
		}
		rate := float64(total-s.lastNet) / now.Sub(s.lastTime).Seconds()
		sample.Net = clampPercent(100 * rate / capacity)
	}
	s.lastNet, s.lastTime = total, now
	return sample, nil
}

// Combine returns a sampler that reports the highest utilisations
// and the total capacity of the provided samplers. Samplers that
// fail are skipped; Combine fails only if all of them do.
func Combine(samplers ...Sampler) Sampler {
	return combined(samplers)
}

type combined []Sampler

func (c combined) Sample(ctx context.Context) (Sample, error) {
	var (
		out     Sample
		lastErr error
		ok      bool
	)
	for _, s := range c {
		sample, err := s.Sample(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		ok = true
		out.CPU = max(out.CPU, sample.CPU)
		out.Mem = max(out.Mem, sample.Mem)
		out.Net = max(out.Net, sample.Net)
		out.Cores += sample.Cores
		out.FreeMemory += sample.FreeMemory
	}
	if !ok && lastErr != nil {
		return out, lastErr
	}
	return out, nil
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
