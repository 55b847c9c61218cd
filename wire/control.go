// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"sort"

	"github.com/grailbio/bigml"
)

// PutDescriptor appends the encoding of a job descriptor.
func (w *Writer) PutDescriptor(d bigml.Descriptor) {
	w.PutUint32(uint32(d.Kind))
	w.PutString(d.Input)
	w.PutString(d.Output)
	w.PutUint32(uint32(d.Partitioning))
	w.PutInt32(int32(d.Ranks))
	w.PutInt32(int32(d.MaxIterations))
	w.PutFloat64(d.Tolerance)
	w.PutFloat64(d.LearningRate)
	w.PutUint32(uint32(d.Regularization.Type))
	w.PutFloat64(d.Regularization.Lambda)
	keys := make([]string, 0, len(d.Params))
	for k := range d.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.PutUint32(uint32(len(keys)))
	for _, k := range keys {
		w.PutString(k)
		w.PutString(d.Params[k])
	}
	w.PutInt32(int32(d.CheckpointInterval))
	w.PutDuration(d.IterationTimeout)
	w.PutInt32(int32(d.Cores))
	w.PutInt64(d.MemoryBytes)
}

// Descriptor decodes a job descriptor. The descriptor is not
// validated.
func (r *Reader) Descriptor() bigml.Descriptor {
	var d bigml.Descriptor
	d.Kind = bigml.JobKind(r.Uint32())
	d.Input = r.Str()
	d.Output = r.Str()
	d.Partitioning = bigml.Strategy(r.Uint32())
	d.Ranks = int(r.Int32())
	d.MaxIterations = int(r.Int32())
	d.Tolerance = r.Float64()
	d.LearningRate = r.Float64()
	d.Regularization.Type = bigml.Regularizer(r.Uint32())
	d.Regularization.Lambda = r.Float64()
	n := r.Uint32()
	if r.err == nil && int(n) > r.Len()/8 {
		r.Fail("truncated parameters: %d entries in %d bytes", n, r.Len())
	}
	if r.err == nil && n > 0 {
		d.Params = make(map[string]string, n)
		for i := 0; i < int(n) && r.err == nil; i++ {
			k := r.Str()
			d.Params[k] = r.Str()
		}
	}
	d.CheckpointInterval = int(r.Int32())
	d.IterationTimeout = r.Duration()
	d.Cores = int(r.Int32())
	d.MemoryBytes = r.Int64()
	return d
}

// EncodeDescriptor returns the encoding of d.
func EncodeDescriptor(d bigml.Descriptor) []byte {
	w := NewWriter(128)
	w.PutDescriptor(d)
	return w.Bytes()
}

// DecodeDescriptor decodes a descriptor encoded by EncodeDescriptor.
func DecodeDescriptor(b []byte) (bigml.Descriptor, error) {
	r := NewReader(b)
	d := r.Descriptor()
	return d, r.Done()
}

func (w *Writer) putAssignment(a bigml.Assignment) {
	w.PutString(a.JobID)
	w.PutDescriptor(a.Descriptor)
	w.PutString(a.Recovery)
	w.PutInt32(int32(a.Attempt))
}

func (r *Reader) assignment() bigml.Assignment {
	var a bigml.Assignment
	a.JobID = r.Str()
	a.Descriptor = r.Descriptor()
	a.Recovery = r.Str()
	a.Attempt = int(r.Int32())
	return a
}

func (w *Writer) putResult(res bigml.Result) {
	w.PutString(res.JobID)
	w.PutString(res.WorkerID)
	w.PutUint32(uint32(res.Kind))
	w.PutInt32(int32(res.Iteration))
	w.PutBool(res.Converged)
	w.PutBytes(res.Model)
	w.PutFloat64(res.Loss)
	w.PutFloat64(res.Accuracy)
	w.PutDuration(res.Elapsed)
	w.PutUint32(uint32(len(res.History)))
	for _, h := range res.History {
		w.PutInt32(int32(h.Iteration))
		w.PutFloat64(h.Loss)
		w.PutFloat64(h.Norm)
	}
	keys := make([]string, 0, len(res.Metrics))
	for k := range res.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.PutUint32(uint32(len(keys)))
	for _, k := range keys {
		w.PutString(k)
		w.PutFloat64(res.Metrics[k])
	}
}

func (r *Reader) result() bigml.Result {
	var res bigml.Result
	res.JobID = r.Str()
	res.WorkerID = r.Str()
	res.Kind = bigml.JobKind(r.Uint32())
	res.Iteration = int(r.Int32())
	res.Converged = r.Bool()
	res.Model = r.Bytes()
	res.Loss = r.Float64()
	res.Accuracy = r.Float64()
	res.Elapsed = r.Duration()
	n := r.Uint32()
	if r.err == nil && int(n) > r.Len()/20 {
		r.Fail("truncated history: %d entries in %d bytes", n, r.Len())
	}
	if r.err == nil && n > 0 {
		res.History = make([]bigml.HistoryEntry, n)
		for i := range res.History {
			res.History[i] = bigml.HistoryEntry{
				Iteration: int(r.Int32()),
				Loss:      r.Float64(),
				Norm:      r.Float64(),
			}
		}
	}
	n = r.Uint32()
	if r.err == nil && int(n) > r.Len()/12 {
		r.Fail("truncated metrics: %d entries in %d bytes", n, r.Len())
	}
	if r.err == nil && n > 0 {
		res.Metrics = make(map[string]float64, n)
		for i := 0; i < int(n) && r.err == nil; i++ {
			k := r.Str()
			res.Metrics[k] = r.Float64()
		}
	}
	return res
}

// Encode returns the message kind and payload of a control message.
// The value must be one of the control message types of package
// bigml: Assignment (job-submit), StatusUpdate (job-status), Result
// (computation-result), Heartbeat, CheckpointNotice, Recovery,
// NodeFailure, StealRequest (sync-request), StealResponse
// (sync-response), or WorkerInfo (register).
func Encode(v interface{}) (Kind, []byte, error) {
	w := NewWriter(64)
	var kind Kind
	switch m := v.(type) {
	case bigml.Assignment:
		kind = KindJobSubmit
		w.putAssignment(m)
	case bigml.StatusUpdate:
		kind = KindJobStatus
		w.PutString(m.JobID)
		w.PutString(m.WorkerID)
		w.PutUint32(uint32(m.State))
		w.PutFloat64(m.Progress)
		w.PutInt32(int32(m.Iteration))
		w.PutString(m.Message)
		w.PutString(m.Err)
		w.PutUint32(uint32(m.ErrKind))
	case bigml.Result:
		kind = KindComputationResult
		w.putResult(m)
	case bigml.Heartbeat:
		kind = KindHeartbeat
		w.PutString(m.WorkerID)
		w.PutFloat64(m.CPU)
		w.PutFloat64(m.Mem)
		w.PutFloat64(m.Net)
		w.PutStrings(m.Jobs)
		w.PutStrings(m.Resident)
		w.PutInt32(int32(m.Cores))
		w.PutUint64(m.FreeMemory)
		w.PutTime(m.Time)
	case bigml.CheckpointNotice:
		kind = KindCheckpoint
		w.PutString(m.JobID)
		w.PutInt32(int32(m.Iteration))
		w.PutString(m.Key)
	case bigml.Recovery:
		kind = KindRecovery
		w.PutString(m.JobID)
		w.PutString(m.Key)
	case bigml.NodeFailure:
		kind = KindNodeFailure
		w.PutString(m.WorkerID)
	case bigml.StealRequest:
		kind = KindSyncRequest
		w.PutString(m.WorkerID)
	case bigml.StealResponse:
		kind = KindSyncResponse
		w.PutBool(m.OK)
		w.putAssignment(m.Assignment)
	case bigml.WorkerInfo:
		kind = KindRegister
		w.PutString(m.ID)
		w.PutInt32(int32(m.Rank))
		w.PutString(m.Host)
		w.PutInt32(int32(m.Cores))
		w.PutUint64(m.FreeMemory)
		w.PutInt32(int32(m.MaxJobs))
	default:
		return 0, nil, bigml.E(bigml.Protocol, fmt.Sprintf("wire: cannot encode %T", v))
	}
	return kind, w.Bytes(), nil
}

// Decode decodes the payload of a control message of the given
// kind. It returns a value of the type documented by Encode.
func Decode(kind Kind, payload []byte) (interface{}, error) {
	r := NewReader(payload)
	var v interface{}
	switch kind {
	case KindJobSubmit:
		v = r.assignment()
	case KindJobStatus:
		var m bigml.StatusUpdate
		m.JobID = r.Str()
		m.WorkerID = r.Str()
		m.State = bigml.State(r.Uint32())
		m.Progress = r.Float64()
		m.Iteration = int(r.Int32())
		m.Message = r.Str()
		m.Err = r.Str()
		m.ErrKind = bigml.Kind(r.Uint32())
		v = m
	case KindComputationResult:
		v = r.result()
	case KindHeartbeat:
		var m bigml.Heartbeat
		m.WorkerID = r.Str()
		m.CPU = r.Float64()
		m.Mem = r.Float64()
		m.Net = r.Float64()
		m.Jobs = r.Strings()
		m.Resident = r.Strings()
		m.Cores = int(r.Int32())
		m.FreeMemory = r.Uint64()
		m.Time = r.Time()
		v = m
	case KindCheckpoint:
		var m bigml.CheckpointNotice
		m.JobID = r.Str()
		m.Iteration = int(r.Int32())
		m.Key = r.Str()
		v = m
	case KindRecovery:
		var m bigml.Recovery
		m.JobID = r.Str()
		m.Key = r.Str()
		v = m
	case KindNodeFailure:
		v = bigml.NodeFailure{WorkerID: r.Str()}
	case KindSyncRequest:
		v = bigml.StealRequest{WorkerID: r.Str()}
	case KindSyncResponse:
		var m bigml.StealResponse
		m.OK = r.Bool()
		m.Assignment = r.assignment()
		v = m
	case KindRegister:
		var m bigml.WorkerInfo
		m.ID = r.Str()
		m.Rank = int(r.Int32())
		m.Host = r.Str()
		m.Cores = int(r.Int32())
		m.FreeMemory = r.Uint64()
		m.MaxJobs = int(r.Int32())
		v = m
	default:
		return nil, bigml.E(bigml.Decode, fmt.Sprintf("wire: %s is not a control message", kind))
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return v, nil
}
