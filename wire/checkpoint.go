// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/grailbio/bigml"
)

const (
	checkpointMagic   = 0x4b434d42 // "BMCK"
	checkpointVersion = 1
	artifactMagic     = 0x414c4d42 // "BMLA"
)

// EncodeEnvelope returns the checkpoint envelope of ck:
// (job_id_len u32, job_id, iteration i32, state_len u64, state,
// timestamp u64). The timestamp is in nanoseconds since the Unix
// epoch.
func EncodeEnvelope(ck bigml.Checkpoint) []byte {
	w := NewWriter(4 + len(ck.JobID) + 4 + 8 + len(ck.State) + 8)
	w.PutString(ck.JobID)
	w.PutInt32(int32(ck.Iteration))
	w.PutBytes(ck.State)
	var ts uint64
	if !ck.Timestamp.IsZero() {
		ts = uint64(ck.Timestamp.UnixNano())
	}
	w.PutUint64(ts)
	return w.Bytes()
}

// DecodeEnvelope decodes a checkpoint envelope.
func DecodeEnvelope(b []byte) (bigml.Checkpoint, error) {
	r := NewReader(b)
	var ck bigml.Checkpoint
	ck.JobID = r.Str()
	ck.Iteration = int(r.Int32())
	ck.State = r.Bytes()
	if ts := r.Uint64(); ts != 0 {
		ck.Timestamp = time.Unix(0, int64(ts))
	}
	return ck, r.Done()
}

// EncodeCheckpoint returns the checkpoint file for ck: the envelope
// wrapped in a container that carries a magic number, a version, and
// a CRC-32 of the envelope.
func EncodeCheckpoint(ck bigml.Checkpoint) []byte {
	env := EncodeEnvelope(ck)
	w := NewWriter(len(env) + 12)
	w.PutUint32(checkpointMagic)
	w.PutUint32(checkpointVersion)
	w.PutRaw(env)
	w.PutUint32(crc32.ChecksumIEEE(env))
	return w.Bytes()
}

// DecodeCheckpoint decodes a checkpoint file. Corrupt files fail
// with a decode error.
func DecodeCheckpoint(b []byte) (bigml.Checkpoint, error) {
	if len(b) < 12 {
		return bigml.Checkpoint{}, bigml.E(bigml.Decode, fmt.Sprintf("wire: checkpoint file of %d bytes", len(b)))
	}
	if magic := Order.Uint32(b); magic != checkpointMagic {
		return bigml.Checkpoint{}, bigml.E(bigml.Decode, fmt.Sprintf("wire: bad checkpoint magic %x", magic))
	}
	if version := Order.Uint32(b[4:]); version != checkpointVersion {
		return bigml.Checkpoint{}, bigml.E(bigml.Decode, fmt.Sprintf("wire: unsupported checkpoint version %d", version))
	}
	env := b[8 : len(b)-4]
	if got, want := crc32.ChecksumIEEE(env), Order.Uint32(b[len(b)-4:]); got != want {
		return bigml.Checkpoint{}, bigml.E(bigml.Decode, fmt.Sprintf("wire: checkpoint checksum mismatch: %x != %x", got, want))
	}
	return DecodeEnvelope(env)
}

// ArtifactType is the type of a stored artefact.
type ArtifactType uint8

const (
	// ArtifactMatrix is a matrix payload.
	ArtifactMatrix ArtifactType = iota + 1
	// ArtifactVector is a vector payload.
	ArtifactVector
	// ArtifactDataset is a dataset: a matrix payload of features, a
	// boolean, and, if the boolean is set, a vector payload of
	// labels.
	ArtifactDataset
	// ArtifactModel is a serialized model produced by a job.
	ArtifactModel
)

func (t ArtifactType) String() string {
	switch t {
	case ArtifactMatrix:
		return "matrix"
	case ArtifactVector:
		return "vector"
	case ArtifactDataset:
		return "dataset"
	case ArtifactModel:
		return "model"
	}
	return fmt.Sprintf("ArtifactType(%d)", uint8(t))
}

// EncodeArtifact wraps a payload in the storage container:
// (magic u32, type u8, payload with u64 length, crc32 u32).
func EncodeArtifact(typ ArtifactType, payload []byte) []byte {
	w := NewWriter(len(payload) + 17)
	w.PutUint32(artifactMagic)
	w.PutUint8(uint8(typ))
	w.PutBytes(payload)
	w.PutUint32(crc32.ChecksumIEEE(payload))
	return w.Bytes()
}

// DecodeArtifact unwraps a storage container.
func DecodeArtifact(b []byte) (ArtifactType, []byte, error) {
	r := NewReader(b)
	if magic := r.Uint32(); r.Err() == nil && magic != artifactMagic {
		r.Fail("bad artifact magic %x", magic)
	}
	typ := ArtifactType(r.Uint8())
	payload := r.Bytes()
	sum := r.Uint32()
	if err := r.Done(); err != nil {
		return 0, nil, err
	}
	if got := crc32.ChecksumIEEE(payload); got != sum {
		return 0, nil, bigml.E(bigml.Decode, fmt.Sprintf("wire: artifact checksum mismatch: %x != %x", got, sum))
	}
	return typ, payload, nil
}
