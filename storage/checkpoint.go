// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigml"
	"github.com/grailbio/bigml/wire"
)

const iterFormat = "iter-%08d"

// CheckpointKey returns the key of the checkpoint of job jobID at
// the provided iteration, under prefix. Keys of a job's checkpoints
// sort by iteration.
func CheckpointKey(prefix, jobID string, iteration int) string {
	return path.Join(prefix, jobID, fmt.Sprintf(iterFormat, iteration))
}

// SaveCheckpoint persists ck at key. The checkpoint is first written
// to a temporary key and then renamed, so that readers never
// observe a partially written checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, key string, ck bigml.Checkpoint) error {
	tmp := path.Join(path.Dir(key), ".tmp-"+uuid.New().String())
	if err := s.put(ctx, tmp, wire.EncodeCheckpoint(ck)); err != nil {
		return err
	}
	if err := s.rename(ctx, tmp, key); err != nil {
		if derr := s.backend.Delete(ctx, tmp); derr != nil {
			log.Error.Printf("storage: discard temporary checkpoint %s: %v", tmp, derr)
		}
		return err
	}
	log.Debug.Printf("storage: saved checkpoint %s (job %s iteration %d)", key, ck.JobID, ck.Iteration)
	return nil
}

// LoadCheckpoint loads the checkpoint stored at key. The returned
// checkpoint's Key is set to key.
func (s *Store) LoadCheckpoint(ctx context.Context, key string) (bigml.Checkpoint, error) {
	b, err := s.get(ctx, key)
	if err != nil {
		return bigml.Checkpoint{}, err
	}
	ck, err := wire.DecodeCheckpoint(b)
	if err != nil {
		return bigml.Checkpoint{}, bigml.E(bigml.Decode, fmt.Sprintf("storage: load checkpoint %s", key), err)
	}
	ck.Key = key
	return ck, nil
}

// LatestCheckpoint returns the key and iteration of the most recent
// checkpoint of job jobID under prefix. It fails with a NotFound
// error if the job has no checkpoints.
func (s *Store) LatestCheckpoint(ctx context.Context, prefix, jobID string) (key string, iteration int, err error) {
	dir := path.Join(prefix, jobID) + "/"
	keys, err := s.List(ctx, dir)
	if err != nil {
		return "", 0, err
	}
	iteration = -1
	for _, k := range keys {
		name := strings.TrimPrefix(k, dir)
		var iter int
		if _, err := fmt.Sscanf(name, iterFormat, &iter); err != nil || name != fmt.Sprintf(iterFormat, iter) {
			continue
		}
		if iter > iteration {
			key, iteration = k, iter
		}
	}
	if iteration < 0 {
		return "", 0, bigml.E(bigml.NotFound, fmt.Sprintf("storage: no checkpoints for job %s under %s", jobID, prefix))
	}
	return key, iteration, nil
}

// DeleteCheckpoints removes every checkpoint of job jobID under
// prefix.
func (s *Store) DeleteCheckpoints(ctx context.Context, prefix, jobID string) error {
	keys, err := s.List(ctx, path.Join(prefix, jobID)+"/")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil && !bigml.Is(bigml.NotFound, err) {
			return err
		}
	}
	return nil
}
