// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a Backend that keeps values in process memory.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
	times  map[string]time.Time
}

// NewMemory returns a fresh, empty memory backend.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
		times:  make(map[string]time.Time),
	}
}

var named = struct {
	sync.Mutex
	m map[string]*Memory
}{m: make(map[string]*Memory)}

// NamedMemory returns the process-global memory backend with the
// provided name, creating it if needed. Every worker and scheduler
// in the process that opens mem://name shares the backend.
func NamedMemory(name string) *Memory {
	named.Lock()
	defer named.Unlock()
	m := named.m[name]
	if m == nil {
		m = NewMemory()
		named.m[name] = m
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.values[key]
	if !ok {
		return nil, notFound("get", key)
	}
	return append([]byte(nil), p...), nil
}

func (m *Memory) Put(ctx context.Context, key string, p []byte) error {
	if err := checkKey("put", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte{}, p...)
	m.times[key] = time.Now()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		return notFound("delete", key)
	}
	delete(m.values, key)
	delete(m.times, key)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Rename(ctx context.Context, from, to string) error {
	if err := checkKey("rename", to); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.values[from]
	if !ok {
		return notFound("rename", from)
	}
	m.values[to] = p
	m.times[to] = m.times[from]
	delete(m.values, from)
	delete(m.times, from)
	return nil
}

func (m *Memory) Stat(ctx context.Context, key string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.values[key]
	if !ok {
		return Info{}, notFound("stat", key)
	}
	return Info{Size: int64(len(p)), ModTime: m.times[key]}, nil
}

// Close is a no-op: named backends outlive their users.
func (m *Memory) Close() error { return nil }
