// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lru implements a bounded set of keys with least-recently
// used eviction.
package lru

import (
	"container/list"
	"sync"
)

// Set is a bounded set of string keys. When the set is full, adding
// a key evicts the least recently added or touched key. Sets are
// safe for concurrent use.
type Set struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	elems    map[string]*list.Element
}

// New returns a set holding at most capacity keys. A non-positive
// capacity yields an unbounded set.
func New(capacity int) *Set {
	return &Set{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[string]*list.Element),
	}
}

// Add adds key to the set, making it the most recently used key. It
// returns the key evicted to make room, if any.
func (s *Set) Add(key string) (evicted string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.elems[key]; e != nil {
		s.order.MoveToFront(e)
		return "", false
	}
	s.elems[key] = s.order.PushFront(key)
	if s.capacity <= 0 || s.order.Len() <= s.capacity {
		return "", false
	}
	e := s.order.Back()
	s.order.Remove(e)
	evicted = e.Value.(string)
	delete(s.elems, evicted)
	return evicted, true
}

// Touch marks key as most recently used. It reports whether the key
// is in the set.
func (s *Set) Touch(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.elems[key]
	if e != nil {
		s.order.MoveToFront(e)
	}
	return e != nil
}

// Contains tells whether key is in the set, without affecting its
// recency.
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.elems[key]
	return ok
}

// Remove removes key from the set.
func (s *Set) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.elems[key]; e != nil {
		s.order.Remove(e)
		delete(s.elems, key)
	}
}

// Len returns the number of keys in the set.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Keys returns the keys of the set, most recently used first.
func (s *Set) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Replace replaces the contents of the set with keys, the first
// being the most recently used. Keys beyond the set's capacity are
// dropped.
func (s *Set) Replace(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.elems = make(map[string]*list.Element)
	for _, k := range keys {
		if s.capacity > 0 && s.order.Len() == s.capacity {
			break
		}
		if _, ok := s.elems[k]; ok {
			continue
		}
		s.elems[k] = s.order.PushBack(k)
	}
}
