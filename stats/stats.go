// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named counters and timers for accounting
// communicator operations, scheduler events and worker activity.
// Collections are safe for concurrent use, and can be snapshotted
// and merged.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Values is a snapshot of the counters in a collection.
type Values map[string]int64

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values, len(v))
	for k, x := range v {
		w[k] = x
	}
	return w
}

// String returns the values in this snapshot sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters and timers keyed by name.
type Map struct {
	mu     sync.Mutex
	ints   map[string]*Int
	timers map[string]*Timer
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{
		ints:   make(map[string]*Int),
		timers: make(map[string]*Timer),
	}
}

// Int returns the counter with the provided name. The counter is
// created if it does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	v := m.ints[name]
	if v == nil {
		v = new(Int)
		m.ints[name] = v
	}
	m.mu.Unlock()
	return v
}

// Timer returns the timer with the provided name. The timer is
// created if it does not already exist.
func (m *Map) Timer(name string) *Timer {
	m.mu.Lock()
	t := m.timers[name]
	if t == nil {
		t = new(Timer)
		m.timers[name] = t
	}
	m.mu.Unlock()
	return t
}

// AddAll adds all counters in the map to the provided snapshot.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for k, v := range m.ints {
		vals[k] += v.Get()
	}
	m.mu.Unlock()
}

// Timers returns a snapshot of every timer in the map.
func (m *Map) Timers() map[string]TimerValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]TimerValue, len(m.timers))
	for k, t := range m.timers {
		snap[k] = t.Value()
	}
	return snap
}

// Reset zeroes every counter and timer in the map.
func (m *Map) Reset() {
	m.mu.Lock()
	for _, v := range m.ints {
		v.Set(0)
	}
	for _, t := range m.timers {
		t.reset()
	}
	m.mu.Unlock()
}

// An Int is a integer counter. Ints can be atomically
// incremented and set.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}

// A Timer accumulates the durations of repeated operations, along
// with the number of bytes they moved and the number that failed.
type Timer struct {
	mu    sync.Mutex
	value TimerValue
}

// TimerValue is a snapshot of a Timer.
type TimerValue struct {
	Calls  int64
	Errors int64
	Bytes  int64
	Total  time.Duration
	Max    time.Duration
}

// Mean returns the mean duration of the timed operations.
func (v TimerValue) Mean() time.Duration {
	if v.Calls == 0 {
		return 0
	}
	return v.Total / time.Duration(v.Calls)
}

// Merge adds the values in u to v.
func (v *TimerValue) Merge(u TimerValue) {
	v.Calls += u.Calls
	v.Errors += u.Errors
	v.Bytes += u.Bytes
	v.Total += u.Total
	if u.Max > v.Max {
		v.Max = u.Max
	}
}

func (v TimerValue) String() string {
	return fmt.Sprintf("calls:%d errors:%d bytes:%d total:%s max:%s", v.Calls, v.Errors, v.Bytes, v.Total, v.Max)
}

// Observe records an operation that took d, moved n bytes, and
// failed if err is non-nil.
func (t *Timer) Observe(d time.Duration, n int, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.value.Calls++
	t.value.Total += d
	t.value.Bytes += int64(n)
	if d > t.value.Max {
		t.value.Max = d
	}
	if err != nil {
		t.value.Errors++
	}
	t.mu.Unlock()
}

// Start returns a function that, when called, records the elapsed
// time since Start was called.
func (t *Timer) Start() func(n int, err error) {
	start := time.Now()
	return func(n int, err error) {
		t.Observe(time.Since(start), n, err)
	}
}

// Value returns a snapshot of the timer.
func (t *Timer) Value() TimerValue {
	if t == nil {
		return TimerValue{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

func (t *Timer) reset() {
	t.mu.Lock()
	t.value = TimerValue{}
	t.mu.Unlock()
}
