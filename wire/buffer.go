// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/grailbio/bigml"
)

// Order is the byte order of every encoded value.
var Order = binary.LittleEndian

// A Writer appends encoded primitive values to a buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity for n bytes.
func NewWriter(n int) *Writer {
	return &Writer{buf: make([]byte, 0, n)}
}

// Bytes returns the encoded bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of encoded bytes.
func (w *Writer) Len() int { return len(w.buf) }

// PutUint8 appends v.
func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

// PutBool appends v as a single byte.
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
}

// PutUint32 appends v.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	Order.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt32 appends v.
func (w *Writer) PutInt32(v int32) { w.PutUint32(uint32(v)) }

// PutUint64 appends v.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	Order.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt64 appends v.
func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

// PutFloat64 appends the IEEE 754 representation of v.
func (w *Writer) PutFloat64(v float64) { w.PutUint64(math.Float64bits(v)) }

// PutFloat64s appends the values in vs without a length prefix.
func (w *Writer) PutFloat64s(vs []float64) {
	for _, v := range vs {
		w.PutFloat64(v)
	}
}

// PutString appends s, prefixed by its u32 length.
func (w *Writer) PutString(s string) {
	w.PutUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// PutStrings appends ss, prefixed by their u32 count.
func (w *Writer) PutStrings(ss []string) {
	w.PutUint32(uint32(len(ss)))
	for _, s := range ss {
		w.PutString(s)
	}
}

// PutBytes appends b, prefixed by its u64 length.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint64(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// PutRaw appends b verbatim.
func (w *Writer) PutRaw(b []byte) { w.buf = append(w.buf, b...) }

// PutTime appends t as nanoseconds since the Unix epoch. The zero
// time is encoded as 0.
func (w *Writer) PutTime(t time.Time) {
	if t.IsZero() {
		w.PutInt64(0)
		return
	}
	w.PutInt64(t.UnixNano())
}

// PutDuration appends d in nanoseconds.
func (w *Writer) PutDuration(d time.Duration) { w.PutInt64(int64(d)) }

// A Reader decodes primitive values from a buffer. Errors are
// sticky: after the first failure every read returns a zero value
// and Err returns a decode error.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first error encountered by the reader.
func (r *Reader) Err() error { return r.err }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// Done returns the reader's error, or a decode error if unread
// bytes remain.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if n := r.Len(); n != 0 {
		return bigml.E(bigml.Decode, fmt.Sprintf("wire: %d trailing bytes", n))
	}
	return nil
}

// Fail records a decode error unless an error was already recorded.
func (r *Reader) Fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = bigml.E(bigml.Decode, "wire: "+fmt.Sprintf(format, args...))
	}
}

func (r *Reader) next(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Len() < n {
		r.Fail("truncated %s: need %d bytes, have %d", what, n, r.Len())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Uint8 decodes a byte.
func (r *Reader) Uint8() uint8 {
	b := r.next(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

// Bool decodes a boolean byte.
func (r *Reader) Bool() bool {
	switch v := r.Uint8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.Fail("invalid boolean %d", v)
		return false
	}
}

// Uint32 decodes a u32.
func (r *Reader) Uint32() uint32 {
	b := r.next(4, "uint32")
	if b == nil {
		return 0
	}
	return Order.Uint32(b)
}

// Int32 decodes an i32.
func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

// Uint64 decodes a u64.
func (r *Reader) Uint64() uint64 {
	b := r.next(8, "uint64")
	if b == nil {
		return 0
	}
	return Order.Uint64(b)
}

// Int64 decodes an i64.
func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

// Float64 decodes a double.
func (r *Reader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

// Float64s decodes n doubles.
func (r *Reader) Float64s(n int) []float64 {
	if n < 0 || n > r.Len()/8 {
		r.Fail("truncated doubles: need %d, have %d bytes", n, r.Len())
		return nil
	}
	vs := make([]float64, n)
	for i := range vs {
		vs[i] = r.Float64()
	}
	return vs
}

// Str decodes a u32-length-prefixed string.
func (r *Reader) Str() string {
	n := r.Uint32()
	b := r.next(int(n), "string")
	if b == nil {
		return ""
	}
	return string(b)
}

// Strings decodes a u32-count-prefixed list of strings.
func (r *Reader) Strings() []string {
	n := r.Uint32()
	if r.err != nil {
		return nil
	}
	// Each string takes at least 4 bytes.
	if int(n) > r.Len()/4 {
		r.Fail("truncated strings: %d entries in %d bytes", n, r.Len())
		return nil
	}
	if n == 0 {
		return nil
	}
	ss := make([]string, n)
	for i := range ss {
		ss[i] = r.Str()
	}
	return ss
}

// Bytes decodes a u64-length-prefixed byte slice. The returned
// slice is a copy.
func (r *Reader) Bytes() []byte {
	n := r.Uint64()
	if r.err != nil {
		return nil
	}
	if n > uint64(r.Len()) {
		r.Fail("truncated bytes: need %d, have %d", n, r.Len())
		return nil
	}
	b := r.next(int(n), "bytes")
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Raw decodes n bytes verbatim.
func (r *Reader) Raw(n int) []byte {
	return r.next(n, "raw bytes")
}

// Time decodes a time written by PutTime.
func (r *Reader) Time() time.Time {
	ns := r.Int64()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Duration decodes a duration written by PutDuration.
func (r *Reader) Duration() time.Duration { return time.Duration(r.Int64()) }
