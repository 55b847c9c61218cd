// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire implements the binary encoding of messages exchanged
// between ranks and of the artefacts written to storage. Every
// message is a fixed-size header (kind u32, source i32, dest i32,
// tag i32, data length u64) followed by the payload. All values are
// little-endian. Decoding failures are reported as errors of kind
// bigml.Decode.
package wire

import (
	"fmt"
	"io"

	"github.com/grailbio/bigml"
)

// Kind is the kind of a message.
type Kind uint32

const (
	// KindLength is the length frame that precedes every payload
	// frame in the communicator's two-frame send protocol.
	KindLength Kind = iota
	// KindData is an opaque payload, used by collectives and plain
	// point-to-point sends.
	KindData
	KindJobSubmit
	KindJobStatus
	KindDataPartition
	KindComputationResult
	KindSyncRequest
	KindSyncResponse
	KindHeartbeat
	KindNodeFailure
	KindCheckpoint
	KindRecovery
	// KindRegister announces a worker to the scheduler.
	KindRegister

	maxKind
)

var kindNames = [...]string{
	KindLength:            "length",
	KindData:              "data",
	KindJobSubmit:         "job-submit",
	KindJobStatus:         "job-status",
	KindDataPartition:     "data-partition",
	KindComputationResult: "computation-result",
	KindSyncRequest:       "sync-request",
	KindSyncResponse:      "sync-response",
	KindHeartbeat:         "heartbeat",
	KindNodeFailure:       "node-failure",
	KindCheckpoint:        "checkpoint",
	KindRecovery:          "recovery",
	KindRegister:          "register",
}

func (k Kind) String() string {
	if k >= maxKind {
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
	return kindNames[k]
}

// Valid tells whether k is a known message kind.
func (k Kind) Valid() bool { return k < maxKind }

// HeaderSize is the size of an encoded header in bytes.
const HeaderSize = 24

// MaxPayload is the largest payload accepted by the decoder.
// Headers that claim larger payloads are considered corrupt.
const MaxPayload = 1 << 30

// Header is the fixed-size prefix of every message.
type Header struct {
	Kind   Kind
	Source int32
	Dest   int32
	Tag    int32
	Len    uint64
}

// Encode writes h into b, which must be at least HeaderSize bytes.
func (h Header) Encode(b []byte) {
	Order.PutUint32(b[0:], uint32(h.Kind))
	Order.PutUint32(b[4:], uint32(h.Source))
	Order.PutUint32(b[8:], uint32(h.Dest))
	Order.PutUint32(b[12:], uint32(h.Tag))
	Order.PutUint64(b[16:], h.Len)
}

// DecodeHeader decodes and checks a header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, bigml.E(bigml.Decode, fmt.Sprintf("wire: short header (%d bytes)", len(b)))
	}
	h := Header{
		Kind:   Kind(Order.Uint32(b[0:])),
		Source: int32(Order.Uint32(b[4:])),
		Dest:   int32(Order.Uint32(b[8:])),
		Tag:    int32(Order.Uint32(b[12:])),
		Len:    Order.Uint64(b[16:]),
	}
	if !h.Kind.Valid() {
		return Header{}, bigml.E(bigml.Decode, fmt.Sprintf("wire: corrupt header: unknown kind %d", uint32(h.Kind)))
	}
	if h.Len > MaxPayload {
		return Header{}, bigml.E(bigml.Decode, fmt.Sprintf("wire: corrupt header: payload length %d", h.Len))
	}
	return h, nil
}

// Message is a typed message: a kind, its source and destination
// ranks, a tag, and an opaque payload.
type Message struct {
	Kind    Kind
	Source  int
	Dest    int
	Tag     int
	Payload []byte
}

// Header returns the message's header.
func (m Message) Header() Header {
	return Header{
		Kind:   m.Kind,
		Source: int32(m.Source),
		Dest:   int32(m.Dest),
		Tag:    int32(m.Tag),
		Len:    uint64(len(m.Payload)),
	}
}

func (m Message) String() string {
	return fmt.Sprintf("%s %d->%d tag %d (%d bytes)", m.Kind, m.Source, m.Dest, m.Tag, len(m.Payload))
}

// Marshal returns the encoding of m: its header followed by its
// payload.
func Marshal(m Message) []byte {
	b := make([]byte, HeaderSize+len(m.Payload))
	m.Header().Encode(b)
	copy(b[HeaderSize:], m.Payload)
	return b
}

// Unmarshal decodes a message encoded by Marshal. The payload
// length must match the header exactly.
func Unmarshal(b []byte) (Message, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Message{}, err
	}
	if got, want := uint64(len(b)-HeaderSize), h.Len; got != want {
		return Message{}, bigml.E(bigml.Decode, fmt.Sprintf("wire: payload is %d bytes, header claims %d", got, want))
	}
	return Message{
		Kind:    h.Kind,
		Source:  int(h.Source),
		Dest:    int(h.Dest),
		Tag:     int(h.Tag),
		Payload: append([]byte(nil), b[HeaderSize:]...),
	}, nil
}

// WriteMessage writes the encoding of m to w.
func WriteMessage(w io.Writer, m Message) error {
	var hdr [HeaderSize]byte
	m.Header().Encode(hdr[:])
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(m.Payload)
	return err
}

// ReadMessage reads a single message from r. It returns io.EOF if r
// is exhausted before the first header byte; a truncated header or
// payload is a decode error.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Message{}, bigml.E(bigml.Decode, "wire: truncated header")
		}
		return Message{}, err
	}
	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return Message{}, err
	}
	payload := make([]byte, h.Len)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Message{}, bigml.E(bigml.Decode, fmt.Sprintf("wire: truncated %s payload", h.Kind))
		}
		return Message{}, err
	}
	return Message{
		Kind:    h.Kind,
		Source:  int(h.Source),
		Dest:    int(h.Dest),
		Tag:     int(h.Tag),
		Payload: payload,
	}, nil
}

// EncodeLength returns the payload of a length frame announcing n
// payload bytes.
func EncodeLength(n int) []byte {
	b := make([]byte, 8)
	Order.PutUint64(b, uint64(n))
	return b
}

// DecodeLength decodes the payload of a length frame.
func DecodeLength(b []byte) (int, error) {
	if len(b) != 8 {
		return 0, bigml.E(bigml.Decode, fmt.Sprintf("wire: length frame of %d bytes", len(b)))
	}
	n := Order.Uint64(b)
	if n > MaxPayload {
		return 0, bigml.E(bigml.Decode, fmt.Sprintf("wire: announced length %d", n))
	}
	return int(n), nil
}
