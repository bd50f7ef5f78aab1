// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package chunk implements binary chunk framing, reassembly, and splitting
// for the binary notification channel.
//
// A chunk frame is a 2-byte little-endian unsigned sequence number followed
// by raw payload bytes. A transfer's total size is agreed out-of-band via the
// preceding command's response payload (a "bytes" field). Chunks for a single
// characteristic are assumed to arrive in send order without loss; sequence
// numbers are not used to reorder or deduplicate.
package chunk

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/OpenTela/TelaOS/pkg/errors"
)

// DefaultSize is the chunk payload size used for outgoing transfers.
// 250 bytes of payload plus the 2-byte header stays under the default
// BLE ATT payload after MTU exchange.
const DefaultSize = 250

// HeaderSize is the length of the sequence number prefix.
const HeaderSize = 2

// Encode frames one chunk: little-endian sequence number, then payload.
func Encode(seq uint16, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf, seq)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode splits a chunk frame into its sequence number and payload.
func Decode(data []byte) (uint16, []byte, error) {
	if len(data) < HeaderSize {
		return 0, nil, errors.ErrShortChunk
	}
	return binary.LittleEndian.Uint16(data), data[HeaderSize:], nil
}

// Split frames data into encoded chunks of at most size payload bytes each,
// with sequence numbers 0..n-1. The last chunk may be shorter.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultSize
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	var seq uint16
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Encode(seq, data[off:end]))
		seq++
	}
	return chunks
}

// Reassembler accumulates an ordered sequence of chunks into a complete
// payload of a declared size. At most one transfer is active at a time; the
// protocol serializes one binary transfer per command.
type Reassembler struct {
	mu       sync.Mutex
	buf      []byte
	expected int
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Begin resets state for a new transfer. A size of 0 means the total is not
// yet known; set it later with Expect once the command response arrives.
func (r *Reassembler) Begin(size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
	r.expected = size
}

// Expect declares the total size without clearing accumulated bytes. The
// watch starts streaming chunks immediately after answering the command, so
// the first chunks can land before the response payload has been read.
func (r *Reassembler) Expect(size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected = size
}

// OnChunk appends one chunk payload. Sequence 0 clears any existing buffer
// first as a defensive resync; beyond that the sequence number is not
// validated, relying on the transport's in-order delivery.
func (r *Reassembler) OnChunk(seq uint16, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq == 0 {
		r.buf = nil
	}
	r.buf = append(r.buf, payload...)
}

// Complete reports whether the declared size has been accumulated.
func (r *Reassembler) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected > 0 && len(r.buf) >= r.expected
}

// Received returns the number of bytes accumulated so far.
func (r *Reassembler) Received() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Take returns the completed payload, trimmed to the declared size, and
// discards the buffer. Returns ErrNoTransfer if the transfer is incomplete.
func (r *Reassembler) Take() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.expected == 0 || len(r.buf) < r.expected {
		return nil, errors.ErrNoTransfer
	}
	out := r.buf[:r.expected]
	r.buf = nil
	r.expected = 0
	return out, nil
}

// Await polls for completion under a bounded wait: attempts polls spaced by
// interval. Exhausting the attempts yields ErrTransferTimeout, reported
// distinctly from command timeouts; partial bytes are left for the caller to
// discard.
func (r *Reassembler) Await(ctx context.Context, interval time.Duration, attempts int) error {
	for i := 0; i < attempts; i++ {
		if r.Complete() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	if r.Complete() {
		return nil
	}
	return errors.ErrTransferTimeout
}
