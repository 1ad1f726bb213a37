// Copyright 2026 The vdmtel Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ring provides a bounded, drop-oldest frame buffer that decouples the
// simulation tick rate from the rate at which consumers read frames.
//
// Producers call Push once per tick; consumers either poll Latest for the newest
// frame or Drain a window of recent frames and track Seq themselves. Every
// operation runs under a single mutex and is O(1) apart from the copy Drain makes.
package ring

import (
	"encoding/json"
	"sync"
)

// Frame is one header+payload telemetry update. A Frame is owned by the buffer once
// pushed and must be treated as immutable by readers.
type Frame struct {
	Tick    int64
	Header  map[string]any
	Payload []byte
	// Seq is assigned by the buffer, starts at 1 and strictly increases.
	Seq uint64
}

// Buffer is a bounded, thread-safe ring of frames.
type Buffer struct {
	mu      sync.Mutex
	frames  []Frame
	head    int // index of the oldest frame
	count   int
	seq     uint64
	dropped uint64
}

// New creates a buffer holding at most capacity frames. A capacity below 1 is
// treated as 1.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{frames: make([]Frame, capacity)}
}

// Push appends a frame and returns its sequence id. When the buffer is full the
// oldest frame is evicted and the drop counter is incremented. The header map is
// shallow-copied and the payload copied so that callers may reuse their buffers.
func (b *Buffer) Push(tick int64, header map[string]any, payload []byte) uint64 {
	hdr := make(map[string]any, len(header))
	for k, v := range header {
		hdr[k] = v
	}
	var data []byte
	if len(payload) > 0 {
		data = make([]byte, len(payload))
		copy(data, payload)
	} else {
		data = []byte{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	capacity := len(b.frames)
	if b.count == capacity {
		b.frames[b.head] = Frame{}
		b.head = (b.head + 1) % capacity
		b.count--
		b.dropped++
	}
	idx := (b.head + b.count) % capacity
	b.frames[idx] = Frame{Tick: tick, Header: hdr, Payload: data, Seq: b.seq}
	b.count++
	return b.seq
}

// PushAny is Push for loosely typed producers. Byte-like payloads ([]byte, string,
// json.RawMessage) are accepted; anything else is stored as an empty payload so a
// misbehaving producer can never block or crash the tick loop.
func (b *Buffer) PushAny(tick int64, header map[string]any, payload any) uint64 {
	return b.Push(tick, header, coercePayload(payload))
}

func coercePayload(v any) []byte {
	switch p := v.(type) {
	case []byte:
		return p
	case json.RawMessage:
		return p
	case string:
		return []byte(p)
	default:
		return nil
	}
}

// Latest returns the most recent frame without mutating the buffer.
func (b *Buffer) Latest() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return Frame{}, false
	}
	return b.frames[(b.head+b.count-1)%len(b.frames)], true
}

// LatestSeq returns the sequence id of the newest frame, or 0 when empty.
func (b *Buffer) LatestSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0
	}
	return b.seq
}

// Drain returns up to max of the newest frames ordered oldest to newest. It does
// not remove anything; a max of zero or less returns every retained frame.
func (b *Buffer) Drain(max int) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]Frame, 0, n)
	start := b.count - n
	for i := start; i < b.count; i++ {
		out = append(out, b.frames[(b.head+i)%len(b.frames)])
	}
	return out
}

// Since returns the retained frames with Seq greater than seq, oldest first,
// capped at max when max is positive (the newest are kept).
func (b *Buffer) Since(seq uint64, max int) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Frame
	for i := 0; i < b.count; i++ {
		f := b.frames[(b.head+i)%len(b.frames)]
		if f.Seq > seq {
			out = append(out, f)
		}
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// Size returns the number of retained frames.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int {
	return len(b.frames)
}

// Dropped returns how many frames were evicted due to overflow since creation.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
