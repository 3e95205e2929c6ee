// SPDX-License-Identifier: GPL-3.0-or-later
// Saturn - HPSDR Protocol 2 gateway for the Saturn SDR
// Copyright (C) 2024-2026 Laurence Barker G8NJJ
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/kd4yal2024/Saturn>

// Package ring implements the linear sample buffer used on the Saturn DMA
// data path. It is not a classic circular buffer: data is appended at the
// head until the buffer end, and a compaction step moves any unconsumed
// residue into a slack region below the logical base. The active region
// therefore always restarts at the base, and the bytes copied per compaction
// are bounded by one partial frame rather than by the buffered data.
package ring

import "errors"

var (
	// ErrBufferFull indicates an append past the end of the buffer.
	ErrBufferFull = errors.New("ring: head advance past end of buffer")
	// ErrShortBuffer indicates the buffer cannot hold the requested base offset.
	ErrShortBuffer = errors.New("ring: buffer smaller than base offset")
	// ErrBadConsume indicates a consume of more bytes than are readable.
	ErrBadConsume = errors.New("ring: consume past head")
	// ErrResidueOverflow indicates a residue larger than the pre-base slack.
	ErrResidueOverflow = errors.New("ring: residue exceeds slack region")
)

// Buffer is a byte buffer with a logical data window starting at base.
// Invariant: base <= read <= head <= len(buf), except transiently after
// Compact, which may move read below base to absorb residue. Bytes in
// [read, head) are live.
type Buffer struct {
	buf  []byte
	base int
	read int
	head int
}

// New wraps buf as a ring with the given base offset. The caller sizes the
// slack region by its choice of base; base must be positive and no larger
// than the buffer itself.
func New(buf []byte, base int) (*Buffer, error) {
	if base <= 0 || base > len(buf) {
		return nil, ErrShortBuffer
	}
	return &Buffer{buf: buf, base: base, read: base, head: base}, nil
}

// Reset discards all data and returns the pointers to the base.
func (b *Buffer) Reset() {
	b.read = b.base
	b.head = b.base
}

// WritableSpan returns the unused region between the head and the end of the
// buffer. The producer fills a prefix of it and calls AdvanceHead.
func (b *Buffer) WritableSpan() []byte {
	return b.buf[b.head:]
}

// AdvanceHead marks n more bytes as produced.
func (b *Buffer) AdvanceHead(n int) error {
	if b.head+n > len(b.buf) {
		return ErrBufferFull
	}
	b.head += n
	return nil
}

// ReadableLen returns the number of live bytes.
func (b *Buffer) ReadableLen() int {
	return b.head - b.read
}

// ReadableSpan returns the live bytes [read, head). The slice is only valid
// until the next Compact or Reset.
func (b *Buffer) ReadableSpan() []byte {
	return b.buf[b.read:b.head]
}

// Consume marks n bytes as read.
func (b *Buffer) Consume(n int) error {
	if n < 0 || n > b.ReadableLen() {
		return ErrBadConsume
	}
	b.read += n
	return nil
}

// Compact moves any residue into the slack region below the base so the next
// producer span starts at the base again. A residue longer than the slack
// region is an error; the DDC frame format bounds residue to one partial
// frame, which the base offset is sized for.
func (b *Buffer) Compact() error {
	if b.read <= b.base {
		return nil
	}
	residue := b.head - b.read
	if residue > b.base {
		return ErrResidueOverflow
	}
	if residue != 0 {
		copy(b.buf[b.base-residue:b.base], b.buf[b.read:b.head])
		b.read = b.base - residue
	} else {
		b.read = b.base
	}
	b.head = b.base
	return nil
}

// Base returns the base offset, for callers sizing their own scans.
func (b *Buffer) Base() int {
	return b.base
}

// Cap returns the total capacity of the underlying buffer.
func (b *Buffer) Cap() int {
	return len(b.buf)
}
