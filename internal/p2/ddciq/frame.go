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

package ddciq

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/kd4yal2024/Saturn/internal/p2/p2const"
)

// Frame layout on the DMA stream: one 8-byte header word whose byte 7 is the
// sync marker and whose low 32 bits are the rate word, then frameLength
// 8-byte payload slots. Samples occupy consecutive slots from the first
// payload slot, grouped per DDC in ascending DDC order; each slot carries 3
// bytes of I and 3 bytes of Q followed by 2 bytes of padding. frameLength
// counts two slots per sample, and the slots after the last sample are
// skipped unread.
const (
	headerBytes = 8
	slotBytes   = 8
	sampleBytes = 6

	// syncScanStart is where the sync scan begins inside the first burst.
	// The first two slots after a FIFO reset can hold stale words.
	syncScanStart = 16
)

// parse consumes as many complete frames as the DMA ring holds. A trailing
// partial frame stays in the ring; the caller's compact preserves it for the
// next burst.
func (p *Pipeline) parse() error {
	if !p.headerFound {
		if err := p.acquireSync(); err != nil {
			return err
		}
	}
	for {
		readable := p.dma.ReadableLen()
		if readable < 2*slotBytes {
			return nil
		}
		span := p.dma.ReadableSpan()
		if span[slotBytes-1] != p2const.SyncByte {
			return fmt.Errorf("%w: found %#02x", ErrFramingLost, span[slotBytes-1])
		}
		rateWord := binary.LittleEndian.Uint32(span[0:4])
		if rateWord != p.prevRateWord {
			p.frameLength = p.decode(rateWord, &p.ddcCounts)
			p.prevRateWord = rateWord
			slog.Debug("DDC rate word changed", "rateWord", fmt.Sprintf("%#08x", rateWord),
				"frameLength", p.frameLength)
		}
		frameBytes := int(p.frameLength+1) * slotBytes
		if readable < frameBytes {
			return nil
		}
		if err := p.scatterFrame(span[headerBytes:frameBytes]); err != nil {
			return err
		}
		if err := p.dma.Consume(frameBytes); err != nil {
			return fmt.Errorf("frame consume failed: %w", err)
		}
	}
}

// acquireSync looks for the first header word in an unsynchronized stream:
// a sync byte at byte 7 of an 8-byte slot. Failing to find one anywhere in
// the burst means the FPGA is not producing recognizable framing, which is
// fatal (spurious data would otherwise be demultiplexed into the streams).
func (p *Pipeline) acquireSync() error {
	span := p.dma.ReadableSpan()
	for off := syncScanStart; off+slotBytes <= len(span); off += slotBytes {
		if span[off+slotBytes-1] == p2const.SyncByte {
			p.headerFound = true
			if err := p.dma.Consume(off); err != nil {
				return fmt.Errorf("sync skip failed: %w", err)
			}
			slog.Debug("DDC stream sync acquired", "offset", off)
			return nil
		}
	}
	return ErrNoSyncFound
}

// scatterFrame distributes one frame's payload into the per-DDC rings. Each
// sample is taken from the first 6 bytes of its slot; the slot's remaining 2
// bytes are dropped. DDCs with a zero count contribute nothing.
func (p *Pipeline) scatterFrame(payload []byte) error {
	off := 0
	for ddc := 0; ddc < p2const.NumDDC; ddc++ {
		count := int(p.ddcCounts[ddc])
		if count == 0 {
			continue
		}
		dst := p.iq[ddc].WritableSpan()
		if len(dst) < count*sampleBytes {
			return fmt.Errorf("%w: DDC %d needs %d bytes", ErrRingFull, ddc, count*sampleBytes)
		}
		written := 0
		for i := 0; i < count; i++ {
			copy(dst[written:written+sampleBytes], payload[off:off+sampleBytes])
			written += sampleBytes
			off += slotBytes
		}
		if err := p.iq[ddc].AdvanceHead(written); err != nil {
			return fmt.Errorf("DDC %d ring overrun: %w", ddc, err)
		}
	}
	return nil
}
