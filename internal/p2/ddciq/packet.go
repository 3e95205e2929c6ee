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

	"github.com/kd4yal2024/Saturn/internal/p2/p2const"
)

// Outgoing I/Q datagram layout (1444 bytes):
//
//	offset 0   u32 big-endian sequence number, per DDC
//	offset 4   8 bytes timestamp, always zero
//	offset 12  u16 big-endian sample bit depth (24)
//	offset 14  u16 big-endian samples per packet (238)
//	offset 16  238 samples x 6 bytes, verbatim from the DDC ring
const (
	packetSeqOffset     = 0
	packetTimeOffset    = 4
	packetBitsOffset    = 12
	packetSamplesOffset = 14
	packetPayloadOffset = 16
)

// drainDDC emits datagrams while the DDC ring holds MORE than one frame of
// samples. The strict comparison is deliberate: a packet goes out only once a
// full frame plus at least one extra byte is buffered, matching the radio's
// established behavior on the wire.
func (p *Pipeline) drainDDC(ddc int) error {
	buf := p.iq[ddc]
	for buf.ReadableLen() > p2const.IQBytesPerFrame {
		pkt := p.packet[ddc]
		binary.BigEndian.PutUint32(pkt[packetSeqOffset:], p.seq[ddc])
		p.seq[ddc]++
		for i := packetTimeOffset; i < packetBitsOffset; i++ {
			pkt[i] = 0
		}
		binary.BigEndian.PutUint16(pkt[packetBitsOffset:], p2const.IQBitDepth)
		binary.BigEndian.PutUint16(pkt[packetSamplesOffset:], p2const.IQSamplesPerFrame)
		copy(pkt[packetPayloadOffset:], buf.ReadableSpan()[:p2const.IQBytesPerFrame])
		if err := buf.Consume(p2const.IQBytesPerFrame); err != nil {
			return fmt.Errorf("DDC %d payload consume failed: %w", ddc, err)
		}
		if _, err := p.conn[ddc].WriteToUDP(pkt, p.dest[ddc]); err != nil {
			p.m.RecordSendError()
			return fmt.Errorf("failed to send DDC %d datagram (seq %d): %w", ddc, p.seq[ddc]-1, err)
		}
		if p.startupCount != 0 {
			p.startupCount--
		}
		p.stats.packets[ddc].Add(1)
		p.m.RecordIQPacket(ddc, p2const.IQBytesPerFrame)
	}
	return nil
}
