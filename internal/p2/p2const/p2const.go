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

// Package p2const holds the HPSDR Protocol 2 wire constants and the fixed
// sizing of the Saturn DDC data path.
package p2const

// NumDDC is the number of digital down-converters in the Saturn FPGA.
const NumDDC = 10

// DDC I/Q egress sizing. The DMA ring and the per-DDC sample rings share the
// same capacity so a full DMA burst of samples for a single DDC always fits.
const (
	// DMABufferSize is the capacity of the DMA ring and each per-DDC ring.
	DMABufferSize = 131072
	// Alignment is the byte alignment the XDMA engine requires of host buffers.
	Alignment = 4096
	// BufferBase is the offset of logical zero inside each ring. The region
	// below it holds residue carried across a burst boundary, so it must be
	// at least one maximum residue long.
	BufferBase = 0x1000
	// MinDMATransfer is the smallest burst issued against the DDC stream.
	MinDMATransfer = 4096
)

// DDC I/Q packet layout (protocol 2 "high priority IQ" frame).
const (
	// DDCPacketSize is the size of every outgoing I/Q datagram.
	DDCPacketSize = 1444
	// IQSamplesPerFrame is the sample count carried in each datagram.
	IQSamplesPerFrame = 238
	// IQBytesPerFrame is the payload size: 24-bit I + 24-bit Q per sample.
	IQBytesPerFrame = 6 * IQSamplesPerFrame
	// IQBitDepth is the sample bit depth advertised in the packet header.
	IQBitDepth = 24
)

// SyncByte marks byte 7 of every header word on the DDC DMA stream.
const SyncByte = 0x80

// StartupDelay is the number of emitted packets during which FIFO
// over-threshold indications are suppressed while the stream ramps up.
const StartupDelay = 100

// Mic audio packet layout.
const (
	// MicSamplesPerPacket is the number of 16-bit samples per mic datagram.
	MicSamplesPerPacket = 64
	// MicPacketSize is 4 bytes of sequence plus the samples.
	MicPacketSize = 4 + 2*MicSamplesPerPacket
)

// Default protocol 2 port assignments. The radio sources DDC d from
// DDCDataPort+d unless a radio profile overrides the bound ports. Every DDC
// stream is sent to the configured reply address; the mic stream is sent to
// the reply host on MicDataPort.
const (
	DiscoveryPort = 1024
	DDCCommandPort = 1025
	MicDataPort    = 1026
	HighPrioPort   = 1027
	DDCDataPort    = 1035
)

// Stream identifiers used by the socket registry. DDC streams use their DDC
// index; auxiliary streams follow.
const (
	StreamDDC0 = 0
	StreamMic  = NumDDC
)
