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

package fpga

// FIFOStatus is the decoded form of a FIFO monitor status word.
type FIFOStatus struct {
	// DepthWords is the FIFO fill level in 8-byte words.
	DepthWords uint32
	// OverThreshold is set while the fill level is above the programmed
	// warning threshold.
	OverThreshold bool
	// Overflow is the latched FIFO overflow flag; cleared by a FIFO reset.
	Overflow bool
	// Underflow is the latched FIFO underflow flag; cleared by a FIFO reset.
	Underflow bool
	// CurrentLevel is the instantaneous fill level reported by the monitor,
	// in its own coarse units; used only for diagnostics.
	CurrentLevel uint32
}

// Status word layout:
//
//	bits  0-15  fill depth in 8-byte words
//	bit  16     over threshold
//	bit  17     overflow (latched)
//	bit  18     underflow (latched)
//	bits 20-31  current level (diagnostic)
const (
	fifoDepthMask        = 0x0000FFFF
	fifoOverThresholdBit = 1 << 16
	fifoOverflowBit      = 1 << 17
	fifoUnderflowBit     = 1 << 18
	fifoCurrentShift     = 20
)

// DecodeFIFOStatus unpacks a raw monitor register value.
func DecodeFIFOStatus(raw uint32) FIFOStatus {
	return FIFOStatus{
		DepthWords:    raw & fifoDepthMask,
		OverThreshold: raw&fifoOverThresholdBit != 0,
		Overflow:      raw&fifoOverflowBit != 0,
		Underflow:     raw&fifoUnderflowBit != 0,
		CurrentLevel:  raw >> fifoCurrentShift,
	}
}
