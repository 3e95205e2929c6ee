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

import "github.com/kd4yal2024/Saturn/internal/p2/p2const"

// AnalyseDDCHeader decodes the 32-bit rate word at the start of every DDC
// frame into per-DDC I/Q pair counts.
//
// The rate word packs one 3-bit field per DDC, field d at bits [3d, 3d+2].
// A zero field means the DDC contributes nothing to the frame; a value k in
// [1,5] means 2^(k-1) I/Q pairs. Each pair occupies two 8-byte payload slots,
// so the returned frame length, in 8-byte words excluding the header word,
// is twice the total pair count.
func AnalyseDDCHeader(rateWord uint32, counts *[p2const.NumDDC]uint32) uint32 {
	var frameLength uint32
	for ddc := 0; ddc < p2const.NumDDC; ddc++ {
		field := (rateWord >> uint(3*ddc)) & 0x7
		if field == 0 {
			counts[ddc] = 0
			continue
		}
		counts[ddc] = 1 << (field - 1)
		frameLength += counts[ddc] * 2
	}
	return frameLength
}

// MakeDDCRateWord builds a rate word from per-DDC pair counts. Counts must be
// zero or a power of two no greater than 16; it is the inverse of
// AnalyseDDCHeader and exists for the test harnesses and diagnostics.
func MakeDDCRateWord(counts [p2const.NumDDC]uint32) uint32 {
	var word uint32
	for ddc, count := range counts {
		if count == 0 {
			continue
		}
		field := uint32(1)
		for count > 1 {
			count >>= 1
			field++
		}
		word |= field << uint(3*ddc)
	}
	return word
}
