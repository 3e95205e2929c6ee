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
	"sync/atomic"

	"github.com/kd4yal2024/Saturn/internal/p2/p2const"
)

// State is the pipeline driver state, published for the status API.
type State int32

const (
	StateIdle State = iota
	StateArming
	StateStreaming
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArming:
		return "arming"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// stats holds the pipeline's published counters. The pipeline goroutine
// writes; the status API reads.
type stats struct {
	state      atomic.Int32
	depthWords atomic.Uint32
	packets    [p2const.NumDDC]atomic.Uint64
}

func (s *stats) setState(state State) {
	s.state.Store(int32(state))
}

// Snapshot is a point-in-time view of the pipeline for the status API.
type Snapshot struct {
	State          string   `json:"state"`
	FIFODepthWords uint32   `json:"fifoDepthWords"`
	PacketsSent    []uint64 `json:"packetsSent"`
}

// Snapshot returns the pipeline's published state. Safe to call from any
// goroutine.
func (p *Pipeline) Snapshot() Snapshot {
	snap := Snapshot{
		State:          State(p.stats.state.Load()).String(),
		FIFODepthWords: p.stats.depthWords.Load(),
		PacketsSent:    make([]uint64, p2const.NumDDC),
	}
	for ddc := 0; ddc < p2const.NumDDC; ddc++ {
		snap.PacketsSent[ddc] = p.stats.packets[ddc].Load()
	}
	return snap
}
