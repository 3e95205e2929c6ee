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

// Package micaudio implements the outgoing microphone audio stream: 16-bit
// mono samples pulled from the mic DMA FIFO and sent as protocol 2 mic
// datagrams. It is a much simpler sibling of the DDC I/Q path; the mic
// stream has no framing, so bytes map to packets directly.
package micaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kd4yal2024/Saturn/internal/fpga"
	"github.com/kd4yal2024/Saturn/internal/metrics"
	"github.com/kd4yal2024/Saturn/internal/p2"
	"github.com/kd4yal2024/Saturn/internal/p2/p2const"
)

// ErrNoReplyAddr is returned when the stream starts with no destination set.
var ErrNoReplyAddr = errors.New("micaudio: no reply address configured")

// Hardware is the slice of the FPGA device the mic stream uses.
type Hardware interface {
	ReadMicStream(dst []byte) error
	ReadFIFOMonitor(ch fpga.MonitorChannel) (fpga.FIFOStatus, error)
	SetupFIFOMonitorChannel(ch fpga.MonitorChannel, enableInterrupt bool) error
	ResetDMAStreamFIFO(ch fpga.MonitorChannel) error
}

// Sender is the sending half of the mic UDP socket.
type Sender interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

const (
	idleSleep     = 100 * time.Microsecond
	fifoPollSleep = 500 * time.Microsecond

	burstBytes = 2 * p2const.MicSamplesPerPacket
	burstWords = burstBytes / 8
)

// Pipeline owns the outgoing mic audio stream.
type Pipeline struct {
	hw        Hardware
	conn      Sender
	replyAddr func() *net.UDPAddr
	state     *p2.State
	m         *metrics.Metrics

	burst []byte
	pkt   []byte
	seq   uint32
	dest  *net.UDPAddr
}

// New builds a mic pipeline sending on conn to the address replyAddr yields
// at each stream start.
func New(hw Hardware, conn Sender, replyAddr func() *net.UDPAddr, state *p2.State, m *metrics.Metrics) (*Pipeline, error) {
	burst, err := fpga.AlignedBuffer(burstBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate mic DMA buffer: %w", err)
	}
	return &Pipeline{
		hw:        hw,
		conn:      conn,
		replyAddr: replyAddr,
		state:     state,
		m:         m,
		burst:     burst,
		pkt:       make([]byte, p2const.MicPacketSize),
	}, nil
}

// Run drives the mic stream until the context is cancelled or a fatal error
// occurs.
func (p *Pipeline) Run(ctx context.Context) error {
	defer func() {
		if err := fpga.FreeAlignedBuffer(p.burst); err != nil {
			slog.Error("Failed to free mic DMA buffer", "error", err)
		}
		p.burst = nil
		slog.Info("Outgoing mic audio pipeline terminated")
	}()
	if err := p.hw.SetupFIFOMonitorChannel(fpga.MicDMA, false); err != nil {
		return fmt.Errorf("failed to set up mic FIFO monitor: %w", err)
	}
	if err := p.hw.ResetDMAStreamFIFO(fpga.MicDMA); err != nil {
		return fmt.Errorf("failed to reset mic FIFO: %w", err)
	}
	for {
		for !p.state.SDRActive.Load() {
			if ctx.Err() != nil {
				return nil
			}
			time.Sleep(idleSleep)
		}
		dest := p.replyAddr()
		if dest == nil {
			return ErrNoReplyAddr
		}
		addr := *dest
		addr.Port = p2const.MicDataPort
		p.dest = &addr
		p.seq = 0
		slog.Info("Starting outgoing mic audio stream")
		if err := p.stream(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		slog.Info("Outgoing mic audio stream stopped")
	}
}

func (p *Pipeline) stream(ctx context.Context) error {
	for p.state.SDRActive.Load() {
		if ctx.Err() != nil {
			return nil
		}
		status, err := p.hw.ReadFIFOMonitor(fpga.MicDMA)
		if err != nil {
			return fmt.Errorf("failed to read mic FIFO monitor: %w", err)
		}
		if status.OverThreshold {
			p.state.LatchOverflow(p2.OverflowMic)
		}
		if status.DepthWords < burstWords {
			time.Sleep(fifoPollSleep)
			continue
		}
		if err := p.hw.ReadMicStream(p.burst); err != nil {
			return fmt.Errorf("mic stream read failed: %w", err)
		}
		binary.BigEndian.PutUint32(p.pkt[0:4], p.seq)
		p.seq++
		copy(p.pkt[4:], p.burst)
		if _, err := p.conn.WriteToUDP(p.pkt, p.dest); err != nil {
			return fmt.Errorf("failed to send mic datagram (seq %d): %w", p.seq-1, err)
		}
		p.m.RecordMicPacket()
	}
	return nil
}
