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

// Package ddciq implements the outgoing DDC I/Q data path: DMA bursts from
// the FPGA sample FIFO are demultiplexed into per-DDC sample rings and sent
// as protocol 2 high-priority I/Q datagrams.
//
// The whole path runs as one cooperative loop on a dedicated goroutine. Each
// streaming iteration drains the per-DDC rings to UDP first, then pulls the
// next DMA burst and parses it, so freshly produced samples always find ring
// space and sequence numbers go out before the parse extends the rings.
package ddciq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kd4yal2024/Saturn/internal/fpga"
	"github.com/kd4yal2024/Saturn/internal/metrics"
	"github.com/kd4yal2024/Saturn/internal/p2"
	"github.com/kd4yal2024/Saturn/internal/p2/p2const"
	"github.com/kd4yal2024/Saturn/internal/ring"
)

var (
	// ErrNoSyncFound is returned when a whole DMA burst contains no sync byte
	// during sync acquisition. The FPGA is not producing the framing we
	// understand and there is no safe recovery without a FIFO reset.
	ErrNoSyncFound = errors.New("ddciq: no sync byte found in DMA stream")
	// ErrFramingLost is returned when the sync byte is absent at an expected
	// frame header position mid-stream.
	ErrFramingLost = errors.New("ddciq: sync byte missing at frame header")
	// ErrNoReplyAddr is returned when a stream starts before the control path
	// has recorded a reply address.
	ErrNoReplyAddr = errors.New("ddciq: no reply address configured")
	// ErrRingFull is returned when a burst or frame cannot fit its ring.
	ErrRingFull = errors.New("ddciq: ring buffer full")
)

// Hardware is the slice of the FPGA device the pipeline drives.
type Hardware interface {
	ReadDDCStream(dst []byte) error
	ReadFIFOMonitor(ch fpga.MonitorChannel) (fpga.FIFOStatus, error)
	SetRXDDCEnabled(enabled bool) error
	SetupFIFOMonitorChannel(ch fpga.MonitorChannel, enableInterrupt bool) error
	ResetDMAStreamFIFO(ch fpga.MonitorChannel) error
}

// PacketConn is the sending half of a UDP socket. *net.UDPConn satisfies it.
type PacketConn interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// ConnProvider hands the pipeline its sockets and destination. The socket
// registry backs it in the daemon; tests use in-memory fakes.
type ConnProvider interface {
	// DDCConn returns the socket for one DDC stream.
	DDCConn(ddc int) PacketConn
	// ApplyPortChanges rebinds sockets with pending port changes. The
	// pipeline calls it only while idle.
	ApplyPortChanges() error
	// ReplyAddr returns the destination for outgoing streams, nil if unset.
	ReplyAddr() *net.UDPAddr
	// SetDDCActive reports per-DDC streaming state back to the registry.
	SetDDCActive(ddc int, active bool)
}

// RateDecoder decodes a frame rate word into per-DDC pair counts and returns
// the frame length in 8-byte words excluding the header word.
type RateDecoder func(rateWord uint32, counts *[p2const.NumDDC]uint32) uint32

const (
	idleSleep     = 100 * time.Microsecond
	fifoPollSleep = 500 * time.Microsecond

	// initialRateWord never matches a real rate word, forcing a decode on
	// the first frame of every stream.
	initialRateWord = 0xFFFFFFFF
)

// Pipeline owns the DDC I/Q data path. All mutable fields are touched only
// by the goroutine running Run; Snapshot reads the published atomics.
type Pipeline struct {
	hw     Hardware
	conns  ConnProvider
	state  *p2.State
	m      *metrics.Metrics
	decode RateDecoder

	dmaBuf []byte
	dma    *ring.Buffer
	iq     [p2const.NumDDC]*ring.Buffer
	packet [p2const.NumDDC][]byte
	conn   [p2const.NumDDC]PacketConn
	dest   [p2const.NumDDC]*net.UDPAddr
	seq    [p2const.NumDDC]uint32

	headerFound  bool
	prevRateWord uint32
	frameLength  uint32
	ddcCounts    [p2const.NumDDC]uint32
	transferSize int
	startupCount uint32

	stats stats
}

// New allocates the DMA ring (page aligned, as the XDMA engine requires) and
// the per-DDC rings, all sized once for the life of the pipeline.
func New(hw Hardware, conns ConnProvider, state *p2.State, m *metrics.Metrics) (*Pipeline, error) {
	dmaBuf, err := fpga.AlignedBuffer(p2const.DMABufferSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate DMA ring: %w", err)
	}
	dma, err := ring.New(dmaBuf, p2const.BufferBase)
	if err != nil {
		_ = fpga.FreeAlignedBuffer(dmaBuf)
		return nil, fmt.Errorf("failed to set up DMA ring: %w", err)
	}
	p := &Pipeline{
		hw:           hw,
		conns:        conns,
		state:        state,
		m:            m,
		decode:       fpga.AnalyseDDCHeader,
		dmaBuf:       dmaBuf,
		dma:          dma,
		prevRateWord: initialRateWord,
		transferSize: p2const.MinDMATransfer,
	}
	for ddc := 0; ddc < p2const.NumDDC; ddc++ {
		iq, err := ring.New(make([]byte, p2const.DMABufferSize), p2const.BufferBase)
		if err != nil {
			_ = fpga.FreeAlignedBuffer(dmaBuf)
			return nil, fmt.Errorf("failed to set up DDC %d ring: %w", ddc, err)
		}
		p.iq[ddc] = iq
		p.packet[ddc] = make([]byte, p2const.DDCPacketSize)
	}
	return p, nil
}

// Run drives the pipeline until the context is cancelled or a fatal stream
// error occurs. It owns every buffer and pointer; nothing else may touch
// them while Run is live.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.shutdown()
	if err := p.prepare(); err != nil {
		return err
	}
	for {
		if err := p.waitIdle(ctx); err != nil {
			return nil //nolint:nilerr // context cancelled: clean shutdown
		}
		if err := p.arm(); err != nil {
			return err
		}
		slog.Info("Starting outgoing DDC I/Q stream")
		err := p.stream(ctx)
		p.drainStream()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		slog.Info("Outgoing DDC I/Q stream stopped")
	}
}

// prepare quiesces the hardware before the first stream: stream disabled,
// monitor polled (not interrupt driven), FIFO reset to a known-empty state.
func (p *Pipeline) prepare() error {
	p.stats.setState(StateIdle)
	if err := p.hw.SetRXDDCEnabled(false); err != nil {
		return fmt.Errorf("failed to disable DDC stream: %w", err)
	}
	time.Sleep(time.Millisecond)
	if err := p.hw.SetupFIFOMonitorChannel(fpga.RXDDCDMA, false); err != nil {
		return fmt.Errorf("failed to set up FIFO monitor: %w", err)
	}
	if err := p.hw.ResetDMAStreamFIFO(fpga.RXDDCDMA); err != nil {
		return fmt.Errorf("failed to reset DDC FIFO: %w", err)
	}
	status, err := p.hw.ReadFIFOMonitor(fpga.RXDDCDMA)
	if err != nil {
		return fmt.Errorf("failed to read FIFO monitor: %w", err)
	}
	slog.Debug("DDC FIFO depth after reset", "words", status.DepthWords)
	return nil
}

// waitIdle parks until the radio goes active, servicing port-change requests
// meanwhile. Returns the context error on cancellation.
func (p *Pipeline) waitIdle(ctx context.Context) error {
	p.stats.setState(StateIdle)
	for !p.state.SDRActive.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.conns.ApplyPortChanges(); err != nil {
			slog.Error("Failed to apply port change", "error", err)
		}
		time.Sleep(idleSleep)
	}
	return nil
}

// arm resets all per-stream state and enables the FPGA stream.
func (p *Pipeline) arm() error {
	p.stats.setState(StateArming)
	reply := p.conns.ReplyAddr()
	if reply == nil {
		return ErrNoReplyAddr
	}
	for ddc := 0; ddc < p2const.NumDDC; ddc++ {
		conn := p.conns.DDCConn(ddc)
		if conn == nil {
			return fmt.Errorf("no socket bound for DDC %d", ddc)
		}
		p.conn[ddc] = conn
		addr := *reply
		p.dest[ddc] = &addr
		p.seq[ddc] = 0
		p.stats.packets[ddc].Store(0)
		p.iq[ddc].Reset()
		p.conns.SetDDCActive(ddc, true)
	}
	p.dma.Reset()
	p.headerFound = false
	p.prevRateWord = initialRateWord
	p.transferSize = p2const.MinDMATransfer
	p.startupCount = p2const.StartupDelay
	if err := p.hw.SetRXDDCEnabled(true); err != nil {
		return fmt.Errorf("failed to enable DDC stream: %w", err)
	}
	p.m.RecordStreamStart()
	p.stats.setState(StateStreaming)
	return nil
}

// stream is the steady-state loop. It returns nil when the radio goes
// inactive or the context is cancelled, and an error on fatal conditions.
func (p *Pipeline) stream(ctx context.Context) error {
	for p.state.SDRActive.Load() {
		if ctx.Err() != nil {
			return nil
		}
		for ddc := 0; ddc < p2const.NumDDC; ddc++ {
			if err := p.drainDDC(ddc); err != nil {
				return err
			}
			if err := p.iq[ddc].Compact(); err != nil {
				return fmt.Errorf("DDC %d ring compact failed: %w", ddc, err)
			}
		}
		depth, err := p.pollFIFO()
		if err != nil {
			return err
		}
		for depth < uint32(p.transferSize/8) {
			if ctx.Err() != nil {
				return nil
			}
			time.Sleep(fifoPollSleep)
			if depth, err = p.pollFIFO(); err != nil {
				return err
			}
		}
		p.transferSize = burstSize(depth)
		if err := p.readBurst(); err != nil {
			return err
		}
		if err := p.parse(); err != nil {
			return err
		}
		if err := p.dma.Compact(); err != nil {
			return fmt.Errorf("DMA ring compact failed: %w", err)
		}
	}
	return nil
}

// burstSize adapts the DMA transfer to the FIFO fill level so a backlog is
// drained in fewer, larger reads.
func burstSize(depthWords uint32) int {
	switch {
	case depthWords > 4096:
		return 32768
	case depthWords > 2048:
		return 16384
	case depthWords > 1024:
		return 8192
	default:
		return p2const.MinDMATransfer
	}
}

// readBurst issues one blocking DMA read of the current transfer size.
func (p *Pipeline) readBurst() error {
	span := p.dma.WritableSpan()
	if len(span) < p.transferSize {
		return fmt.Errorf("%w: %d byte burst, %d bytes free", ErrRingFull, p.transferSize, len(span))
	}
	if err := p.hw.ReadDDCStream(span[:p.transferSize]); err != nil {
		return fmt.Errorf("DDC stream read failed: %w", err)
	}
	if err := p.dma.AdvanceHead(p.transferSize); err != nil {
		return fmt.Errorf("DMA ring overrun: %w", err)
	}
	return nil
}

// pollFIFO reads the monitor once, publishing the depth and latching an
// over-threshold observation once the startup window has elapsed. During
// startup the FIFO legitimately fills faster than the stream drains it.
func (p *Pipeline) pollFIFO() (uint32, error) {
	status, err := p.hw.ReadFIFOMonitor(fpga.RXDDCDMA)
	if err != nil {
		return 0, fmt.Errorf("failed to read FIFO monitor: %w", err)
	}
	p.stats.depthWords.Store(status.DepthWords)
	p.m.SetFIFODepth(status.DepthWords)
	if p.startupCount == 0 && status.OverThreshold {
		p.state.LatchOverflow(p2.OverflowRXDDC)
		p.m.RecordFIFOOverflow()
		slog.Debug("RX DDC FIFO over threshold", "level", status.CurrentLevel)
	}
	return status.DepthWords, nil
}

// drainStream is the short goodbye after the radio goes inactive: compact
// everything once and stop the FPGA stream.
func (p *Pipeline) drainStream() {
	p.stats.setState(StateDraining)
	for ddc := 0; ddc < p2const.NumDDC; ddc++ {
		if err := p.iq[ddc].Compact(); err != nil {
			slog.Error("DDC ring compact failed during drain", "ddc", ddc, "error", err)
		}
		p.conns.SetDDCActive(ddc, false)
	}
	if err := p.dma.Compact(); err != nil {
		slog.Error("DMA ring compact failed during drain", "error", err)
	}
	if err := p.hw.SetRXDDCEnabled(false); err != nil {
		slog.Error("Failed to disable DDC stream", "error", err)
	}
}

// shutdown releases the DMA ring on the way out of Run.
func (p *Pipeline) shutdown() {
	p.stats.setState(StateTerminated)
	for ddc := 0; ddc < p2const.NumDDC; ddc++ {
		p.conns.SetDDCActive(ddc, false)
	}
	if err := fpga.FreeAlignedBuffer(p.dmaBuf); err != nil {
		slog.Error("Failed to free DMA ring", "error", err)
	}
	p.dmaBuf = nil
	slog.Info("Outgoing DDC I/Q pipeline terminated")
}
