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

package ddciq_test

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kd4yal2024/Saturn/internal/fpga"
	"github.com/kd4yal2024/Saturn/internal/p2"
	"github.com/kd4yal2024/Saturn/internal/p2/ddciq"
	"github.com/kd4yal2024/Saturn/internal/p2/p2const"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

// fakeHW emulates the FPGA side of the DDC stream. It serves a canned byte
// stream and, once that is exhausted, endless idle frames (header-only frames
// with a zero rate word), so the pipeline keeps running until cancelled.
type fakeHW struct {
	mu      sync.Mutex
	pending []byte

	// depthCycle scripts the monitor's reported depth, one entry per poll,
	// wrapping around. Empty means one minimum burst is always available.
	depthCycle    []uint32
	depthIdx      int
	overThreshold atomic.Bool
	enabled       atomic.Bool
}

func (h *fakeHW) ReadDDCStream(dst []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := copy(dst, h.pending)
	h.pending = h.pending[n:]
	for i := n; i < len(dst); i += 8 {
		copy(dst[i:i+8], []byte{0, 0, 0, 0, 0, 0, 0, p2const.SyncByte})
	}
	return nil
}

func (h *fakeHW) ReadFIFOMonitor(fpga.MonitorChannel) (fpga.FIFOStatus, error) {
	h.mu.Lock()
	depth := uint32(p2const.MinDMATransfer / 8)
	if len(h.depthCycle) > 0 {
		depth = h.depthCycle[h.depthIdx%len(h.depthCycle)]
		h.depthIdx++
	}
	h.mu.Unlock()
	return fpga.FIFOStatus{
		DepthWords:    depth,
		OverThreshold: h.overThreshold.Load(),
		CurrentLevel:  depth,
	}, nil
}

func (h *fakeHW) SetRXDDCEnabled(enabled bool) error {
	h.enabled.Store(enabled)
	return nil
}

func (h *fakeHW) SetupFIFOMonitorChannel(fpga.MonitorChannel, bool) error { return nil }
func (h *fakeHW) ResetDMAStreamFIFO(fpga.MonitorChannel) error           { return nil }

// safeConn captures sent datagrams.
type safeConn struct {
	mu      sync.Mutex
	packets [][]byte
	fail    atomic.Bool
}

func (c *safeConn) WriteToUDP(b []byte, _ *net.UDPAddr) (int, error) {
	if c.fail.Load() {
		return 0, errors.New("send buffer full")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, append([]byte(nil), b...))
	return len(b), nil
}

func (c *safeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func (c *safeConn) packet(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets[i]
}

// fakeProvider stands in for the socket registry.
type fakeProvider struct {
	conns   [p2const.NumDDC]*safeConn
	reply   *net.UDPAddr
	applies atomic.Int32
}

func newFakeProvider() *fakeProvider {
	f := &fakeProvider{reply: &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 1035}}
	for i := range f.conns {
		f.conns[i] = &safeConn{}
	}
	return f
}

func (f *fakeProvider) DDCConn(ddc int) ddciq.PacketConn { return f.conns[ddc] }
func (f *fakeProvider) ApplyPortChanges() error          { f.applies.Add(1); return nil }
func (f *fakeProvider) ReplyAddr() *net.UDPAddr          { return f.reply }
func (f *fakeProvider) SetDDCActive(int, bool)           {}

// stream builders shared with the white-box tests live here in miniature:
// the wire format is small enough to restate.
type gen struct {
	n [p2const.NumDDC]uint32
}

func (g *gen) sample(ddc int) []byte {
	g.n[ddc]++
	v := g.n[ddc]
	return []byte{byte(ddc), byte(v >> 16), byte(v >> 8), byte(v), 0x5A, byte(ddc ^ 0x33)}
}

func (g *gen) frame(counts [p2const.NumDDC]uint32) (frame []byte, samples [p2const.NumDDC][]byte) {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header, fpga.MakeDDCRateWord(counts))
	header[7] = p2const.SyncByte
	frame = append(frame, header...)
	total := uint32(0)
	for ddc, count := range counts {
		for i := uint32(0); i < count; i++ {
			s := g.sample(ddc)
			samples[ddc] = append(samples[ddc], s...)
			frame = append(frame, s[0], s[1], s[2], s[3], s[4], s[5], 0xEE, 0xEE)
		}
		total += count
	}
	for i := uint32(0); i < total; i++ {
		frame = append(frame, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0x00)
	}
	return frame, samples
}

// buildStream produces a preamble plus repeated frames, returning the
// concatenated per-DDC sample bytes.
func buildStream(frameCounts [][p2const.NumDDC]uint32) (stream []byte, samples [p2const.NumDDC][]byte) {
	stream = make([]byte, 16)
	g := &gen{}
	for _, counts := range frameCounts {
		frame, s := g.frame(counts)
		stream = append(stream, frame...)
		for ddc := range s {
			samples[ddc] = append(samples[ddc], s[ddc]...)
		}
	}
	return stream, samples
}

func repeatCounts(counts [p2const.NumDDC]uint32, n int) [][p2const.NumDDC]uint32 {
	out := make([][p2const.NumDDC]uint32, n)
	for i := range out {
		out[i] = counts
	}
	return out
}

func startPipeline(t *testing.T, hw *fakeHW, prov *fakeProvider, state *p2.State) (chan error, context.CancelFunc) {
	t.Helper()
	p, err := ddciq.New(hw, prov, state, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(waitTimeout):
		}
	})
	return errCh, cancel
}

// expectFatal waits for the pipeline to die on its own and returns the error,
// leaving it in the channel for the cleanup drain.
func expectFatal(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		errCh <- err
		return err
	case <-time.After(waitTimeout):
		t.Fatal("pipeline did not fail")
		return nil
	}
}

func stopAndWait(t *testing.T, errCh chan error, cancel context.CancelFunc) error {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		errCh <- err
		return err
	case <-time.After(waitTimeout):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func TestSingleDDCSingleFrame(t *testing.T) {
	t.Parallel()
	stream, samples := buildStream(repeatCounts([p2const.NumDDC]uint32{0: 1}, 239))
	hw := &fakeHW{pending: stream}
	prov := newFakeProvider()
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	require.Eventually(t, func() bool { return prov.conns[0].count() >= 1 },
		waitTimeout, time.Millisecond)

	pkt := prov.conns[0].packet(0)
	require.Len(t, pkt, p2const.DDCPacketSize)
	assert.Equal(t, []byte{0, 0, 0, 0}, pkt[0:4])
	assert.Equal(t, samples[0][:p2const.IQBytesPerFrame], pkt[16:])
	for ddc := 1; ddc < p2const.NumDDC; ddc++ {
		assert.Zero(t, prov.conns[ddc].count(), "DDC %d", ddc)
	}
	require.NoError(t, stopAndWait(t, errCh, cancel))
	assert.False(t, hw.enabled.Load())
}

func TestTwoDDCsInterleaved(t *testing.T) {
	t.Parallel()
	stream, samples := buildStream(repeatCounts([p2const.NumDDC]uint32{0: 2, 1: 1}, 239))
	hw := &fakeHW{pending: stream}
	prov := newFakeProvider()
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	require.Eventually(t, func() bool {
		return prov.conns[0].count() >= 2 && prov.conns[1].count() >= 1
	}, waitTimeout, time.Millisecond)

	// Sequences start at zero on both streams.
	assert.Equal(t, []byte{0, 0, 0, 0}, prov.conns[0].packet(0)[0:4])
	assert.Equal(t, []byte{0, 0, 0, 1}, prov.conns[0].packet(1)[0:4])
	assert.Equal(t, []byte{0, 0, 0, 0}, prov.conns[1].packet(0)[0:4])

	assert.Equal(t, samples[0][:p2const.IQBytesPerFrame], prov.conns[0].packet(0)[16:])
	assert.Equal(t, samples[0][p2const.IQBytesPerFrame:2*p2const.IQBytesPerFrame],
		prov.conns[0].packet(1)[16:])
	assert.Equal(t, samples[1][:p2const.IQBytesPerFrame], prov.conns[1].packet(0)[16:])

	require.NoError(t, stopAndWait(t, errCh, cancel))
}

func TestRateChangeMidStream(t *testing.T) {
	t.Parallel()
	frames := repeatCounts([p2const.NumDDC]uint32{0: 1}, 10)
	frames = append(frames, repeatCounts([p2const.NumDDC]uint32{0: 1, 1: 1}, 239)...)
	stream, samples := buildStream(frames)
	hw := &fakeHW{pending: stream}
	prov := newFakeProvider()
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	require.Eventually(t, func() bool {
		return prov.conns[0].count() >= 1 && prov.conns[1].count() >= 1
	}, waitTimeout, time.Millisecond)

	// DDC 1 only has samples from frame 10 onwards.
	assert.Equal(t, samples[1][:p2const.IQBytesPerFrame], prov.conns[1].packet(0)[16:])
	assert.Equal(t, samples[0][:p2const.IQBytesPerFrame], prov.conns[0].packet(0)[16:])
	require.NoError(t, stopAndWait(t, errCh, cancel))
}

// TestBurstSplitInvariance feeds the identical stream through a pipeline
// reading fixed minimum bursts and one reading depth-adapted bursts; every
// emitted datagram must be byte-identical.
func TestBurstSplitInvariance(t *testing.T) {
	t.Parallel()
	counts := [p2const.NumDDC]uint32{0: 1, 1: 2, 5: 4}
	stream, _ := buildStream(repeatCounts(counts, 600))

	run := func(depthCycle []uint32) *fakeProvider {
		hw := &fakeHW{pending: append([]byte(nil), stream...), depthCycle: depthCycle}
		prov := newFakeProvider()
		state := &p2.State{}
		state.SDRActive.Store(true)
		errCh, cancel := startPipeline(t, hw, prov, state)
		require.Eventually(t, func() bool {
			return prov.conns[0].count() >= 2 && prov.conns[1].count() >= 5 &&
				prov.conns[5].count() >= 10
		}, waitTimeout, time.Millisecond)
		require.NoError(t, stopAndWait(t, errCh, cancel))
		return prov
	}

	small := run(nil)
	adaptive := run([]uint32{512, 1025, 2049, 4097})

	for _, ddc := range []int{0, 1, 5} {
		n := small.conns[ddc].count()
		if adaptive.conns[ddc].count() < n {
			n = adaptive.conns[ddc].count()
		}
		for i := 0; i < n; i++ {
			if diff := cmp.Diff(small.conns[ddc].packet(i), adaptive.conns[ddc].packet(i)); diff != "" {
				t.Fatalf("DDC %d packet %d differs (-fixed +adaptive):\n%s", ddc, i, diff)
			}
		}
	}
}

// TestSequenceMonotonicity checks that sequence numbers count up from zero
// without gaps over many packets.
func TestSequenceMonotonicity(t *testing.T) {
	t.Parallel()
	stream, _ := buildStream(repeatCounts([p2const.NumDDC]uint32{2: 4}, 1500))
	hw := &fakeHW{pending: stream, depthCycle: []uint32{4097}}
	prov := newFakeProvider()
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	require.Eventually(t, func() bool { return prov.conns[2].count() >= 25 },
		waitTimeout, time.Millisecond)
	require.NoError(t, stopAndWait(t, errCh, cancel))

	for i := 0; i < prov.conns[2].count(); i++ {
		assert.Equal(t, uint32(i), binary.BigEndian.Uint32(prov.conns[2].packet(i)[0:4]))
	}
}

func TestOverThresholdSuppressedDuringStartup(t *testing.T) {
	t.Parallel()
	// Enough for ~50 packets: under the startup window of 100.
	stream, _ := buildStream(repeatCounts([p2const.NumDDC]uint32{0: 4}, 2976))
	hw := &fakeHW{pending: stream, depthCycle: []uint32{4097}}
	hw.overThreshold.Store(true)
	prov := newFakeProvider()
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	require.Eventually(t, func() bool { return prov.conns[0].count() >= 50 },
		waitTimeout, time.Millisecond)
	require.NoError(t, stopAndWait(t, errCh, cancel))

	assert.Zero(t, state.FIFOOverflows.Load()&p2.OverflowRXDDC,
		"over-threshold before startup elapsed must not latch")
}

func TestOverThresholdLatchedAfterStartup(t *testing.T) {
	t.Parallel()
	// Enough for ~150 packets: past the startup window.
	stream, _ := buildStream(repeatCounts([p2const.NumDDC]uint32{0: 4}, 8930))
	hw := &fakeHW{pending: stream, depthCycle: []uint32{4097}}
	hw.overThreshold.Store(true)
	prov := newFakeProvider()
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	require.Eventually(t, func() bool {
		return state.FIFOOverflows.Load()&p2.OverflowRXDDC != 0
	}, waitTimeout, time.Millisecond)
	require.Eventually(t, func() bool { return prov.conns[0].count() > 100 },
		waitTimeout, time.Millisecond)
	require.NoError(t, stopAndWait(t, errCh, cancel))
}

func TestNoSyncIsFatal(t *testing.T) {
	t.Parallel()
	noise := make([]byte, 4096)
	for i := range noise {
		noise[i] = 0x7F
	}
	hw := &fakeHW{pending: noise}
	prov := newFakeProvider()
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	defer cancel()
	require.ErrorIs(t, expectFatal(t, errCh), ddciq.ErrNoSyncFound)
}

func TestFramingLossIsFatal(t *testing.T) {
	t.Parallel()
	stream, _ := buildStream(repeatCounts([p2const.NumDDC]uint32{0: 1}, 3))
	// Corrupt the sync byte of the third frame (16-byte preamble, 24-byte
	// frames).
	stream[16+2*24+7] = 0x00
	hw := &fakeHW{pending: stream}
	prov := newFakeProvider()
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	defer cancel()
	require.ErrorIs(t, expectFatal(t, errCh), ddciq.ErrFramingLost)
}

func TestSendFailureIsFatal(t *testing.T) {
	t.Parallel()
	stream, _ := buildStream(repeatCounts([p2const.NumDDC]uint32{0: 1}, 300))
	hw := &fakeHW{pending: stream}
	prov := newFakeProvider()
	prov.conns[0].fail.Store(true)
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	defer cancel()
	err := expectFatal(t, errCh)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to send")
}

func TestMissingReplyAddrIsFatal(t *testing.T) {
	t.Parallel()
	hw := &fakeHW{}
	prov := newFakeProvider()
	prov.reply = nil
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	defer cancel()
	require.ErrorIs(t, expectFatal(t, errCh), ddciq.ErrNoReplyAddr)
}

func TestPortChangesServicedWhileIdle(t *testing.T) {
	t.Parallel()
	hw := &fakeHW{}
	prov := newFakeProvider()
	state := &p2.State{} // inactive: the pipeline parks in the idle loop

	errCh, cancel := startPipeline(t, hw, prov, state)
	require.Eventually(t, func() bool { return prov.applies.Load() > 0 },
		waitTimeout, time.Millisecond)
	require.NoError(t, stopAndWait(t, errCh, cancel))
}

func TestStreamStopsWhenRadioGoesInactive(t *testing.T) {
	t.Parallel()
	stream, _ := buildStream(repeatCounts([p2const.NumDDC]uint32{0: 1}, 500))
	hw := &fakeHW{pending: stream}
	prov := newFakeProvider()
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startPipeline(t, hw, prov, state)
	require.Eventually(t, func() bool { return prov.conns[0].count() >= 1 },
		waitTimeout, time.Millisecond)

	state.SDRActive.Store(false)
	require.Eventually(t, func() bool { return !hw.enabled.Load() },
		waitTimeout, time.Millisecond)
	require.NoError(t, stopAndWait(t, errCh, cancel))
}
