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

package micaudio_test

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kd4yal2024/Saturn/internal/fpga"
	"github.com/kd4yal2024/Saturn/internal/p2"
	"github.com/kd4yal2024/Saturn/internal/p2/micaudio"
	"github.com/kd4yal2024/Saturn/internal/p2/p2const"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

type fakeMicHW struct {
	mu      sync.Mutex
	pending []byte
	next    byte
}

func (h *fakeMicHW) ReadMicStream(dst []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := copy(dst, h.pending)
	h.pending = h.pending[n:]
	for i := n; i < len(dst); i++ {
		dst[i] = h.next
		h.next++
	}
	return nil
}

func (h *fakeMicHW) ReadFIFOMonitor(fpga.MonitorChannel) (fpga.FIFOStatus, error) {
	return fpga.FIFOStatus{DepthWords: 64}, nil
}

func (h *fakeMicHW) SetupFIFOMonitorChannel(fpga.MonitorChannel, bool) error { return nil }
func (h *fakeMicHW) ResetDMAStreamFIFO(fpga.MonitorChannel) error            { return nil }

type micConn struct {
	mu      sync.Mutex
	packets [][]byte
	lastTo  *net.UDPAddr
	fail    atomic.Bool
}

func (c *micConn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	if c.fail.Load() {
		return 0, errors.New("send buffer full")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, append([]byte(nil), b...))
	c.lastTo = addr
	return len(b), nil
}

func (c *micConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func (c *micConn) packet(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets[i]
}

func startMic(t *testing.T, hw micaudio.Hardware, conn micaudio.Sender, state *p2.State, reply *net.UDPAddr) (chan error, context.CancelFunc) {
	t.Helper()
	p, err := micaudio.New(hw, conn, func() *net.UDPAddr { return reply }, state, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(waitTimeout):
		}
	})
	return errCh, cancel
}

func TestMicPacketsSequencedAndSized(t *testing.T) {
	t.Parallel()
	samples := make([]byte, 3*2*p2const.MicSamplesPerPacket)
	for i := range samples {
		samples[i] = byte(i)
	}
	hw := &fakeMicHW{pending: append([]byte(nil), samples...), next: byte(len(samples))}
	conn := &micConn{}
	state := &p2.State{}
	state.SDRActive.Store(true)
	reply := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 1035}

	errCh, cancel := startMic(t, hw, conn, state, reply)
	require.Eventually(t, func() bool { return conn.count() >= 3 }, waitTimeout, time.Millisecond)

	for i := 0; i < 3; i++ {
		pkt := conn.packet(i)
		require.Len(t, pkt, p2const.MicPacketSize)
		assert.Equal(t, uint32(i), binary.BigEndian.Uint32(pkt[0:4]))
		assert.Equal(t, samples[i*128:(i+1)*128], pkt[4:])
	}
	// Mic datagrams go to the reply host on the mic port.
	conn.mu.Lock()
	lastTo := conn.lastTo
	conn.mu.Unlock()
	assert.Equal(t, p2const.MicDataPort, lastTo.Port)
	assert.True(t, lastTo.IP.Equal(reply.IP))

	cancel()
	select {
	case err := <-errCh:
		errCh <- err
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("mic pipeline did not stop")
	}
}

func TestMicSendFailureIsFatal(t *testing.T) {
	t.Parallel()
	hw := &fakeMicHW{}
	conn := &micConn{}
	conn.fail.Store(true)
	state := &p2.State{}
	state.SDRActive.Store(true)
	reply := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 1035}

	errCh, cancel := startMic(t, hw, conn, state, reply)
	defer cancel()
	select {
	case err := <-errCh:
		errCh <- err
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to send mic")
	case <-time.After(waitTimeout):
		t.Fatal("mic pipeline did not fail on send error")
	}
}

func TestMicMissingReplyAddrIsFatal(t *testing.T) {
	t.Parallel()
	hw := &fakeMicHW{}
	conn := &micConn{}
	state := &p2.State{}
	state.SDRActive.Store(true)

	errCh, cancel := startMic(t, hw, conn, state, nil)
	defer cancel()
	select {
	case err := <-errCh:
		errCh <- err
		require.ErrorIs(t, err, micaudio.ErrNoReplyAddr)
	case <-time.After(waitTimeout):
		t.Fatal("mic pipeline did not fail on missing reply address")
	}
}

func TestMicSequenceRestartsPerStream(t *testing.T) {
	t.Parallel()
	hw := &fakeMicHW{}
	conn := &micConn{}
	state := &p2.State{}
	state.SDRActive.Store(true)
	reply := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 1035}

	errCh, cancel := startMic(t, hw, conn, state, reply)
	require.Eventually(t, func() bool { return conn.count() >= 2 }, waitTimeout, time.Millisecond)

	state.SDRActive.Store(false)
	time.Sleep(10 * time.Millisecond)
	before := conn.count()
	state.SDRActive.Store(true)
	require.Eventually(t, func() bool { return conn.count() > before }, waitTimeout, time.Millisecond)

	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(conn.packet(before)[0:4]))

	cancel()
	select {
	case err := <-errCh:
		errCh <- err
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("mic pipeline did not stop")
	}
}
