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

// Package sockets maintains the per-stream UDP sockets of the protocol 2
// gateway and the reply address the outgoing streams send to.
//
// Port changes requested by the control path are not applied immediately:
// the stream pipelines rebind their sockets only while idle, so a request is
// recorded as a pending command bit and picked up by ApplyPortChanges.
package sockets

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// ErrUnknownStream is returned for a stream id the registry has never opened.
var ErrUnknownStream = fmt.Errorf("sockets: unknown stream")

const cmdChangePort = 1 << 0

// StreamSocket is one bound UDP socket plus its control bits.
type StreamSocket struct {
	id   int
	conn atomic.Pointer[net.UDPConn]
	port atomic.Int32

	cmd         atomic.Uint32
	pendingPort atomic.Int32

	// Active mirrors whether a pipeline is currently streaming on this
	// socket; maintained by the pipelines, read by the status API.
	Active atomic.Bool
}

// Port returns the currently bound port.
func (s *StreamSocket) Port() int {
	return int(s.port.Load())
}

// Conn returns the bound socket.
func (s *StreamSocket) Conn() *net.UDPConn {
	return s.conn.Load()
}

// Info is a point-in-time view of one stream socket for the status API.
type Info struct {
	ID     int  `json:"id"`
	Port   int  `json:"port"`
	Active bool `json:"active"`
}

// Registry owns every stream socket and the global reply address.
type Registry struct {
	bindIP  net.IP
	sockets *xsync.Map[int, *StreamSocket]
	reply   atomic.Pointer[net.UDPAddr]
}

// NewRegistry creates a registry binding sockets on the given address
// ("0.0.0.0", "::", or a specific interface address).
func NewRegistry(bind string) (*Registry, error) {
	ip := net.ParseIP(bind)
	if ip == nil {
		return nil, fmt.Errorf("sockets: invalid bind address %q", bind)
	}
	return &Registry{
		bindIP:  ip,
		sockets: xsync.NewMap[int, *StreamSocket](),
	}, nil
}

// Open binds a socket for the given stream id. Opening an id twice replaces
// the previous socket.
func (r *Registry) Open(id, port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: r.bindIP, Port: port})
	if err != nil {
		return fmt.Errorf("failed to bind stream %d on port %d: %w", id, port, err)
	}
	sock, _ := r.sockets.LoadOrStore(id, &StreamSocket{id: id})
	if old := sock.conn.Swap(conn); old != nil {
		_ = old.Close()
	}
	// Report the kernel-assigned port when binding port 0 (tests do this).
	sock.port.Store(int32(conn.LocalAddr().(*net.UDPAddr).Port))
	return nil
}

// Stream returns the socket for a stream id.
func (r *Registry) Stream(id int) (*StreamSocket, error) {
	sock, ok := r.sockets.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStream, id)
	}
	return sock, nil
}

// RequestPortChange records a pending rebind for a stream. It takes effect
// the next time the owning pipeline is idle and calls ApplyPortChanges.
func (r *Registry) RequestPortChange(id, port int) error {
	sock, err := r.Stream(id)
	if err != nil {
		return err
	}
	sock.pendingPort.Store(int32(port))
	sock.cmd.Or(cmdChangePort)
	return nil
}

// ApplyPortChanges rebinds every socket with a pending port change. Called by
// the pipeline driver only while idle.
func (r *Registry) ApplyPortChanges() error {
	var firstErr error
	r.sockets.Range(func(id int, sock *StreamSocket) bool {
		if sock.cmd.Load()&cmdChangePort == 0 {
			return true
		}
		sock.cmd.And(^uint32(cmdChangePort))
		port := int(sock.pendingPort.Load())
		if old := sock.conn.Swap(nil); old != nil {
			_ = old.Close()
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: r.bindIP, Port: port})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to rebind stream %d on port %d: %w", id, port, err)
			}
			return true
		}
		sock.conn.Store(conn)
		sock.port.Store(int32(conn.LocalAddr().(*net.UDPAddr).Port))
		slog.Info("Rebound stream socket", "stream", id, "port", port)
		return true
	})
	return firstErr
}

// SetReplyAddr records the destination the outgoing streams send to.
func (r *Registry) SetReplyAddr(addr *net.UDPAddr) {
	r.reply.Store(addr)
}

// ReplyAddr returns the current reply address, or nil if none is set.
func (r *Registry) ReplyAddr() *net.UDPAddr {
	return r.reply.Load()
}

// Snapshot returns a view of all sockets ordered by stream id.
func (r *Registry) Snapshot() []Info {
	var infos []Info
	r.sockets.Range(func(id int, sock *StreamSocket) bool {
		infos = append(infos, Info{ID: id, Port: sock.Port(), Active: sock.Active.Load()})
		return true
	})
	// xsync.Map iterates in no particular order.
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j-1].ID > infos[j].ID; j-- {
			infos[j-1], infos[j] = infos[j], infos[j-1]
		}
	}
	return infos
}

// CloseAll closes every socket. The registry is unusable afterwards.
func (r *Registry) CloseAll() {
	r.sockets.Range(func(id int, sock *StreamSocket) bool {
		if conn := sock.conn.Swap(nil); conn != nil {
			_ = conn.Close()
		}
		return true
	})
}
