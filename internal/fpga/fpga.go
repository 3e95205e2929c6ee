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

// Package fpga provides access to the Saturn Artix-7 FPGA over the PCIe XDMA
// driver: blocking stream reads from the DMA character devices, and register
// access through the mmap'd AXI-lite user window.
package fpga

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Default XDMA device nodes.
const (
	DefaultDDCStreamDevice = "/dev/xdma0_c2h_0"
	DefaultMicStreamDevice = "/dev/xdma0_c2h_1"
	DefaultRegisterDevice  = "/dev/xdma0_user"
)

// FPGA-side AXI addresses of the stream endpoints.
const (
	addrDDCStreamRead = 0x0000
	addrMicStreamRead = 0x0000
)

// registerWindowSize is the span of the AXI-lite user window we map.
const registerWindowSize = 0x10000

// Config names the device nodes to open.
type Config struct {
	DDCStreamPath string
	MicStreamPath string
	RegisterPath  string
}

// DefaultConfig returns the standard Saturn device paths.
func DefaultConfig() Config {
	return Config{
		DDCStreamPath: DefaultDDCStreamDevice,
		MicStreamPath: DefaultMicStreamDevice,
		RegisterPath:  DefaultRegisterDevice,
	}
}

// Device is an open handle on the Saturn FPGA. All stream reads are blocking;
// register access is a plain load or store on the mapped window.
type Device struct {
	ddcFD int
	micFD int
	regs  []byte
}

// Open opens the DMA stream devices and maps the register window.
func Open(cfg Config) (*Device, error) {
	ddcFD, err := unix.Open(cfg.DDCStreamPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open DDC stream device %s: %w", cfg.DDCStreamPath, err)
	}
	micFD, err := unix.Open(cfg.MicStreamPath, unix.O_RDWR, 0)
	if err != nil {
		_ = unix.Close(ddcFD)
		return nil, fmt.Errorf("failed to open mic stream device %s: %w", cfg.MicStreamPath, err)
	}
	regFile, err := os.OpenFile(cfg.RegisterPath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		_ = unix.Close(ddcFD)
		_ = unix.Close(micFD)
		return nil, fmt.Errorf("failed to open register device %s: %w", cfg.RegisterPath, err)
	}
	defer func() {
		_ = regFile.Close()
	}()
	regs, err := unix.Mmap(int(regFile.Fd()), 0, registerWindowSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(ddcFD)
		_ = unix.Close(micFD)
		return nil, fmt.Errorf("failed to map register window: %w", err)
	}
	return &Device{ddcFD: ddcFD, micFD: micFD, regs: regs}, nil
}

// Close unmaps the register window and closes the stream devices.
func (d *Device) Close() error {
	var firstErr error
	if err := unix.Munmap(d.regs); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to unmap register window: %w", err)
	}
	if err := unix.Close(d.ddcFD); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close DDC stream device: %w", err)
	}
	if err := unix.Close(d.micFD); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close mic stream device: %w", err)
	}
	return firstErr
}

// ReadDDCStream performs one blocking DMA read of exactly len(dst) bytes from
// the DDC sample FIFO. len(dst) must be a multiple of 8 and dst must sit in a
// page-aligned buffer (see AlignedBuffer).
func (d *Device) ReadDDCStream(dst []byte) error {
	return d.streamRead(d.ddcFD, dst, addrDDCStreamRead)
}

// ReadMicStream performs one blocking DMA read from the mic sample FIFO.
func (d *Device) ReadMicStream(dst []byte) error {
	return d.streamRead(d.micFD, dst, addrMicStreamRead)
}

func (d *Device) streamRead(fd int, dst []byte, fpgaAddr int64) error {
	for done := 0; done < len(dst); {
		n, err := unix.Pread(fd, dst[done:], fpgaAddr)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("DMA read failed after %d of %d bytes: %w", done, len(dst), err)
		}
		if n == 0 {
			return fmt.Errorf("DMA read returned no data after %d of %d bytes", done, len(dst))
		}
		done += n
	}
	return nil
}

// AlignedBuffer allocates a zeroed buffer suitable as a DMA target. Anonymous
// mappings are page aligned, which satisfies the XDMA alignment requirement.
func AlignedBuffer(size int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d byte DMA buffer: %w", size, err)
	}
	return buf, nil
}

// FreeAlignedBuffer releases a buffer from AlignedBuffer.
func FreeAlignedBuffer(buf []byte) error {
	if buf == nil {
		return nil
	}
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("failed to free DMA buffer: %w", err)
	}
	return nil
}
