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

package config

import (
	"errors"
	"net"
)

var (
	// ErrInvalidLogLevel indicates that the provided log level is not valid.
	ErrInvalidLogLevel = errors.New("invalid log level provided")
	// ErrDevicePathRequired indicates that a required device path is empty.
	ErrDevicePathRequired = errors.New("device path is required")
	// ErrInvalidBindAddress indicates that the stream bind address does not parse.
	ErrInvalidBindAddress = errors.New("invalid stream bind address provided")
	// ErrReplyHostRequired indicates that no destination host was configured.
	ErrReplyHostRequired = errors.New("reply host is required for outgoing streams")
	// ErrInvalidReplyPort indicates that the reply port is out of range.
	ErrInvalidReplyPort = errors.New("invalid reply port provided")
	// ErrInvalidMetricsPort indicates that the metrics server port is out of range.
	ErrInvalidMetricsPort = errors.New("invalid metrics server port provided")
	// ErrInvalidPProfPort indicates that the pprof server port is out of range.
	ErrInvalidPProfPort = errors.New("invalid pprof server port provided")
	// ErrInvalidHTTPPort indicates that the status API port is out of range.
	ErrInvalidHTTPPort = errors.New("invalid status API port provided")
)

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// Validate validates the Devices configuration.
func (d Devices) Validate() error {
	if d.DDCStream == "" || d.MicStream == "" || d.Registers == "" {
		return ErrDevicePathRequired
	}
	return nil
}

// Validate validates the Network configuration.
func (n Network) Validate() error {
	if net.ParseIP(n.Bind) == nil {
		return ErrInvalidBindAddress
	}
	if n.ReplyHost == "" {
		return ErrReplyHostRequired
	}
	if !validPort(n.ReplyPort) {
		return ErrInvalidReplyPort
	}
	return nil
}

// Validate validates the Metrics configuration.
func (m Metrics) Validate() error {
	if !m.Enabled {
		return nil
	}
	if !validPort(m.Port) {
		return ErrInvalidMetricsPort
	}
	return nil
}

// Validate validates the PProf configuration.
func (p PProf) Validate() error {
	if !p.Enabled {
		return nil
	}
	if !validPort(p.Port) {
		return ErrInvalidPProfPort
	}
	return nil
}

// Validate validates the HTTP configuration.
func (h HTTP) Validate() error {
	if !h.Enabled {
		return nil
	}
	if !validPort(h.Port) {
		return ErrInvalidHTTPPort
	}
	return nil
}

// Validate validates the whole configuration.
func (c Config) Validate() error {
	if c.LogLevel != LogLevelDebug &&
		c.LogLevel != LogLevelInfo &&
		c.LogLevel != LogLevelWarn &&
		c.LogLevel != LogLevelError {
		return ErrInvalidLogLevel
	}
	if err := c.Devices.Validate(); err != nil {
		return err
	}
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if err := c.PProf.Validate(); err != nil {
		return err
	}
	return c.HTTP.Validate()
}
