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

// Package config stores the gateway configuration.
package config

// Config is the top-level gateway configuration, loaded by configulator from
// flags, environment variables, and an optional config file.
type Config struct {
	LogLevel LogLevel `name:"log-level" default:"info" description:"Logging level: debug, info, warn, error"`
	Profile  string   `name:"profile" description:"Path to an optional radio profile YAML file overriding stream ports"`
	Devices  Devices  `name:"devices"`
	Network  Network  `name:"network"`
	Metrics  Metrics  `name:"metrics"`
	PProf    PProf    `name:"pprof"`
	HTTP     HTTP     `name:"http"`
}

// Devices names the XDMA device nodes of the Saturn FPGA.
type Devices struct {
	DDCStream string `name:"ddc-stream" default:"/dev/xdma0_c2h_0" description:"XDMA device for the DDC sample stream"`
	MicStream string `name:"mic-stream" default:"/dev/xdma0_c2h_1" description:"XDMA device for the mic sample stream"`
	Registers string `name:"registers" default:"/dev/xdma0_user" description:"XDMA device for the AXI-lite register window"`
}

// Network configures the stream sockets and destination.
type Network struct {
	Bind      string `name:"bind" default:"::" description:"Address the stream sockets bind to"`
	ReplyHost string `name:"reply-host" description:"Host the outgoing streams send to"`
	ReplyPort int    `name:"reply-port" default:"1035" description:"Port the outgoing DDC streams send to"`
}

// Metrics configures the Prometheus endpoint and trace export.
type Metrics struct {
	Enabled      bool   `name:"enabled" default:"false" description:"Enable the Prometheus metrics server"`
	Bind         string `name:"bind" default:"[::]" description:"Address the metrics server binds to"`
	Port         int    `name:"port" default:"9091" description:"Port the metrics server listens on"`
	OTLPEndpoint string `name:"otlp-endpoint" description:"OTLP gRPC endpoint for trace export"`
}

// PProf configures the profiling endpoint.
type PProf struct {
	Enabled bool   `name:"enabled" default:"false" description:"Enable the pprof server"`
	Bind    string `name:"bind" default:"[::]" description:"Address the pprof server binds to"`
	Port    int    `name:"port" default:"9092" description:"Port the pprof server listens on"`
}

// HTTP configures the status API.
type HTTP struct {
	Enabled bool   `name:"enabled" default:"true" description:"Enable the status API server"`
	Bind    string `name:"bind" default:"[::]" description:"Address the status API binds to"`
	Port    int    `name:"port" default:"8080" description:"Port the status API listens on"`
}
