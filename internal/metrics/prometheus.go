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

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// DDC I/Q egress metrics
	IQPacketsTotal  *prometheus.CounterVec
	IQBytesTotal    *prometheus.CounterVec
	SendErrorsTotal prometheus.Counter
	FIFODepthWords  prometheus.Gauge
	FIFOOverflows   prometheus.Counter
	StreamStarts    prometheus.Counter

	// Mic egress metrics
	MicPacketsTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	metrics := &Metrics{
		IQPacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddc_iq_packets_total",
			Help: "The total number of DDC I/Q datagrams sent",
		}, []string{"ddc"}),
		IQBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddc_iq_bytes_total",
			Help: "The total number of DDC I/Q payload bytes sent",
		}, []string{"ddc"}),
		SendErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddc_iq_send_errors_total",
			Help: "The total number of failed DDC I/Q datagram sends",
		}),
		FIFODepthWords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ddc_fifo_depth_words",
			Help: "The DDC DMA FIFO fill level in 8-byte words at the last poll",
		}),
		FIFOOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddc_fifo_overthreshold_total",
			Help: "The total number of DDC FIFO over-threshold observations after startup",
		}),
		StreamStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddc_stream_starts_total",
			Help: "The total number of DDC stream start transitions",
		}),
		MicPacketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mic_packets_total",
			Help: "The total number of mic audio datagrams sent",
		}),
	}
	metrics.register()
	return metrics
}

func (m *Metrics) register() {
	prometheus.MustRegister(m.IQPacketsTotal)
	prometheus.MustRegister(m.IQBytesTotal)
	prometheus.MustRegister(m.SendErrorsTotal)
	prometheus.MustRegister(m.FIFODepthWords)
	prometheus.MustRegister(m.FIFOOverflows)
	prometheus.MustRegister(m.StreamStarts)
	prometheus.MustRegister(m.MicPacketsTotal)
}

// RecordIQPacket counts one sent datagram for a DDC. All recorders are safe
// on a nil receiver so the pipelines can run unmetered in tests.
func (m *Metrics) RecordIQPacket(ddc int, payloadBytes int) {
	if m == nil {
		return
	}
	label := strconv.Itoa(ddc)
	m.IQPacketsTotal.WithLabelValues(label).Inc()
	m.IQBytesTotal.WithLabelValues(label).Add(float64(payloadBytes))
}

func (m *Metrics) RecordSendError() {
	if m == nil {
		return
	}
	m.SendErrorsTotal.Inc()
}

func (m *Metrics) SetFIFODepth(words uint32) {
	if m == nil {
		return
	}
	m.FIFODepthWords.Set(float64(words))
}

func (m *Metrics) RecordFIFOOverflow() {
	if m == nil {
		return
	}
	m.FIFOOverflows.Inc()
}

func (m *Metrics) RecordStreamStart() {
	if m == nil {
		return
	}
	m.StreamStarts.Inc()
}

func (m *Metrics) RecordMicPacket() {
	if m == nil {
		return
	}
	m.MicPacketsTotal.Inc()
}
