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

// Package http serves the gateway's status and control API. The heavy
// lifting all happens on the stream goroutines; this API only reads their
// published state and flips the radio active flag.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kd4yal2024/Saturn/internal/config"
	"github.com/kd4yal2024/Saturn/internal/p2"
	"github.com/kd4yal2024/Saturn/internal/p2/ddciq"
	"github.com/kd4yal2024/Saturn/internal/p2/sockets"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const readTimeout = 10 * time.Second

// Server is the status API server.
type Server struct {
	server *http.Server
}

// GatewayStatus is the response body of GET /api/v1/status.
type GatewayStatus struct {
	Version       string         `json:"version"`
	Commit        string         `json:"commit"`
	SDRActive     bool           `json:"sdrActive"`
	FIFOOverflows uint32         `json:"fifoOverflows"`
	Pipeline      ddciq.Snapshot `json:"pipeline"`
	Sockets       []sockets.Info `json:"sockets"`
}

func newRouter(cfg *config.Config, state *p2.State, pipeline *ddciq.Pipeline, registry *sockets.Registry, version, commit string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Metrics.OTLPEndpoint != "" {
		r.Use(otelgin.Middleware("saturn"))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, GatewayStatus{
			Version:       version,
			Commit:        commit,
			SDRActive:     state.SDRActive.Load(),
			FIFOOverflows: state.FIFOOverflows.Load(),
			Pipeline:      pipeline.Snapshot(),
			Sockets:       registry.Snapshot(),
		})
	})
	v1.POST("/radio/start", func(c *gin.Context) {
		state.SDRActive.Store(true)
		c.JSON(http.StatusOK, gin.H{"sdrActive": true})
	})
	v1.POST("/radio/stop", func(c *gin.Context) {
		state.SDRActive.Store(false)
		c.JSON(http.StatusOK, gin.H{"sdrActive": false})
	})
	return r
}

// MakeServer creates the status API server.
func MakeServer(cfg *config.Config, state *p2.State, pipeline *ddciq.Pipeline, registry *sockets.Registry, version, commit string) Server {
	return Server{
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port),
			Handler:           newRouter(cfg, state, pipeline, registry, version, commit),
			ReadHeaderTimeout: readTimeout,
		},
	}
}

// Start begins serving in the background.
func (s Server) Start() {
	slog.Info("Status API listening", "address", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Status API server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s Server) Stop(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Error("Failed to stop status API server", "error", err)
	}
}
