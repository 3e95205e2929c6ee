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
	"fmt"
	"os"

	"github.com/kd4yal2024/Saturn/internal/p2/p2const"
	"gopkg.in/yaml.v3"
)

var (
	// ErrProfileDDCPortCount indicates the profile does not list one port per DDC.
	ErrProfileDDCPortCount = errors.New("radio profile must list one port per DDC")
	// ErrProfilePortRange indicates a profile port is out of range.
	ErrProfilePortRange = errors.New("radio profile port out of range")
)

// RadioProfile assigns UDP ports to the gateway's streams. The defaults match
// the protocol 2 conventions; a profile file overrides them for setups where
// another application already claims those ports.
type RadioProfile struct {
	DDCPorts []int `yaml:"ddc_ports"`
	MicPort  int   `yaml:"mic_port"`
}

// DefaultRadioProfile returns the standard protocol 2 port map.
func DefaultRadioProfile() RadioProfile {
	profile := RadioProfile{
		DDCPorts: make([]int, p2const.NumDDC),
		MicPort:  p2const.MicDataPort,
	}
	for ddc := range profile.DDCPorts {
		profile.DDCPorts[ddc] = p2const.DDCDataPort + ddc
	}
	return profile
}

// LoadRadioProfile reads a profile file, filling omitted fields from the
// defaults. An empty path yields the defaults.
func LoadRadioProfile(path string) (RadioProfile, error) {
	profile := DefaultRadioProfile()
	if path == "" {
		return profile, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("failed to read radio profile: %w", err)
	}
	var loaded RadioProfile
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return profile, fmt.Errorf("failed to parse radio profile: %w", err)
	}
	if loaded.DDCPorts != nil {
		profile.DDCPorts = loaded.DDCPorts
	}
	if loaded.MicPort != 0 {
		profile.MicPort = loaded.MicPort
	}
	if err := profile.Validate(); err != nil {
		return DefaultRadioProfile(), err
	}
	return profile, nil
}

// Validate validates the profile.
func (p RadioProfile) Validate() error {
	if len(p.DDCPorts) != p2const.NumDDC {
		return fmt.Errorf("%w: got %d, want %d", ErrProfileDDCPortCount, len(p.DDCPorts), p2const.NumDDC)
	}
	for _, port := range p.DDCPorts {
		if !validPort(port) {
			return fmt.Errorf("%w: %d", ErrProfilePortRange, port)
		}
	}
	if !validPort(p.MicPort) {
		return fmt.Errorf("%w: %d", ErrProfilePortRange, p.MicPort)
	}
	return nil
}
