// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.

// Package config loads and validates the gateway's YAML configuration
// tree: the root config, per-channel configs (TCP/RTU), and per-slave
// register maps. All parsing happens once at startup; workers never
// re-read files afterward.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wwhai/sts-gateway/internal/modbus"
)

// ChannelType distinguishes the two supported Modbus transports.
type ChannelType string

const (
	ChannelModbusTCP ChannelType = "modbus_tcp"
	ChannelModbusRTU ChannelType = "modbus_rtu"
)

// RootConfig is the top-level gateway config, §6 of the spec.
type RootConfig struct {
	Name      string         `yaml:"name"`
	LogConfig string         `yaml:"log_config"`
	Channels  []ChannelEntry `yaml:"channels"`
	Storage   StorageConfig  `yaml:"storage"`
	MQTT      MQTTConfig     `yaml:"mqtt"`

	// baseDir is the directory root_config.yml was loaded from; relative
	// `file` and `register_map` paths in child configs resolve against it.
	baseDir string
}

// ChannelEntry names a channel config file and its wire transport kind.
type ChannelEntry struct {
	Type ChannelType `yaml:"type"`
	File string      `yaml:"file"`
}

// StorageConfig is the `storage:` block: engine selection plus the two
// maintenance sub-policies.
type StorageConfig struct {
	Type             string                 `yaml:"type"`
	DataFolder       string                 `yaml:"data_folder"`
	SizeManagement   SizeManagementConfig   `yaml:"size_management"`
	BackupManagement BackupManagementConfig `yaml:"backup_management"`
}

type SizeManagementConfig struct {
	Type             string  `yaml:"type"`
	MessagesTTLCheck string  `yaml:"messages_ttl_check"`
	MessagesTTLHours float64 `yaml:"messages_ttl"`
}

type BackupManagementConfig struct {
	Type           string  `yaml:"type"`
	BackupFolder   string  `yaml:"backup_folder"`
	BackupInterval string  `yaml:"backup_interval"`
	BackupTTLHours float64 `yaml:"backup_ttl"`
}

// MQTTConfig is the `mqtt:` block.
type MQTTConfig struct {
	ClientID string `yaml:"client_id"`
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	QoS      int    `yaml:"qos"`
	TBToken  string `yaml:"tb_token"`
}

// Slave is one addressable Modbus device on a channel.
type Slave struct {
	DeviceName  string `yaml:"device_name"`
	DeviceType  string `yaml:"device_type"`
	ModbusID    uint16 `yaml:"modbus_id"`
	RegisterMap string `yaml:"register_map"`
}

// TCPChannelConfig is a `modbus_tcp` channel config file.
type TCPChannelConfig struct {
	Name   string  `yaml:"name"`
	Host   string  `yaml:"host"`
	Port   uint16  `yaml:"port"`
	Slaves []Slave `yaml:"slaves"`
}

// RTUChannelConfig is a `modbus_rtu` channel config file.
type RTUChannelConfig struct {
	Name     string  `yaml:"name"`
	Port     string  `yaml:"port"`
	BaudRate uint32  `yaml:"baudrate"`
	Parity   string  `yaml:"parity"`
	DataBits uint8   `yaml:"data_bits"`
	StopBits uint8   `yaml:"stop_bits"`
	Slaves   []Slave `yaml:"slaves"`
}

// Load reads and validates the root config at path, returning it along
// with the SHA-256 hex digest of the raw file, for the caller to log at
// debug level. The channel configs and register maps it references are
// not opened here; LoadTCPChannel, LoadRTUChannel and LoadRegisterMap
// read those.
func Load(path string) (*RootConfig, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("config: reading %s: %w", path, err)
	}
	digest := HashBytes(raw)

	var cfg RootConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, "", fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.baseDir = filepath.Dir(path)

	if err := cfg.validate(); err != nil {
		return nil, "", fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, digest, nil
}

func (c *RootConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("gateway name must not be empty")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one channel must be configured")
	}
	for i, ch := range c.Channels {
		if ch.Type != ChannelModbusTCP && ch.Type != ChannelModbusRTU {
			return fmt.Errorf("channels[%d]: unknown channel type %q", i, ch.Type)
		}
		if ch.File == "" {
			return fmt.Errorf("channels[%d]: missing file", i)
		}
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt: host must not be empty")
	}
	return nil
}

// ResolvePath resolves a path from the root config relative to the
// directory root_config.yml was loaded from.
func (c *RootConfig) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// LoadTCPChannel reads and validates a modbus_tcp channel config file.
func LoadTCPChannel(path string) (*TCPChannelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading tcp channel %s: %w", path, err)
	}
	var cfg TCPChannelConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing tcp channel %s: %w", path, err)
	}
	if err := validateSlaves(cfg.Slaves); err != nil {
		return nil, fmt.Errorf("config: tcp channel %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadRTUChannel reads and validates a modbus_rtu channel config file.
// An unrecognised parity character or illegal bit count is not a config
// fault — it is normalized to None/8 by the RTU channel at open time, per
// spec.md §4.1's non-fatal-fallback rule. Slave validation here is still
// fatal: bad modbus ids are a genuine config fault (§7, E6).
func LoadRTUChannel(path string) (*RTUChannelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading rtu channel %s: %w", path, err)
	}
	var cfg RTUChannelConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing rtu channel %s: %w", path, err)
	}
	if err := validateSlaves(cfg.Slaves); err != nil {
		return nil, fmt.Errorf("config: rtu channel %s: %w", path, err)
	}
	return &cfg, nil
}

// DeviceNames tracks every slave device name registered across all
// channels of one gateway process, so a name repeated in a second channel
// file is caught just as fatally as one repeated within a single file.
type DeviceNames struct {
	seen map[string]bool
}

// NewDeviceNames returns an empty, process-wide device name registry.
func NewDeviceNames() *DeviceNames {
	return &DeviceNames{seen: make(map[string]bool)}
}

// Add registers name, failing if it was already registered by an earlier
// channel (or an earlier slave in the same channel).
func (d *DeviceNames) Add(name string) error {
	if d.seen[name] {
		return fmt.Errorf("duplicate device_name %q across channels", name)
	}
	d.seen[name] = true
	return nil
}

// validateSlaves rejects duplicate device names and out-of-range unit ids
// (1..247), per spec.md §3's invariant and the E6 end-to-end scenario.
// This only catches duplicates within a single channel file; cross-channel
// duplicates are caught by DeviceNames, which the caller threads across
// every channel it loads.
func validateSlaves(slaves []Slave) error {
	seen := make(map[string]bool, len(slaves))
	for _, s := range slaves {
		if s.DeviceName == "" {
			return fmt.Errorf("slave with empty device_name")
		}
		if seen[s.DeviceName] {
			return fmt.Errorf("duplicate device_name %q", s.DeviceName)
		}
		seen[s.DeviceName] = true
		if s.ModbusID < 1 || s.ModbusID > 247 {
			return fmt.Errorf("slave %q: modbus_id %d out of range 1..247", s.DeviceName, s.ModbusID)
		}
	}
	return nil
}

// LoadRegisterMap reads and decodes a slave's register map file.
func LoadRegisterMap(path string) (*modbus.RegisterMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading register map %s: %w", path, err)
	}
	var m modbus.RegisterMap
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("config: parsing register map %s: %w", path, err)
	}
	return &m, nil
}
