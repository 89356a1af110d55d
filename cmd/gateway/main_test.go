package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wwhai/sts-gateway/internal/config"
)

func writeRegisterMap(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := `
attributes: []
timeseries:
  - starting_address: 0
    elements_count: 1
    data_points:
      - data_offset: 0
        register_count: 1
        data_type: uint16
        key_name: v
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// A device name reused across two distinct channels is a process-wide
// config fault, not just an intra-channel one.
func TestResolveSlavesRejectsDeviceNameSharedAcrossChannels(t *testing.T) {
	dir := t.TempDir()
	mapPath := writeRegisterMap(t, dir, "map.yml")

	rootCfg, _, err := config.Load(writeRootConfig(t, dir))
	require.NoError(t, err)

	names := config.NewDeviceNames()

	firstChannel := []config.Slave{{DeviceName: "dup", ModbusID: 1, RegisterMap: mapPath}}
	_, err = resolveSlaves(rootCfg, firstChannel, names)
	require.NoError(t, err)

	secondChannel := []config.Slave{{DeviceName: "dup", ModbusID: 2, RegisterMap: mapPath}}
	_, err = resolveSlaves(rootCfg, secondChannel, names)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate device_name")
}

func writeRootConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "root.yml")
	content := `
name: gw1
log_config: log.yml
channels:
  - type: modbus_tcp
    file: ./tcp.yml
mqtt:
  host: broker.local
  port: 1883
  qos: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
