package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curastack/medlink/internal/reading"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "medlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.ScanDuration)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 4096, cfg.MaxFrameBytes)
	assert.Empty(t, cfg.MQTT.Broker, "publishing MUST be off by default")
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "medlink", cfg.MQTT.ClientID)
	assert.Empty(t, cfg.Devices)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	// GOAL: Verify a partial YAML file overrides only what it names
	//
	// TEST SCENARIO: Config sets log level, probe timeout, MQTT broker and one
	// device; everything else keeps its default

	path := writeConfig(t, `
log_level: debug
probe_timeout: 2s
mqtt:
  broker: mqtt.clinic.local
  site: ward-3
devices:
  - id: "AA:BB:CC:DD:EE:FF"
    name: Ward cuff
    type: bp
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 15*time.Second, cfg.ScanDuration, "unset fields MUST keep defaults")
	assert.Equal(t, 4096, cfg.MaxFrameBytes)

	assert.Equal(t, "mqtt.clinic.local", cfg.MQTT.Broker)
	assert.Equal(t, "ward-3", cfg.MQTT.Site)
	assert.Equal(t, 1883, cfg.MQTT.Port)

	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Devices[0].ID)
	assert.Equal(t, reading.DeviceBloodPressure, cfg.Devices[0].Type)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "log_level: [unclosed")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"negative scan duration", "scan_duration: -1s", "scan_duration"},
		{"zero probe timeout", "probe_timeout: 0s", "probe_timeout"},
		{"zero frame cap", "max_frame_bytes: 0", "max_frame_bytes"},
		{"device without id", "devices:\n  - name: anon\n    type: bp", "need an id"},
		{"duplicate device ids", "devices:\n  - id: X\n    type: bp\n  - id: X\n    type: glucose", "duplicate device id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
