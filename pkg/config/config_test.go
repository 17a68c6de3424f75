package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pmkprobes/goprobe"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "probe.toml", `
transport = "lan"
address = "192.168.1.50"
supply = "PS02"
timeout_ms = 250
attempts = 5
minimum_firmware_version = "1.2.0"

[[preset]]
channel = 1
register = "gain"
value = 10.0

[[preset]]
channel = 2
register = "led_color"
label = "green"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lan", cfg.Transport)
	assert.Equal(t, "192.168.1.50", cfg.Address)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout())
	assert.Equal(t, 5, cfg.Attempts)
	assert.Equal(t, goprobe.DefaultMissThreshold, cfg.MissThreshold, "unset keys keep defaults")
	require.Len(t, cfg.Presets, 2)
	require.NotNil(t, cfg.Presets[0].Value)
	assert.Equal(t, 10.0, *cfg.Presets[0].Value)
	assert.Equal(t, "green", cfg.Presets[1].Label)

	sc := cfg.SupplyConfig(zerolog.Nop())
	assert.Equal(t, goprobe.PS02, sc.Model)
	assert.Equal(t, "1.2.0", sc.MinimumFirmwareVersion)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "probe.yaml", `
transport: sim
supply: PS03
attempts: 2
log_level: debug
presets:
  - channel: 3
    register: probe_head_on
    label: "on"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, "PS03", cfg.TransportConfig().Port, "sim selects the supply model through the port")
	assert.Equal(t, 2, cfg.Attempts)
	require.Len(t, cfg.Presets, 1)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	for name, content := range map[string]string{
		"bad.toml": "transport = \"usb\"\nbaud = 9600\n",
		"bad.yml":  "transport: usb\nbaud: 9600\n",
	} {
		_, err := Load(writeFile(t, name, content))
		assert.Error(t, err, name)
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	_, err := Load(writeFile(t, "probe.json", "{}"))
	assert.ErrorContains(t, err, "unsupported format")
}

func TestValidate(t *testing.T) {
	gain := 10.0
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"lan without address", func(c *Config) { c.Transport = "lan" }, false},
		{"unknown transport", func(c *Config) { c.Transport = "can" }, false},
		{"unknown supply", func(c *Config) { c.Supply = "PS09" }, false},
		{"zero timeout", func(c *Config) { c.TimeoutMs = 0 }, false},
		{"zero attempts", func(c *Config) { c.Attempts = 0 }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"preset ok", func(c *Config) {
			c.Presets = []Preset{{Channel: 1, Register: "gain", Value: &gain}}
		}, true},
		{"preset channel 3 on PS02", func(c *Config) {
			c.Supply = "PS02"
			c.Presets = []Preset{{Channel: 3, Register: "gain", Value: &gain}}
		}, false},
		{"preset unknown register", func(c *Config) {
			c.Presets = []Preset{{Channel: 1, Register: "volume", Value: &gain}}
		}, false},
		{"preset value and label", func(c *Config) {
			c.Presets = []Preset{{Channel: 1, Register: "gain", Value: &gain, Label: "x"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
