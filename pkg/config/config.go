package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pmkprobes/goprobe"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Transport              string   `toml:"transport" yaml:"transport"`
	Port                   string   `toml:"port" yaml:"port"`
	Baudrate               int      `toml:"baudrate" yaml:"baudrate"`
	Address                string   `toml:"address" yaml:"address"`
	Supply                 string   `toml:"supply" yaml:"supply"`
	TimeoutMs              int      `toml:"timeout_ms" yaml:"timeout_ms"`
	Attempts               int      `toml:"attempts" yaml:"attempts"`
	MissThreshold          int      `toml:"miss_threshold" yaml:"miss_threshold"`
	OpenAttempts           uint     `toml:"open_attempts" yaml:"open_attempts"`
	MinimumFirmwareVersion string   `toml:"minimum_firmware_version" yaml:"minimum_firmware_version"`
	LogLevel               string   `toml:"log_level" yaml:"log_level"`
	Presets                []Preset `toml:"preset" yaml:"presets"`
}

// Preset is a register value applied to a channel by `probectl apply`.
// Exactly one of Value and Label is set.
type Preset struct {
	Channel  int      `toml:"channel" yaml:"channel"`
	Register string   `toml:"register" yaml:"register"`
	Value    *float64 `toml:"value" yaml:"value"`
	Label    string   `toml:"label" yaml:"label"`
}

func Default() Config {
	return Config{
		Transport:     goprobe.TransportUSB,
		Port:          "*",
		Baudrate:      goprobe.DefaultBaudrate,
		Supply:        "PS03",
		TimeoutMs:     int(goprobe.DefaultTimeout / time.Millisecond),
		Attempts:      goprobe.DefaultAttempts,
		MissThreshold: goprobe.DefaultMissThreshold,
		OpenAttempts:  3,
		LogLevel:      "info",
	}
}

// Load reads a TOML or YAML file, chosen by extension, on top of Default and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("config load failed (%s): unsupported format %q", path, ext)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case goprobe.TransportUSB:
		if strings.TrimSpace(cfg.Port) == "" {
			return errors.New("usb transport requires port")
		}
	case goprobe.TransportLAN:
		if strings.TrimSpace(cfg.Address) == "" {
			return errors.New("lan transport requires address")
		}
	case "sim":
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	model, err := goprobe.SupplyModelFromName(cfg.Supply)
	if err != nil {
		return err
	}
	if cfg.TimeoutMs <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", cfg.TimeoutMs)
	}
	if cfg.Attempts < 1 {
		return fmt.Errorf("attempts must be at least 1, got %d", cfg.Attempts)
	}
	if cfg.MissThreshold < 1 {
		return fmt.Errorf("miss_threshold must be at least 1, got %d", cfg.MissThreshold)
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	for i, p := range cfg.Presets {
		if err := validatePreset(p, model.Channels()); err != nil {
			return fmt.Errorf("preset[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func validatePreset(p Preset, channels int) error {
	if p.Channel < 1 || p.Channel > channels {
		return fmt.Errorf("channel must be 1..%d, got %d", channels, p.Channel)
	}
	if _, ok := goprobe.RegisterFromName(p.Register); !ok {
		return fmt.Errorf("unknown register %q", p.Register)
	}
	if (p.Value == nil) == (p.Label == "") {
		return errors.New("exactly one of value and label is required")
	}
	return nil
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c Config) TransportConfig() *goprobe.TransportConfig {
	port := c.Port
	if strings.EqualFold(c.Transport, "sim") {
		port = c.Supply
	}
	return &goprobe.TransportConfig{
		Port:         port,
		PortBaudrate: c.Baudrate,
		Address:      c.Address,
		OpenAttempts: c.OpenAttempts,
	}
}

func (c Config) SupplyConfig(log zerolog.Logger) *goprobe.Config {
	model, _ := goprobe.SupplyModelFromName(c.Supply)
	return &goprobe.Config{
		Model:                  model,
		Timeout:                c.Timeout(),
		Attempts:               c.Attempts,
		MissThreshold:          c.MissThreshold,
		MinimumFirmwareVersion: c.MinimumFirmwareVersion,
		Logger:                 log,
	}
}
