// Package config loads the server's YAML configuration via viper,
// mirroring the teacher's cmd/config package: defaults set with
// viper.SetDefault, a config file merged on top, fatal on malformed
// input.
package config

import (
	"fmt"
	"log/slog"

	"github.com/spf13/viper"
)

// DeviceConfig describes one configured IoDev.
type DeviceConfig struct {
	Name         string `mapstructure:"name"`
	Direction    string `mapstructure:"direction"` // "output" or "input"
	Kind         string `mapstructure:"kind"`      // "pcm", "a2dp", "hfp", "silent", "loopback"
	PortAudioID  string `mapstructure:"portaudio_device"`
	BufferFrames int    `mapstructure:"buffer_frames"`
	CbThreshold  int    `mapstructure:"cb_threshold"`
	MinCbLevel   int    `mapstructure:"min_cb_level"`
}

// Config is the full server configuration.
type Config struct {
	SocketPath string         `mapstructure:"socket_path"`
	LogLevel   string         `mapstructure:"loglevel"`
	LogFile    string         `mapstructure:"logfile"`
	Devices    []DeviceConfig `mapstructure:"devices"`
}

func setDefaults() {
	viper.SetDefault("socket_path", "/run/audiocore/socket")
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("devices", []map[string]any{
		{"name": "default-output", "direction": "output", "kind": "silent", "buffer_frames": 4096, "cb_threshold": 1024, "min_cb_level": 256},
	})
}

// Load reads configFilePath (if it exists) over the built-in defaults
// and returns the decoded Config. A missing file is not an error, same
// as the teacher's LoadConfig; a malformed one is.
func Load(configFilePath string) (*Config, error) {
	setDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Info("no config file found, using defaults", "path", configFilePath)
		} else {
			return nil, fmt.Errorf("config: reading %s: %w", configFilePath, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("config: socket_path must not be empty")
	}
	return &cfg, nil
}
