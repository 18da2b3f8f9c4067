package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type LogConfig struct {
	Level string `toml:"level"`
}

type DeviceConfig struct {
	// Index of the physical device to use. A negative value picks the first device
	// exposing a compute queue.
	Index int `toml:"index"`
	// FatalErrors terminates the process on any device error.
	FatalErrors bool `toml:"fatal_errors"`
	// Validation enables VK_LAYER_KHRONOS_validation when present.
	Validation bool `toml:"validation"`
}

type DescriptorConfig struct {
	// PoolCapacity is the maximum number of binding sets alive at once.
	PoolCapacity uint32 `toml:"pool_capacity"`
	// DecayInterval is the number of bind calls between two decay passes.
	DecayInterval uint32 `toml:"decay_interval"`
}

type ProgramConfig struct {
	Dir                 string `toml:"dir"`
	Watch               bool   `toml:"watch"`
	ManifestCache       bool   `toml:"manifest_cache"`
	ReflectionCacheSize int    `toml:"reflection_cache_size"`
}

type Config struct {
	Log         LogConfig        `toml:"log"`
	Device      DeviceConfig     `toml:"device"`
	Descriptors DescriptorConfig `toml:"descriptors"`
	Programs    ProgramConfig    `toml:"programs"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Device: DeviceConfig{
			Index:       -1,
			FatalErrors: true,
		},
		Descriptors: DescriptorConfig{
			PoolCapacity:  32,
			DecayInterval: 64,
		},
		Programs: ProgramConfig{
			Dir:                 "shaders",
			ReflectionCacheSize: 64,
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			LogDebug("config file %s not found, using defaults", path)
			return cfg, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		err = fmt.Errorf("failed to parse config %s: %w", path, err)
		LogError("%s", err)
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		LogError("%s", err)
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Descriptors.PoolCapacity == 0 {
		return fmt.Errorf("descriptors.pool_capacity must be greater than 0")
	}
	if c.Descriptors.DecayInterval == 0 {
		return fmt.Errorf("descriptors.decay_interval must be greater than 0")
	}
	if c.Programs.ReflectionCacheSize <= 0 {
		return fmt.Errorf("programs.reflection_cache_size must be greater than 0")
	}
	return nil
}
