// Package config loads the tool configuration for boardflash.
//
// Configuration comes from a single YAML file named by the BOARDFLASH_CONFIG
// environment variable or the --config flag. Every field has a default, an
// absent file means all defaults.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvVar names the configuration file when --config is not given
const EnvVar = "BOARDFLASH_CONFIG"

// Config is the complete tool configuration
type Config struct {
	// Programmer is the esptool command, executable first
	Programmer []string `yaml:"programmer"`

	// Builder is the PlatformIO command, executable first
	Builder []string `yaml:"builder"`

	Generator GeneratorConfig `yaml:"generator"`

	// CacheDir holds downloaded firmware packages
	CacheDir string `yaml:"cache_dir"`

	// Boards is an optional board catalog merged over the builtin one
	Boards string `yaml:"boards"`

	Baud int `yaml:"baud"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`
}

// GeneratorConfig configures the NVS image generator
type GeneratorConfig struct {
	// Script is the path to nvs_partition_gen.py
	Script string `yaml:"script"`

	// Interpreters are tried in order until one is found on PATH
	Interpreters []string `yaml:"interpreters"`

	// Size of the generated NVS image in bytes
	Size uint32 `yaml:"size"`
}

// TimeoutsConfig bounds the external steps
type TimeoutsConfig struct {
	// Clean caps the best-effort clean before a build
	Clean time.Duration `yaml:"clean"`

	// LiveRead caps each partition table read from the board
	LiveRead time.Duration `yaml:"live_read"`

	// ReleasePause is waited after deleting build output
	ReleasePause time.Duration `yaml:"release_pause"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cache := filepath.Join(os.TempDir(), "boardflash")
	if dir, err := os.UserCacheDir(); err == nil {
		cache = filepath.Join(dir, "boardflash")
	}
	return &Config{
		Programmer: []string{"esptool.py"},
		Builder:    []string{"pio"},
		Generator: GeneratorConfig{
			Script:       "nvs_partition_gen.py",
			Interpreters: []string{"python3", "python"},
			Size:         0x5000,
		},
		CacheDir: cache,
		Baud:     460800,
		Timeouts: TimeoutsConfig{
			Clean:        15 * time.Second,
			LiveRead:     5 * time.Second,
			ReleasePause: 2 * time.Second,
		},
	}
}

// Path returns flagValue when set, otherwise the environment variable
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvVar)
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read config")
	}
	if err := yaml.Unmarshal(bs, c); err != nil {
		return nil, errors.Wrapf(err, "could not parse %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return c, nil
}

// Validate rejects configurations no run could succeed with
func (c *Config) Validate() error {
	if len(c.Programmer) == 0 || c.Programmer[0] == "" {
		return errors.New("programmer command is empty")
	}
	if len(c.Builder) == 0 || c.Builder[0] == "" {
		return errors.New("builder command is empty")
	}
	if c.CacheDir == "" {
		return errors.New("cache_dir is empty")
	}
	if c.Baud <= 0 {
		return errors.Errorf("invalid baud rate %d", c.Baud)
	}
	if c.Timeouts.Clean <= 0 || c.Timeouts.LiveRead <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
