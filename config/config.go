// Package config handles vesper.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tsharra/vesper/rt"
)

// Config represents a vesper.toml configuration file.
type Config struct {
	Monitor Monitor `toml:"monitor"`
	Cache   Cache   `toml:"cache"`
	Log     Log     `toml:"log"`

	// Dir is the directory containing the vesper.toml file (set at load time).
	Dir string `toml:"-"`
}

// Monitor tunes the lock subsystem.
type Monitor struct {
	// MaxSpinsBeforeInflation bounds the thin-lock contention spin loop.
	MaxSpinsBeforeInflation int `toml:"max-spins-before-inflation"`

	// LockProfilingThresholdMillis enables contention logging for blocks
	// longer than this. 0 disables.
	LockProfilingThresholdMillis int `toml:"lock-profiling-threshold-millis"`

	// StackDumpThresholdMillis raises contention logs to include the
	// holder's held-lock chain.
	StackDumpThresholdMillis int `toml:"stack-dump-threshold-millis"`
}

// Cache configures the class-initialization result cache.
type Cache struct {
	Path string `toml:"path"`
}

// Log configures logging verbosity.
type Log struct {
	Verbosity int `toml:"verbosity"`
}

// Load parses a vesper.toml file from the given directory. A missing file is
// not an error; defaults apply.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "vesper.toml")
	var c Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.applyDefaults()
			c.Dir = dir
			return &c, nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Monitor.MaxSpinsBeforeInflation == 0 {
		c.Monitor.MaxSpinsBeforeInflation = rt.DefaultMaxSpinsBeforeThinLockInflation
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "vesper-cache.db"
	}
}

// RuntimeOptions converts the configuration into rt.Options.
func (c *Config) RuntimeOptions() rt.Options {
	return rt.Options{
		MaxSpinsBeforeThinLockInflation: c.Monitor.MaxSpinsBeforeInflation,
		LockProfilingThreshold:          time.Duration(c.Monitor.LockProfilingThresholdMillis) * time.Millisecond,
		StackDumpLockProfilingThreshold: time.Duration(c.Monitor.StackDumpThresholdMillis) * time.Millisecond,
	}
}
