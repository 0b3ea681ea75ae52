// Package config holds the engine's runtime settings: a YAML file with
// defaults, overridable per setting through EDEN_NCE_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config drives the smoke harness and engine setup.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// TraceFile, when set, receives the binary hot-path trace.
	TraceFile string `yaml:"trace_file"`

	// MemorySize is the guest address space size in bytes.
	MemorySize uint64 `yaml:"memory_size"`

	// StackSize is the guest stack carved from the top of the space.
	StackSize uint64 `yaml:"stack_size"`

	// Image is the flat guest code image to load.
	Image string `yaml:"image"`

	// EntryOffset is the image-relative program counter to start at.
	EntryOffset uint64 `yaml:"entry_offset"`

	// Patch controls entry-point patching of the loaded image.
	Patch bool `yaml:"patch"`
}

func Default() Config {
	return Config{
		LogLevel:   "info",
		MemorySize: 64 << 20,
		StackSize:  1 << 20,
		Patch:      true,
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error; the defaults stand.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return c, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return c, err
	}
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("EDEN_NCE_LOG_LEVEL", c.LogLevel)
	c.TraceFile = getEnv("EDEN_NCE_TRACE_FILE", c.TraceFile)
	c.Image = getEnv("EDEN_NCE_IMAGE", c.Image)

	var err error
	if c.MemorySize, err = getEnvUint64("EDEN_NCE_MEMORY_SIZE", c.MemorySize); err != nil {
		return err
	}
	if c.StackSize, err = getEnvUint64("EDEN_NCE_STACK_SIZE", c.StackSize); err != nil {
		return err
	}
	if c.EntryOffset, err = getEnvUint64("EDEN_NCE_ENTRY_OFFSET", c.EntryOffset); err != nil {
		return err
	}
	if c.Patch, err = getEnvBool("EDEN_NCE_PATCH", c.Patch); err != nil {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	if c.MemorySize == 0 || c.MemorySize%0x1000 != 0 {
		return fmt.Errorf("config: memory_size %#x must be a positive multiple of the page size", c.MemorySize)
	}
	if c.StackSize == 0 || c.StackSize >= c.MemorySize {
		return fmt.Errorf("config: stack_size %#x must be positive and smaller than memory_size", c.StackSize)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	return b, nil
}
