package kernel

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cyelmini/TP2-SO-2C2025/pkg/cpu"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/memory"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/process"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/process/ipc"
)

// Config holds every kernel setting.
type Config struct {
	Memory  memory.Config  `json:"memory" yaml:"memory"`
	Process process.Config `json:"process" yaml:"process"`
	IPC     ipc.Config     `json:"ipc" yaml:"ipc"`
	CPU     cpu.Config     `json:"cpu" yaml:"cpu"`
	Log     LogConfig      `json:"log" yaml:"log"`
	Tracing TracingConfig  `json:"tracing" yaml:"tracing"`
}

// LogConfig selects the log level and an optional log file written next to
// the console output.
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
}

// TracingConfig enables one span per system call.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
	// Output is the span file. Empty writes to stdout.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// DefaultConfig returns the stock kernel settings.
func DefaultConfig() Config {
	return Config{
		Memory:  memory.DefaultConfig(),
		Process: process.DefaultConfig(),
		IPC:     ipc.DefaultConfig(),
		CPU:     cpu.DefaultConfig(),
		Log:     LogConfig{Level: "info"},
		Tracing: TracingConfig{ServiceName: "kernel"},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	if c.Memory.Size == 0 {
		return fmt.Errorf("memory: size must be > 0")
	}
	if err := c.Process.Validate(); err != nil {
		return err
	}
	if err := c.IPC.Validate(); err != nil {
		return err
	}
	if err := c.CPU.Validate(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}

// LoadConfig reads a YAML file over the defaults. Missing keys keep their
// default value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
