package process

import "fmt"

// Config holds the scheduler and process manager settings.
type Config struct {
	// MaxProcesses bounds the process table, idle included.
	MaxProcesses int `json:"maxProcesses" yaml:"maxProcesses"`
	// StackSize is the stack region allocated per process.
	StackSize uint64 `json:"stackSize" yaml:"stackSize"`
	// QuantumTicks is the number of ticks a dispatched process may run.
	QuantumTicks int `json:"quantumTicks" yaml:"quantumTicks"`
	// AgingTicks is the promotion period for ready processes.
	AgingTicks uint64 `json:"agingTicks" yaml:"agingTicks"`
	// ResetTicks is the period at which priorities return to their base.
	ResetTicks uint64 `json:"resetTicks" yaml:"resetTicks"`
	// ShellPID is never killed by Ctrl-C. Negative disables the protection.
	ShellPID int `json:"shellPid" yaml:"shellPid"`
}

// DefaultConfig returns the settings used by the kernel at boot.
func DefaultConfig() Config {
	return Config{
		MaxProcesses: 30,
		StackSize:    4096,
		QuantumTicks: 2,
		AgingTicks:   100,
		ResetTicks:   1000,
		ShellPID:     1,
	}
}

// Validate reports invalid settings.
func (c Config) Validate() error {
	if c.MaxProcesses < 2 {
		return fmt.Errorf("process: maxProcesses must be >= 2, got %d", c.MaxProcesses)
	}
	if c.StackSize == 0 {
		return fmt.Errorf("process: stackSize must be > 0")
	}
	if c.QuantumTicks < 1 {
		return fmt.Errorf("process: quantumTicks must be >= 1, got %d", c.QuantumTicks)
	}
	if c.AgingTicks == 0 || c.ResetTicks == 0 {
		return fmt.Errorf("process: agingTicks and resetTicks must be > 0")
	}
	return nil
}
