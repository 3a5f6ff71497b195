package ipc

import "fmt"

// Config holds the semaphore and pipe table sizes.
type Config struct {
	// NumSemaphores is the size of the semaphore table.
	NumSemaphores int `json:"numSemaphores" yaml:"numSemaphores"`
	// MaxPipes is the size of the pipe table.
	MaxPipes int `json:"maxPipes" yaml:"maxPipes"`
	// PipeCapacity is the ring buffer size of every pipe.
	PipeCapacity int `json:"pipeCapacity" yaml:"pipeCapacity"`
}

// DefaultConfig returns the settings used by the kernel at boot.
func DefaultConfig() Config {
	return Config{
		NumSemaphores: 128,
		MaxPipes:      16,
		PipeCapacity:  512,
	}
}

// Validate reports invalid settings. Every pipe needs three semaphores.
func (c Config) Validate() error {
	if c.NumSemaphores < 1 {
		return fmt.Errorf("ipc: numSemaphores must be > 0")
	}
	if c.MaxPipes < 0 || c.PipeCapacity < 1 {
		return fmt.Errorf("ipc: invalid pipe settings %d x %d", c.MaxPipes, c.PipeCapacity)
	}
	if 3*c.MaxPipes > c.NumSemaphores {
		return fmt.Errorf("ipc: %d pipes need %d semaphores, have %d", c.MaxPipes, 3*c.MaxPipes, c.NumSemaphores)
	}
	return nil
}
