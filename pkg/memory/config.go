package memory

import "fmt"

// Strategy selects the allocation index.
type Strategy string

const (
	// StrategyBuddy rounds requests to powers of two and merges buddies on free.
	StrategyBuddy Strategy = "buddy"
	// StrategyBitmap splits the arena in fixed-size blocks.
	StrategyBitmap Strategy = "bitmap"
)

// Config holds the heap settings.
type Config struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	// Base is the first address of the heap.
	Base uint64 `json:"base" yaml:"base"`
	// Size is the number of bytes handed to the allocator.
	Size uint64 `json:"size" yaml:"size"`
	// MaxAllocation caps a single request.
	MaxAllocation uint64 `json:"maxAllocation" yaml:"maxAllocation"`
	// MinExponent and MaxExponent bound buddy block sizes (2^exp bytes).
	MinExponent uint `json:"minExponent" yaml:"minExponent"`
	MaxExponent uint `json:"maxExponent" yaml:"maxExponent"`
	// BlockSize is the bitmap granularity.
	BlockSize uint64 `json:"blockSize" yaml:"blockSize"`
}

// DefaultConfig returns the settings used by the kernel at boot.
func DefaultConfig() Config {
	return Config{
		Strategy:      StrategyBuddy,
		Base:          0x600000,
		Size:          8 << 20,
		MaxAllocation: 1 << 17,
		MinExponent:   4,
		MaxExponent:   28,
		BlockSize:     64,
	}
}

// Validate reports invalid settings.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyBuddy:
		if c.MinExponent == 0 || c.MinExponent > c.MaxExponent || c.MaxExponent > 40 {
			return fmt.Errorf("memory: invalid buddy exponents [%d, %d]", c.MinExponent, c.MaxExponent)
		}
	case StrategyBitmap:
		if c.BlockSize == 0 {
			return fmt.Errorf("memory: blockSize must be > 0")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, c.Strategy)
	}
	if c.MaxAllocation == 0 {
		return fmt.Errorf("memory: maxAllocation must be > 0")
	}
	return nil
}
