package memory

import (
	"errors"
	"fmt"
	"log/slog"
)

// Heap errors.
var (
	ErrHeapTooSmall    = errors.New("heap size below strategy minimum")
	ErrInvalidBase     = errors.New("invalid heap base address")
	ErrUnknownStrategy = errors.New("unknown allocation strategy")
	ErrOutOfRange      = errors.New("address outside managed heap")
	ErrOutOfMemory     = errors.New("out of memory")
	ErrZeroSize        = errors.New("zero-size allocation")
)

// Addr is an address inside the simulated physical memory.
type Addr uintptr

// Nil is the failure value returned by Alloc.
const Nil Addr = 0

// Info reports the heap occupation in bytes.
type Info struct {
	Total uint64 `json:"total" yaml:"total"`
	Used  uint64 `json:"used" yaml:"used"`
	Free  uint64 `json:"free" yaml:"free"`
}

// Allocator is the contract the rest of the kernel depends on.
type Allocator interface {
	Alloc(size uint64) Addr
	Free(addr Addr)
	Info() Info
	Bytes(addr Addr, n uint64) ([]byte, error)
}

// index keeps the allocation state over arena offsets.
type index interface {
	// alloc reserves at least size bytes and returns the block offset and
	// the number of bytes actually reserved.
	alloc(size uint64) (offset, reserved uint64, ok bool)
	// free releases the block starting exactly at offset.
	free(offset uint64) (released uint64, ok bool)
	// managed returns the number of arena bytes under management.
	managed() uint64
}

// Heap manages a fixed byte range with a buddy or bitmap index.
type Heap struct {
	base     Addr
	arena    []byte
	idx      index
	used     uint64
	maxAlloc uint64
	strategy Strategy
	logger   *slog.Logger
}

// Option configures a Heap.
type Option func(h *Heap)

// WithLogger sets the heap logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Heap) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates a heap over [base, base+size) using the configured strategy.
func New(cfg Config, base Addr, size uint64, opts ...Option) (*Heap, error) {
	if base == Nil {
		return nil, ErrInvalidBase
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		idx index
		err error
	)
	switch cfg.Strategy {
	case StrategyBuddy:
		idx, err = newBuddy(size, cfg.MinExponent, cfg.MaxExponent)
	case StrategyBitmap:
		idx, err = newBitmap(size, cfg.BlockSize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
	if err != nil {
		return nil, err
	}

	h := &Heap{
		base:     base,
		arena:    make([]byte, idx.managed()),
		idx:      idx,
		maxAlloc: cfg.MaxAllocation,
		strategy: cfg.Strategy,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger.Debug("heap created",
		"strategy", h.strategy,
		"base", fmt.Sprintf("0x%x", uintptr(base)),
		"managed", idx.managed())
	return h, nil
}

// Alloc reserves size bytes. It returns Nil when size is zero, above the
// maximum allocation, or when no block is large enough.
func (h *Heap) Alloc(size uint64) Addr {
	if size == 0 {
		return Nil
	}
	if size > h.maxAlloc || size > h.idx.managed()-h.used {
		h.logger.Debug("alloc rejected", "size", size, "used", h.used)
		return Nil
	}
	offset, reserved, ok := h.idx.alloc(size)
	if !ok {
		h.logger.Debug("alloc failed", "size", size, "used", h.used)
		return Nil
	}
	h.used += reserved
	return h.base + Addr(offset)
}

// Free releases a block returned by Alloc. Nil, foreign and already freed
// addresses are ignored.
func (h *Heap) Free(addr Addr) {
	if !h.Contains(addr) {
		return
	}
	released, ok := h.idx.free(uint64(addr - h.base))
	if !ok {
		return
	}
	h.used -= released
}

// Info returns the current occupation.
func (h *Heap) Info() Info {
	total := h.idx.managed()
	return Info{Total: total, Used: h.used, Free: total - h.used}
}

// Contains reports whether addr lies inside the managed range.
func (h *Heap) Contains(addr Addr) bool {
	return addr >= h.base && uint64(addr-h.base) < h.idx.managed()
}

// Bytes returns the arena view [addr, addr+n).
func (h *Heap) Bytes(addr Addr, n uint64) ([]byte, error) {
	if !h.Contains(addr) {
		return nil, ErrOutOfRange
	}
	offset := uint64(addr - h.base)
	if n > h.idx.managed()-offset {
		return nil, ErrOutOfRange
	}
	return h.arena[offset : offset+n : offset+n], nil
}

// Base returns the first managed address.
func (h *Heap) Base() Addr { return h.base }

// Strategy returns the allocation strategy in use.
func (h *Heap) Strategy() Strategy { return h.strategy }
